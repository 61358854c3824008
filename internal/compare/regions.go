package compare

import "image"

// region is a connected cluster of mismatched tiles with its bounding box
// and the mismatched pixel count inside it.
type region struct {
	bounds image.Rectangle
	pixels int
}

// clusterRegions groups mismatched pixels into rectangular regions. The mask
// is bucketed into a tile grid; tiles containing mismatches are flood-filled
// with their 4-neighbors into bounding boxes. Scan order is raster and the
// queue is FIFO, so the result order is deterministic for a given mask.
func clusterRegions(mask *mismatchMask, tileSize, minPixels int) []region {
	tw := (mask.w + tileSize - 1) / tileSize
	th := (mask.h + tileSize - 1) / tileSize
	if tw == 0 || th == 0 {
		return nil
	}

	counts := make([]int, tw*th)
	for y := 0; y < mask.h; y++ {
		row := y * mask.w
		ty := y / tileSize
		for x := 0; x < mask.w; x++ {
			if mask.mismatched[row+x] {
				counts[ty*tw+x/tileSize]++
			}
		}
	}

	visited := make([]bool, tw*th)
	var regions []region

	for ty := 0; ty < th; ty++ {
		for tx := 0; tx < tw; tx++ {
			start := ty*tw + tx
			if visited[start] || counts[start] == 0 {
				continue
			}

			pixels := 0
			minX, minY, maxX, maxY := tx, ty, tx, ty
			queue := []int{start}
			visited[start] = true

			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				cy, cx := cur/tw, cur%tw
				pixels += counts[cur]
				if cx < minX {
					minX = cx
				}
				if cx > maxX {
					maxX = cx
				}
				if cy < minY {
					minY = cy
				}
				if cy > maxY {
					maxY = cy
				}

				for _, next := range neighbors(cur, cx, cy, tw, th) {
					if !visited[next] && counts[next] > 0 {
						visited[next] = true
						queue = append(queue, next)
					}
				}
			}

			if pixels < minPixels {
				continue
			}
			bounds := image.Rect(
				minX*tileSize,
				minY*tileSize,
				min((maxX+1)*tileSize, mask.w),
				min((maxY+1)*tileSize, mask.h),
			)
			regions = append(regions, region{bounds: bounds, pixels: pixels})
		}
	}
	return regions
}

// neighbors returns the 4-connected tile indexes, west/east/north/south.
func neighbors(idx, cx, cy, tw, th int) []int {
	out := make([]int, 0, 4)
	if cx > 0 {
		out = append(out, idx-1)
	}
	if cx < tw-1 {
		out = append(out, idx+1)
	}
	if cy > 0 {
		out = append(out, idx-tw)
	}
	if cy < th-1 {
		out = append(out, idx+tw)
	}
	return out
}
