package compare

import (
	"fmt"
	"image"
	"math"

	"pixeldrift/internal/convergence"
)

// Classification thresholds. Tuned against rendered web pages; see the
// comparator tests for representative fixtures.
const (
	shiftMatchFraction = 0.85
	shiftStep          = 4
	styleMinMeanDelta  = 8.0
	styleMaxStddev     = 24.0
	textEdgeDelta      = 48.0
	textEdgeDensity    = 0.12
	textMaxHeight      = 64
	maxSamples         = 4096
)

// classifyRegion assigns a mismatch region to a correction category:
//
//   - the snapshot content matches the reference when shifted: layout
//   - the color deviation is uniform across the region: styling
//   - the region is short and dense with high-contrast edges: typography
//   - anything else: component detail
//
// The checks are pure functions of the two images and the region, so a
// region always classifies the same way.
func classifyRegion(refImg, snapImg image.Image, reg region, opts Options) (convergence.Category, string) {
	stride := sampleStride(reg.bounds.Dx(), reg.bounds.Dy())
	limit := maxDelta * opts.PixelThreshold * opts.PixelThreshold

	if dx, dy, ok := findShift(refImg, snapImg, reg.bounds, opts.MaxShift, limit, stride); ok {
		return convergence.CategoryLayout,
			fmt.Sprintf("content displaced by (%+d,%+d)px relative to the reference; spacing or position drift", dx, dy)
	}

	if dr, dg, db, ok := uniformColorShift(refImg, snapImg, reg.bounds, limit, stride); ok {
		return convergence.CategoryStyling,
			fmt.Sprintf("uniform color deviation across region (mean rgb delta %+.0f,%+.0f,%+.0f)", dr, dg, db)
	}

	if reg.bounds.Dy() <= textMaxHeight && edgeDensity(refImg, reg.bounds, stride) >= textEdgeDensity {
		return convergence.CategoryTypography,
			"high-contrast text-like region differs; glyph shape, size, or weight mismatch"
	}

	return convergence.CategoryComponent,
		"structural mismatch with no simple shift or color explanation"
}

// sampleStride bounds per-region sampling cost. Stride grows with region
// area so a full-canvas region still classifies quickly.
func sampleStride(w, h int) int {
	stride := 1
	for (w/stride)*(h/stride) > maxSamples {
		stride++
	}
	return stride
}

// findShift searches for an offset at which the reference region content
// reappears in the snapshot. Offsets are probed in ascending Chebyshev
// radius so the smallest displacement wins, which keeps the answer stable.
func findShift(refImg, snapImg image.Image, b image.Rectangle, maxShift int, limit float64, stride int) (int, int, bool) {
	for radius := shiftStep; radius <= maxShift; radius += shiftStep {
		for _, off := range ringOffsets(radius) {
			frac, ok := shiftedMatch(refImg, snapImg, b, off.X, off.Y, limit, stride)
			if ok && frac >= shiftMatchFraction {
				return off.X, off.Y, true
			}
		}
	}
	return 0, 0, false
}

// ringOffsets enumerates the offsets on the Chebyshev ring of the given
// radius in a fixed clockwise order starting from (radius, 0).
func ringOffsets(radius int) []image.Point {
	if radius == 0 {
		return []image.Point{{X: 0, Y: 0}}
	}
	seen := make(map[image.Point]bool)
	var out []image.Point
	add := func(x, y int) {
		p := image.Point{X: x, Y: y}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for y := -radius; y <= radius; y += shiftStep {
		add(radius, y)
		add(-radius, y)
	}
	for x := -radius; x <= radius; x += shiftStep {
		add(x, radius)
		add(x, -radius)
	}
	return out
}

// shiftedMatch reports which fraction of sampled reference pixels in b
// match the snapshot displaced by (dx, dy). ok is false when too few
// samples land inside both images for the fraction to mean anything.
func shiftedMatch(refImg, snapImg image.Image, b image.Rectangle, dx, dy int, limit float64, stride int) (float64, bool) {
	total, matched, inBounds := 0, 0, 0
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			total++
			r1, g1, b1, ok1 := canvasRGB(refImg, x, y)
			r2, g2, b2, ok2 := canvasRGB(snapImg, x+dx, y+dy)
			if !ok1 || !ok2 {
				continue
			}
			inBounds++
			if colorDelta(r1, g1, b1, r2, g2, b2) <= limit {
				matched++
			}
		}
	}
	if total == 0 || inBounds*2 < total {
		return 0, false
	}
	return float64(matched) / float64(inBounds), true
}

// uniformColorShift samples the mismatched pixels of the region and checks
// whether their per-channel deviation is near constant. A tight spread means
// a palette or fill change rather than a structural one.
func uniformColorShift(refImg, snapImg image.Image, b image.Rectangle, limit float64, stride int) (float64, float64, float64, bool) {
	var n float64
	var sumR, sumG, sumB float64
	var sumR2, sumG2, sumB2 float64

	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			r1, g1, b1, ok1 := canvasRGB(refImg, x, y)
			r2, g2, b2, ok2 := canvasRGB(snapImg, x, y)
			if !ok1 || !ok2 {
				continue
			}
			if colorDelta(r1, g1, b1, r2, g2, b2) <= limit {
				continue
			}
			dr, dg, db := r2-r1, g2-g1, b2-b1
			n++
			sumR += dr
			sumG += dg
			sumB += db
			sumR2 += dr * dr
			sumG2 += dg * dg
			sumB2 += db * db
		}
	}
	if n < 8 {
		return 0, 0, 0, false
	}

	meanR, meanG, meanB := sumR/n, sumG/n, sumB/n
	stdR := math.Sqrt(max(sumR2/n-meanR*meanR, 0))
	stdG := math.Sqrt(max(sumG2/n-meanG*meanG, 0))
	stdB := math.Sqrt(max(sumB2/n-meanB*meanB, 0))

	magnitude := max(math.Abs(meanR), math.Abs(meanG), math.Abs(meanB))
	if magnitude < styleMinMeanDelta {
		return 0, 0, 0, false
	}
	if stdR > styleMaxStddev || stdG > styleMaxStddev || stdB > styleMaxStddev {
		return 0, 0, 0, false
	}
	return meanR, meanG, meanB, true
}

// edgeDensity measures horizontal luminance transitions in the reference
// region. Text runs produce many short high-contrast edges per row.
func edgeDensity(refImg image.Image, b image.Rectangle, stride int) float64 {
	total, edges := 0, 0
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		var prev float64
		havePrev := false
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bb, ok := canvasRGB(refImg, x, y)
			if !ok {
				havePrev = false
				continue
			}
			l, _, _ := rgb2yiq(r, g, bb)
			if havePrev {
				total++
				if math.Abs(l-prev) >= textEdgeDelta {
					edges++
				}
			}
			prev, havePrev = l, true
		}
	}
	if total == 0 {
		return 0
	}
	return float64(edges) / float64(total)
}

// canvasRGB reads a pixel addressed in union-canvas coordinates, reporting
// whether the coordinate falls inside the image.
func canvasRGB(img image.Image, x, y int) (float64, float64, float64, bool) {
	bounds := img.Bounds()
	if x < 0 || y < 0 || x >= bounds.Dx() || y >= bounds.Dy() {
		return 0, 0, 0, false
	}
	r, g, b := rgb8(img, bounds.Min.X+x, bounds.Min.Y+y)
	return r, g, b, true
}
