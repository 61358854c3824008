// Package compare implements the pixel comparator: a deterministic
// perceptual diff between the reference design and a rendered snapshot.
// Scoring uses per-pixel color distance in YIQ space; discrepancy extraction
// clusters mismatched pixels into regions and classifies each region into a
// correction category.
package compare

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"sort"
	"sync"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// YIQ distance coefficients and the maximum possible delta for 8-bit
// channels. These match the constants used by the common pixelmatch family
// of tools so thresholds transfer.
const (
	yWeight  = 0.5053
	iWeight  = 0.299
	qWeight  = 0.1957
	maxDelta = 35215.0
)

// Options tunes the comparator. Zero values select defaults.
type Options struct {
	// PixelThreshold is the perceptual distance above which two pixels
	// count as different, 0..1. Lower is stricter.
	PixelThreshold float64
	// TileSize is the clustering grid cell edge in pixels.
	TileSize int
	// MinRegionPixels drops mismatch regions smaller than this from the
	// discrepancy list. They still lower the score.
	MinRegionPixels int
	// MaxShift is the search radius in pixels for detecting layout shifts.
	MaxShift int
}

func (o Options) withDefaults() Options {
	if o.PixelThreshold <= 0 {
		o.PixelThreshold = 0.1
	}
	if o.TileSize <= 0 {
		o.TileSize = 16
	}
	if o.MinRegionPixels <= 0 {
		o.MinRegionPixels = 24
	}
	if o.MaxShift <= 0 {
		o.MaxShift = 16
	}
	return o
}

// PixelComparator implements convergence.Comparator. Safe for concurrent
// use; masks for a given reference and snapshot pair are cached by content
// hash.
type PixelComparator struct {
	opts  Options
	cache sync.Map // string -> *mismatchMask
}

// New creates a pixel comparator.
func New(opts Options) *PixelComparator {
	return &PixelComparator{opts: opts.withDefaults()}
}

// mismatchMask is the per-pixel comparison result on the union canvas.
type mismatchMask struct {
	w, h       int
	mismatched []bool
	count      int
}

// Score returns the similarity of the snapshot to the reference: the share
// of union-canvas pixels that perceptually match, in [0.0, 1.0].
func (p *PixelComparator) Score(ctx context.Context, ref *convergence.ReferenceArtifact, snap *convergence.RenderedSnapshot) (float64, error) {
	mask, err := p.mask(ctx, ref, snap)
	if err != nil {
		return 0, &convergence.ComparisonError{Op: "score", Err: err}
	}
	total := mask.w * mask.h
	if total == 0 {
		return 0, &convergence.ComparisonError{Op: "score", Err: fmt.Errorf("empty canvas")}
	}
	score := 1.0 - float64(mask.count)/float64(total)
	logging.CompareDebug("score %.4f (%d/%d pixels mismatched on %dx%d)", score, mask.count, total, mask.w, mask.h)
	return score, nil
}

// Diff clusters mismatched pixels into regions and classifies them. The
// result is ordered by category priority, then by raster position, and item
// IDs are stable content hashes.
func (p *PixelComparator) Diff(ctx context.Context, ref *convergence.ReferenceArtifact, snap *convergence.RenderedSnapshot) ([]convergence.DiscrepancyItem, error) {
	mask, err := p.mask(ctx, ref, snap)
	if err != nil {
		return nil, &convergence.ComparisonError{Op: "diff", Err: err}
	}
	if mask.count == 0 {
		return nil, nil
	}

	snapImg, err := snap.Decode()
	if err != nil {
		return nil, &convergence.ComparisonError{Op: "diff", Err: fmt.Errorf("decode snapshot: %w", err)}
	}

	regions := clusterRegions(mask, p.opts.TileSize, p.opts.MinRegionPixels)
	canvas := mask.w * mask.h

	items := make([]convergence.DiscrepancyItem, 0, len(regions))
	for _, reg := range regions {
		if err := ctx.Err(); err != nil {
			return nil, &convergence.ComparisonError{Op: "diff", Err: err}
		}
		category, desc := classifyRegion(ref.Image, snapImg, reg, p.opts)
		severity := float64(reg.pixels) / float64(canvas)
		if severity > 1 {
			severity = 1
		}
		items = append(items, convergence.DiscrepancyItem{
			ID:          itemID(category, reg.bounds),
			Category:    category,
			Description: desc,
			Region: convergence.Region{
				X:      reg.bounds.Min.X,
				Y:      reg.bounds.Min.Y,
				Width:  reg.bounds.Dx(),
				Height: reg.bounds.Dy(),
			},
			Severity: severity,
		})
	}

	sortItems(items)
	logging.CompareDebug("diff found %d regions over %d mismatched pixels", len(items), mask.count)
	return items, nil
}

// mask computes (or returns the cached) per-pixel mismatch mask.
func (p *PixelComparator) mask(ctx context.Context, ref *convergence.ReferenceArtifact, snap *convergence.RenderedSnapshot) (*mismatchMask, error) {
	if ref == nil || ref.Image == nil {
		return nil, fmt.Errorf("reference image not loaded")
	}
	if snap == nil || len(snap.PNG) == 0 {
		return nil, fmt.Errorf("snapshot has no pixels")
	}

	key := cacheKey(ref.ContentHash, snap.PNG)
	if cached, ok := p.cache.Load(key); ok {
		return cached.(*mismatchMask), nil
	}

	snapImg, err := snap.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	mask, err := buildMask(ctx, ref.Image, snapImg, p.opts.PixelThreshold)
	if err != nil {
		return nil, err
	}

	// Bound the cache: a session touches at most a handful of snapshots.
	size := 0
	p.cache.Range(func(interface{}, interface{}) bool { size++; return size <= 32 })
	if size > 32 {
		p.cache.Clear()
	}
	p.cache.Store(key, mask)
	return mask, nil
}

// buildMask compares both images pixel by pixel on the union canvas.
// Pixels outside either image count as mismatched.
func buildMask(ctx context.Context, ref, snap image.Image, threshold float64) (*mismatchMask, error) {
	rb := ref.Bounds()
	sb := snap.Bounds()
	w := max(rb.Dx(), sb.Dx())
	h := max(rb.Dy(), sb.Dy())

	mask := &mismatchMask{w: w, h: h, mismatched: make([]bool, w*h)}
	limit := maxDelta * threshold * threshold

	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < w; x++ {
			inRef := x < rb.Dx() && y < rb.Dy()
			inSnap := x < sb.Dx() && y < sb.Dy()
			if !inRef || !inSnap {
				mask.mismatched[y*w+x] = true
				mask.count++
				continue
			}
			r1, g1, b1 := rgb8(ref, rb.Min.X+x, rb.Min.Y+y)
			r2, g2, b2 := rgb8(snap, sb.Min.X+x, sb.Min.Y+y)
			if colorDelta(r1, g1, b1, r2, g2, b2) > limit {
				mask.mismatched[y*w+x] = true
				mask.count++
			}
		}
	}
	return mask, nil
}

// rgb8 reads a pixel as 8-bit channels composited over white.
func rgb8(img image.Image, x, y int) (float64, float64, float64) {
	r, g, b, a := img.At(x, y).RGBA()
	if a == 0 {
		return 255, 255, 255
	}
	// RGBA returns alpha-premultiplied 16-bit channels.
	af := float64(a)
	rf := float64(r) / af * 255
	gf := float64(g) / af * 255
	bf := float64(b) / af * 255
	alpha := af / 65535.0
	rf = rf*alpha + 255*(1-alpha)
	gf = gf*alpha + 255*(1-alpha)
	bf = bf*alpha + 255*(1-alpha)
	return rf, gf, bf
}

// colorDelta is the squared perceptual distance between two pixels in YIQ
// space.
func colorDelta(r1, g1, b1, r2, g2, b2 float64) float64 {
	y1, i1, q1 := rgb2yiq(r1, g1, b1)
	y2, i2, q2 := rgb2yiq(r2, g2, b2)
	dy := y1 - y2
	di := i1 - i2
	dq := q1 - q2
	return yWeight*dy*dy + iWeight*di*di + qWeight*dq*dq
}

func rgb2yiq(r, g, b float64) (float64, float64, float64) {
	y := r*0.29889531 + g*0.58662247 + b*0.11448223
	i := r*0.59597799 - g*0.27417610 - b*0.32180189
	q := r*0.21147017 - g*0.52261711 + b*0.31114694
	return y, i, q
}

// itemID derives a stable identity from category and region bounds.
func itemID(category convergence.Category, bounds image.Rectangle) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d:%d:%d:%d", category, bounds.Min.X, bounds.Min.Y, bounds.Dx(), bounds.Dy())
	return fmt.Sprintf("d-%016x", h.Sum64())
}

// cacheKey hashes the snapshot bytes together with the reference hash.
func cacheKey(refHash string, png []byte) string {
	h := fnv.New64a()
	h.Write([]byte(refHash))
	h.Write(png)
	return fmt.Sprintf("%016x", h.Sum64())
}

// sortItems orders by category priority, then raster position, then ID.
func sortItems(items []convergence.DiscrepancyItem) {
	sort.Slice(items, func(i, j int) bool {
		return itemLess(items[i], items[j])
	})
}

func itemLess(a, b convergence.DiscrepancyItem) bool {
	if a.Category.Rank() != b.Category.Rank() {
		return a.Category.Rank() < b.Category.Rank()
	}
	if a.Region.Y != b.Region.Y {
		return a.Region.Y < b.Region.Y
	}
	if a.Region.X != b.Region.X {
		return a.Region.X < b.Region.X
	}
	return a.ID < b.ID
}
