package compare

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pixeldrift/internal/convergence"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.RGBA{A: 255}
	blue  = color.RGBA{R: 30, G: 60, B: 200, A: 255}
	red   = color.RGBA{R: 200, G: 40, B: 40, A: 255}
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func refFrom(t *testing.T, img image.Image) *convergence.ReferenceArtifact {
	t.Helper()
	b := img.Bounds()
	sum := sha256.Sum256(encodePNG(t, img))
	return &convergence.ReferenceArtifact{
		ID:          "ref-test",
		Source:      "memory",
		ContentHash: hex.EncodeToString(sum[:]),
		Width:       b.Dx(),
		Height:      b.Dy(),
		Format:      "png",
		Image:       img,
	}
}

func snapFrom(t *testing.T, img image.Image, id string) *convergence.RenderedSnapshot {
	t.Helper()
	b := img.Bounds()
	return &convergence.RenderedSnapshot{
		ID:     id,
		Seq:    1,
		PNG:    encodePNG(t, img),
		Width:  b.Dx(),
		Height: b.Dy(),
	}
}

func TestScoreIdenticalImages(t *testing.T) {
	img := solid(96, 96, white)
	fill(img, image.Rect(20, 20, 60, 60), blue)

	cmpr := New(Options{})
	score, err := cmpr.Score(context.Background(), refFrom(t, img), snapFrom(t, img, "snap-1"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 1.0 {
		t.Fatalf("score = %v, want 1.0", score)
	}

	items, err := cmpr.Diff(context.Background(), refFrom(t, img), snapFrom(t, img, "snap-1"))
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("diff on identical images returned %d items, want 0", len(items))
	}
}

func TestScoreReflectsMismatchedShare(t *testing.T) {
	ref := solid(100, 100, white)
	snap := solid(100, 100, white)
	fill(snap, image.Rect(0, 0, 10, 10), black)

	cmpr := New(Options{})
	score, err := cmpr.Score(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if math.Abs(score-0.99) > 1e-9 {
		t.Fatalf("score = %v, want 0.99", score)
	}
}

func TestScoreRangesOverCanvasUnion(t *testing.T) {
	ref := solid(100, 100, white)
	snap := solid(100, 120, white)

	cmpr := New(Options{})
	score, err := cmpr.Score(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	want := 1.0 - 2000.0/12000.0
	if math.Abs(score-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", score, want)
	}

	items, err := cmpr.Diff(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("size mismatch produced no discrepancy items")
	}
}

func TestDiffClassifiesShiftedBlockAsLayout(t *testing.T) {
	ref := solid(200, 120, white)
	fill(ref, image.Rect(40, 40, 80, 80), black)
	snap := solid(200, 120, white)
	fill(snap, image.Rect(48, 40, 88, 80), black)

	cmpr := New(Options{})
	items, err := cmpr.Diff(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("no items for shifted block")
	}
	for _, it := range items {
		if it.Category != convergence.CategoryLayout {
			t.Fatalf("item %s category = %s, want %s (%s)", it.ID, it.Category, convergence.CategoryLayout, it.Description)
		}
	}
}

func TestDiffClassifiesRecoloredBlockAsStyling(t *testing.T) {
	ref := solid(160, 120, white)
	fill(ref, image.Rect(40, 40, 80, 80), blue)
	snap := solid(160, 120, white)
	fill(snap, image.Rect(40, 40, 80, 80), red)

	cmpr := New(Options{})
	items, err := cmpr.Diff(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Category != convergence.CategoryStyling {
		t.Fatalf("category = %s, want %s (%s)", items[0].Category, convergence.CategoryStyling, items[0].Description)
	}
	if items[0].Severity <= 0 || items[0].Severity > 1 {
		t.Fatalf("severity %v out of range", items[0].Severity)
	}
}

// stripes paints vertical bars of the given period, alternating black and
// white, over the rectangle.
func stripes(img *image.RGBA, r image.Rectangle, period int) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if (x/period)%2 == 0 {
				img.SetRGBA(x, y, black)
			} else {
				img.SetRGBA(x, y, white)
			}
		}
	}
}

func TestDiffClassifiesTextLikeBandAsTypography(t *testing.T) {
	ref := solid(128, 96, white)
	stripes(ref, image.Rect(32, 40, 96, 56), 2)
	snap := solid(128, 96, white)
	stripes(snap, image.Rect(32, 40, 96, 56), 3)

	cmpr := New(Options{})
	items, err := cmpr.Diff(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("no items for stripe band")
	}
	for _, it := range items {
		if it.Category != convergence.CategoryTypography {
			t.Fatalf("item %s category = %s, want %s (%s)", it.ID, it.Category, convergence.CategoryTypography, it.Description)
		}
	}
}

func TestDiffOrdersByCategoryThenPosition(t *testing.T) {
	ref := solid(200, 200, white)
	snap := solid(200, 200, white)
	// Recolored block near the top: styling.
	fill(ref, image.Rect(120, 16, 160, 56), blue)
	fill(snap, image.Rect(120, 16, 160, 56), red)
	// Shifted block lower on the canvas: layout.
	fill(ref, image.Rect(32, 120, 72, 160), black)
	fill(snap, image.Rect(40, 120, 80, 160), black)

	cmpr := New(Options{})
	items, err := cmpr.Diff(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(items) < 2 {
		t.Fatalf("got %d items, want at least 2", len(items))
	}
	// Layout outranks styling even though the styling block sits higher.
	if items[0].Category != convergence.CategoryLayout {
		t.Fatalf("first item category = %s, want %s", items[0].Category, convergence.CategoryLayout)
	}
	last := items[len(items)-1]
	if last.Category != convergence.CategoryStyling {
		t.Fatalf("last item category = %s, want %s", last.Category, convergence.CategoryStyling)
	}
	for i := 1; i < len(items); i++ {
		if itemLess(items[i], items[i-1]) {
			t.Fatalf("items out of order at %d: %v before %v", i, items[i-1].ID, items[i].ID)
		}
	}
}

func TestDiffIsDeterministic(t *testing.T) {
	ref := solid(200, 200, white)
	snap := solid(200, 200, white)
	fill(ref, image.Rect(120, 16, 160, 56), blue)
	fill(snap, image.Rect(120, 16, 160, 56), red)
	fill(ref, image.Rect(32, 120, 72, 160), black)
	fill(snap, image.Rect(40, 120, 80, 160), black)

	first, err := New(Options{}).Diff(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("first diff: %v", err)
	}
	second, err := New(Options{}).Diff(context.Background(), refFrom(t, ref), snapFrom(t, snap, "snap-1"))
	if err != nil {
		t.Fatalf("second diff: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("diff results differ between runs (-first +second):\n%s", diff)
	}
	for _, it := range first {
		if len(it.ID) != 18 || it.ID[:2] != "d-" {
			t.Fatalf("item ID %q is not a stable content hash", it.ID)
		}
	}
}

func TestClusterRegionsMergesAdjacentTiles(t *testing.T) {
	mask := &mismatchMask{w: 64, h: 64, mismatched: make([]bool, 64*64)}
	mark := func(r image.Rectangle) {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if !mask.mismatched[y*64+x] {
					mask.mismatched[y*64+x] = true
					mask.count++
				}
			}
		}
	}
	// Two blobs spanning tile boundaries, far enough apart to stay split.
	mark(image.Rect(2, 2, 30, 12))
	mark(image.Rect(40, 48, 60, 60))

	regions := clusterRegions(mask, 16, 24)
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if !regions[0].bounds.Eq(image.Rect(0, 0, 32, 16)) {
		t.Fatalf("first region bounds = %v", regions[0].bounds)
	}
	if regions[0].pixels != 28*10 {
		t.Fatalf("first region pixels = %d, want %d", regions[0].pixels, 28*10)
	}
	if !regions[1].bounds.Eq(image.Rect(32, 48, 64, 64)) {
		t.Fatalf("second region bounds = %v", regions[1].bounds)
	}
}

func TestClusterRegionsDropsSpecks(t *testing.T) {
	mask := &mismatchMask{w: 32, h: 32, mismatched: make([]bool, 32*32)}
	for i := 0; i < 5; i++ {
		mask.mismatched[i] = true
		mask.count++
	}
	regions := clusterRegions(mask, 16, 24)
	if len(regions) != 0 {
		t.Fatalf("speck below the region floor survived: %v", regions)
	}
}

func TestScoreRejectsMissingInputs(t *testing.T) {
	cmpr := New(Options{})
	if _, err := cmpr.Score(context.Background(), &convergence.ReferenceArtifact{}, snapFrom(t, solid(4, 4, white), "s")); err == nil {
		t.Fatal("expected error for reference without image")
	}
	ref := refFrom(t, solid(4, 4, white))
	if _, err := cmpr.Score(context.Background(), ref, &convergence.RenderedSnapshot{ID: "s"}); err == nil {
		t.Fatal("expected error for snapshot without pixels")
	}
	var cerr *convergence.ComparisonError
	_, err := cmpr.Score(context.Background(), ref, &convergence.RenderedSnapshot{ID: "s"})
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not a ComparisonError", err)
	}
	if cerr.Op != "score" {
		t.Fatalf("comparison error op = %q, want score", cerr.Op)
	}
}
