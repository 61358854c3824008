package reference

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pixeldrift/internal/convergence"
)

func pngBytes(t *testing.T, c color.RGBA, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func writeArtifact(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadLocalPNG(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "design.png", pngBytes(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, 64, 48))

	art, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if art.Width != 64 || art.Height != 48 {
		t.Fatalf("dimensions = %dx%d, want 64x48", art.Width, art.Height)
	}
	if art.Format != "png" {
		t.Fatalf("format = %q, want png", art.Format)
	}
	if len(art.ContentHash) != 64 {
		t.Fatalf("content hash %q is not a sha256 hex digest", art.ContentHash)
	}
	if art.Image == nil {
		t.Fatal("image not decoded")
	}
	if art.ID == "" || art.Source != path {
		t.Fatalf("identity not filled: id=%q source=%q", art.ID, art.Source)
	}
}

func TestLoadReadsSidecarMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "design.png", pngBytes(t, color.RGBA{A: 255}, 8, 8))
	writeArtifact(t, dir, "design.png.meta.yaml", []byte("design: checkout-v2\nviewport: 1280x800\n"))

	art, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if art.Metadata["design"] != "checkout-v2" || art.Metadata["viewport"] != "1280x800" {
		t.Fatalf("metadata = %v", art.Metadata)
	}
}

func TestLoadRejectsNonImage(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "notes.txt", []byte("not an image"))

	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected decode error for text file")
	}
}

func TestLoadRemoteReference(t *testing.T) {
	data := pngBytes(t, color.RGBA{R: 200, A: 255}, 16, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	art, err := Load(context.Background(), srv.URL+"/design.png")
	if err != nil {
		t.Fatalf("load remote: %v", err)
	}
	if art.Width != 16 || art.Format != "png" {
		t.Fatalf("remote artifact = %dx%d %s", art.Width, art.Height, art.Format)
	}
}

func TestLoadRemoteRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := Load(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestNewGuardRejectsRemoteSource(t *testing.T) {
	art := &convergence.ReferenceArtifact{Source: "https://example.com/design.png"}
	_, err := NewGuard(art)
	var cerr *convergence.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not a ConfigurationError", err)
	}
}

func startGuard(t *testing.T, path string) (*Guard, *convergence.ReferenceArtifact) {
	t.Helper()
	art, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	guard, err := NewGuard(art)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("start guard: %v", err)
	}
	t.Cleanup(guard.Stop)
	return guard, art
}

func waitTripped(g *Guard, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if g.Tripped() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return g.Tripped()
}

func TestGuardTripsOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "design.png", pngBytes(t, color.RGBA{R: 1, A: 255}, 8, 8))
	guard, _ := startGuard(t, path)

	time.Sleep(50 * time.Millisecond)
	writeArtifact(t, dir, "design.png", pngBytes(t, color.RGBA{R: 2, A: 255}, 8, 8))

	if !waitTripped(guard, 3*time.Second) {
		t.Fatal("guard did not trip on content change")
	}
	if guard.Stats().Events == 0 {
		t.Fatal("guard saw no filesystem events")
	}
}

func TestGuardIgnoresIdenticalRewrite(t *testing.T) {
	dir := t.TempDir()
	data := pngBytes(t, color.RGBA{R: 7, A: 255}, 8, 8)
	path := writeArtifact(t, dir, "design.png", data)
	guard, _ := startGuard(t, path)

	time.Sleep(50 * time.Millisecond)
	writeArtifact(t, dir, "design.png", data)

	if waitTripped(guard, 1200*time.Millisecond) {
		t.Fatal("guard tripped on byte-identical rewrite")
	}
	if guard.Stats().Rechecks == 0 {
		t.Fatal("guard never rechecked the file")
	}
}

func TestGuardTripsOnRemoval(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "design.png", pngBytes(t, color.RGBA{R: 9, A: 255}, 8, 8))
	guard, _ := startGuard(t, path)

	time.Sleep(50 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if !waitTripped(guard, 3*time.Second) {
		t.Fatal("guard did not trip on removal")
	}
}

func TestGuardStartStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "design.png", pngBytes(t, color.RGBA{A: 255}, 8, 8))
	art, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	guard, err := NewGuard(art)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	guard.Stop()
	guard.Stop()
	if guard.Tripped() {
		t.Fatal("guard tripped without any change")
	}
}
