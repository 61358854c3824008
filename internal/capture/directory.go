package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// DirectoryTarget replays pre-rendered PNG frames from a directory in
// lexical filename order. Each applied correction advances the cursor one
// frame, which makes full driver runs reproducible without a browser:
// name the frames so later ones sit closer to the reference.
type DirectoryTarget struct {
	mu      sync.Mutex
	frames  []string
	cursor  int
	applied []convergence.CorrectionRef
}

// NewDirectoryTarget loads the frame list from dir.
func NewDirectoryTarget(dir string) (*DirectoryTarget, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory %s: %w", dir, err)
	}

	var frames []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		frames = append(frames, filepath.Join(dir, e.Name()))
	}
	sort.Strings(frames)

	if len(frames) == 0 {
		return nil, fmt.Errorf("frame directory %s contains no png frames", dir)
	}

	logging.Capture("directory target: %d frames from %s", len(frames), dir)
	return &DirectoryTarget{frames: frames}, nil
}

// Capture returns the frame at the current cursor.
func (d *DirectoryTarget) Capture(ctx context.Context) (*convergence.RenderedSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &convergence.ObservationError{Op: "capture", Err: err}
	}

	d.mu.Lock()
	path := d.frames[d.cursor]
	cursor := d.cursor
	d.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &convergence.ObservationError{Op: "read frame", Err: err}
	}
	imgCfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &convergence.ObservationError{Op: "decode frame", Err: fmt.Errorf("%s: %w", path, err)}
	}

	return &convergence.RenderedSnapshot{
		ID:      fmt.Sprintf("frame-%d-%s", cursor, filepath.Base(path)),
		TakenAt: time.Now(),
		PNG:     data,
		Width:   imgCfg.Width,
		Height:  imgCfg.Height,
	}, nil
}

// Apply records the correction and advances to the next frame. The cursor
// parks on the last frame once the sequence runs out.
func (d *DirectoryTarget) Apply(ctx context.Context, change convergence.CorrectionRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = append(d.applied, change)
	if d.cursor < len(d.frames)-1 {
		d.cursor++
	}
	return nil
}

// Applied returns a copy of the corrections this target received.
func (d *DirectoryTarget) Applied() []convergence.CorrectionRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]convergence.CorrectionRef, len(d.applied))
	copy(out, d.applied)
	return out
}

// Frames returns the number of frames in the sequence.
func (d *DirectoryTarget) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

// Close implements convergence.RenderTarget. Nothing to release.
func (d *DirectoryTarget) Close() error {
	return nil
}
