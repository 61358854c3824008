// Package reference loads reference design artifacts and guards them
// against mutation for the lifetime of a session.
package reference

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"gopkg.in/yaml.v3"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// fetchTimeout caps a remote reference download when the caller's context
// has no deadline of its own.
const fetchTimeout = 30 * time.Second

// maxArtifactBytes rejects absurd downloads before decoding.
const maxArtifactBytes = 64 << 20

// Load reads a reference artifact from a local file path or an http(s) URL,
// decodes it, and fingerprints the raw bytes. The returned artifact is the
// immutable target for a session; Load never re-reads the source.
func Load(ctx context.Context, source string) (*convergence.ReferenceArtifact, error) {
	raw, err := readSource(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("read reference %s: %w", source, err)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode reference %s: %w", source, err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("reference %s: unsupported format %q (want png or jpeg)", source, format)
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	bounds := img.Bounds()

	art := &convergence.ReferenceArtifact{
		ID:          "ref-" + hash[:12],
		Source:      source,
		ContentHash: hash,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Format:      format,
		Image:       img,
	}

	if IsLocal(source) {
		meta, err := loadSidecar(source)
		if err != nil {
			return nil, err
		}
		art.Metadata = meta
	}

	logging.Reference("loaded reference %s: %dx%d %s, hash %s", source, art.Width, art.Height, format, hash[:12])
	return art, nil
}

// IsLocal reports whether the source names a filesystem path rather than a
// URL. Only local references can be watched for mutation.
func IsLocal(source string) bool {
	return !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://")
}

func readSource(ctx context.Context, source string) ([]byte, error) {
	if IsLocal(source) {
		return os.ReadFile(source)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
}

// loadSidecar reads the optional <source>.meta.yaml file describing the
// artifact (design name, viewport, author notes). A missing sidecar is not
// an error.
func loadSidecar(source string) (map[string]string, error) {
	raw, err := os.ReadFile(source + ".meta.yaml")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sidecar for %s: %w", source, err)
	}

	meta := make(map[string]string)
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse sidecar for %s: %w", source, err)
	}
	return meta, nil
}
