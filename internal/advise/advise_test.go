package advise

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"

	"pixeldrift/internal/convergence"
)

func TestParseSuggestion(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     float64 // confidence
		payload  string
		wantErr  bool
	}{
		{
			name:     "bare json",
			response: `{"kind":"stylesheet","payload":".x { color: red; }","description":"recolor","confidence":0.8}`,
			want:     0.8,
			payload:  ".x { color: red; }",
		},
		{
			name: "fenced json",
			response: "```json\n" +
				`{"kind":"stylesheet","payload":".x { margin: 0; }","confidence":0.6}` +
				"\n```",
			want:    0.6,
			payload: ".x { margin: 0; }",
		},
		{
			name:     "fence without language tag",
			response: "```\n{\"payload\":\".y { top: 4px; }\",\"confidence\":0.4}\n```",
			want:     0.4,
			payload:  ".y { top: 4px; }",
		},
		{
			name:     "confidence clamped high",
			response: `{"payload":".x{}","confidence":3.5}`,
			want:     1,
			payload:  ".x{}",
		},
		{
			name:     "confidence clamped low",
			response: `{"payload":".x{}","confidence":-1}`,
			want:     0,
			payload:  ".x{}",
		},
		{
			name:     "declined with empty payload",
			response: `{"payload":"","confidence":0.9}`,
			want:     0.9,
			payload:  "",
		},
		{
			name:     "empty response",
			response: "   ",
			wantErr:  true,
		},
		{
			name:     "prose instead of json",
			response: "I think the header needs more margin.",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sug, err := ParseSuggestion(tt.response)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSuggestion error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if sug.Confidence != tt.want {
				t.Errorf("Confidence = %v, want %v", sug.Confidence, tt.want)
			}
			if sug.Payload != tt.payload {
				t.Errorf("Payload = %q, want %q", sug.Payload, tt.payload)
			}
		})
	}
}

func TestCropBoundsClipsToCanvas(t *testing.T) {
	canvas := image.Rect(0, 0, 800, 600)

	tests := []struct {
		name   string
		region convergence.Region
		want   image.Rectangle
	}{
		{
			name:   "interior region gains margin",
			region: convergence.Region{X: 100, Y: 100, Width: 200, Height: 100},
			want:   image.Rect(52, 52, 348, 248),
		},
		{
			name:   "corner region clips at origin",
			region: convergence.Region{X: 0, Y: 0, Width: 64, Height: 64},
			want:   image.Rect(0, 0, 112, 112),
		},
		{
			name:   "edge region clips at canvas end",
			region: convergence.Region{X: 760, Y: 560, Width: 40, Height: 40},
			want:   image.Rect(712, 512, 800, 600),
		},
		{
			name:   "empty region falls back to full canvas",
			region: convergence.Region{},
			want:   canvas,
		},
		{
			name:   "region outside canvas falls back to full canvas",
			region: convergence.Region{X: 2000, Y: 2000, Width: 10, Height: 10},
			want:   canvas,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cropBounds(canvas, tt.region)
			if got != tt.want {
				t.Errorf("cropBounds = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCropPNGEncodesRegion(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	data, err := cropPNG(img, convergence.Region{X: 100, Y: 100, Width: 50, Height: 50})
	if err != nil {
		t.Fatalf("cropPNG failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("cropPNG returned no bytes")
	}
	// PNG magic
	if string(data[1:4]) != "PNG" {
		t.Errorf("output is not a PNG, header = %q", data[:8])
	}
}

func TestBuildPromptCarriesDiscrepancy(t *testing.T) {
	item := convergence.DiscrepancyItem{
		ID:          "d-0000000000abc123",
		Category:    convergence.CategoryLayout,
		Description: "content displaced by (+8,+0)px relative to the reference",
		Region:      convergence.Region{X: 40, Y: 40, Width: 64, Height: 64},
		Severity:    0.02,
	}
	view := convergence.SessionView{
		LastScore: 0.9471,
		Snapshot:  &convergence.RenderedSnapshot{DOMOutline: "div#app\n  div#hero"},
	}

	prompt, err := buildPrompt(item, view)
	if err != nil {
		t.Fatalf("buildPrompt failed: %v", err)
	}
	for _, want := range []string{"d-0000000000abc123", "displaced", "0.9471", "div#hero", `"confidence"`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected an error without an API key")
	}
	var cerr *convergence.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("error type = %T, want *convergence.ConfigurationError", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.GetModel(); got != "gemini-3-flash-preview" {
		t.Errorf("GetModel = %q", got)
	}
	if cfg.Timeout().Seconds() != 60 {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout())
	}
	cfg = Config{Model: "gemini-3-pro-preview", TimeoutMs: 1500}
	if got := cfg.GetModel(); got != "gemini-3-pro-preview" {
		t.Errorf("GetModel = %q", got)
	}
	if cfg.Timeout().Milliseconds() != 1500 {
		t.Errorf("Timeout = %v, want 1.5s", cfg.Timeout())
	}
}
