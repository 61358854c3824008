// Package advise asks a Gemini vision model for correction suggestions. The
// advisor sees the reference crop, the snapshot crop and the discrepancy
// data, and answers with a single CSS patch plus a confidence estimate. It
// sits strictly off the measurement path: scores and diffs never depend on
// model output, and a missing API key simply leaves the advisor out of the
// corrector chain.
package advise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"time"

	"google.golang.org/genai"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/correct"
	"pixeldrift/internal/logging"
)

// cropMargin is the context ring around the discrepancy region, in pixels.
const cropMargin = 48

// Config controls the advisor client.
type Config struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	Model     string `json:"model" yaml:"model"`
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms"`
	UsagePath string `json:"usage_path,omitempty" yaml:"usage_path,omitempty"` // Empty disables token accounting
}

// GetModel returns the configured model or the default.
func (c Config) GetModel() string {
	if c.Model == "" {
		return "gemini-3-flash-preview"
	}
	return c.Model
}

// Timeout returns the per-request timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Client talks to the Gemini API. It implements correct.Advisor.
type Client struct {
	cfg    Config
	client *genai.Client
	usage  *UsageTracker
}

// New creates the advisor client. An empty API key is a configuration
// error; callers that want to run without an advisor should not construct
// one.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &convergence.ConfigurationError{Field: "advisor.api_key", Reason: "is required for the advisor"}
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	c := &Client{cfg: cfg, client: gc}
	if cfg.UsagePath != "" {
		if c.usage, err = NewUsageTracker(cfg.UsagePath); err != nil {
			logging.Get(logging.CategoryAdvisor).Warn("token accounting disabled: %v", err)
			c.usage = nil
		}
	}
	return c, nil
}

// Suggest implements correct.Advisor. Both images are cropped to the
// discrepancy region plus a context margin before upload.
func (c *Client) Suggest(ctx context.Context, item convergence.DiscrepancyItem, view convergence.SessionView) (correct.Suggestion, error) {
	if view.Reference == nil || view.Reference.Image == nil || view.Snapshot == nil {
		return correct.Suggestion{}, fmt.Errorf("advisor needs both reference and snapshot")
	}

	refPNG, err := cropPNG(view.Reference.Image, item.Region)
	if err != nil {
		return correct.Suggestion{}, fmt.Errorf("encode reference crop: %w", err)
	}
	snapImg, err := view.Snapshot.Decode()
	if err != nil {
		return correct.Suggestion{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snapPNG, err := cropPNG(snapImg, item.Region)
	if err != nil {
		return correct.Suggestion{}, fmt.Errorf("encode snapshot crop: %w", err)
	}

	prompt, err := buildPrompt(item, view)
	if err != nil {
		return correct.Suggestion{}, err
	}

	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(refPNG, "image/png"),
		genai.NewPartFromBytes(snapPNG, "image/png"),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(reqCtx, c.cfg.GetModel(), contents, &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.2),
		MaxOutputTokens: 2048,
	})
	if err != nil {
		return correct.Suggestion{}, fmt.Errorf("advisor request failed: %w", err)
	}
	logging.AdvisorDebug("advisor answered for item %s in %s", item.ID, time.Since(start).Round(time.Millisecond))

	if c.usage != nil && resp.UsageMetadata != nil {
		c.usage.Track(c.cfg.GetModel(), view.SessionID,
			int(resp.UsageMetadata.PromptTokenCount),
			int(resp.UsageMetadata.CandidatesTokenCount))
	}

	sug, err := ParseSuggestion(resp.Text())
	if err != nil {
		return correct.Suggestion{}, err
	}
	return sug, nil
}

// Close persists token accounting and releases the underlying client.
func (c *Client) Close() error {
	if c.usage != nil {
		if err := c.usage.Save(); err != nil {
			logging.Get(logging.CategoryAdvisor).Warn("failed to save usage file: %v", err)
		} else if total := c.usage.Totals(); total.Calls > 0 {
			logging.Advisor("advisor usage to date: %d calls, %d prompt + %d response tokens",
				total.Calls, total.Prompt, total.Response)
		}
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// buildPrompt assembles the instruction text. The model must answer with a
// bare JSON object so ParseSuggestion can read it back.
func buildPrompt(item convergence.DiscrepancyItem, view convergence.SessionView) (string, error) {
	itemJSON, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal discrepancy: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(`You are a CSS correction advisor. The first image is a crop of the target
design, the second is the same crop of the current render. Propose ONE small
CSS patch that moves the render toward the design for this discrepancy:

`)
	buf.Write(itemJSON)
	buf.WriteString("\n\nCurrent similarity score: ")
	fmt.Fprintf(&buf, "%.4f", view.LastScore)
	if outline := outlineExcerpt(view); outline != "" {
		buf.WriteString("\n\nPage structure:\n")
		buf.WriteString(outline)
	}
	buf.WriteString(`

Respond with a single JSON object and nothing else:
{"kind": "stylesheet", "payload": "<css rules>", "description": "<one line>", "confidence": <0.0-1.0>}

Set confidence low if you are unsure. Use an empty payload to decline.`)
	return buf.String(), nil
}

// outlineExcerpt bounds the DOM outline so a deep page cannot blow up the
// prompt.
func outlineExcerpt(view convergence.SessionView) string {
	const maxLen = 4000
	if view.Snapshot == nil {
		return ""
	}
	s := view.Snapshot.DOMOutline
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... [truncated]"
}

// cropPNG encodes the region of img plus a margin as PNG. An empty region
// falls back to the full image.
func cropPNG(img image.Image, region convergence.Region) ([]byte, error) {
	bounds := cropBounds(img.Bounds(), region)

	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cropBounds inflates the region by cropMargin and clips it to the canvas.
func cropBounds(canvas image.Rectangle, region convergence.Region) image.Rectangle {
	if region.Empty() {
		return canvas
	}
	r := image.Rect(
		canvas.Min.X+region.X-cropMargin,
		canvas.Min.Y+region.Y-cropMargin,
		canvas.Min.X+region.X+region.Width+cropMargin,
		canvas.Min.Y+region.Y+region.Height+cropMargin,
	).Intersect(canvas)
	if r.Empty() {
		return canvas
	}
	return r
}
