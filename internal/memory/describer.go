package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/kalambet/eyemem/internal/engine"
)

// Describer turns image bytes into a text description.
type Describer interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

const describePrompt = `Describe this photo in two or three sentences for a personal photo search index.
Mention the main subjects, the setting, notable objects, and any visible text.
Respond with the description only.`

// maxDescribeSide bounds the longest image side sent to the vision model.
const maxDescribeSide = 1024

// EngineDescriber asks a vision model to describe the image.
type EngineDescriber struct {
	engine engine.Engine
	model  string
}

// NewEngineDescriber creates a describer that chats with model on e.
func NewEngineDescriber(e engine.Engine, model string) *EngineDescriber {
	return &EngineDescriber{engine: e, model: model}
}

// Describe downscales the image and sends it to the vision model.
func (d *EngineDescriber) Describe(ctx context.Context, data []byte) (string, error) {
	img, err := prepareImage(data)
	if err != nil {
		return "", err
	}
	out, err := d.engine.Chat(ctx, d.model, []engine.Message{
		{Role: "user", Content: describePrompt, Images: [][]byte{img}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("describing image: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("describing image: model returned an empty description")
	}
	return out, nil
}

// prepareImage decodes data, shrinks it to fit maxDescribeSide and re-encodes
// it as JPEG.
func prepareImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	if b.Dx() > maxDescribeSide || b.Dy() > maxDescribeSide {
		img = imaging.Fit(img, maxDescribeSide, maxDescribeSide, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	return buf.Bytes(), nil
}

// SizeDescriber labels images by file size. It needs no model and is used
// when no engine is configured.
type SizeDescriber struct{}

// Describe returns a size bucket label.
func (SizeDescriber) Describe(_ context.Context, data []byte) (string, error) {
	switch n := len(data); {
	case n > 1_000_000:
		return "Large image with detailed content", nil
	case n > 500_000:
		return "Medium-sized image with good quality", nil
	default:
		return "Small image with basic content", nil
	}
}
