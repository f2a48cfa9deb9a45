package localtools

import (
	"context"
	"encoding/json"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/toolhost"
)

const (
	defaultImageSize = 256
	minImageSize     = 64
	maxImageSize     = 2048
)

type enrichParams struct {
	Prompt string `json:"prompt"`
	Size   int    `json:"size"`
	Model  string `json:"model"`
}

// enrichImage renders a QR code of the prompt as a placeholder PNG. The
// raw bytes are returned as-is; the dispatcher tags them for the wire.
func enrichImage(_ context.Context, raw json.RawMessage) (any, error) {
	var p enrichParams
	if err := toolhost.Decode(raw, &p); err != nil {
		return nil, err
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "prompt is required")
	}
	if p.Size == 0 {
		p.Size = defaultImageSize
	}
	if p.Size < minImageSize || p.Size > maxImageSize {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "size must be between %d and %d, got %d", minImageSize, maxImageSize, p.Size)
	}

	png, err := qrcode.Encode(p.Prompt, qrcode.Medium, p.Size)
	if err != nil {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "render placeholder: %v", err)
	}

	return map[string]any{
		"mime":   "image/png",
		"image":  png,
		"prompt": p.Prompt,
		"size":   p.Size,
		"model":  p.Model,
	}, nil
}
