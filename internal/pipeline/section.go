package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/deckforge/internal/protocol"
)

// Section is one slide's worth of content. Sections are produced by
// summarize or synthesized from a dataset query and are never modified
// after the enrichment step attaches an image.
type Section struct {
	Title       string   `json:"title"`
	Subtitle    string   `json:"subtitle,omitempty"`
	Bullets     []string `json:"bullets"`
	Narration   string   `json:"narration,omitempty"`
	ImagePrompt string   `json:"image_prompt,omitempty"`
	Image       *Image   `json:"image,omitempty"`
}

// Image is the result of enrichment attached to a section.
type Image struct {
	MIME   string          `json:"mime"`
	Data   protocol.Binary `json:"data"`
	Prompt string          `json:"prompt,omitempty"`
}

// Summary is the normalized summarize result: either a single section
// or a list of them.
type Summary struct {
	single *Section
	many   []Section
}

// Single wraps one section.
func Single(s Section) Summary {
	return Summary{single: &s}
}

// Many wraps a list of sections.
func Many(sections []Section) Summary {
	return Summary{many: sections}
}

// IsSingle reports whether the tool returned a bare section.
func (s Summary) IsSingle() bool {
	return s.single != nil
}

// Sections returns the sections in order.
func (s Summary) Sections() []Section {
	if s.single != nil {
		return []Section{*s.single}
	}
	return s.many
}

// DecodeSummary normalizes the three result shapes summarize tools
// produce: an array of sections, a bare section object, or an object
// holding a "sections" array.
func DecodeSummary(raw json.RawMessage) (Summary, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Summary{}, errors.New("empty summarize result")
	}

	switch trimmed[0] {
	case '[':
		var many []Section
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return Summary{}, fmt.Errorf("decode section list: %w", err)
		}
		return Many(many), nil

	case '{':
		var wrapper struct {
			Sections *[]Section `json:"sections"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err == nil && wrapper.Sections != nil {
			return Many(*wrapper.Sections), nil
		}
		var one Section
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return Summary{}, fmt.Errorf("decode section: %w", err)
		}
		if one.Title == "" && len(one.Bullets) == 0 && one.Narration == "" {
			return Summary{}, errors.New("summarize result object has no section fields")
		}
		return Single(one), nil

	default:
		return Summary{}, fmt.Errorf("summarize result is neither an object nor an array: %.40s", trimmed)
	}
}
