package localtools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/toolhost"
)

const (
	maxTitleRunes = 80
	maxBullets    = 5
	// maxSectionsCap bounds max_sections regardless of what a caller asks.
	maxSectionsCap = 50
)

// Section is the wire form of one summarized section. The same shape is
// accepted by create_slide and append_slide.
type Section struct {
	Title       string   `json:"title"`
	Subtitle    string   `json:"subtitle,omitempty"`
	Bullets     []string `json:"bullets"`
	Narration   string   `json:"narration,omitempty"`
	ImagePrompt string   `json:"image_prompt,omitempty"`
	Image       *Image   `json:"image,omitempty"`
}

// Image is an enrichment attached to a section.
type Image struct {
	MIME   string          `json:"mime"`
	Data   protocol.Binary `json:"data"`
	Prompt string          `json:"prompt,omitempty"`
}

type summarizeParams struct {
	Text        string `json:"text"`
	MaxSections int    `json:"max_sections"`
	Model       string `json:"model"`
}

// summarize splits the input into at most max_sections sections, one per
// paragraph. A single section is returned as a bare object and anything
// else as an array, mirroring what remote summarizers do.
func summarize(_ context.Context, raw json.RawMessage) (any, error) {
	var p summarizeParams
	if err := toolhost.Decode(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "text is required")
	}
	if p.MaxSections < 1 {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "max_sections must be at least 1, got %d", p.MaxSections)
	}
	if p.MaxSections > maxSectionsCap {
		p.MaxSections = maxSectionsCap
	}

	paras := paragraphs(plainText(p.Text))
	if len(paras) > p.MaxSections {
		paras = paras[:p.MaxSections]
	}

	sections := make([]Section, 0, len(paras))
	for i, para := range paras {
		sections = append(sections, sectionFromParagraph(para, i, len(paras)))
	}
	if len(sections) == 1 {
		return sections[0], nil
	}
	return sections, nil
}

func sectionFromParagraph(para string, index, total int) Section {
	sents := sentences(para)
	title := truncateRunes(strings.TrimRight(sents[0], ".!? "), maxTitleRunes)

	bullets := []string{}
	for _, s := range sents[1:] {
		if len(bullets) == maxBullets {
			break
		}
		bullets = append(bullets, s)
	}

	return Section{
		Title:       title,
		Subtitle:    fmt.Sprintf("Part %d of %d", index+1, total),
		Bullets:     bullets,
		Narration:   para,
		ImagePrompt: "Illustration: " + title,
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
