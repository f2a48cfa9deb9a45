package localtools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/toolhost"
)

const (
	deckFileName = "deck.json"
	deckHTMLName = "deck.html"
	assetsDir    = "assets"
)

// deckStore keeps decks as directories under dir. Each deck holds a
// deck.json manifest, slide assets, and a rendered deck.html.
type deckStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

type deckManifest struct {
	DeckID    string        `json:"deck_id"`
	Title     string        `json:"title"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Slides    []slideRecord `json:"slides"`
}

type slideRecord struct {
	SlideID   string   `json:"slide_id"`
	Title     string   `json:"title"`
	Subtitle  string   `json:"subtitle,omitempty"`
	Bullets   []string `json:"bullets,omitempty"`
	Narration string   `json:"narration,omitempty"`
	Image     string   `json:"image,omitempty"` // path relative to the deck directory
}

// slideResult is returned by create_slide and append_slide.
type slideResult struct {
	DeckID     string `json:"deck_id"`
	SlideID    string `json:"slide_id"`
	URL        string `json:"url"`
	SlideCount int    `json:"slide_count"`
}

type createParams struct {
	Title   string   `json:"title"`
	Section *Section `json:"section"`
}

type appendParams struct {
	DeckID  string   `json:"deck_id"`
	Section *Section `json:"section"`
}

func (d *deckStore) createSlide(_ context.Context, raw json.RawMessage) (any, error) {
	var p createParams
	if err := toolhost.Decode(raw, &p); err != nil {
		return nil, err
	}
	if err := validSection(p.Section); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	m := &deckManifest{
		DeckID:    uuid.NewString(),
		Title:     p.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.Title == "" {
		m.Title = p.Section.Title
	}
	if err := os.MkdirAll(filepath.Join(d.dir, m.DeckID, assetsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create deck directory: %w", err)
	}

	res, err := d.addSlide(m, p.Section)
	if err != nil {
		return nil, err
	}
	d.logger.Info("deck created", "deck_id", m.DeckID, "title", m.Title)
	return res, nil
}

func (d *deckStore) appendSlide(_ context.Context, raw json.RawMessage) (any, error) {
	var p appendParams
	if err := toolhost.Decode(raw, &p); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(p.DeckID); err != nil {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "invalid deck_id %q", p.DeckID)
	}
	if err := validSection(p.Section); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.load(p.DeckID)
	if err != nil {
		return nil, err
	}
	m.UpdatedAt = d.now()
	return d.addSlide(m, p.Section)
}

func validSection(s *Section) error {
	if s == nil {
		return toolhost.Errorf(protocol.CodeInvalidParams, "section is required")
	}
	if strings.TrimSpace(s.Title) == "" {
		return toolhost.Errorf(protocol.CodeInvalidParams, "section title is required")
	}
	return nil
}

// addSlide appends s to m, writes its asset, and persists the deck.
// Callers hold d.mu.
func (d *deckStore) addSlide(m *deckManifest, s *Section) (*slideResult, error) {
	rec := slideRecord{
		SlideID:   uuid.NewString(),
		Title:     s.Title,
		Subtitle:  s.Subtitle,
		Bullets:   s.Bullets,
		Narration: s.Narration,
	}

	if s.Image != nil {
		data, err := s.Image.Data.Bytes()
		if err != nil {
			return nil, toolhost.Errorf(protocol.CodeInvalidParams, "section image: %v", err)
		}
		rec.Image = filepath.ToSlash(filepath.Join(assetsDir, rec.SlideID+".png"))
		if err := writeFileAtomic(filepath.Join(d.dir, m.DeckID, rec.Image), data); err != nil {
			return nil, fmt.Errorf("write slide asset: %w", err)
		}
	}

	m.Slides = append(m.Slides, rec)
	if err := d.save(m); err != nil {
		return nil, err
	}

	return &slideResult{
		DeckID:     m.DeckID,
		SlideID:    rec.SlideID,
		URL:        d.slideURL(m.DeckID, rec.SlideID),
		SlideCount: len(m.Slides),
	}, nil
}

func (d *deckStore) load(deckID string) (*deckManifest, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, deckID, deckFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, toolhost.Errorf(protocol.CodeNotFound, "deck %s not found", deckID)
	}
	if err != nil {
		return nil, fmt.Errorf("read deck %s: %w", deckID, err)
	}
	var m deckManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse deck %s: %w", deckID, err)
	}
	return &m, nil
}

func (d *deckStore) save(m *deckManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deck: %w", err)
	}
	deckDir := filepath.Join(d.dir, m.DeckID)
	if err := writeFileAtomic(filepath.Join(deckDir, deckFileName), data); err != nil {
		return fmt.Errorf("write deck manifest: %w", err)
	}
	page, err := renderDeck(m)
	if err != nil {
		return fmt.Errorf("render deck: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(deckDir, deckHTMLName), page); err != nil {
		return fmt.Errorf("write deck page: %w", err)
	}
	return nil
}

func (d *deckStore) slideURL(deckID, slideID string) string {
	abs, err := filepath.Abs(filepath.Join(d.dir, deckID, deckHTMLName))
	if err != nil {
		abs = filepath.Join(d.dir, deckID, deckHTMLName)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), Fragment: "slide-" + slideID}
	return u.String()
}

// slideMarkdown is the markdown body of one slide.
func slideMarkdown(s slideRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", s.Title)
	if s.Subtitle != "" {
		fmt.Fprintf(&b, "*%s*\n\n", s.Subtitle)
	}
	for _, bullet := range s.Bullets {
		fmt.Fprintf(&b, "- %s\n", bullet)
	}
	if len(s.Bullets) > 0 {
		b.WriteString("\n")
	}
	if s.Image != "" {
		fmt.Fprintf(&b, "![%s](%s)\n\n", s.Title, s.Image)
	}
	if s.Narration != "" {
		fmt.Fprintf(&b, "> %s\n", s.Narration)
	}
	return b.String()
}

// renderDeck converts every slide to HTML with goldmark and wraps the
// result in a standalone page.
func renderDeck(m *deckManifest) ([]byte, error) {
	var page bytes.Buffer
	fmt.Fprintf(&page, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; line-height: 1.5;">
<h1>%s</h1>
`, html.EscapeString(m.Title), html.EscapeString(m.Title))

	for _, s := range m.Slides {
		fmt.Fprintf(&page, "<section class=\"slide\" id=\"slide-%s\">\n", s.SlideID)
		if err := goldmark.Convert([]byte(slideMarkdown(s)), &page); err != nil {
			return nil, err
		}
		page.WriteString("</section>\n")
	}
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
