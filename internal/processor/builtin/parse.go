package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// PageText is the extracted text of a single page.
type PageText struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// ParsedDocument is the payload produced by the parser.
type ParsedDocument struct {
	PageCount  int               `json:"page_count"`
	Pages      []PageText        `json:"pages"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Parser wraps the MuPDF document library and extracts page text.
// Table, image and formula extraction are left to downstream processors.
type Parser struct {
	maxPages int
}

// NewParser creates a parser. maxPages <= 0 means no limit.
func NewParser(maxPages int) *Parser {
	return &Parser{maxPages: maxPages}
}

// Name implements processor.Processor.
func (p *Parser) Name() string { return ParseName }

// Capabilities implements processor.Processor.
func (p *Parser) Capabilities() processor.Capabilities {
	return processor.Capabilities{Accepts: []string{"pdf", "epub", "xps"}, Produces: []string{"parsed_document"}}
}

// HealthCheck implements processor.Processor.
func (p *Parser) HealthCheck(context.Context) error { return nil }

// Execute implements processor.Processor.
func (p *Parser) Execute(ctx context.Context, pc *processor.Context) (*processor.Result, error) {
	maxPages := p.maxPages
	if v, ok := pc.Param("max_pages"); ok {
		if n, ok := toInt(v); ok {
			maxPages = n
		}
	}

	parsed, err := p.ParseFile(ctx, pc.Source(), maxPages)
	if err != nil {
		return nil, err
	}
	return processor.Succeeded(parsed), nil
}

// ParseFile opens path and extracts the text of up to maxPages pages.
func (p *Parser) ParseFile(ctx context.Context, path string, maxPages int) (*ParsedDocument, error) {
	if strings.TrimSpace(path) == "" {
		return nil, processor.InputError("file path cannot be empty", nil)
	}

	doc, err := fitz.New(path)
	if err != nil {
		return nil, processor.InputError(fmt.Sprintf("open document %s", path), err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, processor.InputError("document has no pages", nil)
	}

	limit := pageCount
	if maxPages > 0 && maxPages < limit {
		limit = maxPages
	}

	parsed := &ParsedDocument{
		PageCount:  pageCount,
		Pages:      make([]PageText, 0, limit),
		Properties: doc.Metadata(),
	}

	for n := 0; n < limit; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text, err := doc.Text(n)
		if err != nil {
			return nil, fmt.Errorf("extract text of page %d: %w", n+1, err)
		}
		parsed.Pages = append(parsed.Pages, PageText{Number: n + 1, Text: text})
		processor.ReportProgress(ctx, float64(n+1)/float64(limit)*100)
	}

	return parsed, nil
}

// AsParsedDocument recovers a ParsedDocument from a result payload. Payloads
// that crossed a process boundary arrive as generic JSON maps.
func AsParsedDocument(payload any) (*ParsedDocument, bool) {
	switch v := payload.(type) {
	case *ParsedDocument:
		return v, v != nil
	case ParsedDocument:
		return &v, true
	case map[string]any:
		if _, ok := v["page_count"]; !ok {
			return nil, false
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var out ParsedDocument
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, false
		}
		return &out, true
	default:
		return nil, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
