package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// DocumentMetadata is the payload produced by the metadata extractor.
type DocumentMetadata struct {
	DocumentID string            `json:"document_id"`
	FileName   string            `json:"file_name"`
	Extension  string            `json:"extension"`
	MimeType   string            `json:"mime_type,omitempty"`
	SizeBytes  int64             `json:"size_bytes"`
	SHA256     string            `json:"sha256"`
	PageCount  int               `json:"page_count,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// MetadataExtractor computes file level metadata and folds in the page
// count and document properties of any upstream parse result.
type MetadataExtractor struct{}

// NewMetadataExtractor creates a metadata extractor.
func NewMetadataExtractor() *MetadataExtractor { return &MetadataExtractor{} }

// Name implements processor.Processor.
func (m *MetadataExtractor) Name() string { return MetadataName }

// Capabilities implements processor.Processor.
func (m *MetadataExtractor) Capabilities() processor.Capabilities {
	return processor.Capabilities{Accepts: []string{"file", "parsed_document"}, Produces: []string{"document_metadata"}}
}

// HealthCheck implements processor.Processor.
func (m *MetadataExtractor) HealthCheck(context.Context) error { return nil }

// Execute implements processor.Processor.
func (m *MetadataExtractor) Execute(ctx context.Context, pc *processor.Context) (*processor.Result, error) {
	path := pc.Source()
	f, err := os.Open(path)
	if err != nil {
		return nil, processor.InputError(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, &ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	meta := &DocumentMetadata{
		DocumentID: pc.DocumentID(),
		FileName:   filepath.Base(path),
		Extension:  ext,
		MimeType:   mime.TypeByExtension(ext),
		SizeBytes:  info.Size(),
		SHA256:     hex.EncodeToString(hash.Sum(nil)),
	}

	for _, name := range pc.UpstreamNames() {
		up, _ := pc.Upstream(name)
		if parsed, ok := AsParsedDocument(up.Payload); ok {
			meta.PageCount = parsed.PageCount
			meta.Properties = parsed.Properties
			break
		}
	}

	return processor.Succeeded(meta), nil
}

// ctxReader aborts long reads once the task context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
