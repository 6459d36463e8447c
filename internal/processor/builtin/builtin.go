// Package builtin holds the processors registered at engine startup.
package builtin

import (
	"fmt"
	"strings"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// Names of the built-in processors.
const (
	ValidateName    = "document.validate"
	MetadataName    = "document.metadata"
	ParseName       = "document.parse"
	PassthroughName = "passthrough"
)

// Options configures the built-in processors.
type Options struct {
	AllowedExtensions []string
	MaxSizeBytes      int64
	MaxPages          int
}

// DefaultOptions returns the defaults used by the engine.
func DefaultOptions() Options {
	return Options{
		AllowedExtensions: []string{".pdf", ".md", ".txt"},
		MaxSizeBytes:      100 * 1024 * 1024,
		MaxPages:          0,
	}
}

// RegisterAll registers every built-in processor with r. The list is
// explicit; third-party processors use the same Registry.Register call.
func RegisterAll(r *processor.Registry, opts Options) error {
	factories := map[string]processor.Factory{
		ValidateName: func() (processor.Processor, error) { return NewValidator(opts), nil },
		MetadataName: func() (processor.Processor, error) { return NewMetadataExtractor(), nil },
		ParseName:    func() (processor.Processor, error) { return NewParser(opts.MaxPages), nil },
		PassthroughName: func() (processor.Processor, error) {
			return NewPassthrough(), nil
		},
	}
	for _, name := range []string{ValidateName, MetadataName, ParseName, PassthroughName} {
		if err := r.Register(name, factories[name]); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	return nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
