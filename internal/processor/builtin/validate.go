package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// ValidationReport is the payload produced by the validator.
type ValidationReport struct {
	Path      string `json:"path"`
	Extension string `json:"extension"`
	SizeBytes int64  `json:"size_bytes"`
}

// Validator checks that a document source exists, is a readable regular
// file, has an allowed extension and is within the size limit.
type Validator struct {
	allowed map[string]bool
	maxSize int64
}

// NewValidator creates a validator from opts.
func NewValidator(opts Options) *Validator {
	allowed := make(map[string]bool, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[normalizeExt(ext)] = true
	}
	return &Validator{allowed: allowed, maxSize: opts.MaxSizeBytes}
}

// Name implements processor.Processor.
func (v *Validator) Name() string { return ValidateName }

// Capabilities implements processor.Processor.
func (v *Validator) Capabilities() processor.Capabilities {
	return processor.Capabilities{Accepts: []string{"file"}, Produces: []string{"validation_report"}}
}

// HealthCheck implements processor.Processor.
func (v *Validator) HealthCheck(context.Context) error { return nil }

// Execute implements processor.Processor.
func (v *Validator) Execute(ctx context.Context, pc *processor.Context) (*processor.Result, error) {
	report, err := v.ValidatePath(pc.Source())
	if err != nil {
		return nil, err
	}
	return processor.Succeeded(report), nil
}

// ValidatePath validates a single document path.
func (v *Validator) ValidatePath(path string) (*ValidationReport, error) {
	if strings.TrimSpace(path) == "" {
		return nil, processor.InputError("file path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, processor.InputError(fmt.Sprintf("file does not exist: %s", path), err)
		}
		return nil, processor.InputError(fmt.Sprintf("cannot access file: %s", path), err)
	}
	if info.IsDir() {
		return nil, processor.InputError(fmt.Sprintf("path is a directory, not a file: %s", path), nil)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if len(v.allowed) > 0 && !v.allowed[ext] {
		return nil, processor.InputError(fmt.Sprintf("unsupported file extension %q", ext), nil)
	}
	if v.maxSize > 0 && info.Size() > v.maxSize {
		return nil, processor.InputError(fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), v.maxSize), nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, processor.InputError(fmt.Sprintf("cannot open file: %s", path), err)
	}
	f.Close()

	return &ValidationReport{Path: path, Extension: ext, SizeBytes: info.Size()}, nil
}
