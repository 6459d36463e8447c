// Package checkpoint persists pipeline run state between DAG levels so a
// run can resume without re-executing completed stages.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// Version is the checkpoint format version.
const Version = "1.0.0"

// Checkpoint errors.
var (
	ErrNotFound        = errors.New("checkpoint not found")
	ErrCorrupt         = errors.New("checkpoint checksum mismatch")
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
	ErrInvalidInput    = errors.New("invalid checkpoint input")
)

var validRunID = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateRunID rejects ids that cannot be used as file names or keys.
func ValidateRunID(id string) error {
	if id == "" || !validRunID.MatchString(id) {
		return fmt.Errorf("%w: run id must match [a-zA-Z0-9_.-]+, got %q", ErrInvalidInput, id)
	}
	return nil
}

// StageRecord is the persisted state of one stage.
type StageRecord struct {
	State    string            `json:"state"`
	Attempts int               `json:"attempts"`
	Result   *processor.Result `json:"result,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// Checkpoint is a snapshot of a run taken after a completed level.
type Checkpoint struct {
	Version    string                 `json:"version"`
	RunID      string                 `json:"run_id"`
	Pipeline   string                 `json:"pipeline"`
	ConfigHash string                 `json:"config_hash"`
	DocumentID string                 `json:"document_id,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
	NextLevel  int                    `json:"next_level"`
	Stages     map[string]StageRecord `json:"stages"`
	StartedAt  time.Time              `json:"started_at"`
	CreatedAt  time.Time              `json:"created_at"`
	Checksum   string                 `json:"checksum"`
}

// Summary describes a stored checkpoint without its stage payloads.
type Summary struct {
	RunID     string    `json:"run_id"`
	Pipeline  string    `json:"pipeline"`
	NextLevel int       `json:"next_level"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary returns the listing view of c.
func (c *Checkpoint) Summary() Summary {
	return Summary{RunID: c.RunID, Pipeline: c.Pipeline, NextLevel: c.NextLevel, CreatedAt: c.CreatedAt}
}

// Store persists checkpoints keyed by run id. Save overwrites.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Delete(ctx context.Context, runID string) error
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

func (c *Checkpoint) checksum() (string, error) {
	data := *c
	data.Checksum = ""
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	// payloads decode as generic maps, so hash the canonical form
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("canonicalize for checksum: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal stamps version, creation time and checksum.
func (c *Checkpoint) Seal() error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidInput)
	}
	if err := ValidateRunID(c.RunID); err != nil {
		return err
	}
	c.Version = Version
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.StartedAt = c.StartedAt.UTC()
	sum, err := c.checksum()
	if err != nil {
		return err
	}
	c.Checksum = sum
	return nil
}

// Verify checks version and checksum.
func (c *Checkpoint) Verify() error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidInput)
	}
	if c.Version != Version {
		return fmt.Errorf("%w: got %s, want %s", ErrVersionMismatch, c.Version, Version)
	}
	sum, err := c.checksum()
	if err != nil {
		return err
	}
	if sum != c.Checksum {
		return ErrCorrupt
	}
	return nil
}

// Encode seals c and returns its JSON form.
func Encode(c *Checkpoint) ([]byte, error) {
	if err := c.Seal(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses and verifies a checkpoint. Numbers in metadata and payloads
// come back as json.Number so large integers keep their exact digits.
func Decode(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}
