// Package artifact persists fitted models and preprocessors as versioned,
// gzip-compressed JSON envelopes.
package artifact

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/lox/velocast/internal/gbm"
)

var (
	ErrNotFound       = errors.New("artifact not found")
	ErrSchemaMismatch = errors.New("artifact feature schema mismatch")
)

type Kind string

const (
	KindModel        Kind = "model"
	KindPreprocessor Kind = "preprocessor"
)

// Envelope wraps a payload with the metadata needed to validate it on load.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Version   string          `json:"version"`
	Schema    []string        `json:"schema"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Path returns the file an artifact of kind and version lives at under dir.
func Path(dir string, kind Kind, version string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.json.gz", kind, version))
}

// Save writes v to path. The file is written next to path and renamed into
// place, so readers never observe a partial artifact.
func Save(path string, kind Kind, version string, schema []string, v any, createdAt time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := Envelope{
		Kind:      kind,
		Version:   version,
		Schema:    schema,
		CreatedAt: createdAt.UTC(),
		Payload:   payload,
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(env); err != nil {
		return fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Load reads the envelope at path, checks its kind and schema, and decodes the
// payload into v.
func Load(path string, kind Kind, schema []string, v any) (Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Envelope{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Envelope{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return Envelope{}, fmt.Errorf("decompress %s: %w", path, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return Envelope{}, fmt.Errorf("read %s: %w", path, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if env.Kind != kind {
		return Envelope{}, fmt.Errorf("%s: holds a %s artifact, want %s", path, env.Kind, kind)
	}
	if !slices.Equal(env.Schema, schema) {
		return Envelope{}, fmt.Errorf("%w: %s has %d columns, want %d", ErrSchemaMismatch, path, len(env.Schema), len(schema))
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return Envelope{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return env, nil
}

// SaveModel writes a fitted regressor under dir for version.
func SaveModel(dir, version string, schema []string, m *gbm.Regressor, createdAt time.Time) error {
	return Save(Path(dir, KindModel, version), KindModel, version, schema, m, createdAt)
}

// LoadModel reads the regressor saved under dir for version.
func LoadModel(dir, version string, schema []string) (*gbm.Regressor, error) {
	var m gbm.Regressor
	if _, err := Load(Path(dir, KindModel, version), KindModel, schema, &m); err != nil {
		return nil, err
	}
	if m.Features != len(schema) {
		return nil, fmt.Errorf("%w: model expects %d inputs, schema has %d", ErrSchemaMismatch, m.Features, len(schema))
	}
	return &m, nil
}
