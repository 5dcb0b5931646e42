package pipeline

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"criteo-ctr/internal/features"
	"criteo-ctr/internal/ml"
)

// FormatVersion is the on-disk layout written by Save and required by Load.
const FormatVersion = 1

const (
	metadataFile = "metadata.json"
	stagesDir    = "stages"
	hasherFile   = "00_hasher.json"
	modelFile    = "01_model.gob.gz"
)

var (
	ErrFormatVersion = errors.New("unsupported pipeline format version")
	ErrChecksum      = errors.New("pipeline stage checksum mismatch")
	ErrCorrupt       = errors.New("corrupt pipeline directory")
)

// StageMetadata describes one persisted stage file.
type StageMetadata struct {
	Name      string `json:"name"`
	File      string `json:"file"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Metadata is the content of metadata.json.
type Metadata struct {
	FormatVersion int             `json:"format_version"`
	CreatedAt     time.Time       `json:"created_at"`
	NumFeatures   int             `json:"num_features"`
	NumTrees      int             `json:"num_trees"`
	Stages        []StageMetadata `json:"stages"`
}

// Save writes p to path. The directory is built next to path and swapped in
// only when complete, so readers see either the previous pipeline or the new
// one.
func Save(p *Pipeline, path string) (*Metadata, error) {
	path = filepath.Clean(path)
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create pipeline parent dir: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	meta, err := writeStages(p, tmp)
	if err != nil {
		return nil, err
	}
	if err := swapDir(tmp, path); err != nil {
		return nil, err
	}
	committed = true

	log.Info().
		Str("path", path).
		Int("trees", meta.NumTrees).
		Int("format_version", meta.FormatVersion).
		Msg("Pipeline saved")
	return meta, nil
}

func writeStages(p *Pipeline, dir string) (*Metadata, error) {
	if err := os.Mkdir(filepath.Join(dir, stagesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create stages dir: %w", err)
	}

	hasherData, err := p.Hasher.MarshalConfig()
	if err != nil {
		return nil, fmt.Errorf("encode hasher: %w", err)
	}

	var modelBuf bytes.Buffer
	gz := gzip.NewWriter(&modelBuf)
	if err := p.Model.Encode(gz); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress model: %w", err)
	}

	meta := &Metadata{
		FormatVersion: FormatVersion,
		CreatedAt:     time.Now().UTC(),
		NumFeatures:   p.Model.NumFeatures,
		NumTrees:      p.Model.NumTrees(),
	}
	for _, st := range []struct {
		name, file string
		data       []byte
	}{
		{"hasher", hasherFile, hasherData},
		{"model", modelFile, modelBuf.Bytes()},
	} {
		rel := filepath.Join(stagesDir, st.file)
		if err := writeFileSync(filepath.Join(dir, rel), st.data); err != nil {
			return nil, fmt.Errorf("write stage %s: %w", st.name, err)
		}
		sum := sha256.Sum256(st.data)
		meta.Stages = append(meta.Stages, StageMetadata{
			Name:      st.name,
			File:      filepath.ToSlash(rel),
			SHA256:    hex.EncodeToString(sum[:]),
			SizeBytes: int64(len(st.data)),
		})
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeFileSync(filepath.Join(dir, metadataFile), metaData); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	return meta, nil
}

// swapDir moves tmp to path, keeping any existing path aside until the rename
// succeeds.
func swapDir(tmp, path string) error {
	var old string
	if _, err := os.Stat(path); err == nil {
		old = fmt.Sprintf("%s.old-%d", path, time.Now().UnixNano())
		if err := os.Rename(path, old); err != nil {
			return fmt.Errorf("move previous pipeline aside: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat pipeline path: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		if old != "" {
			if rerr := os.Rename(old, path); rerr != nil {
				log.Error().Err(rerr).Str("path", path).Str("previous", old).Msg("Failed to restore previous pipeline")
			}
		}
		return fmt.Errorf("move pipeline into place: %w", err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			log.Warn().Err(err).Str("path", old).Msg("Failed to remove previous pipeline")
		}
	}
	return nil
}

func writeFileSync(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a pipeline written by Save, verifying the format version and the
// checksum of every stage.
func Load(path string) (*Pipeline, *Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(path, metadataFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read pipeline metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}
	if meta.FormatVersion != FormatVersion {
		return nil, nil, fmt.Errorf("%w: found %d, want %d", ErrFormatVersion, meta.FormatVersion, FormatVersion)
	}

	stages := make(map[string][]byte, len(meta.Stages))
	for _, st := range meta.Stages {
		data, err := os.ReadFile(filepath.Join(path, filepath.FromSlash(st.File)))
		if err != nil {
			return nil, nil, fmt.Errorf("read stage %s: %w", st.Name, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != st.SHA256 {
			return nil, nil, fmt.Errorf("%w: stage %s", ErrChecksum, st.Name)
		}
		stages[st.Name] = data
	}
	hasherData, ok := stages["hasher"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no hasher stage", ErrCorrupt)
	}
	modelData, ok := stages["model"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no model stage", ErrCorrupt)
	}

	hasher, err := features.UnmarshalHasher(hasherData)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	model, err := decodeModel(modelData)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	p, err := New(hasher, model)
	if err != nil {
		return nil, nil, err
	}
	return p, &meta, nil
}

func decodeModel(data []byte) (*ml.Model, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress model: %w", err)
	}
	defer gz.Close()
	m, err := ml.DecodeModel(gz)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return nil, fmt.Errorf("decompress model: %w", err)
	}
	return m, nil
}
