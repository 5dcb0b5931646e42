package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

const versionsFileName = "model_versions.json"

var (
	ErrVersionNotFound = errors.New("model version not found")
	ErrNoRollback      = errors.New("no previous model version available")
)

// ModelVersion is one saved pipeline in the model directory.
type ModelVersion struct {
	Version   string       `json:"version"`
	Path      string       `json:"path"`
	CreatedAt time.Time    `json:"created_at"`
	Metrics   ModelMetrics `json:"metrics"`
	IsActive  bool         `json:"is_active"`
}

// ModelMetrics records how a saved pipeline scored on its test split.
type ModelMetrics struct {
	MetricName  string  `json:"metric_name"`
	MetricValue float64 `json:"metric_value"`
	LogLoss     float64 `json:"log_loss"`
	TrainRows   int     `json:"train_rows"`
	TestRows    int     `json:"test_rows"`
	NumTrees    int     `json:"num_trees"`
}

// ModelManager keeps the version registry of saved pipelines and tracks which
// one is active.
type ModelManager struct {
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
	current      *ModelVersion
}

// NewModelManager opens the registry in modelsDir, creating the directory if
// needed. An unreadable registry is logged and replaced.
func NewModelManager(modelsDir string) (*ModelManager, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	mm := &ModelManager{
		modelsDir:    modelsDir,
		versionsFile: filepath.Join(modelsDir, versionsFileName),
	}
	if err := mm.loadVersions(); err != nil {
		log.Warn().Err(err).Str("file", mm.versionsFile).Msg("Failed to load model versions, starting fresh")
		mm.versions = nil
		mm.current = nil
	}
	return mm, nil
}

const versionLayout = "20060102-150405.000000000"

// NewVersionID returns an unused version id derived from the current time.
func (mm *ModelManager) NewVersionID() string {
	now := time.Now().UTC()
	for {
		id := now.Format(versionLayout)
		if mm.find(id) < 0 {
			return id
		}
		now = now.Add(time.Nanosecond)
	}
}

// AddVersion registers the pipeline saved at path under version. The new
// version is activated when activate is set.
func (mm *ModelManager) AddVersion(version, path string, metrics ModelMetrics, activate bool) error {
	if mm.find(version) >= 0 {
		return fmt.Errorf("model version %s already registered", version)
	}
	v := ModelVersion{
		Version:   version,
		Path:      path,
		CreatedAt: time.Now().UTC(),
		Metrics:   metrics,
	}
	mm.versions = append(mm.versions, v)
	sort.SliceStable(mm.versions, func(i, j int) bool {
		return mm.versions[i].CreatedAt.After(mm.versions[j].CreatedAt)
	})
	mm.relinkCurrent()

	if activate {
		return mm.ActivateVersion(v.Version)
	}
	return mm.saveVersions()
}

// GetVersion returns a copy of the registered version.
func (mm *ModelManager) GetVersion(version string) (*ModelVersion, error) {
	idx := mm.find(version)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	v := mm.versions[idx]
	return &v, nil
}

// ActivateVersion marks version as the only active one.
func (mm *ModelManager) ActivateVersion(version string) error {
	idx := mm.find(version)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	for i := range mm.versions {
		mm.versions[i].IsActive = i == idx
	}
	mm.current = &mm.versions[idx]
	return mm.saveVersions()
}

// PreviousVersion returns a copy of the version saved just before the active
// one.
func (mm *ModelManager) PreviousVersion() (*ModelVersion, error) {
	cur := -1
	for i, v := range mm.versions {
		if v.IsActive {
			cur = i
			break
		}
	}
	if cur < 0 {
		return nil, fmt.Errorf("%w: no active version", ErrNoRollback)
	}
	if cur+1 >= len(mm.versions) {
		return nil, ErrNoRollback
	}
	v := mm.versions[cur+1]
	return &v, nil
}

// Rollback activates the version saved just before the active one.
func (mm *ModelManager) Rollback() error {
	prev, err := mm.PreviousVersion()
	if err != nil {
		return err
	}
	return mm.ActivateVersion(prev.Version)
}

// CurrentVersion returns the active version, nil when none is active.
func (mm *ModelManager) CurrentVersion() *ModelVersion {
	return mm.current
}

// ListVersions returns every version, newest first.
func (mm *ModelManager) ListVersions() []ModelVersion {
	return append([]ModelVersion(nil), mm.versions...)
}

func (mm *ModelManager) find(version string) int {
	for i := range mm.versions {
		if mm.versions[i].Version == version {
			return i
		}
	}
	return -1
}

func (mm *ModelManager) relinkCurrent() {
	mm.current = nil
	for i := range mm.versions {
		if mm.versions[i].IsActive {
			mm.current = &mm.versions[i]
			return
		}
	}
}

func (mm *ModelManager) loadVersions() error {
	data, err := os.ReadFile(mm.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &mm.versions); err != nil {
		return err
	}
	mm.relinkCurrent()
	return nil
}

func (mm *ModelManager) saveVersions() error {
	data, err := json.MarshalIndent(mm.versions, "", "  ")
	if err != nil {
		return err
	}
	tmp := mm.versionsFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, mm.versionsFile)
}
