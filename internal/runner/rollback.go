package runner

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"criteo-ctr/internal/cfg"
	"criteo-ctr/internal/ml"
	"criteo-ctr/internal/pipeline"
)

// Rollback republishes a registered pipeline at the model path and makes it
// the active version. An empty version selects the one saved before the
// active version.
func Rollback(s cfg.Settings, version string) (*ml.ModelVersion, error) {
	mm, err := ml.NewModelManager(s.ModelDir)
	if err != nil {
		return nil, err
	}

	var target *ml.ModelVersion
	if version == "" {
		target, err = mm.PreviousVersion()
	} else {
		target, err = mm.GetVersion(version)
	}
	if err != nil {
		return nil, err
	}

	p, _, err := pipeline.Load(target.Path)
	if err != nil {
		return nil, fmt.Errorf("load version %s: %w", target.Version, err)
	}
	if _, err := pipeline.Save(p, s.ModelPath()); err != nil {
		return nil, fmt.Errorf("publish version %s: %w", target.Version, err)
	}
	if err := mm.ActivateVersion(target.Version); err != nil {
		return nil, err
	}

	log.Info().
		Str("version", target.Version).
		Str("path", s.ModelPath()).
		Int("trees", target.Metrics.NumTrees).
		Msg("Model version activated")
	return mm.GetVersion(target.Version)
}
