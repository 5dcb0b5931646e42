package cfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"criteo-ctr/internal/common"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type Settings struct {
	DataSize        string
	DataFile        string // local TSV or archive; skips the download when set
	CacheDir        string
	SampleURL       string
	FullURL         string
	DownloadTimeout time.Duration
	MaxRows         int

	SplitRatio float64
	Seed       int64
	NumBits    int

	NumLeaves           int
	NumIterations       int
	LearningRate        float64
	FeatureFraction     float64
	IsUnbalance         bool
	MinDataInLeaf       int
	MaxBin              int
	EarlyStoppingRounds int

	ModelName   string
	ModelDir    string
	OutputDir   string
	RunsDB      string
	Workers     int // 0 uses every CPU
	MetricsPort int // 0 disables the metrics server
	MetricName  string
	ScoreColumn string
}

// ModelPath is where the active pipeline is published.
func (s *Settings) ModelPath() string {
	return filepath.Join(s.ModelDir, s.ModelName)
}

// VersionPath is where the pipeline of one registered version is kept.
func (s *Settings) VersionPath(version string) string {
	return filepath.Join(s.ModelDir, s.ModelName+".versions", version)
}

type ConfigFile struct {
	Data struct {
		Size            string  `yaml:"size"`
		File            string  `yaml:"file"`
		CacheDir        string  `yaml:"cacheDir"`
		SampleURL       string  `yaml:"sampleURL"`
		FullURL         string  `yaml:"fullURL"`
		DownloadTimeout string  `yaml:"downloadTimeout"`
		MaxRows         int     `yaml:"maxRows"`
		SplitRatio      float64 `yaml:"splitRatio"`
		Seed            *int64  `yaml:"seed"`
	} `yaml:"data"`

	Features struct {
		NumBits int `yaml:"numBits"`
	} `yaml:"features"`

	Model struct {
		Name                string  `yaml:"name"`
		Dir                 string  `yaml:"dir"`
		NumLeaves           int     `yaml:"numLeaves"`
		NumIterations       int     `yaml:"numIterations"`
		LearningRate        float64 `yaml:"learningRate"`
		FeatureFraction     float64 `yaml:"featureFraction"`
		IsUnbalance         *bool   `yaml:"isUnbalance"`
		MinDataInLeaf       int     `yaml:"minDataInLeaf"`
		MaxBin              int     `yaml:"maxBin"`
		EarlyStoppingRounds int     `yaml:"earlyStoppingRounds"`
	} `yaml:"model"`

	Evaluation struct {
		Metric      string `yaml:"metric"`
		ScoreColumn string `yaml:"scoreColumn"`
	} `yaml:"evaluation"`

	System struct {
		OutputDir   string `yaml:"outputDir"`
		RunsDB      string `yaml:"runsDB"`
		Workers     int    `yaml:"workers"`
		MetricsPort int    `yaml:"metricsPort"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := checkEnvFormats(); err != nil {
		return Settings{}, err
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("%w: failed to parse config file: %w", ErrInvalidConfig, err)
	}

	timeout := common.DefaultDownloadTimeout
	if config.Data.DownloadTimeout != "" {
		timeout, err = time.ParseDuration(config.Data.DownloadTimeout)
		if err != nil {
			return Settings{}, fmt.Errorf("%w: download timeout: %w", ErrInvalidConfig, err)
		}
	}
	seed := int64(common.DefaultSeed)
	if config.Data.Seed != nil {
		seed = *config.Data.Seed
	}
	unbalance := common.DefaultIsUnbalance
	if config.Model.IsUnbalance != nil {
		unbalance = *config.Model.IsUnbalance
	}

	// Environment variables override the file
	settings := Settings{
		DataSize:        getEnvOrDefault(common.EnvDataSize, orString(config.Data.Size, common.DefaultDataSize)),
		DataFile:        getEnvOrDefault(common.EnvDataFile, config.Data.File),
		CacheDir:        getEnvOrDefault(common.EnvCacheDir, orString(config.Data.CacheDir, common.DefaultCacheDir)),
		SampleURL:       getEnvOrDefault(common.EnvSampleURL, orString(config.Data.SampleURL, common.DefaultSampleURL)),
		FullURL:         getEnvOrDefault(common.EnvFullURL, orString(config.Data.FullURL, common.DefaultFullURL)),
		DownloadTimeout: getDurationOrDefault(common.EnvDownloadTimeout, timeout),
		MaxRows:         getIntFromEnvOrConfig(common.EnvMaxRows, config.Data.MaxRows, 0),

		SplitRatio: getFloatFromEnvOrConfig(common.EnvSplitRatio, config.Data.SplitRatio, common.DefaultSplitRatio),
		Seed:       getInt64OrDefault(common.EnvSeed, seed),
		NumBits:    getIntFromEnvOrConfig(common.EnvNumBits, config.Features.NumBits, common.DefaultNumBits),

		NumLeaves:           getIntFromEnvOrConfig(common.EnvNumLeaves, config.Model.NumLeaves, common.DefaultNumLeaves),
		NumIterations:       getIntFromEnvOrConfig(common.EnvNumIterations, config.Model.NumIterations, common.DefaultNumIterations),
		LearningRate:        getFloatFromEnvOrConfig(common.EnvLearningRate, config.Model.LearningRate, common.DefaultLearningRate),
		FeatureFraction:     getFloatFromEnvOrConfig(common.EnvFeatureFraction, config.Model.FeatureFraction, common.DefaultFeatureFraction),
		IsUnbalance:         getBoolOrDefault(common.EnvIsUnbalance, unbalance),
		MinDataInLeaf:       getIntFromEnvOrConfig(common.EnvMinDataInLeaf, config.Model.MinDataInLeaf, common.DefaultMinDataInLeaf),
		MaxBin:              getIntFromEnvOrConfig(common.EnvMaxBin, config.Model.MaxBin, common.DefaultMaxBin),
		EarlyStoppingRounds: getIntFromEnvOrConfig(common.EnvEarlyStopping, config.Model.EarlyStoppingRounds, 0),

		ModelName:   getEnvOrDefault(common.EnvModelName, orString(config.Model.Name, common.DefaultModelName)),
		ModelDir:    getEnvOrDefault(common.EnvModelDir, orString(config.Model.Dir, common.DefaultModelDir)),
		OutputDir:   getEnvOrDefault(common.EnvOutputDir, orString(config.System.OutputDir, common.DefaultOutputDir)),
		RunsDB:      getEnvOrDefault(common.EnvRunsDB, orString(config.System.RunsDB, common.DefaultRunsDB)),
		Workers:     getIntFromEnvOrConfig(common.EnvWorkers, config.System.Workers, 0),
		MetricsPort: getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, 0),
		MetricName:  getEnvOrDefault(common.EnvMetricName, orString(config.Evaluation.Metric, common.DefaultMetricName)),
		ScoreColumn: getEnvOrDefault(common.EnvScoreColumn, orString(config.Evaluation.ScoreColumn, common.DefaultScoreColumn)),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	if err := checkEnvFormats(); err != nil {
		return Settings{}, err
	}

	settings := Default()
	settings.DataSize = getEnvOrDefault(common.EnvDataSize, settings.DataSize)
	settings.DataFile = os.Getenv(common.EnvDataFile) // optional
	settings.CacheDir = getEnvOrDefault(common.EnvCacheDir, settings.CacheDir)
	settings.SampleURL = getEnvOrDefault(common.EnvSampleURL, settings.SampleURL)
	settings.FullURL = getEnvOrDefault(common.EnvFullURL, settings.FullURL)
	settings.DownloadTimeout = getDurationOrDefault(common.EnvDownloadTimeout, settings.DownloadTimeout)
	settings.MaxRows = getIntOrDefault(common.EnvMaxRows, settings.MaxRows)
	settings.SplitRatio = getFloatOrDefault(common.EnvSplitRatio, settings.SplitRatio)
	settings.Seed = getInt64OrDefault(common.EnvSeed, settings.Seed)
	settings.NumBits = getIntOrDefault(common.EnvNumBits, settings.NumBits)
	settings.NumLeaves = getIntOrDefault(common.EnvNumLeaves, settings.NumLeaves)
	settings.NumIterations = getIntOrDefault(common.EnvNumIterations, settings.NumIterations)
	settings.LearningRate = getFloatOrDefault(common.EnvLearningRate, settings.LearningRate)
	settings.FeatureFraction = getFloatOrDefault(common.EnvFeatureFraction, settings.FeatureFraction)
	settings.IsUnbalance = getBoolOrDefault(common.EnvIsUnbalance, settings.IsUnbalance)
	settings.MinDataInLeaf = getIntOrDefault(common.EnvMinDataInLeaf, settings.MinDataInLeaf)
	settings.MaxBin = getIntOrDefault(common.EnvMaxBin, settings.MaxBin)
	settings.EarlyStoppingRounds = getIntOrDefault(common.EnvEarlyStopping, settings.EarlyStoppingRounds)
	settings.ModelName = getEnvOrDefault(common.EnvModelName, settings.ModelName)
	settings.ModelDir = getEnvOrDefault(common.EnvModelDir, settings.ModelDir)
	settings.OutputDir = getEnvOrDefault(common.EnvOutputDir, settings.OutputDir)
	settings.RunsDB = getEnvOrDefault(common.EnvRunsDB, settings.RunsDB)
	settings.Workers = getIntOrDefault(common.EnvWorkers, settings.Workers)
	settings.MetricsPort = getIntOrDefault(common.EnvMetricsPort, settings.MetricsPort)
	settings.MetricName = getEnvOrDefault(common.EnvMetricName, settings.MetricName)
	settings.ScoreColumn = getEnvOrDefault(common.EnvScoreColumn, settings.ScoreColumn)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// Default returns the settings of the reference sample run.
func Default() Settings {
	return Settings{
		DataSize:        common.DefaultDataSize,
		CacheDir:        common.DefaultCacheDir,
		SampleURL:       common.DefaultSampleURL,
		FullURL:         common.DefaultFullURL,
		DownloadTimeout: common.DefaultDownloadTimeout,
		SplitRatio:      common.DefaultSplitRatio,
		Seed:            common.DefaultSeed,
		NumBits:         common.DefaultNumBits,
		NumLeaves:       common.DefaultNumLeaves,
		NumIterations:   common.DefaultNumIterations,
		LearningRate:    common.DefaultLearningRate,
		FeatureFraction: common.DefaultFeatureFraction,
		IsUnbalance:     common.DefaultIsUnbalance,
		MinDataInLeaf:   common.DefaultMinDataInLeaf,
		MaxBin:          common.DefaultMaxBin,
		ModelName:       common.DefaultModelName,
		ModelDir:        common.DefaultModelDir,
		OutputDir:       common.DefaultOutputDir,
		RunsDB:          common.DefaultRunsDB,
		MetricName:      common.DefaultMetricName,
		ScoreColumn:     common.DefaultScoreColumn,
	}
}

// Validate checks s the same way Load does, for settings assembled in code or
// changed by command line flags.
func (s *Settings) Validate() error {
	return validateSettings(s)
}

var (
	intEnvKeys = []string{
		common.EnvMaxRows, common.EnvNumBits, common.EnvNumLeaves, common.EnvNumIterations,
		common.EnvMinDataInLeaf, common.EnvMaxBin, common.EnvEarlyStopping, common.EnvWorkers,
		common.EnvMetricsPort,
	}
	floatEnvKeys = []string{common.EnvSplitRatio, common.EnvLearningRate, common.EnvFeatureFraction}
)

// checkEnvFormats rejects typed variables that are set but do not parse.
func checkEnvFormats() error {
	for _, key := range intEnvKeys {
		if v := os.Getenv(key); v != "" {
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
			}
		}
	}
	if v := os.Getenv(common.EnvSeed); v != "" {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, common.EnvSeed, v)
		}
	}
	for _, key := range floatEnvKeys {
		if v := os.Getenv(key); v != "" {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, v)
			}
		}
	}
	if v := os.Getenv(common.EnvIsUnbalance); v != "" {
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, common.EnvIsUnbalance, v)
		}
	}
	if v := os.Getenv(common.EnvDownloadTimeout); v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, common.EnvDownloadTimeout, v)
		}
	}
	return nil
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getIntOrDefault(key, defaultValue)
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getFloatOrDefault(key, defaultValue)
}

var (
	knownMetrics      = []string{"areaunderroc", "auc", "areaunderpr", "logloss", "accuracy"}
	knownScoreColumns = []string{common.ProbabilityColumn, common.RawPredictionColumn, common.PredictionColumn}
)

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// validateSettings checks every option before any data is touched
func validateSettings(settings *Settings) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	// Data
	if size := strings.ToLower(settings.DataSize); size != "sample" && size != "full" {
		return invalid("data size must be sample or full, got %q", settings.DataSize)
	}
	if settings.DataFile == "" && settings.CacheDir == "" {
		return invalid("cache dir cannot be empty")
	}
	if settings.DownloadTimeout < time.Second || settings.DownloadTimeout > 6*time.Hour {
		return invalid("download timeout must be between 1s and 6h, got %v", settings.DownloadTimeout)
	}
	if settings.MaxRows < 0 {
		return invalid("max rows must be >= 0, got %d", settings.MaxRows)
	}
	if settings.SplitRatio <= 0 || settings.SplitRatio >= 1 {
		return invalid("split ratio must be in (0,1), got %f", settings.SplitRatio)
	}

	// Hashing and boosting
	if settings.NumBits < common.MinNumBits || settings.NumBits > common.MaxNumBits {
		return invalid("num bits must be between %d and %d, got %d", common.MinNumBits, common.MaxNumBits, settings.NumBits)
	}
	if settings.NumLeaves < 2 || settings.NumLeaves > common.MaxNumLeaves {
		return invalid("num leaves must be between 2 and %d, got %d", common.MaxNumLeaves, settings.NumLeaves)
	}
	if settings.NumIterations <= 0 {
		return invalid("num iterations must be > 0, got %d", settings.NumIterations)
	}
	if settings.LearningRate <= 0 || settings.LearningRate > 1 {
		return invalid("learning rate must be in (0,1], got %f", settings.LearningRate)
	}
	if settings.FeatureFraction <= 0 || settings.FeatureFraction > 1 {
		return invalid("feature fraction must be in (0,1], got %f", settings.FeatureFraction)
	}
	if settings.MinDataInLeaf < 1 {
		return invalid("min data in leaf must be >= 1, got %d", settings.MinDataInLeaf)
	}
	if settings.MaxBin < 2 || settings.MaxBin > common.MaxBinLimit {
		return invalid("max bin must be between 2 and %d, got %d", common.MaxBinLimit, settings.MaxBin)
	}
	if settings.EarlyStoppingRounds < 0 {
		return invalid("early stopping rounds must be >= 0, got %d", settings.EarlyStoppingRounds)
	}

	// Outputs
	if settings.ModelName == "" || strings.ContainsAny(settings.ModelName, `/\`) || settings.ModelName == "." || settings.ModelName == ".." {
		return invalid("model name must be a plain file name, got %q", settings.ModelName)
	}
	if settings.ModelDir == "" {
		return invalid("model dir cannot be empty")
	}
	if settings.OutputDir == "" {
		return invalid("output dir cannot be empty")
	}

	// System
	if settings.Workers < 0 || settings.Workers > common.MaxWorkers {
		return invalid("workers must be between 0 and %d, got %d", common.MaxWorkers, settings.Workers)
	}
	if settings.MetricsPort != 0 && (settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort) {
		return invalid("metrics port must be 0 or between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}
	if !contains(knownMetrics, strings.ToLower(settings.MetricName)) {
		return invalid("unknown metric %q", settings.MetricName)
	}
	if !contains(knownScoreColumns, settings.ScoreColumn) {
		return invalid("score column must be one of %v, got %q", knownScoreColumns, settings.ScoreColumn)
	}

	return nil
}
