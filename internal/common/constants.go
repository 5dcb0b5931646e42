package common

import (
	"fmt"
	"time"
)

// Criteo column layout
const (
	LabelColumn       = "label"
	NumNumericColumns = 13
	NumCategorical    = 26
	NumColumns        = 1 + NumNumericColumns + NumCategorical
	FeaturesColumn    = "features"
)

// Prediction output columns
const (
	RawPredictionColumn = "rawPrediction"
	ProbabilityColumn   = "probability"
	PredictionColumn    = "prediction"
)

// Environment variable keys
const (
	EnvConfigFile      = "CONFIG_FILE"
	EnvDataSize        = "DATA_SIZE"
	EnvDataFile        = "DATA_FILE"
	EnvCacheDir        = "CACHE_DIR"
	EnvSampleURL       = "CRITEO_SAMPLE_URL"
	EnvFullURL         = "CRITEO_FULL_URL"
	EnvDownloadTimeout = "DOWNLOAD_TIMEOUT"
	EnvMaxRows         = "MAX_ROWS"
	EnvSplitRatio      = "SPLIT_RATIO"
	EnvSeed            = "SEED"
	EnvNumBits         = "NUM_BITS"
	EnvNumLeaves       = "NUM_LEAVES"
	EnvNumIterations   = "NUM_ITERATIONS"
	EnvLearningRate    = "LEARNING_RATE"
	EnvFeatureFraction = "FEATURE_FRACTION"
	EnvIsUnbalance     = "IS_UNBALANCE"
	EnvMinDataInLeaf   = "MIN_DATA_IN_LEAF"
	EnvMaxBin          = "MAX_BIN"
	EnvModelName       = "MODEL_NAME"
	EnvModelDir        = "MODEL_DIR"
	EnvOutputDir       = "OUTPUT_DIR"
	EnvRunsDB          = "RUNS_DB"
	EnvWorkers         = "WORKERS"
	EnvMetricsPort     = "METRICS_PORT"
	EnvMetricName      = "METRIC_NAME"
	EnvScoreColumn     = "SCORE_COLUMN"
	EnvEarlyStopping   = "EARLY_STOPPING_ROUNDS"
	EnvLogLevel        = "LOG_LEVEL"
)

// Configuration defaults
const (
	DefaultDataSize        = "sample"
	DefaultCacheDir        = "data"
	DefaultSampleURL       = "https://labs.criteo.com/wp-content/uploads/2015/04/dac_sample.tar.gz"
	DefaultFullURL         = "https://ndownloader.figshare.com/files/10082655"
	DefaultSplitRatio      = 0.8
	DefaultSeed            = 42
	DefaultNumBits         = 18
	DefaultNumLeaves       = 32
	DefaultNumIterations   = 50
	DefaultLearningRate    = 0.1
	DefaultFeatureFraction = 0.8
	DefaultIsUnbalance     = true
	DefaultMinDataInLeaf   = 20
	DefaultMaxBin          = 255
	DefaultModelName       = "lightgbm_criteo.mml"
	DefaultModelDir        = "models"
	DefaultOutputDir       = "output"
	DefaultRunsDB          = "runs.db"
	DefaultMetricName      = "areaUnderROC"
	DefaultScoreColumn     = ProbabilityColumn
	DefaultDownloadTimeout = 10 * time.Minute
)

// Validation constants
const (
	MinNumBits     = 4
	MaxNumBits     = 30
	MaxNumLeaves   = 131072
	MaxWorkers     = 1024
	MaxBinLimit    = 65535
	MinMetricsPort = 1024
	MaxMetricsPort = 65535
)

// NumericColumn returns the name of the i-th integer feature column (int00..int12).
func NumericColumn(i int) string {
	return fmt.Sprintf("int%02d", i)
}

// CategoricalColumn returns the name of the i-th categorical column (cat00..cat25).
func CategoricalColumn(i int) string {
	return fmt.Sprintf("cat%02d", i)
}

// FeatureColumns lists every Criteo input column except the label, in file order.
func FeatureColumns() []string {
	cols := make([]string, 0, NumNumericColumns+NumCategorical)
	for i := 0; i < NumNumericColumns; i++ {
		cols = append(cols, NumericColumn(i))
	}
	for i := 0; i < NumCategorical; i++ {
		cols = append(cols, CategoricalColumn(i))
	}
	return cols
}
