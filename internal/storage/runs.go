package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// RunParams are the settings a run was executed with.
type RunParams struct {
	DataSize        string  `json:"data_size"`
	SplitRatio      float64 `json:"split_ratio"`
	Seed            int64   `json:"seed"`
	NumBits         int     `json:"num_bits"`
	NumLeaves       int     `json:"num_leaves"`
	NumIterations   int     `json:"num_iterations"`
	LearningRate    float64 `json:"learning_rate"`
	FeatureFraction float64 `json:"feature_fraction"`
	IsUnbalance     bool    `json:"is_unbalance"`
}

// RunRecord is one pipeline invocation.
type RunRecord struct {
	ModelName    string             `json:"model_name"`
	Timestamp    time.Time          `json:"timestamp"`
	Params       RunParams          `json:"params"`
	MetricName   string             `json:"metric_name"`
	MetricValue  float64            `json:"metric_value"`
	BaselineLoss float64            `json:"baseline_log_loss"`
	LogLoss      float64            `json:"log_loss"`
	TotalRows    int                `json:"total_rows"`
	TrainRows    int                `json:"train_rows"`
	TestRows     int                `json:"test_rows"`
	NumTrees     int                `json:"num_trees"`
	StageSeconds map[string]float64 `json:"stage_seconds"`
	PipelinePath string             `json:"pipeline_path"`
	Version      string             `json:"version"`
}

// FailureRecord is a run that aborted.
type FailureRecord struct {
	ModelName string    `json:"model_name"`
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
}

// RecordRun stores a completed run.
func (s *Store) RecordRun(rec RunRecord) error {
	return s.put(runsBucket, rec.ModelName, rec.Timestamp, rec)
}

// RecordFailure stores an aborted run.
func (s *Store) RecordFailure(rec FailureRecord) error {
	return s.put(failuresBucket, rec.ModelName, rec.Timestamp, rec)
}

func (s *Store) put(bucket, model string, ts time.Time, rec any) error {
	if model == "" {
		return fmt.Errorf("record for bucket %s has no model name", bucket)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", bucket, err)
		}
		return b.Put(runKey(model, ts), data)
	})
}

// GetRuns returns the runs of model with a timestamp in [start, end], oldest
// first. Malformed records are skipped.
func (s *Store) GetRuns(model string, start, end time.Time) ([]RunRecord, error) {
	var runs []RunRecord
	err := s.scanRange(runsBucket, model, start, end, func(v []byte) error {
		var rec RunRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		runs = append(runs, rec)
		return nil
	})
	return runs, err
}

// GetFailures returns the failed runs of model in [start, end], oldest first.
func (s *Store) GetFailures(model string, start, end time.Time) ([]FailureRecord, error) {
	var failures []FailureRecord
	err := s.scanRange(failuresBucket, model, start, end, func(v []byte) error {
		var rec FailureRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		failures = append(failures, rec)
		return nil
	})
	return failures, err
}

// LatestRun returns the most recent completed run of model.
func (s *Store) LatestRun(model string) (*RunRecord, error) {
	var latest *RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()
		prefix := []byte(model + "_")
		// step back from the first key past every timestamp of model
		k, v := c.Seek(runKey(model, time.Unix(0, 1<<62)))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.ModelName == model {
				latest = &rec
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: model %s", ErrNotFound, model)
	}
	return latest, nil
}
