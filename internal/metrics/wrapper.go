package metrics

import "time"

// MetricsWrapper adapts Metrics to the narrow interfaces the loader, trainer
// and runner depend on.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) RowsLoadedAdd(n float64) {
	w.m.RowsLoaded.Add(n)
}

func (w *MetricsWrapper) DownloadsInc() {
	w.m.Downloads.Inc()
}

func (w *MetricsWrapper) IterationsInc() {
	w.m.BoostingIterations.Inc()
}

func (w *MetricsWrapper) IterationLatencyObserve(seconds float64) {
	w.m.IterationLatency.Observe(seconds)
}

func (w *MetricsWrapper) TrainLossSet(v float64) {
	w.m.TrainLoss.Set(v)
}

func (w *MetricsWrapper) SplitRowsSet(split string, n int) {
	w.m.SplitRows.WithLabelValues(split).Set(float64(n))
}

func (w *MetricsWrapper) StageObserve(stage string, d time.Duration) {
	w.m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (w *MetricsWrapper) StageFailureInc(stage, kind string) {
	w.m.StageFailures.WithLabelValues(stage, kind).Inc()
}

func (w *MetricsWrapper) EvaluationSet(metric string, v float64) {
	w.m.EvaluationScore.WithLabelValues(metric).Set(v)
}

func (w *MetricsWrapper) PipelineSavesInc() {
	w.m.PipelineSaves.Inc()
}

func (w *MetricsWrapper) RunCompleted(at time.Time) {
	w.m.RunsTotal.Inc()
	w.m.LastRunSuccess.Set(float64(at.Unix()))
}
