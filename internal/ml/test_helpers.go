package ml

import "sync"

// MockMetrics implements TrainingMetrics for testing
type MockMetrics struct {
	mu         sync.Mutex
	iterations int
	latencies  []float64
	losses     []float64
}

func (m *MockMetrics) IterationsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations++
}

func (m *MockMetrics) IterationLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, v)
}

func (m *MockMetrics) TrainLossSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.losses = append(m.losses, v)
}

func (m *MockMetrics) Iterations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iterations
}

func (m *MockMetrics) Losses() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.losses...)
}
