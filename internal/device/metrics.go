package device

import "time"

// latencyEMAWeight is the smoothing factor for the average latency gauge:
// avg' = avg*0.9 + sample*0.1, bootstrapped from the first sample.
const latencyEMAWeight = 0.1

// Metrics holds a device's runtime counters. They are owned and mutated
// exclusively by the device's run loop; readers take copies via Snapshot.
// Counters are non-decreasing except the gauge fields (CPUUtilization,
// MemoryUsedMB).
type Metrics struct {
	UptimeSeconds    float64
	CPUUtilization   float64
	MemoryUsedMB     float64
	InferenceCount   int64
	TokensProcessed  int64
	AverageLatencyMs float64
	ErrorCount       int64
	LastActivity     time.Time
}

// observeInference folds one completed inference into the counters.
func (m *Metrics) observeInference(elapsedMs float64, tokens int) {
	m.InferenceCount++
	m.TokensProcessed += int64(tokens)
	if m.AverageLatencyMs == 0 {
		m.AverageLatencyMs = elapsedMs
	} else {
		m.AverageLatencyMs = m.AverageLatencyMs*(1-latencyEMAWeight) + elapsedMs*latencyEMAWeight
	}
}
