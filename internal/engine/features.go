// Package engine holds the decision core: feature extraction, the rule
// engine, the anomaly scorer, the correlation ledger, and the pipeline that
// orchestrates them per request.
package engine

import (
	"math"
	"sort"
	"time"

	"github.com/aegisgate/gateway-service/internal/models"
)

// ExtractFeatures computes the behavioral feature vector for one window
// snapshot. It is a pure function; every ratio and the entropy are defined
// (zero) for an empty window.
func ExtractFeatures(events []models.RequestEvent, window time.Duration) models.FeatureVector {
	fv := models.FeatureVector{TotalRequests: len(events)}
	if len(events) == 0 {
		return fv
	}

	endpointCounts := make(map[string]int, len(events))
	var blocked, throttled int
	timestamps := make([]time.Time, len(events))
	for i, ev := range events {
		endpointCounts[ev.Endpoint]++
		timestamps[i] = ev.Timestamp
		switch ev.Outcome {
		case models.OutcomeBlock:
			blocked++
		case models.OutcomeThrottle:
			throttled++
		}
	}

	fv.UniqueEndpoints = len(endpointCounts)
	if window > 0 {
		fv.RequestsPerSecond = float64(len(events)) / window.Seconds()
	}
	fv.InterArrivalVariance = interArrivalVariance(timestamps)
	fv.EndpointEntropy = endpointEntropy(endpointCounts, len(events))

	total := float64(len(events))
	fv.BlockedRatio = float64(blocked) / total
	fv.ThrottledRatio = float64(throttled) / total
	return fv
}

// interArrivalVariance is the sample variance of consecutive timestamp
// deltas, in seconds squared. Fewer than two deltas yields 0.
func interArrivalVariance(timestamps []time.Time) float64 {
	if len(timestamps) < 3 {
		return 0
	}
	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	deltas := make([]float64, len(sorted)-1)
	var sum float64
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Sub(sorted[i-1]).Seconds()
		deltas[i-1] = d
		sum += d
	}

	mean := sum / float64(len(deltas))
	var ss float64
	for _, d := range deltas {
		ss += (d - mean) * (d - mean)
	}
	return ss / float64(len(deltas)-1)
}

// endpointEntropy is the base-2 Shannon entropy of the empirical endpoint
// distribution.
func endpointEntropy(counts map[string]int, total int) float64 {
	if total == 0 {
		return 0
	}
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
