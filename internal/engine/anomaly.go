package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegisgate/gateway-service/internal/models"
)

// ErrModelNotReady reports that no baseline has been fitted yet. Scoring is
// skipped and recorded as baseline_not_ready; it is not a failure.
var ErrModelNotReady = errors.New("anomaly model not ready")

// ErrInsufficientBaseline reports that a fit was attempted with too few
// samples to estimate a baseline.
var ErrInsufficientBaseline = errors.New("insufficient baseline samples")

// Model scores a feature vector against a learned baseline. Lower is more
// anomalous: values below -0.2 are suspicious, below -0.4 anomalous.
// Implementations are immutable values; the Scorer swaps whole models.
type Model interface {
	Score(fv models.FeatureVector) float64
	Version() string
}

// Scorer wraps the active model behind an atomic handle and keeps a bounded
// reservoir of recently observed vectors for periodic refits. Fit builds a
// fresh model value and swaps it in; concurrent Score calls see either the
// old or the new model, never a partial one.
type Scorer struct {
	model atomic.Value // Model

	mu        sync.Mutex
	reservoir []models.FeatureVector
	next      int
	filled    bool
	fits      uint64

	minSamples int
}

// NewScorer builds an untrained scorer. reservoirSize bounds the memory kept
// for refits; minSamples is the smallest baseline Fit accepts.
func NewScorer(reservoirSize, minSamples int) *Scorer {
	if reservoirSize <= 0 {
		reservoirSize = 512
	}
	if minSamples < 2 {
		minSamples = 2
	}
	return &Scorer{
		reservoir:  make([]models.FeatureVector, reservoirSize),
		minSamples: minSamples,
	}
}

// Ready reports whether a baseline has been fitted.
func (s *Scorer) Ready() bool {
	return s.model.Load() != nil
}

// Score scores one feature vector for the given client window. Before the
// first successful Fit it returns ErrModelNotReady.
func (s *Scorer) Score(clientID string, windowTS time.Time, fv models.FeatureVector) (models.AnomalyScore, error) {
	m, _ := s.model.Load().(Model)
	if m == nil {
		return models.AnomalyScore{}, ErrModelNotReady
	}
	return models.AnomalyScore{
		ClientID:        clientID,
		WindowTimestamp: windowTS,
		Score:           m.Score(fv),
		ModelVersion:    m.Version(),
	}, nil
}

// Observe records a vector into the refit reservoir.
func (s *Scorer) Observe(fv models.FeatureVector) {
	s.mu.Lock()
	s.reservoir[s.next] = fv
	s.next++
	if s.next == len(s.reservoir) {
		s.next = 0
		s.filled = true
	}
	s.mu.Unlock()
}

// Fit estimates a fresh baseline from the given vectors and atomically
// installs it as the active model.
func (s *Scorer) Fit(baseline []models.FeatureVector) error {
	if len(baseline) < s.minSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBaseline, len(baseline), s.minSamples)
	}

	s.mu.Lock()
	s.fits++
	version := fmt.Sprintf("baseline-v%d", s.fits)
	s.mu.Unlock()

	m := fitBaseline(baseline, version)
	s.model.Store(Model(m))
	return nil
}

// Refit rebuilds the baseline from the observation reservoir. It is a no-op
// (ErrInsufficientBaseline) until enough vectors have been observed.
func (s *Scorer) Refit() error {
	s.mu.Lock()
	var sample []models.FeatureVector
	if s.filled {
		sample = append(sample, s.reservoir...)
	} else {
		sample = append(sample, s.reservoir[:s.next]...)
	}
	s.mu.Unlock()

	return s.Fit(sample)
}

// baselineModel holds per-feature mean and standard deviation. The score is
// a shifted mean absolute z-distance mapped onto the scale the thresholds
// expect: around zero and above for baseline-like traffic, below -0.2 for
// suspicious windows, below -0.4 for anomalous ones.
type baselineModel struct {
	means   [featureDims]float64
	stddevs [featureDims]float64
	version string
}

const featureDims = 7

func featureValues(fv models.FeatureVector) [featureDims]float64 {
	return [featureDims]float64{
		float64(fv.TotalRequests),
		float64(fv.UniqueEndpoints),
		fv.InterArrivalVariance,
		fv.RequestsPerSecond,
		fv.EndpointEntropy,
		fv.BlockedRatio,
		fv.ThrottledRatio,
	}
}

func fitBaseline(baseline []models.FeatureVector, version string) *baselineModel {
	m := &baselineModel{version: version}
	n := float64(len(baseline))

	for _, fv := range baseline {
		vals := featureValues(fv)
		for i, v := range vals {
			m.means[i] += v
		}
	}
	for i := range m.means {
		m.means[i] /= n
	}

	for _, fv := range baseline {
		vals := featureValues(fv)
		for i, v := range vals {
			d := v - m.means[i]
			m.stddevs[i] += d * d
		}
	}
	for i := range m.stddevs {
		m.stddevs[i] = math.Sqrt(m.stddevs[i] / n)
		// Floor keeps features that are constant in the baseline from
		// turning any tiny deviation into an infinite distance.
		if m.stddevs[i] < 0.05 {
			m.stddevs[i] = 0.05
		}
	}
	return m
}

func (m *baselineModel) Score(fv models.FeatureVector) float64 {
	vals := featureValues(fv)
	var sum float64
	for i, v := range vals {
		sum += math.Abs(v-m.means[i]) / m.stddevs[i]
	}
	meanZ := sum / featureDims
	// meanZ ~= 1 within baseline, ~4 suspicious, ~6 anomalous.
	return (2.0 - meanZ) / 10.0
}

func (m *baselineModel) Version() string {
	return m.version
}
