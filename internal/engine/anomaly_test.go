package engine

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/aegisgate/gateway-service/internal/models"
)

func baselineVectors(n int) []models.FeatureVector {
	rng := rand.New(rand.NewSource(42))
	out := make([]models.FeatureVector, n)
	for i := range out {
		out[i] = models.FeatureVector{
			TotalRequests:        10 + rng.Intn(3),
			UniqueEndpoints:      1,
			InterArrivalVariance: 0.002 + rng.Float64()*0.002,
			RequestsPerSecond:    0.1 + rng.Float64()*0.05,
		}
	}
	return out
}

func TestScoreBeforeFitReturnsNotReady(t *testing.T) {
	s := NewScorer(64, 2)

	if s.Ready() {
		t.Fatal("fresh scorer reports ready")
	}
	_, err := s.Score("c1", time.Now(), models.FeatureVector{TotalRequests: 5})
	if !errors.Is(err, ErrModelNotReady) {
		t.Fatalf("got err %v, want ErrModelNotReady", err)
	}
}

func TestFitRejectsTinyBaseline(t *testing.T) {
	s := NewScorer(64, 5)
	err := s.Fit(baselineVectors(3))
	if !errors.Is(err, ErrInsufficientBaseline) {
		t.Fatalf("got err %v, want ErrInsufficientBaseline", err)
	}
	if s.Ready() {
		t.Fatal("scorer became ready from rejected fit")
	}
}

func TestScoreOrdersOutliersBelowBaseline(t *testing.T) {
	s := NewScorer(64, 2)
	if err := s.Fit(baselineVectors(50)); err != nil {
		t.Fatalf("fit: %v", err)
	}

	normal, err := s.Score("c1", time.Now(), models.FeatureVector{
		TotalRequests:        11,
		UniqueEndpoints:      1,
		InterArrivalVariance: 0.003,
		RequestsPerSecond:    0.12,
	})
	if err != nil {
		t.Fatalf("score normal: %v", err)
	}

	outlier, err := s.Score("c1", time.Now(), models.FeatureVector{
		TotalRequests:        500,
		UniqueEndpoints:      40,
		InterArrivalVariance: 9.5,
		RequestsPerSecond:    8.3,
		EndpointEntropy:      5.2,
		BlockedRatio:         0.9,
	})
	if err != nil {
		t.Fatalf("score outlier: %v", err)
	}

	if outlier.Score >= normal.Score {
		t.Fatalf("outlier score %v not below baseline score %v", outlier.Score, normal.Score)
	}
	if outlier.Score >= -0.4 {
		t.Errorf("flood window scored %v, expected below the -0.4 anomaly threshold", outlier.Score)
	}
	if normal.ModelVersion == "" {
		t.Error("score missing model version")
	}
}

func TestRefitSwapsModelVersion(t *testing.T) {
	s := NewScorer(64, 2)
	if err := s.Fit(baselineVectors(10)); err != nil {
		t.Fatalf("fit: %v", err)
	}
	first, _ := s.Score("c1", time.Now(), models.FeatureVector{TotalRequests: 10})

	for _, fv := range baselineVectors(30) {
		s.Observe(fv)
	}
	if err := s.Refit(); err != nil {
		t.Fatalf("refit: %v", err)
	}
	second, _ := s.Score("c1", time.Now(), models.FeatureVector{TotalRequests: 10})

	if first.ModelVersion == second.ModelVersion {
		t.Fatalf("model version unchanged after refit: %s", first.ModelVersion)
	}
}

func TestRefitBeforeEnoughObservations(t *testing.T) {
	s := NewScorer(64, 10)
	s.Observe(models.FeatureVector{TotalRequests: 1})
	if err := s.Refit(); !errors.Is(err, ErrInsufficientBaseline) {
		t.Fatalf("got err %v, want ErrInsufficientBaseline", err)
	}
}

func TestConcurrentFitAndScore(t *testing.T) {
	s := NewScorer(256, 2)
	if err := s.Fit(baselineVectors(20)); err != nil {
		t.Fatalf("fit: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if err := s.Fit(baselineVectors(20)); err != nil {
				t.Errorf("fit: %v", err)
			}
		}
		close(stop)
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				sc, err := s.Score("c1", time.Now(), models.FeatureVector{TotalRequests: 10})
				if err != nil {
					t.Errorf("score during fit: %v", err)
					return
				}
				if sc.ModelVersion == "" {
					t.Error("score observed partially-installed model")
					return
				}
			}
		}()
	}
	wg.Wait()
}
