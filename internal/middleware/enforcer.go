package middleware

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/aegisgate/gateway-service/internal/engine"
	"github.com/aegisgate/gateway-service/internal/models"
	"github.com/aegisgate/gateway-service/internal/util/logger"
)

// Decider is the decision surface the enforcement middleware needs.
type Decider interface {
	Handle(ctx context.Context, req engine.DecisionRequest) (models.Decision, error)
}

// EnforcerConfig controls client identification and enforcement responses.
type EnforcerConfig struct {
	// IdentityHeader names the header carrying the client identity.
	// Requests without it fall back to the remote address.
	IdentityHeader string
}

// Enforcer gates every proxied request through the decision pipeline.
// Allowed requests continue down the chain with the correlation id stamped;
// throttled and blocked requests are answered here and never reach the
// backend.
type Enforcer struct {
	decider Decider
	cfg     EnforcerConfig
}

func NewEnforcer(decider Decider, cfg EnforcerConfig) *Enforcer {
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = "X-API-Key"
	}
	return &Enforcer{decider: decider, cfg: cfg}
}

func (e *Enforcer) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get(e.cfg.IdentityHeader)
		if clientID == "" {
			clientID = r.RemoteAddr
		}

		dec, err := e.decider.Handle(r.Context(), engine.DecisionRequest{
			ClientID:  clientID,
			Endpoint:  r.URL.Path,
			Method:    r.Method,
			Timestamp: time.Now(),
		})
		if err != nil {
			logger.Error("enforcement decision failed for %s: %v", clientID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-Correlation-ID", dec.CorrelationID)
		if dec.Outcome != models.OutcomeAllow {
			writeDecision(w, dec)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeDecision(w http.ResponseWriter, dec models.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dec.StatusCode)
	body := `{"outcome":"` + string(dec.Outcome) + `","reason":"` + dec.Reason + `","correlation_id":"` + dec.CorrelationID + `"}`
	_, _ = w.Write([]byte(body))
}

// NewBackendProxy builds the reverse proxy handler that forwards allowed
// requests to the protected backend.
func NewBackendProxy(backendURL string) (http.Handler, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("backend proxy error for %s %s: %v", r.Method, r.URL.Path, err)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"backend unavailable"}`))
	}
	return proxy, nil
}
