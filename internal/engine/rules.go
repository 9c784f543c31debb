package engine

import (
	"net/http"

	"github.com/aegisgate/gateway-service/internal/config"
	"github.com/aegisgate/gateway-service/internal/models"
	"github.com/aegisgate/gateway-service/internal/window"
)

// Decision reasons, stable identifiers consumed by telemetry.
const (
	ReasonOK               = "ok"
	ReasonRateExceeded     = "rate_exceeded"
	ReasonRateWarning      = "rate_warning"
	ReasonWindowCap        = "window_cap_exceeded"
	ReasonAbusePattern     = "abuse_pattern"
	ReasonEndpointScan     = "endpoint_scan"
	ReasonAnomalyBan       = "anomaly_ban"
	ReasonDegradedMode     = "degraded_mode"
	ReasonStoreUnavailable = "store_unavailable"
)

// Decide evaluates the rule tiers over one window snapshot, first match
// wins. It is deterministic and pure: same snapshot and config, same
// decision. Limits trip at equality (count == limit already exceeds).
//
// A client with no prior events always gets ALLOW.
func Decide(snap window.Snapshot, cfg config.EnforcementConfig) models.Decision {
	total := len(snap.Events)

	if cfg.HardLimit > 0 && total >= cfg.HardLimit {
		return models.Decision{
			Outcome:    models.OutcomeBlock,
			Reason:     ReasonRateExceeded,
			StatusCode: http.StatusTooManyRequests,
		}
	}
	if cfg.SoftLimit > 0 && total >= cfg.SoftLimit {
		return models.Decision{
			Outcome:    models.OutcomeThrottle,
			Reason:     ReasonRateWarning,
			StatusCode: http.StatusTooManyRequests,
		}
	}
	if snap.CapExceeded {
		return models.Decision{
			Outcome:    models.OutcomeThrottle,
			Reason:     ReasonWindowCap,
			StatusCode: http.StatusTooManyRequests,
		}
	}

	if dec, ok := decideBehavioral(snap, cfg); ok {
		return dec
	}

	return models.Decision{
		Outcome:    models.OutcomeAllow,
		Reason:     ReasonOK,
		StatusCode: http.StatusOK,
	}
}

// decideBehavioral evaluates the optional pattern rules: repeated abuse and
// endpoint scanning. Both tiers are disabled unless configured.
func decideBehavioral(snap window.Snapshot, cfg config.EnforcementConfig) (models.Decision, bool) {
	abuseOn := cfg.AbuseBlockedRatio > 0 && cfg.AbuseMinRequests > 0
	scanOn := cfg.ScanMinEndpoints > 0 && cfg.ScanMinEntropy > 0
	if !abuseOn && !scanOn {
		return models.Decision{}, false
	}

	fv := ExtractFeatures(snap.Events, cfg.WindowDuration)

	if abuseOn && fv.BlockedRatio >= cfg.AbuseBlockedRatio && fv.TotalRequests >= cfg.AbuseMinRequests {
		return models.Decision{
			Outcome:    models.OutcomeBlock,
			Reason:     ReasonAbusePattern,
			StatusCode: http.StatusTooManyRequests,
		}, true
	}
	if scanOn && fv.UniqueEndpoints >= cfg.ScanMinEndpoints && fv.EndpointEntropy >= cfg.ScanMinEntropy {
		return models.Decision{
			Outcome:    models.OutcomeThrottle,
			Reason:     ReasonEndpointScan,
			StatusCode: http.StatusTooManyRequests,
		}, true
	}
	return models.Decision{}, false
}
