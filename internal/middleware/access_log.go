package middleware

import (
	"net/http"
	"time"

	"github.com/aegisgate/gateway-service/internal/util/logger"
)

// AccessLogMW logs every request after it completes, with the status the
// chain actually wrote.
type AccessLogMW struct {
	identityHeader string
}

func NewAccessLogMW(identityHeader string) *AccessLogMW {
	if identityHeader == "" {
		identityHeader = "X-API-Key"
	}
	return &AccessLogMW{identityHeader: identityHeader}
}

func (m *AccessLogMW) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		clientID := r.Header.Get(m.identityHeader)
		logger.Info("request path=%s method=%s status=%d client=%s latency_ms=%d",
			r.URL.Path, r.Method, ww.status, clientID, time.Since(start).Milliseconds())
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
