package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"guesty_sync/internal/adapters/observability"
	"guesty_sync/internal/adapters/webhook"
)

func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return http.TimeoutHandler(next, d, "timeout") }
}

// ---- status-recording ResponseWriter ----

type srw struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *srw) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *srw) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *srw) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// ---- Metrics middleware ----

func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &srw{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.ObserveHTTP(route, r.Method, sw.Status(), time.Since(start))
	})
}

// ---- Structured logging middleware ----

func Logger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &srw{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			l.Info().
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("route", route).
				Str("method", r.Method).
				Int("status", sw.Status()).
				Dur("duration", time.Since(start)).
				Str("remote", remoteIP(r)).
				Str("ua", r.UserAgent()).
				Msg("http_request")
		})
	}
}

// Picks first X-Forwarded-For IP, else X-Real-IP, else RemoteAddr host.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// ---- Webhook signature verification ----

// WebhookAuth configures VerifyWebhook. SkipVerify must only be set in development.
type WebhookAuth struct {
	Secret     string
	SkipVerify bool
	MaxBody    int64
}

type rawBodyKey struct{}

// RawBody returns the exact bytes VerifyWebhook checked.
func RawBody(ctx context.Context) []byte {
	b, _ := ctx.Value(rawBodyKey{}).([]byte)
	return b
}

// VerifyWebhook reads the body as raw bytes before anything parses it, checks
// the HMAC header against it and hands the same bytes downstream.
func VerifyWebhook(a WebhookAuth) func(http.Handler) http.Handler {
	if a.MaxBody <= 0 {
		a.MaxBody = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.Secret == "" && !a.SkipVerify {
				log.Error().Msg("webhook secret is not configured")
				observability.ObserveWebhook("", "unconfigured")
				writeProblem(w, http.StatusInternalServerError, "Webhook Not Configured", "webhook secret is not configured")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.MaxBody))
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					writeProblem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "webhook body too large")
					return
				}
				writeProblem(w, http.StatusBadRequest, "Invalid Payload", "could not read webhook body")
				return
			}

			if a.SkipVerify {
				log.Warn().Msg("webhook signature verification skipped (development mode)")
			} else if !webhook.VerifySignature(body, r.Header.Get(webhook.SignatureHeader), a.Secret) {
				log.Warn().Str("remote", remoteIP(r)).Msg("webhook signature rejected")
				observability.ObserveWebhook("", "unauthorized")
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid or missing webhook signature")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), rawBodyKey{}, body)))
		})
	}
}
