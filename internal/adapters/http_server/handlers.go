package httpserver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"guesty_sync/internal/app"
	"guesty_sync/internal/domain"
	"guesty_sync/internal/shared"
)

// SyncRunner opens a run and checks its quota before returning; a refused run
// comes back with status rate_limited and its SyncLog already written.
type SyncRunner interface {
	StartProperties(ctx context.Context) (app.SyncResult, error)
	StartReservations(ctx context.Context, opts app.ReservationSyncOptions) (app.SyncResult, error)
}

type WebhookDispatcher interface {
	Dispatch(ctx context.Context, ev app.WebhookEvent) app.WebhookResult
}

type Queries interface {
	GetSyncStatus(ctx context.Context) (app.SyncStatus, error)
	GetAllSyncLogs(ctx context.Context, limit int) ([]domain.SyncLog, error)
	GetSyncLog(ctx context.Context, id string) (domain.SyncLog, error)
	RateLimitStatus(ctx context.Context) domain.RateLimitStatus
	ListProperties(ctx context.Context, q domain.PropertiesQuery) ([]domain.Property, error)
	GetProperty(ctx context.Context, guestyID string) (domain.Property, error)
	ListReservations(ctx context.Context, q domain.ReservationsQuery) ([]domain.Reservation, error)
	GetReservation(ctx context.Context, guestyID string) (domain.Reservation, error)
}

type Credentials interface {
	SetCredentials(clientID, clientSecret string)
	CheckCredentials(ctx context.Context) error
}

type Handlers struct {
	Sync        SyncRunner
	Webhooks    WebhookDispatcher
	Q           Queries
	Credentials Credentials
	Webhook     WebhookAuth
	// Ready reports storage/cache health for /healthz; nil means always ready.
	Ready       func(ctx context.Context) error
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	SyncLogID              string     `json:"syncLogId,omitempty"`
	RequiredRequests       *int       `json:"requiredRequests,omitempty"`
	RequestsRemaining      *int       `json:"requestsRemaining,omitempty"`
	NextAvailableTimestamp *time.Time `json:"nextAvailableTimestamp,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", h.healthz)

	s.mux.Route("/api", func(r chi.Router) {
		r.Route("/guesty", func(r chi.Router) {
			r.With(s.webhookLimit, VerifyWebhook(h.Webhook)).Post("/webhook", h.webhook)

			r.Group(func(r chi.Router) {
				r.Use(Timeout(s.timeout))
				r.With(s.triggerLimit).Post("/sync/properties", h.syncProperties)
				r.With(s.triggerLimit).Post("/sync/reservations", h.syncReservations)
				r.Get("/sync/status", h.syncStatus)
				r.Get("/sync/logs", h.syncLogs)
				r.Get("/sync/logs/{id}", h.syncLog)
				r.Get("/rate-limit", h.rateLimit)
				r.Put("/credentials", h.putCredentials)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(Timeout(s.timeout))
			r.Get("/properties", h.listProperties)
			r.Get("/properties/{id}", h.getProperty)
			r.Get("/reservations", h.listReservations)
			r.Get("/reservations/{id}", h.getReservation)
		})
	})
}

/********** helpers **********/

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	writeProblemBody(w, problem{Title: title, Status: status, Detail: detail})
}

func writeProblemBody(w http.ResponseWriter, p problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// writeError maps service errors onto problem responses.
func writeError(w http.ResponseWriter, err error, what string) {
	var rl *domain.RateLimitError
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", what+" not found")
	case errors.As(err, &rl):
		rem := rl.RequestsRemaining
		writeProblemBody(w, problem{
			Title: "Rate Limited", Status: http.StatusTooManyRequests, Detail: err.Error(),
			RequestsRemaining: &rem, NextAvailableTimestamp: rl.NextAvailable,
		})
	case errors.As(err, &ve):
		writeProblem(w, http.StatusBadRequest, "Invalid Request", ve.Error())
	case domain.IsAuthentication(err):
		writeProblem(w, http.StatusBadGateway, "Guesty Authentication Failed", err.Error())
	default:
		log.Error().Err(err).Str("what", what).Msg("request failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "unexpected error")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	return `W/"` + hex.EncodeToString(sum[:]) + `"`, body
}

// writeCacheable serves v with a weak ETag and honours If-None-Match.
func writeCacheable(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	if etag != "" {
		w.Header().Set("ETag", etag)
		if inm := r.Header.Get("If-None-Match"); inm == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(body, '\n')); err != nil {
		log.Error().Err(err).Msg("failed to write response body")
	}
}

func queryInt(r *http.Request, key string, def, lo, hi int) (int, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func queryStr(r *http.Request, key string) *string {
	if s := strings.TrimSpace(r.URL.Query().Get(key)); s != "" {
		return &s
	}
	return nil
}

// decodeBody reads an optional JSON body; an empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

/********** health **********/

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

/********** webhook **********/

func (h *Handlers) webhook(w http.ResponseWriter, r *http.Request) {
	var ev app.WebhookEvent
	if err := json.Unmarshal(RawBody(r.Context()), &ev); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Payload", "webhook body is not valid JSON")
		return
	}
	res := h.Webhooks.Dispatch(r.Context(), ev)
	// Guesty redelivers on any non-2xx, which only helps transient failures
	if !res.Success && !res.Rejected {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

/********** sync triggers **********/

type syncAccepted struct {
	SyncLogID         string            `json:"syncLogId"`
	SyncType          domain.SyncType   `json:"syncType"`
	Status            domain.SyncStatus `json:"status"`
	RequiredRequests  int               `json:"requiredRequests"`
	RequestsRemaining int               `json:"requestsRemaining"`
}

// started answers a sync trigger: 202 for a run now in the background, 429
// with the quota details for one refused up front.
func started(w http.ResponseWriter, res app.SyncResult, err error) {
	if err != nil {
		writeError(w, err, "sync")
		return
	}
	pre := res.Preflight
	if res.Status == domain.SyncRateLimited {
		req, rem := pre.RequiredRequests, pre.RequestsRemaining
		writeProblemBody(w, problem{
			Title:                  "Rate Limited",
			Status:                 http.StatusTooManyRequests,
			Detail:                 "not enough Guesty quota left for this sync",
			SyncLogID:              res.SyncLogID,
			RequiredRequests:       &req,
			RequestsRemaining:      &rem,
			NextAvailableTimestamp: pre.NextAvailableTimestamp,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, syncAccepted{
		SyncLogID: res.SyncLogID, SyncType: res.SyncType, Status: res.Status,
		RequiredRequests: pre.RequiredRequests, RequestsRemaining: pre.RequestsRemaining,
	})
}

func (h *Handlers) syncProperties(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync.StartProperties(r.Context())
	started(w, res, err)
}

func (h *Handlers) syncReservations(w http.ResponseWriter, r *http.Request) {
	var opts app.ReservationSyncOptions
	if err := decodeBody(r, &opts); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "body must be a JSON object")
		return
	}
	if err := shared.Validate(opts); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if opts.From != nil && opts.To != nil && opts.To.Before(*opts.From) {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "to must not be before from")
		return
	}
	res, err := h.Sync.StartReservations(r.Context(), opts)
	started(w, res, err)
}

/********** status & logs **********/

type syncStatusResponse struct {
	RateLimit domain.RateLimitStatus              `json:"rateLimit"`
	Latest    map[domain.SyncType]*domain.SyncLog `json:"latest"`
}

func (h *Handlers) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Q.GetSyncStatus(r.Context())
	if err != nil {
		writeError(w, err, "sync status")
		return
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{RateLimit: st.RateLimit, Latest: st.Latest})
}

func (h *Handlers) syncLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100, 1, 500)
	if !ok {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be an integer between 1 and 500")
		return
	}
	logs, err := h.Q.GetAllSyncLogs(r.Context(), limit)
	if err != nil {
		writeError(w, err, "sync logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (h *Handlers) syncLog(w http.ResponseWriter, r *http.Request) {
	l, err := h.Q.GetSyncLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "sync log")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handlers) rateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Q.RateLimitStatus(r.Context()))
}

type credentialsRequest struct {
	ClientID     string `json:"clientId" validate:"required"`
	ClientSecret string `json:"clientSecret" validate:"required"`
	// Verify performs a token exchange right away.
	Verify       bool   `json:"verify"`
}

func (h *Handlers) putCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "body must be a JSON object")
		return
	}
	if err := shared.Validate(req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	h.Credentials.SetCredentials(strings.TrimSpace(req.ClientID), strings.TrimSpace(req.ClientSecret))
	log.Info().Msg("guesty credentials updated")

	if req.Verify {
		if err := h.Credentials.CheckCredentials(r.Context()); err != nil {
			writeError(w, err, "credentials")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

/********** mirror reads **********/

func (h *Handlers) listProperties(w http.ResponseWriter, r *http.Request) {
	limit, ok1 := queryInt(r, "limit", 50, 1, 200)
	offset, ok2 := queryInt(r, "offset", 0, 0, 1<<30)
	if !ok1 || !ok2 {
		writeProblem(w, http.StatusBadRequest, "Invalid paging", "limit must be 1..200 and offset non-negative")
		return
	}
	items, err := h.Q.ListProperties(r.Context(), domain.PropertiesQuery{Q: queryStr(r, "q"), Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, err, "properties")
		return
	}
	writeCacheable(w, r, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handlers) getProperty(w http.ResponseWriter, r *http.Request) {
	p, err := h.Q.GetProperty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "property")
		return
	}
	writeCacheable(w, r, p)
}

func (h *Handlers) listReservations(w http.ResponseWriter, r *http.Request) {
	limit, ok1 := queryInt(r, "limit", 50, 1, 200)
	offset, ok2 := queryInt(r, "offset", 0, 0, 1<<30)
	if !ok1 || !ok2 {
		writeProblem(w, http.StatusBadRequest, "Invalid paging", "limit must be 1..200 and offset non-negative")
		return
	}
	items, err := h.Q.ListReservations(r.Context(), domain.ReservationsQuery{
		ListingID: queryStr(r, "listingId"),
		Status:    queryStr(r, "status"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, err, "reservations")
		return
	}
	writeCacheable(w, r, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handlers) getReservation(w http.ResponseWriter, r *http.Request) {
	rv, err := h.Q.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "reservation")
		return
	}
	writeCacheable(w, r, rv)
}
