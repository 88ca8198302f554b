package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"guesty_sync/internal/adapters/observability"
	"guesty_sync/internal/domain"
	"guesty_sync/internal/shared"
)

// WebhookEvent is the Guesty push envelope: {eventId, event: "<entity>.<action>", data}.
type WebhookEvent struct {
	EventID string         `json:"eventId"`
	Event   string         `json:"event" validate:"required,contains=."`
	Data    map[string]any `json:"data" validate:"required"`
}

type WebhookResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Ignored bool   `json:"ignored,omitempty"`
	// Rejected marks a payload that can never be processed; redelivering it
	// will not help.
	Rejected bool `json:"rejected,omitempty"`
}

type WebhookService struct {
	repo domain.MirrorRepository
	logs *syncLogWriter
	now  func() time.Time
}

// WithClock replaces the time source; used by tests.
func (s *WebhookService) WithClock(now func() time.Time) *WebhookService {
	s.now = now
	return s
}

func NewWebhookService(r domain.MirrorRepository, l domain.SyncLogRepository, cache domain.Cache) *WebhookService {
	s := &WebhookService{repo: r, now: time.Now}
	s.logs = &syncLogWriter{repo: l, cache: cache, now: func() time.Time { return s.now() }}
	return s
}

// Dispatch routes a verified envelope to the matching processor. Unknown events are
// acknowledged so the vendor does not keep redelivering them.
func (s *WebhookService) Dispatch(ctx context.Context, ev WebhookEvent) WebhookResult {
	if err := shared.Validate(ev); err != nil {
		observability.ObserveWebhook(ev.Event, "invalid")
		verr := &domain.ValidationError{Field: "webhook payload", Reason: err.Error()}
		if t, ok := webhookSyncType(ev.Event); ok {
			return s.fail(ctx, t, s.now().UTC(), verr)
		}
		log.Warn().Err(verr).Str("event", ev.Event).Str("event_id", ev.EventID).Msg("webhook rejected")
		return WebhookResult{Success: false, Rejected: true, Message: verr.Error()}
	}

	entity, action, _ := strings.Cut(strings.ToLower(ev.Event), ".")
	var res WebhookResult
	switch {
	case isEntity(entity, "listing", "property") && isAction(action, "new", "created", "updated"):
		res = s.ProcessPropertyWebhook(ctx, ev.Data)
	case isEntity(entity, "listing", "property") && isAction(action, "removed", "deleted"):
		res = s.ProcessPropertyDeletion(ctx, ev.Data)
	case isEntity(entity, "reservation") && isAction(action, "new", "created", "updated"):
		res = s.ProcessReservationWebhook(ctx, ev.Data)
	case isEntity(entity, "reservation") && isAction(action, "removed", "deleted"):
		res = s.ProcessReservationDeletion(ctx, ev.Data)
	default:
		log.Info().Str("event", ev.Event).Str("event_id", ev.EventID).Msg("ignoring unsupported webhook event")
		observability.ObserveWebhook(ev.Event, "ignored")
		return WebhookResult{Success: true, Ignored: true, Message: "event " + ev.Event + " ignored"}
	}

	outcome := "ok"
	switch {
	case res.Rejected:
		outcome = "invalid"
	case !res.Success:
		outcome = "error"
	}
	observability.ObserveWebhook(ev.Event, outcome)
	log.Info().
		Str("event", ev.Event).
		Str("event_id", ev.EventID).
		Bool("success", res.Success).
		Str("message", res.Message).
		Msg("webhook processed")
	return res
}

// webhookSyncType is the SyncLog type for an event name, when its entity is one
// the service tracks.
func webhookSyncType(event string) (domain.SyncType, bool) {
	entity, _, found := strings.Cut(strings.ToLower(event), ".")
	switch {
	case !found:
		return "", false
	case isEntity(entity, "listing", "property"):
		return domain.SyncTypeWebhookProperty, true
	case isEntity(entity, "reservation"):
		return domain.SyncTypeWebhookReservation, true
	}
	return "", false
}

func isEntity(got string, want ...string) bool { return contains(want, got) }
func isAction(got string, want ...string) bool { return contains(want, got) }

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (s *WebhookService) ProcessPropertyWebhook(ctx context.Context, payload map[string]any) (res WebhookResult) {
	started := s.now().UTC()
	defer s.contain(ctx, domain.SyncTypeWebhookProperty, started, &res)

	incoming, err := mapProperty(payload)
	if err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookProperty, started, err)
	}
	merged, created, err := upsertProperty(ctx, s.repo, incoming, s.now().UTC())
	if err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookProperty, started, err)
	}

	verb := "updated"
	if created {
		verb = "created"
	}
	msg := fmt.Sprintf("property %s %s", merged.Label(), verb)
	s.record(ctx, domain.SyncTypeWebhookProperty, started, 1, "", msg)
	return WebhookResult{Success: true, Message: msg}
}

func (s *WebhookService) ProcessReservationWebhook(ctx context.Context, payload map[string]any) (res WebhookResult) {
	started := s.now().UTC()
	defer s.contain(ctx, domain.SyncTypeWebhookReservation, started, &res)

	incoming, err := mapReservation(payload)
	if err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookReservation, started, err)
	}
	merged, created, err := upsertReservation(ctx, s.repo, incoming, s.now().UTC())
	if err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookReservation, started, err)
	}

	verb := "updated"
	if created {
		verb = "created"
	}
	msg := fmt.Sprintf("reservation %s %s", merged.Label(), verb)
	s.record(ctx, domain.SyncTypeWebhookReservation, started, 1, "", msg)
	return WebhookResult{Success: true, Message: msg}
}

func (s *WebhookService) ProcessPropertyDeletion(ctx context.Context, payload map[string]any) (res WebhookResult) {
	started := s.now().UTC()
	defer s.contain(ctx, domain.SyncTypeWebhookProperty, started, &res)

	id, err := vendorID(payload, propertyAliases)
	if err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookProperty, started, err)
	}
	existing, err := s.repo.GetPropertyByGuestyID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && existing == nil) {
		msg := fmt.Sprintf("property %s not found locally, nothing to delete", id)
		s.record(ctx, domain.SyncTypeWebhookProperty, started, 0, "", msg)
		return WebhookResult{Success: true, Message: msg}
	}
	if err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookProperty, started, fmt.Errorf("lookup property %s: %w", id, err))
	}
	if err := s.repo.DeleteProperty(ctx, id); err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookProperty, started, fmt.Errorf("delete property %s: %w", id, err))
	}

	msg := fmt.Sprintf("property %s deleted", existing.Label())
	s.record(ctx, domain.SyncTypeWebhookProperty, started, 1, "", msg)
	return WebhookResult{Success: true, Message: msg}
}

func (s *WebhookService) ProcessReservationDeletion(ctx context.Context, payload map[string]any) (res WebhookResult) {
	started := s.now().UTC()
	defer s.contain(ctx, domain.SyncTypeWebhookReservation, started, &res)

	id, err := vendorID(payload, reservationAliases)
	if err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookReservation, started, err)
	}
	existing, err := s.repo.GetReservationByGuestyID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && existing == nil) {
		msg := fmt.Sprintf("reservation %s not found locally, nothing to delete", id)
		s.record(ctx, domain.SyncTypeWebhookReservation, started, 0, "", msg)
		return WebhookResult{Success: true, Message: msg}
	}
	if err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookReservation, started, fmt.Errorf("lookup reservation %s: %w", id, err))
	}
	if err := s.repo.DeleteReservation(ctx, id); err != nil {
		return s.fail(ctx, domain.SyncTypeWebhookReservation, started, fmt.Errorf("delete reservation %s: %w", id, err))
	}

	msg := fmt.Sprintf("reservation %s deleted", existing.Label())
	s.record(ctx, domain.SyncTypeWebhookReservation, started, 1, "", msg)
	return WebhookResult{Success: true, Message: msg}
}

func (s *WebhookService) fail(ctx context.Context, t domain.SyncType, started time.Time, err error) WebhookResult {
	log.Warn().Err(err).Str("sync_type", string(t)).Msg("webhook processing failed")
	s.record(ctx, t, started, 0, err.Error(), "")
	var ve *domain.ValidationError
	return WebhookResult{Success: false, Rejected: errors.As(err, &ve), Message: err.Error()}
}

func (s *WebhookService) record(ctx context.Context, t domain.SyncType, started time.Time, processed int, errMsg, notes string) {
	if err := s.logs.single(ctx, t, started, processed, errMsg, notes); err != nil {
		log.Error().Err(err).Str("sync_type", string(t)).Msg("write webhook sync log failed")
	}
}

// contain turns a panic inside a processor into a failed result.
func (s *WebhookService) contain(ctx context.Context, t domain.SyncType, started time.Time, res *WebhookResult) {
	if r := recover(); r != nil {
		*res = s.fail(ctx, t, started, fmt.Errorf("panic: %v", r))
	}
}
