package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"guesty_sync/internal/adapters/observability"
	"guesty_sync/internal/domain"
)

// BatchLimiter is the pre-flight quota check the sync runs consult.
type BatchLimiter interface {
	CheckBatchRateLimit(ctx context.Context, required int) domain.BatchRateLimitStatus
}

type SyncConfig struct {
	PageSize              int
	PageDelay             time.Duration
	// Default check-in window for reservation sweeps in date-range mode.
	ReservationsDaysBack  int
	ReservationsDaysAhead int
}

// ReservationSyncOptions selects how reservations are fetched. PropertyIDs (or
// AllProperties) costs one call per property; otherwise a single paged sweep over a
// check-in window is used.
type ReservationSyncOptions struct {
	PropertyIDs   []string   `json:"propertyIds" validate:"omitempty,max=50,dive,required"`
	AllProperties bool       `json:"allProperties"`
	From          *time.Time `json:"from"`
	To            *time.Time `json:"to"`
}

type SyncResult struct {
	SyncLogID      string            `json:"syncLogId"`
	SyncType       domain.SyncType   `json:"syncType"`
	Status         domain.SyncStatus `json:"status"`
	ItemsProcessed int               `json:"itemsProcessed"`
	ItemsTotal     int               `json:"itemsTotal"`
	Errors         []string          `json:"errors"`
	NextAvailable  *time.Time        `json:"nextAvailableTimestamp,omitempty"`

	// Preflight is the quota check the run started with.
	Preflight domain.BatchRateLimitStatus `json:"-"`
}

type SyncService struct {
	client  domain.GuestyClient
	repo    domain.MirrorRepository
	limiter BatchLimiter
	logs    *syncLogWriter
	cfg     SyncConfig
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool

	// background runs started by Start* outlive the triggering request
	bg context.Context
	wg sync.WaitGroup
}

func NewSyncService(c domain.GuestyClient, r domain.MirrorRepository, l domain.SyncLogRepository,
	limiter BatchLimiter, cache domain.Cache, cfg SyncConfig) *SyncService {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.ReservationsDaysBack <= 0 {
		cfg.ReservationsDaysBack = 30
	}
	if cfg.ReservationsDaysAhead <= 0 {
		cfg.ReservationsDaysAhead = 365
	}
	s := &SyncService{client: c, repo: r, limiter: limiter, cfg: cfg, now: time.Now, sleep: sleepCtx, bg: context.Background()}
	s.logs = &syncLogWriter{repo: l, cache: cache, now: func() time.Time { return s.now() }}
	return s
}

// WithClock replaces the time source; used by tests.
func (s *SyncService) WithClock(now func() time.Time) *SyncService {
	s.now = now
	return s
}

// WithBackground sets the parent context of background runs; cancelling it
// interrupts them between pages.
func (s *SyncService) WithBackground(ctx context.Context) *SyncService {
	s.bg = ctx
	return s
}

// Wait blocks until every background run has finished.
func (s *SyncService) Wait() { s.wg.Wait() }

func (s *SyncService) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("background sync panicked")
			}
		}()
		fn(s.bg)
	}()
}

// SyncProperties pages through every Guesty listing and upserts the mirror.
func (s *SyncService) SyncProperties(ctx context.Context) (SyncResult, error) {
	l, err := s.open(ctx, domain.SyncTypeProperties)
	if err != nil {
		return failedResult(domain.SyncTypeProperties, err), err
	}
	run := s.begin(ctx, l, 1)
	if run.done {
		return run.result(), nil
	}
	return s.runProperties(ctx, run)
}

// StartProperties opens the run's SyncLog and does the quota check in the
// caller's goroutine, then continues in the background. A refused run comes
// back already finalized as rate_limited.
func (s *SyncService) StartProperties(ctx context.Context) (SyncResult, error) {
	l, err := s.open(ctx, domain.SyncTypeProperties)
	if err != nil {
		return failedResult(domain.SyncTypeProperties, err), err
	}
	run := s.begin(ctx, l, 1)
	res := run.result()
	if run.done {
		return res, nil
	}
	s.spawn(func(ctx context.Context) { _, _ = s.runProperties(ctx, run) })
	return res, nil
}

func (s *SyncService) runProperties(ctx context.Context, run *syncRun) (SyncResult, error) {
	s.paginate(ctx, run, nil, s.client.GetProperties, s.saveProperty)
	return s.end(ctx, run)
}

// SyncReservations refreshes reservations either per property or by check-in window.
func (s *SyncService) SyncReservations(ctx context.Context, opts ReservationSyncOptions) (SyncResult, error) {
	l, err := s.open(ctx, domain.SyncTypeReservations)
	if err != nil {
		return failedResult(domain.SyncTypeReservations, err), err
	}
	run, ids := s.prepareReservations(ctx, l, opts)
	if run.done {
		return run.result(), nil
	}
	return s.runReservations(ctx, run, ids, opts)
}

// StartReservations is SyncReservations in the background, with the same
// synchronous quota check as StartProperties.
func (s *SyncService) StartReservations(ctx context.Context, opts ReservationSyncOptions) (SyncResult, error) {
	l, err := s.open(ctx, domain.SyncTypeReservations)
	if err != nil {
		return failedResult(domain.SyncTypeReservations, err), err
	}
	run, ids := s.prepareReservations(ctx, l, opts)
	if run.done {
		return run.result(), nil
	}
	if run.fatal != nil {
		return s.end(ctx, run)
	}
	res := run.result()
	s.spawn(func(ctx context.Context) { _, _ = s.runReservations(ctx, run, ids, opts) })
	return res, nil
}

// prepareReservations resolves the properties a run covers and checks the
// quota for one call per property.
func (s *SyncService) prepareReservations(ctx context.Context, l domain.SyncLog, opts ReservationSyncOptions) (*syncRun, []string) {
	ids := opts.PropertyIDs
	if len(ids) == 0 && opts.AllProperties {
		all, err := s.repo.ListPropertyIDs(ctx)
		if err != nil {
			run := s.begin(ctx, l, 0)
			if !run.done {
				run.fail(fmt.Errorf("list local properties: %w", err))
			}
			return run, nil
		}
		ids = all
	}
	return s.begin(ctx, l, max(len(ids), 1)), ids
}

func (s *SyncService) runReservations(ctx context.Context, run *syncRun, ids []string, opts ReservationSyncOptions) (SyncResult, error) {
	if run.fatal != nil {
		return s.end(ctx, run)
	}
	if len(ids) == 0 {
		if opts.AllProperties {
			run.note = "no local properties to sync reservations for"
			return s.end(ctx, run)
		}
		s.paginate(ctx, run, s.checkInWindow(opts), s.client.GetReservations, s.saveReservation(""))
		return s.end(ctx, run)
	}

	for i, id := range ids {
		if run.halted() {
			break
		}
		if i > 0 && !s.sleep(ctx, s.cfg.PageDelay) {
			run.fail(fmt.Errorf("sync interrupted: %w", ctx.Err()))
			break
		}
		filters := []domain.Filter{{Field: "listingId", Operator: "$eq", Value: id}}
		run.firstPage = true
		s.paginate(ctx, run, filters, s.client.GetReservations, s.saveReservation(id))
	}
	return s.end(ctx, run)
}

func (s *SyncService) checkInWindow(opts ReservationSyncOptions) []domain.Filter {
	now := s.now().UTC()
	from := now.AddDate(0, 0, -s.cfg.ReservationsDaysBack)
	to := now.AddDate(0, 0, s.cfg.ReservationsDaysAhead)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if opts.To != nil {
		to = opts.To.UTC()
	}
	return []domain.Filter{{
		Field:    "checkIn",
		Operator: "$between",
		From:     from.Format("2006-01-02"),
		To:       to.Format("2006-01-02"),
	}}
}

/********** run bookkeeping **********/

type syncRun struct {
	log         domain.SyncLog
	errs        []string
	next        *time.Time
	note        string
	done        bool
	rateLimited bool
	fatal       error
	firstPage   bool
	pages       int
	preflight   domain.BatchRateLimitStatus
}

func (r *syncRun) halted() bool { return r.rateLimited || r.fatal != nil }

func (r *syncRun) fail(err error) {
	r.fatal = err
	r.errs = append(r.errs, err.Error())
}

func (r *syncRun) result() SyncResult {
	errs := r.errs
	if errs == nil {
		errs = []string{}
	}
	return SyncResult{
		SyncLogID:      r.log.ID,
		SyncType:       r.log.SyncType,
		Status:         r.log.Status,
		ItemsProcessed: r.log.ItemsProcessed,
		ItemsTotal:     r.log.ItemsTotal,
		Errors:         errs,
		NextAvailable:  r.next,
		Preflight:      r.preflight,
	}
}

// open creates the pending SyncLog a run reports into.
func (s *SyncService) open(ctx context.Context, t domain.SyncType) (domain.SyncLog, error) {
	l, err := s.logs.start(ctx, t, domain.SyncPending)
	if err != nil {
		log.Error().Err(err).Str("sync_type", string(t)).Msg("create sync log failed")
		return domain.SyncLog{}, fmt.Errorf("create sync log: %w", err)
	}
	return l, nil
}

func failedResult(t domain.SyncType, err error) SyncResult {
	return SyncResult{SyncType: t, Status: domain.SyncFailed, Errors: []string{err.Error()}}
}

// begin does the pre-flight quota check. A run that cannot proceed is
// finalized as rate_limited without issuing any request.
func (s *SyncService) begin(ctx context.Context, l domain.SyncLog, required int) *syncRun {
	t := l.SyncType
	run := &syncRun{log: l, firstPage: true}

	pre := s.limiter.CheckBatchRateLimit(ctx, required)
	run.preflight = pre
	if !pre.CanProceed {
		run.done = true
		run.next = pre.NextAvailableTimestamp
		msg := fmt.Sprintf("rate limited: %d request(s) required, %d remaining", required, pre.RequestsRemaining)
		run.errs = []string{msg}
		if err := s.logs.finish(ctx, &run.log, domain.SyncRateLimited, msg, nextNote(pre.NextAvailableTimestamp)); err != nil {
			log.Error().Err(err).Str("sync_log_id", l.ID).Msg("finalize sync log failed")
		}
		observability.ObserveSyncRun(string(t), string(domain.SyncRateLimited))
		log.Warn().Str("sync_type", string(t)).Int("required", required).Int("remaining", pre.RequestsRemaining).Msg("sync skipped: rate limited")
		return run
	}

	run.log.Status = domain.SyncInProgress
	if err := s.logs.update(ctx, run.log); err != nil {
		log.Warn().Err(err).Str("sync_log_id", l.ID).Msg("mark sync in progress failed")
	}
	log.Info().Str("sync_type", string(t)).Str("sync_log_id", l.ID).Msg("sync started")
	return run
}

type pageFetcher func(ctx context.Context, limit, skip int, filters []domain.Filter) (domain.Page, error)
type itemSaver func(ctx context.Context, item map[string]any) error

// paginate walks one listing endpoint. Item errors are collected and skipped; a
// fetch error ends pagination, and a rate-limit error halts the whole run.
func (s *SyncService) paginate(ctx context.Context, run *syncRun, filters []domain.Filter, fetch pageFetcher, save itemSaver) {
	skip := 0
	for {
		page, err := fetch(ctx, s.cfg.PageSize, skip, filters)
		if err != nil {
			var rl *domain.RateLimitError
			switch {
			case errors.As(err, &rl):
				run.rateLimited = true
				run.next = rl.NextAvailable
				run.errs = append(run.errs, err.Error())
			case run.pages == 0 || domain.IsAuthentication(err):
				// no page came back, or credentials are bad: the run itself failed
				run.fail(fmt.Errorf("fetch page at skip %d: %w", skip, err))
			default:
				run.errs = append(run.errs, fmt.Sprintf("fetch page at skip %d: %v", skip, err))
			}
			return
		}

		run.pages++
		if run.firstPage {
			run.firstPage = false
			run.log.ItemsTotal += max(page.Count, len(page.Results))
		}

		for _, item := range page.Results {
			if err := save(ctx, item); err != nil {
				run.errs = append(run.errs, err.Error())
				log.Warn().Err(err).Str("sync_log_id", run.log.ID).Msg("sync item failed")
				continue
			}
			run.log.ItemsProcessed++
			observability.ObserveSyncedItem(string(run.log.SyncType))
			if err := s.logs.update(ctx, run.log); err != nil {
				log.Warn().Err(err).Str("sync_log_id", run.log.ID).Msg("persist sync progress failed")
			}
		}

		skip += len(page.Results)
		if len(page.Results) == 0 || len(page.Results) < s.cfg.PageSize || (page.Count > 0 && skip >= page.Count) {
			return
		}
		if !s.sleep(ctx, s.cfg.PageDelay) {
			run.errs = append(run.errs, "sync interrupted: "+ctx.Err().Error())
			run.fatal = ctx.Err()
			return
		}
	}
}

// end finalizes the SyncLog with the run's terminal status.
func (s *SyncService) end(ctx context.Context, run *syncRun) (SyncResult, error) {
	status := domain.SyncCompleted
	switch {
	case run.rateLimited:
		status = domain.SyncRateLimited
	case domain.IsAuthentication(run.fatal):
		// bad credentials fail the run however far it got
		status = domain.SyncFailed
	case run.fatal != nil && run.log.ItemsProcessed == 0:
		status = domain.SyncFailed
	case len(run.errs) > 0:
		status = domain.SyncCompletedWithErrors
	}

	var errMsg string
	if len(run.errs) > 0 {
		errMsg = run.errs[0]
		if len(run.errs) > 1 {
			errMsg = fmt.Sprintf("%s (and %d more)", errMsg, len(run.errs)-1)
		}
	}
	notes := fmt.Sprintf("synced %d of %d", run.log.ItemsProcessed, run.log.ItemsTotal)
	if run.note != "" {
		notes = run.note
	}
	if run.rateLimited {
		notes += "; " + nextNote(run.next)
	}

	// finalize even if the caller's context is gone
	fctx := context.WithoutCancel(ctx)
	if err := s.logs.finish(fctx, &run.log, status, errMsg, notes); err != nil {
		log.Error().Err(err).Str("sync_log_id", run.log.ID).Msg("finalize sync log failed")
	}
	observability.ObserveSyncRun(string(run.log.SyncType), string(status))

	ev := log.Info()
	if status != domain.SyncCompleted {
		ev = log.Warn()
	}
	ev.Str("sync_type", string(run.log.SyncType)).
		Str("sync_log_id", run.log.ID).
		Str("status", string(status)).
		Int("processed", run.log.ItemsProcessed).
		Int("total", run.log.ItemsTotal).
		Int("errors", len(run.errs)).
		Msg("sync finished")

	if status == domain.SyncFailed {
		return run.result(), run.fatal
	}
	return run.result(), nil
}

func nextNote(t *time.Time) string {
	if t == nil {
		return "next request window unknown"
	}
	return "next request available at " + t.UTC().Format(time.RFC3339)
}

/********** item savers **********/

func (s *SyncService) saveProperty(ctx context.Context, item map[string]any) error {
	p, err := mapProperty(item)
	if err != nil {
		return err
	}
	_, _, err = upsertProperty(ctx, s.repo, p, s.now().UTC())
	return err
}

// saveReservation fills the listing link from the queried property when the
// payload omits it.
func (s *SyncService) saveReservation(listingID string) itemSaver {
	return func(ctx context.Context, item map[string]any) error {
		r, err := mapReservation(item)
		if err != nil {
			return err
		}
		if r.ListingID == nil && listingID != "" {
			id := listingID
			r.ListingID = &id
		}
		_, _, err = upsertReservation(ctx, s.repo, r, s.now().UTC())
		return err
	}
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
