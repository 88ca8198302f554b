package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"guesty_sync/internal/domain"
	"guesty_sync/internal/storage/memory"
)

type syncFixture struct {
	store   *memory.Store
	client  *fakeGuesty
	limiter *RateLimiter
	cache   *fakeCache
	clock   *testClock
	svc     *SyncService

	mu     sync.Mutex
	sleeps []time.Duration
}

func newSyncFixture(pageSize int) *syncFixture {
	f := &syncFixture{
		store:  memory.New(),
		client: &fakeGuesty{},
		cache:  newFakeCache(),
		clock:  newClock(t0),
	}
	f.limiter = NewRateLimiter(f.store, 5).WithClock(f.clock.Now)
	f.svc = NewSyncService(f.client, f.store, f.store, f.limiter, f.cache, SyncConfig{
		PageSize:  pageSize,
		PageDelay: time.Second,
	}).WithClock(f.clock.Now)
	f.svc.sleep = func(ctx context.Context, d time.Duration) bool {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err() == nil
	}
	return f
}

// exhaust spends the whole daily quota.
func (f *syncFixture) exhaust(t *testing.T) {
	t.Helper()
	for i := 0; i < 5; i++ {
		if err := f.limiter.Record(context.Background(), "/listings", "GET", 200, nil); err != nil {
			t.Fatalf("record: %v", err)
		}
		f.clock.Advance(time.Minute)
	}
}

func (f *syncFixture) storedLog(t *testing.T, id string) domain.SyncLog {
	t.Helper()
	l, err := f.store.GetSyncLog(context.Background(), id)
	if err != nil {
		t.Fatalf("get sync log %s: %v", id, err)
	}
	return l
}

func TestSyncProperties_AllPages(t *testing.T) {
	f := newSyncFixture(2)
	f.client.props = pages([]map[string]any{
		listing("l1", "Loft"), listing("l2", "Villa"), listing("l3", "Cabin"),
	})

	res, err := f.svc.SyncProperties(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncCompleted || res.ItemsProcessed != 3 || res.ItemsTotal != 3 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.client.propCalls) != 2 || f.client.propCalls[0].skip != 0 || f.client.propCalls[1].skip != 2 {
		t.Fatalf("unexpected page calls: %+v", f.client.propCalls)
	}
	if len(f.sleeps) != 1 || f.sleeps[0] != time.Second {
		t.Fatalf("expected one inter-page delay, got %v", f.sleeps)
	}

	ids, _ := f.store.ListPropertyIDs(context.Background())
	if len(ids) != 3 {
		t.Fatalf("expected 3 mirrored properties, got %v", ids)
	}
	l := f.storedLog(t, res.SyncLogID)
	if l.Status != domain.SyncCompleted || l.ItemsProcessed != 3 || l.CompletedAt == nil || l.SyncType != domain.SyncTypeProperties {
		t.Fatalf("unexpected stored log: %+v", l)
	}
	if f.cache.dels == 0 {
		t.Fatalf("expected status cache to be invalidated on log writes")
	}
}

func TestSyncProperties_SecondPageFails(t *testing.T) {
	f := newSyncFixture(2)
	all := pages([]map[string]any{listing("l1", "A"), listing("l2", "B"), listing("l3", "C"), listing("l4", "D")})
	f.client.props = func(n, limit, skip int, filters []domain.Filter) (domain.Page, error) {
		if n == 2 {
			return domain.Page{}, &domain.VendorError{Status: 500, Body: "boom"}
		}
		return all(n, limit, skip, filters)
	}

	res, err := f.svc.SyncProperties(context.Background())
	if err != nil {
		t.Fatalf("partial run must not return an error, got %v", err)
	}
	if res.Status != domain.SyncCompletedWithErrors || res.ItemsProcessed != 2 || res.ItemsTotal != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "skip 2") {
		t.Fatalf("expected one page error, got %v", res.Errors)
	}
	l := f.storedLog(t, res.SyncLogID)
	if l.Status != domain.SyncCompletedWithErrors || l.ErrorMessage == nil {
		t.Fatalf("unexpected stored log: %+v", l)
	}
}

func TestSyncProperties_FirstPageFails(t *testing.T) {
	f := newSyncFixture(2)
	f.client.props = func(int, int, int, []domain.Filter) (domain.Page, error) {
		return domain.Page{}, &domain.VendorError{Status: 503, Body: "down"}
	}

	res, err := f.svc.SyncProperties(context.Background())
	if err == nil {
		t.Fatalf("expected error for a run that fetched nothing")
	}
	if res.Status != domain.SyncFailed || res.ItemsProcessed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if l := f.storedLog(t, res.SyncLogID); l.Status != domain.SyncFailed {
		t.Fatalf("expected failed log, got %s", l.Status)
	}
}

func TestSyncProperties_PreflightRateLimited(t *testing.T) {
	f := newSyncFixture(2)
	f.exhaust(t)

	res, err := f.svc.SyncProperties(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncRateLimited || res.NextAvailable == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.NextAvailable.Equal(t0.Add(RateLimitWindow)) {
		t.Fatalf("unexpected next available: %v", res.NextAvailable)
	}
	if p, r := f.client.calls(); p != 0 || r != 0 {
		t.Fatalf("expected no vendor calls, got %d/%d", p, r)
	}
	l := f.storedLog(t, res.SyncLogID)
	if l.Status != domain.SyncRateLimited || l.CompletedAt == nil || l.Notes == nil {
		t.Fatalf("unexpected stored log: %+v", l)
	}
}

func TestSyncProperties_RateLimitedMidRun(t *testing.T) {
	f := newSyncFixture(2)
	next := t0.Add(3 * time.Hour)
	all := pages([]map[string]any{listing("l1", "A"), listing("l2", "B"), listing("l3", "C")})
	f.client.props = func(n, limit, skip int, filters []domain.Filter) (domain.Page, error) {
		if n == 2 {
			return domain.Page{}, &domain.RateLimitError{NextAvailable: &next}
		}
		return all(n, limit, skip, filters)
	}

	res, err := f.svc.SyncProperties(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncRateLimited || res.ItemsProcessed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.NextAvailable == nil || !res.NextAvailable.Equal(next) {
		t.Fatalf("unexpected next available: %v", res.NextAvailable)
	}
}

func TestSyncProperties_BadItemSkipped(t *testing.T) {
	f := newSyncFixture(10)
	f.client.props = pages([]map[string]any{
		listing("l1", "A"), {"title": "no id"}, listing("l3", "C"),
	})

	res, err := f.svc.SyncProperties(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncCompletedWithErrors || res.ItemsProcessed != 2 || res.ItemsTotal != 3 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSyncProperties_AuthenticationFailure(t *testing.T) {
	f := newSyncFixture(2)
	f.client.props = func(int, int, int, []domain.Filter) (domain.Page, error) {
		return domain.Page{}, &domain.AuthenticationError{Status: 401, Reason: "bad token"}
	}

	res, err := f.svc.SyncProperties(context.Background())
	if !domain.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if res.Status != domain.SyncFailed {
		t.Fatalf("unexpected status %s", res.Status)
	}
}

func TestSyncProperties_AuthenticationFailureAfterFirstPage(t *testing.T) {
	f := newSyncFixture(2)
	all := pages([]map[string]any{listing("l1", "A"), listing("l2", "B"), listing("l3", "C")})
	f.client.props = func(n, limit, skip int, filters []domain.Filter) (domain.Page, error) {
		if n == 2 {
			return domain.Page{}, &domain.AuthenticationError{Status: 401, Reason: "token revoked"}
		}
		return all(n, limit, skip, filters)
	}

	res, err := f.svc.SyncProperties(context.Background())
	if !domain.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if res.Status != domain.SyncFailed || res.ItemsProcessed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if l := f.storedLog(t, res.SyncLogID); l.Status != domain.SyncFailed || l.ErrorMessage == nil {
		t.Fatalf("unexpected stored log: %+v", l)
	}
}

func TestSyncReservations_DateRangeMode(t *testing.T) {
	f := newSyncFixture(100)
	f.client.res = pages([]map[string]any{reservation("r1", "HM1"), reservation("r2", "HM2")})

	res, err := f.svc.SyncReservations(context.Background(), ReservationSyncOptions{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncCompleted || res.ItemsProcessed != 2 || res.SyncType != domain.SyncTypeReservations {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.client.resCalls) != 1 {
		t.Fatalf("expected a single sweep call, got %d", len(f.client.resCalls))
	}
	fl := f.client.resCalls[0].filters
	if len(fl) != 1 || fl[0].Field != "checkIn" || fl[0].Operator != "$between" {
		t.Fatalf("unexpected filters: %+v", fl)
	}
	if fl[0].From != "2025-05-16" || fl[0].To != "2026-06-15" {
		t.Fatalf("unexpected window: %v..%v", fl[0].From, fl[0].To)
	}
}

func TestSyncReservations_ExplicitWindow(t *testing.T) {
	f := newSyncFixture(100)
	from := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 8, 31, 0, 0, 0, 0, time.UTC)

	if _, err := f.svc.SyncReservations(context.Background(), ReservationSyncOptions{From: &from, To: &to}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	fl := f.client.resCalls[0].filters
	if fl[0].From != "2025-08-01" || fl[0].To != "2025-08-31" {
		t.Fatalf("unexpected window: %v..%v", fl[0].From, fl[0].To)
	}
}

func TestSyncReservations_PerProperty(t *testing.T) {
	f := newSyncFixture(100)
	f.client.res = func(_, _, _ int, filters []domain.Filter) (domain.Page, error) {
		id, _ := filters[0].Value.(string)
		return domain.Page{Results: []map[string]any{reservation("r-"+id, "HM-"+id)}, Count: 1}, nil
	}

	res, err := f.svc.SyncReservations(context.Background(), ReservationSyncOptions{PropertyIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncCompleted || res.ItemsProcessed != 2 || res.ItemsTotal != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.client.resCalls) != 2 {
		t.Fatalf("expected one call per property, got %d", len(f.client.resCalls))
	}
	for i, want := range []string{"a", "b"} {
		fl := f.client.resCalls[i].filters
		if fl[0].Field != "listingId" || fl[0].Operator != "$eq" || fl[0].Value != want {
			t.Fatalf("call %d: unexpected filters %+v", i, fl)
		}
	}
	if len(f.sleeps) != 1 {
		t.Fatalf("expected a delay between properties, got %v", f.sleeps)
	}

	r, err := f.store.GetReservationByGuestyID(context.Background(), "r-b")
	if err != nil {
		t.Fatalf("reservation not stored: %v", err)
	}
	if r.ListingID == nil || *r.ListingID != "b" {
		t.Fatalf("expected listing id filled from the queried property, got %v", r.ListingID)
	}
}

func TestSyncReservations_PreflightCountsProperties(t *testing.T) {
	f := newSyncFixture(100)
	for i := 0; i < 3; i++ {
		_ = f.limiter.Record(context.Background(), "/listings", "GET", 200, nil)
		f.clock.Advance(time.Minute)
	}

	res, err := f.svc.SyncReservations(context.Background(), ReservationSyncOptions{PropertyIDs: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncRateLimited {
		t.Fatalf("expected rate_limited with 2 left and 3 needed, got %s", res.Status)
	}
	if _, r := f.client.calls(); r != 0 {
		t.Fatalf("expected no vendor calls, got %d", r)
	}
}

func TestSyncReservations_AllPropertiesWithoutLocalProperties(t *testing.T) {
	f := newSyncFixture(100)

	res, err := f.svc.SyncReservations(context.Background(), ReservationSyncOptions{AllProperties: true})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncCompleted || res.ItemsProcessed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, r := f.client.calls(); r != 0 {
		t.Fatalf("expected no vendor calls, got %d", r)
	}
	l := f.storedLog(t, res.SyncLogID)
	if l.Notes == nil || !strings.Contains(*l.Notes, "no local properties") {
		t.Fatalf("unexpected notes: %v", l.Notes)
	}
}

func TestStartProperties_RunsInBackground(t *testing.T) {
	f := newSyncFixture(100)
	f.client.props = pages([]map[string]any{listing("l1", "A")})

	reqCtx, cancel := context.WithCancel(context.Background())
	res, err := f.svc.StartProperties(reqCtx)
	cancel() // the triggering request is gone; the run must carry on
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.SyncLogID == "" || res.Status != domain.SyncInProgress || !res.Preflight.CanProceed {
		t.Fatalf("unexpected started run: %+v", res)
	}

	f.svc.Wait()
	got := f.storedLog(t, res.SyncLogID)
	if got.Status != domain.SyncCompleted || got.ItemsProcessed != 1 {
		t.Fatalf("unexpected final log: %+v", got)
	}
}

func TestStartReservations_BackgroundCancelled(t *testing.T) {
	f := newSyncFixture(1)
	bg, cancel := context.WithCancel(context.Background())
	f.svc.WithBackground(bg)
	all := pages([]map[string]any{reservation("r1", "A"), reservation("r2", "B")})
	f.client.res = func(n, limit, skip int, filters []domain.Filter) (domain.Page, error) {
		if n == 1 {
			cancel()
		}
		return all(n, limit, skip, filters)
	}

	res, err := f.svc.StartReservations(context.Background(), ReservationSyncOptions{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.svc.Wait()

	got := f.storedLog(t, res.SyncLogID)
	if got.Status != domain.SyncCompletedWithErrors || got.ItemsProcessed != 1 {
		t.Fatalf("expected an interrupted partial run, got %+v", got)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "interrupted") {
		t.Fatalf("unexpected error message: %v", got.ErrorMessage)
	}
}

func TestStartProperties_RefusedRunIsLogged(t *testing.T) {
	f := newSyncFixture(100)
	f.exhaust(t)

	res, err := f.svc.StartProperties(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncRateLimited || res.Preflight.CanProceed || res.Preflight.RequiredRequests != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	f.svc.Wait()
	if p, _ := f.client.calls(); p != 0 {
		t.Fatalf("expected no vendor calls, got %d", p)
	}
	l := f.storedLog(t, res.SyncLogID)
	if l.Status != domain.SyncRateLimited || l.ItemsProcessed != 0 || l.CompletedAt == nil {
		t.Fatalf("unexpected stored log: %+v", l)
	}
}

func TestStartReservations_RefusedRunIsLogged(t *testing.T) {
	f := newSyncFixture(100)
	f.limiter = NewRateLimiter(f.store, 2).WithClock(f.clock.Now)
	f.svc.limiter = f.limiter

	res, err := f.svc.StartReservations(context.Background(), ReservationSyncOptions{PropertyIDs: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Status != domain.SyncRateLimited || res.Preflight.RequiredRequests != 3 || res.Preflight.RequestsRemaining != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if l := f.storedLog(t, res.SyncLogID); l.Status != domain.SyncRateLimited || l.SyncType != domain.SyncTypeReservations {
		t.Fatalf("unexpected stored log: %+v", l)
	}
}

func TestSyncProperties_LogCreationFailure(t *testing.T) {
	f := newSyncFixture(100)
	f.svc.logs.repo = failingLogs{f.store}

	res, err := f.svc.SyncProperties(context.Background())
	if err == nil || res.Status != domain.SyncFailed {
		t.Fatalf("expected failed run, got %+v, %v", res, err)
	}
	if p, _ := f.client.calls(); p != 0 {
		t.Fatalf("expected no vendor calls, got %d", p)
	}
}

type failingLogs struct{ domain.SyncLogRepository }

func (failingLogs) CreateSyncLog(context.Context, domain.SyncLog) error {
	return errors.New("insert failed")
}
