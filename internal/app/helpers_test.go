package app

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"guesty_sync/internal/domain"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fetchCall struct {
	limit, skip int
	filters     []domain.Filter
}

type fetchFunc func(n, limit, skip int, filters []domain.Filter) (domain.Page, error)

// fakeGuesty answers list calls from scripted functions and remembers every call.
type fakeGuesty struct {
	mu        sync.Mutex
	props     fetchFunc
	res       fetchFunc
	propCalls []fetchCall
	resCalls  []fetchCall
}

func (f *fakeGuesty) GetProperties(_ context.Context, limit, skip int, filters []domain.Filter) (domain.Page, error) {
	f.mu.Lock()
	f.propCalls = append(f.propCalls, fetchCall{limit, skip, filters})
	n := len(f.propCalls)
	f.mu.Unlock()
	if f.props == nil {
		return domain.Page{Results: []map[string]any{}}, nil
	}
	return f.props(n, limit, skip, filters)
}

func (f *fakeGuesty) GetReservations(_ context.Context, limit, skip int, filters []domain.Filter) (domain.Page, error) {
	f.mu.Lock()
	f.resCalls = append(f.resCalls, fetchCall{limit, skip, filters})
	n := len(f.resCalls)
	f.mu.Unlock()
	if f.res == nil {
		return domain.Page{Results: []map[string]any{}}, nil
	}
	return f.res(n, limit, skip, filters)
}

func (f *fakeGuesty) calls() (props, res int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.propCalls), len(f.resCalls)
}

// fakeCache stores JSON like the redis adapter does.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
	dels int
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	raw, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *fakeCache) Set(_ context.Context, key string, v any, _ int) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = raw
	c.sets++
	return nil
}

func (c *fakeCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	c.dels++
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// listing builds a minimal Guesty listing payload.
func listing(id, title string) map[string]any {
	return map[string]any{"_id": id, "title": title, "address": map[string]any{"city": "Lisbon"}}
}

func reservation(id, code string) map[string]any {
	return map[string]any{"_id": id, "confirmationCode": code, "status": "confirmed", "checkIn": "2025-07-01"}
}

// pages serves items in pages of the requested size and reports the full count.
func pages(items []map[string]any) fetchFunc {
	return func(_, limit, skip int, _ []domain.Filter) (domain.Page, error) {
		end := min(skip+limit, len(items))
		if skip > len(items) {
			skip = len(items)
		}
		return domain.Page{Results: items[skip:end], Count: len(items), Limit: limit, Skip: skip}, nil
	}
}
