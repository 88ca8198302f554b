//go:build integration || !unit

package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/redis/go-redis/v9"

	"guesty_sync/internal/adapters/guesty"
	server "guesty_sync/internal/adapters/http_server"
	redisad "guesty_sync/internal/adapters/redis"
	"guesty_sync/internal/adapters/webhook"
	"guesty_sync/internal/app"
	"guesty_sync/internal/domain"
	"guesty_sync/internal/storage/memory"
	mysqlrepo "guesty_sync/internal/storage/mysql"
)

const secret = "e2e-secret"

// ---------- fake Guesty ----------

type fakeGuesty struct {
	data int32
}

func (f *fakeGuesty) start(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/authentication", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "e2e-token", "token_type": "Bearer", "expires_in": 86400})
	})
	mux.HandleFunc("/listings", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.data, 1)
		if r.Header.Get("Authorization") != "Bearer e2e-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"_id": "l1", "title": "Loft", "address": map[string]any{"city": "Lisbon"}, "bedrooms": 1},
				{"_id": "l2", "title": "Villa", "address": map[string]any{"city": "Faro"}, "bedrooms": 4},
			},
			"count": 2, "limit": 100, "skip": 0,
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// ---------- stack ----------

type stack struct {
	url    string
	sync   *app.SyncService
	vendor *fakeGuesty
}

func newStack(t *testing.T, store domain.Store) *stack {
	t.Helper()
	vendor := &fakeGuesty{}
	vts := vendor.start(t)

	mr := miniredis.RunT(t)
	cache := redisad.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})).WithPrefix("e2e:")
	t.Cleanup(func() { _ = cache.Close() })

	limiter := app.NewRateLimiter(store, 5)
	client, err := guesty.New(vts.URL, guesty.NewSession("id", "secret"), limiter, guesty.Options{RPS: 100})
	if err != nil {
		t.Fatalf("guesty client: %v", err)
	}
	syncSvc := app.NewSyncService(client, store, store, limiter, cache, app.SyncConfig{PageSize: 100})

	srv := server.New(server.Options{RequestTimeout: 5 * time.Second})
	srv.MountHandlers(&server.Handlers{
		Sync:        syncSvc,
		Webhooks:    app.NewWebhookService(store, store, cache),
		Q:           app.NewQueryService(store, store, limiter, cache, time.Minute),
		Credentials: client,
		Webhook:     server.WebhookAuth{Secret: secret},
	})
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return &stack{url: ts.URL, sync: syncSvc, vendor: vendor}
}

func (s *stack) do(t *testing.T, method, path string, body []byte, hdr map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.url+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func (s *stack) webhook(t *testing.T, payload map[string]any, sign bool) (int, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(payload)
	hdr := map[string]string{}
	if sign {
		hdr[webhook.SignatureHeader] = webhook.GenerateSignature(body, secret)
	} else {
		hdr[webhook.SignatureHeader] = webhook.GenerateSignature(body, "not-the-secret")
	}
	return s.do(t, http.MethodPost, "/api/guesty/webhook", body, hdr)
}

// ---------- scenario ----------

func runScenario(t *testing.T, store domain.Store) {
	s := newStack(t, store)

	// 1) manual property sync runs in the background
	code, body := s.do(t, http.MethodPost, "/api/guesty/sync/properties", nil, nil)
	if code != http.StatusAccepted {
		t.Fatalf("sync trigger: status %d body %v", code, body)
	}
	id, _ := body["syncLogId"].(string)
	if id == "" {
		t.Fatalf("missing syncLogId in %v", body)
	}
	s.sync.Wait()

	code, body = s.do(t, http.MethodGet, "/api/guesty/sync/logs/"+id, nil, nil)
	if code != http.StatusOK || body["status"] != "completed" || body["itemsProcessed"] != 2.0 {
		t.Fatalf("sync log: status %d body %v", code, body)
	}

	code, body = s.do(t, http.MethodGet, "/api/properties", nil, nil)
	items, _ := body["items"].([]any)
	if code != http.StatusOK || len(items) != 2 {
		t.Fatalf("properties: status %d body %v", code, body)
	}

	// 2) ledger counts the one data call
	code, body = s.do(t, http.MethodGet, "/api/guesty/rate-limit", nil, nil)
	if code != http.StatusOK || body["requestsMade"] != 1.0 || body["requestsRemaining"] != 4.0 {
		t.Fatalf("rate limit: status %d body %v", code, body)
	}

	// 3) signed webhook updates the mirror
	code, body = s.webhook(t, map[string]any{
		"eventId": "evt-1",
		"event":   "listing.updated",
		"data":    map[string]any{"_id": "l1", "title": "Loft Renovated"},
	}, true)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("webhook: status %d body %v", code, body)
	}
	code, body = s.do(t, http.MethodGet, "/api/properties/l1", nil, nil)
	if code != http.StatusOK || body["title"] != "Loft Renovated" {
		t.Fatalf("property after webhook: status %d body %v", code, body)
	}

	// 4) wrong signature never reaches the mirror
	code, _ = s.webhook(t, map[string]any{
		"event": "listing.removed",
		"data":  map[string]any{"_id": "l1"},
	}, false)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", code)
	}
	if code, _ = s.do(t, http.MethodGet, "/api/properties/l1", nil, nil); code != http.StatusOK {
		t.Fatalf("property must survive a rejected webhook, got %d", code)
	}

	// a signed payload without an id is acknowledged but not applied
	code, body = s.webhook(t, map[string]any{
		"event": "listing.updated",
		"data":  map[string]any{"title": "No id"},
	}, true)
	if code != http.StatusOK || body["success"] != false || body["rejected"] != true {
		t.Fatalf("invalid webhook: status %d body %v", code, body)
	}

	// 5) signed deletion removes it
	code, _ = s.webhook(t, map[string]any{
		"event": "listing.removed",
		"data":  map[string]any{"_id": "l2"},
	}, true)
	if code != http.StatusOK {
		t.Fatalf("deletion webhook: status %d", code)
	}
	if code, _ = s.do(t, http.MethodGet, "/api/properties/l2", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 after deletion, got %d", code)
	}

	// 6) a reservation run needing more calls than remain is refused up front
	before := atomic.LoadInt32(&s.vendor.data)
	req, _ := json.Marshal(map[string]any{"propertyIds": []string{"a", "b", "c", "d", "e"}})
	code, body = s.do(t, http.MethodPost, "/api/guesty/sync/reservations", req, nil)
	if code != http.StatusTooManyRequests || body["requiredRequests"] != 5.0 || body["requestsRemaining"] != 4.0 {
		t.Fatalf("expected 429 with quota payload, got %d %v", code, body)
	}
	if atomic.LoadInt32(&s.vendor.data) != before {
		t.Fatalf("refused run must not call Guesty")
	}
	refused, _ := body["syncLogId"].(string)
	if refused == "" {
		t.Fatalf("expected the refused run to be logged, got %v", body)
	}
	code, body = s.do(t, http.MethodGet, "/api/guesty/sync/logs/"+refused, nil, nil)
	if code != http.StatusOK || body["status"] != "rate_limited" || body["itemsProcessed"] != 0.0 || body["syncType"] != "reservations" {
		t.Fatalf("refused run log: status %d body %v", code, body)
	}

	// 7) status view reports the latest run per type
	code, body = s.do(t, http.MethodGet, "/api/guesty/sync/status", nil, nil)
	latest, _ := body["latest"].(map[string]any)
	props, _ := latest["properties"].(map[string]any)
	if code != http.StatusOK || props["id"] != id {
		t.Fatalf("sync status: status %d body %v", code, body)
	}
	if res, _ := latest["reservations"].(map[string]any); res == nil || res["id"] != refused {
		t.Fatalf("expected the refused reservations run in status, got %v", latest)
	}
	wh, _ := latest["webhook_property"].(map[string]any)
	if wh == nil || wh["status"] != "completed" {
		t.Fatalf("expected latest webhook run in status, got %v", latest)
	}
}

func TestHTTP_EndToEnd_Memory(t *testing.T) {
	runScenario(t, memory.New())
}

func TestHTTP_EndToEnd_MySQL(t *testing.T) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("dockertest: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=root",
			"MYSQL_DATABASE=guesty",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/guesty?parseTime=true&charset=utf8mb4&loc=UTC",
		resource.GetPort("3306/tcp"))
	var db *sql.DB
	pool.MaxWait = 2 * time.Minute
	if err := pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := mysqlrepo.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	runScenario(t, mysqlrepo.New(db))
}
