//go:build integration || !unit

package mysql_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"guesty_sync/internal/domain"
	mysqlrepo "guesty_sync/internal/storage/mysql"
)

func pstr(s string) *string     { return &s }
func pint(i int) *int           { return &i }
func pfloat(f float64) *float64 { return &f }

// startMySQL runs an isolated MySQL and applies the embedded migrations.
// The test is skipped when no Docker daemon is reachable.
func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
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
	// second run is a no-op
	if err := mysqlrepo.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	return db
}

func TestRepo_MySQL(t *testing.T) {
	db := startMySQL(t)
	repo := mysqlrepo.New(db)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("property upsert keeps created_at", func(t *testing.T) {
		p := domain.Property{
			GuestyID:     "lst-1",
			Title:        pstr("Sea View Loft"),
			City:         pstr("Lisbon"),
			Lat:          pfloat(38.72),
			Bedrooms:     pint(2),
			Amenities:    []string{"wifi", "pool"},
			Active:       true,
			RawJSON:      []byte(`{"_id":"lst-1"}`),
			CreatedAt:    created,
			UpdatedAt:    created,
			LastSyncedAt: created,
		}
		if err := repo.SaveProperty(ctx, p); err != nil {
			t.Fatalf("SaveProperty: %v", err)
		}

		later := created.Add(time.Hour)
		p.Title = pstr("Sea View Loft II")
		p.CreatedAt, p.UpdatedAt, p.LastSyncedAt = later, later, later
		if err := repo.SaveProperty(ctx, p); err != nil {
			t.Fatalf("SaveProperty again: %v", err)
		}

		got, err := repo.GetPropertyByGuestyID(ctx, "lst-1")
		if err != nil {
			t.Fatalf("GetPropertyByGuestyID: %v", err)
		}
		if *got.Title != "Sea View Loft II" || !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(later) {
			t.Fatalf("unexpected property: %+v", got)
		}
		if len(got.Amenities) != 2 || got.Pictures == nil {
			t.Fatalf("json columns: amenities=%v pictures=%v", got.Amenities, got.Pictures)
		}

		q := "lisb"
		list, err := repo.ListProperties(ctx, domain.PropertiesQuery{Q: &q, Limit: 10})
		if err != nil || len(list) != 1 {
			t.Fatalf("ListProperties: %v %d", err, len(list))
		}
		ids, err := repo.ListPropertyIDs(ctx)
		if err != nil || len(ids) != 1 || ids[0] != "lst-1" {
			t.Fatalf("ListPropertyIDs: %v %v", err, ids)
		}

		if err := repo.DeleteProperty(ctx, "lst-1"); err != nil {
			t.Fatalf("DeleteProperty: %v", err)
		}
		if _, err := repo.GetPropertyByGuestyID(ctx, "lst-1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("reservation filters", func(t *testing.T) {
		in := created.Add(48 * time.Hour)
		for i, st := range []string{"confirmed", "canceled"} {
			r := domain.Reservation{
				GuestyID:     fmt.Sprintf("res-%d", i),
				ListingID:    pstr("lst-9"),
				Status:       pstr(st),
				CheckIn:      &in,
				TotalPrice:   pfloat(420.5),
				CreatedAt:    created,
				UpdatedAt:    created,
				LastSyncedAt: created,
			}
			if err := repo.SaveReservation(ctx, r); err != nil {
				t.Fatalf("SaveReservation: %v", err)
			}
		}
		st := "confirmed"
		got, err := repo.ListReservations(ctx, domain.ReservationsQuery{ListingID: pstr("lst-9"), Status: &st, Limit: 10})
		if err != nil || len(got) != 1 || got[0].GuestyID != "res-0" {
			t.Fatalf("ListReservations: %v %+v", err, got)
		}
		if got[0].CheckIn == nil || !got[0].CheckIn.Equal(in) {
			t.Fatalf("check_in round trip: %v", got[0].CheckIn)
		}
	})

	t.Run("sync logs", func(t *testing.T) {
		l := domain.SyncLog{ID: "5b7c1f3e-0000-4000-8000-000000000001", SyncType: domain.SyncTypeProperties, Status: domain.SyncPending, StartedAt: created}
		if err := repo.CreateSyncLog(ctx, l); err != nil {
			t.Fatalf("CreateSyncLog: %v", err)
		}
		done := created.Add(time.Minute)
		l.Status, l.CompletedAt, l.ItemsProcessed, l.ItemsTotal = domain.SyncCompleted, &done, 3, 3
		if err := repo.UpdateSyncLog(ctx, l); err != nil {
			t.Fatalf("UpdateSyncLog: %v", err)
		}
		// same values again must not be reported as missing
		if err := repo.UpdateSyncLog(ctx, l); err != nil {
			t.Fatalf("UpdateSyncLog unchanged: %v", err)
		}
		latest, err := repo.LatestSyncLog(ctx, domain.SyncTypeProperties)
		if err != nil || latest.Status != domain.SyncCompleted || latest.ItemsProcessed != 3 {
			t.Fatalf("LatestSyncLog: %v %+v", err, latest)
		}
		if _, err := repo.LatestSyncLog(ctx, domain.SyncTypeReservations); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for empty type, got %v", err)
		}
		missing := domain.SyncLog{ID: "missing", Status: domain.SyncFailed}
		if err := repo.UpdateSyncLog(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
		}
	})

	t.Run("ledger window", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		for _, age := range []time.Duration{25 * time.Hour, 23 * time.Hour, time.Hour} {
			rec := domain.RateLimitRecord{Endpoint: "/listings", RequestType: "GET", RequestTimestamp: now.Add(-age), ResponseStatus: 200}
			if err := repo.RecordRequest(ctx, rec); err != nil {
				t.Fatalf("RecordRequest: %v", err)
			}
		}
		n, err := repo.CountRequests(ctx, now.Add(-24*time.Hour), now)
		if err != nil || n != 2 {
			t.Fatalf("CountRequests: %v %d", err, n)
		}
		oldest, err := repo.OldestRequest(ctx, now.Add(-24*time.Hour), now)
		if err != nil || oldest == nil || !oldest.RequestTimestamp.Equal(now.Add(-23*time.Hour)) {
			t.Fatalf("OldestRequest: %v %+v", err, oldest)
		}
	})
}
