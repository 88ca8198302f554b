package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"guesty_sync/internal/domain"
)

func valStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
func valInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
func valF64(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
func valTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}
func valJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}
func f64Ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func stringsJSON(b []byte) []string {
	out := []string{}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &out)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Repo implements domain.Store on MySQL.
type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

var _ domain.Store = (*Repo)(nil)

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

/********** properties **********/

func (r *Repo) SaveProperty(ctx context.Context, p domain.Property) error {
	amen, err := json.Marshal(nonNil(p.Amenities))
	if err != nil {
		return err
	}
	pics, err := json.Marshal(nonNil(p.Pictures))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, savePropertySQL,
		p.GuestyID,
		valStr(p.Title),
		valStr(p.Nickname),
		valStr(p.PropertyType),
		valStr(p.RoomType),
		valStr(p.AddressFull),
		valStr(p.Street),
		valStr(p.City),
		valStr(p.State),
		valStr(p.Country),
		valStr(p.Zipcode),
		valF64(p.Lat),
		valF64(p.Lng),
		valInt(p.Bedrooms),
		valF64(p.Bathrooms),
		valInt(p.Accommodates),
		string(amen),
		string(pics),
		valF64(p.BasePrice),
		valStr(p.Currency),
		p.Active,
		valJSON(p.RawJSON),
		p.CreatedAt.UTC(),
		p.UpdatedAt.UTC(),
		p.LastSyncedAt.UTC(),
	)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanProperty(s rowScanner) (domain.Property, error) {
	var (
		p                                             domain.Property
		title, nick, ptype, rtype, addr, street, city sql.NullString
		state, country, zip, currency                 sql.NullString
		lat, lng, baths, price                        sql.NullFloat64
		beds, accom                                   sql.NullInt64
		amen, pics, raw                               []byte
	)
	if err := s.Scan(
		&p.GuestyID, &title, &nick, &ptype, &rtype, &addr, &street, &city, &state,
		&country, &zip, &lat, &lng, &beds, &baths, &accom, &amen, &pics,
		&price, &currency, &p.Active, &raw, &p.CreatedAt, &p.UpdatedAt, &p.LastSyncedAt,
	); err != nil {
		return domain.Property{}, err
	}
	p.Title, p.Nickname, p.PropertyType, p.RoomType = strPtr(title), strPtr(nick), strPtr(ptype), strPtr(rtype)
	p.AddressFull, p.Street, p.City, p.State = strPtr(addr), strPtr(street), strPtr(city), strPtr(state)
	p.Country, p.Zipcode, p.Currency = strPtr(country), strPtr(zip), strPtr(currency)
	p.Lat, p.Lng, p.Bathrooms, p.BasePrice = f64Ptr(lat), f64Ptr(lng), f64Ptr(baths), f64Ptr(price)
	p.Bedrooms, p.Accommodates = intPtr(beds), intPtr(accom)
	p.Amenities, p.Pictures = stringsJSON(amen), stringsJSON(pics)
	if len(raw) > 0 {
		p.RawJSON = raw
	}
	p.CreatedAt, p.UpdatedAt, p.LastSyncedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC(), p.LastSyncedAt.UTC()
	return p, nil
}

func (r *Repo) GetPropertyByGuestyID(ctx context.Context, id string) (*domain.Property, error) {
	p, err := scanProperty(r.db.QueryRowContext(ctx, getPropertySQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) DeleteProperty(ctx context.Context, id string) error {
	return r.deleteOne(ctx, deletePropertySQL, id)
}

func (r *Repo) ListProperties(ctx context.Context, q domain.PropertiesQuery) ([]domain.Property, error) {
	var (
		where []string
		args  []any
	)
	if q.Q != nil && strings.TrimSpace(*q.Q) != "" {
		like := "%" + strings.TrimSpace(*q.Q) + "%"
		where = append(where, "(title LIKE ? OR nickname LIKE ? OR city LIKE ?)")
		args = append(args, like, like, like)
	}
	query := "SELECT" + propertyColumns + "\nFROM properties"
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY guesty_id\nLIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Property{}
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) ListPropertyIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, listPropertyIDsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

/********** reservations **********/

func (r *Repo) SaveReservation(ctx context.Context, rv domain.Reservation) error {
	_, err := r.db.ExecContext(ctx, saveReservationSQL,
		rv.GuestyID,
		valStr(rv.ListingID),
		valStr(rv.ConfirmationCode),
		valStr(rv.Status),
		valStr(rv.Source),
		valTime(rv.CheckIn),
		valTime(rv.CheckOut),
		valInt(rv.NightsCount),
		valInt(rv.GuestsCount),
		valStr(rv.GuestName),
		valStr(rv.GuestEmail),
		valStr(rv.GuestPhone),
		valF64(rv.TotalPrice),
		valF64(rv.HostPayout),
		valStr(rv.Currency),
		valJSON(rv.RawJSON),
		rv.CreatedAt.UTC(),
		rv.UpdatedAt.UTC(),
		rv.LastSyncedAt.UTC(),
	)
	return err
}

func scanReservation(s rowScanner) (domain.Reservation, error) {
	var (
		rv                                                     domain.Reservation
		listing, code, status, source, name, email, phone, cur sql.NullString
		checkIn, checkOut                                      sql.NullTime
		nights, guests                                         sql.NullInt64
		total, payout                                          sql.NullFloat64
		raw                                                    []byte
	)
	if err := s.Scan(
		&rv.GuestyID, &listing, &code, &status, &source, &checkIn, &checkOut,
		&nights, &guests, &name, &email, &phone, &total,
		&payout, &cur, &raw, &rv.CreatedAt, &rv.UpdatedAt, &rv.LastSyncedAt,
	); err != nil {
		return domain.Reservation{}, err
	}
	rv.ListingID, rv.ConfirmationCode, rv.Status, rv.Source = strPtr(listing), strPtr(code), strPtr(status), strPtr(source)
	rv.GuestName, rv.GuestEmail, rv.GuestPhone, rv.Currency = strPtr(name), strPtr(email), strPtr(phone), strPtr(cur)
	rv.CheckIn, rv.CheckOut = timePtr(checkIn), timePtr(checkOut)
	rv.NightsCount, rv.GuestsCount = intPtr(nights), intPtr(guests)
	rv.TotalPrice, rv.HostPayout = f64Ptr(total), f64Ptr(payout)
	if len(raw) > 0 {
		rv.RawJSON = raw
	}
	rv.CreatedAt, rv.UpdatedAt, rv.LastSyncedAt = rv.CreatedAt.UTC(), rv.UpdatedAt.UTC(), rv.LastSyncedAt.UTC()
	return rv, nil
}

func (r *Repo) GetReservationByGuestyID(ctx context.Context, id string) (*domain.Reservation, error) {
	rv, err := scanReservation(r.db.QueryRowContext(ctx, getReservationSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func (r *Repo) DeleteReservation(ctx context.Context, id string) error {
	return r.deleteOne(ctx, deleteReservationSQL, id)
}

func (r *Repo) ListReservations(ctx context.Context, q domain.ReservationsQuery) ([]domain.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if q.ListingID != nil && *q.ListingID != "" {
		where = append(where, "listing_id = ?")
		args = append(args, *q.ListingID)
	}
	if q.Status != nil && *q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, *q.Status)
	}
	query := "SELECT" + reservationColumns + "\nFROM reservations"
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY check_in DESC, guesty_id\nLIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Reservation{}
	for rows.Next() {
		rv, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (r *Repo) deleteOne(ctx context.Context, stmt, id string) error {
	res, err := r.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

/********** sync logs **********/

func (r *Repo) CreateSyncLog(ctx context.Context, l domain.SyncLog) error {
	_, err := r.db.ExecContext(ctx, insertSyncLogSQL,
		l.ID, string(l.SyncType), string(l.Status), l.StartedAt.UTC(), valTime(l.CompletedAt),
		l.ItemsProcessed, l.ItemsTotal, valStr(l.ErrorMessage), valStr(l.Notes),
	)
	return err
}

func (r *Repo) UpdateSyncLog(ctx context.Context, l domain.SyncLog) error {
	res, err := r.db.ExecContext(ctx, updateSyncLogSQL,
		string(l.Status), valTime(l.CompletedAt), l.ItemsProcessed, l.ItemsTotal,
		valStr(l.ErrorMessage), valStr(l.Notes), l.ID,
	)
	if err != nil {
		return err
	}
	// MySQL reports 0 affected rows when nothing changed, so only a missing row is an error.
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		if err := r.db.QueryRowContext(ctx, "SELECT 1 FROM sync_logs WHERE id = ?", l.ID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
	}
	return nil
}

func scanSyncLog(s rowScanner) (domain.SyncLog, error) {
	var (
		l             domain.SyncLog
		syncType, st  string
		completed     sql.NullTime
		errMsg, notes sql.NullString
	)
	if err := s.Scan(&l.ID, &syncType, &st, &l.StartedAt, &completed,
		&l.ItemsProcessed, &l.ItemsTotal, &errMsg, &notes); err != nil {
		return domain.SyncLog{}, err
	}
	l.SyncType, l.Status = domain.SyncType(syncType), domain.SyncStatus(st)
	l.StartedAt = l.StartedAt.UTC()
	l.CompletedAt = timePtr(completed)
	l.ErrorMessage, l.Notes = strPtr(errMsg), strPtr(notes)
	return l, nil
}

func (r *Repo) GetSyncLog(ctx context.Context, id string) (domain.SyncLog, error) {
	l, err := scanSyncLog(r.db.QueryRowContext(ctx, getSyncLogSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncLog{}, domain.ErrNotFound
	}
	return l, err
}

func (r *Repo) LatestSyncLog(ctx context.Context, t domain.SyncType) (*domain.SyncLog, error) {
	l, err := scanSyncLog(r.db.QueryRowContext(ctx, latestSyncLogSQL, string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *Repo) ListSyncLogs(ctx context.Context, limit int) ([]domain.SyncLog, error) {
	rows, err := r.db.QueryContext(ctx, listSyncLogsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.SyncLog{}
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

/********** rate-limit ledger **********/

func (r *Repo) RecordRequest(ctx context.Context, rec domain.RateLimitRecord) error {
	_, err := r.db.ExecContext(ctx, insertRequestSQL,
		rec.Endpoint, rec.RequestType, rec.RequestTimestamp.UTC().Truncate(time.Millisecond), rec.ResponseStatus, valJSON(rec.ResponseData))
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

func (r *Repo) CountRequests(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, countRequestsSQL, from.UTC(), to.UTC()).Scan(&n)
	return n, err
}

// OldestRequest returns nil, nil when the window is empty.
func (r *Repo) OldestRequest(ctx context.Context, from, to time.Time) (*domain.RateLimitRecord, error) {
	var (
		rec  domain.RateLimitRecord
		data []byte
	)
	err := r.db.QueryRowContext(ctx, oldestRequestSQL, from.UTC(), to.UTC()).Scan(
		&rec.ID, &rec.Endpoint, &rec.RequestType, &rec.RequestTimestamp, &rec.ResponseStatus, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.RequestTimestamp = rec.RequestTimestamp.UTC()
	rec.ResponseData = data
	return &rec, nil
}
