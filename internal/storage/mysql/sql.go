package mysql

const createMigrationsSQL = `
CREATE TABLE IF NOT EXISTS _migrations (
  name       VARCHAR(255) NOT NULL PRIMARY KEY,
  applied_at DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// -----------------------------------------------------------------------------
// MIRROR WRITES
// -----------------------------------------------------------------------------

// created_at is never overwritten once the row exists.
const savePropertySQL = `
INSERT INTO properties
  (guesty_id, title, nickname, property_type, room_type, address_full, street, city, state,
   country, zipcode, lat, lng, bedrooms, bathrooms, accommodates, amenities, pictures,
   base_price, currency, active, raw, created_at, updated_at, last_synced_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  title          = VALUES(title),
  nickname       = VALUES(nickname),
  property_type  = VALUES(property_type),
  room_type      = VALUES(room_type),
  address_full   = VALUES(address_full),
  street         = VALUES(street),
  city           = VALUES(city),
  state          = VALUES(state),
  country        = VALUES(country),
  zipcode        = VALUES(zipcode),
  lat            = VALUES(lat),
  lng            = VALUES(lng),
  bedrooms       = VALUES(bedrooms),
  bathrooms      = VALUES(bathrooms),
  accommodates   = VALUES(accommodates),
  amenities      = VALUES(amenities),
  pictures       = VALUES(pictures),
  base_price     = VALUES(base_price),
  currency       = VALUES(currency),
  active         = VALUES(active),
  raw            = VALUES(raw),
  updated_at     = VALUES(updated_at),
  last_synced_at = VALUES(last_synced_at)
`

const saveReservationSQL = `
INSERT INTO reservations
  (guesty_id, listing_id, confirmation_code, status, source, check_in, check_out,
   nights_count, guests_count, guest_name, guest_email, guest_phone, total_price,
   host_payout, currency, raw, created_at, updated_at, last_synced_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  listing_id        = VALUES(listing_id),
  confirmation_code = VALUES(confirmation_code),
  status            = VALUES(status),
  source            = VALUES(source),
  check_in          = VALUES(check_in),
  check_out         = VALUES(check_out),
  nights_count      = VALUES(nights_count),
  guests_count      = VALUES(guests_count),
  guest_name        = VALUES(guest_name),
  guest_email       = VALUES(guest_email),
  guest_phone       = VALUES(guest_phone),
  total_price       = VALUES(total_price),
  host_payout       = VALUES(host_payout),
  currency          = VALUES(currency),
  raw               = VALUES(raw),
  updated_at        = VALUES(updated_at),
  last_synced_at    = VALUES(last_synced_at)
`

const deletePropertySQL = `DELETE FROM properties WHERE guesty_id = ?`
const deleteReservationSQL = `DELETE FROM reservations WHERE guesty_id = ?`

// -----------------------------------------------------------------------------
// MIRROR READS
// -----------------------------------------------------------------------------

const propertyColumns = `
  guesty_id, title, nickname, property_type, room_type, address_full, street, city, state,
  country, zipcode, lat, lng, bedrooms, bathrooms, accommodates, amenities, pictures,
  base_price, currency, active, raw, created_at, updated_at, last_synced_at`

const reservationColumns = `
  guesty_id, listing_id, confirmation_code, status, source, check_in, check_out,
  nights_count, guests_count, guest_name, guest_email, guest_phone, total_price,
  host_payout, currency, raw, created_at, updated_at, last_synced_at`

const getPropertySQL = `SELECT` + propertyColumns + `
FROM properties WHERE guesty_id = ?`

const getReservationSQL = `SELECT` + reservationColumns + `
FROM reservations WHERE guesty_id = ?`

const listPropertyIDsSQL = `SELECT guesty_id FROM properties ORDER BY guesty_id`

// -----------------------------------------------------------------------------
// SYNC LOGS
// -----------------------------------------------------------------------------

const syncLogColumns = `
  id, sync_type, status, started_at, completed_at, items_processed, items_total, error_message, notes`

const insertSyncLogSQL = `
INSERT INTO sync_logs
  (id, sync_type, status, started_at, completed_at, items_processed, items_total, error_message, notes)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const updateSyncLogSQL = `
UPDATE sync_logs SET
  status          = ?,
  completed_at    = ?,
  items_processed = ?,
  items_total     = ?,
  error_message   = ?,
  notes           = ?
WHERE id = ?
`

const getSyncLogSQL = `SELECT` + syncLogColumns + `
FROM sync_logs WHERE id = ?`

const latestSyncLogSQL = `SELECT` + syncLogColumns + `
FROM sync_logs WHERE sync_type = ?
ORDER BY started_at DESC, id DESC
LIMIT 1`

const listSyncLogsSQL = `SELECT` + syncLogColumns + `
FROM sync_logs
ORDER BY started_at DESC, id DESC
LIMIT ?`

// -----------------------------------------------------------------------------
// RATE-LIMIT LEDGER
// -----------------------------------------------------------------------------

const insertRequestSQL = `
INSERT INTO rate_limit_requests (endpoint, request_type, request_timestamp, response_status, response_data)
VALUES (?, ?, ?, ?, ?)
`

const countRequestsSQL = `
SELECT COUNT(*) FROM rate_limit_requests
WHERE request_timestamp >= ? AND request_timestamp < ?
`

const oldestRequestSQL = `
SELECT id, endpoint, request_type, request_timestamp, response_status, response_data
FROM rate_limit_requests
WHERE request_timestamp >= ? AND request_timestamp < ?
ORDER BY request_timestamp ASC, id ASC
LIMIT 1
`
