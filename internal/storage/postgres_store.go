package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/freelance-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle (used with sqlmock in tests).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const bookingColumns = `id, kind, client_id, freelancer_id, instant, request_id, start_at, end_at, lat, lon, address,
base_price, policy, status, quote, amount_paid, payment_ref, payment_state, earning, rating, review,
cancelled_by, cancel_reason, created_at, status_changed_at, completed_at`

func bookingArgs(b *models.Booking) ([]any, error) {
	var quote []byte
	if b.Quote != nil {
		var err error
		if quote, err = json.Marshal(b.Quote); err != nil {
			return nil, err
		}
	}
	return []any{
		b.ID, string(b.Kind), b.ClientID, b.FreelancerID, b.Instant, nullString(b.RequestID), b.StartAt, b.EndAt,
		b.Location.Lat, b.Location.Lon, b.Location.Address,
		b.BasePrice, string(b.Policy), string(b.Status), quote, b.AmountPaid, b.PaymentRef, string(b.PaymentState), b.Earning,
		b.Rating, b.Review, b.CancelledBy, b.CancelReason, b.CreatedAt, b.StatusChangedAt, b.CompletedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b         models.Booking
		requestID sql.NullString
		endAt     sql.NullTime
		completed sql.NullTime
		quote     []byte
	)
	err := row.Scan(&b.ID, &b.Kind, &b.ClientID, &b.FreelancerID, &b.Instant, &requestID, &b.StartAt, &endAt,
		&b.Location.Lat, &b.Location.Lon, &b.Location.Address,
		&b.BasePrice, &b.Policy, &b.Status, &quote, &b.AmountPaid, &b.PaymentRef, &b.PaymentState, &b.Earning,
		&b.Rating, &b.Review, &b.CancelledBy, &b.CancelReason, &b.CreatedAt, &b.StatusChangedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	b.RequestID = requestID.String
	if endAt.Valid {
		b.EndAt = &endAt.Time
	}
	if completed.Valid {
		b.CompletedAt = &completed.Time
	}
	if len(quote) > 0 {
		var q models.Quote
		if err := json.Unmarshal(quote, &q); err != nil {
			return nil, fmt.Errorf("decode quote for booking %s: %w", b.ID, err)
		}
		b.Quote = &q
	}
	return &b, nil
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	args, err := bookingArgs(b)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO bookings(`+bookingColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`, args...)
	return duplicateAsStale(err)
}

// duplicateAsStale maps a primary key violation to ErrStaleWrite, matching
// the memory store.
func duplicateAsStale(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.ErrStaleWrite
	}
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

// UpdateBooking rewrites the mutable columns guarded by the expected status.
func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking, from models.BookingStatus) error {
	var quote []byte
	if b.Quote != nil {
		var err error
		if quote, err = json.Marshal(b.Quote); err != nil {
			return err
		}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET status=$1, quote=$2, amount_paid=$3, payment_ref=$4, payment_state=$5,
earning=$6, cancelled_by=$7, cancel_reason=$8, status_changed_at=$9, completed_at=$10
WHERE id=$11 AND status=$12`,
		string(b.Status), quote, b.AmountPaid, b.PaymentRef, string(b.PaymentState),
		b.Earning, b.CancelledBy, b.CancelReason, b.StatusChangedAt, b.CompletedAt,
		b.ID, string(from))
	if err != nil {
		return err
	}
	return p.checkBookingWrite(ctx, res, b.ID)
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, id string, pay Payment) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET payment_ref=$1, payment_state=$2, amount_paid=$3 WHERE id=$4`,
		pay.Ref, string(pay.State), pay.AmountPaid, id)
	if err != nil {
		return err
	}
	return p.checkBookingWrite(ctx, res, id)
}

func (p *PostgresStore) RateBooking(ctx context.Context, id string, stars int, review string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET rating=$1, review=$2 WHERE id=$3 AND status=$4 AND rating=0`,
		stars, review, id, string(models.StatusCompleted))
	if err != nil {
		return err
	}
	return p.checkBookingWrite(ctx, res, id)
}

// checkBookingWrite tells a missing row from a guarded update that matched
// nothing.
func (p *PostgresStore) checkBookingWrite(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrStaleWrite
}

func (p *PostgresStore) ListBookings(ctx context.Context, f BookingFilter) ([]*models.Booking, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
WHERE ($1 = '' OR client_id = $1) AND ($2 = '' OR freelancer_id = $2) AND ($3 = '' OR status = $3)
ORDER BY created_at DESC LIMIT $4`, f.ClientID, f.FreelancerID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.InstantRequest) error {
	cands, err := json.Marshal(r.Candidates)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO instant_requests(id, client_id, category, lat, lon, address, radius_km, base_price, policy, candidates, resolution, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.ClientID, r.Category, r.Location.Lat, r.Location.Lon, r.Location.Address, r.RadiusKm, r.BasePrice,
		string(r.Policy), cands, string(r.Resolution), r.CreatedAt)
	return err
}

const requestColumns = `id, client_id, category, lat, lon, address, radius_km, base_price, policy, candidates, resolution, winner_id, booking_id, created_at, resolved_at`

func scanRequest(row rowScanner) (*models.InstantRequest, error) {
	var (
		r        models.InstantRequest
		cands    []byte
		winner   sql.NullString
		booking  sql.NullString
		resolved sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ClientID, &r.Category, &r.Location.Lat, &r.Location.Lon, &r.Location.Address, &r.RadiusKm,
		&r.BasePrice, &r.Policy, &cands, &r.Resolution, &winner, &booking, &r.CreatedAt, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	if len(cands) > 0 {
		if err := json.Unmarshal(cands, &r.Candidates); err != nil {
			return nil, fmt.Errorf("decode candidates for request %s: %w", r.ID, err)
		}
	}
	r.WinnerID = winner.String
	r.BookingID = booking.String
	if resolved.Valid {
		r.ResolvedAt = &resolved.Time
	}
	return &r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.InstantRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM instant_requests WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT freelancer_id, price, created_at FROM instant_request_bids WHERE request_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.FreelancerID, &b.Price, &b.At); err != nil {
			return nil, err
		}
		r.Bids = append(r.Bids, b)
	}
	return r, rows.Err()
}

// AppendBid holds a share lock on the request row so a concurrent
// ResolveRequest cannot commit between the check and the insert.
func (p *PostgresStore) AppendBid(ctx context.Context, id string, bid models.Bid) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var resolution string
	err = tx.QueryRowContext(ctx, `SELECT resolution FROM instant_requests WHERE id = $1 FOR SHARE`, id).Scan(&resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if models.ResolutionState(resolution) != models.Unresolved {
		return models.ErrRequestAlreadyResolved
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO instant_request_bids(request_id, freelancer_id, price, created_at) VALUES($1,$2,$3,$4)`,
		id, bid.FreelancerID, bid.Price, bid.At); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveRequest is a single conditional UPDATE; Postgres row locking makes
// it the compare-and-set for the resolution column.
func (p *PostgresStore) ResolveRequest(ctx context.Context, id string, to models.ResolutionState, winnerID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE instant_requests SET resolution=$1, winner_id=$2, resolved_at=$3 WHERE id=$4 AND resolution='unresolved'`,
		string(to), nullString(winnerID), at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var current string
	err = p.db.QueryRowContext(ctx, `SELECT resolution FROM instant_requests WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	return models.ErrRequestAlreadyResolved
}

func (p *PostgresStore) AttachBooking(ctx context.Context, id, bookingID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE instant_requests SET booking_id=$1 WHERE id=$2`, bookingID, id)
	return err
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, createdBefore time.Time) ([]*models.InstantRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM instant_requests WHERE resolution='unresolved' AND created_at < $1 ORDER BY created_at`, createdBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.InstantRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const entryColumns = `id, freelancer_id, booking_id, withdrawal_id, kind, amount, state, created_at, available_at`

func scanEntry(row rowScanner) (models.LedgerEntry, error) {
	var (
		e          models.LedgerEntry
		bookingID  sql.NullString
		withdrawal sql.NullString
	)
	if err := row.Scan(&e.ID, &e.FreelancerID, &bookingID, &withdrawal, &e.Kind, &e.Amount, &e.State, &e.CreatedAt, &e.AvailableAt); err != nil {
		return e, err
	}
	e.BookingID = bookingID.String
	e.WithdrawalID = withdrawal.String
	return e, nil
}

// InsertEntry relies on the partial unique indexes from migrations/001_init.sql.
func (p *PostgresStore) InsertEntry(ctx context.Context, e *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO ledger_entries(`+entryColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT DO NOTHING`,
		e.ID, e.FreelancerID, nullString(e.BookingID), nullString(e.WithdrawalID), string(e.Kind), e.Amount, string(e.State), e.CreatedAt, e.AvailableAt)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		stored := *e
		return &stored, true, nil
	}

	var row *sql.Row
	if e.Kind == models.EntryWithdrawal {
		row = p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE kind=$1 AND withdrawal_id=$2`, string(e.Kind), e.WithdrawalID)
	} else {
		row = p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE kind=$1 AND booking_id=$2`, string(e.Kind), e.BookingID)
	}
	existing, err := scanEntry(row)
	if err != nil {
		return nil, false, fmt.Errorf("load conflicting ledger entry: %w", err)
	}
	return &existing, false, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, freelancerID string) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE freelancer_id = $1 ORDER BY created_at, id`, freelancerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PromoteDue(ctx context.Context, now time.Time) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `UPDATE ledger_entries SET state='available'
WHERE kind='credit' AND state='pending' AND available_at <= $1 RETURNING `+entryColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const withdrawalColumns = `id, freelancer_id, amount, payment_method, status, requested_at, processed_at, transaction_id, reject_reason`

func scanWithdrawal(row rowScanner) (*models.WithdrawalRequest, error) {
	var (
		w         models.WithdrawalRequest
		processed sql.NullTime
		txID      sql.NullString
		reason    sql.NullString
	)
	err := row.Scan(&w.ID, &w.FreelancerID, &w.Amount, &w.PaymentMethod, &w.Status, &w.RequestedAt, &processed, &txID, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	if processed.Valid {
		w.ProcessedAt = &processed.Time
	}
	w.TransactionID = txID.String
	w.RejectReason = reason.String
	return &w, nil
}

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO withdrawal_requests(id, freelancer_id, amount, payment_method, status, requested_at) VALUES($1,$2,$3,$4,$5,$6)`,
		w.ID, w.FreelancerID, w.Amount, w.PaymentMethod, string(w.Status), w.RequestedAt)
	return err
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	return scanWithdrawal(p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id))
}

func (p *PostgresStore) UpdateWithdrawal(ctx context.Context, w *models.WithdrawalRequest, from models.WithdrawalStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE withdrawal_requests SET status=$1, processed_at=$2, transaction_id=$3, reject_reason=$4 WHERE id=$5 AND status=$6`,
		string(w.Status), w.ProcessedAt, nullString(w.TransactionID), nullString(w.RejectReason), w.ID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrStaleWrite
	}
	return nil
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, freelancerID string, statuses ...models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests
WHERE ($1 = '' OR freelancer_id = $1) AND (cardinality($2::text[]) = 0 OR status = ANY($2))
ORDER BY requested_at`, freelancerID, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
