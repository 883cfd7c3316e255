package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/cartrabbit/internal/models"
)

const changeChannel = "ride_changes"

const rideColumns = `id, rider_id, rider_email, host_id,
	pickup_address, pickup_lat, pickup_lon, dest_address, dest_lat, dest_lon,
	fee_cents, currency, payment_reference, status,
	host_lat, host_lon, distance_to_pickup, eta_minutes, settlement, version,
	created_at, updated_at, accepted_at, started_at, completed_at, cancelled_at`

type PostgresStore struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
	now    func() time.Time
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, dsn: dsn, logger: logger, now: time.Now}, nil
}

// DB exposes the pool for other readers of the same database.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r models.RideRequest) (models.RideRequest, error) {
	r.Version = 1
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = p.now()
	}
	settlement, err := encodeSettlement(r.Settlement)
	if err != nil {
		return models.RideRequest{}, err
	}
	hostLat, hostLon := nullCoord(r.HostLocation)
	_, err = p.db.ExecContext(ctx, `INSERT INTO ride_requests (`+rideColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		r.ID, r.RiderID, r.RiderEmail, r.HostID,
		r.Pickup.Address, r.Pickup.Coord.Lat, r.Pickup.Coord.Lon,
		r.Destination.Address, r.Destination.Coord.Lat, r.Destination.Coord.Lon,
		r.FeeCents, r.Currency, r.PaymentReference, string(r.Status),
		hostLat, hostLon, r.DistanceToPickup, r.ETAMinutes, settlement, r.Version,
		r.CreatedAt, r.UpdatedAt, nullTime(r.AcceptedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt))
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return r, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, ErrNotFound
	}
	return r, err
}

// Update locks the row for the duration of the check and the write, so two
// concurrent accepts on one pending ride serialize and the second sees the
// first one's host.
func (p *PostgresStore) Update(ctx context.Context, id string, cond Condition, fn func(*models.RideRequest)) (models.RideRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RideRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, ErrNotFound
	}
	if err != nil {
		return models.RideRequest{}, err
	}
	if !cond.Matches(cur) {
		return cur, ErrConflict
	}

	next := CloneRide(cur)
	fn(&next)
	preserveImmutable(cur, &next)
	next.Version = cur.Version + 1
	next.UpdatedAt = p.now()

	settlement, err := encodeSettlement(next.Settlement)
	if err != nil {
		return models.RideRequest{}, err
	}
	hostLat, hostLon := nullCoord(next.HostLocation)
	_, err = tx.ExecContext(ctx, `UPDATE ride_requests SET
			host_id = $2, status = $3, host_lat = $4, host_lon = $5,
			distance_to_pickup = $6, eta_minutes = $7, settlement = $8, version = $9, updated_at = $10,
			accepted_at = $11, started_at = $12, completed_at = $13, cancelled_at = $14
		WHERE id = $1`,
		id, next.HostID, string(next.Status), hostLat, hostLon,
		next.DistanceToPickup, next.ETAMinutes, settlement, next.Version, next.UpdatedAt,
		nullTime(next.AcceptedAt), nullTime(next.StartedAt), nullTime(next.CompletedAt), nullTime(next.CancelledAt))
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("update ride %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return models.RideRequest{}, err
	}
	return next, nil
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]models.RideRequest, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(ss))+")")
	}
	if f.RiderID != "" {
		where = append(where, "rider_id = "+arg(f.RiderID))
	}
	if f.HostID != "" {
		where = append(where, "host_id = "+arg(f.HostID))
	}
	if f.Unassigned {
		where = append(where, "host_id = ''")
	}
	q := `SELECT ` + rideColumns + ` FROM ride_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rides: %w", err)
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Watch listens on the notification channel written by the ride_requests
// trigger and loads each changed row. A reconnect yields a Resync change.
func (p *PostgresStore) Watch(ctx context.Context) (<-chan Change, error) {
	l := pq.NewListener(p.dsn, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("ride listener event", "event", int(ev), "error", err)
		}
	})
	if err := l.Listen(changeChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", changeChannel, err)
	}
	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer l.Close()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				go func() { _ = l.Ping() }()
			case n := <-l.Notify:
				var ch Change
				if n == nil {
					ch = Change{Resync: true}
				} else {
					r, err := p.Get(ctx, n.Extra)
					if err != nil {
						p.logger.Error("load changed ride", "ride_id", n.Extra, "error", err)
						continue
					}
					ch = Change{Ride: r}
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *PostgresStore) Archive(ctx context.Context, r models.RideRequest) error {
	record, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO bookings (ride_id, rider_id, host_id, fee_cents, payment_reference, completed_at, record)
		VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (ride_id) DO NOTHING`,
		r.ID, r.RiderID, r.HostID, r.FeeCents, r.PaymentReference, nullTime(r.CompletedAt), string(record))
	if err != nil {
		return fmt.Errorf("archive ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) AddMessage(ctx context.Context, m models.Message) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_messages (id, ride_id, sender_id, sender_role, body, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, m.ID, m.RideID, m.SenderID, string(m.SenderRole), m.Text, m.SentAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) Messages(ctx context.Context, rideID string) ([]models.Message, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, sender_id, sender_role, body, sent_at
		FROM ride_messages WHERE ride_id = $1 ORDER BY sent_at, id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Message, 0)
	for rows.Next() {
		var (
			m    models.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderID, &role, &m.Text, &m.SentAt); err != nil {
			return nil, err
		}
		m.SenderRole = models.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddReview(ctx context.Context, rv models.Review) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_reviews (ride_id, host_id, rider_id, rating, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, rv.RideID, rv.HostID, rv.RiderID, rv.Rating, rv.Comment, rv.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23503":
			return ErrNotFound
		case "23505":
			return ErrDuplicate
		}
	}
	return err
}

func (p *PostgresStore) Reviews(ctx context.Context, hostID string) ([]models.Review, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id, host_id, rider_id, rating, comment, created_at
		FROM ride_reviews WHERE host_id = $1 ORDER BY created_at DESC, ride_id`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Review, 0)
	for rows.Next() {
		var rv models.Review
		if err := rows.Scan(&rv.RideID, &rv.HostID, &rv.RiderID, &rv.Rating, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.RideRequest, error) {
	var (
		r                                      models.RideRequest
		status                                 string
		hostLat, hostLon                       sql.NullFloat64
		settlement                             []byte
		acceptedAt, startedAt, completedAt, ca sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &r.RiderEmail, &r.HostID,
		&r.Pickup.Address, &r.Pickup.Coord.Lat, &r.Pickup.Coord.Lon,
		&r.Destination.Address, &r.Destination.Coord.Lat, &r.Destination.Coord.Lon,
		&r.FeeCents, &r.Currency, &r.PaymentReference, &status,
		&hostLat, &hostLon, &r.DistanceToPickup, &r.ETAMinutes, &settlement, &r.Version,
		&r.CreatedAt, &r.UpdatedAt, &acceptedAt, &startedAt, &completedAt, &ca)
	if err != nil {
		return models.RideRequest{}, err
	}
	r.Status = models.Status(status)
	if hostLat.Valid && hostLon.Valid {
		r.HostLocation = &models.Coord{Lat: hostLat.Float64, Lon: hostLon.Float64}
	}
	if len(settlement) > 0 {
		var st models.Settlement
		if err := json.Unmarshal(settlement, &st); err != nil {
			return models.RideRequest{}, fmt.Errorf("decode settlement of %s: %w", r.ID, err)
		}
		r.Settlement = &st
	}
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(ca)
	return r, nil
}

func encodeSettlement(s *models.Settlement) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	// lib/pq sends []byte as bytea; jsonb needs text
	return string(b), nil
}

func nullCoord(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
