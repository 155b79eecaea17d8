package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const defaultTelemetryTable = "robot_telemetry"

// Store is a Postgres implementation of the telemetry store.
type Store struct {
	db    *sql.DB
	table string
}

// NewStore constructs a store with the default table name.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	store := &Store{db: db, table: defaultTelemetryTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithTable overrides the default table name.
func WithTable(table string) StoreOption {
	return func(store *Store) {
		if table != "" {
			store.table = table
		}
	}
}

// Table returns the backing table name.
func (s *Store) Table() string { return s.table }

// Append inserts one record and returns its generated id.
func (s *Store) Append(ctx context.Context, record telemetry.Record) (telemetry.RecordID, error) {
	if s == nil || s.db == nil {
		return "", errors.New("telemetry store: nil db")
	}
	if err := record.Validate(); err != nil {
		return "", err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	robot_id,
	status,
	battery,
	wifi_strength,
	charging,
	temperature,
	memory,
	location_x,
	location_y,
	location_z,
	error_code,
	error_message,
	error_at,
	ts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
)
RETURNING id::text`, s.table)

	var x, y, z sql.NullFloat64
	if loc := record.Location; loc != nil {
		x = sql.NullFloat64{Float64: loc.X, Valid: true}
		y = sql.NullFloat64{Float64: loc.Y, Valid: true}
		z = sql.NullFloat64{Float64: loc.Z, Valid: true}
	}
	var code, message sql.NullString
	var errorAt sql.NullTime
	if e := record.LastError; e != nil {
		code = sql.NullString{String: e.Code, Valid: true}
		message = sql.NullString{String: e.Message, Valid: true}
		errorAt = sql.NullTime{Time: e.Timestamp.UTC(), Valid: !e.Timestamp.IsZero()}
	}

	var id string
	err := s.db.QueryRowContext(
		ctx,
		query,
		record.RobotID,
		string(record.Status),
		record.Battery,
		record.WifiStrength,
		record.Charging,
		record.Temperature,
		record.Memory,
		x, y, z,
		code, message, errorAt,
		record.Timestamp.UTC(),
	).Scan(&id)
	if err != nil {
		return "", classify(err)
	}
	return telemetry.RecordID(id), nil
}

// LatestPerRobot returns the newest record of every robot, ordered by robot id.
func (s *Store) LatestPerRobot(ctx context.Context) ([]telemetry.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("telemetry store: nil db")
	}
	query := fmt.Sprintf(`
SELECT DISTINCT ON (robot_id) %s
FROM %s
ORDER BY robot_id, ts DESC, id DESC`, selectColumns, s.table)

	return s.queryRecords(ctx, query)
}

// Latest returns the newest record of one robot.
func (s *Store) Latest(ctx context.Context, robotID string) (telemetry.Record, error) {
	if s == nil || s.db == nil {
		return telemetry.Record{}, errors.New("telemetry store: nil db")
	}
	if robotID == "" {
		return telemetry.Record{}, telemetry.ErrEmptyRobotID
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE robot_id = $1
ORDER BY ts DESC, id DESC
LIMIT 1`, selectColumns, s.table)

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, robotID))
	if err == sql.ErrNoRows {
		return telemetry.Record{}, telemetry.ErrNotFound
	}
	if err != nil {
		return telemetry.Record{}, classify(err)
	}
	return record, nil
}

// History returns records of robotID with ts >= since, ascending.
func (s *Store) History(ctx context.Context, robotID string, since time.Time) ([]telemetry.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("telemetry store: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE robot_id = $1
	AND ts >= $2
ORDER BY ts ASC, id ASC`, selectColumns, s.table)

	return s.queryRecords(ctx, query, robotID, since.UTC())
}

// Sweep deletes records with ts <= cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("telemetry store: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE ts <= $1`, s.table)
	result, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, classify(err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return removed, nil
}

const selectColumns = `
	id::text,
	robot_id,
	status,
	battery,
	wifi_strength,
	charging,
	temperature,
	memory,
	location_x,
	location_y,
	location_z,
	error_code,
	error_message,
	error_at,
	ts`

// CountStored returns the number of stored records and distinct robots.
func (s *Store) CountStored(ctx context.Context) (int64, int64, error) {
	if s == nil || s.db == nil {
		return 0, 0, errors.New("telemetry store: nil db")
	}
	var records, robots int64
	query := fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT robot_id) FROM %s`, s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&records, &robots); err != nil {
		return 0, 0, classify(err)
	}
	return records, robots, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (telemetry.Record, error) {
	var (
		record        telemetry.Record
		id, status    string
		x, y, z       sql.NullFloat64
		code, message sql.NullString
		errorAt       sql.NullTime
	)
	if err := row.Scan(
		&id,
		&record.RobotID,
		&status,
		&record.Battery,
		&record.WifiStrength,
		&record.Charging,
		&record.Temperature,
		&record.Memory,
		&x, &y, &z,
		&code, &message, &errorAt,
		&record.Timestamp,
	); err != nil {
		return telemetry.Record{}, err
	}
	record.ID = telemetry.RecordID(id)
	record.Status = telemetry.Status(status)
	record.Timestamp = record.Timestamp.UTC()
	if x.Valid && y.Valid && z.Valid {
		record.Location = &telemetry.Location{X: x.Float64, Y: y.Float64, Z: z.Float64}
	}
	if code.Valid {
		info := &telemetry.ErrorInfo{Code: code.String, Message: message.String}
		if errorAt.Valid {
			info.Timestamp = errorAt.Time.UTC()
		}
		record.LastError = info
	}
	return record, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]telemetry.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	records := make([]telemetry.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, classify(err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return records, nil
}

// classify maps driver failures onto domain errors. Statement errors reported by
// the server are returned as is; everything else means the store is unreachable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("telemetry store: %s: %w", pgErr.Code, err)
	}
	return fmt.Errorf("%w: %v", telemetry.ErrStoreUnavailable, err)
}
