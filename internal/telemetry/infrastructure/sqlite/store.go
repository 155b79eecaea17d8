package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const defaultPoolSize = 4

// seq orders records with equal timestamps by insertion.
const schema = `
CREATE TABLE IF NOT EXISTS robot_telemetry (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	robot_id      TEXT NOT NULL,
	status        TEXT NOT NULL,
	battery       REAL NOT NULL,
	wifi_strength REAL NOT NULL,
	charging      INTEGER NOT NULL,
	temperature   REAL NOT NULL,
	memory        REAL NOT NULL,
	location_x    REAL,
	location_y    REAL,
	location_z    REAL,
	error_code    TEXT,
	error_message TEXT,
	error_ts      INTEGER,
	ts            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS robot_telemetry_robot_ts ON robot_telemetry (robot_id, ts DESC, seq DESC);
CREATE INDEX IF NOT EXISTS robot_telemetry_ts ON robot_telemetry (ts);
`

const recordColumns = `id, robot_id, status, battery, wifi_strength, charging, temperature, memory,
	location_x, location_y, location_z, error_code, error_message, error_ts, ts`

// Store is a telemetry store in a local SQLite file.
type Store struct {
	pool   *sqlitex.Pool
	path   string
	logger *log.Logger
}

// Open opens or creates the database at path and applies the schema on every
// connection.
func Open(path string, poolSize int, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: empty path")
	}
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if logger == nil {
		logger = log.Default()
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %s: %w", path, err)
	}
	logger.Printf("sqlite store: opened path=%s pool=%d", path, poolSize)
	return &Store{pool: pool, path: path, logger: logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close closes the pool. It blocks until borrowed connections are returned.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// PingContext borrows a connection and runs a trivial query.
func (s *Store) PingContext(ctx context.Context) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// Append validates and inserts one record.
func (s *Store) Append(ctx context.Context, record telemetry.Record) (telemetry.RecordID, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var locX, locY, locZ any
	if record.Location != nil {
		locX, locY, locZ = record.Location.X, record.Location.Y, record.Location.Z
	}
	var errCode, errMessage, errTS any
	if record.LastError != nil {
		errCode, errMessage = record.LastError.Code, record.LastError.Message
		if !record.LastError.Timestamp.IsZero() {
			errTS = record.LastError.Timestamp.UTC().UnixNano()
		}
	}
	charging := int64(0)
	if record.Charging {
		charging = 1
	}

	id := uuid.NewString()
	err = sqlitex.Execute(conn, `INSERT INTO robot_telemetry (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			id,
			record.RobotID,
			string(record.Status),
			record.Battery,
			record.WifiStrength,
			charging,
			record.Temperature,
			record.Memory,
			locX, locY, locZ,
			errCode, errMessage, errTS,
			record.Timestamp.UTC().UnixNano(),
		},
	})
	if err != nil {
		return "", classify(ctx, err)
	}
	return telemetry.RecordID(id), nil
}

// LatestPerRobot returns the newest record of every robot ordered by robot id.
func (s *Store) LatestPerRobot(ctx context.Context) ([]telemetry.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM robot_telemetry t
		WHERE t.seq = (
			SELECT l.seq FROM robot_telemetry l
			WHERE l.robot_id = t.robot_id
			ORDER BY l.ts DESC, l.seq DESC
			LIMIT 1
		)
		ORDER BY t.robot_id`)
}

// Latest returns the newest record of robotID or telemetry.ErrNotFound.
func (s *Store) Latest(ctx context.Context, robotID string) (telemetry.Record, error) {
	records, err := s.query(ctx, `SELECT `+recordColumns+` FROM robot_telemetry
		WHERE robot_id = ?
		ORDER BY ts DESC, seq DESC
		LIMIT 1`, robotID)
	if err != nil {
		return telemetry.Record{}, err
	}
	if len(records) == 0 {
		return telemetry.Record{}, telemetry.ErrNotFound
	}
	return records[0], nil
}

// History returns the records of robotID with a timestamp at or after since, ascending.
func (s *Store) History(ctx context.Context, robotID string, since time.Time) ([]telemetry.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM robot_telemetry
		WHERE robot_id = ? AND ts >= ?
		ORDER BY ts ASC, seq ASC`, robotID, since.UTC().UnixNano())
}

// Sweep deletes records with a timestamp at or before cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM robot_telemetry WHERE ts <= ?`, &sqlitex.ExecOptions{
		Args: []any{cutoff.UTC().UnixNano()},
	})
	if err != nil {
		return 0, classify(ctx, err)
	}
	return int64(conn.Changes()), nil
}

// CountStored returns the number of stored records and distinct robots.
func (s *Store) CountStored(ctx context.Context) (int64, int64, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer s.pool.Put(conn)

	var records, robots int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*), COUNT(DISTINCT robot_id) FROM robot_telemetry`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = stmt.ColumnInt64(0)
			robots = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return 0, 0, classify(ctx, err)
	}
	return records, robots, nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	if s == nil || s.pool == nil {
		return nil, telemetry.ErrStoreUnavailable
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return conn, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]telemetry.Record, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	records := make([]telemetry.Record, 0)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	return records, nil
}

// scanRecord reads the columns listed in recordColumns.
func scanRecord(stmt *sqlite.Stmt) telemetry.Record {
	record := telemetry.Record{
		ID:           telemetry.RecordID(stmt.ColumnText(0)),
		RobotID:      stmt.ColumnText(1),
		Status:       telemetry.Status(stmt.ColumnText(2)),
		Battery:      stmt.ColumnFloat(3),
		WifiStrength: stmt.ColumnFloat(4),
		Charging:     stmt.ColumnInt64(5) != 0,
		Temperature:  stmt.ColumnFloat(6),
		Memory:       stmt.ColumnFloat(7),
		Timestamp:    time.Unix(0, stmt.ColumnInt64(14)).UTC(),
	}
	if !stmt.ColumnIsNull(8) {
		record.Location = &telemetry.Location{
			X: stmt.ColumnFloat(8),
			Y: stmt.ColumnFloat(9),
			Z: stmt.ColumnFloat(10),
		}
	}
	if !stmt.ColumnIsNull(11) {
		record.LastError = &telemetry.ErrorInfo{
			Code:    stmt.ColumnText(11),
			Message: stmt.ColumnText(12),
		}
		if !stmt.ColumnIsNull(13) {
			record.LastError.Timestamp = time.Unix(0, stmt.ColumnInt64(13)).UTC()
		}
	}
	return record
}

// classify keeps context errors and maps everything else onto ErrStoreUnavailable.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", telemetry.ErrStoreUnavailable, err)
}
