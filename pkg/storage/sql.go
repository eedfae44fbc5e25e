// pkg/storage/sql.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"border/pkg/dec112"
	"border/pkg/metrics"
)

// Supported SQL drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLConfig selects and configures the SQL backend
type SQLConfig struct {
	Driver          string
	DSN             string // postgres connection string or sqlite file path
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore implements Store on top of database/sql
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		id %[1]s,
		created_ts BIGINT NOT NULL,
		call_id TEXT NOT NULL,
		call_id_alt TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		caller_sip TEXT NOT NULL DEFAULT '',
		caller_id TEXT NOT NULL DEFAULT '',
		called_sip TEXT NOT NULL DEFAULT '',
		requested_service TEXT NOT NULL,
		is_test INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_call_id ON calls (call_id, requested_service)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_call_id_alt ON calls (call_id_alt, requested_service)`,
	`CREATE TABLE IF NOT EXISTS entries (
		id %[1]s,
		call_db_id BIGINT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		created_ts BIGINT NOT NULL,
		origin TEXT NOT NULL,
		message_id INTEGER NOT NULL DEFAULT 0,
		message_raw TEXT NOT NULL DEFAULT '',
		message_parsed TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_call ON entries (call_db_id)`,
	`CREATE TABLE IF NOT EXISTS texts (
		id %[1]s,
		entry_db_id BIGINT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		content TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS locations (
		id %[1]s,
		entry_db_id BIGINT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		altitude DOUBLE PRECISION,
		radius DOUBLE PRECISION,
		method TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS data (
		id %[1]s,
		entry_db_id BIGINT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		record_idx INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
}

// OpenSQL connects to the database and creates the schema.
func OpenSQL(ctx context.Context, config SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if strings.TrimSpace(config.DSN) == "" {
		return nil, errors.New("empty database dsn")
	}

	var dsn string
	switch config.Driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(config.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", filepath.ToSlash(config.DSN))
	case DriverPostgres:
		dsn = config.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLStore{db: db, driver: config.Driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQL storage initialized", zap.String("driver", config.Driver))
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaStatements {
			if strings.Contains(stmt, "%[1]s") {
				stmt = fmt.Sprintf(stmt, idColumn)
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// WithTx runs fn in a transaction, rolling back when it fails.
func (s *SQLStore) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// OpenCall stores a new call and its first entry in one transaction
func (s *SQLStore) OpenCall(ctx context.Context, origin string, call NewCall, raw string, msg *dec112.Message) (*OpenedCall, error) {
	if call.CallID == "" {
		return nil, ErrInvalidKey
	}
	start := time.Now()
	now := start.UTC()
	opened := &OpenedCall{CreatedAt: now.Truncate(time.Millisecond), CallID: call.CallID, CallIDAlt: call.CallIDAlt}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`INSERT INTO calls
			(created_ts, call_id, call_id_alt, device_id, caller_sip, caller_id, called_sip, requested_service, is_test)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			now.UnixMilli(), call.CallID, call.CallIDAlt, call.DeviceID, call.CallerURI,
			call.CallerID, call.CalledURI, call.Service, boolToInt(call.IsTest))
		if err := row.Scan(&opened.StorageID); err != nil {
			return fmt.Errorf("failed to insert call: %w", err)
		}
		return s.insertEntry(ctx, tx, origin, opened.StorageID, raw, msg)
	})
	if err != nil {
		metrics.RecordStorageError("open_call", s.driver)
		return nil, err
	}

	metrics.RecordStorageOperation("open_call", s.driver)
	s.logger.Debug("Call stored",
		zap.String("call_id", call.CallID),
		zap.Int64("storage_id", opened.StorageID),
		zap.Duration("took", time.Since(start)))
	return opened, nil
}

// StoreEntry appends a message to a stored call
func (s *SQLStore) StoreEntry(ctx context.Context, origin string, storageID int64, raw string, msg *dec112.Message) error {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insertEntry(ctx, tx, origin, storageID, raw, msg)
	})
	if err != nil {
		metrics.RecordStorageError("store_entry", s.driver)
		return err
	}
	metrics.RecordStorageOperation("store_entry", s.driver)
	return nil
}

func (s *SQLStore) insertEntry(ctx context.Context, tx *sql.Tx, origin string, callDBID int64, raw string, msg *dec112.Message) error {
	e := entryFromMessage(origin, msg, time.Now().UTC())
	parsed, err := marshalJSON(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	var entryID int64
	row := tx.QueryRowContext(ctx, s.rebind(`INSERT INTO entries
		(call_db_id, created_ts, origin, message_id, message_raw, message_parsed)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		callDBID, e.CreatedAt.UnixMilli(), origin, e.MessageID, raw, string(parsed))
	if err := row.Scan(&entryID); err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	for _, text := range e.Texts {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO texts (entry_db_id, content) VALUES (?, ?)`),
			entryID, text); err != nil {
			return fmt.Errorf("failed to insert text: %w", err)
		}
	}
	for _, l := range e.Locations {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO locations
			(entry_db_id, latitude, longitude, altitude, radius, method) VALUES (?, ?, ?, ?, ?, ?)`),
			entryID, l.Latitude, l.Longitude, nullFloat(l.Altitude), nullFloat(l.Radius), l.Method); err != nil {
			return fmt.Errorf("failed to insert location: %w", err)
		}
	}
	for idx, rec := range e.Data {
		for name, value := range rec {
			if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO data (entry_db_id, record_idx, name, value) VALUES (?, ?, ?, ?)`),
				entryID, idx, name, value); err != nil {
				return fmt.Errorf("failed to insert data: %w", err)
			}
		}
	}
	return nil
}

// GetCallByCallID returns the most recent call with that id
func (s *SQLStore) GetCallByCallID(ctx context.Context, callID, service string) (*CallRecord, error) {
	return s.getCall(ctx, "call_id", callID, service)
}

// GetCallByAltID returns the most recent call with that alternate id
func (s *SQLStore) GetCallByAltID(ctx context.Context, altID, service string) (*CallRecord, error) {
	if altID == "" {
		return nil, ErrNotFound
	}
	return s.getCall(ctx, "call_id_alt", altID, service)
}

func (s *SQLStore) getCall(ctx context.Context, column, value, service string) (*CallRecord, error) {
	rec := &CallRecord{Service: service, Chat: []Entry{}}
	var created int64
	var isTest int
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, created_ts, call_id, call_id_alt, device_id,
		caller_id, caller_sip, called_sip, is_test FROM calls
		WHERE `+column+` = ? AND requested_service = ? ORDER BY id DESC LIMIT 1`), value, service)
	err := row.Scan(&rec.StorageID, &created, &rec.CallID, &rec.CallIDAlt, &rec.DeviceID,
		&rec.CallerID, &rec.CallerURI, &rec.CalledURI, &isTest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.RecordStorageError("get_call", s.driver)
		return nil, fmt.Errorf("failed to query call: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.IsTest = isTest != 0

	entries, err := s.loadEntries(ctx, rec.StorageID)
	if err != nil {
		metrics.RecordStorageError("get_call", s.driver)
		return nil, err
	}
	rec.Chat = entries
	rec.Length = len(entries)

	metrics.RecordStorageOperation("get_call", s.driver)
	return rec, nil
}

func (s *SQLStore) loadEntries(ctx context.Context, callDBID int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, created_ts, origin, message_id
		FROM entries WHERE call_db_id = ? ORDER BY id`), callDBID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	var (
		ids     []int64
		entries []Entry
	)
	for rows.Next() {
		var (
			id      int64
			created int64
			e       = Entry{Texts: []string{}, Locations: []dec112.Location{}, Data: []dec112.DataRecord{}}
		)
		if err := rows.Scan(&id, &created, &e.Origin, &e.MessageID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		ids = append(ids, id)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range ids {
		if err := s.loadEntryDetails(ctx, id, &entries[i]); err != nil {
			return nil, err
		}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func (s *SQLStore) loadEntryDetails(ctx context.Context, entryID int64, e *Entry) error {
	texts, err := s.db.QueryContext(ctx, s.rebind(`SELECT content FROM texts WHERE entry_db_id = ? ORDER BY id`), entryID)
	if err != nil {
		return fmt.Errorf("failed to query texts: %w", err)
	}
	for texts.Next() {
		var t string
		if err := texts.Scan(&t); err != nil {
			texts.Close()
			return err
		}
		e.Texts = append(e.Texts, t)
	}
	texts.Close()

	locations, err := s.db.QueryContext(ctx, s.rebind(`SELECT latitude, longitude, altitude, radius, method
		FROM locations WHERE entry_db_id = ? ORDER BY id`), entryID)
	if err != nil {
		return fmt.Errorf("failed to query locations: %w", err)
	}
	for locations.Next() {
		var (
			l        dec112.Location
			alt, rad sql.NullFloat64
		)
		if err := locations.Scan(&l.Latitude, &l.Longitude, &alt, &rad, &l.Method); err != nil {
			locations.Close()
			return err
		}
		if alt.Valid {
			l.Altitude = &alt.Float64
		}
		if rad.Valid {
			l.Radius = &rad.Float64
		}
		e.Locations = append(e.Locations, l)
	}
	locations.Close()

	data, err := s.db.QueryContext(ctx, s.rebind(`SELECT record_idx, name, value
		FROM data WHERE entry_db_id = ? ORDER BY record_idx, id`), entryID)
	if err != nil {
		return fmt.Errorf("failed to query data: %w", err)
	}
	defer data.Close()
	current := -1
	for data.Next() {
		var (
			idx         int
			name, value string
		)
		if err := data.Scan(&idx, &name, &value); err != nil {
			return err
		}
		if idx != current {
			e.Data = append(e.Data, dec112.DataRecord{})
			current = idx
		}
		e.Data[len(e.Data)-1][name] = value
	}
	return data.Err()
}

// Ping checks database connectivity
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
