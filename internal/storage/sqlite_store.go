// Package storage records recovered symbol streams and sync detections in
// SQLite so a session can be replayed or inspected offline.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rjboer/dmrmodem/internal/modem"
	"github.com/rjboer/dmrmodem/internal/sink"
)

// Session is one recording run.
type Session struct {
	ID        int64
	StartTime time.Time
	Source    string
	Config    *string
}

// SyncRecord is a stored sync detection.
type SyncRecord struct {
	Timestamp time.Time
	Index     uint64
	Kind      string
	Data      bool
	Score     float64
}

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore returns a store backed by the database at dbPath. The
// file and schema are created on first write.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		// a single writer keeps inserts ordered
		db.SetMaxOpenConns(1)

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// CreateSession starts a recording. config is stored as JSON unless it is
// already a string or byte slice.
func (s *SqliteStore) CreateSession(ctx context.Context, source string, config any) (sessionID int64, err error) {
	var configData sql.NullString

	switch c := config.(type) {
	case nil:
	case string:
		configData = sql.NullString{String: c, Valid: true}
	case []byte:
		configData = sql.NullString{String: string(c), Valid: true}
	default:
		var p []byte
		if p, err = json.Marshal(config); err != nil {
			err = fmt.Errorf("marshaling config: %w", err)
			return
		}
		configData = sql.NullString{String: string(p), Valid: true}
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	result, err := db.ExecContext(ctx, insertSessionSQL, time.Now().UTC(), source, configData)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

// StoreSymbols appends one block of symbols starting at index first.
func (s *SqliteStore) StoreSymbols(ctx context.Context, sessionID int64, first uint64, symbols []float32) error {
	if len(symbols) == 0 {
		return nil
	}
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}
	blob := sink.AppendFloat32s(make([]byte, 0, len(symbols)*sink.BytesPerSymbol), symbols)
	if _, err := db.ExecContext(ctx, insertSymbolsSQL, sessionID, time.Now().UTC(), int64(first), len(symbols), blob); err != nil {
		return fmt.Errorf("inserting symbols: %w", err)
	}
	return nil
}

// StoreSyncEvents records detections in one transaction.
func (s *SqliteStore) StoreSyncEvents(ctx context.Context, sessionID int64, events []modem.SyncEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	stmt, err := tx.PrepareContext(ctx, insertSyncSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	now := time.Now().UTC()
	for _, ev := range events {
		if _, err = stmt.ExecContext(ctx, sessionID, now, int64(ev.Index), ev.Kind.String(), ev.Data, ev.Score); err != nil {
			return fmt.Errorf("inserting sync event: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Sessions lists every recording.
func (s *SqliteStore) Sessions(ctx context.Context) (sessions []Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &sess.StartTime, &sess.Source, &config); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		if config.Valid {
			sess.Config = &config.String
		}
		sessions = append(sessions, sess)
	}
	err = rows.Err()
	return
}

// Symbols returns the full symbol stream of a session in order.
func (s *SqliteStore) Symbols(ctx context.Context, sessionID int64) (symbols []float32, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSymbolsSQL, sessionID)
	if err != nil {
		err = fmt.Errorf("querying symbols: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var blob []byte
		if err = rows.Scan(&blob); err != nil {
			err = fmt.Errorf("scanning symbols: %w", err)
			return
		}
		symbols, _ = sink.DecodeFloat32s(symbols, blob)
	}
	err = rows.Err()
	return
}

// SyncEvents returns the detections of a session in stream order.
func (s *SqliteStore) SyncEvents(ctx context.Context, sessionID int64) (events []SyncRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSyncSQL, sessionID)
	if err != nil {
		err = fmt.Errorf("querying sync events: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var rec SyncRecord
		var index int64
		if err = rows.Scan(&rec.Timestamp, &index, &rec.Kind, &rec.Data, &rec.Score); err != nil {
			err = fmt.Errorf("scanning sync event: %w", err)
			return
		}
		rec.Index = uint64(index)
		events = append(events, rec)
	}
	err = rows.Err()
	return
}

// Close builds the read indexes and releases both connections.
func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
