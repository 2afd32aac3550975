package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore keeps processes and documents as jsonb records. Path
// upserts lock the record row and merge in Go so every backend shares one
// merge implementation.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// withTx runs fn in a transaction. A store that already is a transaction
// runs fn in it.
func (s *PostgresStore) withTx(ctx context.Context, fn func(db DBInterface) error) (err error) {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return fn(s.db)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Wrapf(err, "rollback failed: %v", rbErr)
			}
			return
		}
		err = errors.Wrap(tx.Commit(), "commit")
	}()
	return fn(tx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *PostgresStore) getRecord(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, "SELECT doc FROM records WHERE collection = $1 AND id = $2", collection, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s %s", collection, id)
	}
	doc := make(map[string]interface{})
	return doc, errors.Wrapf(json.Unmarshal(raw, &doc), "decode %s %s", collection, id)
}

// CreateProcess stores a new process record
func (s *PostgresStore) CreateProcess(ctx context.Context, p models.Process) error {
	if p.ID == "" {
		return errors.New("process id is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode process")
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO records (collection, id, doc) VALUES ($1, $2, $3)",
		storage.CollectionProcesses, p.ID, raw)
	if isUniqueViolation(err) {
		return errors.Wrapf(storage.ErrDuplicate, "process %s", p.ID)
	}
	return errors.Wrapf(err, "create process %s", p.ID)
}

func (s *PostgresStore) GetProcess(ctx context.Context, id string) (models.Process, error) {
	doc, err := s.getRecord(ctx, storage.CollectionProcesses, id)
	if err != nil {
		return models.Process{}, err
	}
	var p models.Process
	return p, storage.FromDoc(doc, &p)
}

// SetFields merges fields into the root of an existing record
func (s *PostgresStore) SetFields(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "encode fields")
	}
	res, err := s.db.ExecContext(ctx, "UPDATE records SET doc = doc || $3::jsonb WHERE collection = $1 AND id = $2",
		collection, id, raw)
	if err != nil {
		return errors.Wrapf(err, "set fields of %s %s", collection, id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "%s %s", collection, id)
	}
	return nil
}

// UpsertByPath records the operation key and merges the fields in one
// transaction, so a key is never marked applied without its change.
func (s *PostgresStore) UpsertByPath(ctx context.Context, op storage.Operation) (bool, error) {
	fields, err := storage.ToDoc(op.Fields)
	if err != nil {
		return false, err
	}
	applied := false
	err = s.withTx(ctx, func(db DBInterface) error {
		if op.Key != "" {
			res, err := db.ExecContext(ctx, "INSERT INTO applied_updates (key) VALUES ($1) ON CONFLICT DO NOTHING", op.Key)
			if err != nil {
				return errors.Wrap(err, "record update key")
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				return err
			}
		}

		seed, _ := json.Marshal(map[string]interface{}{"id": op.ID})
		if _, err := db.ExecContext(ctx, "INSERT INTO records (collection, id, doc) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
			op.Collection, op.ID, seed); err != nil {
			return errors.Wrapf(err, "create %s %s", op.Collection, op.ID)
		}
		var raw []byte
		if err := db.GetContext(ctx, &raw, "SELECT doc FROM records WHERE collection = $1 AND id = $2 FOR UPDATE",
			op.Collection, op.ID); err != nil {
			return errors.Wrapf(err, "lock %s %s", op.Collection, op.ID)
		}
		doc := make(map[string]interface{})
		if err := json.Unmarshal(raw, &doc); err != nil {
			return errors.Wrapf(err, "decode %s %s", op.Collection, op.ID)
		}
		if err := storage.MergeAt(doc, op.Path, fields); err != nil {
			return err
		}
		merged, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, "encode record")
		}
		if _, err := db.ExecContext(ctx, "UPDATE records SET doc = $3 WHERE collection = $1 AND id = $2",
			op.Collection, op.ID, merged); err != nil {
			return errors.Wrapf(err, "update %s %s", op.Collection, op.ID)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *PostgresStore) FindDocumentByKey(ctx context.Context, processID, key string) (map[string]interface{}, error) {
	return s.getRecord(ctx, storage.CollectionDocuments, storage.DocumentID(processID, key))
}

// InsertEvent stores an event once; a repeated id is not an error
func (s *PostgresStore) InsertEvent(ctx context.Context, rec models.EventRecord) (bool, error) {
	raw, err := json.Marshal(rec.Event)
	if err != nil {
		return false, errors.Wrap(err, "encode event")
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, process_id, timestamp, event_seq, event) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING",
		rec.ID, rec.ProcessID, rec.Timestamp, int64(rec.Seq), raw)
	if err != nil {
		return false, errors.Wrapf(err, "insert event %s", rec.ID)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type eventRow struct {
	ID        string `db:"id"`
	ProcessID string `db:"process_id"`
	Timestamp int64  `db:"timestamp"`
	Seq       int64  `db:"event_seq"`
	Event     []byte `db:"event"`
}

func (s *PostgresStore) FindEventsByProcess(ctx context.Context, processID string) ([]models.EventRecord, error) {
	rows := []eventRow{}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, process_id, timestamp, event_seq, event FROM events WHERE process_id = $1 ORDER BY timestamp, event_seq, seq", processID)
	if err != nil {
		return nil, errors.Wrapf(err, "find events of process %s", processID)
	}
	events := make([]models.EventRecord, 0, len(rows))
	for _, row := range rows {
		rec := models.EventRecord{ID: row.ID, ProcessID: row.ProcessID, Timestamp: row.Timestamp, Seq: uint64(row.Seq)}
		if err := json.Unmarshal(row.Event, &rec.Event); err != nil {
			return nil, errors.Wrapf(err, "decode event %s", row.ID)
		}
		events = append(events, rec)
	}
	return events, nil
}

func (s *PostgresStore) SavePipeline(ctx context.Context, p models.Pipeline) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode pipeline")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO pipelines (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc", p.ID, raw)
	return errors.Wrapf(err, "save pipeline %s", p.ID)
}

func (s *PostgresStore) GetPipeline(ctx context.Context, id string) (models.Pipeline, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, "SELECT doc FROM pipelines WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Pipeline{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Pipeline{}, errors.Wrapf(err, "get pipeline %s", id)
	}
	var p models.Pipeline
	return p, errors.Wrapf(json.Unmarshal(raw, &p), "decode pipeline %s", id)
}

// SaveUser stores a user. The worker count lives in its own column so that
// budget changes are single statement increments.
func (s *PostgresStore) SaveUser(ctx context.Context, u models.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "encode user")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, session, worker_count, doc) VALUES ($1, NULLIF($2, ''), $3, $4)
		ON CONFLICT (id) DO UPDATE SET session = EXCLUDED.session, worker_count = EXCLUDED.worker_count, doc = EXCLUDED.doc`,
		u.ID, u.Session, u.WorkerCount, raw)
	return errors.Wrapf(err, "save user %s", u.ID)
}

type userRow struct {
	WorkerCount int    `db:"worker_count"`
	Doc         []byte `db:"doc"`
}

func (s *PostgresStore) scanUser(ctx context.Context, query string, arg interface{}) (models.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if err == sql.ErrNoRows {
		return models.User{}, storage.ErrNotFound
	}
	if err != nil {
		return models.User{}, errors.Wrap(err, "get user")
	}
	var u models.User
	if err := json.Unmarshal(row.Doc, &u); err != nil {
		return models.User{}, errors.Wrap(err, "decode user")
	}
	u.WorkerCount = row.WorkerCount
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (models.User, error) {
	return s.scanUser(ctx, "SELECT worker_count, doc FROM users WHERE id = $1", id)
}

func (s *PostgresStore) FindUserBySession(ctx context.Context, session string) (models.User, error) {
	if session == "" {
		return models.User{}, storage.ErrNotFound
	}
	return s.scanUser(ctx, "SELECT worker_count, doc FROM users WHERE session = $1", session)
}

func (s *PostgresStore) AddWorkerCount(ctx context.Context, userID string, delta int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET worker_count = worker_count + $2 WHERE id = $1", userID, delta)
	if err != nil {
		return errors.Wrapf(err, "add %d workers to user %s", delta, userID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "user %s", userID)
	}
	return nil
}
