package restore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// RecordBackend persists restoration records for downstream audit tooling.
type RecordBackend interface {
	Save(record *RestorationRecord) error
	List() ([]RestorationRecord, error)
	Close() error
}

type InMemoryRecordBackend struct {
	mu      sync.Mutex
	records []RestorationRecord
}

func NewInMemoryRecordBackend() *InMemoryRecordBackend {
	return &InMemoryRecordBackend{}
}

func (b *InMemoryRecordBackend) Save(record *RestorationRecord) error {
	if b == nil || record == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, *record)
	return nil
}

func (b *InMemoryRecordBackend) List() ([]RestorationRecord, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RestorationRecord(nil), b.records...), nil
}

func (b *InMemoryRecordBackend) Close() error { return nil }

// JSONFileRecordBackend appends records to a single JSON document on disk.
// Writes go through a temp file and rename so a crash never truncates the
// existing record history.
type JSONFileRecordBackend struct {
	path string
	mu   sync.Mutex
}

func NewJSONFileRecordBackend(path string) (*JSONFileRecordBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: record file path is empty", ErrInvalidInput)
	}
	return &JSONFileRecordBackend{path: path}, nil
}

func (b *JSONFileRecordBackend) Save(record *RestorationRecord) error {
	if b == nil || record == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	records, err := b.loadLocked()
	if err != nil {
		return err
	}
	records = append(records, *record)
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *JSONFileRecordBackend) List() ([]RestorationRecord, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked()
}

func (b *JSONFileRecordBackend) loadLocked() ([]RestorationRecord, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []RestorationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *JSONFileRecordBackend) Close() error { return nil }

const (
	postgresRecordTableName  = "planner_restoration_records"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRecordBackend stores one row per restored plan, keyed by the new
// plan id, with the full record as a JSON snapshot.
type PostgresRecordBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecordBackend(dsn string) (*PostgresRecordBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is empty", ErrInvalidInput)
	}
	return &PostgresRecordBackend{
		dsn:       dsn,
		tableName: postgresRecordTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresRecordBackend) Save(record *RestorationRecord) error {
	if b == nil || record == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	snapshot, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (new_plan_id, original_plan_id, group_id, import_date, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (new_plan_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, import_date = EXCLUDED.import_date`, quoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, record.NewPlanID, record.OriginalPlanID, record.GroupID, record.ImportDate, string(snapshot))
	return err
}

func (b *PostgresRecordBackend) List() ([]RestorationRecord, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT snapshot FROM %s ORDER BY import_date", quoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []RestorationRecord
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var record RestorationRecord
		if err := json.Unmarshal([]byte(snapshot), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (b *PostgresRecordBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresRecordBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				new_plan_id TEXT PRIMARY KEY,
				original_plan_id TEXT NOT NULL,
				group_id TEXT NOT NULL,
				import_date TIMESTAMPTZ NOT NULL,
				snapshot TEXT NOT NULL
			)`, quoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			b.initErr = err
			_ = db.Close()
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// BuildRecordBackendFromDSN selects a backend by DSN scheme. Bare paths and
// file:// map to the JSON file backend, memory:// to the in-memory one, and
// postgres:// to Postgres.
func BuildRecordBackendFromDSN(dsn string) (RecordBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path := dsn
		if scheme == "file" {
			path = filepath.Join(parsed.Host, parsed.Path)
			if parsed.Opaque != "" {
				path = parsed.Opaque
			}
		}
		return NewJSONFileRecordBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemoryRecordBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: record backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record backend scheme: %s", scheme)
	}
}
