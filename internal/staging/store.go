package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/syncrunner/internal/db"
	"github.com/livinlefevreloca/syncrunner/internal/stats"
)

const tableName = "mapping"

var (
	ErrRowNotFound = errors.New("staging: row not found")
	ErrEmptyColumn = errors.New("staging: empty column name")
	ErrDestroyed   = errors.New("staging: store destroyed")
)

// Store is a scratch table of dynamically shaped records owned by a single job.
// Columns are added the first time a property name is seen.
type Store struct {
	db      *db.DB
	path    string
	logger  *slog.Logger
	metrics *stats.Metrics

	mu        sync.Mutex
	columns   map[string]struct{}
	order     []string // canonical names in the order they were added
	destroyed bool
}

// RejectedRow describes a record that AddRows could not write.
type RejectedRow struct {
	Index  int
	Record Record
	Err    error
}

// BatchResult summarizes a batch insert.
type BatchResult struct {
	Written  int
	Rejected []RejectedRow
}

// Merge folds other into r, shifting rejected indexes by offset.
func (r *BatchResult) Merge(other BatchResult, offset int) {
	r.Written += other.Written
	for _, rej := range other.Rejected {
		rej.Index += offset
		r.Rejected = append(r.Rejected, rej)
	}
}

// New creates an empty store backed by its own SQLite database.
func New(ctx context.Context, cfg Config, logger *slog.Logger, initialColumns ...string) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	path := ""
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("staging: create dir: %w", err)
		}
		path = filepath.Join(cfg.Dir, "staging-"+uuid.NewString()+".db")
		dsn = path
	}

	// The single connection is what keeps a :memory: database alive.
	conn, err := db.OpenWithConfig(ctx, db.Config{
		Driver:       "sqlite3",
		DSN:          dsn,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		BusyTimeout:  cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("staging: open database: %w", err)
	}

	s := &Store{
		db:      conn,
		path:    path,
		logger:  logger.With("component", "staging"),
		metrics: cfg.Metrics,
		columns: make(map[string]struct{}),
	}

	defs := []string{quoteIdent(seqColumn) + " INTEGER PRIMARY KEY"}
	for _, name := range initialColumns {
		if name == "" {
			conn.Close()
			return nil, ErrEmptyColumn
		}
		col := canonicalKey(name)
		if _, ok := s.columns[col]; ok {
			continue
		}
		s.columns[col] = struct{}{}
		s.order = append(s.order, col)
		defs = append(defs, quoteIdent(col))
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", tableName, strings.Join(defs, ", "))
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		conn.Close()
		s.removeFile()
		return nil, fmt.Errorf("staging: create table: %w", err)
	}

	s.logger.Debug("staging store created", "path", path, "columns", len(s.order))
	return s, nil
}

// AddRow inserts one record, adding columns for property names not seen
// before. A failure is logged and returned; the store is left unchanged.
func (s *Store) AddRow(ctx context.Context, rec Record) error {
	if err := s.addRow(ctx, rec); err != nil {
		s.logger.Error("failed to add staging row", "error", err)
		s.metrics.StagingRowsRejected(1)
		return err
	}
	s.metrics.StagingRowsWritten(1)
	return nil
}

// AddRows inserts every record it can. A bad record never stops the batch;
// it is reported in the result instead.
func (s *Store) AddRows(ctx context.Context, recs []Record) BatchResult {
	var result BatchResult
	for i, rec := range recs {
		if err := s.addRow(ctx, rec); err != nil {
			result.Rejected = append(result.Rejected, RejectedRow{Index: i, Record: rec, Err: err})
			continue
		}
		result.Written++
	}

	if len(result.Rejected) > 0 {
		s.logger.Warn("staging batch had rejected rows",
			"written", result.Written,
			"rejected", len(result.Rejected),
			"first_error", result.Rejected[0].Err)
	}
	s.metrics.StagingRowsWritten(result.Written)
	s.metrics.StagingRowsRejected(len(result.Rejected))
	return result
}

func (s *Store) addRow(ctx context.Context, rec Record) error {
	names := make([]string, 0, len(rec))
	for name := range rec {
		if name == "" {
			return ErrEmptyColumn
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		v, err := encodeValue(rec[name])
		if err != nil {
			return fmt.Errorf("staging: property %q: %w", name, err)
		}
		cols[i] = canonicalKey(name)
		args[i] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}

	var added []string
	err := s.db.WithTransaction(ctx, func(tx *db.Tx) error {
		for _, col := range cols {
			if _, ok := s.columns[col]; ok {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", tableName, quoteIdent(col))
			if _, err := tx.ExecContext(ctx, stmt); err != nil && !db.IsDuplicate(err) {
				return fmt.Errorf("staging: add column %q: %w", revertKey(col), err)
			}
			added = append(added, col)
		}

		stmt := insertStatement(cols)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("staging: insert row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, col := range added {
		s.columns[col] = struct{}{}
		s.order = append(s.order, col)
	}
	return nil
}

func insertStatement(cols []string) string {
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", tableName)
	}
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tableName, strings.Join(quoted, ", "), placeholders)
}

// GetRow returns the first row whose column equals value. Missing cells are
// left out of the returned record.
func (s *Store) GetRow(ctx context.Context, column string, value any, projection ...string) (Record, error) {
	if column == "" {
		return nil, ErrEmptyColumn
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return nil, err
	}

	cols, err := s.selectColumns(projection)
	if err != nil {
		return nil, err
	}
	key := canonicalKey(column)
	if !s.hasColumn(key) {
		return nil, ErrRowNotFound
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS ? LIMIT 1",
		selectList(cols), tableName, quoteIdent(key))
	rows, err := s.db.QueryContext(ctx, query, encoded)
	if err != nil {
		return nil, fmt.Errorf("staging: get row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("staging: get row: %w", err)
		}
		return nil, ErrRowNotFound
	}
	return scanRecord(rows, cols)
}

// GetCount returns the number of rows in the store.
func (s *Store) GetCount(ctx context.Context) (int64, error) {
	if s.isDestroyed() {
		return 0, ErrDestroyed
	}
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", tableName)
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("staging: count rows: %w", err)
	}
	return n, nil
}

// GetLimit returns a page of rows in storage order. A negative limit returns
// every row after offset.
func (s *Store) GetLimit(ctx context.Context, limit, offset int, projection ...string) ([]Record, error) {
	cols, err := s.selectColumns(projection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s LIMIT ? OFFSET ?", selectList(cols), tableName)
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("staging: get page: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows, cols)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("staging: get page: %w", err)
	}
	return records, nil
}

// GetStream opens a cursor over every row. The stream holds the store's only
// connection until it is exhausted or closed.
func (s *Store) GetStream(ctx context.Context, projection ...string) (*RowStream, error) {
	cols, err := s.selectColumns(projection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", selectList(cols), tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("staging: open stream: %w", err)
	}
	return &RowStream{rows: rows, cols: cols}, nil
}

// Columns returns the known property names in the order they were added.
func (s *Store) Columns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.order))
	for i, col := range s.order {
		names[i] = revertKey(col)
	}
	return names
}

// Destroy releases the database. Open streams must be closed first.
func (s *Store) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true

	err := s.db.Close()
	if rmErr := s.removeFile(); rmErr != nil && err == nil {
		err = rmErr
	}
	if err != nil {
		return fmt.Errorf("staging: destroy: %w", err)
	}
	s.logger.Debug("staging store destroyed", "path", s.path)
	return nil
}

func (s *Store) removeFile() error {
	if s.path == "" {
		return nil
	}
	for _, p := range []string{s.path, s.path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *Store) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Store) hasColumn(col string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.columns[col]
	return ok
}

// selectColumns resolves a projection to the known canonical columns it names.
// Unknown names are skipped so they read back as absent.
func (s *Store) selectColumns(projection []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, ErrDestroyed
	}

	if len(projection) == 0 {
		return append([]string(nil), s.order...), nil
	}

	cols := make([]string, 0, len(projection))
	for _, name := range projection {
		if name == "" {
			return nil, ErrEmptyColumn
		}
		col := canonicalKey(name)
		if _, ok := s.columns[col]; ok {
			cols = append(cols, col)
		}
	}
	return cols, nil
}

// selectList always leads with the sequence column so a projection that
// matches nothing still yields one row per record.
func selectList(cols []string) string {
	quoted := make([]string, 0, len(cols)+1)
	quoted = append(quoted, quoteIdent(seqColumn))
	for _, col := range cols {
		quoted = append(quoted, quoteIdent(col))
	}
	return strings.Join(quoted, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows rowScanner, cols []string) (Record, error) {
	var seq int64
	cells := make([]any, len(cols))
	dest := make([]any, 0, len(cols)+1)
	dest = append(dest, &seq)
	for i := range cells {
		dest = append(dest, &cells[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("staging: scan row: %w", err)
	}

	rec := make(Record, len(cols))
	for i, col := range cols {
		if cells[i] == nil {
			continue
		}
		v, err := decodeValue(cells[i])
		if err != nil {
			return nil, fmt.Errorf("staging: column %q: %w", revertKey(col), err)
		}
		rec[revertKey(col)] = v
	}
	return rec, nil
}
