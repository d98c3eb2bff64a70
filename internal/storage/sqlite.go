package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/pkg/request"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
	// Every connection to :memory: gets its own database, so the pool is pinned to one.
	sqliteMemoryDSN = ":memory:"

	selectColumns = "SELECT id, captured_ns, method, url, host, headers_json, body, remote_addr, content_type, is_binary, size FROM requests "
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StoreConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StoreConfig, log logger.Logger) (Store, error) {
	db, err := sql.Open(sqliteDriverName, sqliteMemoryDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA synchronous=OFF;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("In-memory sqlite store ready", "max_records", cfg.MaxRecords)
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY,
    captured_ns INTEGER NOT NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    host TEXT,
    headers_json TEXT,
    body BLOB,
    remote_addr TEXT,
    content_type TEXT,
    is_binary INTEGER,
    size INTEGER
);
CREATE INDEX IF NOT EXISTS idx_requests_method ON requests(method, id DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Add(rec *request.RecordedRequest) (evicted []uint64, err error) {
	if rec == nil {
		return nil, fmt.Errorf("recorded request is nil")
	}
	ctx := context.Background()

	headers := rec.Headers
	if headers == nil {
		headers = request.Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertSQL := `INSERT INTO requests (
        id, captured_ns, method, url, host, headers_json, body,
        remote_addr, content_type, is_binary, size
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, insertSQL,
		int64(rec.ID),
		rec.CapturedAt.UnixNano(),
		rec.Method,
		rec.URL,
		rec.Host,
		string(headersJSON),
		rec.Body,
		rec.RemoteAddr,
		rec.ContentType,
		boolToInt(rec.IsBinary),
		rec.Size,
	)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	if evicted, err = s.prune(ctx, tx); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return evicted, nil
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) ([]uint64, error) {
	if s.cfg.MaxRecords <= 0 {
		return nil, nil
	}
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM requests").Scan(&count); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	excess := count - s.cfg.MaxRecords
	if excess <= 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, "SELECT id FROM requests ORDER BY id ASC LIMIT ?", excess)
	if err != nil {
		return nil, fmt.Errorf("select evicted records: %w", err)
	}
	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM requests WHERE id IN (SELECT id FROM requests ORDER BY id ASC LIMIT ?)", excess); err != nil {
		return nil, fmt.Errorf("prune max records: %w", err)
	}
	return ids, nil
}

func (s *sqliteStore) List(opts ListOptions) ([]*request.RecordedRequest, int, error) {
	ctx := context.Background()
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM requests "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := strings.Builder{}
	query.WriteString(selectColumns)
	query.WriteString(where)
	query.WriteString(" ORDER BY id DESC")

	listArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	} else if opts.Offset > 0 {
		query.WriteString(" LIMIT -1 OFFSET ?")
		listArgs = append(listArgs, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*request.RecordedRequest
	for rows.Next() {
		record, err := scanRecordedRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return result, total, nil
}

func (s *sqliteStore) Iterate(opts ListOptions, fn func(*request.RecordedRequest) bool) error {
	ctx := context.Background()
	where, args := buildFilters(opts)

	rows, err := s.db.QueryContext(ctx, selectColumns+where+" ORDER BY id DESC", args...)
	if err != nil {
		return err
	}
	// The single pooled connection stays busy until rows are drained, so collect first.
	var records []*request.RecordedRequest
	for rows.Next() {
		record, err := scanRecordedRequest(rows)
		if err != nil {
			rows.Close()
			return err
		}
		records = append(records, record)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, record := range records {
		if !fn(record) {
			break
		}
	}
	return nil
}

func (s *sqliteStore) Get(id uint64) (*request.RecordedRequest, error) {
	row := s.db.QueryRowContext(context.Background(), selectColumns+"WHERE id = ?", int64(id))
	record, err := scanRecordedRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *sqliteStore) Count() (int, error) {
	var count int
	err := s.db.QueryRowContext(context.Background(), "SELECT COUNT(1) FROM requests").Scan(&count)
	return count, err
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecordedRequest(scanner interface {
	Scan(dest ...interface{}) error
}) (*request.RecordedRequest, error) {
	var (
		id          int64
		ts          int64
		method      string
		url         string
		host        sql.NullString
		headersJSON sql.NullString
		body        []byte
		remote      sql.NullString
		contentType sql.NullString
		isBinary    int64
		size        sql.NullInt64
	)

	if err := scanner.Scan(
		&id,
		&ts,
		&method,
		&url,
		&host,
		&headersJSON,
		&body,
		&remote,
		&contentType,
		&isBinary,
		&size,
	); err != nil {
		return nil, err
	}

	headers := request.Header{}
	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &headers); err != nil {
			headers = request.Header{}
		}
	}

	rec := &request.RecordedRequest{
		ID:          uint64(id),
		CapturedAt:  time.Unix(0, ts).Local(),
		Method:      method,
		URL:         url,
		Host:        host.String,
		Headers:     headers,
		Body:        append([]byte{}, body...),
		RemoteAddr:  remote.String,
		ContentType: contentType.String,
		IsBinary:    isBinary == 1,
		Size:        size.Int64,
	}
	if rec.Size == 0 {
		rec.Size = int64(len(body))
	}
	return rec, nil
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if method := strings.TrimSpace(opts.Method); method != "" {
		clauses = append(clauses, "UPPER(method) = UPPER(?)")
		args = append(args, method)
	}

	if search := strings.TrimSpace(strings.ToLower(opts.Search)); search != "" {
		like := fmt.Sprintf("%%%s%%", search)
		clauses = append(clauses, "(LOWER(url) LIKE ? OR LOWER(method) LIKE ? OR LOWER(remote_addr) LIKE ? OR LOWER(headers_json) LIKE ?)")
		args = append(args, like, like, like, like)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
