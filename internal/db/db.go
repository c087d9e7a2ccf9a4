// Package db owns the SQL connection for the stored log and
// serializes every operation onto a single worker goroutine (a
// single-writer database).
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hat/internal/codec"
)

const schema = `
CREATE TABLE IF NOT EXISTS log (
	entry_timestamp REAL,
	facility INT,
	severity INT,
	version INT,
	msg_timestamp REAL,
	hostname TEXT,
	app_name TEXT,
	procid TEXT,
	msgid TEXT,
	data TEXT,
	msg TEXT
);
CREATE INDEX IF NOT EXISTS idx_log_entry_timestamp ON log(entry_timestamp DESC);
`

// TimestampedMsg pairs an arrival timestamp with a Msg, the input unit
// for AddMsgs.
type TimestampedMsg struct {
	ArrivalTS float64
	Msg       codec.Msg
}

// request is a single operation dispatched to the worker goroutine,
// implementing the single-writer contract.
type request struct {
	run   func(*sql.DB) (any, error)
	reply chan result
}

type result struct {
	val any
	err error
}

// DB owns the single SQLite connection and worker goroutine.
type DB struct {
	conn   *sql.DB
	reqCh  chan request
	closed chan struct{}
}

// Open opens (and if needed creates) the SQLite database at path and
// starts its single-writer worker. disableJournal, when true, sets
// "PRAGMA journal_mode = OFF"; otherwise WAL is used.
func Open(path string, disableJournal bool) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("db: create directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	mode := "WAL"
	if disableJournal {
		mode = "OFF"
	}
	if _, err := conn.Exec("PRAGMA journal_mode = " + mode); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: set journal_mode: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: create schema: %w", err)
	}

	d := &DB{
		conn:   conn,
		reqCh:  make(chan request),
		closed: make(chan struct{}),
	}
	go d.worker()
	return d, nil
}

func (d *DB) worker() {
	defer close(d.closed)
	for req := range d.reqCh {
		val, err := req.run(d.conn)
		req.reply <- result{val: val, err: err}
	}
}

// Close stops the worker and closes the connection. Safe to call once.
func (d *DB) Close() error {
	close(d.reqCh)
	<-d.closed
	return d.conn.Close()
}

// submit dispatches fn to the worker and waits for its result.
func (d *DB) submit(ctx context.Context, fn func(*sql.DB) (any, error)) (any, error) {
	req := request{run: fn, reply: make(chan result, 1)}
	select {
	case d.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetFirstID returns MIN(rowid), or nil if the table is empty.
func (d *DB) GetFirstID(ctx context.Context) (*int64, error) {
	v, err := d.submit(ctx, func(conn *sql.DB) (any, error) {
		return queryBoundID(conn, "SELECT MIN(rowid) FROM log")
	})
	if err != nil {
		return nil, err
	}
	return v.(*int64), nil
}

// GetLastID returns MAX(rowid), or nil if the table is empty.
func (d *DB) GetLastID(ctx context.Context) (*int64, error) {
	v, err := d.submit(ctx, func(conn *sql.DB) (any, error) {
		return queryBoundID(conn, "SELECT MAX(rowid) FROM log")
	})
	if err != nil {
		return nil, err
	}
	return v.(*int64), nil
}

func queryBoundID(conn *sql.DB, query string) (*int64, error) {
	var id sql.NullInt64
	if err := conn.QueryRow(query).Scan(&id); err != nil {
		return nil, err
	}
	if !id.Valid {
		return nil, nil
	}
	v := id.Int64
	return &v, nil
}

// AddMsgs batch-inserts msgs and returns the resulting Entries ordered
// by assigned id ascending. Empty input is a no-op.
func (d *DB) AddMsgs(ctx context.Context, msgs []TimestampedMsg) ([]codec.Entry, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	v, err := d.submit(ctx, func(conn *sql.DB) (any, error) {
		return addMsgs(conn, msgs)
	})
	if err != nil {
		return nil, err
	}
	return v.([]codec.Entry), nil
}

func addMsgs(conn *sql.DB, msgs []TimestampedMsg) ([]codec.Entry, error) {
	tx, err := conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("db: add_msgs: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		return nil, fmt.Errorf("db: add_msgs: prepare: %w", err)
	}
	defer stmt.Close()

	var lastID int64
	for _, tm := range msgs {
		row, err := rowFromMsg(tm)
		if err != nil {
			return nil, err
		}
		res, err := stmt.Exec(row.args()...)
		if err != nil {
			return nil, fmt.Errorf("db: add_msgs: insert: %w", err)
		}
		lastID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("db: add_msgs: last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("db: add_msgs: commit: %w", err)
	}

	firstID := lastID - int64(len(msgs)) + 1
	entries := make([]codec.Entry, len(msgs))
	for i, tm := range msgs {
		entries[i] = codec.Entry{
			ID:        firstID + int64(i),
			Timestamp: secondsToTime(tm.ArrivalTS),
			Msg:       tm.Msg,
		}
	}
	return entries, nil
}

// AddEntries inserts entries preserving their caller-supplied ids, used
// only for archival copies.
func (d *DB) AddEntries(ctx context.Context, entries []codec.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := d.submit(ctx, func(conn *sql.DB) (any, error) {
		return nil, addEntries(conn, entries)
	})
	return err
}

func addEntries(conn *sql.DB, entries []codec.Entry) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("db: add_entries: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO log (rowid, ` + insertColumns + `) VALUES (?, ` + insertPlaceholders + `)`)
	if err != nil {
		return fmt.Errorf("db: add_entries: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		row, err := rowFromMsg(TimestampedMsg{
			ArrivalTS: timeToSeconds(e.Timestamp),
			Msg:       e.Msg,
		})
		if err != nil {
			return err
		}
		args := append([]any{e.ID}, row.args()...)
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("db: add_entries: insert: %w", err)
		}
	}

	return tx.Commit()
}

// Query returns matches in rowid DESC order, limited by
// filter.MaxResults if set.
func (d *DB) Query(ctx context.Context, filter codec.Filter) ([]codec.Entry, error) {
	v, err := d.submit(ctx, func(conn *sql.DB) (any, error) {
		return runQuery(conn, filter)
	})
	if err != nil {
		return nil, err
	}
	return v.([]codec.Entry), nil
}

func runQuery(conn *sql.DB, filter codec.Filter) ([]codec.Entry, error) {
	var where []string
	var args []any

	if filter.LastID != nil {
		where = append(where, "rowid <= ?")
		args = append(args, *filter.LastID)
	}
	if filter.EntryTimestampFrom != nil {
		where = append(where, "entry_timestamp >= ?")
		args = append(args, timeToSeconds(*filter.EntryTimestampFrom))
	}
	if filter.EntryTimestampTo != nil {
		where = append(where, "entry_timestamp <= ?")
		args = append(args, timeToSeconds(*filter.EntryTimestampTo))
	}
	if filter.Facility != nil {
		where = append(where, "facility = ?")
		args = append(args, int(*filter.Facility))
	}
	if filter.Severity != nil {
		where = append(where, "severity = ?")
		args = append(args, int(*filter.Severity))
	}
	addLike(&where, &args, "hostname", filter.Hostname)
	addLike(&where, &args, "app_name", filter.AppName)
	addLike(&where, &args, "procid", filter.ProcID)
	addLike(&where, &args, "msgid", filter.MsgID)
	addLike(&where, &args, "msg", filter.Message)

	query := "SELECT rowid, entry_timestamp, facility, severity, version, msg_timestamp, hostname, app_name, procid, msgid, data, msg FROM log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid DESC"
	if filter.MaxResults != nil && *filter.MaxResults > 0 {
		query += " LIMIT ?"
		args = append(args, *filter.MaxResults)
	}

	rows, err := conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("db: query: %w", err)
	}
	defer rows.Close()

	var entries []codec.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("db: query: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func addLike(where *[]string, args *[]any, column string, predicate *string) {
	if predicate == nil || *predicate == "" {
		return
	}
	*where = append(*where, column+" LIKE '%' || ? || '%'")
	*args = append(*args, *predicate)
}

// Delete removes all rows with rowid < firstID. A
// nil firstID deletes everything.
func (d *DB) Delete(ctx context.Context, firstID *int64) error {
	_, err := d.submit(ctx, func(conn *sql.DB) (any, error) {
		var err error
		if firstID == nil {
			_, err = conn.Exec("DELETE FROM log")
		} else {
			_, err = conn.Exec("DELETE FROM log WHERE rowid < ?", *firstID)
		}
		return nil, err
	})
	return err
}

const insertColumns = "entry_timestamp, facility, severity, version, msg_timestamp, hostname, app_name, procid, msgid, data, msg"
const insertPlaceholders = "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"
const insertSQL = "INSERT INTO log (" + insertColumns + ") VALUES (" + insertPlaceholders + ")"

type logRow struct {
	entryTimestamp float64
	facility       int
	severity       int
	version        int
	msgTimestamp   sql.NullFloat64
	hostname       sql.NullString
	appName        sql.NullString
	procid         sql.NullString
	msgid          sql.NullString
	data           sql.NullString
	msg            sql.NullString
}

func (r logRow) args() []any {
	return []any{
		r.entryTimestamp, r.facility, r.severity, r.version,
		r.msgTimestamp, r.hostname, r.appName, r.procid, r.msgid, r.data, r.msg,
	}
}

func rowFromMsg(tm TimestampedMsg) (logRow, error) {
	row := logRow{
		entryTimestamp: tm.ArrivalTS,
		facility:       int(tm.Msg.Facility),
		severity:       int(tm.Msg.Severity),
		version:        tm.Msg.Version,
	}
	if tm.Msg.Timestamp != nil {
		row.msgTimestamp = sql.NullFloat64{Float64: timeToSeconds(*tm.Msg.Timestamp), Valid: true}
	}
	row.hostname = nullString(tm.Msg.Hostname)
	row.appName = nullString(tm.Msg.AppName)
	row.procid = nullString(tm.Msg.ProcID)
	row.msgid = nullString(tm.Msg.MsgID)
	row.msg = nullString(tm.Msg.Message)

	if len(tm.Msg.Data) > 0 {
		raw, err := json.Marshal(tm.Msg.Data)
		if err != nil {
			return logRow{}, fmt.Errorf("db: encode structured data: %w", err)
		}
		row.data = sql.NullString{String: string(raw), Valid: true}
	}

	return row, nil
}

func scanEntry(rows *sql.Rows) (codec.Entry, error) {
	var (
		id           int64
		entryTS      float64
		facility     int
		severity     int
		version      int
		msgTS        sql.NullFloat64
		hostname     sql.NullString
		appName      sql.NullString
		procid       sql.NullString
		msgid        sql.NullString
		data         sql.NullString
		msg          sql.NullString
	)
	if err := rows.Scan(&id, &entryTS, &facility, &severity, &version, &msgTS,
		&hostname, &appName, &procid, &msgid, &data, &msg); err != nil {
		return codec.Entry{}, err
	}

	e := codec.Entry{
		ID:        id,
		Timestamp: secondsToTime(entryTS),
		Msg: codec.Msg{
			Facility: codec.Facility(facility),
			Severity: codec.Severity(severity),
			Version:  version,
		},
	}
	if msgTS.Valid {
		t := secondsToTime(msgTS.Float64)
		e.Msg.Timestamp = &t
	}
	e.Msg.Hostname = stringPtr(hostname)
	e.Msg.AppName = stringPtr(appName)
	e.Msg.ProcID = stringPtr(procid)
	e.Msg.MsgID = stringPtr(msgid)
	e.Msg.Message = stringPtr(msg)

	if data.Valid && data.String != "" {
		var sd codec.StructuredData
		if err := json.Unmarshal([]byte(data.String), &sd); err != nil {
			return codec.Entry{}, fmt.Errorf("decode structured data: %w", err)
		}
		e.Msg.Data = sd
	}

	return e, nil
}

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func secondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
