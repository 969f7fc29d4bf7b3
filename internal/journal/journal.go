// Package journal keeps a bounded, in-memory SQLite log of cache engine
// decisions. It is used for inspection only and never holds responses.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultLimit  = 1000
	DefaultBuffer = 256
)

// Record is one engine decision.
type Record struct {
	Time     time.Time     `json:"time"`
	Key      string        `json:"key,omitempty"`
	Method   string        `json:"method"`
	URL      string        `json:"url"`
	Outcome  string        `json:"outcome"`
	Status   int           `json:"status,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Config struct {
	// SQLite data source name. An empty DSN opens a private in-memory database.
	DSN string
	// Number of rows kept. Older rows are trimmed.
	Limit int
	// Number of records that may wait to be written.
	// Records arriving while the buffer is full are dropped.
	Buffer int
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
}

type item struct {
	record *Record
	ack    chan struct{}
}

// Journal writes records asynchronously. Record never blocks.
type Journal struct {
	db      *sql.DB
	limit   int
	items   chan item
	log     zerolog.Logger
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	mutex   sync.RWMutex
	closed  bool
}

// Open creates the journal table and starts the writer.
func Open(config Config) (*Journal, error) {
	dsn := strings.TrimSpace(config.DSN)
	if dsn == "" {
		dsn = fmt.Sprintf("file:journal-%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open request journal: %w", err)
	}
	// one connection keeps the in-memory database alive and serializes access
	db.SetMaxOpenConns(1)

	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultBuffer
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.Nop()
	} else {
		logger = *config.Logger
	}

	j := &Journal{
		db:    db,
		limit: config.Limit,
		items: make(chan item, config.Buffer),
		log:   logger.With().Str("component", "journal").Logger(),
		done:  make(chan struct{}),
	}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go j.run()
	return j, nil
}

func (j *Journal) init() error {
	if err := j.db.Ping(); err != nil {
		return fmt.Errorf("ping request journal: %w", err)
	}
	ddl := `
CREATE TABLE IF NOT EXISTS request_journal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	cache_key TEXT,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	outcome TEXT NOT NULL,
	status INTEGER NOT NULL,
	duration_us INTEGER NOT NULL,
	error_message TEXT
);`
	if _, err := j.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize request journal schema: %w", err)
	}
	return nil
}

// Record queues r for writing. If the queue is full r is dropped.
func (j *Journal) Record(r Record) {
	if j == nil {
		return
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.items <- item{record: &r}:
	default:
		j.dropped.Add(1)
	}
}

// Flush waits until every record queued before the call has been written.
func (j *Journal) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	j.mutex.RLock()
	if j.closed {
		j.mutex.RUnlock()
		return fmt.Errorf("request journal closed")
	}
	select {
	case j.items <- item{ack: ack}:
		j.mutex.RUnlock()
	case <-ctx.Done():
		j.mutex.RUnlock()
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of records dropped because the queue was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) run() {
	defer close(j.done)
	for it := range j.items {
		if it.ack != nil {
			close(it.ack)
			continue
		}
		if err := j.write(context.Background(), *it.record); err != nil {
			j.log.Warn().Err(err).Msg("Could not write journal record")
		}
	}
}

func (j *Journal) write(ctx context.Context, r Record) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO request_journal(created_at, cache_key, method, url, outcome, status, duration_us, error_message)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Time.UnixMicro(),
		r.Key,
		r.Method,
		r.URL,
		r.Outcome,
		r.Status,
		r.Duration.Microseconds(),
		r.Error,
	)
	if err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`DELETE FROM request_journal WHERE id <= (SELECT MAX(id) FROM request_journal) - ?`,
		j.limit,
	)
	if err != nil {
		return fmt.Errorf("trim request journal: %w", err)
	}
	return nil
}

// Recent returns up to n of the newest records, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 || n > j.limit {
		n = j.limit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT created_at, cache_key, method, url, outcome, status, duration_us, error_message
		FROM request_journal ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query request journal: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, n)
	for rows.Next() {
		var (
			r          Record
			createdAt  int64
			durationUs int64
			key        sql.NullString
			errMessage sql.NullString
		)
		if err := rows.Scan(&createdAt, &key, &r.Method, &r.URL, &r.Outcome, &r.Status, &durationUs, &errMessage); err != nil {
			return nil, fmt.Errorf("scan request journal: %w", err)
		}
		r.Time = time.UnixMicro(createdAt)
		r.Key = key.String
		r.Duration = time.Duration(durationUs) * time.Microsecond
		r.Error = errMessage.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close writes the queued records and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var err error
	j.once.Do(func() {
		j.mutex.Lock()
		j.closed = true
		close(j.items)
		j.mutex.Unlock()
		<-j.done
		err = j.db.Close()
	})
	return err
}
