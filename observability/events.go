package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/cellgrid/idgen"
)

// CellEvent records one toggle attempt.
type CellEvent struct {
	EventID    string    `json:"event_id"`
	Grid       string    `json:"grid"`
	Cell       int       `json:"cell"`
	Value      bool      `json:"value"`
	ObserverID string    `json:"observer_id,omitempty"`
	Transport  string    `json:"transport,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Notified   int       `json:"notified"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFilter selects events for Query. Cell < 0 means every cell.
type EventFilter struct {
	Grid  string
	Cell  int
	Limit int // default 100
}

// EventLog persists toggle events asynchronously in batches. A full buffer
// drops events and counts them rather than slowing down toggles.
type EventLog struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator

	ch      chan *CellEvent
	flushCh chan chan struct{}
	dropped atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventIDGenerator sets a custom generator for event ids.
func WithEventIDGenerator(gen idgen.Generator) EventLogOption {
	return func(l *EventLog) { l.newID = gen }
}

// NewEventLog starts the flush goroutine. Recommended bufferSize: 1000.
func NewEventLog(db *sql.DB, bufferSize int, logger *slog.Logger, opts ...EventLogOption) *EventLog {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &EventLog{
		db:      db,
		logger:  logger,
		newID:   idgen.Prefixed("evt_", idgen.Default),
		ch:      make(chan *CellEvent, bufferSize),
		flushCh: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Record queues e. It never blocks.
func (l *EventLog) Record(e *CellEvent) {
	if e.EventID == "" {
		e.EventID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case l.ch <- e:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.logger.Warn("observability events: buffer full, dropping", "dropped", l.dropped.Load())
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (l *EventLog) Dropped() uint64 { return l.dropped.Load() }

// Flush blocks until every event queued so far is written.
func (l *EventLog) Flush() {
	ack := make(chan struct{})
	select {
	case l.flushCh <- ack:
		<-ack
	case <-l.done:
	}
}

// Query returns events newest first.
func (l *EventLog) Query(ctx context.Context, f EventFilter) ([]*CellEvent, error) {
	q := `SELECT event_id, grid, cell, value, observer_id, transport, trace_id,
		notified, error_message, timestamp
		FROM cell_events WHERE grid = ?`
	args := []any{f.Grid}
	if f.Cell >= 0 {
		q += " AND cell = ?"
		args = append(args, f.Cell)
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []*CellEvent
	for rows.Next() {
		var e CellEvent
		var value int
		var observerID, transport, traceID, errMsg sql.NullString
		var ts int64
		if err := rows.Scan(&e.EventID, &e.Grid, &e.Cell, &value, &observerID, &transport,
			&traceID, &e.Notified, &errMsg, &ts); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.Value = value == 1
		e.ObserverID = observerID.String
		e.Transport = transport.String
		e.TraceID = traceID.String
		e.Error = errMsg.String
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retention.
func (l *EventLog) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	result, err := l.db.ExecContext(ctx, "DELETE FROM cell_events WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup events: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *EventLog) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
	return nil
}

func (l *EventLog) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*CellEvent, 0, 100)

	drain := func() {
		for {
			select {
			case e := <-l.ch:
				batch = append(batch, e)
			default:
				return
			}
		}
	}
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.insert(batch); err != nil {
			l.logger.Error("observability events: flush", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			drain()
			flush()
			return
		case ack := <-l.flushCh:
			drain()
			flush()
			close(ack)
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *EventLog) insert(batch []*CellEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cell_events
		(event_id, grid, cell, value, observer_id, transport, trace_id, notified, error_message, timestamp)
		VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		value := 0
		if e.Value {
			value = 1
		}
		if _, err := stmt.ExecContext(ctx, e.EventID, e.Grid, e.Cell, value,
			nullable(e.ObserverID), nullable(e.Transport), nullable(e.TraceID),
			e.Notified, nullable(e.Error), e.Timestamp.UnixMilli()); err != nil {
			l.logger.Error("observability events: insert", "error", err, "event_id", e.EventID)
		}
	}
	return tx.Commit()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
