// Package txn implements the Transaction Manager (C5): it wraps the
// Connection Layer's single-level transactions with retry-on-busy, a
// cooperative timeout, nested savepoint scopes, per-operation monitoring,
// typed event emission and rolling statistics.
package txn

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/store/conn"
	"github.com/lisaross/tana-local-kb-sub000/internal/telemetry"
)

// State is the transaction lifecycle state (spec §4.5): active ->
// committed | rolled_back | failed.
type State string

const (
	StateActive     State = "active"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
)

// SlowThreshold is the duration past which a transaction is reported in
// Stats.Slow (spec §4.5: "slow-transaction list (threshold 1s)").
const SlowThreshold = time.Second

// Options configures one Manager.Run invocation.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
	Isolation  sql.IsolationLevel
}

// DefaultOptions is a sensible starting point: a handful of retries with
// short exponential backoff, no hard timeout.
func DefaultOptions() Options {
	return Options{MaxRetries: 5, BaseDelay: 10 * time.Millisecond}
}

// OpRecord captures one query/run inside a transaction for the manager's
// per-op telemetry (spec §4.5 "Monitoring").
type OpRecord struct {
	Kind       string // query | run | insert | update | delete
	SQL        string
	ParamsHash string
	Duration   time.Duration
	Rows       int64
	Timestamp  time.Time
}

// Transaction is one active (or completed) managed transaction.
type Transaction struct {
	ID        string
	tx        *sql.Tx
	mgr       *Manager
	startedAt time.Time

	mu    sync.Mutex
	state State
	ops   []OpRecord

	cancelled atomic.Bool
}

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ops returns a copy of the per-operation telemetry recorded so far.
func (t *Transaction) Ops() []OpRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OpRecord(nil), t.ops...)
}

// checkCancelled is the cooperative cancellation check every suspension
// point (query/run/savepoint boundary) must call (spec §5).
func (t *Transaction) checkCancelled() error {
	if t.cancelled.Load() {
		t.mu.Lock()
		t.state = StateFailed
		t.mu.Unlock()
		return graph.Timeout("transaction cancelled")
	}
	return nil
}

// Query runs a read statement inside the transaction, recording telemetry.
func (t *Transaction) Query(ctx context.Context, sqlStr string, args ...any) (*sql.Rows, error) {
	if err := t.checkCancelled(); err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := t.tx.QueryContext(ctx, sqlStr, args...)
	t.record("query", sqlStr, args, time.Since(start), 0)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// Run executes a write statement inside the transaction, recording
// telemetry and the affected table-kind classification (insert/update/
// delete) used for the manager's event emission.
func (t *Transaction) Run(ctx context.Context, sqlStr string, args ...any) (conn.RunResult, error) {
	if err := t.checkCancelled(); err != nil {
		return conn.RunResult{}, err
	}
	start := time.Now()
	res, err := t.tx.ExecContext(ctx, sqlStr, args...)
	dur := time.Since(start)
	if err != nil {
		t.record(opKind(sqlStr), sqlStr, args, dur, 0)
		return conn.RunResult{}, classify(err)
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	t.record(opKind(sqlStr), sqlStr, args, dur, changes)
	return conn.RunResult{Changes: changes, LastInsertID: lastID}, nil
}

var tableNameRe = regexp.MustCompile(`(?i)(?:INTO|FROM|UPDATE|TABLE)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)

func tableOf(sqlStr string) string {
	m := tableNameRe.FindStringSubmatch(sqlStr)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func opKind(sqlStr string) string {
	switch strings.ToUpper(strings.TrimSpace(strings.SplitN(sqlStr, " ", 2)[0])) {
	case "INSERT":
		return "insert"
	case "UPDATE":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return "run"
	}
}

func (t *Transaction) record(kind, sqlStr string, args []any, dur time.Duration, rows int64) {
	t.mu.Lock()
	t.ops = append(t.ops, OpRecord{
		Kind: kind, SQL: sqlStr, ParamsHash: hashParams(args),
		Duration: dur, Rows: rows, Timestamp: time.Now(),
	})
	t.mu.Unlock()
	t.mgr.emitOp(t.ID, kind, sqlStr)
}

func hashParams(args []any) string {
	data, _ := json.Marshal(args)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// WithSavepoint runs body inside a named SAVEPOINT (spec §4.5 nested
// scopes): released on success, rolled back to the savepoint on error.
func (t *Transaction) WithSavepoint(ctx context.Context, name string, body func(*Transaction) error) error {
	if err := t.checkCancelled(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return classify(err)
	}
	if err := body(t); err != nil {
		_, _ = t.tx.ExecContext(ctx, "ROLLBACK TO "+quoteIdent(name))
		_, _ = t.tx.ExecContext(ctx, "RELEASE "+quoteIdent(name))
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+quoteIdent(name)); err != nil {
		return classify(err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Manager runs transactions with retry, timeout, monitoring and event
// emission on top of a single Conn.
type Manager struct {
	c   *conn.Conn
	bus *telemetry.Bus

	mu       sync.Mutex
	active   map[string]*Transaction
	nextID   int64
	finished []txnSummary
}

type txnSummary struct {
	ID       string
	State    State
	Duration time.Duration
}

// Stats summarizes every completed transaction the manager has run.
type Stats struct {
	Count       int
	SuccessRate float64
	AvgDuration time.Duration
	Slow        []string
}

// NewManager creates a Manager over c, dispatching events on bus.
func NewManager(c *conn.Conn, bus *telemetry.Bus) *Manager {
	if bus == nil {
		bus = telemetry.NewBus(nil)
	}
	return &Manager{c: c, bus: bus, active: make(map[string]*Transaction)}
}

// Run executes body inside a retried, timed, monitored transaction.
// Recoverable errors (lock/busy) are retried with exponential backoff;
// constraint violations, syntax errors, misuse and Timeout are not.
func (m *Manager) Run(ctx context.Context, opts Options, body func(*Transaction) error) error {
	if opts.MaxRetries == 0 && opts.BaseDelay == 0 {
		opts = DefaultOptions()
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.BaseDelay * time.Duration(1<<uint(attempt-1))
			delay += time.Duration(rand.Int63n(int64(opts.BaseDelay) + 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return graph.Timeout("transaction retry wait")
			}
		}

		err := m.runOnce(ctx, opts, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (m *Manager) runOnce(ctx context.Context, opts Options, body func(*Transaction) error) error {
	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, opts.Timeout)
		defer cancelTimeout()
	}

	txOpts := &sql.TxOptions{Isolation: opts.Isolation}
	sqlTx, err := m.c.Writer().BeginTx(runCtx, txOpts)
	if err != nil {
		return classify(err)
	}

	t := &Transaction{
		ID:        m.newID(),
		tx:        sqlTx,
		mgr:       m,
		startedAt: time.Now(),
		state:     StateActive,
	}
	m.register(t)
	defer m.unregister(t.ID)

	bodyErr := body(t)

	if runCtx.Err() != nil {
		_ = sqlTx.Rollback()
		t.mu.Lock()
		t.state = StateFailed
		t.mu.Unlock()
		m.finish(t)
		return graph.Timeout("transaction")
	}

	if bodyErr != nil {
		_ = sqlTx.Rollback()
		t.mu.Lock()
		if t.cancelled.Load() {
			t.state = StateFailed
		} else {
			t.state = StateRolledBack
		}
		t.mu.Unlock()
		m.finish(t)
		m.bus.Emit(telemetry.Event{Kind: telemetry.EventRollback, TxID: t.ID, Duration: time.Since(t.startedAt)})
		return bodyErr
	}

	if err := sqlTx.Commit(); err != nil {
		t.mu.Lock()
		t.state = StateFailed
		t.mu.Unlock()
		m.finish(t)
		return classify(err)
	}

	t.mu.Lock()
	t.state = StateCommitted
	t.mu.Unlock()
	m.finish(t)
	m.bus.Emit(telemetry.Event{Kind: telemetry.EventCommit, TxID: t.ID, Duration: time.Since(t.startedAt)})
	return nil
}

func (m *Manager) newID() string {
	id := atomic.AddInt64(&m.nextID, 1)
	return fmt.Sprintf("tx-%d", id)
}

func (m *Manager) register(t *Transaction) {
	m.mu.Lock()
	m.active[t.ID] = t
	m.mu.Unlock()
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) finish(t *Transaction) {
	m.mu.Lock()
	m.finished = append(m.finished, txnSummary{ID: t.ID, State: t.State(), Duration: time.Since(t.startedAt)})
	m.mu.Unlock()
}

func (m *Manager) emitOp(txID, kind, sqlStr string) {
	var ek telemetry.EventKind
	switch kind {
	case "insert":
		ek = telemetry.EventInsert
	case "update":
		ek = telemetry.EventUpdate
	case "delete":
		ek = telemetry.EventDelete
	default:
		ek = telemetry.EventQuery
	}
	m.bus.Emit(telemetry.Event{Kind: ek, TxID: txID, Table: tableOf(sqlStr), SQL: sqlStr})
}

// Cancel marks an active transaction cancelled; the next suspension point
// (Query/Run/WithSavepoint) aborts it and its state ends as failed. No mid-statement
// interruption is guaranteed (spec §4.5, §5).
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.cancelled.Store(true)
	return true
}

// Stats summarizes completed transactions: average duration, success rate
// and the ids of transactions slower than SlowThreshold.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.finished) == 0 {
		return Stats{}
	}
	var total time.Duration
	var ok int
	var slow []string
	for _, s := range m.finished {
		total += s.Duration
		if s.State == StateCommitted {
			ok++
		}
		if s.Duration >= SlowThreshold {
			slow = append(slow, s.ID)
		}
	}
	return Stats{
		Count:       len(m.finished),
		SuccessRate: float64(ok) / float64(len(m.finished)),
		AvgDuration: total / time.Duration(len(m.finished)),
		Slow:        slow,
	}
}

// retryableSubstrings are the defensive substring matches used to classify
// a SQLite error as transient — the same "match the driver's error text"
// idiom the teacher's badger_transaction.go uses for its own storage
// errors, since database/sql drivers don't expose a single typed
// "retryable" interface.
var retryableSubstrings = []string{"database is locked", "busy", "SQLITE_BUSY", "SQLITE_LOCKED"}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range retryableSubstrings {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// classify wraps a raw substrate error into the engine's structured
// taxonomy so callers never see driver-specific strings (spec §7).
func classify(err error) error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*graph.Error); ok {
		return ge
	}
	if isRetryable(err) {
		return graph.Conflict(err.Error())
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique"):
		return graph.Constraint(graph.ConstraintUnique, err.Error())
	case strings.Contains(msg, "foreign key"):
		return graph.Constraint(graph.ConstraintForeignKey, err.Error())
	case strings.Contains(msg, "check constraint"):
		return graph.Constraint(graph.ConstraintCheck, err.Error())
	default:
		return graph.Internal("substrate error", err)
	}
}
