// Package txn runs engine work atomically, either as a fixed batch of
// statements or as an interactive session whose body is caller code.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"relengine/internal/dbexec"
	"relengine/internal/engineerr"
	"relengine/internal/logging"
	"relengine/internal/observability"
)

const (
	ModeBatch       = "batch"
	ModeInteractive = "interactive"
)

const (
	DefaultMaxWait = 2 * time.Second
	DefaultTimeout = 5 * time.Second
)

// Options bound a transaction. Zero values fall back to the coordinator's
// defaults.
type Options struct {
	// MaxWait bounds the wait for a connection.
	MaxWait time.Duration
	// Timeout bounds the whole session, from begin to commit.
	Timeout time.Duration
	// Isolation is passed to the store; sql.LevelDefault keeps its default.
	Isolation sql.IsolationLevel
}

// ParseIsolation maps a configuration name to an isolation level.
func ParseIsolation(name string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_")) {
	case "", "default":
		return sql.LevelDefault, nil
	case "read_uncommitted":
		return sql.LevelReadUncommitted, nil
	case "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", name)
	}
}

// Statement is one unit of a batch, run against the batch's transaction.
type Statement func(ctx context.Context, tx *Tx) (any, error)

// Exec returns a Statement that runs one raw write and yields its
// sql.Result.
func Exec(query string, args ...any) Statement {
	return func(ctx context.Context, tx *Tx) (any, error) {
		return tx.ExecContext(ctx, query, args...)
	}
}

// Tx is the handle transactional work runs against. It executes statements
// inside the session and offers no way to begin another transaction.
type Tx struct {
	id   string
	exec dbexec.QueryExecutor
}

// ID identifies the session in logs.
func (t *Tx) ID() string {
	return t.id
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (dbexec.Rows, error) {
	return t.exec.QueryContext(ctx, query, args...)
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.exec.ExecContext(ctx, query, args...)
}

// Coordinator begins, commits and rolls back transactions on one database.
// It is safe for concurrent use; every call gets its own session.
type Coordinator struct {
	db       *sql.DB
	defaults Options
}

// New creates a coordinator. Zero defaults use DefaultMaxWait and
// DefaultTimeout.
func New(db *sql.DB, defaults Options) *Coordinator {
	if defaults.MaxWait <= 0 {
		defaults.MaxWait = DefaultMaxWait
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultTimeout
	}
	return &Coordinator{db: db, defaults: defaults}
}

func (c *Coordinator) resolve(opts Options) Options {
	if opts.MaxWait <= 0 {
		opts.MaxWait = c.defaults.MaxWait
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaults.Timeout
	}
	if opts.Isolation == sql.LevelDefault {
		opts.Isolation = c.defaults.Isolation
	}
	return opts
}

// RunBatch runs stmts in order inside one transaction and returns their
// results. Any failure rolls the whole batch back. ctx is checked between
// statements.
func (c *Coordinator) RunBatch(ctx context.Context, opts Options, stmts ...Statement) ([]any, error) {
	s, err := c.begin(ctx, ModeBatch, c.resolve(opts))
	if err != nil {
		return nil, err
	}
	results := make([]any, len(stmts))
	err = s.run(func(ctx context.Context) error {
		for i, stmt := range stmts {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := stmt(ctx, s.tx)
			if err != nil {
				return fmt.Errorf("batch statement %d: %w", i, err)
			}
			results[i] = out
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// RunInteractive opens a session and runs body against it. The session
// commits when body returns nil and rolls back when it returns an error or
// panics. Exceeding MaxWait or Timeout fails with a TransactionTimeoutError
// after the session has been rolled back.
func (c *Coordinator) RunInteractive(ctx context.Context, opts Options, body func(ctx context.Context, tx *Tx) error) error {
	s, err := c.begin(ctx, ModeInteractive, c.resolve(opts))
	if err != nil {
		return err
	}
	return s.run(func(ctx context.Context) error {
		return body(ctx, s.tx)
	})
}

type session struct {
	mode    string
	opts    Options
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *sql.Conn
	sqlTx   *sql.Tx
	tx      *Tx
	logger  *logging.Logger
	started time.Time

	mu        sync.Mutex
	finalized bool
}

func (c *Coordinator) begin(ctx context.Context, mode string, opts Options) (*session, error) {
	started := time.Now()
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, opts.MaxWait)
	conn, err := c.db.Conn(acquireCtx)
	cancelAcquire()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			observability.EngineMetricsFromContext(ctx).TransactionFinished(ctx, mode, "timeout", time.Since(started))
			return nil, &engineerr.TransactionTimeoutError{Phase: engineerr.PhaseAcquire, Limit: opts.MaxWait, Err: err}
		}
		return nil, engineerr.Normalize(err)
	}

	id := uuid.NewString()
	logger := logging.FromContext(ctx).WithSession(id).WithFields(slog.String("mode", mode))
	sessCtx, cancel := context.WithTimeout(logging.WithLogger(ctx, logger), opts.Timeout)
	sqlTx, err := conn.BeginTx(sessCtx, &sql.TxOptions{Isolation: opts.Isolation})
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", engineerr.Normalize(err))
	}
	observability.EngineMetricsFromContext(ctx).TransactionStarted(ctx, mode)

	return &session{
		mode:    mode,
		opts:    opts,
		parent:  ctx,
		ctx:     sessCtx,
		cancel:  cancel,
		conn:    conn,
		sqlTx:   sqlTx,
		tx:      &Tx{id: id, exec: dbexec.NewInstrumentedExecutor(dbexec.NewTxExecutor(sqlTx), observability.EngineMetricsFromContext(ctx))},
		logger:  logger,
		started: started,
	}, nil
}

// run invokes fn inside the session and finalizes it exactly once.
func (s *session) run(fn func(ctx context.Context) error) (err error) {
	ctx, span := observability.StartSpan(s.ctx, "txn."+s.mode,
		attribute.String("engine.tx.id", s.tx.id),
		attribute.String("engine.tx.isolation", s.opts.Isolation.String()),
	)
	defer func() { observability.FinishSpan(span, err) }()
	defer func() {
		if p := recover(); p != nil {
			s.finalize(fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()
	return s.finalize(fn(ctx))
}

// finalize commits when bodyErr is nil and the session is within its bounds,
// and rolls back otherwise. It releases the connection.
func (s *session) finalize(bodyErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return bodyErr
	}
	s.finalized = true
	defer func() {
		s.cancel()
		_ = s.conn.Close()
	}()

	timedOut := errors.Is(s.ctx.Err(), context.DeadlineExceeded) && s.parent.Err() == nil
	switch {
	case timedOut:
		s.rollback("timeout")
		return &engineerr.TransactionTimeoutError{Phase: engineerr.PhaseSession, Limit: s.opts.Timeout, Err: bodyErr}
	case bodyErr != nil:
		outcome := "rollback"
		if engineerr.Retryable(bodyErr) {
			outcome = "conflict"
		}
		s.rollback(outcome)
		return bodyErr
	}

	if err := s.sqlTx.Commit(); err != nil {
		err = engineerr.Normalize(err)
		outcome := "rollback"
		if engineerr.Retryable(err) {
			outcome = "conflict"
		}
		s.done(outcome)
		s.logger.Warn("transaction commit failed", slog.String("error", err.Error()))
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.done("commit")
	return nil
}

func (s *session) rollback(outcome string) {
	if err := s.sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Error("transaction rollback failed", slog.String("error", err.Error()))
	}
	s.done(outcome)
}

func (s *session) done(outcome string) {
	elapsed := time.Since(s.started)
	observability.EngineMetricsFromContext(s.parent).TransactionFinished(s.parent, s.mode, outcome, elapsed)
	s.logger.Info("transaction finished",
		slog.String("outcome", outcome),
		slog.Duration("duration", elapsed),
	)
}
