// Package engine is the caller-facing surface of the query engine. An
// Engine binds a schema registry to a database and hands out per-entity
// Models offering find, create, update, upsert, delete, aggregate and
// group-by operations. Writes run atomically, and callers can group work
// with Batch or Transaction.
package engine

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"relengine/internal/aggregate"
	"relengine/internal/dbexec"
	"relengine/internal/loader"
	"relengine/internal/logging"
	"relengine/internal/mutation"
	"relengine/internal/observability"
	"relengine/internal/planner"
	"relengine/internal/schema"
	"relengine/internal/txn"
)

// Options tunes an Engine.
type Options struct {
	Dialect     planner.Dialect
	Loader      loader.Options
	Mutation    mutation.Options
	Transaction txn.Options
	// ConflictRetries is how many times a standalone write is attempted when
	// it fails with a serialization conflict. Zero and one both mean once.
	ConflictRetries uint
	// DefaultTake bounds find-many reads that give no take. Zero is unbounded.
	DefaultTake int
	Logger      *logging.Logger
	Metrics     *observability.EngineMetrics
}

// Engine runs operations for every entity of a registry against one
// database. It is safe for concurrent use.
type Engine struct {
	reg        *schema.Registry
	sql        *planner.Planner
	loader     *loader.Loader
	mutations  *mutation.Planner
	aggregates *aggregate.Engine
	txn        *txn.Coordinator
	opts       Options

	root *Client
}

// New creates an Engine over db.
func New(db *sql.DB, reg *schema.Registry, opts Options) *Engine {
	p := planner.New(reg, opts.Dialect)
	e := &Engine{
		reg:        reg,
		sql:        p,
		loader:     loader.New(p, opts.Loader),
		mutations:  mutation.New(p, opts.Mutation),
		aggregates: aggregate.New(p),
		txn:        txn.New(db, opts.Transaction),
		opts:       opts,
	}
	e.root = &Client{
		eng:    e,
		exec:   dbexec.NewInstrumentedExecutor(dbexec.NewStandardExecutor(db), opts.Metrics),
		loader: e.loader,
	}
	return e
}

// Registry returns the schema the engine serves.
func (e *Engine) Registry() *schema.Registry {
	return e.reg
}

// Model returns the operations of the named entity.
func (e *Engine) Model(name string) (*Model, error) {
	return e.root.Model(name)
}

// Operation is one unit of a Batch.
type Operation func(ctx context.Context, c *Client) (any, error)

// Batch runs ops in order inside one transaction and returns their results.
// Either every operation takes effect or none does.
func (e *Engine) Batch(ctx context.Context, opts txn.Options, ops ...Operation) (results []any, err error) {
	ctx = e.decorate(ctx)
	ctx, span := observability.StartSpan(ctx, "engine.batch", attribute.Int("engine.batch.size", len(ops)))
	defer func() { observability.FinishSpan(span, err) }()

	stmts := make([]txn.Statement, len(ops))
	for i, op := range ops {
		stmts[i] = func(ctx context.Context, tx *txn.Tx) (any, error) {
			return op(ctx, e.bind(tx))
		}
	}
	return e.txn.RunBatch(ctx, opts, stmts...)
}

// Transaction runs body in an interactive transaction. The Client passed to
// body runs every operation inside the transaction and cannot start another
// one. The transaction commits when body returns nil.
func (e *Engine) Transaction(ctx context.Context, opts txn.Options, body func(ctx context.Context, c *Client) error) error {
	ctx = e.decorate(ctx)
	return e.txn.RunInteractive(ctx, opts, func(ctx context.Context, tx *txn.Tx) error {
		return body(ctx, e.bind(tx))
	})
}

func (e *Engine) bind(tx *txn.Tx) *Client {
	return &Client{eng: e, exec: tx, tx: tx, loader: e.loader.Serial()}
}

// decorate attaches the engine's logger and metrics to a caller context.
func (e *Engine) decorate(ctx context.Context) context.Context {
	if e.opts.Logger != nil {
		ctx = logging.WithLogger(ctx, e.opts.Logger)
	}
	if e.opts.Metrics != nil && observability.EngineMetricsFromContext(ctx) == nil {
		ctx = observability.ContextWithEngineMetrics(ctx, e.opts.Metrics)
	}
	return ctx
}

// Client hands out Models bound to one executor: the database for the
// engine's root client, or a transaction inside Batch and Transaction.
type Client struct {
	eng    *Engine
	exec   dbexec.QueryExecutor
	tx     *txn.Tx
	loader *loader.Loader
}

// Model returns the operations of the named entity on this client.
func (c *Client) Model(name string) (*Model, error) {
	e, err := c.eng.reg.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &Model{c: c, entity: e}, nil
}

// InTransaction reports whether the client is bound to a transaction.
func (c *Client) InTransaction() bool {
	return c.tx != nil
}

// atomic runs fn in a transaction: the client's own one, or a new session
// retried on serialization conflicts.
func (c *Client) atomic(ctx context.Context, fn func(ctx context.Context, c *Client) error) error {
	if c.tx != nil {
		return fn(ctx, c)
	}
	return txn.RetryOnConflict(ctx, c.eng.opts.ConflictRetries, func(ctx context.Context) error {
		return c.eng.txn.RunInteractive(ctx, txn.Options{}, func(ctx context.Context, tx *txn.Tx) error {
			return fn(ctx, c.eng.bind(tx))
		})
	})
}

// Model is the operation set of one entity.
type Model struct {
	c      *Client
	entity *schema.Entity
}

// Entity returns the descriptor the model operates on.
func (m *Model) Entity() *schema.Entity {
	return m.entity
}

// on returns the same entity's model on another client.
func (m *Model) on(c *Client) *Model {
	return &Model{c: c, entity: m.entity}
}

// begin opens the span and metrics of one operation.
func (m *Model) begin(ctx context.Context, op string) (context.Context, func(error)) {
	if m.c.tx == nil {
		ctx = m.c.eng.decorate(ctx)
	}
	ctx, span := observability.StartSpan(ctx, "engine."+op,
		attribute.String("engine.entity", m.entity.Name),
		attribute.Bool("engine.in_transaction", m.c.tx != nil),
	)
	start := time.Now()
	return ctx, func(err error) {
		elapsed := time.Since(start)
		observability.EngineMetricsFromContext(ctx).RecordOperation(ctx, m.entity.Name, op, elapsed, err)
		logging.FromContext(ctx).Debug("engine operation",
			"entity", m.entity.Name,
			"operation", op,
			"duration_ms", elapsed.Milliseconds(),
			"error", err != nil,
		)
		observability.FinishSpan(span, err)
	}
}
