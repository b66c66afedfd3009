// Package relational implements a database/sql endpoint driven by named
// request templates.
package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/INLOpen/nexussync/cache"
	"github.com/INLOpen/nexussync/config"
	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
)

// DefaultDriver is used when a connection names none.
const DefaultDriver = "sqlite3"

// DefaultStatementCache is the number of read statements kept prepared.
const DefaultStatementCache = 32

// Reserved placeholder names available to write requests.
const (
	PlaceholderID    = "id"
	PlaceholderNewID = "new_id"
)

// ErrMultiValued is returned when a write request placeholder names a
// dataset holding more than one value.
var ErrMultiValued = errors.New("placeholder bound to a multi-valued dataset")

// Endpoint reads with a list and a get request and writes with ordered
// lists of requests per operation, each inside one database transaction.
// A placeholder binds one value: lookups take the first value of a
// dataset, while writes reject multi-valued datasets with ErrMultiValued.
type Endpoint struct {
	name   string
	db     *sql.DB
	marker string

	list     endpoint.Template
	get      endpoint.Template
	writes   map[core.OperationType][]endpoint.Template
	pivot    []string
	writable []string

	mu       sync.Mutex
	branches map[endpoint.BranchID]*branch

	// nil when statement caching is disabled
	stmts *cache.LRU[string, *sql.Stmt]

	logger *slog.Logger
}

type branch struct {
	tx       *sql.Tx
	executed int
	ended    bool
	prepared bool
}

var (
	_ endpoint.Readable              = (*Endpoint)(nil)
	_ endpoint.Writable              = (*Endpoint)(nil)
	_ endpoint.TransactionalWritable = (*Endpoint)(nil)
)

// Options configures an Endpoint.
type Options struct {
	Service    config.ServiceConfig
	Connection config.ConnectionConfig
	Logger     *slog.Logger
}

// New builds an endpoint over db. Request names in the service are looked
// up in the connection's request table; a missing name is a configuration
// error.
func New(db *sql.DB, opts Options) (*Endpoint, error) {
	svc := opts.Service
	if len(svc.PivotAttributes) == 0 {
		return nil, core.NewConfigurationError("relational", "service %q has no pivot_attributes", svc.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	lookup := func(name string) (endpoint.Template, error) {
		text, ok := opts.Connection.Requests[name]
		if !ok {
			return endpoint.Template{}, core.NewConfigurationError("relational",
				"service %q references unknown request %q on connection %q", svc.Name, name, opts.Connection.Name)
		}
		return endpoint.NewTemplate(text, nil), nil
	}
	lookupAll := func(names []string) ([]endpoint.Template, error) {
		out := make([]endpoint.Template, 0, len(names))
		for _, n := range names {
			t, err := lookup(n)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	}

	e := &Endpoint{
		name:     svc.Name,
		db:       db,
		marker:   "?",
		writes:   make(map[core.OperationType][]endpoint.Template),
		pivot:    svc.PivotAttributes,
		writable: svc.WritableAttributes,
		branches: make(map[endpoint.BranchID]*branch),
		logger:   logger.With("component", "RelationalEndpoint", "service", svc.Name),
	}
	size := opts.Connection.StatementCache
	if size == 0 {
		size = DefaultStatementCache
	}
	if size > 0 {
		e.stmts = cache.NewLRU(size, func(query string, stmt *sql.Stmt) {
			if err := stmt.Close(); err != nil {
				e.logger.Debug("Failed to close evicted statement", "error", err)
			}
		})
	}
	var err error
	if svc.ListRequest == "" || svc.GetRequest == "" {
		return nil, core.NewConfigurationError("relational", "service %q needs list_request and get_request", svc.Name)
	}
	if e.list, err = lookup(svc.ListRequest); err != nil {
		return nil, err
	}
	if e.get, err = lookup(svc.GetRequest); err != nil {
		return nil, err
	}
	for op, names := range map[core.OperationType][]string{
		core.OperationCreate:   svc.InsertRequests,
		core.OperationUpdate:   svc.UpdateRequests,
		core.OperationDelete:   svc.DeleteRequests,
		core.OperationChangeID: svc.ChangeIDRequests,
	} {
		if e.writes[op], err = lookupAll(names); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Open connects with the configured driver and DSN. It is registered
// under config.KindSQL.
func Open(ctx context.Context, params endpoint.Params) (endpoint.Service, error) {
	driverName := params.Connection.Driver
	if driverName == "" {
		driverName = DefaultDriver
	}
	db, err := sql.Open(driverName, params.Connection.DSN)
	if err != nil {
		return nil, core.NewConfigurationError("relational", "failed to open %s database: %v", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &core.BackendUnavailableError{Endpoint: params.Connection.Name, Op: "ping", Err: err}
	}
	ep, err := New(db, Options{Service: params.Service, Connection: params.Connection, Logger: params.Logger})
	if err != nil {
		db.Close()
		return nil, err
	}
	return ep, nil
}

func (e *Endpoint) Name() string { return e.name }

// Close rolls back any open branch and closes the database.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	for id, b := range e.branches {
		_ = b.tx.Rollback()
		delete(e.branches, id)
	}
	e.mu.Unlock()
	if e.stmts != nil {
		e.stmts.Clear()
	}
	return e.db.Close()
}

func (e *Endpoint) WritableAttributeNames() []string {
	return append([]string(nil), e.writable...)
}

// ListPivots runs the list request. The first pivot attribute is the
// identifier column.
func (e *Endpoint) ListPivots(ctx context.Context) (map[string]*core.Record, error) {
	query, args, err := e.list.Bind(e.marker, "", nil)
	if err != nil {
		return nil, core.NewConfigurationError("relational", "service %q: list_request: %v", e.name, err)
	}
	rows, err := e.query(ctx, query, args)
	if err != nil {
		return nil, e.classify("list", err)
	}
	defer rows.Close()

	out := make(map[string]*core.Record)
	err = scanRows(rows, func(ds core.Datasets) {
		id := ds.First(e.pivot[0])
		if id == "" {
			return
		}
		if rec, ok := out[id]; ok {
			out[id] = core.NewRecord(id, mergeDatasets(rec.Datasets, ds))
			return
		}
		out[id] = core.NewRecord(id, ds)
	})
	if err != nil {
		return nil, e.classify("list", err)
	}
	return out, nil
}

// query runs a read through the prepared statement cache. Writes run in
// transactions and are not prepared.
func (e *Endpoint) query(ctx context.Context, query string, args []any) (*sql.Rows, error) {
	if e.stmts == nil {
		return e.db.QueryContext(ctx, query, args...)
	}
	stmt, err := e.stmts.GetOrAdd(query, func() (*sql.Stmt, error) {
		return e.db.PrepareContext(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// GetRecord runs the get request. Rows are merged into one record, so a
// join returning one row per value yields a multi-valued dataset.
func (e *Endpoint) GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error) {
	attrs := known.Clone()
	if attrs == nil {
		attrs = make(core.Datasets)
	}
	if len(attrs.Get(e.pivot[0])) == 0 {
		attrs[e.pivot[0]] = []string{id}
	}
	query, args, err := e.get.Bind(e.marker, id, attrs)
	if err != nil {
		return nil, core.NewConfigurationError("relational", "service %q: get_request: %v", e.name, err)
	}
	rows, err := e.query(ctx, query, args)
	if err != nil {
		return nil, e.classify("get", err)
	}
	defer rows.Close()

	var merged core.Datasets
	found := false
	err = scanRows(rows, func(ds core.Datasets) {
		found = true
		merged = mergeDatasets(merged, ds)
	})
	if err != nil {
		return nil, e.classify("get", err)
	}
	if !found {
		return nil, nil
	}
	return core.NewRecord(id, merged), nil
}

// Apply runs the requests for req in a transaction of its own.
func (e *Endpoint) Apply(ctx context.Context, req core.ModificationRequest) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return e.classify("begin", err)
	}
	if _, err := e.execute(ctx, tx, req); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return e.classify("commit", err)
	}
	return nil
}

func (e *Endpoint) execute(ctx context.Context, tx *sql.Tx, req core.ModificationRequest) (int, error) {
	templates := e.writes[req.Operation]
	if len(templates) == 0 {
		return 0, core.NewConfigurationError("relational", "service %q has no requests for %s", e.name, req.Operation)
	}
	if req.IsEmpty() {
		return 0, nil
	}
	attrs := e.bindValues(req)
	for i, t := range templates {
		for _, name := range t.Placeholders() {
			if n := len(attrs.Get(name)); n > 1 {
				return i, fmt.Errorf("%s request %d/%d: {%s} has %d values: %w", req.Operation, i+1, len(templates), name, n, ErrMultiValued)
			}
		}
		query, args, err := t.Bind(e.marker, req.MainIdentifier, attrs)
		if err != nil {
			return i, fmt.Errorf("%s request %d/%d: %w", req.Operation, i+1, len(templates), err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			e.logger.Error("Request failed", "operation", req.Operation.String(), "id", req.MainIdentifier, "request", i+1, "error", err)
			return i, e.classify(req.Operation.String(), err)
		}
	}
	return len(templates), nil
}

// bindValues is the destination state after the change, plus the reserved
// identifier placeholders.
func (e *Endpoint) bindValues(req core.ModificationRequest) core.Datasets {
	var base core.Datasets
	if req.Destination != nil {
		base = req.Destination.Datasets
	}
	attrs := core.ApplyChanges(base, req.Changes)
	if len(attrs.Get(PlaceholderID)) == 0 {
		attrs[PlaceholderID] = []string{req.MainIdentifier}
	}
	if req.NewIdentifier != "" && len(attrs.Get(PlaceholderNewID)) == 0 {
		attrs[PlaceholderNewID] = []string{req.NewIdentifier}
	}
	if len(attrs.Get(e.pivot[0])) == 0 {
		attrs[e.pivot[0]] = []string{req.MainIdentifier}
	}
	return attrs
}

// Begin opens a database transaction for a new branch.
func (e *Endpoint) Begin(ctx context.Context) (endpoint.BranchID, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", e.classify("begin", err)
	}
	id := endpoint.BranchID(uuid.NewString())
	e.mu.Lock()
	e.branches[id] = &branch{tx: tx}
	e.mu.Unlock()
	return id, nil
}

func (e *Endpoint) lookupBranch(id endpoint.BranchID) (*branch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.branches[id]
	if !ok {
		return nil, fmt.Errorf("unknown branch %s", id)
	}
	return b, nil
}

// Submit executes the requests inside the branch transaction.
func (e *Endpoint) Submit(ctx context.Context, id endpoint.BranchID, req core.ModificationRequest) error {
	b, err := e.lookupBranch(id)
	if err != nil {
		return err
	}
	if b.ended {
		return fmt.Errorf("branch %s already ended", id)
	}
	n, err := e.execute(ctx, b.tx, req)
	b.executed += n
	return err
}

func (e *Endpoint) End(ctx context.Context, id endpoint.BranchID) error {
	b, err := e.lookupBranch(id)
	if err != nil {
		return err
	}
	b.ended = true
	return nil
}

// Prepare votes READ_ONLY when nothing was executed. Otherwise it checks
// the transaction can still reach the database.
func (e *Endpoint) Prepare(ctx context.Context, id endpoint.BranchID) (endpoint.Vote, error) {
	b, err := e.lookupBranch(id)
	if err != nil {
		return endpoint.VoteAbort, err
	}
	if !b.ended {
		return endpoint.VoteAbort, fmt.Errorf("branch %s prepared before end", id)
	}
	b.prepared = true
	if b.executed == 0 {
		return endpoint.VoteReadOnly, nil
	}
	var one int
	if err := b.tx.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return endpoint.VoteAbort, e.classify("prepare", err)
	}
	return endpoint.VoteOK, nil
}

func (e *Endpoint) Commit(ctx context.Context, id endpoint.BranchID) error {
	b, err := e.lookupBranch(id)
	if err != nil {
		return err
	}
	if !b.prepared {
		return fmt.Errorf("branch %s committed before prepare", id)
	}
	e.forget(id)
	if err := b.tx.Commit(); err != nil {
		return e.classify("commit", err)
	}
	return nil
}

func (e *Endpoint) Rollback(ctx context.Context, id endpoint.BranchID) error {
	b, err := e.lookupBranch(id)
	if err != nil {
		return err
	}
	e.forget(id)
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return e.classify("rollback", err)
	}
	return nil
}

func (e *Endpoint) forget(id endpoint.BranchID) {
	e.mu.Lock()
	delete(e.branches, id)
	e.mu.Unlock()
}

func (e *Endpoint) classify(op string, err error) error {
	if isUnavailable(err) {
		return &core.BackendUnavailableError{Endpoint: e.name, Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return true
		}
	}
	return false
}

// scanRows turns each row into datasets named after the columns. NULL
// columns are skipped.
func scanRows(rows *sql.Rows, fn func(core.Datasets)) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		ds := make(core.Datasets, len(cols))
		for i, col := range cols {
			if values[i].Valid {
				ds[col] = []string{values[i].String}
			}
		}
		fn(ds)
	}
	return rows.Err()
}

func mergeDatasets(into, from core.Datasets) core.Datasets {
	if into == nil {
		into = make(core.Datasets, len(from))
	}
	for k, v := range from {
		into[k] = append(into[k], v...)
	}
	return into
}
