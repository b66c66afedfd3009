// Package docstore keeps one JSON document per record in a key/value blob
// store and implements the endpoint capabilities on top of it. Writes are
// staged under a per-branch prefix and promoted on commit.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
)

const docSuffix = ".json"

// Blobs is the storage a document endpoint runs on.
type Blobs interface {
	// Get returns core.ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Delete of an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Promote moves staged over target.
	Promote(ctx context.Context, staged, target string) error
}

// Options configures an Endpoint.
type Options struct {
	Name       string
	Collection string
	// StagingPrefix holds uncommitted branch writes. Defaults to ".staging".
	StagingPrefix string
	Pivot         []string
	Writable      []string
	Logger        *slog.Logger
}

type stagedOp struct {
	target string
	staged string // empty for a delete
}

type branch struct {
	ops      []stagedOp
	view     map[string]*core.Record // nil value: deleted in this branch
	ended    bool
	prepared bool
}

// Endpoint is Readable, Writable and TransactionalWritable.
type Endpoint struct {
	name       string
	blobs      Blobs
	collection string
	staging    string
	pivot      []string
	writable   []string

	mu       sync.Mutex
	branches map[endpoint.BranchID]*branch

	logger *slog.Logger
}

var (
	_ endpoint.Readable              = (*Endpoint)(nil)
	_ endpoint.Writable              = (*Endpoint)(nil)
	_ endpoint.TransactionalWritable = (*Endpoint)(nil)
)

func New(blobs Blobs, opts Options) (*Endpoint, error) {
	if opts.Collection == "" {
		return nil, core.NewConfigurationError("docstore", "service %q has no collection", opts.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	staging := opts.StagingPrefix
	if staging == "" {
		staging = ".staging"
	}
	return &Endpoint{
		name:       opts.Name,
		blobs:      blobs,
		collection: strings.Trim(opts.Collection, "/"),
		staging:    strings.Trim(staging, "/"),
		pivot:      opts.Pivot,
		writable:   opts.Writable,
		branches:   make(map[endpoint.BranchID]*branch),
		logger:     logger.With("component", "DocumentEndpoint", "service", opts.Name),
	}, nil
}

func (e *Endpoint) Name() string { return e.name }

// Close drops every open branch and its staged documents.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	ids := make([]endpoint.BranchID, 0, len(e.branches))
	for id := range e.branches {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, e.Rollback(context.Background(), id))
	}
	return errs
}

func (e *Endpoint) WritableAttributeNames() []string {
	return append([]string(nil), e.writable...)
}

// Key returns the document key of id.
func (e *Endpoint) Key(id string) string {
	return e.collection + "/" + url.PathEscape(id) + docSuffix
}

func (e *Endpoint) load(ctx context.Context, key string) (*core.Record, error) {
	data, err := e.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return core.DecodeRecord(bytes.NewReader(data))
}

// ListPivots reads every document in the collection.
func (e *Endpoint) ListPivots(ctx context.Context) (map[string]*core.Record, error) {
	keys, err := e.blobs.List(ctx, e.collection+"/")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*core.Record, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, docSuffix) {
			continue
		}
		rec, err := e.load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", key, err)
		}
		if rec == nil {
			continue
		}
		if len(e.pivot) > 0 {
			rec = rec.Project(e.pivot)
		}
		out[rec.ID] = rec
	}
	return out, nil
}

// GetRecord reads the document of id.
func (e *Endpoint) GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error) {
	return e.load(ctx, e.Key(id))
}

// Apply runs req as a single-endpoint transaction.
func (e *Endpoint) Apply(ctx context.Context, req core.ModificationRequest) error {
	id, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	if err := e.Submit(ctx, id, req); err != nil {
		return multierr.Append(err, e.Rollback(ctx, id))
	}
	if err := e.End(ctx, id); err != nil {
		return multierr.Append(err, e.Rollback(ctx, id))
	}
	if _, err := e.Prepare(ctx, id); err != nil {
		return multierr.Append(err, e.Rollback(ctx, id))
	}
	return e.Commit(ctx, id)
}

func (e *Endpoint) Begin(ctx context.Context) (endpoint.BranchID, error) {
	id := endpoint.BranchID(uuid.NewString())
	e.mu.Lock()
	e.branches[id] = &branch{view: make(map[string]*core.Record)}
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

// current is the record as this branch sees it.
func (e *Endpoint) current(ctx context.Context, b *branch, key string) (*core.Record, error) {
	if rec, ok := b.view[key]; ok {
		return rec, nil
	}
	return e.load(ctx, key)
}

// Submit computes the resulting documents and stages them.
func (e *Endpoint) Submit(ctx context.Context, id endpoint.BranchID, req core.ModificationRequest) error {
	b, err := e.lookupBranch(id)
	if err != nil {
		return err
	}
	if b.ended {
		return fmt.Errorf("branch %s already ended", id)
	}
	key := e.Key(req.MainIdentifier)
	cur, err := e.current(ctx, b, key)
	if err != nil {
		return err
	}
	changes := e.filterWritable(req.Changes)

	switch req.Operation {
	case core.OperationCreate:
		if cur != nil {
			return fmt.Errorf("create %q: record already exists", req.MainIdentifier)
		}
		return e.stagePut(ctx, id, b, key, core.NewRecord(req.MainIdentifier, core.ApplyChanges(nil, changes)))
	case core.OperationUpdate:
		if cur == nil {
			return fmt.Errorf("update %q: %w", req.MainIdentifier, core.ErrNotFound)
		}
		if len(changes) == 0 {
			return nil
		}
		return e.stagePut(ctx, id, b, key, core.NewRecord(req.MainIdentifier, core.ApplyChanges(cur.Datasets, changes)))
	case core.OperationDelete:
		if cur == nil {
			return nil
		}
		e.stageDelete(b, key)
		return nil
	case core.OperationChangeID:
		if cur == nil {
			return fmt.Errorf("change_id %q: %w", req.MainIdentifier, core.ErrNotFound)
		}
		newKey := e.Key(req.NewIdentifier)
		if existing, err := e.current(ctx, b, newKey); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("change_id %q: %q already exists", req.MainIdentifier, req.NewIdentifier)
		}
		if err := e.stagePut(ctx, id, b, newKey, core.NewRecord(req.NewIdentifier, core.ApplyChanges(cur.Datasets, changes))); err != nil {
			return err
		}
		e.stageDelete(b, key)
		return nil
	default:
		return fmt.Errorf("unsupported operation %s", req.Operation)
	}
}

func (e *Endpoint) stagePut(ctx context.Context, id endpoint.BranchID, b *branch, target string, rec *core.Record) error {
	var buf bytes.Buffer
	if err := core.EncodeRecord(&buf, rec); err != nil {
		return err
	}
	staged := fmt.Sprintf("%s/%s/%d%s", e.staging, id, len(b.ops), docSuffix)
	if err := e.blobs.Put(ctx, staged, buf.Bytes()); err != nil {
		return err
	}
	b.ops = append(b.ops, stagedOp{target: target, staged: staged})
	b.view[target] = rec
	return nil
}

func (e *Endpoint) stageDelete(b *branch, target string) {
	b.ops = append(b.ops, stagedOp{target: target})
	b.view[target] = nil
}

func (e *Endpoint) End(ctx context.Context, id endpoint.BranchID) error {
	b, err := e.lookupBranch(id)
	if err != nil {
		return err
	}
	b.ended = true
	return nil
}

// Prepare checks every staged document is readable back.
func (e *Endpoint) Prepare(ctx context.Context, id endpoint.BranchID) (endpoint.Vote, error) {
	b, err := e.lookupBranch(id)
	if err != nil {
		return endpoint.VoteAbort, err
	}
	if !b.ended {
		return endpoint.VoteAbort, fmt.Errorf("branch %s prepared before end", id)
	}
	b.prepared = true
	if len(b.ops) == 0 {
		return endpoint.VoteReadOnly, nil
	}
	for _, op := range b.ops {
		if op.staged == "" {
			continue
		}
		if _, err := e.blobs.Get(ctx, op.staged); err != nil {
			return endpoint.VoteAbort, fmt.Errorf("staged document %s: %w", op.staged, err)
		}
	}
	return endpoint.VoteOK, nil
}

// Commit promotes staged documents and performs deletes in submission
// order. It keeps going after a failure and reports all of them.
func (e *Endpoint) Commit(ctx context.Context, id endpoint.BranchID) error {
	b, err := e.lookupBranch(id)
	if err != nil {
		return err
	}
	if !b.prepared {
		return fmt.Errorf("branch %s committed before prepare", id)
	}
	e.forget(id)

	var errs error
	for i, op := range b.ops {
		var err error
		if op.staged == "" {
			err = e.blobs.Delete(ctx, op.target)
		} else {
			err = e.blobs.Promote(ctx, op.staged, op.target)
		}
		if err != nil {
			e.logger.Error("Commit step failed", "branch_id", string(id), "step", i+1, "target", op.target, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("step %d/%d on %s: %w", i+1, len(b.ops), op.target, err))
			if op.staged != "" {
				_ = e.blobs.Delete(ctx, op.staged)
			}
		}
	}
	return errs
}

// Rollback discards staged documents.
func (e *Endpoint) Rollback(ctx context.Context, id endpoint.BranchID) error {
	b, err := e.lookupBranch(id)
	if err != nil {
		return err
	}
	e.forget(id)
	var errs error
	for _, op := range b.ops {
		if op.staged != "" {
			errs = multierr.Append(errs, e.blobs.Delete(ctx, op.staged))
		}
	}
	return errs
}

func (e *Endpoint) forget(id endpoint.BranchID) {
	e.mu.Lock()
	delete(e.branches, id)
	e.mu.Unlock()
}

func (e *Endpoint) filterWritable(changes []core.AttributeChange) []core.AttributeChange {
	if len(e.writable) == 0 {
		return changes
	}
	out := make([]core.AttributeChange, 0, len(changes))
	for _, c := range changes {
		for _, w := range e.writable {
			if strings.EqualFold(w, c.Name) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
