package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
	"github.com/INLOpen/nexussync/hooks"
	"github.com/INLOpen/nexussync/metrics"
)

// Phase names, used in errors, logs, metrics and hook payloads.
const (
	PhaseBegin    = "begin"
	PhaseSubmit   = "submit"
	PhaseEnd      = "end"
	PhasePrepare  = "prepare"
	PhaseCommit   = "commit"
	PhaseRollback = "rollback"
)

var errVotedAbort = errors.New("participant voted abort")

// Participant is one destination taking part in every coordinated write.
type Participant struct {
	ID       string
	Endpoint endpoint.TransactionalWritable
}

// Options configures a Coordinator.
type Options struct {
	Name string
	// Participants in declaration order. The order is used for every phase.
	Participants []Participant
	Logger       *slog.Logger
	Tracer       trace.Tracer
	HookManager  hooks.HookManager
	Metrics      *metrics.Metrics
}

// Coordinator applies each modification to all participants with two-phase
// commit. It is a Writable itself, so callers need not know whether they
// write to one destination or several. Apply calls are serialized.
type Coordinator struct {
	name         string
	participants []Participant
	reader       endpoint.Readable

	mu      sync.Mutex
	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	metrics *metrics.Metrics
}

var (
	_ endpoint.Writable = (*Coordinator)(nil)
	_ endpoint.Readable = (*Coordinator)(nil)
)

// New validates the participant list and builds a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if len(opts.Participants) == 0 {
		return nil, core.NewConfigurationError("coordinator", "no participants")
	}
	seen := make(map[string]struct{}, len(opts.Participants))
	for _, p := range opts.Participants {
		if p.ID == "" || p.Endpoint == nil {
			return nil, core.NewConfigurationError("coordinator", "participant %q is incomplete", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, core.NewConfigurationError("coordinator", "duplicate participant %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("coordinator")
	}
	hm := opts.HookManager
	if hm == nil {
		hm = hooks.Nop{}
	}
	name := opts.Name
	if name == "" {
		ids := make([]string, len(opts.Participants))
		for i, p := range opts.Participants {
			ids[i] = p.ID
		}
		name = "coordinator(" + strings.Join(ids, ",") + ")"
	}

	c := &Coordinator{
		name:         name,
		participants: append([]Participant(nil), opts.Participants...),
		logger:       logger.With("component", "Coordinator", "coordinator", name),
		tracer:       tracer,
		hooks:        hm,
		metrics:      opts.Metrics,
	}
	c.reader = readerOf(opts.Participants[0].Endpoint)
	return c, nil
}

func readerOf(tw endpoint.TransactionalWritable) endpoint.Readable {
	if r, ok := tw.(endpoint.Readable); ok {
		return r
	}
	if b, ok := tw.(*endpoint.Buffered); ok {
		if r, ok := b.Unwrap().(endpoint.Readable); ok {
			return r
		}
	}
	return nil
}

func (c *Coordinator) Name() string { return c.name }

// Participants returns the participant ids in declaration order.
func (c *Coordinator) Participants() []string {
	ids := make([]string, len(c.participants))
	for i, p := range c.participants {
		ids[i] = p.ID
	}
	return ids
}

// Close closes every participant endpoint.
func (c *Coordinator) Close() error {
	var err error
	for _, p := range c.participants {
		err = multierr.Append(err, p.Endpoint.Close())
	}
	return err
}

// WritableAttributeNames is the union of the participants' writable datasets.
func (c *Coordinator) WritableAttributeNames() []string {
	set := make(map[string]struct{})
	for _, p := range c.participants {
		for _, n := range p.Endpoint.WritableAttributeNames() {
			set[n] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListPivots reads from the first participant only.
func (c *Coordinator) ListPivots(ctx context.Context) (map[string]*core.Record, error) {
	if c.reader == nil {
		return nil, core.NewConfigurationError("coordinator", "first participant %q is not readable", c.participants[0].ID)
	}
	return c.reader.ListPivots(ctx)
}

// GetRecord reads from the first participant only.
func (c *Coordinator) GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error) {
	if c.reader == nil {
		return nil, core.NewConfigurationError("coordinator", "first participant %q is not readable", c.participants[0].ID)
	}
	return c.reader.GetRecord(ctx, id, known)
}

// Apply runs one coordinated write. It returns nil when every participant
// committed, an error wrapping core.ErrTransactionAborted when every branch
// was rolled back, and one wrapping core.ErrPartialCommit when the commit
// decision was reached but some participant failed to commit.
func (c *Coordinator) Apply(ctx context.Context, req core.ModificationRequest) error {
	_, err := c.Execute(ctx, req)
	return err
}

// Execute is Apply, also returning the final state of every branch.
func (c *Coordinator) Execute(ctx context.Context, req core.ModificationRequest) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := newTransaction(uuid.NewString(), c.participants)
	ctx, span := c.tracer.Start(ctx, "Coordinator.Apply", trace.WithAttributes(
		attribute.String("txn.id", tx.ID),
		attribute.String("operation", req.Operation.String()),
		attribute.String("main_identifier", req.MainIdentifier),
		attribute.Int("participants", len(c.participants)),
	))
	defer span.End()
	start := time.Now()

	if err := c.hooks.Trigger(ctx, hooks.NewPreApplyEvent(hooks.PreApplyPayload{
		TxnID:        tx.ID,
		Participants: c.Participants(),
		Request:      &req,
	})); err != nil {
		tx.Outcome = metrics.OutcomeCancelled
		c.metrics.TransactionFinished(tx.Outcome)
		span.SetStatus(codes.Error, "cancelled_by_pre_hook")
		return tx, fmt.Errorf("apply of %q cancelled: %w", req.MainIdentifier, err)
	}

	r := &run{c: c, tx: tx, req: req}
	err := r.execute(ctx, span)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, tx.Outcome)
	}
	c.metrics.TransactionFinished(tx.Outcome)
	_ = c.hooks.Trigger(ctx, hooks.NewPostApplyEvent(hooks.PostApplyPayload{
		TxnID:      tx.ID,
		Request:    req,
		Committed:  tx.participantsIn(StateCommitted),
		RolledBack: tx.participantsIn(StateRolledBack),
		Duration:   time.Since(start),
		Error:      err,
	}))
	return tx, err
}

// run holds the per-call protocol state.
type run struct {
	c    *Coordinator
	tx   *Transaction
	req  core.ModificationRequest
	errs error
}

func (r *run) execute(ctx context.Context, span trace.Span) error {
	branches := r.tx.Branches

	// Begin
	r.phase(ctx, span, PhaseBegin, func() {
		for _, b := range branches {
			id, err := callBegin(ctx, b.endpoint)
			if id != "" {
				b.BranchID = id
				b.State = StateStarted
			}
			if err != nil {
				if id == "" {
					b.State = StateFailed
				}
				r.fail(ctx, b, PhaseBegin, err)
				return
			}
		}
	})
	if r.errs != nil {
		return r.abort(ctx, span)
	}

	// Submit
	r.phase(ctx, span, PhaseSubmit, func() {
		for _, b := range branches {
			if err := call(func() error { return b.endpoint.Submit(ctx, b.BranchID, r.req) }); err != nil {
				r.fail(ctx, b, PhaseSubmit, err)
				return
			}
			b.State = StateSubmitted
		}
	})
	if r.errs != nil {
		return r.abort(ctx, span)
	}

	// End. A failure here is an abort vote; the scan continues so that
	// everybody else still reaches prepare.
	r.phase(ctx, span, PhaseEnd, func() {
		for _, b := range branches {
			if err := call(func() error { return b.endpoint.End(ctx, b.BranchID) }); err != nil {
				r.fail(ctx, b, PhaseEnd, err)
				continue
			}
			b.State = StateEnded
		}
	})

	// Prepare: collect every vote before deciding.
	doNotCommit := r.errs != nil
	r.phase(ctx, span, PhasePrepare, func() {
		for _, b := range branches {
			if b.State != StateEnded {
				continue
			}
			vote, err := callPrepare(ctx, b.endpoint, b.BranchID)
			b.Vote = vote
			if err == nil && vote == endpoint.VoteAbort {
				err = errVotedAbort
			}
			if err != nil {
				doNotCommit = true
				r.fail(ctx, b, PhasePrepare, err)
				continue
			}
			b.State = StatePrepared
		}
	})
	if doNotCommit {
		return r.abort(ctx, span)
	}
	return r.commit(ctx, span)
}

func (r *run) commit(ctx context.Context, span trace.Span) error {
	failed := make(map[string]string)
	r.phase(ctx, span, PhaseCommit, func() {
		for _, b := range r.tx.Branches {
			if !r.terminate(b) {
				continue
			}
			if err := call(func() error { return b.endpoint.Commit(ctx, b.BranchID) }); err != nil {
				b.State = StateFailed
				failed[b.Participant] = string(b.BranchID)
				r.fail(ctx, b, PhaseCommit, err)
				continue
			}
			b.State = StateCommitted
		}
	})

	if len(failed) == 0 {
		r.tx.Outcome = metrics.OutcomeCommitted
		r.c.logger.Debug("Transaction committed", "txn_id", r.tx.ID, "main_identifier", r.req.MainIdentifier)
		return nil
	}

	r.tx.Outcome = metrics.OutcomePartial
	committed := r.tx.participantsIn(StateCommitted)
	err := fmt.Errorf("%w: %w", core.ErrPartialCommit, r.errs)
	r.c.logger.Error("Transaction partially committed; manual reconciliation required",
		"txn_id", r.tx.ID,
		"operation", r.req.Operation.String(),
		"main_identifier", r.req.MainIdentifier,
		"committed", committed,
		"failed", failed,
		"error", r.errs,
	)
	_ = r.c.hooks.Trigger(ctx, hooks.NewOnPartialCommitEvent(hooks.PartialCommitPayload{
		TxnID:     r.tx.ID,
		Request:   r.req,
		Committed: committed,
		Failed:    failed,
		Error:     err,
	}))
	return err
}

// abort rolls back every branch that was handed out.
func (r *run) abort(ctx context.Context, span trace.Span) error {
	r.phase(ctx, span, PhaseRollback, func() {
		for _, b := range r.tx.Branches {
			if !r.terminate(b) {
				continue
			}
			if err := call(func() error { return b.endpoint.Rollback(ctx, b.BranchID) }); err != nil {
				b.State = StateFailed
				r.fail(ctx, b, PhaseRollback, err)
				continue
			}
			b.State = StateRolledBack
		}
	})
	r.tx.Outcome = metrics.OutcomeAborted
	r.c.logger.Warn("Transaction rolled back",
		"txn_id", r.tx.ID,
		"operation", r.req.Operation.String(),
		"main_identifier", r.req.MainIdentifier,
		"error", r.errs,
	)
	return fmt.Errorf("%w: %w", core.ErrTransactionAborted, r.errs)
}

// terminate reports whether b still needs its one terminating call and
// marks it as having received it.
func (r *run) terminate(b *Branch) bool {
	if b.BranchID == "" || b.terminated {
		return false
	}
	b.terminated = true
	return true
}

func (r *run) fail(ctx context.Context, b *Branch, phase string, err error) {
	pf := &core.ParticipantFailure{Participant: b.Participant, Phase: phase, BranchID: string(b.BranchID), Err: err}
	r.errs = multierr.Append(r.errs, pf)
	b.Err = multierr.Append(b.Err, err)
	r.c.metrics.ParticipantFailed(b.Participant, phase)
	r.c.logger.Error("Participant failed",
		"txn_id", r.tx.ID,
		"participant", b.Participant,
		"phase", phase,
		"branch_id", string(b.BranchID),
		"error", err,
	)
	_ = r.c.hooks.Trigger(ctx, hooks.NewOnParticipantFailureEvent(hooks.ParticipantFailurePayload{
		TxnID:       r.tx.ID,
		Participant: b.Participant,
		Phase:       phase,
		BranchID:    string(b.BranchID),
		Error:       err,
	}))
}

func (r *run) phase(ctx context.Context, span trace.Span, name string, fn func()) {
	start := time.Now()
	fn()
	r.c.metrics.ObservePhase(name, time.Since(start))
	span.AddEvent(name, trace.WithAttributes(attribute.Int("failures", len(multierr.Errors(r.errs)))))
}

// call runs fn, turning a panic into an error so that a misbehaving
// participant cannot leave other branches unterminated.
func call(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func callBegin(ctx context.Context, ep endpoint.TransactionalWritable) (id endpoint.BranchID, err error) {
	err = call(func() error {
		var e error
		id, e = ep.Begin(ctx)
		return e
	})
	return id, err
}

func callPrepare(ctx context.Context, ep endpoint.TransactionalWritable, branch endpoint.BranchID) (vote endpoint.Vote, err error) {
	vote = endpoint.VoteAbort
	err = call(func() error {
		var e error
		vote, e = ep.Prepare(ctx, branch)
		return e
	})
	return vote, err
}
