// Package task drives records from one source to one destination. The
// destination is either an endpoint or a coordinator fanning out to several.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
	"github.com/INLOpen/nexussync/metrics"
)

// Result labels one processed record.
type Result string

const (
	ResultCreated   Result = "created"
	ResultUpdated   Result = "updated"
	ResultDeleted   Result = "deleted"
	ResultUnchanged Result = "unchanged"
	ResultSkipped   Result = "skipped"
	ResultFailed    Result = "failed"
)

// Destination is what a task writes to.
type Destination interface {
	endpoint.Readable
	WritableAttributeNames() []string
	Apply(ctx context.Context, req core.ModificationRequest) error
}

// ChangeSource yields externally originated changes, or false when nothing
// is pending.
type ChangeSource interface {
	NextChange(ctx context.Context) (*core.Record, bool)
}

// Options configures a Task.
type Options struct {
	Name        string
	Source      endpoint.Readable
	Destination Destination
	// MainIdentifier is a "{attr}" template giving the destination
	// identifier. Empty reuses the source identifier.
	MainIdentifier string
	// StopOnBackendUnavailable halts a pass at the first connectivity
	// failure. Otherwise those failures are counted like any other.
	StopOnBackendUnavailable bool
	// IdleSleep is how long RunAsync waits after an empty poll.
	IdleSleep time.Duration

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *metrics.Metrics
}

// Stats counts the outcome of a pass.
type Stats map[Result]int

func (s Stats) String() string {
	parts := make([]string, 0, len(s))
	for r, n := range s {
		parts = append(parts, fmt.Sprintf("%s=%d", r, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// Task synchronizes one source with one destination.
type Task struct {
	name      string
	source    endpoint.Readable
	dest      Destination
	mainID    endpoint.Template
	stopOnBU  bool
	idleSleep time.Duration

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

const defaultIdleSleep = 100 * time.Millisecond

func New(opts Options) (*Task, error) {
	if opts.Source == nil || opts.Destination == nil {
		return nil, core.NewConfigurationError("task", "task %q needs a source and a destination", opts.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("task")
	}
	idle := opts.IdleSleep
	if idle <= 0 {
		idle = defaultIdleSleep
	}
	return &Task{
		name:      opts.Name,
		source:    opts.Source,
		dest:      opts.Destination,
		mainID:    endpoint.NewTemplate(opts.MainIdentifier, nil),
		stopOnBU:  opts.StopOnBackendUnavailable,
		idleSleep: idle,
		logger:    logger.With("component", "Task", "task", opts.Name),
		tracer:    tracer,
		metrics:   opts.Metrics,
	}, nil
}

func (t *Task) Name() string { return t.name }

// destinationID maps a source record to its destination identifier.
func (t *Task) destinationID(rec *core.Record) (string, error) {
	if t.mainID.IsZero() {
		return rec.ID, nil
	}
	return t.mainID.Resolve(rec.ID, rec.Datasets)
}

// halts reports whether err ends the current pass.
func (t *Task) halts(err error) bool {
	return t.stopOnBU && core.IsBackendUnavailable(err)
}

func (t *Task) record(stats Stats, r Result) {
	stats[r]++
	t.metrics.RecordProcessed(t.name, string(r))
}

// Sync brings every source record into the destination.
func (t *Task) Sync(ctx context.Context) (Stats, error) {
	ctx, span := t.tracer.Start(ctx, "Task.Sync", trace.WithAttributes(attribute.String("task", t.name)))
	defer span.End()

	stats := Stats{}
	pivots, err := t.source.ListPivots(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list_failed")
		return stats, fmt.Errorf("task %s: list source: %w", t.name, err)
	}
	t.logger.Info("Sync pass started", "records", len(pivots))

	for _, id := range sortedIDs(pivots) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		res, err := t.SyncOne(ctx, id, pivots[id].Datasets)
		t.record(stats, res)
		if err != nil {
			if t.halts(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "backend_unavailable")
				t.logger.Error("Sync pass halted", "id", id, "error", err)
				return stats, fmt.Errorf("task %s: %w", t.name, err)
			}
			t.logger.Warn("Failed to synchronize record", "id", id, "error", err)
		}
	}
	span.SetAttributes(attribute.Int("processed", len(pivots)))
	t.logger.Info("Sync pass finished", "stats", stats.String())
	return stats, nil
}

// SyncOne synchronizes a single source identifier. A source record that no
// longer exists removes its destination counterpart when the identifier
// can still be resolved.
func (t *Task) SyncOne(ctx context.Context, id string, known core.Datasets) (Result, error) {
	src, err := t.source.GetRecord(ctx, id, known)
	if err != nil {
		return ResultFailed, fmt.Errorf("get source %q: %w", id, err)
	}
	if src == nil {
		return t.removeVanished(ctx, core.NewRecord(id, known))
	}

	destID, err := t.destinationID(src)
	if err != nil {
		return ResultFailed, fmt.Errorf("destination identifier of %q: %w", id, err)
	}
	// The source values fill the destination's lookup filter.
	dst, err := t.dest.GetRecord(ctx, destID, src.Datasets)
	if err != nil {
		return ResultFailed, fmt.Errorf("get destination %q: %w", destID, err)
	}

	req, res := t.buildRequest(src, dst, destID)
	if res == ResultUnchanged {
		return res, nil
	}
	if err := t.dest.Apply(ctx, req); err != nil {
		return ResultFailed, fmt.Errorf("apply %s: %w", req.Operation, err)
	}
	t.logger.Debug("Record synchronized", "id", id, "destination_id", destID, "operation", req.Operation.String())
	return res, nil
}

func (t *Task) removeVanished(ctx context.Context, hint *core.Record) (Result, error) {
	destID, err := t.destinationID(hint)
	if err != nil {
		return ResultSkipped, nil
	}
	dst, err := t.dest.GetRecord(ctx, destID, hint.Datasets)
	if err != nil {
		return ResultFailed, fmt.Errorf("get destination %q: %w", destID, err)
	}
	if dst == nil {
		return ResultSkipped, nil
	}
	if err := t.dest.Apply(ctx, core.ModificationRequest{
		Operation:      core.OperationDelete,
		MainIdentifier: destID,
		Destination:    dst,
	}); err != nil {
		return ResultFailed, fmt.Errorf("apply delete: %w", err)
	}
	return ResultDeleted, nil
}

// buildRequest diffs src against dst over the destination's writable
// datasets. Every differing dataset is replaced as a whole.
func (t *Task) buildRequest(src, dst *core.Record, destID string) (core.ModificationRequest, Result) {
	names := t.dest.WritableAttributeNames()
	if len(names) == 0 {
		names = src.Datasets.Names()
	}

	req := core.ModificationRequest{MainIdentifier: destID, Source: src, Destination: dst}
	if dst == nil {
		req.Operation = core.OperationCreate
		for _, name := range names {
			if values := src.Datasets.Get(name); len(values) > 0 {
				req.Changes = append(req.Changes, core.AttributeChange{Name: name, Op: core.ChangeReplace, Values: values})
			}
		}
		return req, ResultCreated
	}

	req.Operation = core.OperationUpdate
	for _, name := range names {
		want := src.Datasets.Get(name)
		if core.EqualValues(want, dst.Datasets.Get(name)) {
			continue
		}
		req.Changes = append(req.Changes, core.AttributeChange{Name: name, Op: core.ChangeReplace, Values: want})
	}
	if len(req.Changes) == 0 {
		return req, ResultUnchanged
	}
	return req, ResultUpdated
}

// Clean deletes destination records that have no source counterpart.
func (t *Task) Clean(ctx context.Context) (Stats, error) {
	ctx, span := t.tracer.Start(ctx, "Task.Clean", trace.WithAttributes(attribute.String("task", t.name)))
	defer span.End()

	stats := Stats{}
	srcPivots, err := t.source.ListPivots(ctx)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("task %s: list source: %w", t.name, err)
	}
	dstPivots, err := t.dest.ListPivots(ctx)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("task %s: list destination: %w", t.name, err)
	}

	expected := make(map[string]struct{}, len(srcPivots))
	for _, id := range sortedIDs(srcPivots) {
		destID, err := t.destinationID(srcPivots[id])
		if err != nil {
			// Pivots may not carry the identifier attributes.
			full, gerr := t.source.GetRecord(ctx, id, srcPivots[id].Datasets)
			if gerr != nil {
				if t.halts(gerr) {
					return stats, fmt.Errorf("task %s: %w", t.name, gerr)
				}
				// Unknown mapping: refuse to clean anything rather than
				// delete a record that may still have a source.
				return stats, fmt.Errorf("task %s: resolve %q: %w", t.name, id, gerr)
			}
			if full == nil {
				continue
			}
			if destID, err = t.destinationID(full); err != nil {
				return stats, fmt.Errorf("task %s: resolve %q: %w", t.name, id, err)
			}
		}
		expected[destID] = struct{}{}
	}

	for _, id := range sortedIDs(dstPivots) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, ok := expected[id]; ok {
			continue
		}
		err := t.dest.Apply(ctx, core.ModificationRequest{
			Operation:      core.OperationDelete,
			MainIdentifier: id,
			Destination:    dstPivots[id],
		})
		if err != nil {
			t.record(stats, ResultFailed)
			if t.halts(err) {
				span.RecordError(err)
				t.logger.Error("Clean pass halted", "id", id, "error", err)
				return stats, fmt.Errorf("task %s: %w", t.name, err)
			}
			t.logger.Warn("Failed to delete orphan record", "id", id, "error", err)
			continue
		}
		t.record(stats, ResultDeleted)
	}
	t.logger.Info("Clean pass finished", "stats", stats.String())
	return stats, nil
}

// RunAsync synchronizes one identifier per delivered change until ctx is
// done. The delivered record only names the identifier; its state is read
// again from the source.
func (t *Task) RunAsync(ctx context.Context, feed ChangeSource) error {
	t.logger.Info("Async loop started")
	for {
		if err := ctx.Err(); err != nil {
			t.logger.Info("Async loop stopped")
			return nil
		}
		change, ok := feed.NextChange(ctx)
		if !ok {
			select {
			case <-ctx.Done():
			case <-time.After(t.idleSleep):
			}
			continue
		}

		res, err := t.SyncOne(ctx, change.ID, change.Datasets)
		t.metrics.RecordProcessed(t.name, string(res))
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			if t.halts(err) {
				t.logger.Error("Async loop halted", "id", change.ID, "error", err)
				return fmt.Errorf("task %s: %w", t.name, err)
			}
			t.logger.Warn("Failed to synchronize change", "id", change.ID, "error", err)
			continue
		}
		t.logger.Debug("Change processed", "id", change.ID, "result", string(res))
	}
}

func sortedIDs(m map[string]*core.Record) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
