package changefeed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
	"github.com/INLOpen/nexussync/hooks"
	"github.com/INLOpen/nexussync/metrics"
)

// DefaultPollWait is close to the minimum timer granularity on most
// platforms.
const DefaultPollWait = time.Millisecond

// State of an Adapter.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StatePolling:
		return "POLLING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Subscriber issues one asynchronous continuation-aware search. The
// returned Future resolves with the first change after token.
type Subscriber interface {
	Subscribe(ctx context.Context, mode Mode, token []byte) (*Future, error)
}

// TokenStore persists continuation tokens across restarts.
type TokenStore interface {
	Load(source string) ([]byte, error)
	Save(source string, token []byte) error
}

// Options configures an Adapter.
type Options struct {
	// Source names the feed in logs, metrics and the token store.
	Source     string
	ServerType string
	Subscriber Subscriber
	// Reader serves the synchronous lookups. It may be nil.
	Reader endpoint.Readable
	// Attributes restricts decoded records to these datasets. Empty keeps all.
	Attributes []string
	PollWait   time.Duration
	Tokens     TokenStore

	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
	Metrics     *metrics.Metrics
}

// Adapter turns a push-style directory subscription into a pull-style
// "next change or nothing yet" operation. It is also a Readable, serving
// authoritative lookups through its Reader.
type Adapter struct {
	source     string
	subscriber Subscriber
	reader     endpoint.Readable
	attributes []string
	pollWait   time.Duration
	tokens     TokenStore

	mu     sync.Mutex
	cursor Cursor
	state  State
	subCtx context.Context
	stop   context.CancelFunc

	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	metrics *metrics.Metrics
}

var _ endpoint.Readable = (*Adapter)(nil)

// New builds an adapter. An unsupported server type is a configuration
// error reported here rather than at poll time.
func New(opts Options) (*Adapter, error) {
	mode, err := ModeForServerType(opts.ServerType)
	if err != nil {
		return nil, err
	}
	if opts.Subscriber == nil {
		return nil, core.NewConfigurationError("changefeed", "source %q has no subscriber", opts.Source)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("changefeed")
	}
	hm := opts.HookManager
	if hm == nil {
		hm = hooks.Nop{}
	}
	pollWait := opts.PollWait
	if pollWait <= 0 {
		pollWait = DefaultPollWait
	}

	a := &Adapter{
		source:     opts.Source,
		subscriber: opts.Subscriber,
		reader:     opts.Reader,
		attributes: opts.Attributes,
		pollWait:   pollWait,
		tokens:     opts.Tokens,
		cursor:     Cursor{Mode: mode},
		state:      StateIdle,
		logger:     logger.With("component", "ChangeFeed", "source", opts.Source, "mode", mode.String()),
		tracer:     tracer,
		hooks:      hm,
		metrics:    opts.Metrics,
	}
	a.subCtx, a.stop = context.WithCancel(context.Background())

	if a.tokens != nil {
		token, err := a.tokens.Load(a.source)
		if err != nil {
			a.logger.Warn("Failed to load continuation token, starting from scratch", "error", err)
		} else if len(token) > 0 {
			a.cursor = a.cursor.withToken(token)
			a.logger.Info("Resuming from stored continuation token", "token_len", len(token))
		}
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.source }

// State returns the current state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Cursor returns the current cursor value.
func (a *Adapter) Cursor() Cursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// NextChange returns the next externally originated change, or false if
// nothing arrived within the poll wait. Poll errors are logged and answered
// with a fresh subscription; they never reach the caller.
func (a *Adapter) NextChange(ctx context.Context) (*core.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cursor.Pending() {
		if !a.subscribe(ctx) {
			return nil, false
		}
	}

	a.state = StatePolling
	out, ready := a.cursor.pending.Poll(ctx, a.pollWait)
	if !ready {
		return nil, false
	}

	if out.Err != nil || out.Entry == nil {
		err := out.Err
		if err == nil {
			err = ErrSubscriptionClosed
		}
		a.logger.Warn("Change feed poll failed, resubscribing", "error", err)
		a.metrics.PollFailed(a.source)
		_ = a.hooks.Trigger(ctx, hooks.NewOnPollErrorEvent(hooks.PollErrorPayload{Source: a.source, Error: err}))
		a.replace(ctx, nil)
		return nil, false
	}

	rec := a.decode(out.Entry)
	a.replace(ctx, out.Entry.Token)

	a.metrics.ChangeDelivered(a.source)
	_ = a.hooks.Trigger(ctx, hooks.NewOnChangeDeliveredEvent(hooks.ChangeDeliveredPayload{
		Source: a.source,
		Record: rec,
		Token:  a.cursor.Token,
	}))
	a.logger.Debug("Change delivered", "dn", rec.ID, "deleted", out.Entry.Deleted)
	return rec, true
}

// replace drops the current subscription, records token if any, and
// subscribes again straight away.
func (a *Adapter) replace(ctx context.Context, token []byte) {
	a.cursor.pending.Cancel()
	next := a.cursor.idle().withToken(token)
	if len(token) > 0 && a.tokens != nil {
		if err := a.tokens.Save(a.source, next.Token); err != nil {
			a.logger.Warn("Failed to persist continuation token", "error", err)
		}
	}
	a.cursor = next
	a.state = StateIdle
	a.subscribe(ctx)
}

// subscribe issues a new subscription. On failure the adapter stays idle
// and the next NextChange tries again.
func (a *Adapter) subscribe(ctx context.Context) bool {
	_, span := a.tracer.Start(ctx, "ChangeFeed.Subscribe", trace.WithAttributes(
		attribute.String("source", a.source),
		attribute.String("mode", a.cursor.Mode.String()),
		attribute.Int("token_len", len(a.cursor.Token)),
	))
	defer span.End()

	a.state = StateSubscribing
	// Subscriptions outlive the caller's context; they end when replaced or
	// when the adapter is closed.
	f, err := a.subscriber.Subscribe(a.subCtx, a.cursor.Mode, a.cursor.Token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe_failed")
		a.logger.Warn("Subscription failed", "error", err)
		a.metrics.PollFailed(a.source)
		_ = a.hooks.Trigger(ctx, hooks.NewOnPollErrorEvent(hooks.PollErrorPayload{Source: a.source, Error: err}))
		a.state = StateIdle
		return false
	}
	a.cursor = a.cursor.withPending(f)
	a.metrics.Subscribed(a.source, a.cursor.Mode.String())
	_ = a.hooks.Trigger(ctx, hooks.NewOnSubscribeEvent(hooks.SubscribePayload{
		Source: a.source,
		Mode:   a.cursor.Mode.String(),
		Token:  a.cursor.Token,
	}))
	return true
}

// decode projects e onto the configured attributes. Deleted entries keep
// their values too, so the caller can still resolve their counterparts.
func (a *Adapter) decode(e *Entry) *core.Record {
	if len(a.attributes) == 0 {
		return core.NewRecord(e.DN, e.Attributes)
	}
	ds := make(core.Datasets, len(a.attributes))
	for name, values := range e.Attributes {
		for _, want := range a.attributes {
			if strings.EqualFold(name, want) {
				ds[want] = values
				break
			}
		}
	}
	return core.NewRecord(e.DN, ds)
}

// ListPivots delegates to the reader.
func (a *Adapter) ListPivots(ctx context.Context) (map[string]*core.Record, error) {
	if a.reader == nil {
		return nil, core.NewConfigurationError("changefeed", "source %q has no reader", a.source)
	}
	return a.reader.ListPivots(ctx)
}

// GetRecord re-fetches one identifier synchronously, bypassing the feed.
func (a *Adapter) GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error) {
	if a.reader == nil {
		return nil, core.NewConfigurationError("changefeed", "source %q has no reader", a.source)
	}
	return a.reader.GetRecord(ctx, id, known)
}

// Close cancels the outstanding subscription and closes the reader.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.cursor.pending != nil {
		a.cursor.pending.Cancel()
		a.cursor = a.cursor.idle()
	}
	a.state = StateIdle
	a.stop()
	a.mu.Unlock()

	if a.reader != nil {
		return a.reader.Close()
	}
	return nil
}
