package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexussync/hooks"
)

var (
	// Published once so NewApplyStatsListener stays idempotent.
	applyStatsOnce    sync.Once
	appliedTotal      *expvar.Int
	abortedTotal      *expvar.Int
	participantWrites *expvar.Int
)

func initApplyStats() {
	applyStatsOnce.Do(func() {
		appliedTotal = expvar.NewInt("nexussync_coordinated_applied_total")
		abortedTotal = expvar.NewInt("nexussync_coordinated_aborted_total")
		participantWrites = expvar.NewInt("nexussync_participant_commits_total")
		// Published as a function so each scrape recomputes it.
		expvar.Publish("nexussync_coordinated_fanout", expvar.Func(func() interface{} {
			applied := appliedTotal.Value()
			if applied == 0 {
				return 0.0
			}
			return float64(participantWrites.Value()) / float64(applied)
		}))
	})
}

// ApplyStatsListener exposes expvar counters for coordinated writes.
type ApplyStatsListener struct {
	logger *slog.Logger

	applied     *expvar.Int
	aborted     *expvar.Int
	commitCount *expvar.Int
}

// NewApplyStatsListener creates a new listener.
func NewApplyStatsListener(logger *slog.Logger) *ApplyStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initApplyStats()
	return &ApplyStatsListener{
		logger:      logger.With("component", "ApplyStatsListener"),
		applied:     appliedTotal,
		aborted:     abortedTotal,
		commitCount: participantWrites,
	}
}

// OnEvent is called when a PostApply event is triggered.
func (l *ApplyStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostApplyPayload)
	if !ok {
		return nil
	}

	if payload.Error != nil && len(payload.Committed) == 0 {
		l.aborted.Add(1)
	} else {
		l.applied.Add(1)
	}
	l.commitCount.Add(int64(len(payload.Committed)))

	l.logger.Debug("Coordinated write processed",
		"txn_id", payload.TxnID,
		"identifier", payload.Request.MainIdentifier,
		"committed", len(payload.Committed),
		"rolled_back", len(payload.RolledBack),
		"duration", payload.Duration,
	)
	return nil
}

func (l *ApplyStatsListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *ApplyStatsListener) IsAsync() bool { return true }
