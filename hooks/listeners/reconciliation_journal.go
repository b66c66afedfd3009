package listeners

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexussync/hooks"
)

// JournalEntry is one line of the reconciliation journal.
type JournalEntry struct {
	Time       time.Time         `json:"time"`
	TxnID      string            `json:"txn_id"`
	Operation  string            `json:"operation"`
	Identifier string            `json:"identifier"`
	Committed  []string          `json:"committed"`
	Failed     map[string]string `json:"failed"`
	Error      string            `json:"error,omitempty"`
}

// ReconciliationJournalListener appends one JSON line per partially
// committed write so an operator can repair the destinations that missed it.
type ReconciliationJournalListener struct {
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	enc *json.Encoder
}

// NewReconciliationJournalListener writes entries to w.
func NewReconciliationJournalListener(w io.Writer, logger *slog.Logger) *ReconciliationJournalListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReconciliationJournalListener{
		logger: logger.With("component", "ReconciliationJournalListener"),
		now:    time.Now,
		enc:    json.NewEncoder(w),
	}
}

// OnEvent handles the OnPartialCommit event.
func (l *ReconciliationJournalListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnPartialCommit {
		return nil
	}

	payload, ok := event.Payload().(hooks.PartialCommitPayload)
	if !ok {
		l.logger.Error("Received OnPartialCommit event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	committed := append([]string(nil), payload.Committed...)
	sort.Strings(committed)
	entry := JournalEntry{
		Time:       l.now().UTC(),
		TxnID:      payload.TxnID,
		Operation:  payload.Request.Operation.String(),
		Identifier: payload.Request.MainIdentifier,
		Committed:  committed,
		Failed:     payload.Failed,
	}
	if payload.Error != nil {
		entry.Error = payload.Error.Error()
	}

	l.logger.Warn("Partial commit requires reconciliation",
		"txn_id", entry.TxnID,
		"identifier", entry.Identifier,
		"committed", entry.Committed,
		"failed", len(entry.Failed),
	)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write reconciliation entry for %s: %w", entry.TxnID, err)
	}
	return nil
}

// Priority defines the execution order.
func (l *ReconciliationJournalListener) Priority() int { return 10 }

// IsAsync is false so the entry is on disk before the write returns.
func (l *ReconciliationJournalListener) IsAsync() bool { return false }
