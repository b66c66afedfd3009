package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexussync/hooks"
)

// BreakerRule trips a participant after MaxFailures failed phase calls
// within Window. A tripped participant stays open for Cooldown.
type BreakerRule struct {
	Participant string // empty matches every participant
	MaxFailures int
	Window      time.Duration
	Cooldown    time.Duration
}

// ErrParticipantTripped is returned from PreApply while a participant is open.
type ErrParticipantTripped struct {
	Participant string
	Until       time.Time
}

func (e *ErrParticipantTripped) Error() string {
	return fmt.Sprintf("participant %q tripped after repeated failures, retry after %s", e.Participant, e.Until.Format(time.RFC3339))
}

// FailureBreakerListener counts OnParticipantFailure events and refuses
// coordinated writes touching a participant that fails too often.
type FailureBreakerListener struct {
	logger *slog.Logger
	rules  map[string]BreakerRule
	now    func() time.Time

	mu        sync.Mutex
	failures  map[string][]time.Time
	openUntil map[string]time.Time
}

// NewFailureBreakerListener registers on both EventOnParticipantFailure and
// EventPreApply.
func NewFailureBreakerListener(logger *slog.Logger, rules []BreakerRule) *FailureBreakerListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ruleMap := make(map[string]BreakerRule, len(rules))
	for _, r := range rules {
		ruleMap[r.Participant] = r
	}
	return &FailureBreakerListener{
		logger:    logger.With("component", "FailureBreakerListener"),
		rules:     ruleMap,
		now:       time.Now,
		failures:  make(map[string][]time.Time),
		openUntil: make(map[string]time.Time),
	}
}

func (l *FailureBreakerListener) ruleFor(participant string) (BreakerRule, bool) {
	if r, ok := l.rules[participant]; ok {
		return r, true
	}
	r, ok := l.rules[""]
	return r, ok
}

// OnEvent handles OnParticipantFailure and PreApply events.
func (l *FailureBreakerListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventOnParticipantFailure:
		payload, ok := event.Payload().(hooks.ParticipantFailurePayload)
		if !ok {
			l.logger.Error("Received OnParticipantFailure event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		l.recordFailure(payload)
		return nil
	case hooks.EventPreApply:
		payload, ok := event.Payload().(hooks.PreApplyPayload)
		if !ok {
			l.logger.Error("Received PreApply event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		return l.check(payload.Participants)
	}
	return nil
}

func (l *FailureBreakerListener) recordFailure(p hooks.ParticipantFailurePayload) {
	rule, ok := l.ruleFor(p.Participant)
	if !ok || rule.MaxFailures <= 0 {
		return
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-rule.Window)
	recent := l.failures[p.Participant][:0]
	for _, ts := range l.failures[p.Participant] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	l.failures[p.Participant] = recent

	if len(recent) >= rule.MaxFailures {
		until := now.Add(rule.Cooldown)
		l.openUntil[p.Participant] = until
		l.failures[p.Participant] = nil
		l.logger.Error("Participant failure threshold reached, refusing writes",
			"participant", p.Participant,
			"phase", p.Phase,
			"failures", len(recent),
			"window", rule.Window,
			"until", until,
		)
	}
}

func (l *FailureBreakerListener) check(participants []string) error {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, name := range participants {
		until, ok := l.openUntil[name]
		if !ok {
			continue
		}
		if now.Before(until) {
			return &ErrParticipantTripped{Participant: name, Until: until}
		}
		delete(l.openUntil, name)
		l.logger.Info("Participant breaker closed", "participant", name)
	}
	return nil
}

// Priority runs the breaker before other pre-apply listeners.
func (l *FailureBreakerListener) Priority() int { return 1 }

func (l *FailureBreakerListener) IsAsync() bool { return false }
