package endpointtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
)

// Memory is a map-backed Readable and Writable endpoint.
type Memory struct {
	name     string
	writable []string

	mu      sync.Mutex
	records map[string]*core.Record
	applied []core.ModificationRequest

	// FailOn makes Apply fail for the given identifiers.
	FailOn map[string]error
}

var (
	_ endpoint.Readable = (*Memory)(nil)
	_ endpoint.Writable = (*Memory)(nil)
)

func NewMemory(name string, writable []string, records ...*core.Record) *Memory {
	m := &Memory{name: name, writable: writable, records: make(map[string]*core.Record)}
	for _, r := range records {
		m.records[r.ID] = r.Clone()
	}
	return m
}

func (m *Memory) Name() string                     { return m.name }
func (m *Memory) Close() error                     { return nil }
func (m *Memory) WritableAttributeNames() []string { return m.writable }

func (m *Memory) ListPivots(ctx context.Context) (map[string]*core.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*core.Record, len(m.records))
	for id, r := range m.records {
		out[id] = r.Clone()
	}
	return out, nil
}

func (m *Memory) GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (m *Memory) Apply(ctx context.Context, req core.ModificationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailOn[req.MainIdentifier]; err != nil {
		return err
	}
	existing := m.records[req.MainIdentifier]
	switch req.Operation {
	case core.OperationCreate:
		if existing != nil {
			return fmt.Errorf("record %q already exists", req.MainIdentifier)
		}
		m.records[req.MainIdentifier] = &core.Record{ID: req.MainIdentifier, Datasets: core.ApplyChanges(nil, req.Changes)}
	case core.OperationUpdate:
		if existing == nil {
			return fmt.Errorf("record %q: %w", req.MainIdentifier, core.ErrNotFound)
		}
		existing.Datasets = core.ApplyChanges(existing.Datasets, req.Changes)
	case core.OperationDelete:
		if existing == nil {
			return fmt.Errorf("record %q: %w", req.MainIdentifier, core.ErrNotFound)
		}
		delete(m.records, req.MainIdentifier)
	case core.OperationChangeID:
		if existing == nil {
			return fmt.Errorf("record %q: %w", req.MainIdentifier, core.ErrNotFound)
		}
		delete(m.records, req.MainIdentifier)
		existing.ID = req.NewIdentifier
		m.records[req.NewIdentifier] = existing
	}
	m.applied = append(m.applied, req)
	return nil
}

// Applied returns the requests applied so far.
func (m *Memory) Applied() []core.ModificationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.ModificationRequest(nil), m.applied...)
}

// Put stores r directly, bypassing Apply.
func (m *Memory) Put(r *core.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r.Clone()
}
