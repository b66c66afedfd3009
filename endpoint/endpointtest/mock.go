// Package endpointtest provides test doubles for endpoint interfaces.
package endpointtest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
)

// MockTransactional is a testify mock of endpoint.TransactionalWritable.
type MockTransactional struct {
	mock.Mock
	name string
}

var _ endpoint.TransactionalWritable = (*MockTransactional)(nil)

func NewMockTransactional(name string) *MockTransactional {
	return &MockTransactional{name: name}
}

func (m *MockTransactional) Name() string { return m.name }

func (m *MockTransactional) Close() error { return nil }

func (m *MockTransactional) Begin(ctx context.Context) (endpoint.BranchID, error) {
	args := m.Called(ctx)
	return args.Get(0).(endpoint.BranchID), args.Error(1)
}

func (m *MockTransactional) Submit(ctx context.Context, branch endpoint.BranchID, req core.ModificationRequest) error {
	args := m.Called(ctx, branch, req)
	return args.Error(0)
}

func (m *MockTransactional) End(ctx context.Context, branch endpoint.BranchID) error {
	args := m.Called(ctx, branch)
	return args.Error(0)
}

func (m *MockTransactional) Prepare(ctx context.Context, branch endpoint.BranchID) (endpoint.Vote, error) {
	args := m.Called(ctx, branch)
	return args.Get(0).(endpoint.Vote), args.Error(1)
}

func (m *MockTransactional) Commit(ctx context.Context, branch endpoint.BranchID) error {
	args := m.Called(ctx, branch)
	return args.Error(0)
}

func (m *MockTransactional) Rollback(ctx context.Context, branch endpoint.BranchID) error {
	args := m.Called(ctx, branch)
	return args.Error(0)
}

func (m *MockTransactional) WritableAttributeNames() []string {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]string)
	}
	return nil
}

// MockReadable is a testify mock of endpoint.Readable.
type MockReadable struct {
	mock.Mock
	name string
}

var _ endpoint.Readable = (*MockReadable)(nil)

func NewMockReadable(name string) *MockReadable {
	return &MockReadable{name: name}
}

func (m *MockReadable) Name() string { return m.name }

func (m *MockReadable) Close() error { return nil }

func (m *MockReadable) ListPivots(ctx context.Context) (map[string]*core.Record, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.(map[string]*core.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReadable) GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error) {
	args := m.Called(ctx, id, known)
	if v := args.Get(0); v != nil {
		return v.(*core.Record), args.Error(1)
	}
	return nil, args.Error(1)
}
