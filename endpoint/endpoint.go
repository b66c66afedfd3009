package endpoint

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexussync/core"
)

// Service is the part every endpoint shares, whatever capabilities it offers.
type Service interface {
	Name() string
	Close() error
}

// Readable endpoints enumerate and fetch records.
type Readable interface {
	Service
	// ListPivots returns every record the endpoint holds, keyed by identifier.
	// Only the pivot datasets are expected to be populated.
	ListPivots(ctx context.Context) (map[string]*core.Record, error)
	// GetRecord fetches one record. A missing identifier yields (nil, nil);
	// connectivity loss yields a *core.BackendUnavailableError.
	GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error)
}

// Writable endpoints apply one modification atomically.
type Writable interface {
	Service
	// Apply returns nil on success. On failure the destination is left as it was.
	Apply(ctx context.Context, req core.ModificationRequest) error
	// WritableAttributeNames lists the datasets this endpoint can persist.
	WritableAttributeNames() []string
}

// BranchID identifies one participant's unit of work.
type BranchID string

// Vote is a participant's answer to Prepare.
type Vote int

const (
	VoteOK Vote = iota
	VoteReadOnly
	VoteAbort
)

func (v Vote) String() string {
	switch v {
	case VoteOK:
		return "OK"
	case VoteReadOnly:
		return "READ_ONLY"
	case VoteAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("Vote(%d)", int(v))
	}
}

// TransactionalWritable endpoints take part in two-phase commit.
type TransactionalWritable interface {
	Service
	Begin(ctx context.Context) (BranchID, error)
	Submit(ctx context.Context, branch BranchID, req core.ModificationRequest) error
	End(ctx context.Context, branch BranchID) error
	Prepare(ctx context.Context, branch BranchID) (Vote, error)
	Commit(ctx context.Context, branch BranchID) error
	Rollback(ctx context.Context, branch BranchID) error
	WritableAttributeNames() []string
}

// AsTransactional returns s as a TransactionalWritable. Plain Writables are
// wrapped in a Buffered adapter; anything else is a configuration error.
func AsTransactional(s Service) (TransactionalWritable, error) {
	switch v := s.(type) {
	case TransactionalWritable:
		return v, nil
	case Writable:
		return NewBuffered(v), nil
	default:
		return nil, core.NewConfigurationError("endpoint", "service %q is not writable", s.Name())
	}
}

// AsReadable returns s as a Readable or a configuration error.
func AsReadable(s Service) (Readable, error) {
	r, ok := s.(Readable)
	if !ok {
		return nil, core.NewConfigurationError("endpoint", "service %q is not readable", s.Name())
	}
	return r, nil
}

// AsWritable returns s as a Writable or a configuration error.
func AsWritable(s Service) (Writable, error) {
	w, ok := s.(Writable)
	if !ok {
		return nil, core.NewConfigurationError("endpoint", "service %q is not writable", s.Name())
	}
	return w, nil
}
