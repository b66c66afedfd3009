package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/INLOpen/nexussync/core"
)

type bufferedBranch struct {
	requests []core.ModificationRequest
	ended    bool
	prepared bool
}

// Buffered lets a Writable without native transactions join a coordinated
// write. Submitted requests are held in memory until Commit, which applies
// them in submission order. Rollback simply drops them.
type Buffered struct {
	inner Writable

	mu       sync.Mutex
	branches map[BranchID]*bufferedBranch
}

var _ TransactionalWritable = (*Buffered)(nil)

func NewBuffered(inner Writable) *Buffered {
	return &Buffered{inner: inner, branches: make(map[BranchID]*bufferedBranch)}
}

func (b *Buffered) Name() string                     { return b.inner.Name() }
func (b *Buffered) Close() error                     { return b.inner.Close() }
func (b *Buffered) WritableAttributeNames() []string { return b.inner.WritableAttributeNames() }

// Unwrap returns the wrapped endpoint.
func (b *Buffered) Unwrap() Writable { return b.inner }

func (b *Buffered) Begin(ctx context.Context) (BranchID, error) {
	id := BranchID(uuid.NewString())
	b.mu.Lock()
	b.branches[id] = &bufferedBranch{}
	b.mu.Unlock()
	return id, nil
}

func (b *Buffered) Submit(ctx context.Context, branch BranchID, req core.ModificationRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, err := b.branch(branch)
	if err != nil {
		return err
	}
	if br.ended {
		return fmt.Errorf("branch %s already ended", branch)
	}
	br.requests = append(br.requests, req)
	return nil
}

func (b *Buffered) End(ctx context.Context, branch BranchID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, err := b.branch(branch)
	if err != nil {
		return err
	}
	br.ended = true
	return nil
}

func (b *Buffered) Prepare(ctx context.Context, branch BranchID) (Vote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, err := b.branch(branch)
	if err != nil {
		return VoteAbort, err
	}
	if !br.ended {
		return VoteAbort, fmt.Errorf("branch %s prepared before end", branch)
	}
	br.prepared = true
	if len(br.requests) == 0 {
		return VoteReadOnly, nil
	}
	return VoteOK, nil
}

// Commit applies the buffered requests. The first failing request stops the
// commit; requests applied before it stay applied.
func (b *Buffered) Commit(ctx context.Context, branch BranchID) error {
	b.mu.Lock()
	br, err := b.branch(branch)
	if err == nil && !br.prepared {
		err = fmt.Errorf("branch %s committed before prepare", branch)
	}
	delete(b.branches, branch)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	for i, req := range br.requests {
		if err := b.inner.Apply(ctx, req); err != nil {
			return fmt.Errorf("commit of branch %s failed at request %d/%d (%s): %w", branch, i+1, len(br.requests), req.MainIdentifier, err)
		}
	}
	return nil
}

func (b *Buffered) Rollback(ctx context.Context, branch BranchID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.branch(branch); err != nil {
		return err
	}
	delete(b.branches, branch)
	return nil
}

// Pending returns the number of open branches.
func (b *Buffered) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.branches)
}

func (b *Buffered) branch(id BranchID) (*bufferedBranch, error) {
	br, ok := b.branches[id]
	if !ok {
		return nil, fmt.Errorf("unknown branch %s", id)
	}
	return br, nil
}
