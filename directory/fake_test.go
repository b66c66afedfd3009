package directory

import (
	"context"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

type result struct {
	entry    *ldap.Entry
	controls []ldap.Control
}

// fakeResponse replays results, then blocks until ctx ends unless closed.
type fakeResponse struct {
	ctx     context.Context
	results []result
	err     error
	hold    bool

	cur result
}

func (r *fakeResponse) Entry() *ldap.Entry       { return r.cur.entry }
func (r *fakeResponse) Referral() string         { return "" }
func (r *fakeResponse) Controls() []ldap.Control { return r.cur.controls }
func (r *fakeResponse) Err() error               { return r.err }

func (r *fakeResponse) Next() bool {
	if len(r.results) > 0 {
		r.cur, r.results = r.results[0], r.results[1:]
		return true
	}
	if r.hold {
		<-r.ctx.Done()
	}
	return false
}

type fakeConn struct {
	mu sync.Mutex

	searchResult *ldap.SearchResult
	searchErr    error
	searches     []*ldap.SearchRequest

	async      []*ldap.SearchRequest
	asyncReply func(ctx context.Context) *fakeResponse

	adds     []*ldap.AddRequest
	modifies []*ldap.ModifyRequest
	dels     []*ldap.DelRequest
	modDNs   []*ldap.ModifyDNRequest
	writeErr error
	closed   bool
}

var _ Conn = (*fakeConn)(nil)

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches = append(c.searches, req)
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	if c.searchResult == nil {
		return &ldap.SearchResult{}, nil
	}
	return c.searchResult, nil
}

func (c *fakeConn) SearchAsync(ctx context.Context, req *ldap.SearchRequest, bufferSize int) ldap.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.async = append(c.async, req)
	if c.asyncReply == nil {
		return &fakeResponse{ctx: ctx, hold: true}
	}
	return c.asyncReply(ctx)
}

func (c *fakeConn) Add(req *ldap.AddRequest) error {
	c.adds = append(c.adds, req)
	return c.writeErr
}

func (c *fakeConn) Modify(req *ldap.ModifyRequest) error {
	c.modifies = append(c.modifies, req)
	return c.writeErr
}

func (c *fakeConn) Del(req *ldap.DelRequest) error {
	c.dels = append(c.dels, req)
	return c.writeErr
}

func (c *fakeConn) ModifyDN(req *ldap.ModifyDNRequest) error {
	c.modDNs = append(c.modDNs, req)
	return c.writeErr
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}
