package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/INLOpen/nexussync/config"
	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
)

const defaultFilter = "(objectClass=*)"

// Endpoint reads and writes entries under one base DN.
type Endpoint struct {
	name string
	url  string

	mu   sync.Mutex
	conn Conn
	dial func(ctx context.Context) (Conn, error)
	// lost is set once the server dropped conn; the next operation redials.
	lost bool

	baseDN string
	scope  int

	getAll endpoint.Template
	getOne endpoint.Template
	clean  endpoint.Template

	pivot    []string
	fetched  []string
	writable []string

	logger *slog.Logger
}

var (
	_ endpoint.Readable = (*Endpoint)(nil)
	_ endpoint.Writable = (*Endpoint)(nil)
)

// Options configures an Endpoint.
type Options struct {
	Name    string
	URL     string
	Service config.ServiceConfig
	// Dial opens a replacement connection after the current one is lost.
	// Without it a lost connection stays in use.
	Dial   func(ctx context.Context) (Conn, error)
	Logger *slog.Logger
}

// New builds an endpoint on an already bound connection.
func New(conn Conn, opts Options) (*Endpoint, error) {
	svc := opts.Service
	if svc.BaseDN == "" {
		return nil, core.NewConfigurationError("directory", "service %q has no base_dn", svc.Name)
	}
	scope, err := parseScope(svc.Scope)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	name := opts.Name
	if name == "" {
		name = svc.Name
	}
	getAll := svc.GetAllFilter
	if getAll == "" {
		getAll = defaultFilter
	}
	return &Endpoint{
		name:     name,
		url:      opts.URL,
		conn:     conn,
		dial:     opts.Dial,
		baseDN:   svc.BaseDN,
		scope:    scope,
		getAll:   endpoint.NewTemplate(getAll, ldap.EscapeFilter),
		getOne:   endpoint.NewTemplate(svc.GetOneFilter, ldap.EscapeFilter),
		clean:    endpoint.NewTemplate(svc.CleanFilter, ldap.EscapeFilter),
		pivot:    svc.PivotAttributes,
		fetched:  svc.FetchedAttributes,
		writable: svc.WritableAttributes,
		logger:   logger.With("component", "DirectoryEndpoint", "service", name),
	}, nil
}

// Open dials the connection described by params and builds an Endpoint.
// It is registered under config.KindLDAP.
func Open(ctx context.Context, params endpoint.Params) (endpoint.Service, error) {
	ep, err := OpenEndpoint(ctx, params)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// OpenEndpoint is Open with a concrete return type, for callers that also
// need the change-feed subscriber.
func OpenEndpoint(ctx context.Context, params endpoint.Params) (*Endpoint, error) {
	password, err := params.Password(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve password for connection %q: %w", params.Connection.Name, err)
	}
	dialOpts := DialOptions{
		URL:      params.Connection.URL,
		BindDN:   params.Connection.BindDN,
		Password: password,
		StartTLS: params.Connection.StartTLS,
	}
	conn, err := Dial(ctx, dialOpts)
	if err != nil {
		return nil, err
	}
	ep, err := New(conn, Options{
		URL:     params.Connection.URL,
		Service: params.Service,
		Dial:    func(ctx context.Context) (Conn, error) { return Dial(ctx, dialOpts) },
		Logger:  params.Logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ep, nil
}

func parseScope(s string) (int, error) {
	switch strings.ToLower(s) {
	case "", "sub", "subtree":
		return ldap.ScopeWholeSubtree, nil
	case "one", "onelevel":
		return ldap.ScopeSingleLevel, nil
	case "base":
		return ldap.ScopeBaseObject, nil
	default:
		return 0, core.NewConfigurationError("directory", "unknown search scope %q", s)
	}
}

func (e *Endpoint) Name() string { return e.name }

func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Close()
}

// connection returns the current connection, redialing first when the
// previous one was lost.
func (e *Endpoint) connection(ctx context.Context) (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lost {
		if err := e.redial(ctx); err != nil {
			return nil, err
		}
	}
	return e.conn, nil
}

// reconnect replaces lost unless that already happened, and returns the
// connection to use from now on.
func (e *Endpoint) reconnect(ctx context.Context, lost Conn) (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == lost {
		if err := e.redial(ctx); err != nil {
			return nil, err
		}
	}
	return e.conn, nil
}

// redial must be called with e.mu held.
func (e *Endpoint) redial(ctx context.Context) error {
	e.lost = false
	if e.dial == nil {
		return nil
	}
	conn, err := e.dial(ctx)
	if err != nil {
		e.lost = true
		return err
	}
	_ = e.conn.Close()
	e.conn = conn
	e.logger.Info("Reconnected", "url", e.url)
	return nil
}

// fail classifies err from an operation on conn. Connectivity errors mark
// conn as lost.
func (e *Endpoint) fail(conn Conn, op string, err error) error {
	err = classify(e.url, op, err)
	if core.IsBackendUnavailable(err) {
		e.mu.Lock()
		if e.conn == conn {
			e.lost = true
		}
		e.mu.Unlock()
	}
	return err
}

// WritableAttributeNames returns the configured writable attributes.
func (e *Endpoint) WritableAttributeNames() []string {
	return append([]string(nil), e.writable...)
}

// Subscriber returns a change-feed subscriber sharing this endpoint's
// connection and search base. Either side replacing a lost connection
// replaces it for both.
func (e *Endpoint) Subscriber() *Subscriber {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	return NewSubscriber(conn, SubscriberOptions{
		Reconnect:  e.reconnect,
		BaseDN:     e.baseDN,
		Scope:      e.scope,
		Filter:     e.getAll.String(),
		Attributes: e.fetched,
		Logger:     e.logger,
	})
}

// ListPivots returns every entry matched by the get-all filter, keyed by DN,
// with only the pivot attributes populated.
func (e *Endpoint) ListPivots(ctx context.Context) (map[string]*core.Record, error) {
	return e.list(ctx, e.getAll)
}

// ListCleanable returns the entries matched by the clean filter, falling
// back to the get-all filter.
func (e *Endpoint) ListCleanable(ctx context.Context) (map[string]*core.Record, error) {
	if e.clean.IsZero() {
		return e.list(ctx, e.getAll)
	}
	return e.list(ctx, e.clean)
}

func (e *Endpoint) list(ctx context.Context, tmpl endpoint.Template) (map[string]*core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := e.connection(ctx)
	if err != nil {
		return nil, err
	}
	req := ldap.NewSearchRequest(e.baseDN, e.scope, ldap.NeverDerefAliases, 0, 0, false,
		tmpl.String(), e.pivot, nil)
	res, err := conn.Search(req)
	if err != nil {
		if isNoSuchObject(err) {
			return map[string]*core.Record{}, nil
		}
		return nil, e.fail(conn, "search", err)
	}
	out := make(map[string]*core.Record, len(res.Entries))
	for _, entry := range res.Entries {
		out[entry.DN] = entryToRecord(entry)
	}
	e.logger.Debug("Listed pivots", "count", len(out), "filter", tmpl.String())
	return out, nil
}

// GetRecord looks up one entry. With a get-one filter the identifier and
// known values are substituted into it and the search runs under the base
// DN. Without one, or when known lacks a value the filter needs and id is
// a DN, id is read as a DN.
func (e *Endpoint) GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, scope, filter := id, ldap.ScopeBaseObject, defaultFilter
	if !e.getOne.IsZero() {
		f, err := e.getOne.Resolve(id, known)
		switch {
		case err == nil:
			base, scope, filter = e.baseDN, e.scope, f
		case isDN(id):
			e.logger.Debug("Reading entry by DN", "dn", id, "reason", err)
		default:
			return nil, core.NewConfigurationError("directory", "service %q: get_one_filter: %v", e.name, err)
		}
	}

	conn, err := e.connection(ctx)
	if err != nil {
		return nil, err
	}
	req := ldap.NewSearchRequest(base, scope, ldap.NeverDerefAliases, 2, 0, false, filter, e.fetched, nil)
	res, err := conn.Search(req)
	if err != nil {
		if isNoSuchObject(err) {
			return nil, nil
		}
		return nil, e.fail(conn, "search", err)
	}
	switch len(res.Entries) {
	case 0:
		return nil, nil
	case 1:
		return entryToRecord(res.Entries[0]), nil
	default:
		return nil, fmt.Errorf("lookup of %q matched %d entries with filter %s", id, len(res.Entries), filter)
	}
}

// Apply performs one LDAP operation. Changes to attributes outside the
// writable list are dropped. CHANGE_ID renames the entry, then applies the
// remaining changes to it under the new DN; a failure of that second step
// leaves the entry renamed.
func (e *Endpoint) Apply(ctx context.Context, req core.ModificationRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	changes := e.filterWritable(req.Changes)
	conn, err := e.connection(ctx)
	if err != nil {
		return err
	}

	switch req.Operation {
	case core.OperationCreate:
		add := ldap.NewAddRequest(req.MainIdentifier, nil)
		attrs := core.ApplyChanges(nil, changes)
		for _, name := range attrs.Names() {
			add.Attribute(name, attrs[name])
		}
		err = conn.Add(add)
	case core.OperationUpdate:
		if len(changes) == 0 {
			return nil
		}
		err = conn.Modify(modifyRequest(req.MainIdentifier, changes))
	case core.OperationDelete:
		err = conn.Del(ldap.NewDelRequest(req.MainIdentifier, nil))
	case core.OperationChangeID:
		rdn, parent := splitDN(req.NewIdentifier)
		_, oldParent := splitDN(req.MainIdentifier)
		newSup := ""
		if !strings.EqualFold(parent, oldParent) {
			newSup = parent
		}
		err = conn.ModifyDN(ldap.NewModifyDNRequest(req.MainIdentifier, rdn, true, newSup))
		if err == nil && len(changes) > 0 {
			err = conn.Modify(modifyRequest(req.NewIdentifier, changes))
		}
	default:
		return fmt.Errorf("unsupported operation %s", req.Operation)
	}
	if err != nil {
		e.logger.Error("Apply failed", "operation", req.Operation.String(), "dn", req.MainIdentifier, "error", err)
		return e.fail(conn, req.Operation.String(), err)
	}
	e.logger.Debug("Applied", "operation", req.Operation.String(), "dn", req.MainIdentifier)
	return nil
}

func modifyRequest(dn string, changes []core.AttributeChange) *ldap.ModifyRequest {
	mod := ldap.NewModifyRequest(dn, nil)
	for _, c := range changes {
		switch c.Op {
		case core.ChangeAdd:
			mod.Add(c.Name, c.Values)
		case core.ChangeReplace:
			mod.Replace(c.Name, c.Values)
		case core.ChangeDelete:
			mod.Delete(c.Name, c.Values)
		}
	}
	return mod
}

func (e *Endpoint) filterWritable(changes []core.AttributeChange) []core.AttributeChange {
	if len(e.writable) == 0 {
		return changes
	}
	out := make([]core.AttributeChange, 0, len(changes))
	for _, c := range changes {
		if containsFold(e.writable, c.Name) {
			out = append(out, c)
		} else {
			e.logger.Debug("Dropping change to non-writable attribute", "attribute", c.Name)
		}
	}
	return out
}

func entryToRecord(entry *ldap.Entry) *core.Record {
	ds := make(core.Datasets, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		ds[attr.Name] = attr.Values
	}
	return core.NewRecord(entry.DN, ds)
}

func isDN(s string) bool {
	dn, err := ldap.ParseDN(s)
	return err == nil && len(dn.RDNs) > 0
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// splitDN splits dn at its first unescaped comma into the RDN and the
// parent DN.
func splitDN(dn string) (rdn, parent string) {
	escaped := false
	for i, r := range dn {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			return strings.TrimSpace(dn[:i]), strings.TrimSpace(dn[i+1:])
		}
	}
	return dn, ""
}
