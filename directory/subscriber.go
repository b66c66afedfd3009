package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/INLOpen/nexussync/changefeed"
	"github.com/INLOpen/nexussync/core"
)

// ErrNoSyncCookie is returned when a sync-replication refresh ends without
// giving a cookie to resume from.
var ErrNoSyncCookie = errors.New("server returned no sync cookie")

const (
	attrIsDeleted  = "isDeleted"
	attrUSNChanged = "uSNChanged"
)

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	// Reconnect returns a working connection in place of lost. Without it
	// a lost connection stays in use.
	Reconnect  func(ctx context.Context, lost Conn) (Conn, error)
	BaseDN     string
	Scope      int
	Filter     string
	Attributes []string
	Logger     *slog.Logger
}

// Subscriber follows a directory with one of the three continuation
// controls. Each subscription resolves with the first change it sees.
type Subscriber struct {
	mu        sync.Mutex
	conn      Conn
	lost      bool
	reconnect func(ctx context.Context, lost Conn) (Conn, error)

	baseDN     string
	scope      int
	filter     string
	attributes []string
	logger     *slog.Logger
}

var _ changefeed.Subscriber = (*Subscriber)(nil)

func NewSubscriber(conn Conn, opts SubscriberOptions) *Subscriber {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	filter := opts.Filter
	if filter == "" {
		filter = defaultFilter
	}
	return &Subscriber{
		conn:       conn,
		reconnect:  opts.Reconnect,
		baseDN:     opts.BaseDN,
		scope:      opts.Scope,
		filter:     filter,
		attributes: opts.Attributes,
		logger:     logger.With("component", "DirectorySubscriber"),
	}
}

// Subscribe issues the asynchronous search. It returns once the search is
// on the wire; the Future resolves with the first change, an error, or
// nothing if ctx is cancelled first. A subscription after a connectivity
// failure first replaces the connection.
func (s *Subscriber) Subscribe(ctx context.Context, mode changefeed.Mode, token []byte) (*changefeed.Future, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	req, err := s.request(ctx, conn, mode, token)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	resp := conn.SearchAsync(sctx, req, 1)
	ch := make(chan changefeed.Outcome, 1)
	go s.follow(sctx, conn, mode, token, resp, ch)
	return changefeed.NewFuture(ch, cancel), nil
}

func (s *Subscriber) connection(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lost || s.reconnect == nil {
		return s.conn, nil
	}
	conn, err := s.reconnect(ctx, s.conn)
	if err != nil {
		return nil, err
	}
	s.conn, s.lost = conn, false
	s.logger.Info("Change feed connection replaced")
	return conn, nil
}

// failed marks conn as lost when err is a connectivity failure.
func (s *Subscriber) failed(conn Conn, err error) error {
	if core.IsBackendUnavailable(err) {
		s.mu.Lock()
		if s.conn == conn {
			s.lost = true
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Subscriber) request(ctx context.Context, conn Conn, mode changefeed.Mode, token []byte) (*ldap.SearchRequest, error) {
	attrs := append([]string(nil), s.attributes...)
	filter := s.filter
	var controls []ldap.Control

	switch mode {
	case changefeed.ModeSyncRepl:
		if len(token) == 0 {
			cookie, err := s.bootstrapCookie(ctx, conn)
			if err != nil {
				return nil, err
			}
			token = cookie
		}
		controls = []ldap.Control{ldap.NewControlSyncRequest(ldap.SyncRequestModeRefreshAndPersist, token, false)}
	case changefeed.ModePersistentSearch:
		controls = []ldap.Control{NewControlPersistentSearch()}
	case changefeed.ModeDirectoryNotification:
		// Active Directory only accepts this filter with change notifications.
		filter = defaultFilter
		controls = []ldap.Control{ldap.NewControlMicrosoftNotification(), ldap.NewControlMicrosoftShowDeleted()}
		if len(attrs) > 0 {
			attrs = append(attrs, attrIsDeleted, attrUSNChanged)
		}
	default:
		return nil, fmt.Errorf("unsupported change feed mode %s", mode)
	}

	return ldap.NewSearchRequest(s.baseDN, s.scope, ldap.NeverDerefAliases, 0, 0, false, filter, attrs, controls), nil
}

// bootstrapCookie runs a refresh-only search so that the first persistent
// subscription starts from the current state instead of replaying every
// entry.
func (s *Subscriber) bootstrapCookie(ctx context.Context, conn Conn) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := ldap.NewSearchRequest(s.baseDN, s.scope, ldap.NeverDerefAliases, 0, 0, false, s.filter,
		[]string{"1.1"}, []ldap.Control{ldap.NewControlSyncRequest(ldap.SyncRequestModeRefreshOnly, nil, false)})
	res, err := conn.Search(req)
	if err != nil {
		return nil, s.failed(conn, classify(s.baseDN, "sync bootstrap", err))
	}
	for _, c := range res.Controls {
		if done, ok := c.(*ldap.ControlSyncDone); ok && len(done.Cookie) > 0 {
			s.logger.Info("Obtained initial sync cookie", "entries", len(res.Entries))
			return done.Cookie, nil
		}
	}
	return nil, ErrNoSyncCookie
}

func (s *Subscriber) follow(ctx context.Context, conn Conn, mode changefeed.Mode, token []byte, resp ldap.Response, ch chan<- changefeed.Outcome) {
	defer close(ch)
	send := func(out changefeed.Outcome) {
		select {
		case ch <- out:
		case <-ctx.Done():
		}
	}

	for resp.Next() {
		entry := resp.Entry()
		if entry == nil {
			continue
		}
		e, ok, err := decodeEntry(mode, entry, resp.Controls(), token)
		if err != nil {
			send(changefeed.Outcome{Err: err})
			return
		}
		if !ok {
			continue
		}
		send(changefeed.Outcome{Entry: e})
		return
	}
	if err := resp.Err(); err != nil && ctx.Err() == nil {
		send(changefeed.Outcome{Err: s.failed(conn, classify(s.baseDN, "subscribe", err))})
	}
}

// decodeEntry converts a search result into a change. The boolean is false
// for results that are not changes, such as sync "present" notices. token
// is the one the subscription started from. Deleted entries carry the
// values of their RDN so the record can still be identified.
func decodeEntry(mode changefeed.Mode, entry *ldap.Entry, controls []ldap.Control, token []byte) (*changefeed.Entry, bool, error) {
	e := &changefeed.Entry{DN: entry.DN, Attributes: make(map[string][]string, len(entry.Attributes))}
	for _, attr := range entry.Attributes {
		e.Attributes[attr.Name] = attr.Values
	}

	switch mode {
	case changefeed.ModeSyncRepl:
		state := findSyncState(controls)
		if state == nil {
			return e, true, nil
		}
		if state.State == ldap.SyncStatePresent {
			return nil, false, nil
		}
		e.Deleted = state.State == ldap.SyncStateDelete
		e.Token = state.Cookie
	case changefeed.ModePersistentSearch:
		for _, c := range controls {
			cs, ok := c.(*ldap.ControlString)
			if !ok || cs.ControlType != ControlTypeEntryChangeNotification {
				continue
			}
			ec, err := decodeEntryChange([]byte(cs.ControlValue))
			if err != nil {
				return nil, false, err
			}
			e.Deleted = ec.ChangeType == ChangeTypeDelete
			if ec.ChangeNumber > 0 {
				e.Token = []byte(strconv.FormatInt(ec.ChangeNumber, 10))
			}
		}
	case changefeed.ModeDirectoryNotification:
		e.Deleted = strings.EqualFold(entry.GetAttributeValue(attrIsDeleted), "TRUE")
		e.Token = highestUSN(token, entry.GetAttributeValue(attrUSNChanged))
	}
	if e.Deleted {
		addRDNValues(e)
	}
	return e, true, nil
}

// highestUSN returns the larger of the current token and usn. Notifications
// are not guaranteed to arrive in uSNChanged order.
func highestUSN(token []byte, usn string) []byte {
	n, err := strconv.ParseInt(usn, 10, 64)
	if err != nil {
		return token
	}
	if cur, err := strconv.ParseInt(string(token), 10, 64); err == nil && cur >= n {
		return token
	}
	return []byte(usn)
}

// addRDNValues copies the attribute values named in the entry's RDN into
// its attributes. Active Directory's "\nDEL:<guid>" suffix is dropped.
func addRDNValues(e *changefeed.Entry) {
	dn, err := ldap.ParseDN(e.DN)
	if err != nil || len(dn.RDNs) == 0 {
		return
	}
	for _, attr := range dn.RDNs[0].Attributes {
		value := attr.Value
		if i := strings.Index(value, "\nDEL:"); i >= 0 {
			value = value[:i]
		}
		if _, ok := e.Attributes[attr.Type]; !ok {
			e.Attributes[attr.Type] = []string{value}
		}
	}
}

func findSyncState(controls []ldap.Control) *ldap.ControlSyncState {
	for _, c := range controls {
		if state, ok := c.(*ldap.ControlSyncState); ok {
			return state
		}
	}
	return nil
}
