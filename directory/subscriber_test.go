package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/INLOpen/nexussync/changefeed"
	"github.com/INLOpen/nexussync/core"
)

func encodeEntryChange(ec EntryChange) []byte {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "EntryChangeNotification")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(ec.ChangeType), "changeType"))
	if ec.PreviousDN != "" {
		seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ec.PreviousDN, "previousDN"))
	}
	if ec.ChangeNumber != 0 {
		seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, ec.ChangeNumber, "changeNumber"))
	}
	return seq.Bytes()
}

func newTestSubscriber(conn *fakeConn) *Subscriber {
	return NewSubscriber(conn, SubscriberOptions{
		BaseDN:     "ou=People,dc=example,dc=com",
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     "(objectClass=inetOrgPerson)",
		Attributes: []string{"uid", "cn"},
	})
}

func pollUntil(t *testing.T, f *changefeed.Future) changefeed.Outcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out, ok := f.Poll(context.Background(), 5*time.Millisecond); ok {
			return out
		}
	}
	t.Fatal("future did not resolve")
	return changefeed.Outcome{}
}

func TestSubscriber_SyncRepl(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := &fakeConn{
		searchResult: &ldap.SearchResult{Controls: []ldap.Control{&ldap.ControlSyncDone{Cookie: []byte("cookie-0")}}},
		asyncReply: func(ctx context.Context) *fakeResponse {
			return &fakeResponse{ctx: ctx, hold: true, results: []result{
				{
					entry:    ldap.NewEntry("uid=unchanged,ou=People,dc=example,dc=com", nil),
					controls: []ldap.Control{&ldap.ControlSyncState{State: ldap.SyncStatePresent}},
				},
				{
					entry:    ldap.NewEntry("uid=jdoe,ou=People,dc=example,dc=com", map[string][]string{"cn": {"John Doe"}}),
					controls: []ldap.Control{&ldap.ControlSyncState{State: ldap.SyncStateModify, Cookie: []byte("cookie-1")}},
				},
			}}
		},
	}
	s := newTestSubscriber(conn)

	f, err := s.Subscribe(context.Background(), changefeed.ModeSyncRepl, nil)
	require.NoError(t, err)
	out := pollUntil(t, f)
	f.Cancel()

	require.NoError(t, out.Err)
	require.NotNil(t, out.Entry)
	assert.Equal(t, "uid=jdoe,ou=People,dc=example,dc=com", out.Entry.DN)
	assert.Equal(t, []string{"John Doe"}, out.Entry.Attributes["cn"])
	assert.Equal(t, []byte("cookie-1"), out.Entry.Token)
	assert.False(t, out.Entry.Deleted)

	// An empty token bootstraps a cookie with a refresh-only search first.
	require.Len(t, conn.searches, 1)
	assert.Equal(t,
		[]ldap.Control{ldap.NewControlSyncRequest(ldap.SyncRequestModeRefreshOnly, nil, false)},
		conn.searches[0].Controls)
	require.Len(t, conn.async, 1)
	assert.Equal(t,
		[]ldap.Control{ldap.NewControlSyncRequest(ldap.SyncRequestModeRefreshAndPersist, []byte("cookie-0"), false)},
		conn.async[0].Controls)
}

func TestSubscriber_SyncRepl_ResumesFromToken(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := &fakeConn{}
	s := newTestSubscriber(conn)

	f, err := s.Subscribe(context.Background(), changefeed.ModeSyncRepl, []byte("stored"))
	require.NoError(t, err)
	_, ok := f.Poll(context.Background(), time.Millisecond)
	assert.False(t, ok)
	f.Cancel()

	assert.Empty(t, conn.searches, "no bootstrap with a stored token")
	assert.Equal(t,
		[]ldap.Control{ldap.NewControlSyncRequest(ldap.SyncRequestModeRefreshAndPersist, []byte("stored"), false)},
		conn.async[0].Controls)
}

func TestSubscriber_SyncRepl_NoCookie(t *testing.T) {
	s := newTestSubscriber(&fakeConn{})
	_, err := s.Subscribe(context.Background(), changefeed.ModeSyncRepl, nil)
	assert.ErrorIs(t, err, ErrNoSyncCookie)
}

func TestSubscriber_SyncRepl_Deleted(t *testing.T) {
	e, ok, err := decodeEntry(changefeed.ModeSyncRepl,
		ldap.NewEntry("uid=gone,ou=People,dc=example,dc=com", nil),
		[]ldap.Control{&ldap.ControlSyncState{State: ldap.SyncStateDelete, Cookie: []byte("c")}}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Deleted)
	assert.Equal(t, []string{"gone"}, e.Attributes["uid"], "RDN values identify the deleted entry")
}

func TestDecodeEntry_DirectoryNotificationKeepsHighestUSN(t *testing.T) {
	entry := func(usn string) *ldap.Entry {
		return ldap.NewEntry("CN=jdoe,CN=Users,DC=corp,DC=com", map[string][]string{"uSNChanged": {usn}})
	}
	e, _, err := decodeEntry(changefeed.ModeDirectoryNotification, entry("120"), nil, []byte("150"))
	require.NoError(t, err)
	assert.Equal(t, []byte("150"), e.Token, "an older notification does not move the token back")

	e, _, err = decodeEntry(changefeed.ModeDirectoryNotification, entry("151"), nil, []byte("150"))
	require.NoError(t, err)
	assert.Equal(t, []byte("151"), e.Token)

	e, _, err = decodeEntry(changefeed.ModeDirectoryNotification, entry("not-a-number"), nil, []byte("150"))
	require.NoError(t, err)
	assert.Equal(t, []byte("150"), e.Token)
}

func TestDecodeEntry_DeletedActiveDirectoryEntry(t *testing.T) {
	e, ok, err := decodeEntry(changefeed.ModeDirectoryNotification,
		ldap.NewEntry(`CN=jdoe\0ADEL:1234,CN=Deleted Objects,DC=corp,DC=com`, map[string][]string{"isDeleted": {"TRUE"}}),
		nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Deleted)
	assert.Equal(t, []string{"jdoe"}, e.Attributes["CN"])
}

func TestSubscriber_PersistentSearch(t *testing.T) {
	defer goleak.VerifyNone(t)
	ecn := encodeEntryChange(EntryChange{ChangeType: ChangeTypeDelete, ChangeNumber: 42})
	conn := &fakeConn{
		asyncReply: func(ctx context.Context) *fakeResponse {
			return &fakeResponse{ctx: ctx, results: []result{{
				entry: ldap.NewEntry("uid=gone,ou=People,dc=example,dc=com", nil),
				controls: []ldap.Control{&ldap.ControlString{
					ControlType:  ControlTypeEntryChangeNotification,
					ControlValue: string(ecn),
				}},
			}}}
		},
	}
	s := newTestSubscriber(conn)

	f, err := s.Subscribe(context.Background(), changefeed.ModePersistentSearch, nil)
	require.NoError(t, err)
	out := pollUntil(t, f)
	f.Cancel()

	require.NoError(t, out.Err)
	assert.True(t, out.Entry.Deleted)
	assert.Equal(t, []byte("42"), out.Entry.Token)

	require.Len(t, conn.async[0].Controls, 1)
	assert.Equal(t, ControlTypePersistentSearch, conn.async[0].Controls[0].GetControlType())
}

func TestSubscriber_DirectoryNotification(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := &fakeConn{
		asyncReply: func(ctx context.Context) *fakeResponse {
			return &fakeResponse{ctx: ctx, results: []result{{
				entry: ldap.NewEntry("CN=jdoe\\0ADEL:1234,CN=Deleted Objects,DC=corp,DC=com", map[string][]string{
					"isDeleted":  {"TRUE"},
					"uSNChanged": {"98765"},
				}),
			}}}
		},
	}
	s := newTestSubscriber(conn)

	f, err := s.Subscribe(context.Background(), changefeed.ModeDirectoryNotification, nil)
	require.NoError(t, err)
	out := pollUntil(t, f)
	f.Cancel()

	require.NoError(t, out.Err)
	assert.True(t, out.Entry.Deleted)
	assert.Equal(t, []byte("98765"), out.Entry.Token)

	req := conn.async[0]
	assert.Equal(t, "(objectClass=*)", req.Filter)
	assert.Contains(t, req.Attributes, "uSNChanged")
	assert.Equal(t, ldap.ControlTypeMicrosoftNotification, req.Controls[0].GetControlType())
}

func TestSubscriber_ResponseError(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := &fakeConn{
		asyncReply: func(ctx context.Context) *fakeResponse {
			return &fakeResponse{ctx: ctx, err: ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))}
		},
	}
	s := newTestSubscriber(conn)

	f, err := s.Subscribe(context.Background(), changefeed.ModePersistentSearch, nil)
	require.NoError(t, err)
	out := pollUntil(t, f)
	f.Cancel()
	require.Error(t, out.Err)
	assert.True(t, core.IsBackendUnavailable(out.Err))
}

func TestSubscriber_EndsWithoutChange(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := &fakeConn{
		asyncReply: func(ctx context.Context) *fakeResponse { return &fakeResponse{ctx: ctx} },
	}
	f, err := newTestSubscriber(conn).Subscribe(context.Background(), changefeed.ModePersistentSearch, nil)
	require.NoError(t, err)
	out := pollUntil(t, f)
	f.Cancel()
	assert.ErrorIs(t, out.Err, changefeed.ErrSubscriptionClosed)
}

func TestControlPersistentSearch_Encode(t *testing.T) {
	c := NewControlPersistentSearch()
	packet := c.Encode()
	require.Len(t, packet.Children, 3)
	assert.Equal(t, ControlTypePersistentSearch, packet.Children[0].Value)
	assert.Equal(t, true, packet.Children[1].Value)
	assert.Contains(t, c.String(), ControlTypePersistentSearch)
}

func TestDecodeEntryChange(t *testing.T) {
	ec, err := decodeEntryChange(encodeEntryChange(EntryChange{ChangeType: ChangeTypeModDN, PreviousDN: "uid=old,dc=x", ChangeNumber: 7}))
	require.NoError(t, err)
	assert.Equal(t, EntryChange{ChangeType: ChangeTypeModDN, PreviousDN: "uid=old,dc=x", ChangeNumber: 7}, ec)

	_, err = decodeEntryChange([]byte{0x01})
	assert.Error(t, err)
}

func TestSubscriber_ReplacesLostConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	broken := &fakeConn{
		asyncReply: func(ctx context.Context) *fakeResponse {
			return &fakeResponse{ctx: ctx, err: ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))}
		},
	}
	healthy := &fakeConn{
		asyncReply: func(ctx context.Context) *fakeResponse {
			return &fakeResponse{ctx: ctx, results: []result{{
				entry: ldap.NewEntry("uid=jdoe,ou=People,dc=example,dc=com", map[string][]string{"cn": {"John Doe"}}),
			}}}
		},
	}
	dials := 0
	ep := newTestEndpoint(t, broken)
	ep.dial = func(ctx context.Context) (Conn, error) {
		dials++
		return healthy, nil
	}
	s := ep.Subscriber()
	ctx := context.Background()

	f, err := s.Subscribe(ctx, changefeed.ModePersistentSearch, nil)
	require.NoError(t, err)
	out := pollUntil(t, f)
	f.Cancel()
	require.True(t, core.IsBackendUnavailable(out.Err))

	f, err = s.Subscribe(ctx, changefeed.ModePersistentSearch, nil)
	require.NoError(t, err)
	out = pollUntil(t, f)
	f.Cancel()
	require.NoError(t, out.Err)
	assert.Equal(t, "uid=jdoe,ou=People,dc=example,dc=com", out.Entry.DN)

	assert.Equal(t, 1, dials)
	assert.True(t, broken.closed)
	assert.Len(t, broken.async, 1)
	assert.Len(t, healthy.async, 1)

	// The endpoint reads through the replacement as well.
	_, err = ep.GetRecord(ctx, "x", core.Datasets{"uid": {"jdoe"}})
	require.NoError(t, err)
	assert.Len(t, healthy.searches, 1)
	assert.Equal(t, 1, dials)
}

func TestSubscriber_RedialFailureIsRetried(t *testing.T) {
	defer goleak.VerifyNone(t)
	broken := &fakeConn{searchErr: ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))}
	ep := newTestEndpoint(t, broken)
	attempts := 0
	ep.dial = func(ctx context.Context) (Conn, error) {
		attempts++
		if attempts == 1 {
			return nil, unavailable("ldap://localhost:389", "dial", errors.New("connection refused"))
		}
		return &fakeConn{}, nil
	}
	s := ep.Subscriber()
	ctx := context.Background()

	// The refresh-only bootstrap loses the connection.
	_, err := s.Subscribe(ctx, changefeed.ModeSyncRepl, nil)
	require.True(t, core.IsBackendUnavailable(err))

	_, err = s.Subscribe(ctx, changefeed.ModeSyncRepl, []byte("stored"))
	require.True(t, core.IsBackendUnavailable(err), "the redial itself failed")

	f, err := s.Subscribe(ctx, changefeed.ModeSyncRepl, []byte("stored"))
	require.NoError(t, err)
	f.Cancel()
	assert.Equal(t, 2, attempts)
}
