package directory

import (
	"context"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussync/changefeed"
	"github.com/INLOpen/nexussync/config"
	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint/endpointtest"
	"github.com/INLOpen/nexussync/task"
)

func TestEndpoint_AsTaskDestination(t *testing.T) {
	src := endpointtest.NewMemory("hr", nil, core.NewRecord("jdoe", core.Datasets{
		"uid":         {"jdoe"},
		"cn":          {"John Doe"},
		"objectClass": {"inetOrgPerson"},
	}))
	conn := &fakeConn{}
	ep := newTestEndpoint(t, conn)
	tk, err := task.New(task.Options{
		Name:           "export",
		Source:         src,
		Destination:    ep,
		MainIdentifier: "uid={uid},ou=People,dc=example,dc=com",
	})
	require.NoError(t, err)

	stats, err := tk.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.Stats{task.ResultCreated: 1}, stats)
	require.Len(t, conn.searches, 1)
	assert.Equal(t, "(&(objectClass=inetOrgPerson)(uid=jdoe))", conn.searches[0].Filter)
	require.Len(t, conn.adds, 1)
	assert.Equal(t, "uid=jdoe,ou=People,dc=example,dc=com", conn.adds[0].DN)

	conn.searchResult = &ldap.SearchResult{Entries: []*ldap.Entry{
		ldap.NewEntry("uid=jdoe,ou=People,dc=example,dc=com", map[string][]string{
			"uid":         {"jdoe"},
			"cn":          {"John Doe"},
			"objectClass": {"inetOrgPerson"},
		}),
	}}
	stats, err = tk.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.Stats{task.ResultUnchanged: 1}, stats)
	assert.Len(t, conn.adds, 1)
}

func TestChangeFeed_DeletePropagates(t *testing.T) {
	conn := &fakeConn{
		// Serves the sync bootstrap; lookups find nothing.
		searchResult: &ldap.SearchResult{Controls: []ldap.Control{&ldap.ControlSyncDone{Cookie: []byte("cookie-0")}}},
		asyncReply: func(ctx context.Context) *fakeResponse {
			return &fakeResponse{ctx: ctx, hold: true, results: []result{{
				entry:    ldap.NewEntry("uid=jdoe,ou=People,dc=example,dc=com", nil),
				controls: []ldap.Control{&ldap.ControlSyncState{State: ldap.SyncStateDelete, Cookie: []byte("cookie-1")}},
			}}}
		},
	}
	source := newTestEndpoint(t, conn)
	feed, err := changefeed.New(changefeed.Options{
		Source:     "people",
		ServerType: config.ServerTypeSyncRepl,
		Subscriber: source.Subscriber(),
		Reader:     source,
		Attributes: []string{"uid", "cn", "mail"},
		PollWait:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer feed.Close()

	dest := endpointtest.NewMemory("export", []string{"cn"},
		core.NewRecord("jdoe", core.Datasets{"uid": {"jdoe"}, "cn": {"John Doe"}}))
	tk, err := task.New(task.Options{
		Name:           "people",
		Source:         feed,
		Destination:    dest,
		MainIdentifier: "{uid}",
		IdleSleep:      time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tk.RunAsync(ctx, feed) }()

	require.Eventually(t, func() bool {
		rec, err := dest.GetRecord(context.Background(), "jdoe", nil)
		return err == nil && rec == nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	applied := dest.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, core.OperationDelete, applied[0].Operation)
	assert.Equal(t, "jdoe", applied[0].MainIdentifier)
}
