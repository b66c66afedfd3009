package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussync/coordinator"
	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/endpoint"
	"github.com/INLOpen/nexussync/endpoint/endpointtest"
	"github.com/INLOpen/nexussync/metrics"
)

func person(id, cn string, mail ...string) *core.Record {
	ds := core.Datasets{"uid": {id}, "cn": {cn}}
	if len(mail) > 0 {
		ds["mail"] = mail
	}
	return core.NewRecord(id, ds)
}

func newTask(t *testing.T, src endpoint.Readable, dst Destination, opts Options) *Task {
	t.Helper()
	opts.Name = "people"
	opts.Source = src
	opts.Destination = dst
	tk, err := New(opts)
	require.NoError(t, err)
	return tk
}

func TestNew_RequiresEndpoints(t *testing.T) {
	_, err := New(Options{Name: "x"})
	assert.True(t, core.IsConfigurationError(err))
}

func TestSync(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil,
		person("alice", "Alice", "alice@example.com"),
		person("bob", "Bob Smith"),
		person("carol", "Carol"),
	)
	dst := endpointtest.NewMemory("hr", []string{"uid", "cn", "mail"},
		person("bob", "Bob"),
		person("carol", "Carol"),
	)
	m := metrics.New()
	tk := newTask(t, src, dst, Options{Metrics: m})

	stats, err := tk.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{ResultCreated: 1, ResultUpdated: 1, ResultUnchanged: 1}, stats)

	applied := dst.Applied()
	require.Len(t, applied, 2)
	assert.Equal(t, core.OperationCreate, applied[0].Operation)
	assert.Equal(t, "alice", applied[0].MainIdentifier)
	assert.Contains(t, applied[0].Changes, core.AttributeChange{Name: "mail", Op: core.ChangeReplace, Values: []string{"alice@example.com"}})

	assert.Equal(t, core.OperationUpdate, applied[1].Operation)
	assert.Equal(t, []core.AttributeChange{{Name: "cn", Op: core.ChangeReplace, Values: []string{"Bob Smith"}}}, applied[1].Changes)

	bob, err := dst.GetRecord(context.Background(), "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bob Smith", bob.Datasets.First("cn"))

	count, err := testutil.GatherAndCount(m.Registry(), "nexussync_task_records_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one series per result label")
	assert.Equal(t, "created=1 unchanged=1 updated=1", stats.String())

	// A second pass finds nothing to do.
	stats, err = tk.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{ResultUnchanged: 3}, stats)
}

func TestSync_RemovedDatasetIsReplacedWithNothing(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil, person("bob", "Bob"))
	dst := endpointtest.NewMemory("hr", []string{"cn", "mail"}, person("bob", "Bob", "old@example.com"))
	tk := newTask(t, src, dst, Options{})

	_, err := tk.Sync(context.Background())
	require.NoError(t, err)
	applied := dst.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, []core.AttributeChange{{Name: "mail", Op: core.ChangeReplace}}, applied[0].Changes)

	bob, _ := dst.GetRecord(context.Background(), "bob", nil)
	assert.Empty(t, bob.Datasets.Get("mail"))
}

func TestSync_MainIdentifierTemplate(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil, core.NewRecord("uid=alice,ou=People", core.Datasets{"uid": {"alice"}, "cn": {"Alice"}}))
	dst := endpointtest.NewMemory("hr", []string{"cn"})
	tk := newTask(t, src, dst, Options{MainIdentifier: "{uid}"})

	_, err := tk.Sync(context.Background())
	require.NoError(t, err)
	rec, err := dst.GetRecord(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Alice", rec.Datasets.First("cn"))
}

func TestSync_FailuresAreCountedOrHalt(t *testing.T) {
	newEnv := func() (*endpointtest.Memory, *endpointtest.Memory) {
		src := endpointtest.NewMemory("ldap", nil, person("a", "A"), person("b", "B"), person("c", "C"))
		dst := endpointtest.NewMemory("hr", nil)
		return src, dst
	}

	t.Run("plain failure is counted", func(t *testing.T) {
		src, dst := newEnv()
		dst.FailOn = map[string]error{"b": errors.New("constraint violation")}
		tk := newTask(t, src, dst, Options{StopOnBackendUnavailable: true})
		stats, err := tk.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Stats{ResultCreated: 2, ResultFailed: 1}, stats)
	})

	t.Run("backend unavailable halts", func(t *testing.T) {
		src, dst := newEnv()
		dst.FailOn = map[string]error{"b": &core.BackendUnavailableError{Endpoint: "hr", Op: "apply", Err: errors.New("connection refused")}}
		tk := newTask(t, src, dst, Options{StopOnBackendUnavailable: true})
		stats, err := tk.Sync(context.Background())
		require.Error(t, err)
		assert.True(t, core.IsBackendUnavailable(err))
		assert.Equal(t, Stats{ResultCreated: 1, ResultFailed: 1}, stats)
		rec, _ := dst.GetRecord(context.Background(), "c", nil)
		assert.Nil(t, rec, "records after the failure are not processed")
	})

	t.Run("backend unavailable is counted when not halting", func(t *testing.T) {
		src, dst := newEnv()
		dst.FailOn = map[string]error{"b": &core.BackendUnavailableError{Endpoint: "hr", Op: "apply", Err: errors.New("connection refused")}}
		tk := newTask(t, src, dst, Options{})
		stats, err := tk.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Stats{ResultCreated: 2, ResultFailed: 1}, stats)
	})
}

func TestSync_ThroughCoordinator(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil, person("alice", "Alice"))
	hr := endpointtest.NewMemory("hr", []string{"uid", "cn"})
	mail := endpointtest.NewMemory("mail", []string{"uid"})

	coord, err := coordinator.New(coordinator.Options{
		Name: "people",
		Participants: []coordinator.Participant{
			{ID: "hr", Endpoint: endpoint.NewBuffered(hr)},
			{ID: "mail", Endpoint: endpoint.NewBuffered(mail)},
		},
	})
	require.NoError(t, err)
	tk := newTask(t, src, coord, Options{})

	stats, err := tk.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{ResultCreated: 1}, stats)

	for _, m := range []*endpointtest.Memory{hr, mail} {
		rec, err := m.GetRecord(context.Background(), "alice", nil)
		require.NoError(t, err)
		require.NotNil(t, rec, m.Name())
	}
}

func TestClean(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil, person("alice", "Alice"))
	dst := endpointtest.NewMemory("hr", nil, person("alice", "Alice"), person("ghost", "Ghost"), person("zombie", "Zombie"))
	dst.FailOn = map[string]error{"zombie": errors.New("in use")}
	tk := newTask(t, src, dst, Options{StopOnBackendUnavailable: true})

	stats, err := tk.Clean(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{ResultDeleted: 1, ResultFailed: 1}, stats)

	pivots, err := dst.ListPivots(context.Background())
	require.NoError(t, err)
	assert.Contains(t, pivots, "alice")
	assert.NotContains(t, pivots, "ghost")
}

func TestClean_ResolvesTemplateFromFullRecord(t *testing.T) {
	// The source lists pivots without the attribute used by the template.
	src := &pivotOnly{Memory: endpointtest.NewMemory("ldap", nil,
		core.NewRecord("uid=alice,ou=People", core.Datasets{"uid": {"alice"}, "employeeNumber": {"42"}}))}
	dst := endpointtest.NewMemory("hr", nil, core.NewRecord("42", nil), core.NewRecord("43", nil))
	tk := newTask(t, src, dst, Options{MainIdentifier: "{employeeNumber}"})

	stats, err := tk.Clean(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{ResultDeleted: 1}, stats)
	pivots, _ := dst.ListPivots(context.Background())
	assert.Contains(t, pivots, "42")
	assert.NotContains(t, pivots, "43")
}

type pivotOnly struct {
	*endpointtest.Memory
}

func (p *pivotOnly) ListPivots(ctx context.Context) (map[string]*core.Record, error) {
	all, err := p.Memory.ListPivots(ctx)
	if err != nil {
		return nil, err
	}
	for id, r := range all {
		all[id] = r.Project([]string{"uid"})
	}
	return all, nil
}

// feed replays changes, then reports nothing.
type feed struct {
	mu      sync.Mutex
	changes []*core.Record
	polls   int
}

func (f *feed) NextChange(ctx context.Context) (*core.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.changes) == 0 {
		return nil, false
	}
	c := f.changes[0]
	f.changes = f.changes[1:]
	return c, true
}

func (f *feed) drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.changes) == 0 && f.polls > 3
}

func TestRunAsync(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil, person("alice", "Alice Cooper"))
	dst := endpointtest.NewMemory("hr", nil, person("alice", "Alice"), person("bob", "Bob"))
	tk := newTask(t, src, dst, Options{IdleSleep: time.Millisecond})

	f := &feed{changes: []*core.Record{
		// Stale payload: the current source state wins.
		person("alice", "stale"),
		// Deleted at the source.
		core.NewRecord("bob", nil),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tk.RunAsync(ctx, f) }()

	require.Eventually(t, f.drained, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunAsync did not stop after cancel")
	}

	alice, _ := dst.GetRecord(context.Background(), "alice", nil)
	assert.Equal(t, "Alice Cooper", alice.Datasets.First("cn"))
	bob, _ := dst.GetRecord(context.Background(), "bob", nil)
	assert.Nil(t, bob)
}

func TestRunAsync_HaltsOnBackendUnavailable(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil, person("alice", "Alice"))
	dst := endpointtest.NewMemory("hr", nil)
	dst.FailOn = map[string]error{"alice": &core.BackendUnavailableError{Endpoint: "hr", Op: "apply", Err: errors.New("down")}}
	tk := newTask(t, src, dst, Options{StopOnBackendUnavailable: true, IdleSleep: time.Millisecond})

	err := tk.RunAsync(context.Background(), &feed{changes: []*core.Record{person("alice", "Alice")}})
	require.Error(t, err)
	assert.True(t, core.IsBackendUnavailable(err))
}

func TestSync_ReorderedValuesAreUpdated(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil, person("bob", "Bob", "b@example.com", "bob@example.com"))
	dst := endpointtest.NewMemory("hr", []string{"cn", "mail"}, person("bob", "Bob", "bob@example.com", "b@example.com"))
	tk := newTask(t, src, dst, Options{})

	stats, err := tk.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{ResultUpdated: 1}, stats)
	applied := dst.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, []core.AttributeChange{
		{Name: "mail", Op: core.ChangeReplace, Values: []string{"b@example.com", "bob@example.com"}},
	}, applied[0].Changes)
}

// lookupRecorder keeps the values each destination lookup was given.
type lookupRecorder struct {
	*endpointtest.Memory
	mu    sync.Mutex
	known []core.Datasets
}

func (r *lookupRecorder) GetRecord(ctx context.Context, id string, known core.Datasets) (*core.Record, error) {
	r.mu.Lock()
	r.known = append(r.known, known)
	r.mu.Unlock()
	return r.Memory.GetRecord(ctx, id, known)
}

func TestSyncOne_DestinationLookupGetsSourceValues(t *testing.T) {
	src := endpointtest.NewMemory("ldap", nil, person("alice", "Alice"))
	dst := &lookupRecorder{Memory: endpointtest.NewMemory("hr", []string{"cn"})}
	tk := newTask(t, src, dst, Options{})

	res, err := tk.SyncOne(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, res)
	require.Len(t, dst.known, 1)
	assert.Equal(t, []string{"alice"}, dst.known[0].Get("uid"))

	// A vanished source record still hands its identifying values over.
	dst.known = nil
	res, err = tk.SyncOne(context.Background(), "ghost", core.Datasets{"uid": {"ghost"}})
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
	require.Len(t, dst.known, 1)
	assert.Equal(t, []string{"ghost"}, dst.known[0].Get("uid"))
}
