package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimblecrm/calendar-sync/internal/calendar"
	"github.com/nimblecrm/calendar-sync/internal/entity"
	"github.com/nimblecrm/calendar-sync/internal/store"
)

func testOrchestrator(t *testing.T, remote *fakeRemote, opts ...Option) (*Orchestrator, *store.Memory) {
	t.Helper()
	m := store.NewMemory(entity.KindMeeting, entity.KindCall)
	factory := func(ctx context.Context, sub *store.Subscription) (calendar.RemoteCalendar, error) {
		return remote, nil
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	o := NewOrchestrator(m, entity.NewRegistry(), entity.AllowAll{}, factory, kitlog.NewNopLogger(), opts...)
	return o, m
}

func TestRunStampsBeforeProviderWork(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(entity.KindMeeting, entity.KindCall)
	factory := func(ctx context.Context, sub *store.Subscription) (calendar.RemoteCalendar, error) {
		return nil, errors.New("account not connected")
	}
	o := NewOrchestrator(m, entity.NewRegistry(), entity.AllowAll{}, factory, kitlog.NewNopLogger(),
		WithClock(func() time.Time { return testNow }))

	sub := testSubscription()
	require.NoError(t, m.SaveSubscription(ctx, sub))

	// The attempt is recorded even though no provider client could be built.
	assert.False(t, o.Run(ctx, sub))
	assert.Equal(t, testNow, m.Subscription("sub-1").LastLookedAt)
}

func TestRunPullPersistsCursors(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.addPage([]*calendar.Event{
		remoteEvent("r1", "First", testNow.Add(24*time.Hour)),
	}, "page-2", "")
	remote.addPage([]*calendar.Event{
		remoteEvent("r2", "Second", testNow.Add(48*time.Hour)),
	}, "", "sync-1")

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	sub.Direction = store.DirectionPullOnly
	require.NoError(t, m.SaveSubscription(ctx, sub))

	assert.True(t, o.Run(ctx, sub))

	// Both pages consumed, in-flight token cleared, baseline recorded.
	saved := m.Subscription("sub-1")
	assert.Empty(t, saved.PageToken)
	assert.Equal(t, "sync-1", saved.SyncToken)

	require.Len(t, remote.listOpts, 2)
	assert.Equal(t, testFloor, remote.listOpts[0].TimeMin)
	assert.Equal(t, "page-2", remote.listOpts[1].PageToken)

	rows, err := m.EventsForRemote(ctx, "u1", "r2", "", []string{entity.KindMeeting})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRunIncrementalUsesSyncToken(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.addPage(nil, "", "sync-2")

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	sub.Direction = store.DirectionPullOnly
	sub.SyncToken = "sync-1"
	require.NoError(t, m.SaveSubscription(ctx, sub))

	o.Run(ctx, sub)

	require.Len(t, remote.listOpts, 1)
	assert.Equal(t, "sync-1", remote.listOpts[0].SyncToken)
	assert.Equal(t, "sync-2", m.Subscription("sub-1").SyncToken)
}

func TestRunExpiredTokensResetNarrowestFirst(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.addPageErr(calendar.ErrSyncTokenExpired) // page token dies
	remote.addPageErr(calendar.ErrSyncTokenExpired) // then the sync token
	remote.addPage(nil, "", "sync-new")

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	sub.Direction = store.DirectionPullOnly
	sub.SyncToken = "sync-old"
	sub.PageToken = "page-old"
	require.NoError(t, m.SaveSubscription(ctx, sub))

	// A reset ends the run's pull; each run clears one cursor.
	o.Run(ctx, sub)
	require.Len(t, remote.listOpts, 1)
	assert.Equal(t, "page-old", remote.listOpts[0].PageToken)
	saved := m.Subscription("sub-1")
	assert.Empty(t, saved.PageToken)
	assert.Equal(t, "sync-old", saved.SyncToken)

	// Page token cleared first; the sync token gets one more chance.
	o.Run(ctx, saved)
	require.Len(t, remote.listOpts, 2)
	assert.Equal(t, "sync-old", remote.listOpts[1].SyncToken)
	assert.Empty(t, remote.listOpts[1].PageToken)
	assert.Empty(t, m.Subscription("sub-1").SyncToken)

	// Then a full re-list from the floor.
	o.Run(ctx, m.Subscription("sub-1"))
	require.Len(t, remote.listOpts, 3)
	assert.Empty(t, remote.listOpts[2].SyncToken)
	assert.Equal(t, testFloor, remote.listOpts[2].TimeMin)

	assert.Equal(t, "sync-new", m.Subscription("sub-1").SyncToken)
}

func TestRunBudgetCeilingStopsMidPage(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	var items []*calendar.Event
	for i := 0; i < 50; i++ {
		items = append(items, remoteEvent(fmt.Sprintf("r%02d", i), fmt.Sprintf("Event %02d", i), testNow.Add(24*time.Hour)))
	}
	remote.addPage(items, "", "sync-1")

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	sub.Direction = store.DirectionPullOnly
	require.NoError(t, m.SaveSubscription(ctx, sub))

	o.Run(ctx, sub)

	// Exactly the budget's worth of items applied.
	applied := 0
	for i := 0; i < 50; i++ {
		rows, err := m.EventsForRemote(ctx, "u1", fmt.Sprintf("r%02d", i), "", sub.EntityKinds)
		require.NoError(t, err)
		applied += len(rows)
	}
	assert.Equal(t, DefaultApplyCeiling, applied)

	// The cursor did not advance past the unfinished page.
	assert.Empty(t, m.Subscription("sub-1").SyncToken)
}

func TestRunSharedMonitoredFollowsMainCursors(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	o, m := testOrchestrator(t, remote)

	main := testSubscription()
	main.SyncToken = "main-sync"
	main.PageToken = "main-page"
	require.NoError(t, m.SaveSubscription(ctx, main))

	monitored := testSubscription()
	monitored.ID = "sub-2"
	monitored.Kind = store.SubscriptionMonitored
	require.NoError(t, m.SaveSubscription(ctx, monitored))

	assert.True(t, o.Run(ctx, monitored))

	// Cursors copied from main, and the provider was never queried.
	saved := m.Subscription("sub-2")
	assert.Equal(t, "main-sync", saved.SyncToken)
	assert.Equal(t, "main-page", saved.PageToken)
	assert.Empty(t, remote.listOpts)
}

func TestRunMonitoredOwnCalendarPulls(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.addPage(nil, "", "sync-1")
	o, m := testOrchestrator(t, remote)

	main := testSubscription()
	require.NoError(t, m.SaveSubscription(ctx, main))

	monitored := testSubscription()
	monitored.ID = "sub-2"
	monitored.Kind = store.SubscriptionMonitored
	monitored.CalendarID = "cal-2"
	require.NoError(t, m.SaveSubscription(ctx, monitored))

	o.Run(ctx, monitored)
	assert.NotEmpty(t, remote.listOpts)
	assert.Equal(t, "sync-1", m.Subscription("sub-2").SyncToken)
}

type denyAll struct{}

func (denyAll) CanSyncCalendar(string) bool     { return false }
func (denyAll) CanReadKind(string, string) bool { return false }

func TestRunACLDeniedIsSilentSkip(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m := store.NewMemory(entity.KindMeeting, entity.KindCall)
	factory := func(ctx context.Context, sub *store.Subscription) (calendar.RemoteCalendar, error) {
		return remote, nil
	}
	o := NewOrchestrator(m, entity.NewRegistry(), denyAll{}, factory, kitlog.NewNopLogger())

	sub := testSubscription()
	require.NoError(t, m.SaveSubscription(ctx, sub))
	assert.False(t, o.Run(ctx, sub))
	assert.Empty(t, remote.listOpts)
}

func TestRunResolvesCalendarByName(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.calendars = []*calendar.CalendarInfo{
		{ID: "cal-primary", Summary: "alice@example.com", Primary: true},
		{ID: "cal-work", Summary: "Work"},
	}
	remote.addPage(nil, "", "sync-1")

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	sub.Direction = store.DirectionPullOnly
	sub.CalendarID = ""
	sub.CalendarName = "Work"
	require.NoError(t, m.SaveSubscription(ctx, sub))

	assert.True(t, o.Run(ctx, sub))
	assert.Equal(t, "cal-work", m.Subscription("sub-1").CalendarID)
}

func TestRunPushOnly(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	o, m := testOrchestrator(t, remote)

	sub := testSubscription()
	sub.Direction = store.DirectionPushOnly
	require.NoError(t, m.SaveSubscription(ctx, sub))

	// One never-pushed event and one modified linked event.
	fresh := &store.EventRow{
		Kind:           entity.KindMeeting,
		ID:             "m1",
		Name:           "Kickoff",
		AssignedUserID: "u1",
		UID:            "uid-m1",
		DateStart:      testNow.Add(24 * time.Hour),
		DateEnd:        testNow.Add(25 * time.Hour),
		ModifiedAt:     testNow.Add(-time.Hour),
	}
	m.PutEvent(fresh)

	linked := &store.EventRow{
		Kind:             entity.KindMeeting,
		ID:               "m2",
		Name:             "Renamed",
		AssignedUserID:   "u1",
		DateStart:        testNow.Add(30 * time.Hour),
		DateEnd:          testNow.Add(31 * time.Hour),
		ModifiedAt:       testNow.Add(-time.Hour),
		RemoteID:         "r2",
		RemoteCalendarID: "cal-1",
	}
	m.PutEvent(linked)
	remote.putEvent(&calendar.Event{
		ID:      "r2",
		Summary: "Original",
		Start:   linked.DateStart,
		End:     linked.DateEnd,
		Updated: testNow.Add(-2 * time.Hour),
	})

	assert.True(t, o.Run(ctx, sub))

	require.Len(t, remote.inserted, 1)
	assert.Equal(t, "Kickoff", remote.inserted[0].Summary)
	require.Len(t, remote.updated, 1)
	assert.Equal(t, "Renamed", remote.updated[0].Summary)

	// Push-only never compares mod times: the remote list stayed untouched.
	assert.Empty(t, remote.listOpts)

	// Watermark advanced to the last scanned row.
	saved := m.Subscription("sub-1")
	assert.Equal(t, linked.ModifiedAt, saved.LastSyncAt)
	assert.Equal(t, "m2", saved.LastSyncID)

	// Nothing new on a second pass.
	o.Run(ctx, sub)
	assert.Len(t, remote.inserted, 1)
	assert.Len(t, remote.updated, 1)
}

func TestRunExpandsRecurringQueue(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.addPage(nil, "", "sync-1")

	inst1 := remoteEvent("master-1_20260610T090000Z", "Weekly", testNow.Add(9*24*time.Hour))
	inst1.RecurringMasterID = "master-1"
	inst2 := remoteEvent("master-1_20260617T090000Z", "Weekly", testNow.Add(16*24*time.Hour))
	inst2.RecurringMasterID = "master-1"
	remote.addInstancePage("master-1", []*calendar.Event{inst1}, "ipage-2")
	remote.addInstancePage("master-1", []*calendar.Event{inst2}, "")

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	sub.Direction = store.DirectionPullOnly
	require.NoError(t, m.SaveSubscription(ctx, sub))
	require.NoError(t, m.EnqueueRecurring(ctx, "sub-1", "master-1"))

	o.Run(ctx, sub)

	// Both instances materialized as separate local records.
	for _, id := range []string{"master-1_20260610T090000Z", "master-1_20260617T090000Z"} {
		rows, err := m.EventsForRemote(ctx, "u1", id, "", sub.EntityKinds)
		require.NoError(t, err)
		assert.Len(t, rows, 1, "instance %s", id)
	}

	// The exhausted entry was removed from the queue.
	assert.Equal(t, 0, m.QueueLen("sub-1"))
}

func TestRunRecurringGoneMasterDropsEntry(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.addPage(nil, "", "sync-1")
	remote.addInstanceErr("master-1", calendar.ErrEventGone)

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	sub.Direction = store.DirectionPullOnly
	require.NoError(t, m.SaveSubscription(ctx, sub))
	require.NoError(t, m.EnqueueRecurring(ctx, "sub-1", "master-1"))

	o.Run(ctx, sub)
	assert.Equal(t, 0, m.QueueLen("sub-1"))
}

func TestRunRecurringFreshEntriesLeftAlone(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.addPage(nil, "", "sync-1")

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	sub.Direction = store.DirectionPullOnly
	require.NoError(t, m.SaveSubscription(ctx, sub))

	entry := &store.RecurringQueueEntry{
		SubscriptionID: "sub-1",
		MasterEventID:  "master-1",
		LastLoadedAt:   testNow.Add(-time.Hour), // recently expanded
	}
	require.NoError(t, m.SaveRecurring(ctx, entry))

	o.Run(ctx, sub)

	// Still queued, not re-expanded.
	assert.Equal(t, 0, remote.instanceIndex["master-1"])
	assert.Equal(t, 1, m.QueueLen("sub-1"))
}

func TestRunBidirectionalEndToEnd(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.addPage([]*calendar.Event{
		remoteEvent("r1", "Call: Prospect intro", testNow.Add(24*time.Hour)),
	}, "", "sync-1")

	o, m := testOrchestrator(t, remote)
	sub := testSubscription()
	require.NoError(t, m.SaveSubscription(ctx, sub))

	local := &store.EventRow{
		Kind:           entity.KindMeeting,
		ID:             "m1",
		Name:           "Kickoff",
		AssignedUserID: "u1",
		UID:            "uid-m1",
		DateStart:      testNow.Add(48 * time.Hour),
		DateEnd:        testNow.Add(49 * time.Hour),
		ModifiedAt:     testNow.Add(-time.Hour),
	}
	m.PutEvent(local)

	assert.True(t, o.Run(ctx, sub))

	// Pulled: the labeled remote event became a call.
	rows, err := m.EventsForRemote(ctx, "u1", "r1", "", []string{entity.KindCall})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Prospect intro", rows[0].Name)

	// Pushed: the local meeting went out with its label-free name (the
	// meeting kind is the catch-all).
	require.Len(t, remote.inserted, 1)
	assert.Equal(t, "Kickoff", remote.inserted[0].Summary)
	assert.Equal(t, calendar.SourceMarker, remote.inserted[0].Source)

	got, err := m.GetEvent(ctx, entity.KindMeeting, "m1")
	require.NoError(t, err)
	assert.Equal(t, "created-1", got.RemoteID)
	assert.Equal(t, testNow, m.Subscription("sub-1").LastLookedAt)
}

func TestLabelRulesOrdering(t *testing.T) {
	sub := testSubscription()
	sub.EntityKinds = []string{"Task", entity.KindCall, entity.KindMeeting}
	sub.Labels = map[string]string{entity.KindCall: "Call", "Task": "Task"}

	rules := labelRules(sub, sub.EntityKinds)
	require.Len(t, rules, 3)
	// Labeled kinds first, catch-all last.
	assert.Equal(t, entity.KindCall, rules[0].Kind)
	assert.Equal(t, "Task", rules[1].Kind)
	assert.Equal(t, entity.KindMeeting, rules[2].Kind)
	assert.Empty(t, rules[2].Label)
}

func TestInstanceTime(t *testing.T) {
	at, ok := instanceTime("master-1_20260610T090000Z")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC), at)

	_, ok = instanceTime("no-suffix")
	assert.False(t, ok)
	_, ok = instanceTime("bad_suffix")
	assert.False(t, ok)
}
