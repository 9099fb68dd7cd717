package sync

import (
	"context"
	"fmt"

	"github.com/nimblecrm/calendar-sync/internal/calendar"
)

// fakeRemote is a scriptable RemoteCalendar for engine and orchestrator
// tests. Pages are consumed in order; events are stored per calendar.
type fakeRemote struct {
	calendars []*calendar.CalendarInfo

	// pages are returned by ListEvents in order, one per call. A page with
	// err set returns that error instead.
	pages     []fakePage
	pageIndex int

	// instancePages are returned by ListInstances keyed by master ID, in
	// order per master.
	instancePages map[string][]fakePage
	instanceIndex map[string]int

	events map[string]*calendar.Event // by event ID

	insertErr error
	updateErr error
	deleteErr error

	inserted []*calendar.Event
	updated  []*calendar.Event
	deleted  []string

	listOpts []calendar.ListOptions
}

type fakePage struct {
	page *calendar.EventPage
	err  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		instancePages: make(map[string][]fakePage),
		instanceIndex: make(map[string]int),
		events:        make(map[string]*calendar.Event),
	}
}

func (f *fakeRemote) addPage(items []*calendar.Event, nextPageToken, nextSyncToken string) {
	f.pages = append(f.pages, fakePage{page: &calendar.EventPage{
		Items:         items,
		NextPageToken: nextPageToken,
		NextSyncToken: nextSyncToken,
	}})
}

func (f *fakeRemote) addPageErr(err error) {
	f.pages = append(f.pages, fakePage{err: err})
}

func (f *fakeRemote) addInstancePage(masterID string, items []*calendar.Event, nextPageToken string) {
	f.instancePages[masterID] = append(f.instancePages[masterID], fakePage{page: &calendar.EventPage{
		Items:         items,
		NextPageToken: nextPageToken,
	}})
}

func (f *fakeRemote) addInstanceErr(masterID string, err error) {
	f.instancePages[masterID] = append(f.instancePages[masterID], fakePage{err: err})
}

func (f *fakeRemote) putEvent(ev *calendar.Event) {
	f.events[ev.ID] = ev
}

func (f *fakeRemote) ListCalendars(ctx context.Context, pageToken string) ([]*calendar.CalendarInfo, string, error) {
	return f.calendars, "", nil
}

func (f *fakeRemote) CalendarTimeZone(ctx context.Context, calendarID string) (string, error) {
	return "UTC", nil
}

func (f *fakeRemote) ListEvents(ctx context.Context, calendarID string, opts calendar.ListOptions) (*calendar.EventPage, error) {
	f.listOpts = append(f.listOpts, opts)
	if f.pageIndex >= len(f.pages) {
		return &calendar.EventPage{}, nil
	}
	p := f.pages[f.pageIndex]
	f.pageIndex++
	if p.err != nil {
		return nil, p.err
	}
	return p.page, nil
}

func (f *fakeRemote) ListInstances(ctx context.Context, calendarID, masterEventID, pageToken string) (*calendar.EventPage, error) {
	pages := f.instancePages[masterEventID]
	i := f.instanceIndex[masterEventID]
	if i >= len(pages) {
		return &calendar.EventPage{}, nil
	}
	f.instanceIndex[masterEventID] = i + 1
	p := pages[i]
	if p.err != nil {
		return nil, p.err
	}
	return p.page, nil
}

func (f *fakeRemote) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	if ev, ok := f.events[eventID]; ok {
		clone := *ev
		return &clone, nil
	}
	return nil, calendar.ErrNotFound
}

func (f *fakeRemote) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	created := *event
	created.ID = fmt.Sprintf("created-%d", len(f.inserted)+1)
	f.inserted = append(f.inserted, &created)
	f.events[created.ID] = &created
	return &created, nil
}

func (f *fakeRemote) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	clone := *event
	clone.ID = eventID
	f.events[eventID] = &clone
	f.updated = append(f.updated, &clone)
	return nil
}

func (f *fakeRemote) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.events, eventID)
	f.deleted = append(f.deleted, eventID)
	return nil
}
