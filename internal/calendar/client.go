package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrSyncTokenExpired signals that the provider rejected the incremental
// cursor (sync or page token) passed to a list call. This is routine: the
// caller clears the cursor and resumes from scratch on the next run.
var ErrSyncTokenExpired = errors.New("calendar: sync token expired")

// ErrEventGone signals that a recurring master (or the event itself) no
// longer exists on the provider side.
var ErrEventGone = errors.New("calendar: event gone")

// ErrNotFound signals that a single-event lookup came back empty.
var ErrNotFound = errors.New("calendar: event not found")

// CalendarInfo describes one provider-side calendar.
type CalendarInfo struct {
	ID       string
	Summary  string
	TimeZone string
	Primary  bool
}

// ListOptions bounds an event list call. At most one of SyncToken and
// PageToken is passed; TimeMin applies only when neither cursor is present.
type ListOptions struct {
	TimeMin   time.Time
	SyncToken string
	PageToken string
}

// EventPage is one page of an event listing. NextPageToken and NextSyncToken
// are mutually exclusive: a page token means more pages follow, a sync token
// means the window closed cleanly and incremental pulls may resume from it.
type EventPage struct {
	Items         []*Event
	NextPageToken string
	NextSyncToken string
}

// RemoteCalendar is the provider contract the sync engine is written
// against. Adapters exist for Google Calendar and CalDAV; provider
// differences reduce to wire format and auth.
type RemoteCalendar interface {
	ListCalendars(ctx context.Context, pageToken string) ([]*CalendarInfo, string, error)
	CalendarTimeZone(ctx context.Context, calendarID string) (string, error)
	ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error)
	ListInstances(ctx context.Context, calendarID, masterEventID, pageToken string) (*EventPage, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error)
	InsertEvent(ctx context.Context, calendarID string, event *Event) (*Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *Event) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}
