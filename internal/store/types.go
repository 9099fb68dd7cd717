package store

import (
	"time"
)

// FailedLinkSentinel marks a push attempt that failed. It is stored in place
// of a real provider event ID so the event is recognized as "push attempted
// and failed" rather than "never pushed", which would trigger a duplicate
// insert.
const FailedLinkSentinel = "FAIL"

// Direction is a subscription's configured sync direction. Disabling sync
// clears the direction; subscriptions are never deleted in normal operation.
type Direction string

const (
	DirectionNone          Direction = ""
	DirectionPushOnly      Direction = "push-only"
	DirectionPullOnly      Direction = "pull-only"
	DirectionBidirectional Direction = "bidirectional"
)

// SubscriptionKind distinguishes the user's primary two-way calendar from
// read-only additional ("monitored") calendars.
type SubscriptionKind string

const (
	SubscriptionMain      SubscriptionKind = "main"
	SubscriptionMonitored SubscriptionKind = "monitored"
)

// Subscription links one local user to one provider calendar, with its own
// direction and cursors. Mutated continuously by the orchestrator after
// every batch.
type Subscription struct {
	ID            string
	UserID        string
	UserEmail     string
	UserTimeZone  string
	AccountHandle string
	Provider      string
	Kind          SubscriptionKind
	Direction     Direction

	// CalendarID is the resolved provider calendar; empty until first
	// resolution, then cached. CalendarName is the configured display name
	// used for resolution.
	CalendarID   string
	CalendarName string

	// StartDate is the floor: events before it are never pulled.
	StartDate time.Time

	// EntityKinds is the allowed set of local entity kinds; Labels maps a
	// kind to its title label prefix ("{Label}: {name}"). A kind with no
	// label acts as the catch-all.
	EntityKinds []string
	Labels      map[string]string

	// Incremental cursors. PageToken is cleared once a multi-page fetch
	// completes; SyncToken is the baseline for delta pulls.
	SyncToken string
	PageToken string

	// Push low-watermark: last pushed local event (modification time, then
	// ID as tie-break).
	LastSyncAt time.Time
	LastSyncID string

	LastLookedAt time.Time

	RemoveRemoteOnDelete bool
	SkipAttendeeSync     bool
	AssignDefaultTeam    bool
	DefaultTeamID        string
}

// EventRow is one local event-like record as seen by the sync engine,
// tagged with its source entity kind. Rows from generic activity kinds carry
// their linkage through the shared linkage table; built-in kinds embed it.
type EventRow struct {
	Kind string
	ID   string

	Name        string
	Description string
	Location    string
	JoinURL     string
	UID         string
	Status      string

	DateStart time.Time
	DateEnd   time.Time
	// All-day variants (YYYY-MM-DD); empty for timed events.
	DateStartDate string
	DateEndDate   string

	AssignedUserID string
	TeamID         string
	Deleted        bool

	// Linkage to the provider event. RemoteID may be the FailedLinkSentinel.
	RemoteID         string
	RemoteCalendarID string

	CreatedAt  time.Time
	ModifiedAt time.Time

	// IsNew is set on rows synthesized from a pulled remote event that have
	// not been persisted yet. Never stored.
	IsNew bool
}

// StampTime returns the row's effective modification time for watermark
// purposes: modification time when set, else creation time.
func (r *EventRow) StampTime() time.Time {
	if !r.ModifiedAt.IsZero() {
		return r.ModifiedAt
	}
	return r.CreatedAt
}

// EventAttendee is one resolved participant of a built-in event: a linked
// user, contact or lead with its email and response status.
type EventAttendee struct {
	EntityKind string // "User", "Contact" or "Lead"
	EntityID   string
	Email      string
	Status     string
}

// RecurringQueueEntry is one in-flight recurring-series expansion job, keyed
// by (subscription, provider master event ID).
type RecurringQueueEntry struct {
	SubscriptionID string
	MasterEventID  string
	PageToken      string
	LastLoadedAt   time.Time
}
