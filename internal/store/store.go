// Package store is the local persistence boundary of the sync engine: event
// rows across heterogeneous entity tables, calendar linkage, subscription
// cursors and the recurring-expansion queue.
package store

import (
	"context"
	"time"
)

// RecurringStaleAfter is the age past which an in-flight recurring-expansion
// entry is considered stale and reprioritized for retry. Stale entries are
// not purged, only ordered first.
const RecurringStaleAfter = 6 * 30 * 24 * time.Hour

// Store is the repository contract. All operations are tenant- and
// ACL-scoped by the caller. Saves are silent: they must not trigger
// re-entrant side-effect hooks.
type Store interface {
	// ActiveSubscriptions returns subscriptions with a non-empty direction.
	ActiveSubscriptions(ctx context.Context) ([]*Subscription, error)
	// MainSubscription returns the user's primary subscription, nil if none.
	MainSubscription(ctx context.Context, userID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// NewEvents returns up to limit events of the given kinds for the user,
	// starting at or after since, that have no linkage at all. Rows with a
	// failed linkage are excluded: the failure sentinel means a push was
	// attempted, and inserting again could duplicate the remote event.
	NewEvents(ctx context.Context, userID string, kinds []string, since time.Time, limit int) ([]*EventRow, error)

	// ModifiedEvents returns events linked to calendarID and modified in
	// (since, until], ordered by (modification time, ID). Rows at exactly
	// since are returned only when their ID sorts after afterID, so a batch
	// boundary landing mid-timestamp neither skips nor duplicates rows.
	ModifiedEvents(ctx context.Context, userID string, kinds []string, calendarID string, since, until time.Time, afterID string, limit int) ([]*EventRow, error)

	// EventsForRemote resolves local entities for a provider event: linkage
	// match on remoteID first, then a UID match restricted to rows never
	// linked (so an already-linked record is never hijacked).
	EventsForRemote(ctx context.Context, userID, remoteID, uid string, kinds []string) ([]*EventRow, error)

	GetEvent(ctx context.Context, kind, id string) (*EventRow, error)
	SaveEvent(ctx context.Context, row *EventRow) error
	// DeleteEvent soft-deletes the record.
	DeleteEvent(ctx context.Context, kind, id string) error
	// DeleteInstancesOfMaster soft-deletes previously materialized local
	// instances of a recurring master (their remote IDs share the master's
	// composite prefix) and clears their linkage.
	DeleteInstancesOfMaster(ctx context.Context, userID, masterEventID string, kinds []string) error

	StoreLinkage(ctx context.Context, kind, entityID, calendarID, remoteID string) error
	ResetLinkage(ctx context.Context, kind, entityID string) error

	EnqueueRecurring(ctx context.Context, subscriptionID, masterEventID string) error
	// NextRecurring returns the queue entry with the oldest last-loaded
	// time for the subscription, nil if the queue is empty.
	NextRecurring(ctx context.Context, subscriptionID string) (*RecurringQueueEntry, error)
	SaveRecurring(ctx context.Context, entry *RecurringQueueEntry) error
	DeleteRecurring(ctx context.Context, subscriptionID, masterEventID string) error

	// EventAttendees returns resolved attendees with email addresses, or
	// nil for kinds that are not built-in event kinds (attendee sync only
	// applies there).
	EventAttendees(ctx context.Context, kind, id string) ([]*EventAttendee, error)
	// FindPersonByEmail resolves a user, contact or lead by email address,
	// nil if no match.
	FindPersonByEmail(ctx context.Context, email string) (*EventAttendee, error)
	AddAttendee(ctx context.Context, kind, eventID string, attendee *EventAttendee) error
	SetAttendeeStatus(ctx context.Context, kind, eventID string, attendee *EventAttendee, status string) error
}
