package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store. It backs the engine and orchestrator tests
// and is useful for dry runs; semantics (ordering, tie-breaks, linkage
// rules) match the MySQL implementation.
type Memory struct {
	mu            sync.Mutex
	subscriptions map[string]*Subscription
	events        map[string]*EventRow // key kind+"/"+id
	attendees     map[string][]*EventAttendee
	people        map[string]*EventAttendee // by lowercase email
	queue         map[string]*RecurringQueueEntry
	builtinKinds  map[string]bool

	saveCount int
}

// NewMemory creates an empty in-memory store. Attendee operations apply to
// the built-in kinds only, mirroring the SQL schema.
func NewMemory(builtinKinds ...string) *Memory {
	m := &Memory{
		subscriptions: make(map[string]*Subscription),
		events:        make(map[string]*EventRow),
		attendees:     make(map[string][]*EventAttendee),
		people:        make(map[string]*EventAttendee),
		queue:         make(map[string]*RecurringQueueEntry),
		builtinKinds:  make(map[string]bool),
	}
	for _, k := range builtinKinds {
		m.builtinKinds[k] = true
	}
	return m
}

func eventKey(kind, id string) string { return kind + "/" + id }

// AddPerson registers a user/contact/lead for email resolution.
func (m *Memory) AddPerson(p *EventAttendee) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.people[strings.ToLower(p.Email)] = p
}

// PutEvent inserts a row directly, bypassing SaveEvent bookkeeping.
func (m *Memory) PutEvent(row *EventRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *row
	m.events[eventKey(row.Kind, row.ID)] = &clone
}

// SaveCount reports how many SaveEvent calls were made. Used by tests to
// assert no-op reconciliations.
func (m *Memory) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCount
}

func (m *Memory) ActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []*Subscription
	for _, sub := range m.subscriptions {
		if sub.Direction != DirectionNone {
			clone := *sub
			subs = append(subs, &clone)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (m *Memory) MainSubscription(ctx context.Context, userID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscriptions {
		if sub.UserID == userID && sub.Kind == SubscriptionMain {
			clone := *sub
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *sub
	m.subscriptions[sub.ID] = &clone
	return nil
}

// Subscription returns a stored subscription by ID, nil if absent.
func (m *Memory) Subscription(id string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscriptions[id]; ok {
		clone := *sub
		return &clone
	}
	return nil
}

func (m *Memory) NewEvents(ctx context.Context, userID string, kinds []string, since time.Time, limit int) ([]*EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*EventRow
	for _, row := range m.events {
		if row.Deleted || row.AssignedUserID != userID || !kindAllowed(kinds, row.Kind) {
			continue
		}
		if row.RemoteID != "" {
			// A failed linkage still counts as linked: a past push reached
			// the provider side, so inserting again could duplicate it.
			continue
		}
		if row.StartsBefore(since) {
			continue
		}
		clone := *row
		rows = append(rows, &clone)
	}
	sortRows(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Memory) ModifiedEvents(ctx context.Context, userID string, kinds []string, calendarID string, since, until time.Time, afterID string, limit int) ([]*EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*EventRow
	for _, row := range m.events {
		if row.AssignedUserID != userID || !kindAllowed(kinds, row.Kind) {
			continue
		}
		if row.RemoteCalendarID != calendarID || row.RemoteID == "" || row.RemoteID == FailedLinkSentinel {
			continue
		}
		stamp := row.StampTime()
		if stamp.After(until) {
			continue
		}
		if stamp.Before(since) {
			continue
		}
		// Exact resumption after a tie: rows at the watermark timestamp are
		// returned only when their ID sorts after the watermark ID.
		if stamp.Equal(since) && row.ID <= afterID {
			continue
		}
		clone := *row
		rows = append(rows, &clone)
	}
	sortRows(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Memory) EventsForRemote(ctx context.Context, userID, remoteID, uid string, kinds []string) ([]*EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*EventRow
	if remoteID != "" {
		for _, row := range m.events {
			if row.RemoteID == remoteID && kindAllowed(kinds, row.Kind) {
				clone := *row
				rows = append(rows, &clone)
			}
		}
	}
	if len(rows) == 0 && uid != "" {
		// UID fallback applies only to rows never linked, so an
		// already-linked record is not hijacked by a UID collision.
		for _, row := range m.events {
			if row.UID == uid && row.RemoteID == "" && kindAllowed(kinds, row.Kind) {
				clone := *row
				rows = append(rows, &clone)
			}
		}
	}
	sortRows(rows)
	return rows, nil
}

func (m *Memory) GetEvent(ctx context.Context, kind, id string) (*EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.events[eventKey(kind, id)]; ok {
		clone := *row
		return &clone, nil
	}
	return nil, nil
}

func (m *Memory) SaveEvent(ctx context.Context, row *EventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCount++
	clone := *row
	clone.IsNew = false
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.events[eventKey(row.Kind, row.ID)] = &clone
	row.IsNew = false
	return nil
}

func (m *Memory) DeleteEvent(ctx context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.events[eventKey(kind, id)]; ok {
		row.Deleted = true
	}
	return nil
}

func (m *Memory) DeleteInstancesOfMaster(ctx context.Context, userID, masterEventID string, kinds []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := masterEventID + "_"
	for _, row := range m.events {
		if row.AssignedUserID != userID || !kindAllowed(kinds, row.Kind) {
			continue
		}
		if strings.HasPrefix(row.RemoteID, prefix) {
			row.Deleted = true
			row.RemoteID = ""
			row.RemoteCalendarID = ""
		}
	}
	return nil
}

func (m *Memory) StoreLinkage(ctx context.Context, kind, entityID, calendarID, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.events[eventKey(kind, entityID)]; ok {
		row.RemoteID = remoteID
		row.RemoteCalendarID = calendarID
	}
	return nil
}

func (m *Memory) ResetLinkage(ctx context.Context, kind, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.events[eventKey(kind, entityID)]; ok {
		row.RemoteID = ""
		row.RemoteCalendarID = ""
	}
	return nil
}

func (m *Memory) EnqueueRecurring(ctx context.Context, subscriptionID, masterEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subscriptionID + "/" + masterEventID
	if _, exists := m.queue[key]; !exists {
		m.queue[key] = &RecurringQueueEntry{
			SubscriptionID: subscriptionID,
			MasterEventID:  masterEventID,
		}
	}
	return nil
}

func (m *Memory) NextRecurring(ctx context.Context, subscriptionID string) (*RecurringQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []*RecurringQueueEntry
	for _, entry := range m.queue {
		if entry.SubscriptionID == subscriptionID {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastLoadedAt.Equal(entries[j].LastLoadedAt) {
			return entries[i].LastLoadedAt.Before(entries[j].LastLoadedAt)
		}
		return entries[i].MasterEventID < entries[j].MasterEventID
	})
	clone := *entries[0]
	return &clone, nil
}

func (m *Memory) SaveRecurring(ctx context.Context, entry *RecurringQueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	m.queue[entry.SubscriptionID+"/"+entry.MasterEventID] = &clone
	return nil
}

func (m *Memory) DeleteRecurring(ctx context.Context, subscriptionID, masterEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, subscriptionID+"/"+masterEventID)
	return nil
}

// QueueLen reports the number of queued expansion jobs for a subscription.
func (m *Memory) QueueLen(subscriptionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entry := range m.queue {
		if entry.SubscriptionID == subscriptionID {
			n++
		}
	}
	return n
}

func (m *Memory) EventAttendees(ctx context.Context, kind, id string) ([]*EventAttendee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.builtinKinds[kind] {
		return nil, nil
	}
	list := m.attendees[eventKey(kind, id)]
	clones := make([]*EventAttendee, 0, len(list))
	for _, a := range list {
		clone := *a
		clones = append(clones, &clone)
	}
	return clones, nil
}

func (m *Memory) FindPersonByEmail(ctx context.Context, email string) (*EventAttendee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.people[strings.ToLower(email)]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (m *Memory) AddAttendee(ctx context.Context, kind, eventID string, attendee *EventAttendee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.builtinKinds[kind] {
		return nil
	}
	clone := *attendee
	key := eventKey(kind, eventID)
	m.attendees[key] = append(m.attendees[key], &clone)
	return nil
}

func (m *Memory) SetAttendeeStatus(ctx context.Context, kind, eventID string, attendee *EventAttendee, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attendees[eventKey(kind, eventID)] {
		if a.EntityKind == attendee.EntityKind && a.EntityID == attendee.EntityID {
			a.Status = status
		}
	}
	return nil
}

func kindAllowed(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func sortRows(rows []*EventRow) {
	sort.Slice(rows, func(i, j int) bool {
		si, sj := rows[i].StampTime(), rows[j].StampTime()
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return rows[i].ID < rows[j].ID
	})
}

// StartsBefore reports whether the row starts before t, using the all-day
// date when the timed start is absent.
func (r *EventRow) StartsBefore(t time.Time) bool {
	if !r.DateStart.IsZero() {
		return r.DateStart.Before(t)
	}
	if r.DateStartDate != "" {
		if d, err := time.Parse("2006-01-02", r.DateStartDate); err == nil {
			return d.Before(t)
		}
	}
	return false
}
