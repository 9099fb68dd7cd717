package calendar

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	gcal "google.golang.org/api/calendar/v3"
)

// SourceMarker annotates events created by this engine so that pulls can
// recognize them and avoid feedback loops.
const SourceMarker = "crm-calendar-sync"

const (
	dateLayout = "2006-01-02"

	// Attendee response statuses, in the provider's vocabulary.
	ResponseNeedsAction = "needsAction"
	ResponseAccepted    = "accepted"
	ResponseDeclined    = "declined"
	ResponseTentative   = "tentative"
)

// Attendee is one participant on a provider-side event.
type Attendee struct {
	Email          string
	ResponseStatus string
}

// Event is the in-memory representation of one provider-side event. It is
// constructed fresh per round-trip, mutated in place, and then serialized
// back to the provider or projected onto local entity attributes.
type Event struct {
	ID                string
	RecurringMasterID string
	UID               string
	Summary           string
	Description       string
	Location          string
	Start             time.Time
	End               time.Time
	StartDate         string // all-day start, YYYY-MM-DD
	EndDate           string // all-day end, YYYY-MM-DD
	Recurrence        []string
	Attendees         []*Attendee
	Deleted           bool
	Private           bool
	Updated           time.Time
	Source            string
	EventType         string
}

// IsAllDay reports whether the event uses date-only start/end.
func (e *Event) IsAllDay() bool {
	return e.StartDate != ""
}

// HasEnd reports whether the event carries any end boundary at all.
func (e *Event) HasEnd() bool {
	return !e.End.IsZero() || e.EndDate != ""
}

// StartsAt returns the event start as a point in time. All-day dates resolve
// to midnight UTC.
func (e *Event) StartsAt() time.Time {
	if !e.Start.IsZero() {
		return e.Start
	}
	if e.StartDate != "" {
		if t, err := time.Parse(dateLayout, e.StartDate); err == nil {
			return t
		}
	}
	return time.Time{}
}

// EndsAt returns the event end as a point in time, zero if the event has none.
func (e *Event) EndsAt() time.Time {
	if !e.End.IsZero() {
		return e.End
	}
	if e.EndDate != "" {
		if t, err := time.Parse(dateLayout, e.EndDate); err == nil {
			return t
		}
	}
	return time.Time{}
}

// IsRecurringMaster reports whether this event is the template of a recurring
// series rather than one concrete occurrence.
func (e *Event) IsRecurringMaster() bool {
	return len(e.Recurrence) > 0 && e.RecurringMasterID == ""
}

// IsDefault reports whether the event is a plain calendar event. Provider
// synthesized events (auto-created from inbound mail, working-location
// markers and the like) must be ignored by the sync engine.
func (e *Event) IsDefault() bool {
	return e.EventType == "" || e.EventType == "default"
}

// IsOwnSource reports whether this engine authored the event.
func (e *Event) IsOwnSource() bool {
	return e.Source == SourceMarker
}

// RecurrenceRule parses the event's RRULE, if any.
func (e *Event) RecurrenceRule() (*rrule.RRule, error) {
	for _, line := range e.Recurrence {
		if rest, ok := strings.CutPrefix(line, "RRULE:"); ok {
			return rrule.StrToRRule(rest)
		}
	}
	return nil, nil
}

// FindAttendee returns the attendee with the given email, nil if absent.
// Matching is case-insensitive.
func (e *Event) FindAttendee(email string) *Attendee {
	for _, a := range e.Attendees {
		if strings.EqualFold(a.Email, email) {
			return a
		}
	}
	return nil
}

// FromGoogle converts a Google Calendar wire event into the neutral value
// object.
func FromGoogle(g *gcal.Event) *Event {
	e := &Event{
		ID:                g.Id,
		RecurringMasterID: g.RecurringEventId,
		UID:               g.ICalUID,
		Summary:           g.Summary,
		Description:       g.Description,
		Location:          g.Location,
		Recurrence:        g.Recurrence,
		Deleted:           g.Status == "cancelled",
		Private:           g.Visibility == "private" || g.Visibility == "confidential",
		EventType:         g.EventType,
	}
	if g.Source != nil {
		e.Source = g.Source.Title
	}
	if g.Updated != "" {
		if t, err := time.Parse(time.RFC3339, g.Updated); err == nil {
			e.Updated = t.UTC()
		}
	}
	if g.Start != nil {
		if g.Start.Date != "" {
			e.StartDate = g.Start.Date
		} else if t, err := time.Parse(time.RFC3339, g.Start.DateTime); err == nil {
			e.Start = t.UTC()
		}
	}
	if g.End != nil {
		if g.End.Date != "" {
			e.EndDate = g.End.Date
		} else if t, err := time.Parse(time.RFC3339, g.End.DateTime); err == nil {
			e.End = t.UTC()
		}
	}
	for _, a := range g.Attendees {
		if a.Resource {
			continue
		}
		e.Attendees = append(e.Attendees, &Attendee{
			Email:          a.Email,
			ResponseStatus: a.ResponseStatus,
		})
	}
	return e
}

// ToGoogle serializes the value object back to the provider's wire format.
func (e *Event) ToGoogle() *gcal.Event {
	g := &gcal.Event{
		Id:          e.ID,
		ICalUID:     e.UID,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Recurrence:  e.Recurrence,
	}
	if e.Deleted {
		g.Status = "cancelled"
	}
	if e.Private {
		g.Visibility = "private"
	}
	if e.Source != "" {
		g.Source = &gcal.EventSource{Title: e.Source, Url: "https://" + e.Source + ".invalid"}
	}
	if e.IsAllDay() {
		g.Start = &gcal.EventDateTime{Date: e.StartDate}
		g.End = &gcal.EventDateTime{Date: e.EndDate}
	} else {
		g.Start = &gcal.EventDateTime{DateTime: e.Start.Format(time.RFC3339)}
		if !e.End.IsZero() {
			g.End = &gcal.EventDateTime{DateTime: e.End.Format(time.RFC3339)}
		}
	}
	for _, a := range e.Attendees {
		g.Attendees = append(g.Attendees, &gcal.EventAttendee{
			Email:          a.Email,
			ResponseStatus: a.ResponseStatus,
		})
	}
	return g
}
