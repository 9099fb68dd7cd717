// Package sync implements per-event reconciliation between local CRM event
// records and a remote calendar, plus the per-subscription control loop that
// drives it.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/nimblecrm/calendar-sync/internal/calendar"
	"github.com/nimblecrm/calendar-sync/internal/entity"
	"github.com/nimblecrm/calendar-sync/internal/store"
)

// Local event statuses.
const (
	StatusPlanned = "Planned"
	StatusHeld    = "Held"
)

// Join-URL sentinel markers. The join link is folded into the remote
// description between these so later runs can locate and replace it.
const (
	joinMarkerBegin = "\n\n== join: "
	joinMarkerEnd   = " =="
)

// LabelRule routes a remote event title to a local entity kind. Rules are
// ordered: labeled kinds first, the unlabeled catch-all (if any) last.
type LabelRule struct {
	Kind  string
	Label string
}

// Params are the per-subscription parameters the engine reconciles under,
// resolved once per orchestrator run.
type Params struct {
	Subscription *store.Subscription
	AllowedKinds []string
	Labels       []LabelRule
	CalendarID   string
	FloorDate    time.Time
	TimeZone     *time.Location
	UserTZ       *time.Location
	Now          func() time.Time
}

func (p *Params) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Params) kindAllowed(kind string) bool {
	for _, k := range p.AllowedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Engine holds the per-event reconciliation logic for one subscription.
type Engine struct {
	store    store.Store
	remote   calendar.RemoteCalendar
	registry *entity.Registry
	logger   kitlog.Logger
	params   Params
}

// NewEngine creates an engine bound to one subscription's parameters.
func NewEngine(st store.Store, remote calendar.RemoteCalendar, registry *entity.Registry, logger kitlog.Logger, params Params) *Engine {
	return &Engine{store: st, remote: remote, registry: registry, logger: logger, params: params}
}

// parseTitle recovers (kind, clean name) from a remote event title by
// checking each configured label prefix in priority order. Labeled kinds win
// over the label-less catch-all, which always matches last as a default.
func (e *Engine) parseTitle(title string) (string, string) {
	for _, rule := range e.params.Labels {
		if rule.Label == "" {
			return rule.Kind, title
		}
		if rest, ok := strings.CutPrefix(title, rule.Label+": "); ok {
			return rule.Kind, rest
		}
	}
	return "", title
}

func (e *Engine) labelFor(kind string) string {
	for _, rule := range e.params.Labels {
		if rule.Kind == kind {
			return rule.Label
		}
	}
	return ""
}

// LocalToRemote converts a local event row into the provider representation.
func (e *Engine) LocalToRemote(row *store.EventRow, attendees []*store.EventAttendee) *calendar.Event {
	sub := e.params.Subscription
	ev := &calendar.Event{
		UID:         row.UID,
		Summary:     row.Name,
		Description: appendJoinURL(row.Description, row.JoinURL),
		Location:    row.Location,
		Deleted:     row.Deleted,
		Source:      calendar.SourceMarker,
	}
	if label := e.labelFor(row.Kind); label != "" {
		ev.Summary = label + ": " + row.Name
	}
	if row.DateStartDate != "" {
		ev.StartDate = row.DateStartDate
		ev.EndDate = row.DateEndDate
	} else {
		ev.Start = row.DateStart.UTC()
		if !row.DateEnd.IsZero() {
			ev.End = row.DateEnd.UTC()
		}
	}

	// The syncing user alone on the event is implicit on the remote side:
	// the calendar owner is always a participant.
	soleSelf := len(attendees) == 1 &&
		attendees[0].EntityKind == "User" && attendees[0].EntityID == sub.UserID
	if soleSelf {
		return ev
	}
	for _, a := range attendees {
		if a.Email == "" {
			continue
		}
		if sub.SkipAttendeeSync && a.EntityKind != "User" {
			continue
		}
		ev.Attendees = append(ev.Attendees, &calendar.Attendee{
			Email:          a.Email,
			ResponseStatus: localToRemoteStatus(a.Status),
		})
	}
	return ev
}

// ReconcileRemote applies one pulled provider event to the local side.
// Returns whether anything was applied.
func (e *Engine) ReconcileRemote(ctx context.Context, ev *calendar.Event, compareModTimes bool) (bool, error) {
	sub := e.params.Subscription

	if !ev.IsDefault() {
		return false, nil
	}

	kindName, cleanName := e.parseTitle(ev.Summary)

	if ev.IsRecurringMaster() {
		// A master is never materialized directly. Any instances created
		// from a previous version of the series are stale now.
		if err := e.store.DeleteInstancesOfMaster(ctx, sub.UserID, ev.ID, e.params.AllowedKinds); err != nil {
			return false, err
		}
		if !ev.Private && ev.HasEnd() {
			if err := e.store.EnqueueRecurring(ctx, sub.ID, ev.ID); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	removal := ev.Deleted || ev.Private || !ev.HasEnd()

	// Never backfill before the configured horizon.
	if !ev.Deleted && ev.StartsAt().Before(e.params.FloorDate) {
		return false, nil
	}

	rows, err := e.store.EventsForRemote(ctx, sub.UserID, ev.ID, ev.UID, e.params.AllowedKinds)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		if removal || kindName == "" || !e.params.kindAllowed(kindName) {
			return false, nil
		}
		rows = []*store.EventRow{{
			Kind:  kindName,
			ID:    uuid.NewString(),
			UID:   ev.UID,
			IsNew: true,
		}}
	}

	applied := false
	for _, row := range rows {
		if removal {
			if row.IsNew {
				continue
			}
			if err := e.store.DeleteEvent(ctx, row.Kind, row.ID); err != nil {
				return applied, err
			}
			if err := e.store.ResetLinkage(ctx, row.Kind, row.ID); err != nil {
				return applied, err
			}
			applied = true
			continue
		}

		if kindName != "" && kindName != row.Kind {
			if !e.params.kindAllowed(kindName) {
				// Fail safe by no-op: the original record stays linked and
				// untouched rather than risking data loss.
				continue
			}
			moved, err := e.moveRow(ctx, row, kindName)
			if err != nil {
				return applied, err
			}
			row = moved
		}

		if compareModTimes && !row.IsNew && row.ModifiedAt.After(ev.Updated) {
			continue
		}

		changed := e.applyRemoteFields(row, ev, cleanName)
		attendeesChanged, err := e.mergeAttendees(ctx, row, ev)
		if err != nil {
			level.Error(e.logger).Log("msg", "attendee merge failed", "kind", row.Kind, "id", row.ID, "err", err)
		}
		if row.IsNew {
			row.AssignedUserID = sub.UserID
			if sub.AssignDefaultTeam {
				row.TeamID = sub.DefaultTeamID
			}
			if end := ev.EndsAt(); !end.IsZero() && end.Before(e.params.now()) {
				row.Status = StatusHeld
			} else if row.Status == "" {
				row.Status = StatusPlanned
			}
			changed = true
		}

		if changed {
			wasNew := row.IsNew
			if err := e.store.SaveEvent(ctx, row); err != nil {
				return applied, err
			}
			if wasNew {
				if err := e.store.StoreLinkage(ctx, row.Kind, row.ID, e.params.CalendarID, ev.ID); err != nil {
					return applied, err
				}
			}
			applied = true
		} else if attendeesChanged {
			applied = true
		}
	}
	return applied, nil
}

// moveRow recreates a local record under a new entity kind, carrying over
// its field values (a cross-type move prompted by a relabeled remote title).
func (e *Engine) moveRow(ctx context.Context, row *store.EventRow, kindName string) (*store.EventRow, error) {
	moved := *row
	moved.Kind = kindName
	moved.IsNew = true
	if !row.IsNew {
		moved.ID = uuid.NewString()
		if err := e.store.DeleteEvent(ctx, row.Kind, row.ID); err != nil {
			return nil, err
		}
		if err := e.store.ResetLinkage(ctx, row.Kind, row.ID); err != nil {
			return nil, err
		}
	}
	moved.RemoteID = ""
	moved.RemoteCalendarID = ""
	return &moved, nil
}

// applyRemoteFields copies each mapped remote field into the local
// attributes, reporting whether any of them actually changed.
func (e *Engine) applyRemoteFields(row *store.EventRow, ev *calendar.Event, cleanName string) bool {
	changed := false

	name := cleanName
	if kind, ok := e.registry.Kind(row.Kind); ok && kind.NameMaxLen > 0 {
		name = truncateName(name, kind.NameMaxLen)
	}
	if row.Name != name {
		row.Name = name
		changed = true
	}

	desc, _ := stripJoinURL(ev.Description)
	if row.Description != desc {
		row.Description = desc
		changed = true
	}
	if row.Location != ev.Location {
		row.Location = ev.Location
		changed = true
	}

	if ev.IsAllDay() {
		if row.DateStartDate != ev.StartDate || row.DateEndDate != ev.EndDate {
			row.DateStartDate = ev.StartDate
			row.DateEndDate = ev.EndDate
			row.DateStart = time.Time{}
			row.DateEnd = time.Time{}
			changed = true
		}
	} else {
		if !row.DateStart.Equal(ev.Start) || !row.DateEnd.Equal(ev.End) {
			row.DateStart = ev.Start
			row.DateEnd = ev.End
			row.DateStartDate = ""
			row.DateEndDate = ""
			changed = true
		}
	}
	if row.UID == "" && ev.UID != "" {
		row.UID = ev.UID
		changed = true
	}
	return changed
}

// mergeAttendees matches remote attendees against already-resolved local
// records by email. New matches are added as attendees; existing ones only
// have their response status updated. Applies to built-in kinds only.
func (e *Engine) mergeAttendees(ctx context.Context, row *store.EventRow, ev *calendar.Event) (bool, error) {
	local, err := e.store.EventAttendees(ctx, row.Kind, row.ID)
	if err != nil {
		return false, err
	}
	if local == nil && !e.registry.IsBuiltin(row.Kind) {
		return false, nil
	}

	byEmail := make(map[string]*store.EventAttendee, len(local))
	for _, a := range local {
		byEmail[strings.ToLower(a.Email)] = a
	}

	changed := false
	for _, remote := range ev.Attendees {
		if remote.Email == "" {
			continue
		}
		if existing, ok := byEmail[strings.ToLower(remote.Email)]; ok {
			status := remoteToLocalStatus(remote.ResponseStatus)
			if existing.Status != status {
				if err := e.store.SetAttendeeStatus(ctx, row.Kind, row.ID, existing, status); err != nil {
					return changed, err
				}
				changed = true
			}
			continue
		}
		person, err := e.store.FindPersonByEmail(ctx, remote.Email)
		if err != nil {
			return changed, err
		}
		if person == nil {
			continue
		}
		if e.params.Subscription.SkipAttendeeSync && person.EntityKind != "User" {
			continue
		}
		person.Status = remoteToLocalStatus(remote.ResponseStatus)
		if err := e.store.AddAttendee(ctx, row.Kind, row.ID, person); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// PushNew inserts a never-pushed local event on the remote side and records
// the linkage.
func (e *Engine) PushNew(ctx context.Context, row *store.EventRow) (bool, error) {
	attendees, err := e.store.EventAttendees(ctx, row.Kind, row.ID)
	if err != nil {
		return false, err
	}
	if row.UID == "" {
		row.UID = uuid.NewString()
		if err := e.store.SaveEvent(ctx, row); err != nil {
			return false, err
		}
	}
	ev := e.LocalToRemote(row, attendees)
	created, err := e.remote.InsertEvent(ctx, e.params.CalendarID, ev)
	if err != nil {
		// Clear any stale linkage so the event is retried next run rather
		// than silently skipped.
		if resetErr := e.store.ResetLinkage(ctx, row.Kind, row.ID); resetErr != nil {
			level.Error(e.logger).Log("msg", "failed to reset linkage after insert failure", "err", resetErr)
		}
		return false, fmt.Errorf("insert of %s %s failed: %w", row.Kind, row.ID, err)
	}
	if err := e.store.StoreLinkage(ctx, row.Kind, row.ID, e.params.CalendarID, created.ID); err != nil {
		return false, err
	}
	row.RemoteID = created.ID
	row.RemoteCalendarID = e.params.CalendarID
	return true, nil
}

// PushModified propagates a locally-modified, already-linked event to the
// remote side, applying only fields that actually changed.
func (e *Engine) PushModified(ctx context.Context, row *store.EventRow, compareModTimes bool) (bool, error) {
	sub := e.params.Subscription
	remoteEv, err := e.remote.GetEvent(ctx, e.params.CalendarID, row.RemoteID)
	if errors.Is(err, calendar.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if compareModTimes && row.StampTime().Before(remoteEv.Updated) {
		return false, nil
	}
	if remoteEv.Private {
		return false, nil
	}

	if row.Deleted && !remoteEv.Deleted {
		// Hard-delete remotely only when configured to, or when this
		// engine authored the remote copy in the first place.
		if sub.RemoveRemoteOnDelete || remoteEv.IsOwnSource() {
			if err := e.remote.DeleteEvent(ctx, e.params.CalendarID, row.RemoteID); err != nil {
				e.markFailed(ctx, row)
				return false, fmt.Errorf("delete of %s %s failed: %w", row.Kind, row.ID, err)
			}
			return true, nil
		}
		return false, nil
	}

	attendees, err := e.store.EventAttendees(ctx, row.Kind, row.ID)
	if err != nil {
		return false, err
	}
	desired := e.LocalToRemote(row, attendees)

	changed := false
	if remoteEv.Deleted && !row.Deleted {
		remoteEv.Deleted = false
		changed = true
	}
	if remoteEv.Summary != desired.Summary {
		remoteEv.Summary = desired.Summary
		changed = true
	}
	if remoteEv.Location != desired.Location {
		remoteEv.Location = desired.Location
		changed = true
	}
	if replaced, ok := replaceJoinURL(remoteEv.Description, desired.Description); ok {
		remoteEv.Description = replaced
		changed = true
	}
	if desired.IsAllDay() {
		if remoteEv.StartDate != desired.StartDate || remoteEv.EndDate != desired.EndDate {
			remoteEv.StartDate, remoteEv.EndDate = desired.StartDate, desired.EndDate
			remoteEv.Start, remoteEv.End = time.Time{}, time.Time{}
			changed = true
		}
	} else if !remoteEv.Start.Equal(desired.Start) || !remoteEv.End.Equal(desired.End) {
		remoteEv.Start, remoteEv.End = desired.Start, desired.End
		remoteEv.StartDate, remoteEv.EndDate = "", ""
		changed = true
	}
	if attendeesDiffer(remoteEv.Attendees, desired.Attendees) {
		remoteEv.Attendees = desired.Attendees
		changed = true
	}

	if !changed {
		return false, nil
	}
	if err := e.remote.UpdateEvent(ctx, e.params.CalendarID, row.RemoteID, remoteEv); err != nil {
		e.markFailed(ctx, row)
		return false, fmt.Errorf("update of %s %s failed: %w", row.Kind, row.ID, err)
	}
	return true, nil
}

// markFailed stamps the linkage with the failure sentinel so the record
// reads as "push attempted and failed", never as a candidate for a
// duplicate insert.
func (e *Engine) markFailed(ctx context.Context, row *store.EventRow) {
	err := e.store.StoreLinkage(ctx, row.Kind, row.ID, e.params.CalendarID, store.FailedLinkSentinel)
	if err != nil {
		level.Error(e.logger).Log("msg", "failed to mark linkage as failed", "kind", row.Kind, "id", row.ID, "err", err)
	}
}

func attendeesDiffer(a, b []*calendar.Attendee) bool {
	if len(a) != len(b) {
		return true
	}
	byEmail := make(map[string]string, len(a))
	for _, x := range a {
		byEmail[strings.ToLower(x.Email)] = x.ResponseStatus
	}
	for _, y := range b {
		status, ok := byEmail[strings.ToLower(y.Email)]
		if !ok || status != y.ResponseStatus {
			return true
		}
	}
	return false
}

func appendJoinURL(description, joinURL string) string {
	if joinURL == "" {
		return description
	}
	return description + joinMarkerBegin + joinURL + joinMarkerEnd
}

// stripJoinURL removes the join marker from a description, returning the
// bare description and the extracted URL.
// truncateName caps a name at max bytes without splitting a multi-byte
// rune, so the stored value stays valid UTF-8.
func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	for max > 0 && !utf8.RuneStart(name[max]) {
		max--
	}
	return name[:max]
}

func stripJoinURL(description string) (string, string) {
	start := strings.Index(description, joinMarkerBegin)
	if start < 0 {
		return description, ""
	}
	rest := description[start+len(joinMarkerBegin):]
	end := strings.Index(rest, joinMarkerEnd)
	if end < 0 {
		return description, ""
	}
	return description[:start] + rest[end+len(joinMarkerEnd):], rest[:end]
}

// replaceJoinURL reports whether the remote description needs to change to
// match the desired one, preserving marker placement.
func replaceJoinURL(current, desired string) (string, bool) {
	if current == desired {
		return current, false
	}
	return desired, true
}

func localToRemoteStatus(status string) string {
	switch status {
	case "Accepted":
		return calendar.ResponseAccepted
	case "Declined":
		return calendar.ResponseDeclined
	case "Tentative":
		return calendar.ResponseTentative
	default:
		return calendar.ResponseNeedsAction
	}
}

func remoteToLocalStatus(status string) string {
	switch status {
	case calendar.ResponseAccepted:
		return "Accepted"
	case calendar.ResponseDeclined:
		return "Declined"
	case calendar.ResponseTentative:
		return "Tentative"
	default:
		return "None"
	}
}
