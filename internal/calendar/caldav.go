package calendar

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	caldavRequestTimeout = 30 * time.Second
	instanceIDLayout     = "20060102T150405Z"

	// How far ahead client-side recurrence expansion materializes
	// instances. CalDAV has no server-side instances endpoint.
	caldavExpandHorizon = 365 * 24 * time.Hour
)

// CalDAVClient is the CalDAV implementation of RemoteCalendar. The provider
// has no incremental sync cursors, so every listing is a single full page:
// no page or sync tokens are ever returned and ErrSyncTokenExpired never
// occurs.
type CalDAVClient struct {
	httpClient *http.Client
	serverURL  string
	username   string
	password   string
	basePath   string
	logger     kitlog.Logger
}

// NewCalDAVClient creates a CalDAV client. serverURL is the CalDAV endpoint
// (e.g. "https://caldav.icloud.com"); password should be an app-specific
// password.
func NewCalDAVClient(serverURL, username, password string, logger kitlog.Logger) *CalDAVClient {
	return &CalDAVClient{
		httpClient: &http.Client{Timeout: caldavRequestTimeout},
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		username:   username,
		password:   password,
		basePath:   fmt.Sprintf("/%s/calendars/", username),
		logger:     logger,
	}
}

func (c *CalDAVClient) makeRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	req.Header.Set("Depth", "1")
	return c.httpClient.Do(req)
}

func (c *CalDAVClient) ListCalendars(ctx context.Context, pageToken string) ([]*CalendarInfo, string, error) {
	propfindBody := `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:displayname/>
    <c:calendar-description/>
  </d:prop>
</d:propfind>`

	resp, err := c.makeRequest(ctx, "PROPFIND", c.basePath, strings.NewReader(propfindBody))
	if err != nil {
		return nil, "", fmt.Errorf("failed to list calendars: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to list calendars: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read calendar listing: %w", err)
	}
	items, err := parseCalendarList(body)
	if err != nil {
		return nil, "", err
	}
	return items, "", nil
}

// CalendarTimeZone returns UTC: CalDAV calendars serialize event times with
// explicit offsets, so no per-calendar zone lookup is needed.
func (c *CalDAVClient) CalendarTimeZone(ctx context.Context, calendarID string) (string, error) {
	return "UTC", nil
}

func (c *CalDAVClient) ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error) {
	timeMin := opts.TimeMin
	if timeMin.IsZero() {
		timeMin = time.Now().Add(-caldavExpandHorizon)
	}
	timeMax := time.Now().Add(caldavExpandHorizon)

	queryBody := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, timeMin.UTC().Format(instanceIDLayout), timeMax.UTC().Format(instanceIDLayout))

	resp, err := c.makeRequest(ctx, "REPORT", calendarID, strings.NewReader(queryBody))
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("failed to query calendar: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	icalObjects, err := parseCalDAVResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CalDAV response: %w", err)
	}

	page := &EventPage{}
	for _, data := range icalObjects {
		events, err := decodeICS(data)
		if err != nil {
			level.Debug(c.logger).Log("msg", "skipping unparseable calendar object", "err", err)
			continue
		}
		page.Items = append(page.Items, events...)
	}
	return page, nil
}

// ListInstances expands a recurring master client-side via its RRULE.
// Instance IDs follow the master-underscore-timestamp convention so the
// engine's composite-ID handling applies uniformly across providers.
func (c *CalDAVClient) ListInstances(ctx context.Context, calendarID, masterEventID, pageToken string) (*EventPage, error) {
	master, err := c.GetEvent(ctx, calendarID, masterEventID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrEventGone
		}
		return nil, err
	}
	rule, err := master.RecurrenceRule()
	if err != nil {
		return nil, fmt.Errorf("failed to parse recurrence of %s: %w", masterEventID, err)
	}
	page := &EventPage{}
	if rule == nil {
		return page, nil
	}
	rule.DTStart(master.StartsAt())
	duration := master.EndsAt().Sub(master.StartsAt())
	horizon := time.Now().Add(caldavExpandHorizon)
	for _, start := range rule.Between(master.StartsAt(), horizon, true) {
		inst := *master
		inst.Recurrence = nil
		inst.RecurringMasterID = master.ID
		inst.ID = fmt.Sprintf("%s_%s", master.ID, start.UTC().Format(instanceIDLayout))
		inst.Start = start.UTC()
		inst.End = start.Add(duration).UTC()
		inst.StartDate, inst.EndDate = "", ""
		inst.Attendees = append([]*Attendee(nil), master.Attendees...)
		page.Items = append(page.Items, &inst)
	}
	return page, nil
}

func (c *CalDAVClient) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	resp, err := c.makeRequest(ctx, "GET", calendarID+eventID+".ics", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get event: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}
	events, err := decodeICS(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse iCalendar: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

func (c *CalDAVClient) InsertEvent(ctx context.Context, calendarID string, event *Event) (*Event, error) {
	if event.ID == "" {
		event.ID = event.UID
	}
	if err := c.putEvent(ctx, calendarID, event.ID, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (c *CalDAVClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event *Event) error {
	return c.putEvent(ctx, calendarID, eventID, event)
}

func (c *CalDAVClient) putEvent(ctx context.Context, calendarID, eventID string, event *Event) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(encodeICS(event)); err != nil {
		return fmt.Errorf("failed to encode iCalendar: %w", err)
	}
	resp, err := c.makeRequest(ctx, "PUT", calendarID+eventID+".ics", &buf)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to store event: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *CalDAVClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	resp, err := c.makeRequest(ctx, "DELETE", calendarID+eventID+".ics", nil)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete event: HTTP %d", resp.StatusCode)
	}
	return nil
}

// decodeICS parses one iCalendar object into value-object events.
func decodeICS(data string) ([]*Event, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, err
	}
	var events []*Event
	for _, icalEvent := range cal.Events() {
		e := &Event{}
		if uid, err := icalEvent.Props.Text(ical.PropUID); err == nil {
			e.UID = uid
			e.ID = uid
		}
		if summary, err := icalEvent.Props.Text(ical.PropSummary); err == nil {
			e.Summary = summary
		}
		if desc, err := icalEvent.Props.Text(ical.PropDescription); err == nil {
			e.Description = desc
		}
		if loc, err := icalEvent.Props.Text(ical.PropLocation); err == nil {
			e.Location = loc
		}
		if status, err := icalEvent.Props.Text(ical.PropStatus); err == nil {
			e.Deleted = strings.EqualFold(status, "CANCELLED")
		}
		if class, err := icalEvent.Props.Text(ical.PropClass); err == nil {
			e.Private = strings.EqualFold(class, "PRIVATE") || strings.EqualFold(class, "CONFIDENTIAL")
		}
		if start, err := icalEvent.DateTimeStart(time.UTC); err == nil && !start.IsZero() {
			e.Start = start.UTC()
		}
		if end, err := icalEvent.DateTimeEnd(time.UTC); err == nil && !end.IsZero() {
			e.End = end.UTC()
		}
		if prop := icalEvent.Props.Get(ical.PropRecurrenceRule); prop != nil {
			e.Recurrence = []string{"RRULE:" + prop.Value}
		}
		if prop := icalEvent.Props.Get(ical.PropLastModified); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				e.Updated = t.UTC()
			}
		}
		for _, prop := range icalEvent.Props.Values(ical.PropAttendee) {
			attendee := &Attendee{
				Email:          strings.TrimPrefix(prop.Value, "mailto:"),
				ResponseStatus: partStatToResponse(prop.Params.Get(ical.ParamParticipationStatus)),
			}
			e.Attendees = append(e.Attendees, attendee)
		}
		events = append(events, e)
	}
	return events, nil
}

func encodeICS(e *Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//nimblecrm//calendar-sync//EN")

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, e.UID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	event.Props.SetText(ical.PropSummary, e.Summary)
	if e.Description != "" {
		event.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		event.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.Deleted {
		event.Props.SetText(ical.PropStatus, "CANCELLED")
	}
	if e.Private {
		event.Props.SetText(ical.PropClass, "PRIVATE")
	}
	event.Props.SetDateTime(ical.PropDateTimeStart, e.StartsAt())
	if e.HasEnd() {
		event.Props.SetDateTime(ical.PropDateTimeEnd, e.EndsAt())
	}
	for _, line := range e.Recurrence {
		if rest, ok := strings.CutPrefix(line, "RRULE:"); ok {
			event.Props.SetText(ical.PropRecurrenceRule, rest)
		}
	}
	for _, a := range e.Attendees {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Value = "mailto:" + a.Email
		prop.Params.Set(ical.ParamParticipationStatus, responseToPartStat(a.ResponseStatus))
		event.Props.Add(prop)
	}
	cal.Children = append(cal.Children, event.Component)
	return cal
}

func partStatToResponse(partStat string) string {
	switch strings.ToUpper(partStat) {
	case "ACCEPTED":
		return ResponseAccepted
	case "DECLINED":
		return ResponseDeclined
	case "TENTATIVE":
		return ResponseTentative
	default:
		return ResponseNeedsAction
	}
}

func responseToPartStat(response string) string {
	switch response {
	case ResponseAccepted:
		return "ACCEPTED"
	case ResponseDeclined:
		return "DECLINED"
	case ResponseTentative:
		return "TENTATIVE"
	default:
		return "NEEDS-ACTION"
	}
}

// parseCalDAVResponse extracts calendar-data payloads from a REPORT
// multistatus response.
func parseCalDAVResponse(body []byte) ([]string, error) {
	type calendarData struct {
		Data string `xml:",chardata"`
	}
	type prop struct {
		CalendarData calendarData `xml:"calendar-data"`
	}
	type response struct {
		Prop prop `xml:"propstat>prop"`
	}
	type multistatus struct {
		Responses []response `xml:"response"`
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	var objects []string
	for _, resp := range ms.Responses {
		if resp.Prop.CalendarData.Data != "" {
			objects = append(objects, resp.Prop.CalendarData.Data)
		}
	}
	return objects, nil
}

// parseCalendarList extracts calendar hrefs and display names from a
// PROPFIND multistatus response.
func parseCalendarList(body []byte) ([]*CalendarInfo, error) {
	type prop struct {
		DisplayName string `xml:"displayname"`
	}
	type response struct {
		Href string `xml:"href"`
		Prop prop   `xml:"propstat>prop"`
	}
	type multistatus struct {
		Responses []response `xml:"response"`
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	var items []*CalendarInfo
	for _, resp := range ms.Responses {
		if resp.Prop.DisplayName == "" {
			continue
		}
		items = append(items, &CalendarInfo{
			ID:      resp.Href,
			Summary: resp.Prop.DisplayName,
		})
	}
	return items, nil
}
