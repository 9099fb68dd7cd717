package calendar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//test//EN
BEGIN:VEVENT
UID:event-1
DTSTAMP:20260310T080000Z
DTSTART:20260310T090000Z
DTEND:20260310T100000Z
SUMMARY:Planning
DESCRIPTION:Quarterly planning
LOCATION:Room 4
LAST-MODIFIED:20260309T120000Z
ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:bob@example.com
END:VEVENT
END:VCALENDAR
`

func TestDecodeICS(t *testing.T) {
	events, err := decodeICS(sampleICS)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "event-1", ev.ID)
	assert.Equal(t, "event-1", ev.UID)
	assert.Equal(t, "Planning", ev.Summary)
	assert.Equal(t, "Quarterly planning", ev.Description)
	assert.Equal(t, "Room 4", ev.Location)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), ev.End)
	assert.Equal(t, time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC), ev.Updated)
	assert.False(t, ev.Deleted)
	assert.False(t, ev.Private)

	require.Len(t, ev.Attendees, 2)
	assert.Equal(t, "alice@example.com", ev.Attendees[0].Email)
	assert.Equal(t, ResponseAccepted, ev.Attendees[0].ResponseStatus)
	assert.Equal(t, ResponseNeedsAction, ev.Attendees[1].ResponseStatus)
}

func TestDecodeICSCancelledPrivate(t *testing.T) {
	ics := strings.Replace(sampleICS, "SUMMARY:Planning",
		"SUMMARY:Planning\r\nSTATUS:CANCELLED\r\nCLASS:PRIVATE", 1)
	events, err := decodeICS(ics)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Deleted)
	assert.True(t, events[0].Private)
}

func TestEncodeICSRoundTrip(t *testing.T) {
	ev := &Event{
		UID:         "uid-9",
		Summary:     "Call: Intro",
		Description: "Agenda",
		Location:    "Phone",
		Start:       time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 4, 1, 14, 30, 0, 0, time.UTC),
		Attendees: []*Attendee{
			{Email: "carol@example.com", ResponseStatus: ResponseTentative},
		},
	}

	cal := encodeICS(ev)
	require.Len(t, cal.Events(), 1)
	out := cal.Events()[0]

	uid, err := out.Props.Text("UID")
	require.NoError(t, err)
	assert.Equal(t, "uid-9", uid)
	summary, err := out.Props.Text("SUMMARY")
	require.NoError(t, err)
	assert.Equal(t, "Call: Intro", summary)

	attendees := out.Props.Values("ATTENDEE")
	require.Len(t, attendees, 1)
	assert.Equal(t, "mailto:carol@example.com", attendees[0].Value)
	assert.Equal(t, "TENTATIVE", attendees[0].Params.Get("PARTSTAT"))
}

func TestPartStatMapping(t *testing.T) {
	assert.Equal(t, ResponseAccepted, partStatToResponse("ACCEPTED"))
	assert.Equal(t, ResponseAccepted, partStatToResponse("accepted"))
	assert.Equal(t, ResponseNeedsAction, partStatToResponse(""))
	assert.Equal(t, ResponseNeedsAction, partStatToResponse("DELEGATED"))

	for _, status := range []string{ResponseAccepted, ResponseDeclined, ResponseTentative, ResponseNeedsAction} {
		assert.Equal(t, status, partStatToResponse(responseToPartStat(status)))
	}
}

func TestParseCalendarList(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/alice/calendars/</d:href>
    <d:propstat><d:prop><d:displayname></d:displayname></d:prop></d:propstat>
  </d:response>
  <d:response>
    <d:href>/alice/calendars/work/</d:href>
    <d:propstat><d:prop><d:displayname>Work</d:displayname></d:prop></d:propstat>
  </d:response>
</d:multistatus>`)

	items, err := parseCalendarList(body)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/alice/calendars/work/", items[0].ID)
	assert.Equal(t, "Work", items[0].Summary)
}

func newTestCalDAV(t *testing.T, handler http.Handler) *CalDAVClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewCalDAVClient(server.URL, "alice", "secret", kitlog.NewNopLogger())
}

func TestCalDAVGetEventNotFound(t *testing.T) {
	c := newTestCalDAV(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.GetEvent(context.Background(), "/alice/calendars/work/", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalDAVListInstances(t *testing.T) {
	masterICS := strings.Replace(sampleICS, "SUMMARY:Planning",
		"SUMMARY:Planning\r\nRRULE:FREQ=DAILY;COUNT=3", 1)
	c := newTestCalDAV(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "event-1.ics") {
			w.Write([]byte(masterICS))
			return
		}
		http.NotFound(w, r)
	}))

	page, err := c.ListInstances(context.Background(), "/alice/calendars/work/", "event-1", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 3)

	first := page.Items[0]
	assert.Equal(t, "event-1_20260310T090000Z", first.ID)
	assert.Equal(t, "event-1", first.RecurringMasterID)
	assert.Empty(t, first.Recurrence)
	assert.Equal(t, 1*time.Hour, first.End.Sub(first.Start))

	second := page.Items[1]
	assert.Equal(t, first.Start.Add(24*time.Hour), second.Start)

	// No pagination on CalDAV.
	assert.Empty(t, page.NextPageToken)
	assert.Empty(t, page.NextSyncToken)
}

func TestCalDAVListInstancesGoneMaster(t *testing.T) {
	c := newTestCalDAV(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.ListInstances(context.Background(), "/alice/calendars/work/", "event-1", "")
	assert.ErrorIs(t, err, ErrEventGone)
}
