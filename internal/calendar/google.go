package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const googleRequestTimeout = 30 * time.Second

// GoogleClient is the Google Calendar implementation of RemoteCalendar,
// wrapping the calendar/v3 service.
type GoogleClient struct {
	service *gcal.Service
	logger  kitlog.Logger
}

// NewGoogleClient creates a Google Calendar client bound to the given token
// source.
func NewGoogleClient(ctx context.Context, ts oauth2.TokenSource, logger kitlog.Logger) (*GoogleClient, error) {
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = googleRequestTimeout
	service, err := gcal.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &GoogleClient{service: service, logger: logger}, nil
}

func (c *GoogleClient) ListCalendars(ctx context.Context, pageToken string) ([]*CalendarInfo, string, error) {
	call := c.service.CalendarList.List().Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	var list *gcal.CalendarList
	err := c.withRetry(ctx, func() error {
		var err error
		list, err = call.Do()
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list calendars: %w", err)
	}
	items := make([]*CalendarInfo, 0, len(list.Items))
	for _, entry := range list.Items {
		items = append(items, &CalendarInfo{
			ID:       entry.Id,
			Summary:  entry.Summary,
			TimeZone: entry.TimeZone,
			Primary:  entry.Primary,
		})
	}
	return items, list.NextPageToken, nil
}

func (c *GoogleClient) CalendarTimeZone(ctx context.Context, calendarID string) (string, error) {
	var cal *gcal.Calendar
	err := c.withRetry(ctx, func() error {
		var err error
		cal, err = c.service.Calendars.Get(calendarID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to get calendar %s: %w", calendarID, err)
	}
	return cal.TimeZone, nil
}

func (c *GoogleClient) ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error) {
	call := c.service.Events.List(calendarID).Context(ctx)
	switch {
	case opts.PageToken != "":
		call = call.PageToken(opts.PageToken)
	case opts.SyncToken != "":
		call = call.SyncToken(opts.SyncToken)
	default:
		if !opts.TimeMin.IsZero() {
			call = call.TimeMin(opts.TimeMin.Format(time.RFC3339))
		}
	}
	var list *gcal.Events
	err := c.withRetry(ctx, func() error {
		var err error
		list, err = call.Do()
		return err
	})
	if err != nil {
		// 410 Gone means the incremental cursor is no longer valid. A full
		// re-list is the routine recovery, not an error condition.
		if httpStatus(err) == http.StatusGone {
			return nil, ErrSyncTokenExpired
		}
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return eventPage(list), nil
}

func (c *GoogleClient) ListInstances(ctx context.Context, calendarID, masterEventID, pageToken string) (*EventPage, error) {
	call := c.service.Events.Instances(calendarID, masterEventID).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	var list *gcal.Events
	err := c.withRetry(ctx, func() error {
		var err error
		list, err = call.Do()
		return err
	})
	if err != nil {
		switch httpStatus(err) {
		case http.StatusGone:
			if pageToken != "" {
				return nil, ErrSyncTokenExpired
			}
			return nil, ErrEventGone
		case http.StatusNotFound:
			return nil, ErrEventGone
		}
		return nil, fmt.Errorf("failed to list instances of %s: %w", masterEventID, err)
	}
	return eventPage(list), nil
}

func (c *GoogleClient) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	var g *gcal.Event
	err := c.withRetry(ctx, func() error {
		var err error
		g, err = c.service.Events.Get(calendarID, eventID).Context(ctx).Do()
		return err
	})
	if err != nil {
		if status := httpStatus(err); status == http.StatusNotFound || status == http.StatusGone {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event %s: %w", eventID, err)
	}
	return FromGoogle(g), nil
}

// InsertEvent inserts a new event. SendUpdates is disabled so attendees are
// not notified about engine-authored copies.
func (c *GoogleClient) InsertEvent(ctx context.Context, calendarID string, event *Event) (*Event, error) {
	var created *gcal.Event
	err := c.withRetry(ctx, func() error {
		var err error
		created, err = c.service.Events.Insert(calendarID, event.ToGoogle()).
			SendUpdates("none").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	return FromGoogle(created), nil
}

func (c *GoogleClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event *Event) error {
	err := c.withRetry(ctx, func() error {
		_, err := c.service.Events.Update(calendarID, eventID, event.ToGoogle()).
			SendUpdates("none").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", eventID, err)
	}
	return nil
}

func (c *GoogleClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.withRetry(ctx, func() error {
		return c.service.Events.Delete(calendarID, eventID).
			SendUpdates("none").
			Context(ctx).
			Do()
	})
	if err != nil {
		if status := httpStatus(err); status == http.StatusNotFound || status == http.StatusGone {
			return nil
		}
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

// withRetry runs fn, retrying rate-limited calls a bounded number of times.
// Any other failure is returned as-is for the caller to classify.
func (c *GoogleClient) withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isRateLimited(err) {
			level.Debug(c.logger).Log("msg", "rate limited by provider, backing off", "err", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func isRateLimited(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == http.StatusTooManyRequests {
		return true
	}
	if gerr.Code == http.StatusForbidden {
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}

func httpStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func eventPage(list *gcal.Events) *EventPage {
	page := &EventPage{
		NextPageToken: list.NextPageToken,
		NextSyncToken: list.NextSyncToken,
	}
	for _, item := range list.Items {
		page.Items = append(page.Items, FromGoogle(item))
	}
	return page
}
