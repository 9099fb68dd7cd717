package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/nimblecrm/calendar-sync/internal/calendar"
	"github.com/nimblecrm/calendar-sync/internal/entity"
	"github.com/nimblecrm/calendar-sync/internal/store"
)

const (
	// DefaultApplyCeiling bounds the work each phase of a run does, in
	// apply-units. Applying an item costs 1, a failed item costs
	// failPenalty, so a run over a calendar full of poison items still
	// terminates and yields to the next subscription.
	DefaultApplyCeiling = 20

	failPenalty = 0.5

	// DefaultBatchSize is the page size for local push scans.
	DefaultBatchSize = 20

	// maxPhasePasses bounds the fetch loops inside one phase independently
	// of the apply budget, so a phase that applies nothing (all items
	// skipped) cannot spin on the provider.
	maxPhasePasses = 20
)

// budget meters one phase of a run.
type budget struct {
	limit float64
	used  float64
}

func (b *budget) applied()        { b.used++ }
func (b *budget) failed()         { b.used += failPenalty }
func (b *budget) exhausted() bool { return b.used >= b.limit }

// RemoteFactory builds the provider client for a subscription.
type RemoteFactory func(ctx context.Context, sub *store.Subscription) (calendar.RemoteCalendar, error)

// Orchestrator runs full sync passes over subscriptions. Each Run is
// self-contained: it resolves parameters, dispatches on direction and
// persists cursors after every batch, so an interrupted run resumes where
// it stopped.
type Orchestrator struct {
	store    store.Store
	registry *entity.Registry
	acl      entity.ACL
	remotes  RemoteFactory
	logger   kitlog.Logger

	applyCeiling float64
	batchSize    int
	now          func() time.Time
}

// Option tweaks an Orchestrator.
type Option func(*Orchestrator)

// WithApplyCeiling overrides the per-phase apply budget.
func WithApplyCeiling(ceiling float64) Option {
	return func(o *Orchestrator) { o.applyCeiling = ceiling }
}

// WithBatchSize overrides the local scan page size.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) { o.batchSize = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires an orchestrator over a store, an entity registry, an
// ACL and a provider client factory.
func NewOrchestrator(st store.Store, registry *entity.Registry, acl entity.ACL, remotes RemoteFactory, logger kitlog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		registry:     registry,
		acl:          acl,
		remotes:      remotes,
		logger:       logger,
		applyCeiling: DefaultApplyCeiling,
		batchSize:    DefaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunAll runs every active subscription in sequence. Subscriptions for the
// same user are serialized by construction; failures are logged and do not
// stop the pass.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	subs, err := o.store.ActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("listing active subscriptions: %w", err)
	}
	// Most-neglected first, so a long queue degrades fairly.
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].LastLookedAt.Before(subs[j].LastLookedAt)
	})
	for _, sub := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.Run(ctx, sub)
	}
	return nil
}

// Run performs one sync pass for a subscription. It never propagates item
// failures; the return value reports whether the pass got as far as
// dispatching any sync work.
func (o *Orchestrator) Run(ctx context.Context, sub *store.Subscription) bool {
	logger := kitlog.With(o.logger, "subscription", sub.ID, "user", sub.UserID, "direction", sub.Direction)

	if !o.acl.CanSyncCalendar(sub.UserID) {
		return false
	}
	allowed := o.allowedKinds(sub)
	if len(allowed) == 0 {
		level.Error(logger).Log("msg", "no syncable entity kinds configured")
		return false
	}

	// Stamp before any provider I/O, so a crashed or aborted run still
	// records that it was attempted.
	sub.LastLookedAt = o.now()
	if err := o.store.SaveSubscription(ctx, sub); err != nil {
		level.Error(logger).Log("msg", "stamping subscription failed", "err", err)
		return false
	}

	remote, err := o.remotes(ctx, sub)
	if err != nil {
		level.Error(logger).Log("msg", "building provider client failed", "err", err)
		return false
	}

	if err := o.resolveCalendar(ctx, remote, sub); err != nil {
		level.Error(logger).Log("msg", "calendar resolution failed", "err", err)
		return false
	}

	params, err := o.buildParams(ctx, remote, sub, allowed)
	if err != nil {
		level.Error(logger).Log("msg", "resolving run parameters failed", "err", err)
		return false
	}
	eng := NewEngine(o.store, remote, o.registry, logger, params)

	switch sub.Direction {
	case store.DirectionPushOnly:
		o.pushModified(ctx, logger, eng, sub, false)
		o.pushNew(ctx, logger, eng, sub)
	case store.DirectionPullOnly:
		o.pull(ctx, logger, eng, remote, sub, false)
		o.expandRecurring(ctx, logger, eng, remote, sub, false)
	case store.DirectionBidirectional:
		main, err := o.store.MainSubscription(ctx, sub.UserID)
		if err != nil {
			level.Error(logger).Log("msg", "loading main subscription failed", "err", err)
			return false
		}
		if sub.Kind == store.SubscriptionMonitored && main != nil && main.CalendarID == sub.CalendarID {
			// The main subscription already pulls this calendar; keeping
			// separate cursors would double-apply every change. Follow its
			// cursors instead of pulling.
			sub.SyncToken = main.SyncToken
			sub.PageToken = main.PageToken
			if err := o.store.SaveSubscription(ctx, sub); err != nil {
				level.Error(logger).Log("msg", "copying main cursors failed", "err", err)
			}
			return true
		}
		o.pull(ctx, logger, eng, remote, sub, true)
		o.expandRecurring(ctx, logger, eng, remote, sub, true)
		o.pushModified(ctx, logger, eng, sub, true)
		if sub.Kind == store.SubscriptionMain {
			o.pushNew(ctx, logger, eng, sub)
		}
	default:
		return false
	}
	return true
}

// allowedKinds filters the subscription's configured kinds through the
// registry and the user's ACL.
func (o *Orchestrator) allowedKinds(sub *store.Subscription) []string {
	var allowed []string
	for _, kind := range sub.EntityKinds {
		if _, ok := o.registry.Kind(kind); !ok {
			continue
		}
		if !o.acl.CanReadKind(sub.UserID, kind) {
			continue
		}
		allowed = append(allowed, kind)
	}
	return allowed
}

// resolveCalendar fills in the provider calendar ID from the configured
// display name, once; the resolved ID is persisted and reused afterwards.
func (o *Orchestrator) resolveCalendar(ctx context.Context, remote calendar.RemoteCalendar, sub *store.Subscription) error {
	if sub.CalendarID != "" {
		return nil
	}
	pageToken := ""
	for pass := 0; pass < maxPhasePasses; pass++ {
		infos, next, err := remote.ListCalendars(ctx, pageToken)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if sub.CalendarName != "" && info.Summary == sub.CalendarName {
				sub.CalendarID = info.ID
			} else if sub.CalendarName == "" && info.Primary {
				sub.CalendarID = info.ID
			}
			if sub.CalendarID != "" {
				return o.store.SaveSubscription(ctx, sub)
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return fmt.Errorf("no calendar matching %q", sub.CalendarName)
}

func (o *Orchestrator) buildParams(ctx context.Context, remote calendar.RemoteCalendar, sub *store.Subscription, allowed []string) (Params, error) {
	tz := time.UTC
	if name, err := remote.CalendarTimeZone(ctx, sub.CalendarID); err == nil && name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			tz = loc
		}
	}
	userTZ := time.UTC
	if sub.UserTimeZone != "" {
		if loc, err := time.LoadLocation(sub.UserTimeZone); err == nil {
			userTZ = loc
		}
	}
	return Params{
		Subscription: sub,
		AllowedKinds: allowed,
		Labels:       labelRules(sub, allowed),
		CalendarID:   sub.CalendarID,
		FloorDate:    sub.StartDate,
		TimeZone:     tz,
		UserTZ:       userTZ,
		Now:          o.now,
	}, nil
}

// labelRules orders title-routing rules: labeled kinds first, the unlabeled
// catch-all last, so a specific label always wins over the default.
func labelRules(sub *store.Subscription, allowed []string) []LabelRule {
	var labeled, catchAll []LabelRule
	for _, kind := range allowed {
		label := sub.Labels[kind]
		if label == "" {
			catchAll = append(catchAll, LabelRule{Kind: kind})
			continue
		}
		labeled = append(labeled, LabelRule{Kind: kind, Label: label})
	}
	sort.Slice(labeled, func(i, j int) bool { return labeled[i].Kind < labeled[j].Kind })
	if len(catchAll) > 1 {
		catchAll = catchAll[:1]
	}
	return append(labeled, catchAll...)
}

// effectiveStart is the earliest point a scan needs to cover: the configured
// floor, advanced by the push low-watermark once events up to it are synced.
func effectiveStart(sub *store.Subscription) time.Time {
	if sub.LastSyncAt.After(sub.StartDate) {
		return sub.LastSyncAt
	}
	return sub.StartDate
}

// pull fetches remote changes page by page, persisting the cursor after each
// page so an interrupted run resumes mid-listing.
func (o *Orchestrator) pull(ctx context.Context, logger kitlog.Logger, eng *Engine, remote calendar.RemoteCalendar, sub *store.Subscription, compareModTimes bool) {
	b := budget{limit: o.applyCeiling}
	for pass := 0; pass < maxPhasePasses && !b.exhausted(); pass++ {
		opts := calendar.ListOptions{}
		switch {
		case sub.PageToken != "":
			opts.PageToken = sub.PageToken
		case sub.SyncToken != "":
			opts.SyncToken = sub.SyncToken
		default:
			opts.TimeMin = effectiveStart(sub)
		}

		page, err := remote.ListEvents(ctx, sub.CalendarID, opts)
		if errors.Is(err, calendar.ErrSyncTokenExpired) {
			// Reset the narrowest cursor first: a dead page token may
			// still leave the sync token usable.
			if sub.PageToken != "" {
				sub.PageToken = ""
			} else {
				sub.SyncToken = ""
			}
			if err := o.store.SaveSubscription(ctx, sub); err != nil {
				level.Error(logger).Log("msg", "persisting cursor reset failed", "err", err)
			}
			// A reset ends this pull; the next run retries with the
			// remaining cursor, or from the floor once both are gone.
			return
		}
		if err != nil {
			level.Error(logger).Log("msg", "listing events failed", "err", err)
			return
		}

		for _, ev := range page.Items {
			if b.exhausted() {
				// Leave the cursor untouched: the next run re-reads this
				// page and the already-applied items reconcile to no-ops.
				return
			}
			applied, err := eng.ReconcileRemote(ctx, ev, compareModTimes)
			if err != nil {
				level.Warn(logger).Log("msg", "reconcile failed", "event", ev.ID, "err", err)
				b.failed()
				continue
			}
			if applied {
				b.applied()
			}
		}

		if page.NextPageToken != "" {
			sub.PageToken = page.NextPageToken
		} else {
			sub.PageToken = ""
			if page.NextSyncToken != "" {
				sub.SyncToken = page.NextSyncToken
			}
		}
		if err := o.store.SaveSubscription(ctx, sub); err != nil {
			level.Error(logger).Log("msg", "persisting cursor failed", "err", err)
			return
		}
		if page.NextPageToken == "" {
			return
		}
	}
}

// expandRecurring drains the recurring-expansion queue: each entry
// materializes one master's instances, page by page. Fresh entries with no
// in-flight page are left alone until they go stale.
func (o *Orchestrator) expandRecurring(ctx context.Context, logger kitlog.Logger, eng *Engine, remote calendar.RemoteCalendar, sub *store.Subscription, compareModTimes bool) {
	b := budget{limit: o.applyCeiling}
	staleBefore := o.now().Add(-store.RecurringStaleAfter)

	for pass := 0; pass < maxPhasePasses && !b.exhausted(); pass++ {
		entry, err := o.store.NextRecurring(ctx, sub.ID)
		if err != nil {
			level.Error(logger).Log("msg", "reading recurring queue failed", "err", err)
			return
		}
		if entry == nil {
			return
		}
		if entry.PageToken == "" && !entry.LastLoadedAt.IsZero() && entry.LastLoadedAt.After(staleBefore) {
			// Stalest-first ordering: if the head is fresh, everything is.
			return
		}

		page, err := remote.ListInstances(ctx, sub.CalendarID, entry.MasterEventID, entry.PageToken)
		if errors.Is(err, calendar.ErrSyncTokenExpired) {
			if entry.PageToken != "" {
				entry.PageToken = ""
				entry.LastLoadedAt = o.now()
				if err := o.store.SaveRecurring(ctx, entry); err != nil {
					level.Error(logger).Log("msg", "resetting expansion cursor failed", "err", err)
					return
				}
			} else if err := o.store.DeleteRecurring(ctx, sub.ID, entry.MasterEventID); err != nil {
				level.Error(logger).Log("msg", "dropping expansion entry failed", "err", err)
				return
			}
			continue
		}
		if errors.Is(err, calendar.ErrEventGone) {
			if err := o.store.DeleteRecurring(ctx, sub.ID, entry.MasterEventID); err != nil {
				level.Error(logger).Log("msg", "dropping expansion entry failed", "err", err)
				return
			}
			continue
		}
		if err != nil {
			level.Error(logger).Log("msg", "listing instances failed", "master", entry.MasterEventID, "err", err)
			return
		}

		for _, inst := range page.Items {
			if b.exhausted() {
				// Keep the entry's cursor: the next run resumes this page.
				return
			}
			// Instances inherit the series UID; matching on it would
			// collapse every instance onto one local record.
			inst.UID = ""
			applied, err := eng.ReconcileRemote(ctx, inst, compareModTimes)
			if err != nil {
				level.Warn(logger).Log("msg", "reconcile of instance failed", "event", inst.ID, "err", err)
				b.failed()
				continue
			}
			if applied {
				b.applied()
			}
		}

		entry.LastLoadedAt = o.now()
		if n := len(page.Items); n > 0 {
			if at, ok := instanceTime(page.Items[n-1].ID); ok {
				entry.LastLoadedAt = at
			}
		}
		if page.NextPageToken != "" {
			entry.PageToken = page.NextPageToken
			if err := o.store.SaveRecurring(ctx, entry); err != nil {
				level.Error(logger).Log("msg", "persisting expansion cursor failed", "err", err)
				return
			}
			continue
		}
		if err := o.store.DeleteRecurring(ctx, sub.ID, entry.MasterEventID); err != nil {
			level.Error(logger).Log("msg", "completing expansion entry failed", "err", err)
			return
		}
	}
}

// instanceTime extracts the occurrence timestamp from a composite instance
// ID ("masterID_20060102T150405Z").
func instanceTime(id string) (time.Time, bool) {
	i := strings.LastIndexByte(id, '_')
	if i < 0 {
		return time.Time{}, false
	}
	at, err := time.Parse("20060102T150405Z", id[i+1:])
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// pushNew inserts never-pushed local events. Successful pushes become
// linked and drop out of the scan; failures keep their cleared linkage and
// retry next run.
func (o *Orchestrator) pushNew(ctx context.Context, logger kitlog.Logger, eng *Engine, sub *store.Subscription) {
	b := budget{limit: o.applyCeiling}
	allowed := eng.params.AllowedKinds
	for pass := 0; pass < maxPhasePasses && !b.exhausted(); pass++ {
		rows, err := o.store.NewEvents(ctx, sub.UserID, allowed, effectiveStart(sub), o.batchSize)
		if err != nil {
			level.Error(logger).Log("msg", "scanning unpushed events failed", "err", err)
			return
		}
		if len(rows) == 0 {
			return
		}
		anyPushed := false
		for _, row := range rows {
			if b.exhausted() {
				return
			}
			pushed, err := eng.PushNew(ctx, row)
			if err != nil {
				level.Warn(logger).Log("msg", "push of new event failed", "kind", row.Kind, "id", row.ID, "err", err)
				b.failed()
				continue
			}
			if pushed {
				anyPushed = true
				b.applied()
			}
		}
		if !anyPushed || len(rows) < o.batchSize {
			return
		}
	}
}

// pushModified propagates modified linked events, advancing the
// (modification time, ID) low-watermark after every row so the scan resumes
// exactly where it stopped, even mid-timestamp.
func (o *Orchestrator) pushModified(ctx context.Context, logger kitlog.Logger, eng *Engine, sub *store.Subscription, compareModTimes bool) {
	b := budget{limit: o.applyCeiling}
	until := o.now()
	for pass := 0; pass < maxPhasePasses && !b.exhausted(); pass++ {
		rows, err := o.store.ModifiedEvents(ctx, sub.UserID, eng.params.AllowedKinds, sub.CalendarID,
			sub.LastSyncAt, until, sub.LastSyncID, o.batchSize)
		if err != nil {
			level.Error(logger).Log("msg", "scanning modified events failed", "err", err)
			return
		}
		if len(rows) == 0 {
			return
		}
		for _, row := range rows {
			if b.exhausted() {
				break
			}
			pushed, err := eng.PushModified(ctx, row, compareModTimes)
			if err != nil {
				level.Warn(logger).Log("msg", "push of modified event failed", "kind", row.Kind, "id", row.ID, "err", err)
				b.failed()
			} else if pushed {
				b.applied()
			}
			// Advance past failures too: the failure sentinel carries the
			// retry, not the watermark.
			sub.LastSyncAt = row.StampTime()
			sub.LastSyncID = row.ID
		}
		if err := o.store.SaveSubscription(ctx, sub); err != nil {
			level.Error(logger).Log("msg", "persisting watermark failed", "err", err)
			return
		}
		if len(rows) < o.batchSize {
			return
		}
	}
}
