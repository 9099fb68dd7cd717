package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/nimblecrm/calendar-sync/internal/entity"
)

const mysqlTimeLayout = "2006-01-02 15:04:05"

// MySQL is the production Store backed by the CRM's MySQL database. Entity
// tables are owned by the CRM; this store owns the three bookkeeping tables
// (subscriptions, linkage, recurring queue).
type MySQL struct {
	db       *sqlx.DB
	registry *entity.Registry
}

// NewMySQL opens a Store over an existing sqlx handle.
func NewMySQL(db *sqlx.DB, registry *entity.Registry) *MySQL {
	return &MySQL{db: db, registry: registry}
}

// OpenMySQL connects to MySQL with the given DSN.
func OpenMySQL(dsn string, registry *entity.Registry) (*MySQL, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetMaxOpenConns(10)
	return NewMySQL(db, registry), nil
}

// SetConnLimits tunes the connection pool.
func (s *MySQL) SetConnLimits(maxOpen int, maxLifetime time.Duration) {
	if maxOpen > 0 {
		s.db.SetMaxOpenConns(maxOpen)
	}
	if maxLifetime > 0 {
		s.db.SetConnMaxLifetime(maxLifetime)
	}
}

// Migrate creates the bookkeeping tables. Entity tables are not touched.
func (s *MySQL) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calendar_subscription (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(36) NOT NULL,
			user_email VARCHAR(255) NOT NULL DEFAULT '',
			user_time_zone VARCHAR(64) NOT NULL DEFAULT '',
			account_handle VARCHAR(255) NOT NULL,
			provider VARCHAR(32) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			direction VARCHAR(16) NOT NULL DEFAULT '',
			calendar_id VARCHAR(255) NOT NULL DEFAULT '',
			calendar_name VARCHAR(255) NOT NULL DEFAULT '',
			start_date DATETIME NULL,
			entity_kinds TEXT,
			labels TEXT,
			sync_token VARCHAR(255) NOT NULL DEFAULT '',
			page_token VARCHAR(255) NOT NULL DEFAULT '',
			last_sync_at DATETIME NULL,
			last_sync_id VARCHAR(36) NOT NULL DEFAULT '',
			last_looked_at DATETIME NULL,
			remove_remote_on_delete TINYINT(1) NOT NULL DEFAULT 0,
			skip_attendee_sync TINYINT(1) NOT NULL DEFAULT 0,
			assign_default_team TINYINT(1) NOT NULL DEFAULT 0,
			default_team_id VARCHAR(36) NOT NULL DEFAULT '',
			KEY idx_user (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS calendar_linkage (
			entity_kind VARCHAR(64) NOT NULL,
			entity_id VARCHAR(36) NOT NULL,
			calendar_id VARCHAR(255) NOT NULL DEFAULT '',
			remote_id VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY (entity_kind, entity_id),
			KEY idx_remote (remote_id)
		)`,
		`CREATE TABLE IF NOT EXISTS recurring_event_queue (
			subscription_id VARCHAR(36) NOT NULL,
			master_event_id VARCHAR(255) NOT NULL,
			page_token VARCHAR(255) NOT NULL DEFAULT '',
			last_loaded_at DATETIME NULL,
			PRIMARY KEY (subscription_id, master_event_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

type subscriptionRow struct {
	ID                   string         `db:"id"`
	UserID               string         `db:"user_id"`
	UserEmail            string         `db:"user_email"`
	UserTimeZone         string         `db:"user_time_zone"`
	AccountHandle        string         `db:"account_handle"`
	Provider             string         `db:"provider"`
	Kind                 string         `db:"kind"`
	Direction            string         `db:"direction"`
	CalendarID           string         `db:"calendar_id"`
	CalendarName         string         `db:"calendar_name"`
	StartDate            sql.NullTime   `db:"start_date"`
	EntityKinds          sql.NullString `db:"entity_kinds"`
	Labels               sql.NullString `db:"labels"`
	SyncToken            string         `db:"sync_token"`
	PageToken            string         `db:"page_token"`
	LastSyncAt           sql.NullTime   `db:"last_sync_at"`
	LastSyncID           string         `db:"last_sync_id"`
	LastLookedAt         sql.NullTime   `db:"last_looked_at"`
	RemoveRemoteOnDelete bool           `db:"remove_remote_on_delete"`
	SkipAttendeeSync     bool           `db:"skip_attendee_sync"`
	AssignDefaultTeam    bool           `db:"assign_default_team"`
	DefaultTeamID        string         `db:"default_team_id"`
}

func (r *subscriptionRow) toSubscription() *Subscription {
	sub := &Subscription{
		ID:                   r.ID,
		UserID:               r.UserID,
		UserEmail:            r.UserEmail,
		UserTimeZone:         r.UserTimeZone,
		AccountHandle:        r.AccountHandle,
		Provider:             r.Provider,
		Kind:                 SubscriptionKind(r.Kind),
		Direction:            Direction(r.Direction),
		CalendarID:           r.CalendarID,
		CalendarName:         r.CalendarName,
		SyncToken:            r.SyncToken,
		PageToken:            r.PageToken,
		LastSyncID:           r.LastSyncID,
		RemoveRemoteOnDelete: r.RemoveRemoteOnDelete,
		SkipAttendeeSync:     r.SkipAttendeeSync,
		AssignDefaultTeam:    r.AssignDefaultTeam,
		DefaultTeamID:        r.DefaultTeamID,
		Labels:               map[string]string{},
	}
	if r.StartDate.Valid {
		sub.StartDate = r.StartDate.Time
	}
	if r.LastSyncAt.Valid {
		sub.LastSyncAt = r.LastSyncAt.Time
	}
	if r.LastLookedAt.Valid {
		sub.LastLookedAt = r.LastLookedAt.Time
	}
	if r.EntityKinds.Valid && r.EntityKinds.String != "" {
		sub.EntityKinds = strings.Split(r.EntityKinds.String, ",")
	}
	if r.Labels.Valid && r.Labels.String != "" {
		for _, pair := range strings.Split(r.Labels.String, ",") {
			if kind, label, ok := strings.Cut(pair, ":"); ok {
				sub.Labels[kind] = label
			}
		}
	}
	return sub
}

func encodeLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for kind, label := range labels {
		pairs = append(pairs, kind+":"+label)
	}
	return strings.Join(pairs, ",")
}

func (s *MySQL) ActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM calendar_subscription WHERE direction <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	subs := make([]*Subscription, 0, len(rows))
	for i := range rows {
		subs = append(subs, rows[i].toSubscription())
	}
	return subs, nil
}

func (s *MySQL) MainSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM calendar_subscription WHERE user_id = ? AND kind = ? LIMIT 1`,
		userID, string(SubscriptionMain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get main subscription: %w", err)
	}
	return row.toSubscription(), nil
}

func (s *MySQL) SaveSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_subscription (
			id, user_id, user_email, user_time_zone, account_handle, provider,
			kind, direction, calendar_id, calendar_name, start_date,
			entity_kinds, labels, sync_token, page_token, last_sync_at,
			last_sync_id, last_looked_at, remove_remote_on_delete,
			skip_attendee_sync, assign_default_team, default_team_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			direction = VALUES(direction),
			calendar_id = VALUES(calendar_id),
			sync_token = VALUES(sync_token),
			page_token = VALUES(page_token),
			last_sync_at = VALUES(last_sync_at),
			last_sync_id = VALUES(last_sync_id),
			last_looked_at = VALUES(last_looked_at)`,
		sub.ID, sub.UserID, sub.UserEmail, sub.UserTimeZone, sub.AccountHandle,
		sub.Provider, string(sub.Kind), string(sub.Direction), sub.CalendarID,
		sub.CalendarName, nullTime(sub.StartDate),
		strings.Join(sub.EntityKinds, ","), encodeLabels(sub.Labels),
		sub.SyncToken, sub.PageToken, nullTime(sub.LastSyncAt), sub.LastSyncID,
		nullTime(sub.LastLookedAt), sub.RemoveRemoteOnDelete,
		sub.SkipAttendeeSync, sub.AssignDefaultTeam, sub.DefaultTeamID)
	if err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}
	return nil
}

// eventColumns are the normalized aliases every per-kind SELECT block maps
// its columns onto, so heterogeneous tables can be combined with UNION ALL.
const eventColumns = `
	'%s' AS kind, e.id, e.name, COALESCE(e.description, '') AS description,
	COALESCE(e.location, '') AS location, COALESCE(e.join_url, '') AS join_url,
	COALESCE(e.uid, '') AS uid, COALESCE(e.status, '') AS status,
	e.date_start, e.date_end,
	COALESCE(e.date_start_date, '') AS date_start_date,
	COALESCE(e.date_end_date, '') AS date_end_date,
	COALESCE(e.assigned_user_id, '') AS assigned_user_id,
	COALESCE(e.team_id, '') AS team_id, e.deleted,
	%s AS remote_id, %s AS remote_calendar_id,
	e.created_at, e.modified_at`

type eventRowDB struct {
	Kind             string       `db:"kind"`
	ID               string       `db:"id"`
	Name             string       `db:"name"`
	Description      string       `db:"description"`
	Location         string       `db:"location"`
	JoinURL          string       `db:"join_url"`
	UID              string       `db:"uid"`
	Status           string       `db:"status"`
	DateStart        sql.NullTime `db:"date_start"`
	DateEnd          sql.NullTime `db:"date_end"`
	DateStartDate    string       `db:"date_start_date"`
	DateEndDate      string       `db:"date_end_date"`
	AssignedUserID   string       `db:"assigned_user_id"`
	TeamID           string       `db:"team_id"`
	Deleted          bool         `db:"deleted"`
	RemoteID         string       `db:"remote_id"`
	RemoteCalendarID string       `db:"remote_calendar_id"`
	CreatedAt        sql.NullTime `db:"created_at"`
	ModifiedAt       sql.NullTime `db:"modified_at"`
}

func (r *eventRowDB) toEventRow() *EventRow {
	row := &EventRow{
		Kind:             r.Kind,
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Location:         r.Location,
		JoinURL:          r.JoinURL,
		UID:              r.UID,
		Status:           r.Status,
		DateStartDate:    r.DateStartDate,
		DateEndDate:      r.DateEndDate,
		AssignedUserID:   r.AssignedUserID,
		TeamID:           r.TeamID,
		Deleted:          r.Deleted,
		RemoteID:         r.RemoteID,
		RemoteCalendarID: r.RemoteCalendarID,
	}
	if r.DateStart.Valid {
		row.DateStart = r.DateStart.Time
	}
	if r.DateEnd.Valid {
		row.DateEnd = r.DateEnd.Time
	}
	if r.CreatedAt.Valid {
		row.CreatedAt = r.CreatedAt.Time
	}
	if r.ModifiedAt.Valid {
		row.ModifiedAt = r.ModifiedAt.Time
	}
	return row
}

// selectBlock builds the per-kind SELECT with linkage columns resolved
// either from the embedded columns (built-in kinds) or the shared linkage
// table (generic kinds).
func (s *MySQL) selectBlock(kind *entity.Kind, where string) string {
	remoteCol, calCol := "COALESCE(l.remote_id, '')", "COALESCE(l.calendar_id, '')"
	join := fmt.Sprintf(
		"LEFT JOIN calendar_linkage l ON l.entity_kind = '%s' AND l.entity_id = e.id", kind.Name)
	if kind.Builtin {
		remoteCol, calCol = "COALESCE(e.gcal_event_id, '')", "COALESCE(e.gcal_calendar_id, '')"
		join = ""
	}
	cols := fmt.Sprintf(eventColumns, kind.Name, remoteCol, calCol)
	return fmt.Sprintf("SELECT %s FROM `%s` e %s WHERE %s", cols, kind.Table, join, where)
}

// attendeeFilter joins a built-in kind's attendee-association table so the
// scan is restricted to events the syncing user actually participates in.
// Generic activity kinds are filtered by assigned user instead.
func (s *MySQL) userFilter(kind *entity.Kind) string {
	if kind.Builtin {
		return fmt.Sprintf(
			"e.id IN (SELECT a.event_id FROM `%s_attendee` a WHERE a.attendee_kind = 'User' AND a.attendee_id = ?)",
			kind.Table)
	}
	return "e.assigned_user_id = ?"
}

func (s *MySQL) NewEvents(ctx context.Context, userID string, kinds []string, since time.Time, limit int) ([]*EventRow, error) {
	var blocks []string
	var args []interface{}
	for _, name := range kinds {
		kind, ok := s.registry.Kind(name)
		if !ok {
			continue
		}
		remoteCol := "COALESCE(l.remote_id, '')"
		if kind.Builtin {
			remoteCol = "COALESCE(e.gcal_event_id, '')"
		}
		where := fmt.Sprintf(
			"e.deleted = 0 AND %s AND %s = '' AND (e.date_start >= ? OR e.date_start_date >= ?)",
			s.userFilter(kind), remoteCol)
		blocks = append(blocks, s.selectBlock(kind, where))
		args = append(args, userID,
			since.UTC().Format(mysqlTimeLayout), since.UTC().Format("2006-01-02"))
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	query := strings.Join(blocks, "\nUNION ALL\n") + "\nORDER BY date_start, id LIMIT ?"
	args = append(args, limit)
	return s.selectEvents(ctx, query, args...)
}

func (s *MySQL) ModifiedEvents(ctx context.Context, userID string, kinds []string, calendarID string, since, until time.Time, afterID string, limit int) ([]*EventRow, error) {
	var blocks []string
	var args []interface{}
	sinceStr := since.UTC().Format(mysqlTimeLayout)
	untilStr := until.UTC().Format(mysqlTimeLayout)
	for _, name := range kinds {
		kind, ok := s.registry.Kind(name)
		if !ok {
			continue
		}
		remoteCol, calCol := "l.remote_id", "l.calendar_id"
		if kind.Builtin {
			remoteCol, calCol = "e.gcal_event_id", "e.gcal_calendar_id"
		}
		where := fmt.Sprintf(`%s AND %s = ? AND %s <> '' AND %s <> ?
			AND COALESCE(e.modified_at, e.created_at) <= ?
			AND (COALESCE(e.modified_at, e.created_at) > ?
				OR (COALESCE(e.modified_at, e.created_at) = ? AND e.id > ?))`,
			s.userFilter(kind), calCol, remoteCol, remoteCol)
		blocks = append(blocks, s.selectBlock(kind, where))
		args = append(args, userID, calendarID, FailedLinkSentinel,
			untilStr, sinceStr, sinceStr, afterID)
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	// Strict (time, id) ordering so a batch boundary mid-timestamp resumes
	// exactly once per row.
	query := strings.Join(blocks, "\nUNION ALL\n") +
		"\nORDER BY COALESCE(modified_at, created_at), id LIMIT ?"
	args = append(args, limit)
	return s.selectEvents(ctx, query, args...)
}

func (s *MySQL) EventsForRemote(ctx context.Context, userID, remoteID, uid string, kinds []string) ([]*EventRow, error) {
	if remoteID != "" {
		var blocks []string
		var args []interface{}
		for _, name := range kinds {
			kind, ok := s.registry.Kind(name)
			if !ok {
				continue
			}
			remoteCol := "l.remote_id"
			if kind.Builtin {
				remoteCol = "e.gcal_event_id"
			}
			blocks = append(blocks, s.selectBlock(kind, remoteCol+" = ?"))
			args = append(args, remoteID)
		}
		if len(blocks) > 0 {
			rows, err := s.selectEvents(ctx, strings.Join(blocks, "\nUNION ALL\n"), args...)
			if err != nil || len(rows) > 0 {
				return rows, err
			}
		}
	}
	if uid == "" {
		return nil, nil
	}
	// UID fallback, restricted to never-linked rows.
	var blocks []string
	var args []interface{}
	for _, name := range kinds {
		kind, ok := s.registry.Kind(name)
		if !ok {
			continue
		}
		remoteCol := "COALESCE(l.remote_id, '')"
		if kind.Builtin {
			remoteCol = "COALESCE(e.gcal_event_id, '')"
		}
		blocks = append(blocks, s.selectBlock(kind, fmt.Sprintf("e.uid = ? AND %s = ''", remoteCol)))
		args = append(args, uid)
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	return s.selectEvents(ctx, strings.Join(blocks, "\nUNION ALL\n"), args...)
}

func (s *MySQL) selectEvents(ctx context.Context, query string, args ...interface{}) ([]*EventRow, error) {
	var dbRows []eventRowDB
	if err := s.db.SelectContext(ctx, &dbRows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	rows := make([]*EventRow, 0, len(dbRows))
	for i := range dbRows {
		rows = append(rows, dbRows[i].toEventRow())
	}
	return rows, nil
}

func (s *MySQL) GetEvent(ctx context.Context, kindName, id string) (*EventRow, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kindName)
	}
	rows, err := s.selectEvents(ctx, s.selectBlock(kind, "e.id = ?"), id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// saveEventColumns are the row attributes the sync engine writes. Every one
// of them must round-trip through both the insert and the duplicate-key
// branch of saveEventQuery, or updates silently diverge from inserts.
var saveEventColumns = []string{
	"name", "description", "location", "join_url", "uid", "status",
	"date_start", "date_end", "date_start_date", "date_end_date",
	"assigned_user_id", "team_id", "deleted",
}

// Plain column writes: persisting through the CRM's hook pipeline would
// re-trigger sync side effects.
func saveEventQuery(table string) string {
	updates := make([]string, 0, len(saveEventColumns)+1)
	for _, col := range saveEventColumns {
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
	}
	updates = append(updates, "modified_at = NOW()")
	return fmt.Sprintf(`
		INSERT INTO `+"`%s`"+` (
			id, %s, created_at, modified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
		ON DUPLICATE KEY UPDATE %s`,
		table, strings.Join(saveEventColumns, ", "), strings.Join(updates, ", "))
}

func (s *MySQL) SaveEvent(ctx context.Context, row *EventRow) error {
	kind, ok := s.registry.Kind(row.Kind)
	if !ok {
		return fmt.Errorf("unknown entity kind %q", row.Kind)
	}
	_, err := s.db.ExecContext(ctx, saveEventQuery(kind.Table),
		row.ID, row.Name, row.Description, row.Location, row.JoinURL, row.UID,
		row.Status, nullTime(row.DateStart), nullTime(row.DateEnd),
		row.DateStartDate, row.DateEndDate, row.AssignedUserID, row.TeamID,
		row.Deleted)
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", row.Kind, row.ID, err)
	}
	row.IsNew = false
	return nil
}

func (s *MySQL) DeleteEvent(ctx context.Context, kindName, id string) error {
	kind, ok := s.registry.Kind(kindName)
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kindName)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE `%s` SET deleted = 1, modified_at = NOW() WHERE id = ?", kind.Table), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kindName, id, err)
	}
	return nil
}

func (s *MySQL) DeleteInstancesOfMaster(ctx context.Context, userID, masterEventID string, kinds []string) error {
	prefix := masterEventID + "\\_%"
	for _, name := range kinds {
		kind, ok := s.registry.Kind(name)
		if !ok {
			continue
		}
		var err error
		if kind.Builtin {
			_, err = s.db.ExecContext(ctx, fmt.Sprintf(
				"UPDATE `%s` SET deleted = 1, gcal_event_id = '', gcal_calendar_id = '' WHERE gcal_event_id LIKE ? AND assigned_user_id = ?",
				kind.Table), prefix, userID)
		} else {
			_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
				UPDATE `+"`%s`"+` e
				JOIN calendar_linkage l ON l.entity_kind = ? AND l.entity_id = e.id
				SET e.deleted = 1, l.remote_id = '', l.calendar_id = ''
				WHERE l.remote_id LIKE ? AND e.assigned_user_id = ?`, kind.Table),
				kind.Name, prefix, userID)
		}
		if err != nil {
			return fmt.Errorf("failed to purge instances of %s: %w", masterEventID, err)
		}
	}
	return nil
}

func (s *MySQL) StoreLinkage(ctx context.Context, kindName, entityID, calendarID, remoteID string) error {
	kind, ok := s.registry.Kind(kindName)
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kindName)
	}
	if kind.Builtin {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE `%s` SET gcal_event_id = ?, gcal_calendar_id = ? WHERE id = ?", kind.Table),
			remoteID, calendarID, entityID)
		if err != nil {
			return fmt.Errorf("failed to store linkage for %s %s: %w", kindName, entityID, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_linkage (entity_kind, entity_id, calendar_id, remote_id)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE calendar_id = VALUES(calendar_id), remote_id = VALUES(remote_id)`,
		kindName, entityID, calendarID, remoteID)
	if err != nil && !isDuplicateEntry(err) {
		return fmt.Errorf("failed to store linkage for %s %s: %w", kindName, entityID, err)
	}
	return nil
}

func (s *MySQL) ResetLinkage(ctx context.Context, kindName, entityID string) error {
	kind, ok := s.registry.Kind(kindName)
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kindName)
	}
	if kind.Builtin {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE `%s` SET gcal_event_id = '', gcal_calendar_id = '' WHERE id = ?", kind.Table),
			entityID)
		if err != nil {
			return fmt.Errorf("failed to reset linkage for %s %s: %w", kindName, entityID, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM calendar_linkage WHERE entity_kind = ? AND entity_id = ?", kindName, entityID)
	if err != nil {
		return fmt.Errorf("failed to reset linkage for %s %s: %w", kindName, entityID, err)
	}
	return nil
}

func (s *MySQL) EnqueueRecurring(ctx context.Context, subscriptionID, masterEventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_event_queue (subscription_id, master_event_id, page_token, last_loaded_at)
		VALUES (?, ?, '', NULL)`,
		subscriptionID, masterEventID)
	if err != nil {
		if isDuplicateEntry(err) {
			return nil
		}
		return fmt.Errorf("failed to enqueue recurring master %s: %w", masterEventID, err)
	}
	return nil
}

func (s *MySQL) NextRecurring(ctx context.Context, subscriptionID string) (*RecurringQueueEntry, error) {
	var row struct {
		SubscriptionID string       `db:"subscription_id"`
		MasterEventID  string       `db:"master_event_id"`
		PageToken      string       `db:"page_token"`
		LastLoadedAt   sql.NullTime `db:"last_loaded_at"`
	}
	// Oldest last-loaded first: stale entries (beyond the six-month
	// horizon) naturally sort to the front and get retried.
	err := s.db.GetContext(ctx, &row, `
		SELECT subscription_id, master_event_id, page_token, last_loaded_at
		FROM recurring_event_queue
		WHERE subscription_id = ?
		ORDER BY last_loaded_at IS NULL DESC, last_loaded_at, master_event_id
		LIMIT 1`, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue recurring entry: %w", err)
	}
	entry := &RecurringQueueEntry{
		SubscriptionID: row.SubscriptionID,
		MasterEventID:  row.MasterEventID,
		PageToken:      row.PageToken,
	}
	if row.LastLoadedAt.Valid {
		entry.LastLoadedAt = row.LastLoadedAt.Time
	}
	return entry, nil
}

func (s *MySQL) SaveRecurring(ctx context.Context, entry *RecurringQueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recurring_event_queue SET page_token = ?, last_loaded_at = ?
		WHERE subscription_id = ? AND master_event_id = ?`,
		entry.PageToken, nullTime(entry.LastLoadedAt),
		entry.SubscriptionID, entry.MasterEventID)
	if err != nil {
		return fmt.Errorf("failed to update recurring entry %s: %w", entry.MasterEventID, err)
	}
	return nil
}

func (s *MySQL) DeleteRecurring(ctx context.Context, subscriptionID, masterEventID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM recurring_event_queue WHERE subscription_id = ? AND master_event_id = ?",
		subscriptionID, masterEventID)
	if err != nil {
		return fmt.Errorf("failed to delete recurring entry %s: %w", masterEventID, err)
	}
	return nil
}

func (s *MySQL) EventAttendees(ctx context.Context, kindName, id string) ([]*EventAttendee, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok || !kind.Builtin {
		return nil, nil
	}
	var rows []struct {
		AttendeeKind string `db:"attendee_kind"`
		AttendeeID   string `db:"attendee_id"`
		Email        string `db:"email"`
		Status       string `db:"status"`
	}
	// Attendee links resolve through the person tables for email addresses.
	query := fmt.Sprintf(`
		SELECT a.attendee_kind, a.attendee_id, COALESCE(p.email_address, '') AS email, a.status
		FROM `+"`%s_attendee`"+` a
		LEFT JOIN (
			SELECT 'User' AS kind, id, email_address FROM user
			UNION ALL SELECT 'Contact', id, email_address FROM contact
			UNION ALL SELECT 'Lead', id, email_address FROM lead
		) p ON p.kind = a.attendee_kind AND p.id = a.attendee_id
		WHERE a.event_id = ?`, kind.Table)
	if err := s.db.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, fmt.Errorf("failed to query attendees of %s %s: %w", kindName, id, err)
	}
	attendees := make([]*EventAttendee, 0, len(rows))
	for _, r := range rows {
		attendees = append(attendees, &EventAttendee{
			EntityKind: r.AttendeeKind,
			EntityID:   r.AttendeeID,
			Email:      r.Email,
			Status:     r.Status,
		})
	}
	return attendees, nil
}

func (s *MySQL) FindPersonByEmail(ctx context.Context, email string) (*EventAttendee, error) {
	var row struct {
		Kind  string `db:"kind"`
		ID    string `db:"id"`
		Email string `db:"email_address"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT kind, id, email_address FROM (
			SELECT 'User' AS kind, id, email_address FROM user
			UNION ALL SELECT 'Contact', id, email_address FROM contact
			UNION ALL SELECT 'Lead', id, email_address FROM lead
		) p WHERE LOWER(p.email_address) = LOWER(?) LIMIT 1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve person by email: %w", err)
	}
	return &EventAttendee{EntityKind: row.Kind, EntityID: row.ID, Email: row.Email}, nil
}

func (s *MySQL) AddAttendee(ctx context.Context, kindName, eventID string, attendee *EventAttendee) error {
	kind, ok := s.registry.Kind(kindName)
	if !ok || !kind.Builtin {
		return nil
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO `%s_attendee` (event_id, attendee_kind, attendee_id, status) VALUES (?, ?, ?, ?)",
		kind.Table), eventID, attendee.EntityKind, attendee.EntityID, attendee.Status)
	if err != nil && !isDuplicateEntry(err) {
		return fmt.Errorf("failed to add attendee to %s %s: %w", kindName, eventID, err)
	}
	return nil
}

func (s *MySQL) SetAttendeeStatus(ctx context.Context, kindName, eventID string, attendee *EventAttendee, status string) error {
	kind, ok := s.registry.Kind(kindName)
	if !ok || !kind.Builtin {
		return nil
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE `%s_attendee` SET status = ? WHERE event_id = ? AND attendee_kind = ? AND attendee_id = ?",
		kind.Table), status, eventID, attendee.EntityKind, attendee.EntityID)
	if err != nil {
		return fmt.Errorf("failed to set attendee status on %s %s: %w", kindName, eventID, err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var driverErr *mysql.MySQLError
	return errors.As(err, &driverErr) && driverErr.Number == mysqlerr.ER_DUP_ENTRY
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(mysqlTimeLayout)
}
