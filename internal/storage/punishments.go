package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"warden/internal/punishment"
)

const (
	historyEventIssued   = "issued"
	historyEventResolved = "resolved"
)

type HistoryEntry struct {
	ID            int64
	GuildID       string
	UserID        string
	ActionID      string
	Kind          punishment.Kind
	Event         string
	ModeratorID   string
	ModeratorName string
	Reason        string
	CreatedAt     time.Time
}

const recordColumns = `action_id, guild_id, section_id, kind, user_id, user_name, user_tag,
	moderator_id, moderator_name, moderator_tag, reason, evidence,
	issued_at, duration_ms, expires_at, roles_snapshot, nickname,
	resolved_id, resolved_moderator_id, resolved_moderator_name, resolved_moderator_tag,
	resolved_reason, resolved_at`

// CreatePunishment appends a record and its user-history mirror. The
// at-most-one-active invariant per (guild, user, kind, section) is enforced by
// a pre-check inside the transaction, keyed on the record's issue time.
func (s *Store) CreatePunishment(ctx context.Context, rec punishment.Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing int
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM punishments
		WHERE guild_id = ? AND user_id = ? AND kind = ? AND section_id = ?
		AND resolved_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
	`, rec.GuildID, rec.Target.ID, rec.Kind.String(), rec.SectionID, rec.IssuedAt.UnixMilli())
	if err = row.Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		err = fmt.Errorf("%w: %s for user %s", punishment.ErrDuplicateActive, rec.Kind, rec.Target.ID)
		return err
	}

	evidence, err := json.Marshal(emptyIfNil(rec.Evidence))
	if err != nil {
		return err
	}
	roles, err := json.Marshal(emptyIfNil(rec.RolesSnapshot))
	if err != nil {
		return err
	}

	var expiresAt any
	if rec.Timed() {
		expiresAt = rec.ExpiresAt.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO punishments (
			action_id, guild_id, section_id, kind, user_id, user_name, user_tag,
			moderator_id, moderator_name, moderator_tag, reason, evidence,
			issued_at, duration_ms, expires_at, roles_snapshot, nickname
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ActionID, rec.GuildID, rec.SectionID, rec.Kind.String(),
		rec.Target.ID, rec.Target.Name, rec.Target.Tag,
		rec.Moderator.ID, rec.Moderator.Name, rec.Moderator.Tag,
		rec.Reason, string(evidence),
		rec.IssuedAt.UnixMilli(), rec.Duration.Milliseconds(), expiresAt,
		string(roles), rec.Nickname)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO moderation_history (guild_id, user_id, action_id, kind, event, moderator_id, moderator_name, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.GuildID, rec.Target.ID, rec.ActionID, rec.Kind.String(), historyEventIssued,
		rec.Moderator.ID, rec.Moderator.Name, rec.Reason, rec.IssuedAt.UnixMilli())
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ResolvePunishment sets a record's resolution exactly once.
func (s *Store) ResolvePunishment(ctx context.Context, actionID string, res punishment.Resolution) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var guildID, userID, kind string
	var resolvedAt sql.NullInt64
	row := tx.QueryRowContext(ctx, `
		SELECT guild_id, user_id, kind, resolved_at FROM punishments WHERE action_id = ?
	`, actionID)
	if err = row.Scan(&guildID, &userID, &kind, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: %s", punishment.ErrNotFound, actionID)
		}
		return err
	}
	if resolvedAt.Valid {
		err = fmt.Errorf("%w: %s", punishment.ErrAlreadyResolved, actionID)
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE punishments SET
			resolved_id = ?,
			resolved_moderator_id = ?,
			resolved_moderator_name = ?,
			resolved_moderator_tag = ?,
			resolved_reason = ?,
			resolved_at = ?
		WHERE action_id = ?
	`, res.ActionID, res.Moderator.ID, res.Moderator.Name, res.Moderator.Tag,
		res.Reason, res.ResolvedAt.UnixMilli(), actionID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO moderation_history (guild_id, user_id, action_id, kind, event, moderator_id, moderator_name, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, guildID, userID, res.ActionID, kind, historyEventResolved,
		res.Moderator.ID, res.Moderator.Name, res.Reason, res.ResolvedAt.UnixMilli())
	if err != nil {
		return err
	}

	return tx.Commit()
}

// FindByActionID looks a record up by its own id or by its resolution id.
func (s *Store) FindByActionID(ctx context.Context, actionID string) (punishment.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM punishments
		WHERE action_id = ? OR resolved_id = ?
	`, actionID, actionID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return punishment.Record{}, fmt.Errorf("%w: %s", punishment.ErrNotFound, actionID)
		}
		return punishment.Record{}, err
	}
	return rec, nil
}

// ListActive returns unresolved, unexpired records of one kind in a guild.
func (s *Store) ListActive(ctx context.Context, guildID string, kind punishment.Kind, now time.Time) ([]punishment.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM punishments
		WHERE guild_id = ? AND kind = ?
		AND resolved_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY issued_at
	`, guildID, kind.String(), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListActiveTimed returns every active record in a guild that carries an
// expiry, for reconciler registry seeding.
func (s *Store) ListActiveTimed(ctx context.Context, guildID string, now time.Time) ([]punishment.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM punishments
		WHERE guild_id = ? AND resolved_at IS NULL
		AND expires_at IS NOT NULL AND expires_at > ?
		ORDER BY issued_at
	`, guildID, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListActiveForUser returns every active record held against one user in a
// guild, indefinite ones included, for rejoin reconciliation.
func (s *Store) ListActiveForUser(ctx context.Context, guildID, userID string, now time.Time) ([]punishment.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM punishments
		WHERE guild_id = ? AND user_id = ?
		AND resolved_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY issued_at
	`, guildID, userID, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) ListUserHistory(ctx context.Context, guildID, userID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, action_id, kind, event, moderator_id, moderator_name, reason, created_at
		FROM moderation_history
		WHERE guild_id = ? AND user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, guildID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var kind string
		var created int64
		if err := rows.Scan(&entry.ID, &entry.GuildID, &entry.UserID, &entry.ActionID, &kind, &entry.Event,
			&entry.ModeratorID, &entry.ModeratorName, &entry.Reason, &created); err != nil {
			return nil, err
		}
		if entry.Kind, err = punishment.ParseKind(kind); err != nil {
			return nil, err
		}
		entry.CreatedAt = time.UnixMilli(created)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountByKind aggregates a guild's punishment records per kind.
func (s *Store) CountByKind(ctx context.Context, guildID string) (map[punishment.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM punishments WHERE guild_id = ? GROUP BY kind
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[punishment.Kind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		parsed, err := punishment.ParseKind(kind)
		if err != nil {
			return nil, err
		}
		counts[parsed] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (punishment.Record, error) {
	var rec punishment.Record
	var kind, evidence, roles string
	var issuedAt, durationMillis int64
	var expiresAt sql.NullInt64
	var resolvedID, resolvedModID, resolvedModName, resolvedModTag, resolvedReason sql.NullString
	var resolvedAt sql.NullInt64

	err := row.Scan(
		&rec.ActionID, &rec.GuildID, &rec.SectionID, &kind,
		&rec.Target.ID, &rec.Target.Name, &rec.Target.Tag,
		&rec.Moderator.ID, &rec.Moderator.Name, &rec.Moderator.Tag,
		&rec.Reason, &evidence,
		&issuedAt, &durationMillis, &expiresAt,
		&roles, &rec.Nickname,
		&resolvedID, &resolvedModID, &resolvedModName, &resolvedModTag,
		&resolvedReason, &resolvedAt,
	)
	if err != nil {
		return punishment.Record{}, err
	}

	if rec.Kind, err = punishment.ParseKind(kind); err != nil {
		return punishment.Record{}, err
	}
	if err := json.Unmarshal([]byte(evidence), &rec.Evidence); err != nil {
		return punishment.Record{}, err
	}
	if err := json.Unmarshal([]byte(roles), &rec.RolesSnapshot); err != nil {
		return punishment.Record{}, err
	}

	rec.IssuedAt = time.UnixMilli(issuedAt)
	rec.Duration = time.Duration(durationMillis) * time.Millisecond
	if durationMillis < 0 {
		rec.Duration = punishment.Indefinite
	}
	if expiresAt.Valid {
		rec.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	if resolvedAt.Valid {
		rec.Resolution = &punishment.Resolution{
			ActionID: resolvedID.String,
			Moderator: punishment.Actor{
				ID:   resolvedModID.String,
				Name: resolvedModName.String,
				Tag:  resolvedModTag.String,
			},
			Reason:     resolvedReason.String,
			ResolvedAt: time.UnixMilli(resolvedAt.Int64),
		}
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]punishment.Record, error) {
	var records []punishment.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
