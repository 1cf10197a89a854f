package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNoSection is returned when a section id has no row for the guild.
var ErrNoSection = errors.New("section is not registered")

type Store struct {
	db *sql.DB
}

type GuildSettings struct {
	GuildID       string
	LogChannel    string
	MutedRole     string
	SuspendedRole string
}

type Section struct {
	GuildID      string
	SectionID    string
	Name         string
	VerifiedRole string
}

type AuditLog struct {
	ID        int64
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) GetGuildSettings(ctx context.Context, guildID string, defaults GuildSettings) (GuildSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT log_channel, muted_role, suspended_role
		FROM guild_settings WHERE guild_id = ?`, guildID)

	result := defaults
	result.GuildID = guildID

	err := row.Scan(&result.LogChannel, &result.MutedRole, &result.SuspendedRole)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return GuildSettings{}, err
	}
	return result, nil
}

func (s *Store) UpsertGuildSettings(ctx context.Context, settings GuildSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, log_channel, muted_role, suspended_role)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			log_channel = excluded.log_channel,
			muted_role = excluded.muted_role,
			suspended_role = excluded.suspended_role
	`, settings.GuildID, settings.LogChannel, settings.MutedRole, settings.SuspendedRole)
	return err
}

func (s *Store) ListConfiguredGuilds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id FROM guild_settings ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guilds []string
	for rows.Next() {
		var guildID string
		if err := rows.Scan(&guildID); err != nil {
			return nil, err
		}
		guilds = append(guilds, guildID)
	}
	return guilds, rows.Err()
}

// DeleteGuildConfig drops configuration for a guild the bot no longer belongs
// to. Punishment records are kept for audit.
func (s *Store) DeleteGuildConfig(ctx context.Context, guildID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guild_settings WHERE guild_id = ?`, guildID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sections WHERE guild_id = ?`, guildID)
	return err
}

func (s *Store) UpsertSection(ctx context.Context, section Section) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (guild_id, section_id, name, verified_role)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id, section_id) DO UPDATE SET
			name = excluded.name,
			verified_role = excluded.verified_role
	`, section.GuildID, section.SectionID, section.Name, section.VerifiedRole)
	return err
}

// GetSection returns ErrNoSection for an unregistered section id. Unlike
// guild settings there is no sensible default; callers must not proceed with
// a zero section.
func (s *Store) GetSection(ctx context.Context, guildID, sectionID string) (Section, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guild_id, section_id, name, verified_role
		FROM sections WHERE guild_id = ? AND section_id = ?`, guildID, sectionID)

	var section Section
	err := row.Scan(&section.GuildID, &section.SectionID, &section.Name, &section.VerifiedRole)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Section{}, ErrNoSection
		}
		return Section{}, err
	}
	return section, nil
}

func (s *Store) ListSections(ctx context.Context, guildID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, section_id, name, verified_role
		FROM sections WHERE guild_id = ? ORDER BY section_id`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sections []Section
	for rows.Next() {
		var section Section
		if err := rows.Scan(&section.GuildID, &section.SectionID, &section.Name, &section.VerifiedRole); err != nil {
			return nil, err
		}
		sections = append(sections, section)
	}
	return sections, rows.Err()
}

func (s *Store) RemoveSection(ctx context.Context, guildID, sectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sections WHERE guild_id = ? AND section_id = ?`, guildID, sectionID)
	return err
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var created int64
		if err := rows.Scan(&log.ID, &log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &created); err != nil {
			return nil, err
		}
		log.CreatedAt = time.Unix(created, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, cutoff.Unix())
	return err
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
