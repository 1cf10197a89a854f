// Package reconcile repairs drift between persisted punishment state and live
// Discord state after a gap: process restart or member rejoin.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"warden/internal/modules/audit"
	"warden/internal/punishment"
	"warden/internal/registry"
	"warden/internal/storage"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Roles mirrors the scheduler's role surface; the bot's adapter satisfies
// both.
type Roles interface {
	SetMemberRoles(ctx context.Context, guildID, userID string, roles []string) error
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

type Reconciler struct {
	store    *storage.Store
	registry *registry.Registry
	roles    Roles
	audit    *audit.Logger
	logger   *zap.Logger
	clock    Clock
}

func New(store *storage.Store, reg *registry.Registry, roles Roles, auditLogger *audit.Logger, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		registry: reg,
		roles:    roles,
		audit:    auditLogger,
		logger:   logger,
		clock:    realClock{},
	}
}

func (r *Reconciler) WithClock(clock Clock) {
	r.clock = clock
}

// Startup seeds the expiry registry from the store for every guild the
// process can currently see and drops configuration for guilds it has left.
// Each guild is reconciled independently; one failure never blocks the rest.
func (r *Reconciler) Startup(ctx context.Context, liveGuildIDs []string) {
	now := r.clock.Now()
	seeded := 0

	for _, guildID := range liveGuildIDs {
		records, err := r.store.ListActiveTimed(ctx, guildID, now)
		if err != nil {
			r.logger.Warn("startup reconcile failed for guild", zap.String("guild_id", guildID), zap.Error(err))
			continue
		}
		for _, rec := range records {
			if r.registry.Add(registry.FromRecord(rec)) {
				seeded++
			}
		}
	}

	r.cleanupOrphanedGuilds(ctx, liveGuildIDs)

	r.logger.Info("startup reconcile complete",
		zap.Int("guilds", len(liveGuildIDs)),
		zap.Int("entries_seeded", seeded),
		zap.Int("registry_size", r.registry.Len()))
}

func (r *Reconciler) cleanupOrphanedGuilds(ctx context.Context, liveGuildIDs []string) {
	configured, err := r.store.ListConfiguredGuilds(ctx)
	if err != nil {
		r.logger.Warn("orphan cleanup skipped", zap.Error(err))
		return
	}

	live := make(map[string]struct{}, len(liveGuildIDs))
	for _, guildID := range liveGuildIDs {
		live[guildID] = struct{}{}
	}

	for _, guildID := range configured {
		if _, ok := live[guildID]; ok {
			continue
		}
		if err := r.store.DeleteGuildConfig(ctx, guildID); err != nil {
			r.logger.Warn("orphaned guild config delete failed", zap.String("guild_id", guildID), zap.Error(err))
			continue
		}
		r.logger.Info("dropped config for departed guild", zap.String("guild_id", guildID))
	}
}

// OnMemberRejoin re-applies restrictive roles for every active punishment the
// rejoining member carries (roles are lost on leave) and re-seeds the expiry
// registry for the time-limited ones. Role failures are logged and skipped.
func (r *Reconciler) OnMemberRejoin(ctx context.Context, guildID, userID string) {
	now := r.clock.Now()
	records, err := r.store.ListActiveForUser(ctx, guildID, userID, now)
	if err != nil {
		r.logger.Warn("rejoin lookup failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}

	settings, err := r.store.GetGuildSettings(ctx, guildID, storage.GuildSettings{})
	if err != nil {
		r.logger.Warn("rejoin settings lookup failed", zap.String("guild_id", guildID), zap.Error(err))
		settings = storage.GuildSettings{GuildID: guildID}
	}

	for _, rec := range records {
		if err := r.reapply(ctx, rec, settings); err != nil {
			r.logger.Warn("rejoin role reapply failed",
				zap.String("guild_id", guildID),
				zap.String("user_id", userID),
				zap.String("action_id", rec.ActionID),
				zap.Error(err))
		} else {
			r.audit.Log(ctx, audit.LevelInfo, guildID, userID, "rejoin_restriction_reapplied", rec.ActionID)
		}
		if rec.Timed() {
			r.registry.Add(registry.FromRecord(rec))
		}
	}
}

func (r *Reconciler) reapply(ctx context.Context, rec punishment.Record, settings storage.GuildSettings) error {
	switch rec.Kind {
	case punishment.KindMute:
		roleID := settings.MutedRole
		if len(rec.RolesSnapshot) > 0 {
			roleID = rec.RolesSnapshot[0]
		}
		if roleID == "" {
			return nil
		}
		return r.roles.AddMemberRole(ctx, rec.GuildID, rec.Target.ID, roleID)
	case punishment.KindSuspend:
		if settings.SuspendedRole == "" {
			return nil
		}
		return r.roles.SetMemberRoles(ctx, rec.GuildID, rec.Target.ID, []string{settings.SuspendedRole})
	case punishment.KindSectionSuspend:
		// restriction is the absence of the section's verified role
		if len(rec.RolesSnapshot) == 0 {
			return nil
		}
		return r.roles.RemoveMemberRole(ctx, rec.GuildID, rec.Target.ID, rec.RolesSnapshot[0])
	case punishment.KindBlacklist, punishment.KindWarn:
		return nil
	}
	return nil
}
