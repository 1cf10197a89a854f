// Package scheduler runs the polling loop that resolves expired time-limited
// punishments. A single serialized pass walks the registry once per interval;
// there are no per-entry timers.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/internal/modules/audit"
	"warden/internal/punishment"
	"warden/internal/registry"
	"warden/internal/storage"
)

// ErrTargetGone is returned by Roles implementations when the guild or member
// can no longer be resolved. The entry is settled without a store write since
// there is no live state left to restore.
var ErrTargetGone = errors.New("guild or member no longer available")

const DefaultInterval = 60 * time.Second

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Roles mutates live guild role state. Every call is a fallible remote call.
type Roles interface {
	SetMemberRoles(ctx context.Context, guildID, userID string, roles []string) error
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

// Notifier announces an expiry to the guild's log channel and to the affected
// user. Both are best-effort; the scheduler discards the returned errors.
type Notifier interface {
	ExpiryNotice(ctx context.Context, rec punishment.Record) error
	ExpiryDM(ctx context.Context, rec punishment.Record) error
}

type Scheduler struct {
	store    *storage.Store
	registry *registry.Registry
	roles    Roles
	notifier Notifier
	audit    *audit.Logger
	logger   *zap.Logger
	clock    Clock
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

func New(store *storage.Store, reg *registry.Registry, roles Roles, notifier Notifier, auditLogger *audit.Logger, logger *zap.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    store,
		registry: reg,
		roles:    roles,
		notifier: notifier,
		audit:    auditLogger,
		logger:   logger,
		clock:    realClock{},
		interval: interval,
	}
}

// WithClock swaps the time source, for tests.
func (s *Scheduler) WithClock(clock Clock) {
	s.clock = clock
}

// Start launches the polling loop. It is a no-op when the loop is already
// running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.loop(s.stop)
}

// Stop asks the loop to exit. The request is cooperative: a pass in flight
// drains before the loop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
}

func (s *Scheduler) loop(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			s.RunPass(context.Background())
		}
	}
}

// RunPass walks a snapshot of the registry and settles every entry whose
// deadline has passed. Removals are batched after the walk so the registry is
// never mutated mid-iteration. Entries whose role restoration failed stay put
// and are retried on the next pass, without a ceiling.
func (s *Scheduler) RunPass(ctx context.Context) {
	now := s.clock.Now()
	var settled []string

	for _, entry := range s.registry.Entries() {
		if entry.EndsAt.After(now) {
			continue
		}
		if s.settleExpired(ctx, entry) {
			settled = append(settled, entry.Key())
		}
	}

	for _, key := range settled {
		s.registry.Remove(key)
	}
}

func (s *Scheduler) settleExpired(ctx context.Context, entry registry.Entry) bool {
	err := s.restoreRoles(ctx, entry)
	if errors.Is(err, ErrTargetGone) {
		s.logger.Info("expiry target gone, dropping entry",
			zap.String("guild_id", entry.GuildID),
			zap.String("user_id", entry.UserID),
			zap.String("action_id", entry.ActionID))
		return true
	}
	if err != nil {
		s.logger.Warn("role restoration failed, will retry next pass",
			zap.String("guild_id", entry.GuildID),
			zap.String("user_id", entry.UserID),
			zap.String("action_id", entry.ActionID),
			zap.Error(err))
		return false
	}

	now := s.clock.Now()
	res := punishment.Resolution{
		ActionID:   punishment.NewActionID(entry.Kind, now),
		Moderator:  punishment.Automatic,
		Reason:     "punishment duration elapsed",
		ResolvedAt: now,
	}
	if err := s.store.ResolvePunishment(ctx, entry.ActionID, res); err != nil {
		switch {
		case errors.Is(err, punishment.ErrAlreadyResolved):
			s.logger.Warn("record resolved concurrently", zap.String("action_id", entry.ActionID))
		case errors.Is(err, punishment.ErrNotFound):
			s.logger.Warn("record vanished before expiry resolution", zap.String("action_id", entry.ActionID))
		default:
			s.logger.Error("expiry store write failed", zap.String("action_id", entry.ActionID), zap.Error(err))
		}
	}

	s.audit.Log(ctx, audit.LevelInfo, entry.GuildID, entry.UserID, "punishment_expired", entry.ActionID)

	if rec, err := s.store.FindByActionID(ctx, entry.ActionID); err == nil {
		_ = s.notifier.ExpiryNotice(ctx, rec)
		_ = s.notifier.ExpiryDM(ctx, rec)
	}
	return true
}

// restoreRoles undoes the restrictive role state for one expired entry. The
// switch covers every Kind; kinds that are never registered settle with a
// warning so a bad entry cannot wedge the registry.
func (s *Scheduler) restoreRoles(ctx context.Context, entry registry.Entry) error {
	switch entry.Kind {
	case punishment.KindSuspend:
		return s.roles.SetMemberRoles(ctx, entry.GuildID, entry.UserID, entry.RolesToRestore)
	case punishment.KindSectionSuspend:
		if len(entry.RolesToRestore) == 0 {
			return nil
		}
		return s.roles.AddMemberRole(ctx, entry.GuildID, entry.UserID, entry.RolesToRestore[0])
	case punishment.KindMute:
		if len(entry.RolesToRestore) == 0 {
			return nil
		}
		return s.roles.RemoveMemberRole(ctx, entry.GuildID, entry.UserID, entry.RolesToRestore[0])
	case punishment.KindBlacklist, punishment.KindWarn:
		s.logger.Warn("untimed punishment kind found in registry", zap.String("kind", entry.Kind.String()), zap.String("action_id", entry.ActionID))
		return nil
	}
	return nil
}
