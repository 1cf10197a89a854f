package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/internal/modules/audit"
	"warden/internal/punishment"
	"warden/internal/registry"
	"warden/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

type roleCall struct {
	op      string
	guildID string
	userID  string
	roles   []string
}

type fakeRoles struct {
	calls []roleCall
	fail  []error // shifted per call; nil entry means success
}

func (f *fakeRoles) nextErr() error {
	if len(f.fail) == 0 {
		return nil
	}
	err := f.fail[0]
	f.fail = f.fail[1:]
	return err
}

func (f *fakeRoles) SetMemberRoles(_ context.Context, guildID, userID string, roles []string) error {
	f.calls = append(f.calls, roleCall{op: "set", guildID: guildID, userID: userID, roles: roles})
	return f.nextErr()
}

func (f *fakeRoles) AddMemberRole(_ context.Context, guildID, userID, roleID string) error {
	f.calls = append(f.calls, roleCall{op: "add", guildID: guildID, userID: userID, roles: []string{roleID}})
	return f.nextErr()
}

func (f *fakeRoles) RemoveMemberRole(_ context.Context, guildID, userID, roleID string) error {
	f.calls = append(f.calls, roleCall{op: "remove", guildID: guildID, userID: userID, roles: []string{roleID}})
	return f.nextErr()
}

type fakeNotifier struct {
	notices int
	dms     int
}

func (f *fakeNotifier) ExpiryNotice(context.Context, punishment.Record) error {
	f.notices++
	return nil
}

func (f *fakeNotifier) ExpiryDM(context.Context, punishment.Record) error {
	f.dms++
	return errors.New("dms closed") // scheduler must ignore this
}

func newFixture(t *testing.T) (*Scheduler, *storage.Store, *registry.Registry, *fakeRoles, *fakeNotifier, *fakeClock) {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())

	reg := registry.New()
	roles := &fakeRoles{}
	notifier := &fakeNotifier{}
	clock := &fakeClock{now: time.UnixMilli(0)}
	auditLogger := audit.NewLogger(store, zap.NewNop())

	sched := New(store, reg, roles, notifier, auditLogger, zap.NewNop(), time.Minute)
	sched.WithClock(clock)
	return sched, store, reg, roles, notifier, clock
}

func issueMute(t *testing.T, store *storage.Store, reg *registry.Registry, at time.Time, duration time.Duration) punishment.Record {
	t.Helper()
	rec := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u1", Name: "alice"}, punishment.Actor{ID: "m1", Name: "mod"},
		"spamming", duration, at)
	rec.RolesSnapshot = []string{"r-muted"}
	require.NoError(t, store.CreatePunishment(context.Background(), rec))
	require.True(t, reg.Add(registry.FromRecord(rec)))
	return rec
}

func TestIssueThenExpire(t *testing.T) {
	sched, store, reg, roles, notifier, clock := newFixture(t)
	ctx := context.Background()

	rec := issueMute(t, store, reg, clock.Now(), time.Second)

	clock.Advance(time.Second)
	sched.RunPass(ctx)

	got, err := store.FindByActionID(ctx, rec.ActionID)
	require.NoError(t, err)
	require.NotNil(t, got.Resolution)
	require.Equal(t, punishment.Automatic.Name, got.Resolution.Moderator.Name)

	require.Equal(t, 0, reg.Len())
	require.Len(t, roles.calls, 1)
	require.Equal(t, "remove", roles.calls[0].op)
	require.Equal(t, []string{"r-muted"}, roles.calls[0].roles)
	require.Equal(t, 1, notifier.notices)
	require.Equal(t, 1, notifier.dms)
}

func TestUnexpiredEntriesUntouched(t *testing.T) {
	sched, store, reg, roles, _, clock := newFixture(t)

	issueMute(t, store, reg, clock.Now(), time.Hour)

	clock.Advance(time.Minute)
	sched.RunPass(context.Background())

	require.Equal(t, 1, reg.Len())
	require.Empty(t, roles.calls)
}

func TestRoleFailureRetriedNextPass(t *testing.T) {
	sched, store, reg, roles, _, clock := newFixture(t)
	ctx := context.Background()

	rec := issueMute(t, store, reg, clock.Now(), time.Second)
	roles.fail = []error{errors.New("missing permissions"), nil}

	clock.Advance(time.Second)
	sched.RunPass(ctx)

	// first pass: role mutation failed, entry retained, store untouched
	require.Equal(t, 1, reg.Len())
	got, err := store.FindByActionID(ctx, rec.ActionID)
	require.NoError(t, err)
	require.Nil(t, got.Resolution)

	sched.RunPass(ctx)

	require.Equal(t, 0, reg.Len())
	got, err = store.FindByActionID(ctx, rec.ActionID)
	require.NoError(t, err)
	require.NotNil(t, got.Resolution)
	require.Len(t, roles.calls, 2)
}

func TestTargetGoneDropsEntryWithoutStoreWrite(t *testing.T) {
	sched, store, reg, roles, notifier, clock := newFixture(t)
	ctx := context.Background()

	rec := issueMute(t, store, reg, clock.Now(), time.Second)
	roles.fail = []error{ErrTargetGone}

	clock.Advance(time.Second)
	sched.RunPass(ctx)

	require.Equal(t, 0, reg.Len())
	got, err := store.FindByActionID(ctx, rec.ActionID)
	require.NoError(t, err)
	require.Nil(t, got.Resolution)
	require.Equal(t, 0, notifier.notices)
}

func TestSuspendExpiryRestoresSnapshot(t *testing.T) {
	sched, store, reg, roles, _, clock := newFixture(t)
	ctx := context.Background()

	rec := punishment.NewRecord(punishment.KindSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "alt", time.Second, clock.Now())
	rec.RolesSnapshot = []string{"r1", "r2", "r3"}
	require.NoError(t, store.CreatePunishment(ctx, rec))
	reg.Add(registry.FromRecord(rec))

	clock.Advance(2 * time.Second)
	sched.RunPass(ctx)

	require.Len(t, roles.calls, 1)
	require.Equal(t, "set", roles.calls[0].op)
	require.Equal(t, []string{"r1", "r2", "r3"}, roles.calls[0].roles)
}

func TestSectionExpiryReaddsVerifiedRole(t *testing.T) {
	sched, store, reg, roles, _, clock := newFixture(t)
	ctx := context.Background()

	rec := punishment.NewRecord(punishment.KindSectionSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "trolling", time.Second, clock.Now())
	rec.SectionID = "events"
	rec.RolesSnapshot = []string{"r-verified"}
	require.NoError(t, store.CreatePunishment(ctx, rec))
	reg.Add(registry.FromRecord(rec))

	clock.Advance(time.Second)
	sched.RunPass(ctx)

	require.Len(t, roles.calls, 1)
	require.Equal(t, "add", roles.calls[0].op)
	require.Equal(t, []string{"r-verified"}, roles.calls[0].roles)
}

func TestManualResolutionBeforeExpiry(t *testing.T) {
	sched, store, reg, roles, _, clock := newFixture(t)
	ctx := context.Background()

	rec := issueMute(t, store, reg, clock.Now(), time.Second)

	// a moderator lifts the mute and removes the registry entry first
	require.NoError(t, store.ResolvePunishment(ctx, rec.ActionID, punishment.Resolution{
		ActionID:   punishment.NewActionID(punishment.KindMute, clock.Now()),
		Moderator:  punishment.Actor{ID: "m2"},
		Reason:     "appealed",
		ResolvedAt: clock.Now(),
	}))
	reg.Remove(registry.FromRecord(rec).Key())

	clock.Advance(time.Second)
	sched.RunPass(ctx)

	require.Empty(t, roles.calls)
	got, err := store.FindByActionID(ctx, rec.ActionID)
	require.NoError(t, err)
	require.Equal(t, "appealed", got.Resolution.Reason)
}

func TestStartStopIdempotent(t *testing.T) {
	sched, _, _, _, _, _ := newFixture(t)

	sched.Start()
	sched.Start() // second start is a no-op
	sched.Stop()
	sched.Stop() // second stop is a no-op
}
