package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden/internal/punishment"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())
	return store
}

func TestCreateAndFindPunishment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	issued := time.UnixMilli(1700000000000)
	rec := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u1", Name: "alice", Tag: "alice#0"},
		punishment.Actor{ID: "m1", Name: "mod", Tag: "mod#0"},
		"spamming", time.Hour, issued)
	rec.Evidence = []string{"https://example.com/msg/1"}
	rec.RolesSnapshot = []string{"r1", "r2"}

	require.NoError(t, store.CreatePunishment(ctx, rec))

	got, err := store.FindByActionID(ctx, rec.ActionID)
	require.NoError(t, err)
	require.Equal(t, rec.ActionID, got.ActionID)
	require.Equal(t, punishment.KindMute, got.Kind)
	require.Equal(t, rec.Target, got.Target)
	require.Equal(t, []string{"https://example.com/msg/1"}, got.Evidence)
	require.Equal(t, []string{"r1", "r2"}, got.RolesSnapshot)
	require.Equal(t, issued.Add(time.Hour).UnixMilli(), got.ExpiresAt.UnixMilli())
	require.Nil(t, got.Resolution)
}

func TestDuplicateActiveRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := punishment.NewRecord(punishment.KindSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "alt", punishment.Indefinite, now)
	require.NoError(t, store.CreatePunishment(ctx, first))

	second := punishment.NewRecord(punishment.KindSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m2"}, "again", punishment.Indefinite, now.Add(time.Minute))
	err := store.CreatePunishment(ctx, second)
	require.ErrorIs(t, err, punishment.ErrDuplicateActive)

	active, err := store.ListActive(ctx, "g1", punishment.KindSuspend, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, first.ActionID, active[0].ActionID)
}

func TestDuplicateCheckScopedBySection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	main := punishment.NewRecord(punishment.KindSectionSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "trolling", time.Hour, now)
	main.SectionID = "events"
	require.NoError(t, store.CreatePunishment(ctx, main))

	other := punishment.NewRecord(punishment.KindSectionSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "trolling", time.Hour, now)
	other.SectionID = "trading"
	require.NoError(t, store.CreatePunishment(ctx, other))

	same := punishment.NewRecord(punishment.KindSectionSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "trolling", time.Hour, now)
	same.SectionID = "events"
	require.ErrorIs(t, store.CreatePunishment(ctx, same), punishment.ErrDuplicateActive)
}

func TestExpiredRecordDoesNotBlockNewOne(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.UnixMilli(0)

	old := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "spam", time.Second, start)
	require.NoError(t, store.CreatePunishment(ctx, old))

	fresh := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "spam again", time.Second, start.Add(time.Second))
	require.NoError(t, store.CreatePunishment(ctx, fresh))
}

func TestResolveOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "spam", time.Hour, now)
	require.NoError(t, store.CreatePunishment(ctx, rec))

	res := punishment.Resolution{
		ActionID:   punishment.NewActionID(punishment.KindMute, now.Add(time.Minute)),
		Moderator:  punishment.Actor{ID: "m2", Name: "other mod"},
		Reason:     "appealed",
		ResolvedAt: now.Add(time.Minute),
	}
	require.NoError(t, store.ResolvePunishment(ctx, rec.ActionID, res))

	got, err := store.FindByActionID(ctx, rec.ActionID)
	require.NoError(t, err)
	require.NotNil(t, got.Resolution)
	require.Equal(t, "appealed", got.Resolution.Reason)

	again := punishment.Resolution{
		ActionID:   punishment.NewActionID(punishment.KindMute, now.Add(2*time.Minute)),
		Moderator:  punishment.Actor{ID: "m3"},
		Reason:     "second attempt",
		ResolvedAt: now.Add(2 * time.Minute),
	}
	require.ErrorIs(t, store.ResolvePunishment(ctx, rec.ActionID, again), punishment.ErrAlreadyResolved)

	// the original resolution payload must be untouched
	got, err = store.FindByActionID(ctx, rec.ActionID)
	require.NoError(t, err)
	require.Equal(t, "appealed", got.Resolution.Reason)
	require.Equal(t, "m2", got.Resolution.Moderator.ID)
}

func TestResolveUnknownActionID(t *testing.T) {
	store := newTestStore(t)
	err := store.ResolvePunishment(context.Background(), "Mute_0_deadbeef", punishment.Resolution{})
	require.ErrorIs(t, err, punishment.ErrNotFound)
}

func TestFindByResolutionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := punishment.NewRecord(punishment.KindWarn, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "language", punishment.Indefinite, now)
	require.NoError(t, store.CreatePunishment(ctx, rec))

	res := punishment.Resolution{
		ActionID:   punishment.NewActionID(punishment.KindWarn, now),
		Moderator:  punishment.Actor{ID: "m1"},
		Reason:     "withdrawn",
		ResolvedAt: now,
	}
	require.NoError(t, store.ResolvePunishment(ctx, rec.ActionID, res))

	got, err := store.FindByActionID(ctx, res.ActionID)
	require.NoError(t, err)
	require.Equal(t, rec.ActionID, got.ActionID)
}

func TestListActiveTimedSkipsIndefinite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	timed := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "spam", time.Hour, now)
	require.NoError(t, store.CreatePunishment(ctx, timed))

	forever := punishment.NewRecord(punishment.KindSuspend, "g1",
		punishment.Actor{ID: "u2"}, punishment.Actor{ID: "m1"}, "ban evasion", punishment.Indefinite, now)
	require.NoError(t, store.CreatePunishment(ctx, forever))

	records, err := store.ListActiveTimed(ctx, "g1", now)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, timed.ActionID, records[0].ActionID)
}

func TestUserHistoryMirror(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1", Name: "mod"}, "spam", time.Hour, now)
	require.NoError(t, store.CreatePunishment(ctx, rec))
	require.NoError(t, store.ResolvePunishment(ctx, rec.ActionID, punishment.Resolution{
		ActionID:   punishment.NewActionID(punishment.KindMute, now),
		Moderator:  punishment.Automatic,
		Reason:     "duration elapsed",
		ResolvedAt: now.Add(time.Hour),
	}))

	history, err := store.ListUserHistory(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "resolved", history[0].Event)
	require.Equal(t, "issued", history[1].Event)
	require.Equal(t, punishment.KindMute, history[0].Kind)
}

func TestListActiveForUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mute := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "spam", time.Hour, now)
	require.NoError(t, store.CreatePunishment(ctx, mute))

	section := punishment.NewRecord(punishment.KindSectionSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "trolling", punishment.Indefinite, now)
	section.SectionID = "events"
	require.NoError(t, store.CreatePunishment(ctx, section))

	other := punishment.NewRecord(punishment.KindMute, "g1",
		punishment.Actor{ID: "u2"}, punishment.Actor{ID: "m1"}, "spam", time.Hour, now)
	require.NoError(t, store.CreatePunishment(ctx, other))

	records, err := store.ListActiveForUser(ctx, "g1", "u1", now)
	require.NoError(t, err)
	require.Len(t, records, 2)
}
