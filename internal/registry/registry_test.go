package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden/internal/punishment"
)

func TestAddIsIdempotent(t *testing.T) {
	reg := New()
	entry := Entry{GuildID: "g1", UserID: "u1", Kind: punishment.KindMute, EndsAt: time.Now()}

	require.True(t, reg.Add(entry))
	require.False(t, reg.Add(entry))
	require.Equal(t, 1, reg.Len())
}

func TestKeyIncludesKindAndSection(t *testing.T) {
	plain := Entry{GuildID: "g1", UserID: "u1", Kind: punishment.KindMute}
	scoped := Entry{GuildID: "g1", UserID: "u1", Kind: punishment.KindSectionSuspend, SectionID: "events"}

	require.Equal(t, "g1_u1_Mute", plain.Key())
	require.Equal(t, "g1_u1_SectionSuspend_events", scoped.Key())

	reg := New()
	require.True(t, reg.Add(plain))
	require.True(t, reg.Add(scoped))
	require.Equal(t, 2, reg.Len())
}

func TestConcurrentKindsForOneUserAreTrackedSeparately(t *testing.T) {
	reg := New()
	now := time.Now()
	mute := Entry{GuildID: "g1", UserID: "u1", Kind: punishment.KindMute, EndsAt: now.Add(time.Hour)}
	suspend := Entry{GuildID: "g1", UserID: "u1", Kind: punishment.KindSuspend, EndsAt: now.Add(2 * time.Hour)}

	require.True(t, reg.Add(mute))
	require.True(t, reg.Add(suspend))
	require.Equal(t, 2, reg.Len())

	// lifting one kind must leave the other's expiry alone
	require.True(t, reg.Remove(mute.Key()))
	require.True(t, reg.Contains(suspend.Key()))
	require.Equal(t, 1, reg.Len())
}

func TestRemove(t *testing.T) {
	reg := New()
	entry := Entry{GuildID: "g1", UserID: "u1"}
	reg.Add(entry)

	require.True(t, reg.Remove(entry.Key()))
	require.False(t, reg.Remove(entry.Key()))
	require.False(t, reg.Contains(entry.Key()))
}

func TestEntriesSnapshotOrderAndIsolation(t *testing.T) {
	reg := New()
	first := Entry{GuildID: "g1", UserID: "u1"}
	second := Entry{GuildID: "g1", UserID: "u2"}
	third := Entry{GuildID: "g2", UserID: "u1"}
	reg.Add(first)
	reg.Add(second)
	reg.Add(third)

	snapshot := reg.Entries()
	require.Len(t, snapshot, 3)
	require.Equal(t, "u1", snapshot[0].UserID)
	require.Equal(t, "u2", snapshot[1].UserID)
	require.Equal(t, "g2", snapshot[2].GuildID)

	// removal during iteration must not disturb the snapshot
	for _, entry := range snapshot {
		reg.Remove(entry.Key())
	}
	require.Len(t, snapshot, 3)
	require.Equal(t, 0, reg.Len())
}

func TestFromRecordCarriesSnapshot(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	rec := punishment.NewRecord(punishment.KindSuspend, "g1",
		punishment.Actor{ID: "u1"}, punishment.Actor{ID: "m1"}, "alt", time.Hour, now)
	rec.RolesSnapshot = []string{"r1", "r2"}
	rec.Nickname = "alice"

	entry := FromRecord(rec)
	require.Equal(t, rec.ActionID, entry.ActionID)
	require.Equal(t, rec.ExpiresAt, entry.EndsAt)
	require.Equal(t, []string{"r1", "r2"}, entry.RolesToRestore)
	require.Equal(t, "alice", entry.Nickname)
}
