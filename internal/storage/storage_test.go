package storage

import (
	"context"
	"errors"
	"testing"
)

func TestUpsertGuildSettings(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	settings := GuildSettings{
		GuildID:       "g1",
		LogChannel:    "c1",
		MutedRole:     "r-muted",
		SuspendedRole: "r-suspended",
	}

	if err := store.UpsertGuildSettings(context.Background(), settings); err != nil {
		t.Fatalf("upsert guild settings: %v", err)
	}

	settings.LogChannel = "c2"
	if err := store.UpsertGuildSettings(context.Background(), settings); err != nil {
		t.Fatalf("update guild settings: %v", err)
	}

	got, err := store.GetGuildSettings(context.Background(), "g1", GuildSettings{})
	if err != nil {
		t.Fatalf("get guild settings: %v", err)
	}
	if got.LogChannel != "c2" {
		t.Fatalf("expected channel c2, got %q", got.LogChannel)
	}
	if got.MutedRole != "r-muted" {
		t.Fatalf("expected muted role r-muted, got %q", got.MutedRole)
	}
}

func TestGuildSettingsDefaults(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	got, err := store.GetGuildSettings(context.Background(), "missing", GuildSettings{LogChannel: "fallback"})
	if err != nil {
		t.Fatalf("get guild settings: %v", err)
	}
	if got.LogChannel != "fallback" {
		t.Fatalf("expected fallback channel, got %q", got.LogChannel)
	}
	if got.GuildID != "missing" {
		t.Fatalf("expected guild id carried, got %q", got.GuildID)
	}
}

func TestSectionRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	section := Section{GuildID: "g1", SectionID: "veteran", Name: "Veteran", VerifiedRole: "r-vet"}
	if err := store.UpsertSection(ctx, section); err != nil {
		t.Fatalf("upsert section: %v", err)
	}

	got, err := store.GetSection(ctx, "g1", "veteran")
	if err != nil {
		t.Fatalf("get section: %v", err)
	}
	if got.VerifiedRole != "r-vet" {
		t.Fatalf("expected verified role r-vet, got %q", got.VerifiedRole)
	}

	sections, err := store.ListSections(ctx, "g1")
	if err != nil {
		t.Fatalf("list sections: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}

	if err := store.RemoveSection(ctx, "g1", "veteran"); err != nil {
		t.Fatalf("remove section: %v", err)
	}
	sections, err = store.ListSections(ctx, "g1")
	if err != nil {
		t.Fatalf("list sections: %v", err)
	}
	if len(sections) != 0 {
		t.Fatalf("expected no sections, got %d", len(sections))
	}
}

func TestGetSectionUnknownID(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	_, err = store.GetSection(context.Background(), "g1", "does-not-exist")
	if !errors.Is(err, ErrNoSection) {
		t.Fatalf("expected ErrNoSection, got %v", err)
	}
}

func TestDeleteGuildConfig(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	if err := store.UpsertGuildSettings(ctx, GuildSettings{GuildID: "g1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertGuildSettings(ctx, GuildSettings{GuildID: "g2"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := store.DeleteGuildConfig(ctx, "g1"); err != nil {
		t.Fatalf("delete guild config: %v", err)
	}

	guilds, err := store.ListConfiguredGuilds(ctx)
	if err != nil {
		t.Fatalf("list configured guilds: %v", err)
	}
	if len(guilds) != 1 || guilds[0] != "g2" {
		t.Fatalf("expected only g2 configured, got %v", guilds)
	}
}
