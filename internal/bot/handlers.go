package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"warden/internal/modules/audit"
	"warden/internal/punishment"
	"warden/internal/registry"
	"warden/internal/storage"
	"warden/internal/utils"
)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}

	ctx := context.Background()
	data := interaction.ApplicationCommandData()

	if interaction.GuildID == "" {
		b.respondEmbed(session, interaction, b.commandEmbed("Moderation", "This command only works inside a guild.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}
	if !b.memberIsModerator(interaction.GuildID, interaction.Member) {
		b.respondEmbed(session, interaction, b.commandEmbed("Moderation", "You need the Manage Roles permission to use this.", b.cfg.Notifications.EmbedColors.Error, nil), true)
		return
	}

	switch data.Name {
	case "mute":
		b.handleIssue(ctx, session, interaction, punishment.KindMute, data.Options)
	case "suspend":
		b.handleIssue(ctx, session, interaction, punishment.KindSuspend, data.Options)
	case "blacklist":
		b.handleIssue(ctx, session, interaction, punishment.KindBlacklist, data.Options)
	case "warn":
		b.handleIssue(ctx, session, interaction, punishment.KindWarn, data.Options)
	case "unmute":
		b.handleResolve(ctx, session, interaction, punishment.KindMute, "", data.Options)
	case "unsuspend":
		b.handleResolve(ctx, session, interaction, punishment.KindSuspend, "", data.Options)
	case "sectionsuspend":
		if len(data.Options) == 0 {
			return
		}
		sub := data.Options[0]
		opts := optionMap(sub.Options)
		sectionID := stringOption(opts, "section")
		switch sub.Name {
		case "issue":
			b.handleIssue(ctx, session, interaction, punishment.KindSectionSuspend, sub.Options)
		case "lift":
			b.handleResolve(ctx, session, interaction, punishment.KindSectionSuspend, sectionID, sub.Options)
		}
	case "case":
		b.handleCase(ctx, session, interaction, data.Options)
	case "history":
		b.handleHistory(ctx, session, interaction, data.Options)
	case "modconfig":
		b.handleModConfig(ctx, session, interaction, data.Options)
	case "status":
		b.handleStatus(ctx, session, interaction)
	}
}

func (b *Bot) handleIssue(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, kind punishment.Kind, options []*discordgo.ApplicationCommandInteractionDataOption) {
	opts := optionMap(options)
	user := userOption(opts, "user", session)
	if user == nil {
		b.respondError(session, interaction, "Could not resolve the target user.")
		return
	}

	duration := punishment.Indefinite
	if kind.Timed() {
		parsed, err := utils.ParseDuration(stringOption(opts, "duration"))
		if err != nil {
			b.respondError(session, interaction, fmt.Sprintf("Bad duration: %v", err))
			return
		}
		duration = parsed
	}

	settings := b.guildSettings(ctx, interaction.GuildID)
	var section storage.Section
	if kind == punishment.KindSectionSuspend {
		found, err := b.store.GetSection(ctx, interaction.GuildID, stringOption(opts, "section"))
		if errors.Is(err, storage.ErrNoSection) {
			b.respondError(session, interaction, "Unknown section. Register it with /modconfig section-add first.")
			return
		}
		if err != nil {
			b.logger.Error("section lookup failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
			b.respondError(session, interaction, "Could not look up the section.")
			return
		}
		section = found
	}

	now := time.Now()
	rec := punishment.NewRecord(kind, interaction.GuildID, actorFromUser(user), actorFromUser(interaction.Member.User), stringOption(opts, "reason"), duration, now)
	rec.SectionID = section.SectionID
	if evidence := stringOption(opts, "evidence"); evidence != "" {
		rec.Evidence = strings.Fields(evidence)
	}

	member := b.memberForUser(interaction.GuildID, user.ID)
	switch kind {
	case punishment.KindMute:
		if settings.MutedRole == "" {
			b.respondError(session, interaction, "No muted role configured. Set one with /modconfig set.")
			return
		}
		rec.RolesSnapshot = []string{settings.MutedRole}
	case punishment.KindSuspend:
		if settings.SuspendedRole == "" {
			b.respondError(session, interaction, "No suspended role configured. Set one with /modconfig set.")
			return
		}
		if member == nil {
			b.respondError(session, interaction, "That user is not a member of this guild.")
			return
		}
		rec.RolesSnapshot = append([]string(nil), member.Roles...)
		rec.Nickname = member.Nick
	case punishment.KindSectionSuspend:
		rec.RolesSnapshot = []string{section.VerifiedRole}
	}

	if err := b.store.CreatePunishment(ctx, rec); err != nil {
		if errors.Is(err, punishment.ErrDuplicateActive) {
			b.respondError(session, interaction, fmt.Sprintf("%s already has an active %s.", mention(user.ID), kind))
			return
		}
		b.logger.Error("punishment insert failed", zap.String("action_id", rec.ActionID), zap.Error(err))
		b.respondError(session, interaction, "Could not record the punishment.")
		return
	}

	applyErr := b.applyRestriction(ctx, rec, settings, section)
	if applyErr != nil {
		b.logger.Warn("restriction apply failed",
			zap.String("action_id", rec.ActionID),
			zap.String("user_id", user.ID),
			zap.Error(applyErr))
	}

	if rec.Timed() {
		b.registry.Add(registry.FromRecord(rec))
	}

	b.audit.Log(ctx, audit.LevelInfo, rec.GuildID, rec.Target.ID, "punishment_issued",
		fmt.Sprintf("%s %s", rec.ActionID, rec.Reason))

	b.dmUser(user.ID, b.buildIssueDMEmbed(rec))

	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: mention(user.ID), Inline: true},
		{Name: "Duration", Value: utils.FormatDuration(rec.Duration), Inline: true},
		{Name: "Action ID", Value: rec.ActionID, Inline: false},
		{Name: "Reason", Value: orDash(rec.Reason), Inline: false},
	}
	if rec.SectionID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Section", Value: section.Name, Inline: true})
	}
	description := ""
	if applyErr != nil {
		description = "Recorded, but the role change failed. It will be retried on expiry; check my role permissions."
	}
	b.respondEmbed(session, interaction, b.commandEmbed(fmt.Sprintf("%s issued", rec.Kind), description, b.cfg.Notifications.EmbedColors.Action, fields), false)
}

// applyRestriction performs the Discord-side effect of a fresh punishment.
// The record is already persisted; a failure here leaves the record standing.
func (b *Bot) applyRestriction(ctx context.Context, rec punishment.Record, settings storage.GuildSettings, section storage.Section) error {
	switch rec.Kind {
	case punishment.KindMute:
		return b.roles.AddMemberRole(ctx, rec.GuildID, rec.Target.ID, settings.MutedRole)
	case punishment.KindSuspend:
		return b.roles.SetMemberRoles(ctx, rec.GuildID, rec.Target.ID, []string{settings.SuspendedRole})
	case punishment.KindSectionSuspend:
		return b.roles.RemoveMemberRole(ctx, rec.GuildID, rec.Target.ID, section.VerifiedRole)
	case punishment.KindBlacklist:
		return b.session.GuildBanCreateWithReason(rec.GuildID, rec.Target.ID, rec.Reason, 0)
	case punishment.KindWarn:
		return nil
	}
	return nil
}

func (b *Bot) handleResolve(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, kind punishment.Kind, sectionID string, options []*discordgo.ApplicationCommandInteractionDataOption) {
	opts := optionMap(options)
	user := userOption(opts, "user", session)
	if user == nil {
		b.respondError(session, interaction, "Could not resolve the target user.")
		return
	}

	active, err := b.store.ListActiveForUser(ctx, interaction.GuildID, user.ID, time.Now())
	if err != nil {
		b.logger.Error("active lookup failed", zap.String("user_id", user.ID), zap.Error(err))
		b.respondError(session, interaction, "Could not look up active punishments.")
		return
	}
	var rec punishment.Record
	found := false
	for _, candidate := range active {
		if candidate.Kind == kind && candidate.SectionID == sectionID {
			rec = candidate
			found = true
			break
		}
	}
	if !found {
		b.respondError(session, interaction, fmt.Sprintf("%s has no active %s.", mention(user.ID), kind))
		return
	}

	now := time.Now()
	res := punishment.Resolution{
		ActionID:   punishment.NewActionID(kind, now),
		Moderator:  actorFromUser(interaction.Member.User),
		Reason:     stringOption(opts, "reason"),
		ResolvedAt: now,
	}
	if err := b.store.ResolvePunishment(ctx, rec.ActionID, res); err != nil {
		if errors.Is(err, punishment.ErrAlreadyResolved) {
			b.respondError(session, interaction, "That punishment was already resolved.")
			return
		}
		b.logger.Error("resolution failed", zap.String("action_id", rec.ActionID), zap.Error(err))
		b.respondError(session, interaction, "Could not resolve the punishment.")
		return
	}

	if err := b.undoRestriction(ctx, rec); err != nil {
		b.logger.Warn("role restoration on manual lift failed",
			zap.String("action_id", rec.ActionID),
			zap.Error(err))
	}
	b.registry.Remove(registry.FromRecord(rec).Key())

	b.audit.Log(ctx, audit.LevelInfo, rec.GuildID, rec.Target.ID, "punishment_resolved",
		fmt.Sprintf("%s lifted by %s", rec.ActionID, res.Moderator.Tag))

	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: mention(user.ID), Inline: true},
		{Name: "Action ID", Value: rec.ActionID, Inline: false},
		{Name: "Resolution ID", Value: res.ActionID, Inline: false},
	}
	b.respondEmbed(session, interaction, b.commandEmbed(fmt.Sprintf("%s lifted", rec.Kind), "", b.cfg.Notifications.EmbedColors.Action, fields), false)
}

// undoRestriction mirrors the scheduler's expiry role handling for manual
// lifts, restoring from the record's snapshot.
func (b *Bot) undoRestriction(ctx context.Context, rec punishment.Record) error {
	switch rec.Kind {
	case punishment.KindMute:
		if len(rec.RolesSnapshot) == 0 {
			return nil
		}
		return b.roles.RemoveMemberRole(ctx, rec.GuildID, rec.Target.ID, rec.RolesSnapshot[0])
	case punishment.KindSuspend:
		return b.roles.SetMemberRoles(ctx, rec.GuildID, rec.Target.ID, rec.RolesSnapshot)
	case punishment.KindSectionSuspend:
		if len(rec.RolesSnapshot) == 0 {
			return nil
		}
		return b.roles.AddMemberRole(ctx, rec.GuildID, rec.Target.ID, rec.RolesSnapshot[0])
	}
	return nil
}

func (b *Bot) handleCase(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	opts := optionMap(options)
	actionID := stringOption(opts, "id")

	rec, err := b.store.FindByActionID(ctx, actionID)
	if err != nil {
		if errors.Is(err, punishment.ErrNotFound) {
			b.respondError(session, interaction, "This action id does not exist.")
			return
		}
		b.logger.Error("case lookup failed", zap.String("action_id", actionID), zap.Error(err))
		b.respondError(session, interaction, "Could not look up that case.")
		return
	}
	if rec.GuildID != interaction.GuildID {
		b.respondError(session, interaction, "This action id does not exist.")
		return
	}

	status := "Active"
	if rec.Resolution != nil {
		status = "Resolved"
	} else if rec.Timed() && !time.Now().Before(rec.ExpiresAt) {
		status = "Expired"
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Kind", Value: rec.Kind.String(), Inline: true},
		{Name: "Status", Value: status, Inline: true},
		{Name: "User", Value: fmt.Sprintf("%s (%s)", rec.Target.Tag, mention(rec.Target.ID)), Inline: false},
		{Name: "Moderator", Value: rec.Moderator.Tag, Inline: true},
		{Name: "Issued", Value: rec.IssuedAt.UTC().Format(time.RFC1123), Inline: true},
		{Name: "Duration", Value: utils.FormatDuration(rec.Duration), Inline: true},
		{Name: "Reason", Value: orDash(rec.Reason), Inline: false},
	}
	if rec.SectionID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Section", Value: rec.SectionID, Inline: true})
	}
	if len(rec.Evidence) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Evidence", Value: strings.Join(rec.Evidence, "\n"), Inline: false})
	}
	if rec.Resolution != nil {
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Resolved by", Value: rec.Resolution.Moderator.Tag, Inline: true},
			&discordgo.MessageEmbedField{Name: "Resolved at", Value: rec.Resolution.ResolvedAt.UTC().Format(time.RFC1123), Inline: true},
			&discordgo.MessageEmbedField{Name: "Resolution reason", Value: orDash(rec.Resolution.Reason), Inline: false},
		)
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Case "+rec.ActionID, "", b.cfg.Notifications.EmbedColors.Action, fields), true)
}

func (b *Bot) handleHistory(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	opts := optionMap(options)
	user := userOption(opts, "user", session)
	if user == nil {
		b.respondError(session, interaction, "Could not resolve the target user.")
		return
	}
	page := int(intOption(opts, "page", 1))
	if page < 1 {
		page = 1
	}
	pageSize := b.cfg.HistoryPageSize

	entries, err := b.store.ListUserHistory(ctx, interaction.GuildID, user.ID, page*pageSize)
	if err != nil {
		b.logger.Error("history lookup failed", zap.String("user_id", user.ID), zap.Error(err))
		b.respondError(session, interaction, "Could not load the history.")
		return
	}

	start := (page - 1) * pageSize
	if start >= len(entries) {
		b.respondEmbed(session, interaction, b.commandEmbed(
			fmt.Sprintf("History for %s", user.Username),
			"Nothing on this page.", b.cfg.Notifications.EmbedColors.Action, nil), true)
		return
	}
	pageEntries := entries[start:]
	if len(pageEntries) > pageSize {
		pageEntries = pageEntries[:pageSize]
	}

	var lines []string
	for _, entry := range pageEntries {
		line := fmt.Sprintf("`%s` **%s** %s by %s", entry.CreatedAt.UTC().Format("2006-01-02 15:04"), entry.Kind, entry.Event, entry.ModeratorName)
		if entry.Reason != "" {
			line += " — " + entry.Reason
		}
		lines = append(lines, line)
	}
	b.respondEmbed(session, interaction, b.commandEmbed(
		fmt.Sprintf("History for %s (page %d)", user.Username, page),
		strings.Join(lines, "\n"), b.cfg.Notifications.EmbedColors.Action, nil), true)
}

func (b *Bot) handleModConfig(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		return
	}
	sub := options[0]
	opts := optionMap(sub.Options)
	settings := b.guildSettings(ctx, interaction.GuildID)
	settings.GuildID = interaction.GuildID

	switch sub.Name {
	case "show":
		sections, err := b.store.ListSections(ctx, interaction.GuildID)
		if err != nil {
			b.logger.Error("section list failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		}
		var sectionLines []string
		for _, section := range sections {
			sectionLines = append(sectionLines, fmt.Sprintf("`%s` %s → <@&%s>", section.SectionID, section.Name, section.VerifiedRole))
		}
		if len(sectionLines) == 0 {
			sectionLines = []string{"none"}
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "Log channel", Value: orDash(channelMention(settings.LogChannel)), Inline: true},
			{Name: "Muted role", Value: orDash(roleMention(settings.MutedRole)), Inline: true},
			{Name: "Suspended role", Value: orDash(roleMention(settings.SuspendedRole)), Inline: true},
			{Name: "Sections", Value: strings.Join(sectionLines, "\n"), Inline: false},
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Moderation config", "", b.cfg.Notifications.EmbedColors.Action, fields), true)

	case "set":
		if opt, ok := opts["logchannel"]; ok {
			settings.LogChannel = opt.ChannelValue(session).ID
		}
		if opt, ok := opts["mutedrole"]; ok {
			settings.MutedRole = opt.RoleValue(session, interaction.GuildID).ID
		}
		if opt, ok := opts["suspendedrole"]; ok {
			settings.SuspendedRole = opt.RoleValue(session, interaction.GuildID).ID
		}
		if err := b.saveGuildSettings(ctx, settings); err != nil {
			b.logger.Error("settings save failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
			b.respondError(session, interaction, "Could not save the configuration.")
			return
		}
		b.audit.Log(ctx, audit.LevelInfo, interaction.GuildID, "", "config_updated", "guild settings changed")
		b.respondEmbed(session, interaction, b.commandEmbed("Moderation config", "Configuration saved.", b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "section-add":
		section := storage.Section{
			GuildID:      interaction.GuildID,
			SectionID:    stringOption(opts, "id"),
			Name:         stringOption(opts, "name"),
			VerifiedRole: opts["role"].RoleValue(session, interaction.GuildID).ID,
		}
		if err := b.store.UpsertSection(ctx, section); err != nil {
			b.logger.Error("section save failed", zap.String("section_id", section.SectionID), zap.Error(err))
			b.respondError(session, interaction, "Could not save the section.")
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Moderation config", fmt.Sprintf("Section `%s` saved.", section.SectionID), b.cfg.Notifications.EmbedColors.Action, nil), true)

	case "section-remove":
		sectionID := stringOption(opts, "id")
		if err := b.store.RemoveSection(ctx, interaction.GuildID, sectionID); err != nil {
			b.logger.Error("section remove failed", zap.String("section_id", sectionID), zap.Error(err))
			b.respondError(session, interaction, "Could not remove the section.")
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Moderation config", fmt.Sprintf("Section `%s` removed.", sectionID), b.cfg.Notifications.EmbedColors.Action, nil), true)
	}
}

func (b *Bot) handleStatus(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	report, err := b.analytics.Report(ctx, interaction.GuildID, time.Now().AddDate(0, 0, -30))
	if err != nil {
		b.logger.Warn("analytics report failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
	}

	memory := "unknown"
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			memory = fmt.Sprintf("%.1f MiB", float64(info.RSS)/(1024*1024))
		}
	}

	var kindLines []string
	for _, kind := range []punishment.Kind{punishment.KindMute, punishment.KindSuspend, punishment.KindSectionSuspend, punishment.KindBlacklist, punishment.KindWarn} {
		if count := report.ByKind[kind]; count > 0 {
			kindLines = append(kindLines, fmt.Sprintf("%s: %d", kind, count))
		}
	}
	if len(kindLines) == 0 {
		kindLines = []string{"none"}
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Uptime", Value: time.Since(b.startedAt).Round(time.Second).String(), Inline: true},
		{Name: "Memory", Value: memory, Inline: true},
		{Name: "Watched expiries", Value: fmt.Sprintf("%d", b.registry.Len()), Inline: true},
		{Name: "Punishments (all time)", Value: strings.Join(kindLines, "\n"), Inline: false},
		{Name: "Audit events (30d)", Value: fmt.Sprintf("%d", report.AuditTotal), Inline: true},
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Warden status", "", b.cfg.Notifications.EmbedColors.Action, fields), true)
}

func (b *Bot) buildIssueDMEmbed(rec punishment.Record) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("You received a %s", rec.Kind),
		Color: b.cfg.Notifications.EmbedColors.Warning,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Duration", Value: utils.FormatDuration(rec.Duration), Inline: true},
			{Name: "Reason", Value: orDash(rec.Reason), Inline: false},
		},
	}
}

func (b *Bot) respondError(session *discordgo.Session, interaction *discordgo.InteractionCreate, message string) {
	b.respondEmbed(session, interaction, b.commandEmbed("Moderation", message, b.cfg.Notifications.EmbedColors.Error, nil), true)
}

func actorFromUser(user *discordgo.User) punishment.Actor {
	if user == nil {
		return punishment.Actor{}
	}
	return punishment.Actor{ID: user.ID, Name: user.Username, Tag: user.String()}
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	result := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		result[opt.Name] = opt
	}
	return result
}

func stringOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if opt, ok := opts[name]; ok {
		return opt.StringValue()
	}
	return ""
}

func intOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string, fallback int64) int64 {
	if opt, ok := opts[name]; ok {
		return opt.IntValue()
	}
	return fallback
}

func userOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string, session *discordgo.Session) *discordgo.User {
	if opt, ok := opts[name]; ok {
		return opt.UserValue(session)
	}
	return nil
}

func channelMention(channelID string) string {
	if channelID == "" {
		return ""
	}
	return "<#" + channelID + ">"
}

func roleMention(roleID string) string {
	if roleID == "" {
		return ""
	}
	return "<@&" + roleID + ">"
}
