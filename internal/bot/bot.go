package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"warden/internal/analytics"
	"warden/internal/config"
	"warden/internal/modules/audit"
	"warden/internal/punishment"
	"warden/internal/reconcile"
	"warden/internal/registry"
	"warden/internal/scheduler"
	"warden/internal/storage"
	"warden/internal/utils"
)

const settingsCacheTTL = 5 * time.Minute

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	registry  *registry.Registry
	audit     *audit.Logger
	analytics *analytics.Service
	session   *discordgo.Session
	roles     *roleService
	sched     *scheduler.Scheduler
	reconcile *reconcile.Reconciler

	settingsCache *cache.Cache
	startedAt     time.Time
	stop          chan struct{}
	stopOnce      sync.Once
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, reg *registry.Registry, auditLogger *audit.Logger, analyticsEngine *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans

	b := &Bot{
		cfg:           cfg,
		logger:        logger,
		store:         store,
		registry:      reg,
		audit:         auditLogger,
		analytics:     analyticsEngine,
		session:       session,
		settingsCache: cache.New(settingsCacheTTL, 2*settingsCacheTTL),
		startedAt:     time.Now(),
		stop:          make(chan struct{}),
	}

	b.roles = newRoleService(session)
	b.sched = scheduler.New(store, reg, b.roles, b, auditLogger, logger,
		time.Duration(cfg.CheckIntervalSeconds)*time.Second)
	b.reconcile = reconcile.New(store, reg, b.roles, auditLogger, logger)

	if b.audit != nil {
		b.audit.SetNotifier(func(ctx context.Context, entry storage.AuditLog) {
			b.notifyAudit(ctx, entry)
		})
	}

	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	if err := b.registerCommands(); err != nil {
		return err
	}

	b.startRetentionCleanup()

	return nil
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	b.stopOnce.Do(func() { close(b.stop) })
	b.sched.Stop()
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username))

	guildIDs := make([]string, 0, len(session.State.Guilds))
	for _, guild := range session.State.Guilds {
		if guild == nil {
			continue
		}
		guildIDs = append(guildIDs, guild.ID)
	}

	ctx := context.Background()
	b.reconcile.Startup(ctx, guildIDs)
	b.sched.Start()
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	_ = session
	if event.Member == nil || event.Member.User == nil || event.GuildID == "" {
		return
	}
	b.reconcile.OnMemberRejoin(context.Background(), event.GuildID, event.Member.User.ID)
}

// ExpiryNotice posts the scheduler's expiry embed to the guild's log channel.
func (b *Bot) ExpiryNotice(ctx context.Context, rec punishment.Record) error {
	settings := b.guildSettings(ctx, rec.GuildID)
	channelID := settings.LogChannel
	if channelID == "" {
		channelID = b.cfg.DefaultLogChannel
	}
	if channelID == "" {
		return nil
	}
	_, err := b.session.ChannelMessageSendEmbed(channelID, b.buildExpiryEmbed(rec))
	return err
}

// ExpiryDM tells the affected user their punishment elapsed, with the
// original reason.
func (b *Bot) ExpiryDM(ctx context.Context, rec punishment.Record) error {
	_ = ctx
	if !b.cfg.Notifications.DMOnExpiry {
		return nil
	}
	channel, err := b.session.UserChannelCreate(rec.Target.ID)
	if err != nil {
		return err
	}
	_, err = b.session.ChannelMessageSendEmbed(channel.ID, b.buildExpiryDMEmbed(rec))
	return err
}

func (b *Bot) buildExpiryEmbed(rec punishment.Record) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%s expired", rec.Kind),
		Color: b.cfg.Notifications.EmbedColors.Action,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "User", Value: userDisplay(rec), Inline: true},
			{Name: "Duration", Value: utils.FormatDuration(rec.Duration), Inline: true},
			{Name: "Action ID", Value: rec.ActionID, Inline: false},
			{Name: "Reason", Value: orDash(rec.Reason), Inline: false},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func (b *Bot) buildExpiryDMEmbed(rec punishment.Record) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Your %s has expired", rec.Kind),
		Description: fmt.Sprintf("The %s issued against you has run its course.", rec.Kind),
		Color:       b.cfg.Notifications.EmbedColors.Action,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Original reason", Value: orDash(rec.Reason), Inline: false},
		},
	}
}

func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	settings := b.guildSettings(ctx, entry.GuildID)
	channelID := settings.LogChannel
	if channelID == "" {
		channelID = b.cfg.DefaultLogChannel
	}
	if channelID == "" {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title: "Moderation event",
		Color: b.cfg.Notifications.EmbedColors.Warning,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Event", Value: entry.Event, Inline: true},
			{Name: "Level", Value: entry.Level, Inline: true},
			{Name: "User", Value: orDash(mentionIfSet(entry.UserID)), Inline: true},
			{Name: "Details", Value: orDash(entry.Details), Inline: false},
		},
		Timestamp: entry.CreatedAt.Format(time.RFC3339),
	}
	_, _ = b.session.ChannelMessageSendEmbed(channelID, embed)
}

func (b *Bot) guildSettings(ctx context.Context, guildID string) storage.GuildSettings {
	if cached, ok := b.settingsCache.Get(guildID); ok {
		if settings, ok := cached.(storage.GuildSettings); ok {
			return settings
		}
	}
	settings, err := b.store.GetGuildSettings(ctx, guildID, storage.GuildSettings{
		LogChannel: b.cfg.DefaultLogChannel,
	})
	if err != nil {
		b.logger.Warn("guild settings lookup failed", zap.String("guild_id", guildID), zap.Error(err))
		return storage.GuildSettings{GuildID: guildID, LogChannel: b.cfg.DefaultLogChannel}
	}
	b.settingsCache.SetDefault(guildID, settings)
	return settings
}

func (b *Bot) saveGuildSettings(ctx context.Context, settings storage.GuildSettings) error {
	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		return err
	}
	b.settingsCache.Delete(settings.GuildID)
	return nil
}

func (b *Bot) memberForUser(guildID, userID string) *discordgo.Member {
	member, err := b.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return member
	}
	member, _ = b.session.GuildMember(guildID, userID)
	return member
}

// memberIsModerator gates punishment commands on ManageRoles or
// Administrator, resolved from the member's role set.
func (b *Bot) memberIsModerator(guildID string, member *discordgo.Member) bool {
	if member == nil {
		return false
	}
	guild, err := b.session.State.Guild(guildID)
	if err != nil || guild == nil {
		return false
	}
	perms := int64(0)
	for _, role := range guild.Roles {
		if role.ID == guild.ID {
			perms |= role.Permissions
			break
		}
	}
	roleMap := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		roleMap[role.ID] = role
	}
	for _, roleID := range member.Roles {
		if role := roleMap[roleID]; role != nil {
			perms |= role.Permissions
		}
	}
	return perms&(discordgo.PermissionAdministrator|discordgo.PermissionManageRoles) != 0
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Fields:      fields,
	}
}

func (b *Bot) dmUser(userID string, embed *discordgo.MessageEmbed) {
	if userID == "" || embed == nil || !b.cfg.Notifications.DMOnPunish {
		return
	}
	channel, err := b.session.UserChannelCreate(userID)
	if err != nil {
		return
	}
	_, _ = b.session.ChannelMessageSendEmbed(channel.ID, embed)
}

func (b *Bot) startRetentionCleanup() {
	if b.cfg.RetentionDays <= 0 {
		return
	}
	go b.retentionLoop(24 * time.Hour)
}

func (b *Bot) retentionLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.store.CleanupAuditLogs(context.Background(), b.cfg.RetentionDays); err != nil {
				b.logger.Warn("audit log cleanup failed", zap.Error(err))
			}
		}
	}
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

// userDisplay pairs the mention with the nickname snapshotted at issue time,
// so notices stay readable after the member renamed or left.
func userDisplay(rec punishment.Record) string {
	if rec.Nickname != "" {
		return fmt.Sprintf("%s (%s)", mention(rec.Target.ID), rec.Nickname)
	}
	return mention(rec.Target.ID)
}

func mentionIfSet(userID string) string {
	if userID == "" {
		return ""
	}
	return mention(userID)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
