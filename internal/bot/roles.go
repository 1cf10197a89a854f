package bot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"warden/internal/scheduler"
)

// roleService adapts discordgo's role API to the scheduler's and reconciler's
// role surfaces. Unresolvable guilds or members map to scheduler.ErrTargetGone
// so callers can tell "nothing left to restore" apart from a transient
// failure.
type roleService struct {
	session *discordgo.Session
}

func newRoleService(session *discordgo.Session) *roleService {
	return &roleService{session: session}
}

func (r *roleService) resolveTarget(guildID, userID string) error {
	if _, err := r.session.State.Guild(guildID); err != nil {
		return fmt.Errorf("%w: guild %s", scheduler.ErrTargetGone, guildID)
	}
	member, err := r.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return nil
	}
	if member, err = r.session.GuildMember(guildID, userID); err != nil || member == nil {
		return fmt.Errorf("%w: member %s in guild %s", scheduler.ErrTargetGone, userID, guildID)
	}
	return nil
}

func (r *roleService) SetMemberRoles(ctx context.Context, guildID, userID string, roles []string) error {
	_ = ctx
	if err := r.resolveTarget(guildID, userID); err != nil {
		return err
	}
	if roles == nil {
		roles = []string{}
	}
	_, err := r.session.GuildMemberEdit(guildID, userID, &discordgo.GuildMemberParams{Roles: &roles})
	if err != nil {
		return fmt.Errorf("set roles for %s: %w", userID, err)
	}
	return nil
}

func (r *roleService) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	_ = ctx
	if err := r.resolveTarget(guildID, userID); err != nil {
		return err
	}
	if err := r.session.GuildMemberRoleAdd(guildID, userID, roleID); err != nil {
		return fmt.Errorf("add role %s to %s: %w", roleID, userID, err)
	}
	return nil
}

func (r *roleService) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	_ = ctx
	if err := r.resolveTarget(guildID, userID); err != nil {
		return err
	}
	if err := r.session.GuildMemberRoleRemove(guildID, userID, roleID); err != nil {
		return fmt.Errorf("remove role %s from %s: %w", roleID, userID, err)
	}
	return nil
}
