package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/GitAcrown/MARI4/internal/tasks"
)

const tasksListLimit = 20

var manageMessages = int64(discordgo.PermissionManageMessages)

// Commands returns the slash commands the adapter serves.
func (a *Adapter) Commands() []*discordgo.ApplicationCommand {
	cmds := []*discordgo.ApplicationCommand{
		{
			Name:        "forget",
			Description: "Clear the conversation history of this channel",
		},
		{
			Name:        "info",
			Description: "Show the assistant's status in this channel",
		},
		{
			Name:                     "mode",
			Description:              "Set when the assistant answers in this server",
			DefaultMemberPermissions: &manageMessages,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "mode",
				Description: "off, strict (mentions) or greedy (mentions and name)",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "off", Value: string(ModeOff)},
					{Name: "strict", Value: string(ModeStrict)},
					{Name: "greedy", Value: string(ModeGreedy)},
				},
			}},
		},
	}
	if a.tasks != nil {
		cmds = append(cmds,
			&discordgo.ApplicationCommand{
				Name:        "tasks",
				Description: "List your pending scheduled tasks",
			},
			&discordgo.ApplicationCommand{
				Name:        "cancel-task",
				Description: "Cancel one of your scheduled tasks",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "id",
					Description: "Task number",
					Required:    true,
				}},
			},
		)
	}
	return cmds
}

// RegisterCommands overwrites the slash commands, per configured guild or
// globally.
func (a *Adapter) RegisterCommands() error {
	a.mu.RLock()
	appID := a.appID
	a.mu.RUnlock()
	if appID == "" {
		return fmt.Errorf("application id unknown before ready")
	}

	guilds := a.config.CommandGuildIDs
	if len(guilds) == 0 {
		guilds = []string{""}
	}
	cmds := a.Commands()
	for _, guild := range guilds {
		if _, err := a.session.ApplicationCommandBulkOverwrite(appID, guild, cmds); err != nil {
			return classifyError("failed to register commands", err)
		}
	}
	a.logger.Info("slash commands registered", "count", len(cmds), "guilds", len(guilds))
	return nil
}

func (a *Adapter) handleInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	a.track(func() { a.handleCommand(a.baseContext(), i.Interaction) })
}

func (a *Adapter) handleCommand(ctx context.Context, i *discordgo.Interaction) {
	data := i.ApplicationCommandData()

	var content string
	switch data.Name {
	case "forget":
		content = a.commandForget(i)
	case "info":
		content = a.commandInfo(i)
	case "mode":
		content = a.commandMode(i, data)
	case "tasks":
		content = a.commandTasks(ctx, i)
	case "cancel-task":
		content = a.commandCancelTask(ctx, i, data)
	default:
		a.logger.Warn("unknown command", "command", data.Name)
		return
	}

	err := a.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         content,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
			Flags:           discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		a.logger.Error("failed to respond to command", "command", data.Name, "error", err)
		a.metrics.RecordError("discord", "interaction")
	}
}

func (a *Adapter) commandForget(i *discordgo.Interaction) string {
	a.agent.Forget(i.ChannelID)
	a.activity.ClearChannel(i.ChannelID)
	return "Conversation history cleared for this channel."
}

func (a *Adapter) commandInfo(i *discordgo.Interaction) string {
	var b strings.Builder
	_, botName := a.identity()
	fmt.Fprintf(&b, "**%s**\n", botName)
	fmt.Fprintf(&b, "Mode: `%s`\n", a.ModeFor(i.GuildID))

	if s, ok := a.agent.SessionStats(i.ChannelID); ok {
		fmt.Fprintf(&b, "Context: %d messages, %d tokens (%.1f%% of %d)\n",
			s.Context.TotalMessages, s.Context.TotalTokens, s.Context.WindowUsagePct, s.Context.ContextWindow)
		fmt.Fprintf(&b, "Completions: %d\n", s.Completions)
		if s.LastCompletion != nil {
			fmt.Fprintf(&b, "Last answer: <t:%d:R>\n", s.LastCompletion.Unix())
		}
	} else {
		b.WriteString("Context: empty\n")
	}

	stats := a.agent.Stats()
	fmt.Fprintf(&b, "Active sessions: %d\n", stats.ActiveSessions)
	if names := a.agent.Registry().Names(); len(names) > 0 {
		fmt.Fprintf(&b, "Tools: %s\n", strings.Join(names, ", "))
	}
	for _, key := range []string{"transcript_cache_size", "file_cache_size"} {
		if n, ok := stats.CacheStats[key]; ok {
			fmt.Fprintf(&b, "%s: %d\n", strings.ReplaceAll(key, "_", " "), n)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Adapter) commandMode(i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) string {
	if i.GuildID == "" {
		return "Modes can only be set in a server."
	}
	if len(data.Options) == 0 {
		return "Missing mode."
	}
	mode, err := ParseMode(data.Options[0].StringValue())
	if err != nil {
		return err.Error()
	}
	if err := a.SetGuildMode(i.GuildID, mode); err != nil {
		return err.Error()
	}
	a.logger.Info("guild mode changed", "guild_id", i.GuildID, "mode", mode)
	return fmt.Sprintf("Mode set to `%s`.", mode)
}

func (a *Adapter) commandTasks(ctx context.Context, i *discordgo.Interaction) string {
	if a.tasks == nil {
		return "Scheduled tasks are disabled."
	}
	user := interactionUser(i)
	if user == nil {
		return "Unknown user."
	}
	list, err := a.tasks.TasksForUser(ctx, user.ID, tasksListLimit)
	if err != nil {
		a.logger.Error("failed to list tasks", "error", err)
		return "Could not load your tasks."
	}

	var b strings.Builder
	for _, t := range list {
		if t.Status != tasks.StatusPending {
			continue
		}
		desc := t.Description
		if r := []rune(desc); len(r) > 80 {
			desc = string(r[:80]) + "…"
		}
		fmt.Fprintf(&b, "`#%d` %s <#%s>: %s\n",
			t.ID, t.ExecuteAt.In(a.config.Location).Format("2006-01-02 15:04"), t.ChannelID, desc)
	}
	if b.Len() == 0 {
		return "You have no pending tasks."
	}
	return "Your pending tasks:\n" + strings.TrimRight(b.String(), "\n")
}

// commandCancelTask cancels a task of the caller. Administrators may
// cancel anyone's task.
func (a *Adapter) commandCancelTask(ctx context.Context, i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) string {
	if a.tasks == nil {
		return "Scheduled tasks are disabled."
	}
	user := interactionUser(i)
	if user == nil || len(data.Options) == 0 {
		return "Missing task number."
	}
	id := data.Options[0].IntValue()

	var owner *string
	if !isAdmin(i) {
		owner = &user.ID
	}
	ok, err := a.tasks.Cancel(ctx, id, owner)
	if err != nil {
		a.logger.Error("failed to cancel task", "task_id", id, "error", err)
		return "Could not cancel the task."
	}
	if !ok {
		return fmt.Sprintf("Task #%d not found or already finished.", id)
	}
	return fmt.Sprintf("Task #%d cancelled.", id)
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func isAdmin(i *discordgo.Interaction) bool {
	return i.Member != nil && i.Member.Permissions&int64(discordgo.PermissionAdministrator) != 0
}
