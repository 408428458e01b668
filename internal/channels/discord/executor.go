package discord

import (
	"context"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/GitAcrown/MARI4/internal/channels"
	"github.com/GitAcrown/MARI4/internal/observability"
	"github.com/GitAcrown/MARI4/internal/prompt"
	"github.com/GitAcrown/MARI4/internal/tasks"
)

// TaskExecutor returns the executor the scheduler runs due tasks with.
func (a *Adapter) TaskExecutor() tasks.Executor {
	return tasks.ExecutorFunc(a.ExecuteTask)
}

// ExecuteTask runs task as an autonomous completion and posts the result
// in its channel. A task whose channel or owner no longer resolves is
// skipped without error; a failed send fails the task.
func (a *Adapter) ExecuteTask(ctx context.Context, task *tasks.ScheduledTask) error {
	ctx = observability.AddTaskID(ctx, strconv.FormatInt(task.ID, 10))
	ctx = observability.AddChannelID(ctx, task.ChannelID)

	ch, err := a.session.Channel(task.ChannelID)
	if err != nil || ch == nil {
		a.logger.WarnContext(ctx, "task channel not found, skipping", "task_id", task.ID, "error", err)
		return nil
	}
	user, err := a.session.User(task.UserID)
	if err != nil || user == nil {
		a.logger.WarnContext(ctx, "task owner not found, skipping", "task_id", task.ID, "error", err)
		return nil
	}

	var origin *discordgo.Message
	if task.OriginMessageID != "" {
		origin, err = a.session.ChannelMessage(ch.ID, task.OriginMessageID)
		if err != nil {
			a.logger.DebugContext(ctx, "origin message unavailable", "task_id", task.ID, "error", err)
			origin = nil
		}
	}

	resp, err := a.agent.RunAutonomousTask(ctx, ch.ID, user.Username, user.ID,
		prompt.Task(user.Username, user.ID, task.Description))
	if err != nil {
		return fmt.Errorf("run task %d: %w", task.ID, err)
	}

	text := FormatResponse(resp.Headers(), resp.Text)
	if origin == nil {
		text += "\n\n-# " + user.Mention()
	}

	var chunks []string
	if utf8.RuneCountInString(text) <= a.config.MaxMessageLength {
		chunks = []string{text}
	} else {
		chunks = channels.SplitMessage(text, a.config.AutonomousChunkSize)
	}

	mentions := &discordgo.MessageAllowedMentions{Users: []string{user.ID}, RepliedUser: true}
	for i, chunk := range chunks {
		var ref *discordgo.MessageReference
		if i == 0 && origin != nil {
			ref = origin.SoftReference()
		}
		if _, err := a.send(ctx, ch.ID, chunk, ref, mentions); err != nil {
			return fmt.Errorf("send task %d result: %w", task.ID, err)
		}
	}
	a.logger.InfoContext(ctx, "task result delivered", "task_id", task.ID, "chunks", len(chunks))
	return nil
}
