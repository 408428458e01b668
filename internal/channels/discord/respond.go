package discord

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/GitAcrown/MARI4/internal/channels"
	"github.com/GitAcrown/MARI4/internal/observability"
)

const typingInterval = 8 * time.Second

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	a.track(func() { a.handleMessage(a.baseContext(), m.Message, false) })
}

func (a *Adapter) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m == nil || m.Message == nil {
		return
	}
	a.track(func() { a.handleMessage(a.baseContext(), m.Message, true) })
}

// handleMessage ingests msg and answers it when it is addressed to the
// bot. Edits are handled like new messages unless already answered or
// older than the edit window.
func (a *Adapter) handleMessage(ctx context.Context, dm *discordgo.Message, edited bool) {
	if dm.Author == nil || dm.Author.Bot {
		return
	}
	botID, botName := a.identity()
	if dm.Author.ID == botID {
		return
	}

	now := a.config.Now()
	if edited {
		if a.processed.Contains(dm.ID) {
			return
		}
		if !dm.Timestamp.IsZero() && now.Sub(dm.Timestamp) > a.config.EditWindow {
			return
		}
	}

	msg := convertMessage(dm, botID)
	ctx = observability.AddChannelID(ctx, msg.ChannelID)
	ctx = observability.AddUserID(ctx, msg.Author.ID)

	if !edited {
		at := msg.CreatedAt
		if at.IsZero() {
			at = now
		}
		a.activity.Record(msg.ChannelID, msg.Author.ID, at)
		a.metrics.MessageReceived("inbound")
	}

	respond := ShouldRespond(a.ModeFor(msg.GuildID), msg, botID, botName)
	a.agent.Ingest(ctx, msg, !respond)
	if !respond {
		return
	}
	if !a.processed.Mark(msg.ID) {
		return
	}

	a.reply(ctx, dm, a.activity.Busy(msg.ChannelID, now))
}

// reply runs a completion for trigger and posts the answer. In a busy
// channel the answer quotes the trigger.
func (a *Adapter) reply(ctx context.Context, trigger *discordgo.Message, busy bool) {
	ctx, cancel := context.WithTimeout(ctx, a.config.CompletionTimeout)
	defer cancel()

	channelID := trigger.ChannelID
	var ref *discordgo.MessageReference
	if busy {
		ref = trigger.SoftReference()
	}

	stopTyping := a.startTyping(ctx, channelID)
	defer stopTyping()

	var status *discordgo.Message
	statusFn := func(text string) error {
		if status == nil {
			sent, err := a.send(ctx, channelID, text, ref, nil)
			if err != nil {
				return err
			}
			status = sent
			return nil
		}
		return a.edit(ctx, channelID, status.ID, text)
	}

	botID, _ := a.identity()
	resp, err := a.agent.RunCompletion(ctx, channelID, convertMessage(trigger, botID), statusFn)
	if err != nil {
		a.logger.ErrorContext(ctx, "completion failed", "error", err, "message_id", trigger.ID)
		a.metrics.RecordError("discord", "completion")
		if _, sendErr := a.send(context.WithoutCancel(ctx), channelID, ErrorReplyText, trigger.SoftReference(), nil); sendErr != nil {
			a.logger.ErrorContext(ctx, "failed to send error reply", "error", sendErr)
		}
		return
	}

	chunks := channels.SplitMessage(FormatResponse(resp.Headers(), resp.Text), a.config.MaxMessageLength)
	if len(chunks) == 0 {
		a.logger.WarnContext(ctx, "empty completion, nothing to send", "message_id", trigger.ID)
		return
	}

	first := 0
	if status != nil {
		if err := a.edit(ctx, channelID, status.ID, chunks[0]); err != nil {
			a.logger.WarnContext(ctx, "failed to edit status message, sending instead", "error", err)
		} else {
			first = 1
		}
	}
	for i := first; i < len(chunks); i++ {
		var r *discordgo.MessageReference
		if i == 0 {
			r = ref
		}
		if _, err := a.send(ctx, channelID, chunks[i], r, nil); err != nil {
			a.logger.ErrorContext(ctx, "failed to send reply", "error", err, "chunk", i)
			return
		}
	}
}

// startTyping shows the typing indicator until the returned func is
// called or ctx ends.
func (a *Adapter) startTyping(ctx context.Context, channelID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := a.session.ChannelTyping(channelID); err != nil {
				a.logger.DebugContext(ctx, "typing indicator failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// FormatResponse prefixes text with one subtext line per tool header.
func FormatResponse(headers []string, text string) string {
	var b strings.Builder
	for _, h := range headers {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		b.WriteString("-# ")
		b.WriteString(h)
		b.WriteByte('\n')
	}
	b.WriteString(text)
	return b.String()
}
