// Package discord connects the agent to Discord: it ingests every message
// of the channels it can read, answers the ones addressed to the bot,
// delivers scheduled task results and serves the slash commands.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/GitAcrown/MARI4/internal/agent"
	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/internal/channels"
	"github.com/GitAcrown/MARI4/internal/observability"
	"github.com/GitAcrown/MARI4/internal/tasks"
	"github.com/GitAcrown/MARI4/pkg/models"
)

// discordSession is the subset of *discordgo.Session the adapter uses,
// so tests can replace it.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Agent is the part of *agent.Manager the adapter drives.
type Agent interface {
	Ingest(ctx context.Context, msg *models.Message, contextOnly bool) *agentctx.UserRecord
	RunCompletion(ctx context.Context, channelID string, trigger *models.Message, status agent.StatusFunc) (*agent.Response, error)
	RunAutonomousTask(ctx context.Context, channelID, userName, userID, prompt string) (*agent.Response, error)
	Forget(channelID string) bool
	Stats() agent.ManagerStats
	SessionStats(channelID string) (agent.SessionStats, bool)
	Registry() *agent.ToolRegistry
}

// TaskService is the part of *tasks.Scheduler the slash commands use.
type TaskService interface {
	TasksForUser(ctx context.Context, userID string, limit int) ([]*tasks.ScheduledTask, error)
	Cancel(ctx context.Context, id int64, userID *string) (bool, error)
}

// ErrorReplyText is sent when a completion fails.
const ErrorReplyText = "❌ An error occurred while processing your message."

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token (required).
	Token string

	// BotName is matched in greedy mode. Defaults to the bot's username.
	BotName string

	// DefaultMode applies to guilds without an entry in GuildModes.
	// Default: strict.
	DefaultMode Mode
	GuildModes  map[string]Mode

	// EditWindow is how long after creation an edit is re-ingested.
	// Default: 2 minutes.
	EditWindow time.Duration

	// ProcessedCapacity is how many answered message IDs are remembered.
	// Default: 100.
	ProcessedCapacity int

	// BusyWindow and BusyMessages tune when replies quote the trigger.
	// Defaults: 2 minutes and 3 messages.
	BusyWindow   time.Duration
	BusyMessages int

	// MaxMessageLength splits replies. Default: 2000.
	MaxMessageLength int

	// AutonomousChunkSize splits long scheduled task results. Default: 1900.
	AutonomousChunkSize int

	// CompletionTimeout bounds one reply. Default: 3 minutes.
	CompletionTimeout time.Duration

	// CommandGuildIDs registers slash commands per guild; empty registers
	// them globally.
	CommandGuildIDs []string

	// Location displays task times. Default: UTC.
	Location *time.Location

	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration

	// RateLimit and RateBurst bound outgoing API calls per second.
	RateLimit float64
	RateBurst int

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.DefaultMode == "" {
		c.DefaultMode = ModeStrict
	}
	if !c.DefaultMode.Valid() {
		return channels.ErrConfig(fmt.Sprintf("invalid default mode %q", c.DefaultMode), nil)
	}
	for guild, mode := range c.GuildModes {
		if !mode.Valid() {
			return channels.ErrConfig(fmt.Sprintf("invalid mode %q for guild %s", mode, guild), nil)
		}
	}
	if c.EditWindow <= 0 {
		c.EditWindow = 2 * time.Minute
	}
	if c.ProcessedCapacity <= 0 {
		c.ProcessedCapacity = channels.DefaultProcessedCapacity
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = channels.DiscordMaxMessageLength
	}
	if c.AutonomousChunkSize <= 0 {
		c.AutonomousChunkSize = 1900
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 3 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 60 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Adapter is the Discord front end of the agent.
type Adapter struct {
	config  Config
	agent   Agent
	tasks   TaskService
	session discordSession

	limiter   *rate.Limiter
	processed *channels.ProcessedSet
	activity  *channels.ActivityTracker
	logger    *slog.Logger
	metrics   *observability.Metrics

	modesMu     sync.RWMutex
	defaultMode Mode
	guildModes  map[string]Mode

	mu        sync.RWMutex
	connected bool
	botID     string
	botName   string
	appID     string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewAdapter creates a Discord adapter. tasks may be nil, which disables
// the task commands.
func NewAdapter(config Config, agent Agent, tasks TaskService) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, channels.ErrConfig("agent is required", nil)
	}
	modes := make(map[string]Mode, len(config.GuildModes))
	for k, v := range config.GuildModes {
		modes[k] = v
	}
	return &Adapter{
		config:      config,
		agent:       agent,
		tasks:       tasks,
		limiter:     rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		processed:   channels.NewProcessedSet(config.ProcessedCapacity),
		activity:    channels.NewActivityTracker(config.BusyWindow, config.BusyMessages),
		logger:      config.Logger.With("adapter", "discord"),
		metrics:     config.Metrics,
		defaultMode: config.DefaultMode,
		guildModes:  modes,
		botName:     config.BotName,
	}, nil
}

// Start opens the gateway connection and registers the event handlers.
// Slash commands are registered once the session is ready.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return channels.ErrInternal("adapter already started", nil)
	}
	a.logger.Info("starting discord adapter", "mode", a.config.DefaultMode, "rate_limit", a.config.RateLimit)

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return channels.ErrAuthentication("failed to create Discord session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleMessageUpdate)
	a.session.AddHandler(a.handleInteractionCreate)
	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleDisconnect)

	if err := a.connectWithRetry(ctx); err != nil {
		a.metrics.RecordError("discord", "connection")
		return channels.ErrConnection("failed to connect to Discord", err)
	}

	// Handlers outlive the Start call, so they get their own context.
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.connected = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop cancels in-flight replies, waits for the handlers and closes the
// gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.mu.Unlock()

	a.logger.Info("stopping discord adapter")
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("stop timeout, forcing shutdown")
	}

	if err := a.session.Close(); err != nil {
		a.logger.Error("failed to close Discord session", "error", err)
		return channels.ErrConnection("failed to close Discord session", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// Connected reports whether the gateway session is up.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// BotID returns the bot's user ID once the session is ready.
func (a *Adapter) BotID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID
}

func (a *Adapter) identity() (id, name string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID, a.botName
}

// baseContext is the parent of every handler context.
func (a *Adapter) baseContext() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ctx != nil {
		return a.ctx
	}
	return context.Background()
}

// track runs fn as a handler Stop waits for.
func (a *Adapter) track(fn func()) {
	a.wg.Add(1)
	defer a.wg.Done()
	fn()
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	a.mu.Lock()
	a.connected = true
	a.botID = r.User.ID
	if a.config.BotName == "" {
		a.botName = r.User.Username
	}
	a.appID = r.User.ID
	if r.Application != nil && r.Application.ID != "" {
		a.appID = r.Application.ID
	}
	a.mu.Unlock()

	a.logger.Info("discord connection ready", "user", r.User.Username, "guilds", len(r.Guilds))

	go a.track(func() {
		if err := a.RegisterCommands(); err != nil {
			a.logger.Error("failed to register slash commands", "error", err)
		}
	})
}

func (a *Adapter) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	// discordgo reconnects on its own; Ready marks the session up again.
	a.logger.Warn("disconnected from discord")
	a.metrics.RecordError("discord", "disconnect")
}

func (a *Adapter) connectWithRetry(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < a.config.MaxReconnectAttempts; attempt++ {
		a.logger.Info("connecting to discord", "attempt", attempt+1, "max_attempts", a.config.MaxReconnectAttempts)

		if err = a.session.Open(); err == nil {
			return nil
		}

		backoff := calculateBackoff(attempt, a.config.ReconnectBackoff)
		a.logger.Warn("connection failed, retrying", "error", err, "attempt", attempt+1, "backoff_ms", backoff.Milliseconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return channels.ErrConnection("failed to connect after retries", err)
}

func calculateBackoff(attempt int, maxWait time.Duration) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > maxWait {
		backoff = maxWait
	}
	return backoff
}

// send posts content to channelID, optionally as a reply to ref.
func (a *Adapter) send(ctx context.Context, channelID, content string, ref *discordgo.MessageReference, mentions *discordgo.MessageAllowedMentions) (*discordgo.Message, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err).InChannel(channelID)
	}
	if mentions == nil {
		mentions = &discordgo.MessageAllowedMentions{}
	}
	msg, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		Reference:       ref,
		AllowedMentions: mentions,
	})
	if err != nil {
		return nil, classifyError("failed to send message", err).InChannel(channelID)
	}
	a.metrics.MessageReceived("outbound")
	return msg, nil
}

// edit replaces the content of one of the bot's messages.
func (a *Adapter) edit(ctx context.Context, channelID, messageID, content string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err).InChannel(channelID)
	}
	edit := discordgo.NewMessageEdit(channelID, messageID).SetContent(content)
	edit.AllowedMentions = &discordgo.MessageAllowedMentions{}
	if _, err := a.session.ChannelMessageEditComplex(edit); err != nil {
		return classifyError("failed to edit message", err).InChannel(channelID)
	}
	return nil
}

// classifyError maps a discordgo failure to a channel error.
func classifyError(message string, err error) *channels.Error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusTooManyRequests:
			return channels.ErrRateLimit(message, err)
		case http.StatusForbidden:
			return channels.ErrPermission(message, err)
		case http.StatusNotFound:
			return channels.ErrNotFound(message, err)
		case http.StatusUnauthorized:
			return channels.ErrAuthentication(message, err)
		}
		if restErr.Response.StatusCode >= 500 {
			return channels.ErrUnavailable(message, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout(message, err)
	}
	return channels.ErrInternal(message, err)
}
