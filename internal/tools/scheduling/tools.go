// Package scheduling exposes the task scheduler to the model as the
// schedule_task and cancel_scheduled_task tools.
package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/GitAcrown/MARI4/internal/agent"
	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/internal/tasks"
)

const (
	// CancelToolName is the function name of the cancel tool.
	CancelToolName = "cancel_scheduled_task"

	errTriggerMissing = "trigger message not found"
)

// Scheduler is the subset of *tasks.Scheduler the tools need.
type Scheduler interface {
	Schedule(ctx context.Context, task *tasks.ScheduledTask) (int64, error)
	Cancel(ctx context.Context, id int64, userID *string) (bool, error)
	CountPendingForUser(ctx context.Context, userID string) (int, error)
}

// Config holds the caller-side scheduling policy.
type Config struct {
	// MaxPendingPerUser caps a user's pending tasks. Default: 10.
	MaxPendingPerUser int

	// MinDelay and MaxDelay bound the scheduling delay.
	// Defaults: 2 minutes and 30 days.
	MinDelay time.Duration
	MaxDelay time.Duration

	// MaxDescriptionLength caps the description in characters. Default: 500.
	MaxDescriptionLength int

	// Location is used to display the execution time. Default: UTC.
	Location *time.Location

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default scheduling policy.
func DefaultConfig() Config {
	return Config{
		MaxPendingPerUser:    10,
		MinDelay:             2 * time.Minute,
		MaxDelay:             30 * 24 * time.Hour,
		MaxDescriptionLength: 500,
		Location:             time.UTC,
		Now:                  time.Now,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxPendingPerUser <= 0 {
		c.MaxPendingPerUser = d.MaxPendingPerUser
	}
	if c.MinDelay <= 0 {
		c.MinDelay = d.MinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDescriptionLength <= 0 {
		c.MaxDescriptionLength = d.MaxDescriptionLength
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.Now == nil {
		c.Now = d.Now
	}
}

// Register adds both tools to registry.
func Register(registry *agent.ToolRegistry, scheduler Scheduler, config Config) error {
	if err := registry.Register(NewScheduleTool(scheduler, config)); err != nil {
		return err
	}
	return registry.Register(NewCancelTool(scheduler))
}

// ScheduleTool schedules an autonomous run in the current channel.
type ScheduleTool struct {
	scheduler Scheduler
	config    Config
}

// NewScheduleTool creates the schedule_task tool.
func NewScheduleTool(scheduler Scheduler, config Config) *ScheduleTool {
	config.applyDefaults()
	return &ScheduleTool{scheduler: scheduler, config: config}
}

func (t *ScheduleTool) Name() string { return agent.ScheduleTaskToolName }

func (t *ScheduleTool) Description() string {
	return "Schedules a task to run later on your own. At execution time you can use all of your tools (web search and so on). " +
		"USE FOR: reminders, deferred research, scheduled messages. " +
		"EXAMPLES: 'Remind me to take out the trash in 2h', 'Look up SpaceX news tomorrow morning'. " +
		"The system wakes you up automatically when the task is due."
}

func (t *ScheduleTool) Properties() map[string]any {
	return map[string]any{
		"task_description": map[string]any{
			"type":        "string",
			"description": "Clear description of the task to run (e.g. 'Remind the user to take out the trash')",
		},
		"delay_minutes": map[string]any{
			"type":        "integer",
			"description": "Delay in minutes before execution (e.g. 120 for 2 hours)",
		},
		"delay_hours": map[string]any{
			"type":        "integer",
			"description": "Delay in hours before execution (e.g. 24 for tomorrow)",
		},
	}
}

// Execute validates the request against the policy and stores the task.
func (t *ScheduleTool) Execute(ctx context.Context, call agentctx.ToolCall, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc == nil || tc.Trigger == nil {
		return agent.ErrorResult(errTriggerMissing), nil
	}
	trigger := tc.Trigger

	pending, err := t.scheduler.CountPendingForUser(ctx, trigger.Author.ID)
	if err != nil {
		return nil, fmt.Errorf("count pending tasks: %w", err)
	}
	if pending >= t.config.MaxPendingPerUser {
		return agent.ErrorResult(fmt.Sprintf(
			"Limit reached: %d/%d pending tasks. Cancel some before creating more.",
			pending, t.config.MaxPendingPerUser,
		)), nil
	}

	description := strings.TrimSpace(stringArg(call.Arguments, "task_description"))
	if description == "" {
		return agent.ErrorResult("missing task description"), nil
	}
	if utf8.RuneCountInString(description) > t.config.MaxDescriptionLength {
		return agent.ErrorResult(fmt.Sprintf("description too long (max %d characters)", t.config.MaxDescriptionLength)), nil
	}

	totalMinutes := intArg(call.Arguments, "delay_minutes") + intArg(call.Arguments, "delay_hours")*60
	delay := time.Duration(totalMinutes) * time.Minute
	if delay < t.config.MinDelay {
		return agent.ErrorResult(fmt.Sprintf("minimum delay: %s", FormatDelay(int(t.config.MinDelay/time.Minute)))), nil
	}
	if delay > t.config.MaxDelay {
		return agent.ErrorResult(fmt.Sprintf("maximum delay: %s", FormatDelay(int(t.config.MaxDelay/time.Minute)))), nil
	}

	executeAt := t.config.Now().UTC().Add(delay)
	id, err := t.scheduler.Schedule(ctx, &tasks.ScheduledTask{
		ChannelID:       trigger.ChannelID,
		UserID:          trigger.Author.ID,
		Description:     description,
		ExecuteAt:       executeAt,
		OriginMessageID: trigger.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule task: %w", err)
	}

	delayText := FormatDelay(totalMinutes)
	return agent.Result(map[string]any{
		"success":    true,
		"task_id":    id,
		"execute_at": executeAt.Format(time.RFC3339),
		"delay":      delayText,
	}, fmt.Sprintf("Task scheduled in %s (around %s)", delayText, executeAt.In(t.config.Location).Format("15:04"))), nil
}

// CancelTool cancels one of the caller's pending tasks.
type CancelTool struct {
	scheduler Scheduler
}

// NewCancelTool creates the cancel_scheduled_task tool.
func NewCancelTool(scheduler Scheduler) *CancelTool {
	return &CancelTool{scheduler: scheduler}
}

func (t *CancelTool) Name() string { return CancelToolName }

func (t *CancelTool) Description() string {
	return "Cancels a previously scheduled task. Only the author of the task can cancel it. " +
		"USE FOR: cancelling a reminder, removing a scheduled task. " +
		"You need the task ID (given when the task was created)."
}

func (t *CancelTool) Properties() map[string]any {
	return map[string]any{
		"task_id": map[string]any{
			"type":        "integer",
			"description": "ID of the task to cancel (received at creation)",
		},
	}
}

// Execute cancels the task if the trigger's author owns it.
func (t *CancelTool) Execute(ctx context.Context, call agentctx.ToolCall, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc == nil || tc.Trigger == nil {
		return agent.ErrorResult(errTriggerMissing), nil
	}

	id := int64(intArg(call.Arguments, "task_id"))
	if id <= 0 {
		return agent.ErrorResult("missing task ID"), nil
	}

	owner := tc.Trigger.Author.ID
	ok, err := t.scheduler.Cancel(ctx, id, &owner)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if !ok {
		return agent.ErrorResult(fmt.Sprintf("task #%d not found or already finished", id)), nil
	}
	return agent.Result(map[string]any{
		"success": true,
		"task_id": id,
	}, fmt.Sprintf("Task #%d cancelled", id)), nil
}

// FormatDelay renders minutes as "1 d 2 h 5 min".
func FormatDelay(totalMinutes int) string {
	days, rem := totalMinutes/1440, totalMinutes%1440
	hours, minutes := rem/60, rem%60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d d", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d h", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%d min", minutes))
	}
	if len(parts) == 0 {
		return "less than a minute"
	}
	return strings.Join(parts, " ")
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg reads an integer argument decoded from JSON.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}
