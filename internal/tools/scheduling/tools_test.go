package scheduling

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GitAcrown/MARI4/internal/agent"
	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/internal/tasks"
	"github.com/GitAcrown/MARI4/pkg/models"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	mu        sync.Mutex
	pending   int
	scheduled []*tasks.ScheduledTask
	cancelled []int64
	cancelOK  bool
	err       error
}

func (f *fakeScheduler) Schedule(ctx context.Context, task *tasks.ScheduledTask) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.scheduled = append(f.scheduled, task)
	return int64(len(f.scheduled)), nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, id int64, userID *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.cancelled = append(f.cancelled, id)
	return f.cancelOK, nil
}

func (f *fakeScheduler) CountPendingForUser(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.err
}

func trigger() *agent.ToolContext {
	return &agent.ToolContext{
		ChannelID: "chan-1",
		Trigger: &models.Message{
			ID:        "msg-1",
			ChannelID: "chan-1",
			Author:    models.Author{ID: "user-1", Name: "alice"},
		},
	}
}

func scheduleCall(args map[string]any) agentctx.ToolCall {
	return agentctx.ToolCall{ID: "call-1", Name: agent.ScheduleTaskToolName, Arguments: args}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return testNow }
	return cfg
}

func TestScheduleToolValidation(t *testing.T) {
	tests := []struct {
		name    string
		pending int
		args    map[string]any
		tc      *agent.ToolContext
		wantErr string
	}{
		{
			name:    "no trigger",
			args:    map[string]any{"task_description": "x", "delay_minutes": float64(10), "delay_hours": float64(0)},
			tc:      &agent.ToolContext{ChannelID: "chan-1"},
			wantErr: "trigger message not found",
		},
		{
			name:    "quota reached",
			pending: 10,
			args:    map[string]any{"task_description": "x", "delay_minutes": float64(10), "delay_hours": float64(0)},
			tc:      trigger(),
			wantErr: "Limit reached: 10/10 pending tasks",
		},
		{
			name:    "empty description",
			args:    map[string]any{"task_description": "   ", "delay_minutes": float64(10), "delay_hours": float64(0)},
			tc:      trigger(),
			wantErr: "missing task description",
		},
		{
			name:    "description too long",
			args:    map[string]any{"task_description": strings.Repeat("é", 501), "delay_minutes": float64(10), "delay_hours": float64(0)},
			tc:      trigger(),
			wantErr: "description too long (max 500 characters)",
		},
		{
			name:    "delay too short",
			args:    map[string]any{"task_description": "x", "delay_minutes": float64(1), "delay_hours": float64(0)},
			tc:      trigger(),
			wantErr: "minimum delay: 2 min",
		},
		{
			name:    "delay too long",
			args:    map[string]any{"task_description": "x", "delay_minutes": float64(1), "delay_hours": float64(720)},
			tc:      trigger(),
			wantErr: "maximum delay: 30 d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &fakeScheduler{pending: tt.pending}
			tool := NewScheduleTool(sched, testConfig())

			result, err := tool.Execute(context.Background(), scheduleCall(tt.args), tt.tc)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			msg, _ := result.Data["error"].(string)
			if !strings.Contains(msg, tt.wantErr) {
				t.Errorf("error = %q, want containing %q", msg, tt.wantErr)
			}
			if len(sched.scheduled) != 0 {
				t.Error("nothing should be scheduled")
			}
		})
	}
}

func TestScheduleToolSchedules(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := testConfig()
	paris, err := time.LoadLocation("Europe/Paris")
	if err == nil {
		cfg.Location = paris
	}
	tool := NewScheduleTool(sched, cfg)

	result, err := tool.Execute(context.Background(), scheduleCall(map[string]any{
		"task_description": "  remind alice to stretch ",
		"delay_minutes":    float64(30),
		"delay_hours":      float64(2),
	}), trigger())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Data["success"] != true {
		t.Fatalf("result = %v", result.Data)
	}
	if result.Data["task_id"] != int64(1) {
		t.Errorf("task_id = %v", result.Data["task_id"])
	}
	if result.Data["delay"] != "2 h 30 min" {
		t.Errorf("delay = %v", result.Data["delay"])
	}
	wantAt := testNow.Add(150 * time.Minute)
	if result.Data["execute_at"] != wantAt.Format(time.RFC3339) {
		t.Errorf("execute_at = %v", result.Data["execute_at"])
	}
	wantClock := wantAt.In(cfg.Location).Format("15:04")
	if want := fmt.Sprintf("Task scheduled in 2 h 30 min (around %s)", wantClock); result.Header != want {
		t.Errorf("header = %q, want %q", result.Header, want)
	}

	if len(sched.scheduled) != 1 {
		t.Fatalf("scheduled %d tasks", len(sched.scheduled))
	}
	task := sched.scheduled[0]
	if task.ChannelID != "chan-1" || task.UserID != "user-1" || task.OriginMessageID != "msg-1" {
		t.Errorf("task = %+v", task)
	}
	if task.Description != "remind alice to stretch" {
		t.Errorf("description = %q", task.Description)
	}
	if !task.ExecuteAt.Equal(wantAt) {
		t.Errorf("ExecuteAt = %v, want %v", task.ExecuteAt, wantAt)
	}
}

func TestScheduleToolStoreError(t *testing.T) {
	tool := NewScheduleTool(&fakeScheduler{err: errors.New("database is locked")}, testConfig())
	_, err := tool.Execute(context.Background(), scheduleCall(map[string]any{
		"task_description": "x", "delay_minutes": float64(5), "delay_hours": float64(0),
	}), trigger())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCancelTool(t *testing.T) {
	tests := []struct {
		name       string
		cancelOK   bool
		args       map[string]any
		tc         *agent.ToolContext
		wantErr    string
		wantHeader string
	}{
		{name: "no trigger", args: map[string]any{"task_id": float64(3)}, tc: &agent.ToolContext{}, wantErr: "trigger message not found"},
		{name: "missing id", args: map[string]any{"task_id": float64(0)}, tc: trigger(), wantErr: "missing task ID"},
		{name: "not owned or finished", args: map[string]any{"task_id": float64(3)}, tc: trigger(), wantErr: "task #3 not found or already finished"},
		{name: "cancelled", cancelOK: true, args: map[string]any{"task_id": float64(3)}, tc: trigger(), wantHeader: "Task #3 cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := NewCancelTool(&fakeScheduler{cancelOK: tt.cancelOK})
			result, err := tool.Execute(context.Background(), agentctx.ToolCall{ID: "c", Name: CancelToolName, Arguments: tt.args}, tt.tc)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if tt.wantErr != "" {
				if msg, _ := result.Data["error"].(string); msg != tt.wantErr {
					t.Errorf("error = %q, want %q", msg, tt.wantErr)
				}
				return
			}
			if result.Header != tt.wantHeader {
				t.Errorf("header = %q, want %q", result.Header, tt.wantHeader)
			}
			if result.Data["success"] != true {
				t.Errorf("data = %v", result.Data)
			}
		})
	}
}

func TestFormatDelay(t *testing.T) {
	tests := []struct {
		minutes int
		want    string
	}{
		{0, "less than a minute"},
		{2, "2 min"},
		{60, "1 h"},
		{150, "2 h 30 min"},
		{1440, "1 d"},
		{1505, "1 d 1 h 5 min"},
		{43200, "30 d"},
	}
	for _, tt := range tests {
		if got := FormatDelay(tt.minutes); got != tt.want {
			t.Errorf("FormatDelay(%d) = %q, want %q", tt.minutes, got, tt.want)
		}
	}
}

func TestRegister(t *testing.T) {
	registry := agent.NewToolRegistry()
	if err := Register(registry, &fakeScheduler{}, DefaultConfig()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for _, name := range []string{agent.ScheduleTaskToolName, CancelToolName} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
	if err := Register(registry, &fakeScheduler{}, DefaultConfig()); !errors.Is(err, agent.ErrDuplicateTool) {
		t.Errorf("second Register() error = %v, want ErrDuplicateTool", err)
	}
}

func TestScheduleQuotaWithStore(t *testing.T) {
	ctx := context.Background()
	store, err := tasks.NewSQLiteStore(ctx, tasks.DefaultSQLiteConfig(filepath.Join(t.TempDir(), "tasks.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()
	scheduler, err := tasks.NewScheduler(store, nil, tasks.SchedulerConfig{Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	cfg := testConfig()
	cfg.MaxPendingPerUser = 5
	tool := NewScheduleTool(scheduler, cfg)
	args := map[string]any{"task_description": "ping", "delay_minutes": float64(10), "delay_hours": float64(0)}

	var ids []int64
	for i := 0; i < 5; i++ {
		result, err := tool.Execute(ctx, scheduleCall(args), trigger())
		if err != nil || result.Data["success"] != true {
			t.Fatalf("schedule %d: %v %v", i, result, err)
		}
		ids = append(ids, result.Data["task_id"].(int64))
	}

	result, err := tool.Execute(ctx, scheduleCall(args), trigger())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if msg, _ := result.Data["error"].(string); !strings.HasPrefix(msg, "Limit reached") {
		t.Fatalf("6th schedule = %v, want limit error", result.Data)
	}
	if count, _ := scheduler.CountPendingForUser(ctx, "user-1"); count != 5 {
		t.Fatalf("pending = %d, want 5", count)
	}

	owner := "user-1"
	if ok, err := scheduler.Cancel(ctx, ids[0], &owner); err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	result, err = tool.Execute(ctx, scheduleCall(args), trigger())
	if err != nil || result.Data["success"] != true {
		t.Fatalf("retry after cancel = %v, %v", result.Data, err)
	}
}
