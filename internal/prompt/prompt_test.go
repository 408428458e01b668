package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/GitAcrown/MARI4/internal/agent"
)

var testNow = time.Date(2026, 3, 10, 12, 30, 15, 0, time.UTC)

func TestRenderDefault(t *testing.T) {
	tmpl := MustNew("")
	out, err := tmpl.Render(Vars{Now: testNow, BotName: "Maria"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.HasPrefix(out, "You are a Discord bot named Maria,") {
		t.Errorf("prompt starts with %q", out[:40])
	}
	if !strings.HasSuffix(out, "Date: Tuesday 2026-03-10 12:30:15 (UTC)") {
		t.Errorf("prompt ends with %q", out[len(out)-45:])
	}
	if strings.Contains(out, "PROFILES") {
		t.Error("empty profile should not be rendered")
	}
}

func TestRenderLocationAndProfile(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	tmpl := MustNew("{{.BotName}}|{{title .Weekday}}|{{.DateTime}}|{{.Zone}}|{{.Profile}}")

	out, err := tmpl.Render(Vars{Now: testNow, Location: loc, Profile: "  likes cats \n"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "MARI4|Tuesday|2026-03-10 13:30:15|CET|likes cats"
	if out != want {
		t.Errorf("Render() = %q, want %q", out, want)
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New("{{.Unclosed"); err == nil {
		t.Error("expected parse error")
	}
	tmpl := MustNew("{{.Missing}}")
	if _, err := tmpl.Render(Vars{Now: testNow}); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestFunc(t *testing.T) {
	tmpl := MustNew("{{.BotName}} {{.Profile}}")
	var gotInput agent.PromptInput
	fn := tmpl.Func("Maria", time.UTC, func(ctx context.Context, in agent.PromptInput) string {
		gotInput = in
		return "profile-of-" + in.TaskOwnerID
	})

	out, err := fn(context.Background(), agent.PromptInput{ChannelID: "c", Now: testNow, TaskOwnerID: "u1"})
	if err != nil {
		t.Fatalf("PromptFunc error = %v", err)
	}
	if out != "Maria profile-of-u1" {
		t.Errorf("out = %q", out)
	}
	if gotInput.ChannelID != "c" {
		t.Errorf("profile func got %+v", gotInput)
	}

	out, _ = tmpl.Func("", nil, nil)(context.Background(), agent.PromptInput{Now: testNow})
	if out != "MARI4 " {
		t.Errorf("out without profiles = %q", out)
	}
}

func TestTask(t *testing.T) {
	out := Task("alice", "42", "remind me to stretch")
	for _, want := range []string{
		"[SCHEDULED AUTONOMOUS TASK]",
		"Original request from alice (42): remind me to stretch",
		"at alice's request",
		"Do NOT ask any follow-up question",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("task prompt missing %q", want)
		}
	}
}
