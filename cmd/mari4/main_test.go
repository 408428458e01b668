package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GitAcrown/MARI4/internal/tasks"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "tasks", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	path := writeTestConfig(t, filepath.Join(t.TempDir(), "tasks.db"))
	out, err := execute(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("config validate error = %v", err)
	}
	if !strings.Contains(out, "is valid") || !strings.Contains(out, "default mode strict") {
		t.Errorf("output = %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("discord:\n  default_mode: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "validate", "--config", bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConfigSchema(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	if !strings.Contains(out, `"discord"`) {
		t.Errorf("schema output missing discord section: %q", out)
	}
}

func TestTasksListAndCancel(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	path := writeTestConfig(t, dbPath)

	ctx := context.Background()
	store, err := tasks.NewSQLiteStore(ctx, tasks.DefaultSQLiteConfig(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	at := time.Date(2030, 1, 2, 15, 4, 0, 0, time.UTC)
	for _, task := range []*tasks.ScheduledTask{
		{ChannelID: "c1", UserID: "u1", Description: "water the plants", ExecuteAt: at},
		{ChannelID: "c2", UserID: "u2", Description: "call mom", ExecuteAt: at.Add(time.Hour)},
	} {
		if _, err := store.Add(ctx, task); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "tasks", "list", "--config", path)
	if err != nil {
		t.Fatalf("tasks list error = %v", err)
	}
	if !strings.Contains(out, "water the plants") || !strings.Contains(out, "call mom") {
		t.Errorf("list output = %q", out)
	}

	out, err = execute(t, "tasks", "list", "--config", path, "--user", "u2")
	if err != nil {
		t.Fatalf("tasks list --user error = %v", err)
	}
	if strings.Contains(out, "water the plants") || !strings.Contains(out, "call mom") {
		t.Errorf("filtered output = %q", out)
	}

	out, err = execute(t, "tasks", "cancel", "1", "--config", path)
	if err != nil {
		t.Fatalf("tasks cancel error = %v", err)
	}
	if !strings.Contains(out, "Task #1 cancelled.") {
		t.Errorf("cancel output = %q", out)
	}
	if _, err := execute(t, "tasks", "cancel", "1", "--config", path); err == nil {
		t.Fatal("cancelling twice should fail")
	}
	if _, err := execute(t, "tasks", "cancel", "abc", "--config", path); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"éléphant rose", 5, "élép…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mari4.yaml")
	contents := "discord:\n  token: t\nopenai:\n  api_key: k\nscheduler:\n  database: " + dbPath + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
