package agent

import (
	"fmt"
	"net/url"
	"strings"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
)

// StatusFunc receives short progress lines while tools run.
type StatusFunc func(status string) error

// ToolStatus returns the progress line shown while call runs, or "" for
// tools that have none.
func ToolStatus(call agentctx.ToolCall) string {
	arg := func(key string) string {
		s, _ := call.Arguments[key].(string)
		return strings.TrimSpace(s)
	}

	switch call.Name {
	case "search_web":
		if q := arg("query"); q != "" {
			return fmt.Sprintf("-# Searching \"%s\" •••", q)
		}
	case "read_web_page":
		raw := arg("url")
		if raw == "" {
			return "-# Reading a web page •••"
		}
		domain := ""
		if u, err := url.Parse(raw); err == nil {
			domain = u.Host
		}
		if domain == "" {
			rest := raw
			if i := strings.Index(rest, "//"); i >= 0 {
				rest = rest[i+2:]
			}
			domain, _, _ = strings.Cut(rest, "/")
		}
		if domain == "" {
			return "-# Reading a web page •••"
		}
		return fmt.Sprintf("-# Reading [%s](<%s>) •••", domain, raw)
	case "schedule_task":
		desc := arg("task_description")
		if desc == "" {
			return "-# Scheduling a task •••"
		}
		if r := []rune(desc); len(r) > 40 {
			desc = string(r[:37]) + "..."
		}
		return fmt.Sprintf("-# Scheduling task: %s •••", desc)
	case "cancel_scheduled_task":
		return "-# Cancelling a task •••"
	case "update_user_profile":
		return "-# Updating profile •••"
	}
	return ""
}
