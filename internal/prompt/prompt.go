// Package prompt renders the developer prompt sent with every completion
// and the instruction message of autonomous tasks.
package prompt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GitAcrown/MARI4/internal/agent"
)

// DefaultBotName is used when no bot name is configured.
const DefaultBotName = "MARI4"

// DefaultTemplate is the built-in developer prompt.
const DefaultTemplate = `You are a Discord bot named {{.BotName}}, chatting in a text channel.

STYLE:
- Be concise, direct and casual, avoid emojis
- Match the tone of the channel history
- No robotic phrasing, no needless follow-up questions, no overly long answers
- ALWAYS guess the intent; only ask for details when strictly necessary

CONTEXT:
- Channel messages are provided for context, but you only answer the latest message that mentions you or talks about you
- Messages marked "[CONTEXT]" are for information only: do not comment on them or answer their questions

TOOLS:
- Use your tools proactively and combine them on your own, without asking for permission or confirmation

FORMAT:
User messages: "[id] username (user_id): message"
-> "[id] username (user_id)" is a technical identifier. NEVER reproduce it.
-> The message content comes after ": "
-> Your replies: write your text only, without prefix or metadata
-> Data between '<>' is metadata, never reproduce it
{{if .Profile}}
{{.Profile}}
{{end}}
Date: {{title .Weekday}} {{.DateTime}} ({{.Zone}})`

// Vars are the values available to a prompt template.
type Vars struct {
	Now      time.Time
	Location *time.Location
	Profile  string
	BotName  string
}

// templateData is what the template executes against.
type templateData struct {
	BotName  string
	Profile  string
	Weekday  string
	DateTime string
	Zone     string
}

// Template is a parsed developer prompt. It is immutable and safe for
// concurrent use.
type Template struct {
	tmpl *template.Template
}

// New parses text as a prompt template. An empty text selects
// DefaultTemplate.
func New(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	titler := cases.Title(language.English)
	tmpl, err := template.New("prompt").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"title": titler.String,
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
		}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Template{tmpl: tmpl}, nil
}

// MustNew is like New but panics on error.
func MustNew(text string) *Template {
	t, err := New(text)
	if err != nil {
		panic(err)
	}
	return t
}

// Render executes the template with vars.
func (t *Template) Render(vars Vars) (string, error) {
	loc := vars.Location
	if loc == nil {
		loc = time.UTC
	}
	now := vars.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.In(loc)
	name := vars.BotName
	if name == "" {
		name = DefaultBotName
	}

	var buf bytes.Buffer
	err := t.tmpl.Execute(&buf, templateData{
		BotName:  name,
		Profile:  strings.TrimSpace(vars.Profile),
		Weekday:  strings.ToLower(now.Weekday().String()),
		DateTime: now.Format("2006-01-02 15:04:05"),
		Zone:     loc.String(),
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// ProfileFunc returns the profile text injected for one completion.
type ProfileFunc func(ctx context.Context, in agent.PromptInput) string

// Func adapts the template to an agent.PromptFunc. profiles may be nil.
func (t *Template) Func(botName string, loc *time.Location, profiles ProfileFunc) agent.PromptFunc {
	return func(ctx context.Context, in agent.PromptInput) (string, error) {
		var profile string
		if profiles != nil {
			profile = profiles(ctx, in)
		}
		return t.Render(Vars{
			Now:      in.Now,
			Location: loc,
			Profile:  profile,
			BotName:  botName,
		})
	}
}

// Task renders the instruction message of an autonomous task run.
func Task(userName, userID, description string) string {
	var b strings.Builder
	b.WriteString("[SCHEDULED AUTONOMOUS TASK]\n")
	fmt.Fprintf(&b, "Original request from %s (%s): %s\n\n", userName, userID, description)
	fmt.Fprintf(&b, "You are now running the task YOU scheduled earlier at %s's request.\n", userName)
	b.WriteString("IMPORTANT:\n")
	b.WriteString("- Do NOT ask any follow-up question (nobody will answer)\n")
	b.WriteString("- Do your best with the information you have\n")
	b.WriteString("- Use your tools (web search and so on) if needed\n")
	b.WriteString("- Answer as if you were talking directly to the person concerned\n")
	b.WriteString("- Do not add a report or administrative summary at the end\n")
	b.WriteString("- If you cannot do everything, explain precisely what you managed to do")
	return b.String()
}
