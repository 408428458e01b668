package discord

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/GitAcrown/MARI4/pkg/models"
)

// Mode controls which messages of a guild the bot answers.
type Mode string

const (
	// ModeOff ingests messages but never answers.
	ModeOff Mode = "off"

	// ModeStrict answers mentions only.
	ModeStrict Mode = "strict"

	// ModeGreedy also answers messages naming the bot.
	ModeGreedy Mode = "greedy"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeStrict, ModeGreedy:
		return true
	}
	return false
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q (want off, strict or greedy)", s)
	}
	return m, nil
}

// ShouldRespond decides whether msg is addressed to the bot.
func ShouldRespond(mode Mode, msg *models.Message, botID, botName string) bool {
	if msg == nil || msg.Author.Bot {
		return false
	}
	switch mode {
	case ModeStrict:
		return botID != "" && msg.MentionsUser(botID)
	case ModeGreedy:
		if botID != "" && msg.MentionsUser(botID) {
			return true
		}
		return mentionsName(msg.Content, botName)
	}
	return false
}

// mentionsName matches name as a whole word, ignoring case.
func mentionsName(content, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(content)
}

// ModeFor returns the mode of guildID.
func (a *Adapter) ModeFor(guildID string) Mode {
	a.modesMu.RLock()
	defer a.modesMu.RUnlock()
	if m, ok := a.guildModes[guildID]; ok {
		return m
	}
	return a.defaultMode
}

// SetGuildMode changes the mode of one guild at runtime.
func (a *Adapter) SetGuildMode(guildID string, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}
	a.modesMu.Lock()
	defer a.modesMu.Unlock()
	a.guildModes[guildID] = mode
	return nil
}

// SetModes replaces every mode, as after a configuration reload.
func (a *Adapter) SetModes(defaultMode Mode, guildModes map[string]Mode) error {
	if !defaultMode.Valid() {
		return fmt.Errorf("invalid default mode %q", defaultMode)
	}
	modes := make(map[string]Mode, len(guildModes))
	for guild, mode := range guildModes {
		if !mode.Valid() {
			return fmt.Errorf("invalid mode %q for guild %s", mode, guild)
		}
		modes[guild] = mode
	}
	a.modesMu.Lock()
	defer a.modesMu.Unlock()
	a.defaultMode = defaultMode
	a.guildModes = modes
	return nil
}
