package channels

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DiscordMaxMessageLength is the Discord content limit in characters.
const DiscordMaxMessageLength = 2000

// MessageChunker splits long messages into pieces that fit a platform
// limit counted in characters (runes). It prefers paragraph breaks, then
// line breaks, then word boundaries, and re-opens a markdown code fence
// that a split cuts through.
type MessageChunker struct {
	// MaxSize is the maximum chunk size in characters.
	MaxSize int

	// PreserveCodeBlocks closes and re-opens code fences across chunks.
	PreserveCodeBlocks bool
}

// NewMessageChunker creates a chunker. A non-positive maxSize selects the
// Discord limit.
func NewMessageChunker(maxSize int) *MessageChunker {
	if maxSize <= 0 {
		maxSize = DiscordMaxMessageLength
	}
	return &MessageChunker{MaxSize: maxSize, PreserveCodeBlocks: true}
}

// Chunk splits text. Every returned chunk has at most MaxSize runes.
func (c *MessageChunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= c.MaxSize {
		return []string{text}
	}

	var chunks []string
	remaining := []rune(text)
	for len(remaining) > c.MaxSize {
		// Room for a closing fence if this chunk ends inside a block.
		limit := c.MaxSize
		if c.PreserveCodeBlocks && c.MaxSize > 8 && strings.Contains(string(remaining[:limit]), "```") {
			limit -= 4
		}

		cut := breakPoint(remaining[:limit])
		chunk := strings.TrimRightFunc(string(remaining[:cut]), unicode.IsSpace)
		rest := strings.TrimLeftFunc(string(remaining[cut:]), unicode.IsSpace)

		if c.PreserveCodeBlocks {
			if open, line := openFence([]rune(chunk)); open {
				chunk += "\n```"
				if utf8.RuneCountInString(line)+1 < cut {
					rest = line + "\n" + rest
				}
			}
		}

		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = []rune(rest)
	}
	if rest := strings.TrimSpace(string(remaining)); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// breakPoint returns where to cut window, preferring natural boundaries
// in the second half of the window.
func breakPoint(window []rune) int {
	s := string(window)
	floor := len(s) / 2
	for _, sep := range []string{"\n\n", "\n"} {
		if idx := strings.LastIndex(s, sep); idx > floor {
			return utf8.RuneCountInString(s[:idx+len(sep)])
		}
	}
	if idx := strings.LastIndexFunc(s, unicode.IsSpace); idx > floor {
		return utf8.RuneCountInString(s[:idx])
	}
	return len(window)
}

// openFence reports whether text ends inside a ``` block and returns the
// line that opened it.
func openFence(text []rune) (bool, string) {
	var open bool
	var opener string
	for _, line := range strings.Split(string(text), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open = false
			continue
		}
		open = true
		opener = trimmed
	}
	return open, opener
}

// SplitMessage splits text into chunks of at most maxLength characters.
func SplitMessage(text string, maxLength int) []string {
	return NewMessageChunker(maxLength).Chunk(text)
}
