// Package models defines the platform-neutral chat types exchanged between
// the chat adapters and the agent.
package models

import (
	"strings"
	"time"
)

// Author identifies who wrote a message.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Author    Author `json:"author"`

	// Content is the raw text; CleanContent has mentions resolved to names.
	Content      string `json:"content"`
	CleanContent string `json:"clean_content"`

	Attachments []Attachment `json:"attachments,omitempty"`
	Embeds      []Embed      `json:"embeds,omitempty"`
	Stickers    []Sticker    `json:"stickers,omitempty"`

	// Reference is the resolved message this one replies to, if any.
	Reference *Message `json:"reference,omitempty"`

	// Mentions lists the user IDs mentioned in the message.
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// EditedAt is nil for messages that were never edited.
	EditedAt *time.Time `json:"edited_at,omitempty"`
}

// MentionsUser reports whether userID is mentioned in the message.
func (m *Message) MentionsUser(userID string) bool {
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

// Text returns CleanContent, falling back to Content.
func (m *Message) Text() string {
	if m.CleanContent != "" {
		return m.CleanContent
	}
	return m.Content
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Extension returns the lower-cased file extension without the dot.
func (a Attachment) Extension() string {
	i := strings.LastIndex(a.Filename, ".")
	if i < 0 || i == len(a.Filename)-1 {
		return ""
	}
	return strings.ToLower(a.Filename[i+1:])
}

// Embed is a rich preview attached to a message.
type Embed struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	URL          string `json:"url,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Sticker is a sticker sent with a message.
type Sticker struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}
