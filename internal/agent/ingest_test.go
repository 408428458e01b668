package agent

import (
	"strings"
	"testing"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/pkg/models"
)

func testMessage(content string) *models.Message {
	return &models.Message{
		ID:           "100",
		ChannelID:    "c1",
		Author:       models.Author{ID: "42", Name: "alice"},
		Content:      content,
		CleanContent: content,
	}
}

func imageURLs(components []agentctx.Component) []string {
	var urls []string
	for _, c := range components {
		if img, ok := c.(*agentctx.Image); ok {
			urls = append(urls, string(img.Detail())+" "+img.URL())
		}
	}
	return urls
}

func TestMessageComponents_Text(t *testing.T) {
	msg := testMessage("hello")
	msg.CleanContent = "hello @bob"

	got := MessageComponents(msg, false)
	if len(got) != 1 || got[0].Text() != "[100] alice (42): hello @bob" {
		t.Fatalf("components = %v", got)
	}

	ctxOnly := MessageComponents(msg, true)
	if ctxOnly[0].Text() != "[CONTEXT] [100] alice (42): hello @bob" {
		t.Errorf("context-only text = %q", ctxOnly[0].Text())
	}
}

func TestMessageComponents_ImageLinks(t *testing.T) {
	msg := testMessage("look https://cdn.example/a.png?size=1 and https://cdn.example/b.gif?x=1 and https://cdn.example/c.GIF https://example.com/page")

	got := imageURLs(MessageComponents(msg, false))
	want := []string{
		"auto https://cdn.example/a.png",
		"auto https://cdn.example/b.gif?x=1&format=png",
		"auto https://cdn.example/c.GIF?format=png",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("images = %v, want %v", got, want)
	}
}

func TestMessageComponents_EmbedsStickersAttachments(t *testing.T) {
	msg := testMessage("")
	msg.Embeds = []models.Embed{{
		Title:        "News",
		URL:          "https://news.example",
		ImageURL:     "https://img.example/big.gif",
		ThumbnailURL: "https://img.example/thumb.jpg",
	}}
	msg.Stickers = []models.Sticker{{URL: "https://stickers.example/s.png"}}
	msg.Attachments = []models.Attachment{
		{Filename: "photo.JPG", URL: "https://att.example/photo.JPG"},
		{Filename: "anim.gif", URL: "https://att.example/anim.gif?ex=1"},
		{Filename: "notes.txt", URL: "https://att.example/notes.txt", ContentType: "text/plain"},
		{Filename: "blob", URL: "https://att.example/blob", ContentType: "image/heic"},
	}

	components := MessageComponents(msg, false)
	meta, ok := components[0].(*agentctx.Metadata)
	if !ok || meta.Title() != "EMBED" {
		t.Fatalf("first component = %v, want EMBED metadata", components[0])
	}
	if !strings.Contains(meta.Text(), "embed_title=News") || !strings.Contains(meta.Text(), "embed_url=https://news.example") {
		t.Errorf("embed text = %q", meta.Text())
	}

	want := []string{
		"high https://img.example/big.gif?format=png",
		"low https://img.example/thumb.jpg",
		"auto https://stickers.example/s.png",
		"auto https://att.example/photo.JPG",
		"auto https://att.example/anim.gif?ex=1&format=png",
		"auto https://att.example/blob",
	}
	if got := imageURLs(components); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("images = %v, want %v", got, want)
	}
}

func TestMessageComponents_Reference(t *testing.T) {
	long := strings.Repeat("a", 299) + "\nbcd"
	tests := []struct {
		name string
		ref  *models.Message
		want string
	}{
		{
			name: "bot reference",
			ref:  &models.Message{ID: "9", Author: models.Author{Name: "mari4", Bot: true}, Content: "line one\nline two"},
			want: "[reference to your previous message: line one line two]",
		},
		{
			name: "user reference",
			ref:  &models.Message{ID: "9", Author: models.Author{Name: "bob"}, Content: "hi"},
			want: "[reference to message from bob: hi]",
		},
		{
			name: "empty reference",
			ref:  &models.Message{ID: "9", Author: models.Author{Name: "bob"}},
			want: "[reference to message from bob: (message without text)]",
		},
		{
			name: "embed description wins",
			ref: &models.Message{ID: "9", Author: models.Author{Name: "bob"}, Content: "text",
				Embeds: []models.Embed{{Description: "from embed"}}},
			want: "[reference to message from bob: from embed]",
		},
		{
			name: "long reference truncated",
			ref:  &models.Message{ID: "9", Author: models.Author{Name: "bob"}, Content: long},
			want: "[reference to message from bob: " + strings.Repeat("a", 299) + " ...]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage("reply")
			msg.Reference = tt.ref
			components := MessageComponents(msg, false)
			last := components[len(components)-1]
			if last.Text() != tt.want {
				t.Errorf("reference = %q, want %q", last.Text(), tt.want)
			}
		})
	}
}

func TestIsImageAttachment(t *testing.T) {
	tests := []struct {
		att  models.Attachment
		want bool
	}{
		{models.Attachment{Filename: "a.bmp"}, true},
		{models.Attachment{Filename: "a.bin", ContentType: "image/png"}, true},
		{models.Attachment{Filename: "a.mp3", ContentType: "audio/mpeg"}, false},
		{models.Attachment{Filename: "a.txt"}, false},
	}
	for _, tt := range tests {
		if got := IsImageAttachment(tt.att); got != tt.want {
			t.Errorf("IsImageAttachment(%+v) = %v, want %v", tt.att, got, tt.want)
		}
	}
}
