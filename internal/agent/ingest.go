package agent

import (
	"fmt"
	"regexp"
	"strings"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/pkg/models"
)

const (
	// ContextOnlyMarker prefixes messages ingested without a reply.
	ContextOnlyMarker = "[CONTEXT] "

	referencePreviewLimit = 300
	emptyReferenceText    = "(message without text)"
)

var (
	urlPattern   = regexp.MustCompile(`https?://\S+`)
	queryPattern = regexp.MustCompile(`\?.*$`)
)

// MessageComponents decomposes a chat message into context components:
// the formatted text line, image links found in the text, embeds,
// stickers, image attachments and the replied-to message.
//
// Non-image attachments are left to the AttachmentProcessor, which runs
// only when the message triggers a completion.
func MessageComponents(msg *models.Message, contextOnly bool) []agentctx.Component {
	var components []agentctx.Component

	if msg.Content != "" {
		marker := ""
		if contextOnly {
			marker = ContextOnlyMarker
		}
		components = append(components, agentctx.NewText(fmt.Sprintf("%s[%s] %s (%s): %s",
			marker, msg.ID, msg.Author.Name, msg.Author.ID, msg.Text())))

		for _, raw := range urlPattern.FindAllString(msg.Content, -1) {
			clean := queryPattern.ReplaceAllString(raw, "")
			switch {
			case hasSuffix(clean, ".png", ".jpg", ".jpeg", ".webp"):
				components = append(components, agentctx.NewImage(clean, agentctx.DetailAuto))
			case strings.HasSuffix(strings.ToLower(clean), ".gif"):
				components = append(components, agentctx.NewImage(staticFrameURL(raw), agentctx.DetailAuto))
			}
		}
	}

	for _, embed := range msg.Embeds {
		if embed.Title != "" || embed.Description != "" || embed.URL != "" {
			components = append(components, agentctx.NewMetadata("EMBED",
				agentctx.KV("embed_title", embed.Title),
				agentctx.KV("embed_description", embed.Description),
				agentctx.KV("embed_url", embed.URL),
			))
		}
		if embed.ImageURL != "" {
			components = append(components, agentctx.NewImage(normalizeGIF(embed.ImageURL), agentctx.DetailHigh))
		}
		if embed.ThumbnailURL != "" {
			components = append(components, agentctx.NewImage(normalizeGIF(embed.ThumbnailURL), agentctx.DetailLow))
		}
	}

	for _, sticker := range msg.Stickers {
		if sticker.URL != "" {
			components = append(components, agentctx.NewImage(sticker.URL, agentctx.DetailAuto))
		}
	}

	for _, att := range msg.Attachments {
		if !IsImageAttachment(att) {
			continue
		}
		url := att.URL
		if att.Extension() == "gif" {
			url = staticFrameURL(url)
		}
		components = append(components, agentctx.NewImage(url, agentctx.DetailAuto))
	}

	if ref := msg.Reference; ref != nil {
		preview := referencePreview(ref)
		if ref.Author.Bot {
			components = append(components, agentctx.NewMetadata("REFERENCE",
				agentctx.KV("yourself", "true"),
				agentctx.KV("starting_with", preview),
			))
		} else {
			components = append(components, agentctx.NewMetadata("REFERENCE",
				agentctx.KV("author", ref.Author.Name),
				agentctx.KV("message_id", ref.ID),
				agentctx.KV("content", preview),
			))
		}
	}

	return components
}

// IsImageAttachment reports whether an attachment is sent to the model as
// an image.
func IsImageAttachment(att models.Attachment) bool {
	if strings.HasPrefix(att.ContentType, "image/") {
		return true
	}
	switch att.Extension() {
	case "png", "jpg", "jpeg", "webp", "bmp", "gif":
		return true
	}
	return false
}

func referencePreview(ref *models.Message) string {
	content := ref.Content
	for _, embed := range ref.Embeds {
		if embed.Description != "" {
			content = embed.Description
			break
		}
	}
	if content == "" {
		return emptyReferenceText
	}
	if r := []rune(content); len(r) > referencePreviewLimit {
		return strings.ReplaceAll(string(r[:referencePreviewLimit]), "\n", " ") + "..."
	}
	return strings.ReplaceAll(content, "\n", " ")
}

// staticFrameURL asks the Discord media proxy for the first frame of a GIF.
func staticFrameURL(url string) string {
	if strings.Contains(url, "?") {
		return url + "&format=png"
	}
	return url + "?format=png"
}

func normalizeGIF(url string) string {
	if strings.HasSuffix(strings.ToLower(url), ".gif") {
		return staticFrameURL(url)
	}
	return url
}

func hasSuffix(s string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
