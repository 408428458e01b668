package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/GitAcrown/MARI4/pkg/models"
)

const stickerURLFormat = "https://media.discordapp.net/stickers/%s.%s"

// convertMessage maps a gateway message to the platform-neutral model.
// The referenced message is converted one level deep, and its author is
// flagged as a bot only when it is this bot.
func convertMessage(m *discordgo.Message, botID string) *models.Message {
	if m == nil {
		return nil
	}
	msg := convertFlat(m)
	if ref := m.ReferencedMessage; ref != nil {
		converted := convertFlat(ref)
		if botID != "" && ref.Author != nil {
			converted.Author.Bot = ref.Author.ID == botID
		}
		msg.Reference = converted
	}
	return msg
}

func convertFlat(m *discordgo.Message) *models.Message {
	msg := &models.Message{
		ID:           m.ID,
		ChannelID:    m.ChannelID,
		GuildID:      m.GuildID,
		Content:      m.Content,
		CleanContent: m.ContentWithMentionsReplaced(),
		CreatedAt:    m.Timestamp,
		EditedAt:     m.EditedTimestamp,
	}
	if m.Author != nil {
		msg.Author = models.Author{
			ID:   m.Author.ID,
			Name: m.Author.Username,
			Bot:  m.Author.Bot,
		}
	}
	for _, u := range m.Mentions {
		if u != nil {
			msg.Mentions = append(msg.Mentions, u.ID)
		}
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:          a.ID,
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
		})
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		embed := models.Embed{Title: e.Title, Description: e.Description, URL: e.URL}
		if e.Image != nil {
			embed.ImageURL = e.Image.URL
		}
		if e.Thumbnail != nil {
			embed.ThumbnailURL = e.Thumbnail.URL
		}
		msg.Embeds = append(msg.Embeds, embed)
	}
	for _, s := range m.StickerItems {
		if sticker, ok := convertSticker(s); ok {
			msg.Stickers = append(msg.Stickers, sticker)
		}
	}
	return msg
}

// convertSticker skips Lottie stickers, which have no image rendition.
func convertSticker(s *discordgo.StickerItem) (models.Sticker, bool) {
	if s == nil {
		return models.Sticker{}, false
	}
	var ext string
	switch s.FormatType {
	case discordgo.StickerFormatTypePNG, discordgo.StickerFormatTypeAPNG:
		ext = "png"
	case discordgo.StickerFormatTypeGIF:
		ext = "gif"
	default:
		return models.Sticker{}, false
	}
	return models.Sticker{
		ID:   s.ID,
		Name: s.Name,
		URL:  fmt.Sprintf(stickerURLFormat, s.ID, ext),
	}, true
}
