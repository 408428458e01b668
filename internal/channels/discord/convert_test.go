package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/GitAcrown/MARI4/pkg/models"
)

func TestConvertMessage(t *testing.T) {
	edited := testNow.Add(time.Minute)
	dm := &discordgo.Message{
		ID:              "1",
		ChannelID:       "chan",
		GuildID:         "guild",
		Content:         "look <@u2>",
		Timestamp:       testNow,
		EditedTimestamp: &edited,
		Author:          &discordgo.User{ID: "u1", Username: "alice"},
		Mentions:        []*discordgo.User{{ID: "u2", Username: "bob"}},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", URL: "https://cdn/a.txt", Filename: "a.txt", ContentType: "text/plain", Size: 12},
		},
		Embeds: []*discordgo.MessageEmbed{{
			Title:     "Title",
			URL:       "https://example.com",
			Image:     &discordgo.MessageEmbedImage{URL: "https://img/1.png"},
			Thumbnail: &discordgo.MessageEmbedThumbnail{URL: "https://img/t.png"},
		}},
		StickerItems: []*discordgo.StickerItem{
			{ID: "s1", Name: "wave", FormatType: discordgo.StickerFormatTypePNG},
			{ID: "s2", Name: "dance", FormatType: discordgo.StickerFormatTypeGIF},
			{ID: "s3", Name: "lottie", FormatType: discordgo.StickerFormatTypeLottie},
		},
		ReferencedMessage: &discordgo.Message{
			ID:        "0",
			ChannelID: "chan",
			Content:   "earlier answer",
			Author:    &discordgo.User{ID: "bot", Username: "Mari", Bot: true},
		},
	}

	msg := convertMessage(dm, "bot")

	if msg.Author != (models.Author{ID: "u1", Name: "alice"}) {
		t.Errorf("Author = %+v", msg.Author)
	}
	if msg.CleanContent != "look @bob" {
		t.Errorf("CleanContent = %q", msg.CleanContent)
	}
	if msg.EditedAt == nil || !msg.EditedAt.Equal(edited) {
		t.Errorf("EditedAt = %v", msg.EditedAt)
	}
	if !msg.MentionsUser("u2") {
		t.Error("mentions not converted")
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Size != 12 || msg.Attachments[0].Filename != "a.txt" {
		t.Errorf("Attachments = %+v", msg.Attachments)
	}
	if len(msg.Embeds) != 1 || msg.Embeds[0].ImageURL != "https://img/1.png" || msg.Embeds[0].ThumbnailURL != "https://img/t.png" {
		t.Errorf("Embeds = %+v", msg.Embeds)
	}
	wantStickers := []string{
		"https://media.discordapp.net/stickers/s1.png",
		"https://media.discordapp.net/stickers/s2.gif",
	}
	if len(msg.Stickers) != len(wantStickers) {
		t.Fatalf("Stickers = %+v", msg.Stickers)
	}
	for i, want := range wantStickers {
		if msg.Stickers[i].URL != want {
			t.Errorf("sticker %d URL = %q, want %q", i, msg.Stickers[i].URL, want)
		}
	}
	if msg.Reference == nil || !msg.Reference.Author.Bot || msg.Reference.Content != "earlier answer" {
		t.Errorf("Reference = %+v", msg.Reference)
	}
}

func TestConvertMessage_ReferenceToOtherBot(t *testing.T) {
	dm := &discordgo.Message{
		ID:     "1",
		Author: &discordgo.User{ID: "u1"},
		ReferencedMessage: &discordgo.Message{
			ID:     "0",
			Author: &discordgo.User{ID: "other-bot", Bot: true},
		},
	}
	if msg := convertMessage(dm, "bot"); msg.Reference.Author.Bot {
		t.Error("only this bot's messages are flagged")
	}
}

func TestShouldRespond(t *testing.T) {
	mention := &models.Message{Content: "<@bot> hi", Mentions: []string{"bot"}}
	named := &models.Message{Content: "Mari, are you there?"}
	partial := &models.Message{Content: "marine biology"}
	fromBot := &models.Message{Content: "<@bot>", Mentions: []string{"bot"}, Author: models.Author{Bot: true}}

	tests := []struct {
		name string
		mode Mode
		msg  *models.Message
		want bool
	}{
		{"off ignores mentions", ModeOff, mention, false},
		{"strict answers mentions", ModeStrict, mention, true},
		{"strict ignores names", ModeStrict, named, false},
		{"greedy answers mentions", ModeGreedy, mention, true},
		{"greedy answers names", ModeGreedy, named, true},
		{"greedy needs a whole word", ModeGreedy, partial, false},
		{"bots are ignored", ModeGreedy, fromBot, false},
		{"nil message", ModeGreedy, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRespond(tt.mode, tt.msg, "bot", "Mari"); got != tt.want {
				t.Errorf("ShouldRespond() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" Greedy "); err != nil || m != ModeGreedy {
		t.Errorf("ParseMode() = %q, %v", m, err)
	}
	if _, err := ParseMode("loud"); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestSetModes(t *testing.T) {
	a := newTestAdapter(t, newMockSession(), &fakeAgent{}, nil)
	if err := a.SetModes(ModeOff, map[string]Mode{"g": ModeGreedy}); err != nil {
		t.Fatal(err)
	}
	if a.ModeFor("g") != ModeGreedy || a.ModeFor("x") != ModeOff {
		t.Error("modes not replaced")
	}
	if err := a.SetModes(ModeOff, map[string]Mode{"g": "bad"}); err == nil {
		t.Error("invalid guild mode should fail")
	}
	if a.ModeFor("g") != ModeGreedy {
		t.Error("failed reload must keep previous modes")
	}
}

func TestConvertMessageNeverEdited(t *testing.T) {
	dm := &discordgo.Message{
		ID:        "2",
		ChannelID: "chan",
		Content:   "fresh",
		Timestamp: testNow,
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
	}
	msg := convertMessage(dm, "bot")
	if msg.EditedAt != nil {
		t.Errorf("EditedAt = %v, want nil", msg.EditedAt)
	}
	if !msg.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v", msg.CreatedAt)
	}
}
