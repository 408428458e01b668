// Package context holds the conversation state of one chat channel.
//
// This package handles:
//   - Content components: text, images and bracket-tagged metadata
//   - Message records: user, assistant, tool response and developer turns
//   - Budget management: trimming by token window and message age
//   - Wire payloads: the ordered messages sent to the completion API
package context

import (
	"strings"

	"github.com/GitAcrown/MARI4/internal/tokens"
)

// ImageTokenCost is the flat token estimate charged for any image.
const ImageTokenCost = 250

// ComponentKind identifies the variant of a Component.
type ComponentKind string

const (
	KindText     ComponentKind = "text"
	KindImage    ComponentKind = "image_url"
	KindMetadata ComponentKind = "metadata"
)

// ImageDetail is the resolution hint sent with an image.
type ImageDetail string

const (
	DetailLow  ImageDetail = "low"
	DetailHigh ImageDetail = "high"
	DetailAuto ImageDetail = "auto"
)

// Component is one piece of a message's content. The set of
// implementations is closed: *Text, *Image and *Metadata.
type Component interface {
	Kind() ComponentKind
	Tokens() int
	// Text returns the textual rendering, or "" for images.
	Text() string
	part() Part
}

// Text is a plain text component.
type Text struct {
	text   string
	tokens int
}

// NewText creates a text component and counts its tokens.
func NewText(text string) *Text {
	return &Text{text: text, tokens: tokens.Count(text)}
}

func (t *Text) Kind() ComponentKind { return KindText }
func (t *Text) Tokens() int         { return t.tokens }
func (t *Text) Text() string        { return t.text }
func (t *Text) part() Part          { return Part{Type: "text", Text: t.text} }

// Image references an image by URL.
type Image struct {
	url    string
	detail ImageDetail
}

// NewImage creates an image component. An empty detail means auto.
func NewImage(url string, detail ImageDetail) *Image {
	if detail == "" {
		detail = DetailAuto
	}
	return &Image{url: url, detail: detail}
}

func (i *Image) Kind() ComponentKind { return KindImage }
func (i *Image) Tokens() int         { return ImageTokenCost }
func (i *Image) Text() string        { return "" }
func (i *Image) URL() string         { return i.url }
func (i *Image) Detail() ImageDetail { return i.detail }
func (i *Image) part() Part {
	return Part{Type: "image_url", ImageURL: &ImageURL{URL: i.url, Detail: i.detail}}
}

// Attr is one key/value pair of a Metadata component. Order is preserved.
type Attr struct {
	Key   string
	Value string
}

// KV is shorthand for building an Attr.
func KV(key, value string) Attr {
	return Attr{Key: key, Value: value}
}

// Metadata is structured context rendered as bracket-tagged text.
type Metadata struct {
	title  string
	attrs  []Attr
	text   string
	tokens int
}

// NewMetadata renders and counts a metadata component.
//
// REFERENCE metadata renders as a sentence the model reads naturally:
// with yourself=true it points at one of the bot's own messages
// (starting_with holds the preview), otherwise it names the author and
// quotes content. Any other title renders as <TITLE k=v ...>.
func NewMetadata(title string, attrs ...Attr) *Metadata {
	m := &Metadata{title: strings.ToUpper(title), attrs: append([]Attr(nil), attrs...)}
	m.text = m.render()
	m.tokens = tokens.Count(m.text)
	return m
}

func (m *Metadata) render() string {
	if m.title == "REFERENCE" {
		if m.attr("yourself") == "true" {
			return "[reference to your previous message: " + m.attr("starting_with") + "]"
		}
		author := m.attr("author")
		if author == "" {
			author = "user"
		}
		return "[reference to message from " + author + ": " + m.attr("content") + "]"
	}

	var b strings.Builder
	b.WriteString("<")
	b.WriteString(m.title)
	for _, a := range m.attrs {
		b.WriteString(" ")
		b.WriteString(strings.ToLower(a.Key))
		b.WriteString("=")
		b.WriteString(a.Value)
	}
	b.WriteString(">")
	return b.String()
}

func (m *Metadata) attr(key string) string {
	for _, a := range m.attrs {
		if strings.EqualFold(a.Key, key) {
			return a.Value
		}
	}
	return ""
}

// Title returns the upper-cased metadata title.
func (m *Metadata) Title() string { return m.title }

// Attrs returns a copy of the metadata attributes.
func (m *Metadata) Attrs() []Attr { return append([]Attr(nil), m.attrs...) }

func (m *Metadata) Kind() ComponentKind { return KindMetadata }
func (m *Metadata) Tokens() int         { return m.tokens }
func (m *Metadata) Text() string        { return m.text }
func (m *Metadata) part() Part          { return Part{Type: "text", Text: m.text} }

// CloneComponent returns an independent copy of c.
func CloneComponent(c Component) Component {
	switch v := c.(type) {
	case *Text:
		cp := *v
		return &cp
	case *Image:
		cp := *v
		return &cp
	case *Metadata:
		cp := *v
		cp.attrs = append([]Attr(nil), v.attrs...)
		return &cp
	default:
		return NewText(c.Text())
	}
}
