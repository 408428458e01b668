// Package attachments turns chat attachments that are not images into
// context components: audio is transcribed, text files are inlined and
// videos are reported as unsupported.
package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/GitAcrown/MARI4/internal/agent"
	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/pkg/models"
)

// Attachment kinds.
const (
	KindAudio       = "audio"
	KindVideo       = "video"
	KindText        = "text"
	KindImage       = "image"
	KindUnsupported = "unsupported"
)

// Error codes carried in the error attribute of metadata components.
const (
	ErrorTranscriptionFailed = "TRANSCRIPTION_FAILED"
	ErrorFileTooLarge        = "FILE_TOO_LARGE"
	ErrorDownloadFailed      = "DOWNLOAD_FAILED"
	ErrorUnsupported         = "UNSUPPORTED"
)

const truncationMarker = "\n... [CONTENT TRUNCATED]"

var (
	audioExtensions = map[string]bool{"mp3": true, "wav": true, "ogg": true, "m4a": true, "flac": true}
	videoExtensions = map[string]bool{"mp4": true, "avi": true, "mov": true, "webm": true, "mkv": true}
	textExtensions  = map[string]bool{
		"txt": true, "md": true, "py": true, "js": true, "ts": true, "go": true,
		"html": true, "css": true, "json": true, "xml": true, "csv": true,
		"log": true, "yaml": true, "yml": true,
	}
)

// errTooLarge is returned by download when the body exceeds the limit.
var errTooLarge = errors.New("attachment too large")

// Config configures the processor.
type Config struct {
	// MaxTextFileBytes caps text file downloads. Default: 1 MiB.
	MaxTextFileBytes int64

	// MaxTextChars truncates inlined text files. Default: 100000.
	MaxTextChars int

	// MaxAudioBytes caps audio downloads. Default: 25 MiB.
	MaxAudioBytes int64

	// CacheSize bounds each cache. Default: 25.
	CacheSize int

	// DownloadTimeout bounds each download. Default: 30s.
	DownloadTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		MaxTextFileBytes: 1 << 20,
		MaxTextChars:     100000,
		MaxAudioBytes:    25 << 20,
		CacheSize:        25,
		DownloadTimeout:  30 * time.Second,
	}
}

// Processor implements agent.AttachmentProcessor. It is safe for
// concurrent use and shared by all sessions.
type Processor struct {
	transcriber agent.Transcriber
	config      Config
	client      *http.Client
	logger      *slog.Logger

	transcripts *Cache[string]
	files       *Cache[[]agentctx.Component]
}

var (
	_ agent.AttachmentProcessor = (*Processor)(nil)
	_ agent.CacheStats          = (*Processor)(nil)
)

// NewProcessor creates a processor. transcriber may be nil, in which case
// audio attachments report a transcription failure.
func NewProcessor(transcriber agent.Transcriber, config Config) *Processor {
	d := DefaultConfig()
	if config.MaxTextFileBytes <= 0 {
		config.MaxTextFileBytes = d.MaxTextFileBytes
	}
	if config.MaxTextChars <= 0 {
		config.MaxTextChars = d.MaxTextChars
	}
	if config.MaxAudioBytes <= 0 {
		config.MaxAudioBytes = d.MaxAudioBytes
	}
	if config.CacheSize <= 0 {
		config.CacheSize = d.CacheSize
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = d.DownloadTimeout
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.DownloadTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "attachments")
	}
	return &Processor{
		transcriber: transcriber,
		config:      config,
		client:      client,
		logger:      logger,
		transcripts: NewCache[string](config.CacheSize),
		files:       NewCache[[]agentctx.Component](config.CacheSize),
	}
}

// Classify returns the kind of an attachment from its content type and
// extension.
func Classify(att models.Attachment) string {
	contentType := strings.ToLower(att.ContentType)
	ext := att.Extension()
	switch {
	case agent.IsImageAttachment(att):
		return KindImage
	case strings.HasPrefix(contentType, "audio/") || audioExtensions[ext]:
		return KindAudio
	case strings.HasPrefix(contentType, "video/") || videoExtensions[ext]:
		return KindVideo
	case strings.HasPrefix(contentType, "text/") || textExtensions[ext]:
		return KindText
	default:
		return KindUnsupported
	}
}

// Process converts att into components. Images and unsupported types
// yield nothing. Failures are reported as metadata, not errors; an error
// is only returned when ctx is done.
func (p *Processor) Process(ctx context.Context, att models.Attachment) ([]agentctx.Component, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch Classify(att) {
	case KindAudio:
		return p.processAudio(ctx, att), ctx.Err()
	case KindVideo:
		return []agentctx.Component{agentctx.NewMetadata("VIDEO",
			agentctx.KV("filename", att.Filename),
			agentctx.KV("error", ErrorUnsupported),
		)}, nil
	case KindText:
		return p.processText(ctx, att), ctx.Err()
	case KindUnsupported:
		p.logger.Debug("unsupported attachment", "filename", att.Filename, "content_type", att.ContentType)
	}
	return nil, nil
}

func (p *Processor) processAudio(ctx context.Context, att models.Attachment) []agentctx.Component {
	if transcript, ok := p.transcripts.Get(att.URL); ok {
		return []agentctx.Component{audioMetadata(att, transcript)}
	}

	failed := []agentctx.Component{agentctx.NewMetadata("AUDIO",
		agentctx.KV("filename", att.Filename),
		agentctx.KV("error", ErrorTranscriptionFailed),
		agentctx.KV("url", att.URL),
	)}
	if p.transcriber == nil {
		p.logger.Warn("no transcriber configured", "filename", att.Filename)
		return failed
	}

	data, err := p.download(ctx, att.URL, p.config.MaxAudioBytes)
	if err != nil {
		p.logger.Error("audio download failed", "filename", att.Filename, "error", err)
		return failed
	}
	transcript, err := p.transcriber.Transcribe(ctx, att.Filename, bytes.NewReader(data))
	if err != nil {
		p.logger.Error("audio transcription failed", "filename", att.Filename, "error", err)
		return failed
	}

	p.transcripts.Set(att.URL, transcript)
	return []agentctx.Component{audioMetadata(att, transcript)}
}

func audioMetadata(att models.Attachment, transcript string) agentctx.Component {
	return agentctx.NewMetadata("AUDIO",
		agentctx.KV("filename", att.Filename),
		agentctx.KV("transcript", transcript),
		agentctx.KV("url", att.URL),
	)
}

func (p *Processor) processText(ctx context.Context, att models.Attachment) []agentctx.Component {
	if cached, ok := p.files.Get(att.URL); ok {
		return cloneComponents(cached)
	}

	size := strconv.FormatInt(att.Size, 10)
	if att.Size > p.config.MaxTextFileBytes {
		p.logger.Warn("text file too large", "filename", att.Filename, "size", att.Size)
		return []agentctx.Component{agentctx.NewMetadata("FILE",
			agentctx.KV("filename", att.Filename),
			agentctx.KV("size", size),
			agentctx.KV("error", ErrorFileTooLarge),
		)}
	}

	data, err := p.download(ctx, att.URL, p.config.MaxTextFileBytes)
	if err != nil {
		code := ErrorDownloadFailed
		if errors.Is(err, errTooLarge) {
			code = ErrorFileTooLarge
		}
		p.logger.Error("text file download failed", "filename", att.Filename, "error", err)
		return []agentctx.Component{agentctx.NewMetadata("FILE",
			agentctx.KV("filename", att.Filename),
			agentctx.KV("error", code),
		)}
	}

	content, encoding := decodeText(data)
	content, truncated := truncateRunes(content, p.config.MaxTextChars)

	ext := att.Extension()
	if ext == "" {
		ext = "txt"
	}
	components := []agentctx.Component{
		agentctx.NewMetadata("FILE",
			agentctx.KV("filename", att.Filename),
			agentctx.KV("size", size),
			agentctx.KV("encoding", encoding),
			agentctx.KV("extension", ext),
			agentctx.KV("truncated", strconv.FormatBool(truncated)),
		),
		agentctx.NewText("```" + ext + "\n" + content + "\n```"),
	}
	p.files.Set(att.URL, components)
	p.logger.Info("text file processed", "filename", att.Filename, "truncated", truncated)
	return cloneComponents(components)
}

// download fetches url, failing with errTooLarge past limit bytes.
func (p *Processor) download(ctx context.Context, url string, limit int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errTooLarge
	}
	return data, nil
}

// decodeText returns data as a string and the encoding used. Invalid
// UTF-8 is read as Windows-1252, a superset of Latin-1 for printable text.
func decodeText(data []byte) (string, string) {
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return string(data[3:]), "utf-8-sig"
	}
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�"), "utf-8"
	}
	return string(decoded), "cp1252"
}

func truncateRunes(s string, max int) (string, bool) {
	if utf8.RuneCountInString(s) <= max {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:max]) + truncationMarker, true
}

func cloneComponents(in []agentctx.Component) []agentctx.Component {
	out := make([]agentctx.Component, len(in))
	for i, c := range in {
		out[i] = agentctx.CloneComponent(c)
	}
	return out
}

// CacheStats reports the size of each cache.
func (p *Processor) CacheStats() map[string]int {
	return map[string]int{
		"transcript_cache_size": p.transcripts.Len(),
		"file_cache_size":       p.files.Len(),
	}
}

// ClearCaches empties every cache.
func (p *Processor) ClearCaches() {
	p.transcripts.Clear()
	p.files.Clear()
}
