package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/pkg/models"
)

// CacheStats is implemented by attachment processors that keep a cache.
type CacheStats interface {
	CacheStats() map[string]int
}

// ManagerStats summarizes all sessions.
type ManagerStats struct {
	ActiveSessions int            `json:"active_sessions"`
	CacheStats     map[string]int `json:"cache_stats,omitempty"`
}

// Manager owns the channel sessions. Sessions are created lazily and
// share one tool registry, one completion client and one attachment
// processor.
type Manager struct {
	completer Completer
	registry  *ToolRegistry
	config    SessionConfig
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. config is the template every
// session is created with.
func NewManager(completer Completer, registry *ToolRegistry, config SessionConfig) *Manager {
	if registry == nil {
		registry = NewToolRegistry()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sessions")
	}
	return &Manager{
		completer: completer,
		registry:  registry,
		config:    config,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Registry returns the shared tool registry.
func (m *Manager) Registry() *ToolRegistry { return m.registry }

// RegisterTool adds a tool to the shared registry.
func (m *Manager) RegisterTool(tool Tool) error { return m.registry.Register(tool) }

// UnregisterTool removes a tool from the shared registry.
func (m *Manager) UnregisterTool(name string) { m.registry.Unregister(name) }

// EnsureSession returns the session of channelID, creating it if needed.
func (m *Manager) EnsureSession(channelID string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[channelID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[channelID]; ok {
		return s
	}
	s = NewSession(channelID, m.completer, m.registry, m.config)
	m.sessions[channelID] = s
	m.config.Metrics.SetActiveSessions(len(m.sessions))
	m.logger.Debug("session created", "channel_id", channelID)
	return s
}

// Get returns an existing session.
func (m *Manager) Get(channelID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[channelID]
	return s, ok
}

// Remove drops the session of channelID.
func (m *Manager) Remove(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, channelID)
	m.config.Metrics.SetActiveSessions(len(m.sessions))
}

// Sessions returns the live sessions ordered by channel ID.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].channelID < out[j].channelID })
	return out
}

// Ingest appends msg to its channel's context.
func (m *Manager) Ingest(ctx context.Context, msg *models.Message, contextOnly bool) *agentctx.UserRecord {
	return m.EnsureSession(msg.ChannelID).Ingest(ctx, msg, contextOnly)
}

// RunCompletion runs a completion cycle in channelID.
func (m *Manager) RunCompletion(ctx context.Context, channelID string, trigger *models.Message, status StatusFunc) (*Response, error) {
	return m.EnsureSession(channelID).RunCompletion(ctx, trigger, status)
}

// RunAutonomousTask runs a scheduled prompt in channelID.
func (m *Manager) RunAutonomousTask(ctx context.Context, channelID, userName, userID, prompt string) (*Response, error) {
	return m.EnsureSession(channelID).RunAutonomousTask(ctx, userName, userID, prompt)
}

// Forget clears the context of channelID. It reports whether a session
// existed.
func (m *Manager) Forget(channelID string) bool {
	s, ok := m.Get(channelID)
	if !ok {
		return false
	}
	s.Forget()
	return true
}

// SessionStats returns the statistics of channelID's session, if any.
func (m *Manager) SessionStats(channelID string) (SessionStats, bool) {
	s, ok := m.Get(channelID)
	if !ok {
		return SessionStats{}, false
	}
	return s.Stats(), true
}

// Stats returns global statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	stats := ManagerStats{ActiveSessions: len(m.sessions)}
	m.mu.RUnlock()
	if cs, ok := m.config.Attachments.(CacheStats); ok {
		stats.CacheStats = cs.CacheStats()
	}
	return stats
}
