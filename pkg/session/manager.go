package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clipsync/pkg/protocol"
)

// ActionInitialize is the request action that binds a connection to a
// session; ActionInitialized is the reply action.
const (
	ActionInitialize  = "initialize_session"
	ActionInitialized = "session_initialized"
)

// Sender delivers a message to one connection. The duplex engine satisfies
// this; tests substitute their own.
type Sender interface {
	Send(msg *protocol.Message, connID string) error
}

// Config tunes session capacity and lifecycle timers.
type Config struct {
	// MaxSessions caps the cache; the least recently used session is closed
	// when the cap is exceeded. 0 means unlimited.
	MaxSessions int
	// IdleAfter moves ACTIVE sessions with no activity to IDLE.
	IdleAfter time.Duration
	// ExpireAfter moves IDLE and DISCONNECTED sessions to EXPIRED and
	// removes them.
	ExpireAfter time.Duration
	// ReapInterval is the sweep period for the lifecycle timers.
	ReapInterval time.Duration
	// DrainBatch bounds how many queued messages one ProcessPending call
	// delivers. 0 means drain everything.
	DrainBatch int
}

func (c Config) withDefaults() Config {
	if c.IdleAfter <= 0 {
		c.IdleAfter = 5 * time.Minute
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	return c
}

// Manager owns every session. One lock guards the cache and the index maps;
// message delivery happens outside the lock on snapshots.
type Manager struct {
	cfg    Config
	sender Sender
	log    *zap.Logger

	// OnTerminate, when set, runs with the session id after a session
	// reaches a terminal status, whether by Close, expiry, or eviction.
	// Used for cross-component teardown such as channel unsubscription.
	// Set before traffic starts; called without the manager lock held.
	OnTerminate func(sessionID string)

	mu         sync.Mutex
	cache      *sessionLRU
	byUser     map[string]map[string]struct{}
	byConn     map[string]string
	terminated []string
}

func NewManager(cfg Config, sender Sender, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.L()
	}
	m := &Manager{
		cfg:    cfg.withDefaults(),
		sender: sender,
		log:    log,
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
	m.cache = newSessionLRU(cfg.MaxSessions, m.evictLocked)
	return m
}

// Run drives the lifecycle reaper until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.reap()
		}
	}
}

// Create opens a new ACTIVE session for userID.
func (m *Manager) Create(userID string, metadata map[string]any) Info {
	s := newSession(uuid.NewString(), userID, metadata)
	m.mu.Lock()
	m.cache.Add(s)
	set := m.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		m.byUser[userID] = set
	}
	set[s.ID] = struct{}{}
	info := s.info()
	m.mu.Unlock()
	// Adding may have evicted the least recently used session.
	m.fireTerminated()
	m.log.Info("session created",
		zap.String("session_id", s.ID), zap.String("user_id", userID))
	return info
}

// Get returns a snapshot of the session and refreshes its LRU position.
func (m *Manager) Get(sessionID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cache.Get(sessionID)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// AddConnection attaches connID to the session. A DISCONNECTED session comes
// back ACTIVE; queued messages stay put until ProcessPending.
func (m *Manager) AddConnection(sessionID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cache.Get(sessionID)
	if s == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if s.Status.terminal() {
		return fmt.Errorf("session %s is %s", sessionID, s.Status)
	}
	s.conns[connID] = struct{}{}
	m.byConn[connID] = sessionID
	if s.Status == StatusDisconnected || s.Status == StatusIdle {
		s.Status = StatusActive
	}
	s.LastActive = time.Now()
	return nil
}

// RemoveConnection detaches connID. Removing the last connection moves the
// session to DISCONNECTED; its queue is kept for redelivery on reconnect.
func (m *Manager) RemoveConnection(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.byConn[connID]
	if !ok {
		return "", false
	}
	delete(m.byConn, connID)
	s := m.cache.Peek(sessionID)
	if s == nil {
		return sessionID, true
	}
	delete(s.conns, connID)
	if len(s.conns) == 0 && !s.Status.terminal() {
		s.Status = StatusDisconnected
		s.LastActive = time.Now()
		m.log.Info("session disconnected",
			zap.String("session_id", sessionID),
			zap.Int("pending", s.queue.Len()))
	}
	return sessionID, true
}

// TouchConn records activity on the session behind connID.
func (m *Manager) TouchConn(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID, ok := m.byConn[connID]; ok {
		if s := m.cache.Get(sessionID); s != nil {
			s.touch()
		}
	}
}

// UserOf resolves the owning user and permission list of a session. The
// permission list comes from the "permissions" metadata key set at
// initialization.
func (m *Manager) UserOf(sessionID string) (string, []string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cache.Peek(sessionID)
	if s == nil || s.Status.terminal() {
		return "", nil, false
	}
	var perms []string
	switch v := s.Metadata["permissions"].(type) {
	case []string:
		perms = append(perms, v...)
	case []any:
		for _, p := range v {
			if str, ok := p.(string); ok {
				perms = append(perms, str)
			}
		}
	}
	return s.UserID, perms, true
}

// SessionForConn resolves the session a connection is attached to.
func (m *Manager) SessionForConn(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byConn[connID]
	return id, ok
}

// Enqueue stores msg on the session's pending queue for later delivery.
func (m *Manager) Enqueue(sessionID string, msg *protocol.Message, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cache.Get(sessionID)
	if s == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if s.Status.terminal() {
		return fmt.Errorf("session %s is %s", sessionID, s.Status)
	}
	s.enqueue(msg, priority)
	s.received++
	return nil
}

// ProcessPending drains up to DrainBatch queued messages and delivers each to
// every live connection of the session. Sessions without a connection keep
// their queue untouched.
func (m *Manager) ProcessPending(sessionID string) int {
	m.mu.Lock()
	s := m.cache.Get(sessionID)
	if s == nil || len(s.conns) == 0 {
		m.mu.Unlock()
		return 0
	}
	msgs := s.queue.Drain(m.cfg.DrainBatch)
	conns := make([]string, 0, len(s.conns))
	for id := range s.conns {
		conns = append(conns, id)
	}
	s.sent += uint64(len(msgs))
	m.mu.Unlock()

	delivered := 0
	for _, msg := range msgs {
		ok := false
		for _, connID := range conns {
			if err := m.sender.Send(msg, connID); err == nil {
				ok = true
			}
		}
		if ok {
			delivered++
		}
	}
	return delivered
}

// Deliver sends msg to the session's live connections immediately, falling
// back to the pending queue when none are attached.
func (m *Manager) Deliver(sessionID string, msg *protocol.Message, priority int) error {
	m.mu.Lock()
	s := m.cache.Get(sessionID)
	if s == nil {
		m.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionID)
	}
	if s.Status.terminal() {
		m.mu.Unlock()
		return fmt.Errorf("session %s is %s", sessionID, s.Status)
	}
	if len(s.conns) == 0 {
		s.enqueue(msg, priority)
		m.mu.Unlock()
		return nil
	}
	conns := make([]string, 0, len(s.conns))
	for id := range s.conns {
		conns = append(conns, id)
	}
	s.sent++
	m.mu.Unlock()

	var lastErr error
	ok := false
	for _, connID := range conns {
		if err := m.sender.Send(msg, connID); err != nil {
			lastErr = err
		} else {
			ok = true
		}
	}
	if !ok {
		return lastErr
	}
	return nil
}

// BroadcastToUser delivers msg to every non-terminal session of userID and
// returns how many sessions took it.
func (m *Manager) BroadcastToUser(userID string, msg *protocol.Message, priority int) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if err := m.Deliver(id, msg, priority); err == nil {
			n++
		}
	}
	return n
}

// BroadcastToAll delivers msg to every session except those owned by a user
// in excludeUsers.
func (m *Manager) BroadcastToAll(msg *protocol.Message, priority int, excludeUsers map[string]struct{}) int {
	m.mu.Lock()
	sessions := m.cache.All()
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if _, skip := excludeUsers[s.UserID]; skip {
			continue
		}
		ids = append(ids, s.ID)
	}
	m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if err := m.Deliver(id, msg, priority); err == nil {
			n++
		}
	}
	return n
}

// Close terminates a session, closing its queue and detaching connections.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	s := m.cache.Remove(sessionID)
	if s != nil {
		m.detachLocked(s, StatusClosed)
	}
	m.mu.Unlock()
	m.fireTerminated()
	if s != nil {
		m.log.Info("session closed", zap.String("session_id", sessionID))
	}
}

// HandleInitialize is the engine callback for the session handshake. A
// request carrying a known session_id reattaches the connection and triggers
// redelivery; otherwise a fresh session is created for data.user_id.
func (m *Manager) HandleInitialize(_ context.Context, connID string, msg *protocol.Message) error {
	if msg.SessionID != "" {
		if err := m.AddConnection(msg.SessionID, connID); err == nil {
			user, _, _ := m.UserOf(msg.SessionID)
			reply := initializedReply(msg, msg.SessionID, user, true)
			if err := m.sender.Send(reply, connID); err != nil {
				return err
			}
			m.ProcessPending(msg.SessionID)
			return nil
		}
		// Unknown or terminal session id; fall through to a fresh session.
	}
	userID, _ := msg.Data["user_id"].(string)
	if userID == "" {
		return m.sender.Send(msg.Error("initialize_session requires user_id"), connID)
	}
	meta, _ := msg.Data["metadata"].(map[string]any)
	info := m.Create(userID, meta)
	if err := m.AddConnection(info.ID, connID); err != nil {
		return err
	}
	return m.sender.Send(initializedReply(msg, info.ID, userID, false), connID)
}

func initializedReply(req *protocol.Message, sessionID, userID string, resumed bool) *protocol.Message {
	reply := req.Response(map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
		"resumed":    resumed,
	})
	reply.Action = ActionInitialized
	reply.SessionID = sessionID
	return reply
}

// Stats reports session counts by status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	Pending  int            `json:"pending"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{ByStatus: make(map[Status]int)}
	for _, s := range m.cache.All() {
		st.Total++
		st.ByStatus[s.Status]++
		st.Pending += s.queue.Len()
	}
	return st
}

// reap sweeps lifecycle timers: ACTIVE -> IDLE after IdleAfter, IDLE and
// DISCONNECTED -> EXPIRED after ExpireAfter. Expired sessions are removed.
func (m *Manager) reap() {
	now := time.Now()
	m.mu.Lock()
	var expired []*Session
	for _, s := range m.cache.All() {
		switch s.Status {
		case StatusActive:
			if now.Sub(s.LastActive) > m.cfg.IdleAfter {
				s.Status = StatusIdle
			}
		case StatusIdle, StatusDisconnected:
			if now.Sub(s.LastActive) > m.cfg.ExpireAfter {
				expired = append(expired, s)
			}
		}
	}
	for _, s := range expired {
		m.cache.Remove(s.ID)
		m.detachLocked(s, StatusExpired)
	}
	m.mu.Unlock()
	m.fireTerminated()
	for _, s := range expired {
		m.log.Info("session expired",
			zap.String("session_id", s.ID), zap.String("user_id", s.UserID))
	}
}

// evictLocked runs from the LRU when capacity is exceeded; m.mu is held.
func (m *Manager) evictLocked(s *Session) {
	m.detachLocked(s, StatusClosed)
	m.log.Warn("session evicted",
		zap.String("session_id", s.ID), zap.String("user_id", s.UserID))
}

// detachLocked finalizes a session already removed from the cache; m.mu held.
// The id is queued for the OnTerminate hook, which runs once the caller
// releases the lock.
func (m *Manager) detachLocked(s *Session, final Status) {
	s.Status = final
	for connID := range s.conns {
		delete(m.byConn, connID)
	}
	s.conns = make(map[string]struct{})
	if set := m.byUser[s.UserID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
	m.terminated = append(m.terminated, s.ID)
}

// fireTerminated drains the ids queued by detachLocked and runs OnTerminate
// for each. Must be called with the lock released.
func (m *Manager) fireTerminated() {
	m.mu.Lock()
	ids := m.terminated
	m.terminated = nil
	m.mu.Unlock()
	if m.OnTerminate == nil {
		return
	}
	for _, id := range ids {
		m.OnTerminate(id)
	}
}
