package server

import (
	"context"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

// wsSession is one authenticated connection. Frames reach the transport only
// through the bounded outbound queue drained by a single writer.
type wsSession struct {
	connectionID string
	identity     requestctx.Identity
	conn         io.Closer
	outbound     chan []byte
	done         chan struct{}
	closeOnce    sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newWSSession(connectionID string, identity requestctx.Identity, conn io.Closer, queueSize int) *wsSession {
	if queueSize <= 0 {
		queueSize = defaultOutboundQueueSize
	}
	return &wsSession{
		connectionID: connectionID,
		identity:     identity,
		conn:         conn,
		outbound:     make(chan []byte, queueSize),
		done:         make(chan struct{}),
		rooms:        make(map[string]struct{}),
	}
}

// ConnectionID implements broadcast.Member.
func (s *wsSession) ConnectionID() string {
	return s.connectionID
}

// Enqueue implements broadcast.Member. Frames for a closed session are dropped.
func (s *wsSession) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// Overflow implements broadcast.Member.
func (s *wsSession) Overflow() {
	log.Printf("chat: outbound queue full, disconnecting conn=%q user=%q", s.connectionID, s.identity.UserID)
	go s.close()
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *wsSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// drain waits until the writer has taken every queued frame or wait elapses.
func (s *wsSession) drain(wait time.Duration) {
	deadline := time.Now().Add(wait)
	for len(s.outbound) > 0 && !s.closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *wsSession) addRoom(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[conversationID]; ok {
		return false
	}
	s.rooms[conversationID] = struct{}{}
	return true
}

func (s *wsSession) removeRoom(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[conversationID]; !ok {
		return false
	}
	delete(s.rooms, conversationID)
	return true
}

func (s *wsSession) joinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// sessionManager owns the sessions connected to this instance.
type sessionManager struct {
	services Services

	mu     sync.Mutex
	byUser map[string]map[string]*wsSession
	// disconnected guards Disconnect so cleanup runs once per connection.
	disconnected map[string]*sync.Once

	locks keyedMutex
}

func newSessionManager(services Services) *sessionManager {
	return &sessionManager{
		services:     services,
		byUser:       make(map[string]map[string]*wsSession),
		disconnected: make(map[string]*sync.Once),
	}
}

// Register makes the session reachable by global events and marks the user
// online.
func (m *sessionManager) Register(ctx context.Context, session *wsSession) {
	userID := session.identity.UserID
	m.mu.Lock()
	conns := m.byUser[userID]
	if conns == nil {
		conns = make(map[string]*wsSession)
		m.byUser[userID] = conns
	}
	conns[session.connectionID] = session
	m.disconnected[session.connectionID] = &sync.Once{}
	m.mu.Unlock()

	m.services.Broadcaster.Register(session)
	if err := m.services.Presence.Connect(ctx, userID, session.connectionID); err != nil {
		log.Printf("chat: presence connect failed user=%q conn=%q err=%v", userID, session.connectionID, err)
	}
}

// JoinRoom adds the session to a conversation the user actively participates
// in and tells the other members.
func (m *sessionManager) JoinRoom(ctx context.Context, session *wsSession, conversationID string) (storage.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.Conversation{}, apperrors.New(apperrors.CodeBadRequest, "conversation id is required")
	}
	conversation, participant, err := m.services.Directory.RequireParticipant(ctx, conversationID, session.identity.UserID)
	if err != nil {
		return storage.Conversation{}, err
	}
	if !session.addRoom(conversationID) {
		return conversation, nil
	}
	m.services.Broadcaster.Join(conversationID, session)

	userName := participant.DisplayName
	if userName == "" {
		userName = session.identity.DisplayName()
	}
	if err := m.services.Broadcaster.Broadcast(ctx, conversationID, eventUserJoined, userJoinedPayload{
		ConversationID: conversationID,
		UserID:         session.identity.UserID,
		UserName:       userName,
	}, session.connectionID); err != nil {
		log.Printf("chat: broadcast %s failed conversation=%q err=%v", eventUserJoined, conversationID, err)
	}
	return conversation, nil
}

// LeaveRoom removes the session from a conversation. Leaving a room the
// session never joined is a no-op.
func (m *sessionManager) LeaveRoom(ctx context.Context, session *wsSession, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperrors.New(apperrors.CodeBadRequest, "conversation id is required")
	}
	if !session.removeRoom(conversationID) {
		return nil
	}
	m.services.Broadcaster.Leave(conversationID, session.connectionID)
	m.announceLeft(ctx, session, conversationID)
	return nil
}

// Disconnect tears the session down. It is safe to call from every exit path
// and runs once.
func (m *sessionManager) Disconnect(session *wsSession) {
	m.mu.Lock()
	once := m.disconnected[session.connectionID]
	m.mu.Unlock()
	if once == nil {
		session.close()
		return
	}
	once.Do(func() {
		session.close()
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
		defer cancel()

		for _, room := range m.services.Broadcaster.Unregister(session.connectionID) {
			session.removeRoom(room)
			m.announceLeft(ctx, session, room)
		}

		m.release(session)
		userID := session.identity.UserID
		if err := m.services.Presence.Disconnect(ctx, userID, session.connectionID); err != nil {
			log.Printf("chat: presence disconnect failed user=%q conn=%q err=%v", userID, session.connectionID, err)
		}
	})
}

// RefreshPresence extends the session's presence entry without an explicit
// heartbeat frame.
func (m *sessionManager) RefreshPresence(ctx context.Context, session *wsSession) {
	userID := session.identity.UserID
	if err := m.services.Presence.Heartbeat(ctx, userID, session.connectionID); err != nil {
		log.Printf("chat: presence refresh failed user=%q conn=%q err=%v", userID, session.connectionID, err)
	}
}

// release drops the session from the local index.
func (m *sessionManager) release(session *wsSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disconnected, session.connectionID)
	conns := m.byUser[session.identity.UserID]
	delete(conns, session.connectionID)
	if len(conns) == 0 {
		delete(m.byUser, session.identity.UserID)
	}
}

func (m *sessionManager) announceLeft(ctx context.Context, session *wsSession, conversationID string) {
	if err := m.services.Broadcaster.Broadcast(ctx, conversationID, eventUserLeft, userLeftPayload{
		ConversationID: conversationID,
		UserID:         session.identity.UserID,
	}, session.connectionID); err != nil {
		log.Printf("chat: broadcast %s failed conversation=%q err=%v", eventUserLeft, conversationID, err)
	}
}

// userSessions returns the local sessions of userID.
func (m *sessionManager) userSessions(userID string) []*wsSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*wsSession, 0, len(m.byUser[userID]))
	for _, session := range m.byUser[userID] {
		sessions = append(sessions, session)
	}
	return sessions
}

// sessionCount returns how many sessions this instance holds.
func (m *sessionManager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, conns := range m.byUser {
		total += len(conns)
	}
	return total
}

// closeAll closes every local connection. Each read loop then runs its own
// Disconnect.
func (m *sessionManager) closeAll() {
	m.mu.Lock()
	sessions := make([]*wsSession, 0, len(m.byUser))
	for _, conns := range m.byUser {
		for _, session := range conns {
			sessions = append(sessions, session)
		}
	}
	m.mu.Unlock()
	for _, session := range sessions {
		session.close()
	}
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	lock := k.locks[key]
	if lock == nil {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
