package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
	"github.com/angelmondragon/mediasearch-backend/pkg/metrics"
)

const (
	CloseNormal        = 1000
	CloseServiceReload = 1012
	CloseTryAgainLater = 1013
	CloseAuthTimeout   = 4001
	CloseAuthRequired  = 4002
	CloseInvalidToken  = 4003
	CloseInvalidFormat = 4004
)

// Conn is one live client connection. Send must not block; an error marks the
// connection as dead.
type Conn interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// Manager tracks the connections and upload subscriptions held by this process.
type Manager struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]map[Conn]struct{}
	subscribers map[uuid.UUID]map[uuid.UUID]struct{} // upload -> users
	uploads     map[uuid.UUID]map[uuid.UUID]struct{} // user -> uploads
	logg        *logger.Logger
	metrics     *metrics.PipelineMetrics
}

func NewManager(logg *logger.Logger, m *metrics.PipelineMetrics) *Manager {
	return &Manager{
		connections: make(map[uuid.UUID]map[Conn]struct{}),
		subscribers: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		uploads:     make(map[uuid.UUID]map[uuid.UUID]struct{}),
		logg:        logg,
		metrics:     m,
	}
}

// Connect registers conn for userID.
func (m *Manager) Connect(userID uuid.UUID, conn Conn) {
	m.mu.Lock()
	set, ok := m.connections[userID]
	if !ok {
		set = make(map[Conn]struct{})
		m.connections[userID] = set
	}
	set[conn] = struct{}{}
	total := m.countLocked()
	m.mu.Unlock()

	m.metrics.SetConnections(total)
}

// Disconnect removes conn. When it was the user's last connection, the user's
// upload subscriptions are dropped as well.
func (m *Manager) Disconnect(userID uuid.UUID, conn Conn) {
	m.mu.Lock()
	if set, ok := m.connections[userID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(m.connections, userID)
			for uploadID := range m.uploads[userID] {
				m.removeSubscriberLocked(uploadID, userID)
			}
			delete(m.uploads, userID)
		}
	}
	total := m.countLocked()
	m.mu.Unlock()

	m.metrics.SetConnections(total)
}

// SubscribeUpload routes progress for uploadID to userID's connections.
func (m *Manager) SubscribeUpload(userID, uploadID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.subscribers[uploadID]
	if !ok {
		users = make(map[uuid.UUID]struct{})
		m.subscribers[uploadID] = users
	}
	users[userID] = struct{}{}

	ids, ok := m.uploads[userID]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		m.uploads[userID] = ids
	}
	ids[uploadID] = struct{}{}
}

// UnsubscribeUpload stops routing uploadID to userID.
func (m *Manager) UnsubscribeUpload(userID, uploadID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeSubscriberLocked(uploadID, userID)
	if ids, ok := m.uploads[userID]; ok {
		delete(ids, uploadID)
		if len(ids) == 0 {
			delete(m.uploads, userID)
		}
	}
}

func (m *Manager) removeSubscriberLocked(uploadID, userID uuid.UUID) {
	users, ok := m.subscribers[uploadID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.subscribers, uploadID)
	}
}

// SubscriberIDs returns the users subscribed to uploadID.
func (m *Manager) SubscriberIDs(uploadID uuid.UUID) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(m.subscribers[uploadID]))
	for id := range m.subscribers[uploadID] {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionCount reports the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked()
}

func (m *Manager) countLocked() int {
	n := 0
	for _, set := range m.connections {
		n += len(set)
	}
	return n
}

func (m *Manager) connectionsFor(userID uuid.UUID) []Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.connections[userID]
	out := make([]Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// Deliver writes payload to every connection of userID and returns how many
// accepted it. A connection that fails is dropped and closed so the client
// notices the gap and reconnects.
func (m *Manager) Deliver(ctx context.Context, userID uuid.UUID, payload []byte) int {
	delivered := 0
	for _, conn := range m.connectionsFor(userID) {
		if err := conn.Send(payload); err != nil {
			m.logg.Debug(m.logg.WithFields(ctx, map[string]any{
				"user_id": userID.String(),
				"error":   err.Error(),
			}), "realtime.send.dead_connection")
			m.Disconnect(userID, conn)
			_ = conn.Close(CloseTryAgainLater, "Event stream interrupted")
			continue
		}
		delivered++
	}
	return delivered
}

// SendToUser encodes msg and delivers it to every connection of userID.
func (m *Manager) SendToUser(ctx context.Context, userID uuid.UUID, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	m.Deliver(ctx, userID, payload)
	return nil
}

// DeliverToUploadSubscribers forwards payload to every local subscriber of uploadID.
func (m *Manager) DeliverToUploadSubscribers(ctx context.Context, uploadID uuid.UUID, payload []byte) int {
	delivered := 0
	for _, userID := range m.SubscriberIDs(uploadID) {
		delivered += m.Deliver(ctx, userID, payload)
	}
	return delivered
}

// SendToUploadSubscribers encodes msg and forwards it to the subscribers of uploadID.
func (m *Manager) SendToUploadSubscribers(ctx context.Context, uploadID uuid.UUID, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	m.DeliverToUploadSubscribers(ctx, uploadID, payload)
	return nil
}

// DisconnectAll closes every connection, used on shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := make([]Conn, 0)
	for _, set := range m.connections {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	m.connections = make(map[uuid.UUID]map[Conn]struct{})
	m.subscribers = make(map[uuid.UUID]map[uuid.UUID]struct{})
	m.uploads = make(map[uuid.UUID]map[uuid.UUID]struct{})
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(CloseServiceReload, "Server reloading")
	}
	m.metrics.SetConnections(0)
}
