// Package realtime delivers published notifications to live websocket
// sessions. Every session belongs to exactly one user room; there is no
// queue and no replay, a payload that finds no session is simply not
// delivered in real time.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"fieldops/internal/events"
	"fieldops/internal/metrics"

	"github.com/google/uuid"
)

const DefaultBufferSize = 64

// Envelope is the JSON frame a client receives.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const EventNotification = "notification"

type Session struct {
	id     string
	userID uint
	ch     chan []byte
	closed atomic.Bool
	mu     sync.Mutex
}

func (s *Session) ID() string       { return s.id }
func (s *Session) UserID() uint     { return s.userID }
func (s *Session) C() <-chan []byte { return s.ch }

// send never blocks; a full buffer drops the payload.
func (s *Session) send(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

type Hub struct {
	mu         sync.RWMutex
	rooms      map[uint]map[string]*Session
	bufferSize int
	log        *slog.Logger
}

func NewHub(log *slog.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		rooms:      make(map[uint]map[string]*Session),
		bufferSize: bufferSize,
		log:        log,
	}
}

// Attach subscribes the hub to bus and returns the unsubscribe func.
func (h *Hub) Attach(bus events.Bus) func() {
	return bus.Subscribe(h.handle)
}

func (h *Hub) handle(msg events.Message) {
	payload, err := json.Marshal(Envelope{Event: EventNotification, Data: msg.Notification})
	if err != nil {
		h.log.Error("failed to encode realtime payload", slog.String("error", err.Error()))
		return
	}
	h.Emit(msg.UserID, payload)
}

// Join creates a session in userID's room.
func (h *Hub) Join(userID uint) *Session {
	s := &Session{
		id:     uuid.NewString(),
		userID: userID,
		ch:     make(chan []byte, h.bufferSize),
	}
	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[string]*Session)
		h.rooms[userID] = room
	}
	room[s.id] = s
	h.mu.Unlock()

	metrics.RealtimeSessions.Inc()
	return s
}

// Leave drops the session from its room and closes its channel. Safe to
// call more than once.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	room, ok := h.rooms[s.userID]
	_, member := room[s.id]
	if ok && member {
		delete(room, s.id)
		if len(room) == 0 {
			delete(h.rooms, s.userID)
		}
	}
	h.mu.Unlock()

	if member {
		metrics.RealtimeSessions.Dec()
	}
	s.close()
}

// Emit hands payload to every session of userID and returns how many
// accepted it.
func (h *Hub) Emit(userID uint, payload []byte) int {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.rooms[userID]))
	for _, s := range h.rooms[userID] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range sessions {
		if s.send(payload) {
			delivered++
			continue
		}
		metrics.RealtimeDropped.Inc()
		h.log.Warn("realtime payload dropped", slog.String("session_id", s.id), slog.Uint64("user_id", uint64(userID)))
	}
	metrics.RealtimeDelivered.Add(float64(delivered))
	return delivered
}

// Connected returns the number of live sessions of userID.
func (h *Hub) Connected(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}
