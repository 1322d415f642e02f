package netcore

import (
	"context"
	"encoding/json"
	"sync"
)

// Hub method and event names used by the app.
const (
	EventReceiveMessage   = "ReceiveMessage"
	EventReceiveBroadcast = "ReceiveBroadcast"
	MethodSendMessage     = "SendMessage"
	MethodSendBroadcast   = "SendBroadcast"
)

// RealtimeService is the stable surface screens use for realtime features.
type RealtimeService struct {
	m *Manager

	mu          sync.Mutex
	initialized bool
}

func NewRealtimeService(m *Manager) *RealtimeService {
	return &RealtimeService{m: m}
}

// Initialize configures the manager once. Later calls are logged and ignored.
func (s *RealtimeService) Initialize(ctx context.Context, cfg RealtimeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		s.m.logger().Debug("realtime service already initialized")
		return nil
	}
	if err := s.m.Initialize(ctx, cfg); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *RealtimeService) Connect(ctx context.Context) error { return s.m.Connect(ctx) }
func (s *RealtimeService) Disconnect() error                 { return s.m.Disconnect() }
func (s *RealtimeService) IsConnected() bool                 { return s.m.IsConnected() }
func (s *RealtimeService) State() RealtimeState              { return s.m.State() }

func (s *RealtimeService) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return s.m.Invoke(ctx, method, args...)
}

// On registers fn for event and returns a new handle. Set semantics are per
// handle: calling On twice with the same fn delivers each event twice. Keep
// the handle and use AddListener to register it idempotently.
func (s *RealtimeService) On(event string, fn ListenerFunc) *Listener { return s.m.OnFunc(event, fn) }

// AddListener registers l for event. Adding the same handle again is a no-op.
func (s *RealtimeService) AddListener(event string, l *Listener) { s.m.On(event, l) }

func (s *RealtimeService) Off(event string, l *Listener) { s.m.Off(event, l) }

// OnReceiveMessage registers fn for ReceiveMessage and returns a new handle,
// as On does.
func (s *RealtimeService) OnReceiveMessage(fn ListenerFunc) *Listener {
	return s.m.OnFunc(EventReceiveMessage, fn)
}

// OffReceiveMessage removes l, or every ReceiveMessage listener when l is nil.
func (s *RealtimeService) OffReceiveMessage(l *Listener) { s.m.Off(EventReceiveMessage, l) }

// OnReceiveBroadcast registers fn for ReceiveBroadcast and returns a new
// handle, as On does.
func (s *RealtimeService) OnReceiveBroadcast(fn ListenerFunc) *Listener {
	return s.m.OnFunc(EventReceiveBroadcast, fn)
}

func (s *RealtimeService) OffReceiveBroadcast(l *Listener) { s.m.Off(EventReceiveBroadcast, l) }

// SendBroadcast invokes SendBroadcast with data, queueing it while offline.
func (s *RealtimeService) SendBroadcast(ctx context.Context, data any) error {
	_, err := s.m.Invoke(ctx, MethodSendBroadcast, data)
	return err
}

// SendMessage invokes SendMessage with data, queueing it while offline.
func (s *RealtimeService) SendMessage(ctx context.Context, data any) error {
	_, err := s.m.Invoke(ctx, MethodSendMessage, data)
	return err
}

func (s *RealtimeService) ConnectionID() string      { return s.m.ConnectionID() }
func (s *RealtimeService) PendingMessagesCount() int { return s.m.PendingCount() }
