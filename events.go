package netcore

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ============================================================================
// Event Registry
// ============================================================================

// ListenerFunc receives the raw arguments of an inbound hub event.
type ListenerFunc func(args []json.RawMessage)

// Listener is a registration handle. Registering the same *Listener twice
// for one event keeps a single entry; removal is by handle.
type Listener struct {
	fn ListenerFunc
}

func NewListener(fn ListenerFunc) *Listener {
	return &Listener{fn: fn}
}

// EventRegistry fans inbound events out to listeners. Event names are
// matched case-insensitively, as hub method names are.
type EventRegistry struct {
	log     atomic.Pointer[zap.Logger]
	metrics *Metrics

	mu        sync.RWMutex
	listeners map[string][]*Listener
}

func NewEventRegistry(log *zap.Logger, m *Metrics) *EventRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics()
	}
	r := &EventRegistry{
		metrics:   m,
		listeners: make(map[string][]*Listener),
	}
	r.SetLogger(log)
	return r
}

// SetLogger replaces the registry's logger; it is safe during dispatch.
func (r *EventRegistry) SetLogger(log *zap.Logger) {
	r.log.Store(log.Named(logEvents))
}

func eventKey(event string) string { return strings.ToLower(event) }

// On adds l to event's listeners unless it is already there.
func (r *EventRegistry) On(event string, l *Listener) {
	if l == nil || l.fn == nil {
		return
	}
	key := eventKey(event)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners[key] {
		if existing == l {
			return
		}
	}
	r.listeners[key] = append(r.listeners[key], l)
}

// OnFunc registers fn and returns its handle for Off.
func (r *EventRegistry) OnFunc(event string, fn ListenerFunc) *Listener {
	l := NewListener(fn)
	r.On(event, l)
	return l
}

// Off removes l from event. A nil l removes every listener for event.
func (r *EventRegistry) Off(event string, l *Listener) {
	key := eventKey(event)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l == nil {
		delete(r.listeners, key)
		return
	}
	current := r.listeners[key]
	for i, existing := range current {
		if existing != l {
			continue
		}
		next := make([]*Listener, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, key)
		} else {
			r.listeners[key] = next
		}
		return
	}
}

// Count returns the number of listeners for event.
func (r *EventRegistry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[eventKey(event)])
}

// Events lists the event names that have listeners.
func (r *EventRegistry) Events() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.listeners))
	for name := range r.listeners {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Dispatch calls every listener for event in registration order, on the
// caller's goroutine. A panicking listener is logged and skipped.
func (r *EventRegistry) Dispatch(event string, args []json.RawMessage) {
	r.mu.RLock()
	handlers := append([]*Listener(nil), r.listeners[eventKey(event)]...)
	r.mu.RUnlock()

	r.metrics.EventsReceived.WithLabelValues(eventKey(event)).Inc()
	if len(handlers) == 0 {
		r.log.Load().Debug("no listeners for event", zap.String("event", event))
		return
	}
	for _, h := range handlers {
		r.call(event, h, args)
	}
}

func (r *EventRegistry) call(event string, h *Listener, args []json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.ListenerPanics.Inc()
			r.log.Load().Error("listener panicked", zap.String("event", event), zap.Any("panic", rec))
		}
	}()
	h.fn(args)
}
