package events

import (
	"sync"
	"sync/atomic"
	"time"

	"autosave/pkg/logger"
	"autosave/pkg/ratelimit"

	"github.com/google/uuid"
)

// DefaultBuffer is the channel capacity given to subscribers
const DefaultBuffer = 64

// progressKey debounces all progress events together
const progressKey = "progress"

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose channel is full misses the event. Warnings are debounced per code
// and progress events as a whole, except persistent warnings.
type Bus struct {
	sessionID string
	debounce  *ratelimit.Debouncer
	logger    logger.Logger
	now       func() time.Time

	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus stamping events with sessionID. window is the
// debounce window for warnings and progress; zero disables debouncing.
func NewBus(sessionID string, window time.Duration, log logger.Logger) *Bus {
	if log == nil {
		log = logger.GetLogger()
	}
	b := &Bus{
		sessionID: sessionID,
		logger:    log.WithField("component", "events"),
		now:       time.Now,
		subs:      map[chan Event]struct{}{},
	}
	if window > 0 {
		b.debounce = ratelimit.NewDebouncer(window, func() time.Time { return b.now() })
	}
	return b
}

// Subscribe returns a channel receiving every later event and a function
// that cancels the subscription. buffer <= 0 means DefaultBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(ch) })
	}
}

func (b *Bus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish stamps ev and delivers it to every subscriber that has room. It
// reports whether the event passed debouncing.
func (b *Bus) Publish(ev Event) bool {
	if ev == nil {
		return false
	}
	if !b.admit(&ev) {
		return false
	}

	h := ev.Meta()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.At.IsZero() {
		h.At = b.now()
	}
	if h.SessionID == "" {
		h.SessionID = b.sessionID
	}
	ev = ev.withHeader(h)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.published.Add(1)
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.DebugWithFields("Subscriber full, event dropped", map[string]interface{}{
				"type": string(ev.Type()),
			})
		}
	}
	return true
}

// admit applies debouncing and records held-back counts on warnings
func (b *Bus) admit(ev *Event) bool {
	if b.debounce == nil {
		return true
	}
	switch e := (*ev).(type) {
	case Warning:
		if e.Persistent {
			return true
		}
		ok, held := b.debounce.Allow("warning:" + e.Code)
		if ok && held > 0 {
			e.Suppressed = held
			*ev = e
		}
		return ok
	case Progress:
		ok, _ := b.debounce.Allow(progressKey)
		return ok
	}
	return true
}

// Published returns how many events passed debouncing
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped returns how many deliveries were lost to full subscribers
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
