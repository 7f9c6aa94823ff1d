package jensen

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ActivityEntry is one human-readable line of session activity,
// delivered to activity listeners for surfacing in an operations log.
type ActivityEntry struct {
	Time    time.Time
	Level   string // "info" or "error"
	Message string
}

// listenerSet is the session's event registry. Subscriptions return an
// unsubscribe func; delivery is best-effort and a panicking listener
// never breaks the emitter or other listeners.
type listenerSet struct {
	mu         sync.Mutex
	nextID     int
	connection map[int]func(connected bool)
	state      map[int]func(state ConnState)
	device     map[int]func(state DeviceState)
	activity   map[int]func(entry ActivityEntry)
	log        zerolog.Logger
}

func newListenerSet(log zerolog.Logger) *listenerSet {
	return &listenerSet{
		connection: make(map[int]func(bool)),
		state:      make(map[int]func(ConnState)),
		device:     make(map[int]func(DeviceState)),
		activity:   make(map[int]func(ActivityEntry)),
		log:        log,
	}
}

func (s *listenerSet) subscribe(register func(id int), unregister func(id int)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	register(id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			unregister(id)
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet) onConnection(fn func(bool)) func() {
	return s.subscribe(
		func(id int) { s.connection[id] = fn },
		func(id int) { delete(s.connection, id) },
	)
}

func (s *listenerSet) onState(fn func(ConnState)) func() {
	return s.subscribe(
		func(id int) { s.state[id] = fn },
		func(id int) { delete(s.state, id) },
	)
}

func (s *listenerSet) onDevice(fn func(DeviceState)) func() {
	return s.subscribe(
		func(id int) { s.device[id] = fn },
		func(id int) { delete(s.device, id) },
	)
}

func (s *listenerSet) onActivity(fn func(ActivityEntry)) func() {
	return s.subscribe(
		func(id int) { s.activity[id] = fn },
		func(id int) { delete(s.activity, id) },
	)
}

// safeCall isolates listener panics from the emitter.
func (s *listenerSet) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn()
}

func (s *listenerSet) emitConnection(connected bool) {
	for _, fn := range s.snapshotConnection() {
		fn := fn
		s.safeCall(func() { fn(connected) })
	}
}

func (s *listenerSet) emitState(state ConnState) {
	for _, fn := range s.snapshotState() {
		fn := fn
		s.safeCall(func() { fn(state) })
	}
}

func (s *listenerSet) emitDevice(state DeviceState) {
	for _, fn := range s.snapshotDevice() {
		fn := fn
		s.safeCall(func() { fn(state) })
	}
}

func (s *listenerSet) emitActivity(level, message string) {
	entry := ActivityEntry{Time: time.Now(), Level: level, Message: message}
	for _, fn := range s.snapshotActivity() {
		fn := fn
		s.safeCall(func() { fn(entry) })
	}
}

func (s *listenerSet) snapshotConnection() []func(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(bool), 0, len(s.connection))
	for _, fn := range s.connection {
		out = append(out, fn)
	}
	return out
}

func (s *listenerSet) snapshotState() []func(ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(ConnState), 0, len(s.state))
	for _, fn := range s.state {
		out = append(out, fn)
	}
	return out
}

func (s *listenerSet) snapshotDevice() []func(DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(DeviceState), 0, len(s.device))
	for _, fn := range s.device {
		out = append(out, fn)
	}
	return out
}

func (s *listenerSet) snapshotActivity() []func(ActivityEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(ActivityEntry), 0, len(s.activity))
	for _, fn := range s.activity {
		out = append(out, fn)
	}
	return out
}
