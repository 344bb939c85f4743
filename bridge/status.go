package bridge

import "sync"

// State is the sync state of a room.
type State string

const (
	StateLoading      State = "loading"
	StateOfflineReady State = "offline-ready"
	StateSynced       State = "synced"
	StateNotSynced    State = "not-synced"
)

// Connection says whether the room's transport is open.
type Connection string

const (
	ConnectionOnline  Connection = "online"
	ConnectionOffline Connection = "offline"
)

// Status is what the bridge reports to the UI.
type Status struct {
	State      State
	Connection Connection
	Err        error
}

// statusBoard holds the current status and fans changes out to callbacks.
type statusBoard struct {
	mu        sync.Mutex
	status    Status
	failed    bool
	callbacks []func(Status)
}

func newStatusBoard() *statusBoard {
	return &statusBoard{status: Status{State: StateLoading, Connection: ConnectionOffline}}
}

func (b *statusBoard) get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *statusBoard) onChange(fn func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// setState changes the sync state unless the room has failed for good.
func (b *statusBoard) setState(state State, err error) {
	b.update(func(s *Status) {
		if b.failed {
			return
		}
		s.State = state
		s.Err = err
	})
}

func (b *statusBoard) fail(err error) {
	b.update(func(s *Status) {
		b.failed = true
		s.State = StateNotSynced
		s.Err = err
	})
}

func (b *statusBoard) update(fn func(s *Status)) {
	b.mu.Lock()
	prev := b.status
	fn(&b.status)
	next := b.status
	callbacks := append(([]func(Status))(nil), b.callbacks...)
	b.mu.Unlock()

	if sameStatus(prev, next) {
		return
	}
	for _, cb := range callbacks {
		cb(next)
	}
}

func sameStatus(a, b Status) bool {
	return a.State == b.State && a.Connection == b.Connection && errText(a.Err) == errText(b.Err)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
