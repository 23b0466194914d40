package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the single live snapshot. Readers load it lock-free; writers
// are serialized and always swap in a complete replacement, so a reader
// never observes a half-updated frame.
type Store struct {
	wmu  sync.Mutex
	cur  atomic.Pointer[Snapshot]
	seq  atomic.Uint64
	dash bool // engineering dashboard link up
	link bool // vehicle transport connected
}

// NewStore starts with Default().
func NewStore() *Store {
	st := &Store{}
	s := Default()
	st.cur.Store(&s)
	return st
}

// Publish replaces the live snapshot. Link state owned by the store is
// carried over onto the new snapshot.
func (st *Store) Publish(s Snapshot) {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	s = s.clone()
	s.EngDashCommfail = !st.dash
	s.TransportConnected = st.link
	if s.Stamp == 0 {
		s.Stamp = time.Now().UnixMilli()
	}
	st.cur.Store(&s)
	st.seq.Add(1)
}

// Current returns a private copy of the live snapshot.
func (st *Store) Current() Snapshot {
	return st.cur.Load().clone()
}

// Seq increments on every replacement; readers use it to detect change.
func (st *Store) Seq() uint64 { return st.seq.Load() }

// Field is the named getter behind the read surface.
func (st *Store) Field(name string) (any, bool) {
	return st.cur.Load().Field(name)
}

// SetDashboardLink records the engineering dashboard connection.
func (st *Store) SetDashboardLink(connected bool) {
	st.update(func(s *Snapshot) {
		st.dash = connected
		s.EngDashCommfail = !connected
	})
}

// SetTransportConnected records the vehicle transport connection.
func (st *Store) SetTransportConnected(connected bool) {
	st.update(func(s *Snapshot) {
		st.link = connected
		s.TransportConnected = connected
	})
}

func (st *Store) update(fn func(s *Snapshot)) {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	s := st.cur.Load().clone()
	fn(&s)
	st.cur.Store(&s)
	st.seq.Add(1)
}
