package signaling

import "sync"

// room holds one host slot and the connected guests. Rooms are created
// implicitly on the first create or join for an unknown id and removed when
// their host disconnects.
//
// Each room-mutating operation runs under the room mutex, so operations on
// the same room are atomic while different rooms proceed in parallel.
type room struct {
	id string

	mu     sync.Mutex
	host   *conn
	guests map[string]*conn
}

func newRoom(id string) *room {
	return &room{
		id:     id,
		guests: make(map[string]*conn),
	}
}

// bindHost installs c as the room's host. Last create wins: any prior host
// binding is overwritten without notification.
func (r *room) bindHost(c *conn) {
	r.mu.Lock()
	r.host = c
	r.mu.Unlock()
}

// addGuest registers c and returns the current host, if any, so the caller
// can notify it outside the lock.
func (r *room) addGuest(c *conn) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guests[c.id] = c
	return r.host
}

// lookup resolves an addressed delivery target: guests first, then the host.
func (r *room) lookup(id string) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guests[id]; ok {
		return g
	}
	if r.host != nil && r.host.id == id {
		return r.host
	}
	return nil
}

func (r *room) hostConn() *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

// isHost reports whether c is currently recorded as this room's host.
func (r *room) isHost(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host == c
}

// guestList snapshots the guest connections for fan-out outside the lock.
func (r *room) guestList() []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*conn, 0, len(r.guests))
	for _, g := range r.guests {
		out = append(out, g)
	}
	return out
}

// removeGuest drops the guest entry and returns the host to notify, if any.
// Removing an unknown id is a no-op and reports removed=false.
func (r *room) removeGuest(id string) (host *conn, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.guests[id]; !ok {
		return r.host, false
	}
	delete(r.guests, id)
	return r.host, true
}
