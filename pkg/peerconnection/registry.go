package peerconnection

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownPeer is returned for a peer id that is not signed in.
var ErrUnknownPeer = errors.New("peer most likely gone")

// PeerInfo is one line of a peer list: "name,id,connected".
type PeerInfo struct {
	Name      string
	ID        int
	Connected bool
}

// Entry formats the peer list line, including the trailing newline.
func (p PeerInfo) Entry() string {
	c := 0
	if p.Connected {
		c = 1
	}
	return fmt.Sprintf("%s,%d,%d\n", p.Name, p.ID, c)
}

// ParsePeerList parses a sign-in or notification body.
func ParsePeerList(body string) ([]PeerInfo, error) {
	var peers []PeerInfo
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed peer entry %q", line)
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("malformed peer id in %q: %w", line, err)
		}
		peers = append(peers, PeerInfo{Name: parts[0], ID: id, Connected: parts[2] == "1"})
	}
	return peers, nil
}

// envelope is one queued /wait response.
type envelope struct {
	from int
	body []byte
}

type member struct {
	info  PeerInfo
	queue []envelope
	// ready has capacity one; a send means the queue may be non-empty.
	ready chan struct{}
}

func (m *member) push(e envelope) {
	m.queue = append(m.queue, e)
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

type registry struct {
	mu      sync.Mutex
	nextID  int
	members map[int]*member
}

func newRegistry() *registry {
	return &registry{
		nextID:  1,
		members: make(map[int]*member),
	}
}

// signIn adds name and returns the new member's id and the peer list,
// newcomer first. Every existing member is notified.
func (r *registry) signIn(name string) (int, []PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &member{
		info:  PeerInfo{Name: name, ID: r.nextID, Connected: true},
		ready: make(chan struct{}, 1),
	}
	r.nextID++

	peers := []PeerInfo{m.info}
	for _, other := range r.sortedLocked() {
		peers = append(peers, other.info)
		other.push(envelope{from: other.info.ID, body: []byte(m.info.Entry())})
	}
	r.members[m.info.ID] = m
	return m.info.ID, peers
}

// signOut removes id and notifies the others.
func (r *registry) signOut(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return ErrUnknownPeer
	}
	delete(r.members, id)

	gone := m.info
	gone.Connected = false
	for _, other := range r.members {
		other.push(envelope{from: other.info.ID, body: []byte(gone.Entry())})
	}
	// Wake a parked /wait so it notices the sign out.
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

// forward queues body from one peer to another.
func (r *registry) forward(from, to int, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[from]; !ok {
		return fmt.Errorf("sender %d: %w", from, ErrUnknownPeer)
	}
	target, ok := r.members[to]
	if !ok {
		return fmt.Errorf("recipient %d: %w", to, ErrUnknownPeer)
	}
	target.push(envelope{from: from, body: body})
	return nil
}

// next pops the first queued envelope for id. The returned channel fires
// when the queue may have changed; ok is false when id is unknown.
func (r *registry) next(id int) (e envelope, has bool, ready <-chan struct{}, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return envelope{}, false, nil, false
	}
	if len(m.queue) > 0 {
		e = m.queue[0]
		m.queue = m.queue[1:]
		return e, true, m.ready, true
	}
	return envelope{}, false, m.ready, true
}

func (r *registry) list() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerInfo, 0, len(r.members))
	for _, m := range r.sortedLocked() {
		out = append(out, m.info)
	}
	return out
}

func (r *registry) sortedLocked() []*member {
	ms := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].info.ID < ms[j].info.ID })
	return ms
}
