// Package signaling relays WebRTC negotiation messages between browsers that
// share a consultation room. The server never touches media: it tracks room
// membership and forwards offers, answers, ICE candidates and chat text.
package signaling

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRoomFull    = errors.New("signaling: room is full")
	ErrNotInRoom   = errors.New("signaling: not a member of the room")
	ErrUnknownPeer = errors.New("signaling: unknown peer")
	ErrClosed      = errors.New("signaling: registry closed")
)

// Peer is one signaling connection.
type Peer struct {
	ID       string
	UserID   string
	Role     string
	JoinedAt time.Time

	send  chan []byte
	rooms map[string]struct{}
}

// Outbound yields encoded frames for the connection's writer. It is closed
// when the peer is unregistered.
func (p *Peer) Outbound() <-chan []byte { return p.send }

func (p *Peer) info() PeerInfo {
	return PeerInfo{ID: p.ID, UserID: p.UserID, Role: p.Role}
}

type RoomInfo struct {
	ID    string     `json:"id"`
	Peers []PeerInfo `json:"peers"`
}

type RegistryStats struct {
	Peers   int   `json:"peers"`
	Rooms   int   `json:"rooms"`
	Dropped int64 `json:"dropped"`
}

// Registry tracks connections and room membership. One RWMutex guards every
// map and every peer's room set; outbound channels are only closed under
// the write lock.
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	rooms    map[string]map[string]*Peer
	maxPeers int
	closed   bool

	dropped atomic.Int64
}

// NewRegistry creates a registry. maxPeersPerRoom <= 0 means unlimited.
func NewRegistry(maxPeersPerRoom int) *Registry {
	return &Registry{
		peers:    make(map[string]*Peer),
		rooms:    make(map[string]map[string]*Peer),
		maxPeers: maxPeersPerRoom,
	}
}

func (r *Registry) Register(userID, role string, queueSize int) (*Peer, error) {
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Peer{
		ID:       uuid.NewString(),
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
		send:     make(chan []byte, queueSize),
		rooms:    make(map[string]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.peers[p.ID] = p
	return p, nil
}

// Unregister removes p from every room, telling the remaining members, and
// closes p's outbound channel. It is idempotent.
func (r *Registry) Unregister(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ID]; !ok {
		return
	}
	for room := range p.rooms {
		r.removeLocked(p, room)
	}
	delete(r.peers, p.ID)
	close(p.send)
}

// Join adds p to room and returns the other members. The joiner is queued a
// room-peers reply before any existing member hears peer-joined, so nothing
// relayed by the others can overtake it. Joining a room twice only repeats
// the reply.
func (r *Registry) Join(p *Peer, room string) ([]PeerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ID]; !ok {
		return nil, ErrUnknownPeer
	}

	members := r.rooms[room]
	_, already := members[p.ID]
	if !already {
		if r.maxPeers > 0 && len(members) >= r.maxPeers {
			return nil, ErrRoomFull
		}
		if members == nil {
			members = make(map[string]*Peer)
			r.rooms[room] = members
		}
		members[p.ID] = p
		p.rooms[room] = struct{}{}
	}

	others := othersOf(members, p.ID)
	r.enqueue(p, encode(roomPeersMessage{Type: TypeRoomPeers, Room: room, Self: p.info(), Peers: others}))

	if !already {
		notice := encode(peerEventMessage{Type: TypePeerJoined, Room: room, Peer: p.info()})
		for id, other := range members {
			if id != p.ID {
				r.enqueue(other, notice)
			}
		}
	}
	return others, nil
}

// Leave removes p from room. Remaining members get a peer-left notice and an
// empty room is discarded.
func (r *Registry) Leave(p *Peer, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room][p.ID]; !ok {
		return ErrNotInRoom
	}
	r.removeLocked(p, room)
	return nil
}

func (r *Registry) removeLocked(p *Peer, room string) {
	members := r.rooms[room]
	delete(members, p.ID)
	delete(p.rooms, room)
	if len(members) == 0 {
		delete(r.rooms, room)
		return
	}
	notice := encode(peerEventMessage{Type: TypePeerLeft, Room: room, Peer: p.info()})
	for _, other := range members {
		r.enqueue(other, notice)
	}
}

// Relay forwards frame from p to one member of room (to) or to every other
// member when to is empty. It returns how many peers accepted the frame.
func (r *Registry) Relay(p *Peer, room, to string, frame []byte) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	if _, ok := members[p.ID]; !ok {
		return 0, ErrNotInRoom
	}

	if to != "" {
		target, ok := members[to]
		if !ok || to == p.ID {
			return 0, ErrUnknownPeer
		}
		if r.enqueue(target, frame) {
			return 1, nil
		}
		return 0, nil
	}

	n := 0
	for id, other := range members {
		if id != p.ID && r.enqueue(other, frame) {
			n++
		}
	}
	return n, nil
}

// Send queues frame for p alone, for replies and errors.
func (r *Registry) Send(p *Peer, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.peers[p.ID]; !ok {
		return false
	}
	return r.enqueue(p, frame)
}

// enqueue must be called with the lock held.
func (r *Registry) enqueue(p *Peer, frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Registry) Room(id string) (RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[id]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{ID: id, Peers: othersOf(members, "")}, true
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Peers:   len(r.peers),
		Rooms:   len(r.rooms),
		Dropped: r.dropped.Load(),
	}
}

// Close drops every peer and room and rejects new registrations. Writers
// observe their closed outbound channel and close the socket.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, p := range r.peers {
		close(p.send)
		delete(r.peers, id)
	}
	r.rooms = make(map[string]map[string]*Peer)
}

func othersOf(members map[string]*Peer, self string) []PeerInfo {
	out := make([]PeerInfo, 0, len(members))
	for id, p := range members {
		if id != self {
			out = append(out, p.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only fixed message structs are encoded here.
		panic(err)
	}
	return b
}
