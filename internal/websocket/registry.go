package websocket

import (
	"context"
	"errors"
	"sync"

	"lms-realtime/internal/models"

	"github.com/samber/lo"
)

var ErrClientNotRegistered = errors.New("client not registered")

// Authorizer decides whether an identity may join a room. It is consulted on
// every join; answers are never cached.
type Authorizer interface {
	Authorize(ctx context.Context, id models.Identity, room models.RoomID) error
}

// Registry maps rooms to the clients connected to this process. Cross-process
// delivery is the Hub's job.
type Registry struct {
	mu          sync.RWMutex
	auth        Authorizer
	clients     map[string]*Client
	rooms       map[models.RoomID]map[string]*Client
	memberships map[string]map[models.RoomID]struct{}
}

func NewRegistry(auth Authorizer) *Registry {
	return &Registry{
		auth:        auth,
		clients:     make(map[string]*Client),
		rooms:       make(map[models.RoomID]map[string]*Client),
		memberships: make(map[string]map[models.RoomID]struct{}),
	}
}

func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.id] = c
	if r.memberships[c.id] == nil {
		r.memberships[c.id] = make(map[models.RoomID]struct{})
	}
}

// Join authorizes and then adds c to room. The membership check runs outside
// the lock because it may hit the store; a client that disconnected in the
// meantime is not re-added.
func (r *Registry) Join(ctx context.Context, c *Client, room models.RoomID) error {
	if err := r.auth.Authorize(ctx, c.identity, room); err != nil {
		return err
	}
	return r.add(c, room)
}

// Add joins without authorization. Used for rooms the gateway assigns itself,
// such as the personal user room.
func (r *Registry) Add(c *Client, room models.RoomID) error {
	return r.add(c, room)
}

func (r *Registry) add(c *Client, room models.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.id]; !ok {
		return ErrClientNotRegistered
	}
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		r.rooms[room] = members
	}
	members[c.id] = c
	r.memberships[c.id][room] = struct{}{}
	return nil
}

// Leave is idempotent. It reports whether c was a member.
func (r *Registry) Leave(c *Client, room models.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(c.id, room)
}

func (r *Registry) removeLocked(connID string, room models.RoomID) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	delete(r.memberships[connID], room)
	return true
}

// RemoveClient drops c from every room and returns the rooms it was in.
func (r *Registry) RemoveClient(c *Client) []models.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := lo.Keys(r.memberships[c.id])
	for _, room := range rooms {
		r.removeLocked(c.id, room)
	}
	delete(r.memberships, c.id)
	delete(r.clients, c.id)
	return rooms
}

func (r *Registry) IsMember(c *Client, room models.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.memberships[c.id][room]
	return ok
}

func (r *Registry) Rooms(c *Client) []models.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.memberships[c.id])
}

func (r *Registry) Members(room models.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Deliver queues data on every local member of room except exclude. Each
// send is non-blocking; a client whose queue is full is disconnected so it
// cannot hold back the others. Returns the number of clients reached.
func (r *Registry) Deliver(room models.RoomID, data []byte, exclude string) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.rooms[room]))
	for id, c := range r.rooms[room] {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Enqueue(data) {
			delivered++
			continue
		}
		c.log.Warn("Dropping slow consumer in room %s", room)
		c.Close()
	}
	return delivered
}

func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"connections": len(r.clients),
		"rooms":       len(r.rooms),
	}
}
