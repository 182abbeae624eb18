// Package presence tracks which users currently hold live connections.
package presence

import (
	"hash/fnv"
	"slices"
	"sync"
)

const shardCount = 32

type shard[H comparable] struct {
	mu    sync.RWMutex
	users map[string]map[H]struct{}
}

// Registry maps a user id to the set of that user's live connection handles.
// Users are spread over independently locked shards so that connects and
// signaling lookups for different users do not contend.
type Registry[H comparable] struct {
	shards [shardCount]*shard[H]
}

func NewRegistry[H comparable]() *Registry[H] {
	r := &Registry[H]{}
	for i := range r.shards {
		r.shards[i] = &shard[H]{users: make(map[string]map[H]struct{})}
	}
	return r
}

func (r *Registry[H]) shardFor(userId string) *shard[H] {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds handle for userId. It reports whether this is the user's
// first live connection.
func (r *Registry[H]) Register(userId string, handle H) bool {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userId]
	if !ok {
		conns = make(map[H]struct{})
		s.users[userId] = conns
	}
	conns[handle] = struct{}{}

	return !ok
}

// Deregister removes handle for userId. It reports whether the user went
// offline as a result. Removing an unknown handle is a no-op returning false.
func (r *Registry[H]) Deregister(userId string, handle H) bool {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userId]
	if !ok {
		return false
	}
	if _, ok := conns[handle]; !ok {
		return false
	}

	delete(conns, handle)
	if len(conns) == 0 {
		delete(s.users, userId)
		return true
	}

	return false
}

func (r *Registry[H]) IsOnline(userId string) bool {
	s := r.shardFor(userId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.users[userId]
	return ok
}

// Connections returns a copy of the handles registered for userId.
func (r *Registry[H]) Connections(userId string) []H {
	s := r.shardFor(userId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userId]
	out := make([]H, 0, len(conns))
	for h := range conns {
		out = append(out, h)
	}
	return out
}

func (r *Registry[H]) rlockAll() {
	for _, s := range r.shards {
		s.mu.RLock()
	}
}

func (r *Registry[H]) runlockAll() {
	for _, s := range r.shards {
		s.mu.RUnlock()
	}
}

// Online returns the sorted ids of every user with at least one connection.
// All shards are held at once, in index order, so the result is a single
// point-in-time snapshot.
func (r *Registry[H]) Online() []string {
	r.rlockAll()
	var ids []string
	for _, s := range r.shards {
		for id := range s.users {
			ids = append(ids, id)
		}
	}
	r.runlockAll()

	slices.Sort(ids)
	return ids
}

// OnlineSet is Online as a set, for annotating participant lists.
func (r *Registry[H]) OnlineSet() map[string]bool {
	set := make(map[string]bool)
	for _, id := range r.Online() {
		set[id] = true
	}
	return set
}

// All returns every registered handle as of a single snapshot.
func (r *Registry[H]) All() []H {
	r.rlockAll()
	defer r.runlockAll()

	var out []H
	for _, s := range r.shards {
		for _, conns := range s.users {
			for h := range conns {
				out = append(out, h)
			}
		}
	}
	return out
}

// Drain empties the registry and returns the handles it held.
func (r *Registry[H]) Drain() []H {
	for _, s := range r.shards {
		s.mu.Lock()
	}
	defer func() {
		for _, s := range r.shards {
			s.mu.Unlock()
		}
	}()

	var out []H
	for _, s := range r.shards {
		for id, conns := range s.users {
			for h := range conns {
				out = append(out, h)
			}
			delete(s.users, id)
		}
	}
	return out
}
