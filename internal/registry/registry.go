// Package registry tracks which users are reachable right now and through how
// many live channels.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/Tyrowin/pairchat/internal/logger"
)

// Channel is one live, bidirectional connection bound to a single user.
type Channel interface {
	// ID is unique for the lifetime of the process.
	ID() string
	// Push queues payload for delivery. It must honor ctx and never block
	// past its deadline.
	Push(ctx context.Context, payload []byte) error
}

// Stats is the read-only snapshot served by the debug endpoint.
type Stats struct {
	ConnectedUsers   []int64       `json:"connected_users"`
	UserConnections  map[int64]int `json:"user_connections"`
	TotalConnections int           `json:"total_connections"`
}

// Registry maps user ids to their live channels. It is safe for concurrent
// use; the lock is never held while a channel is pushed to.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[string]Channel
	log   *logger.Logger
}

// New returns an empty Registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		users: make(map[int64]map[string]Channel),
		log:   log.With("component", "Registry"),
	}
}

// Register adds ch to the user's channel set.
func (r *Registry) Register(userID int64, ch Channel) {
	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]Channel)
		r.users[userID] = set
	}
	set[ch.ID()] = ch
	count := len(set)
	r.mu.Unlock()

	r.log.Debug("Channel registered", "user", userID, "channel", ch.ID(), "connections", count)
}

// Unregister removes ch. The user entry disappears with its last channel.
// Removing an unknown channel is a no-op.
func (r *Registry) Unregister(userID int64, ch Channel) {
	r.mu.Lock()
	set, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := set[ch.ID()]; !present {
		r.mu.Unlock()
		return
	}
	delete(set, ch.ID())
	remaining := len(set)
	if remaining == 0 {
		delete(r.users, userID)
	}
	r.mu.Unlock()

	r.log.Debug("Channel unregistered", "user", userID, "channel", ch.ID(), "remaining", remaining)
}

// ChannelsFor returns a copy of the user's live channels.
func (r *Registry) ChannelsFor(userID int64) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.users[userID])
}

// Connected reports whether the user has at least one live channel.
func (r *Registry) Connected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Snapshot reports the channel count of every connected user.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		ConnectedUsers:  make([]int64, 0, len(r.users)),
		UserConnections: make(map[int64]int, len(r.users)),
	}
	for userID, set := range r.users {
		stats.ConnectedUsers = append(stats.ConnectedUsers, userID)
		stats.UserConnections[userID] = len(set)
		stats.TotalConnections += len(set)
	}
	sort.Slice(stats.ConnectedUsers, func(i, j int) bool {
		return stats.ConnectedUsers[i] < stats.ConnectedUsers[j]
	})
	return stats
}
