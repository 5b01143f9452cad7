// Package presence implements the shared call-membership store: a
// websocket client against the presence service, and an in-memory
// variant for single-node and test setups.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/avellin/huddle/internal/domain"
)

// Memory is a process-local MembershipStore. Mutations are element-wise
// set operations, mirroring the wire store's semantics.
type Memory struct {
	mu       sync.Mutex
	members  map[domain.RoomID]map[domain.UserID]struct{}
	watchers map[domain.RoomID]map[chan []domain.UserID]struct{}
	inbox    map[domain.UserID][]domain.Notification
}

func NewMemory() *Memory {
	return &Memory{
		members:  make(map[domain.RoomID]map[domain.UserID]struct{}),
		watchers: make(map[domain.RoomID]map[chan []domain.UserID]struct{}),
		inbox:    make(map[domain.UserID][]domain.Notification),
	}
}

func (m *Memory) AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	m.mu.Lock()
	set, ok := m.members[room]
	if !ok {
		set = make(map[domain.UserID]struct{})
		m.members[room] = set
	}
	if _, present := set[user]; present {
		m.mu.Unlock()
		return nil
	}
	set[user] = struct{}{}
	snapshot := membersLocked(set)
	watchers := m.watchers[room]
	m.notifyLocked(watchers, snapshot)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemoveMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	m.mu.Lock()
	set, ok := m.members[room]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, present := set[user]; !present {
		m.mu.Unlock()
		return nil
	}
	delete(set, user)
	if len(set) == 0 {
		delete(m.members, room)
	}
	snapshot := membersLocked(set)
	watchers := m.watchers[room]
	m.notifyLocked(watchers, snapshot)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Members(ctx context.Context, room domain.RoomID) ([]domain.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return membersLocked(m.members[room]), nil
}

func (m *Memory) Watch(ctx context.Context, room domain.RoomID) (<-chan []domain.UserID, func(), error) {
	ch := make(chan []domain.UserID, 8)

	m.mu.Lock()
	set, ok := m.watchers[room]
	if !ok {
		set = make(map[chan []domain.UserID]struct{})
		m.watchers[room] = set
	}
	set[ch] = struct{}{}
	// Current snapshot first, changes after.
	ch <- membersLocked(m.members[room])
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if set, ok := m.watchers[room]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(m.watchers, room)
				}
			}
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (m *Memory) Notify(ctx context.Context, to domain.UserID, n domain.Notification) error {
	m.mu.Lock()
	m.inbox[to] = append(m.inbox[to], n)
	m.mu.Unlock()
	return nil
}

// Drain returns and clears the pending notifications for a user.
func (m *Memory) Drain(user domain.UserID) []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.inbox[user]
	delete(m.inbox, user)
	return out
}

func (m *Memory) notifyLocked(watchers map[chan []domain.UserID]struct{}, snapshot []domain.UserID) {
	for ch := range watchers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func membersLocked(set map[domain.UserID]struct{}) []domain.UserID {
	out := make([]domain.UserID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
