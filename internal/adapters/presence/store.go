package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avellin/huddle/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("presence connection closed")
)

const writeDeadline = 5 * time.Second

// op is a client request on the presence socket. Mutations are
// element-wise: union adds one user to a room's joined set, diff
// removes one. The service never sees whole-document writes.
type op struct {
	ID           uint64               `json:"id,omitempty"`
	Op           string               `json:"op"`
	Room         domain.RoomID        `json:"room,omitempty"`
	User         domain.UserID        `json:"user,omitempty"`
	To           domain.UserID        `json:"to,omitempty"`
	Notification *domain.Notification `json:"notification,omitempty"`
}

const (
	opUnion   = "union"
	opDiff    = "diff"
	opMembers = "members"
	opWatch   = "watch"
	opUnwatch = "unwatch"
	opNotify  = "notify"
)

// reply is a server frame: an ack/result correlated by id, or an
// unsolicited members event for a watched room.
type reply struct {
	ID      uint64          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Room    domain.RoomID   `json:"room,omitempty"`
	Members []domain.UserID `json:"members,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

const (
	eventAck     = "ack"
	eventError   = "error"
	eventMembers = "members"
)

// Store is the websocket client for the shared membership documents.
// One connection serves all rooms; requests correlate by id.
type Store struct {
	conn *websocket.Conn

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	nextID  uint64
	pending map[uint64]chan reply
	watches map[domain.RoomID]map[chan []domain.UserID]struct{}
}

// Dial connects to the presence service and starts the socket pumps.
func Dial(ctx context.Context, url string) (*Store, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		conn:    conn,
		send:    make(chan []byte, 32),
		pending: make(map[uint64]chan reply),
		watches: make(map[domain.RoomID]map[chan []domain.UserID]struct{}),
	}
	go s.writePump()
	go s.readPump()
	return s, nil
}

func (s *Store) AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	_, err := s.call(ctx, op{Op: opUnion, Room: room, User: user})
	return err
}

func (s *Store) RemoveMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	_, err := s.call(ctx, op{Op: opDiff, Room: room, User: user})
	return err
}

func (s *Store) Members(ctx context.Context, room domain.RoomID) ([]domain.UserID, error) {
	r, err := s.call(ctx, op{Op: opMembers, Room: room})
	if err != nil {
		return nil, err
	}
	return r.Members, nil
}

func (s *Store) Watch(ctx context.Context, room domain.RoomID) (<-chan []domain.UserID, func(), error) {
	ch := make(chan []domain.UserID, 8)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	set, ok := s.watches[room]
	if !ok {
		set = make(map[chan []domain.UserID]struct{})
		s.watches[room] = set
	}
	first := len(set) == 0
	set[ch] = struct{}{}
	s.mu.Unlock()

	if first {
		if _, err := s.call(ctx, op{Op: opWatch, Room: room}); err != nil {
			s.dropWatcher(room, ch, false)
			return nil, nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.dropWatcher(room, ch, true) })
	}
	return ch, cancel, nil
}

func (s *Store) Notify(ctx context.Context, to domain.UserID, n domain.Notification) error {
	_, err := s.call(ctx, op{Op: opNotify, To: to, Notification: &n})
	return err
}

func (s *Store) Close() {
	s.teardown(nil)
}

func (s *Store) dropWatcher(room domain.RoomID, ch chan []domain.UserID, unwatch bool) {
	s.mu.Lock()
	last := false
	if set, ok := s.watches[room]; ok {
		if _, present := set[ch]; present {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(s.watches, room)
			last = true
		}
	}
	closed := s.closed
	s.mu.Unlock()

	if last && unwatch && !closed {
		ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
		defer cancel()
		if _, err := s.call(ctx, op{Op: opUnwatch, Room: room}); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("room", string(room)).Msg("unwatch failed")
		}
	}
}

// call sends one op and waits for its correlated reply.
func (s *Store) call(ctx context.Context, o op) (reply, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return reply{}, ErrClosed
	}
	s.nextID++
	o.ID = s.nextID
	ch := make(chan reply, 1)
	s.pending[o.ID] = ch
	s.mu.Unlock()

	b, err := json.Marshal(o)
	if err != nil {
		s.forget(o.ID)
		return reply{}, err
	}
	if err := s.trySend(b); err != nil {
		s.forget(o.ID)
		return reply{}, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return reply{}, ErrClosed
		}
		if r.Event == eventError {
			return reply{}, fmt.Errorf("presence: %s", r.Reason)
		}
		return r, nil
	case <-ctx.Done():
		s.forget(o.ID)
		return reply{}, ctx.Err()
	}
}

func (s *Store) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Store) trySend(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (s *Store) writePump() {
	for data := range s.send {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			log.Error().Err(err).Str("module", "presence").Msg("writePump set deadline")
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "presence").Msg("writePump write error")
			return
		}
	}
}

func (s *Store) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.teardown(err)
			return
		}
		s.handleReply(data)
	}
}

func (s *Store) handleReply(data []byte) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("bad json")
		return
	}

	if r.ID != 0 {
		s.mu.Lock()
		ch, ok := s.pending[r.ID]
		if ok {
			delete(s.pending, r.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- r
		}
		return
	}

	if r.Event == eventMembers {
		s.mu.Lock()
		for ch := range s.watches[r.Room] {
			select {
			case ch <- r.Members:
			default:
			}
		}
		s.mu.Unlock()
		return
	}
	log.Warn().Str("module", "presence").Str("event", r.Event).Msg("unknown event")
}

func (s *Store) teardown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	for room, set := range s.watches {
		for ch := range set {
			close(ch)
		}
		delete(s.watches, room)
	}
	s.mu.Unlock()

	_ = s.conn.Close()
	if cause != nil {
		log.Warn().Err(cause).Str("module", "presence").Msg("connection lost")
	}
}
