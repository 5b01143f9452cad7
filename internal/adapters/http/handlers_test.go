package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avellin/huddle/internal/adapters/presence"
	"github.com/avellin/huddle/internal/call"
	"github.com/avellin/huddle/internal/config"
	"github.com/avellin/huddle/internal/domain"
)

type fakeController struct {
	mu       sync.Mutex
	joins    []string
	joinErr  error
	leaveErr error
	snapshot call.Snapshot
	events   chan call.Event
}

func newFakeController() *fakeController {
	return &fakeController{
		snapshot: call.Snapshot{State: "none", Kind: "none", Participants: []domain.Participant{}},
		events:   make(chan call.Event, 8),
	}
}

func (f *fakeController) Join(ctx context.Context, kind domain.CallKind, room domain.RoomID, counterpart domain.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, kind.String()+"/"+string(room)+"/"+string(counterpart))
	f.snapshot = call.Snapshot{State: "active", Kind: kind.String(), Room: room, MicOn: true, Participants: []domain.Participant{}}
	return nil
}

func (f *fakeController) Leave(ctx context.Context) error { return f.leaveErr }

func (f *fakeController) ToggleMic(ctx context.Context) error   { return nil }
func (f *fakeController) ToggleVideo(ctx context.Context) error { return nil }
func (f *fakeController) ToggleDeafen() error                   { return nil }

func (f *fakeController) Snapshot() call.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeController) SubscribeEvents() (chan call.Event, func()) {
	return f.events, func() {}
}

func testRouter(ctl Controller) (*httptest.Server, *presence.Memory) {
	store := presence.NewMemory()
	cfg := &config.Config{Mode: "release", Secret: "test-secret", Identity: "user-1"}
	r := SetupRouter(context.Background(), cfg, ctl, store, nil, nil)
	return httptest.NewServer(r), store
}

func TestJoinEndpoint(t *testing.T) {
	ctl := newFakeController()
	srv, _ := testRouter(ctl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/call/join", "application/json",
		strings.NewReader(`{"kind":"channel","room":"room-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var snap call.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != "active" || snap.Room != "room-1" {
		t.Fatalf("snapshot: %+v", snap)
	}
	if len(ctl.joins) != 1 || ctl.joins[0] != "channel/room-1/" {
		t.Fatalf("joins: %v", ctl.joins)
	}
}

func TestJoinRejectsBadBody(t *testing.T) {
	ctl := newFakeController()
	srv, _ := testRouter(ctl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/call/join", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestJoinConflictMapsTo409(t *testing.T) {
	ctl := newFakeController()
	ctl.joinErr = call.ErrAlreadyInCall
	srv, _ := testRouter(ctl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/call/join", "application/json",
		strings.NewReader(`{"kind":"channel","room":"room-2"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestJoinUnknownKindMapsTo400(t *testing.T) {
	ctl := newFakeController()
	ctl.joinErr = call.ErrUnknownCallKind
	srv, _ := testRouter(ctl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/call/join", "application/json",
		strings.NewReader(`{"kind":"conference","room":"room-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestStateEndpoint(t *testing.T) {
	ctl := newFakeController()
	srv, _ := testRouter(ctl)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/call/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snap call.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != "none" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestMembersEndpoint(t *testing.T) {
	ctl := newFakeController()
	srv, store := testRouter(ctl)
	defer srv.Close()
	_ = store.AddMember(context.Background(), "room-1", "user-2")

	resp, err := http.Get(srv.URL + "/api/rooms/room-1/members")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Room    string   `json:"room"`
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Room != "room-1" || len(body.Members) != 1 || body.Members[0] != "user-2" {
		t.Fatalf("body: %+v", body)
	}
}

func TestEventsSocketStreams(t *testing.T) {
	ctl := newFakeController()
	srv, _ := testRouter(ctl)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// First frame is the current state.
	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	var first struct {
		Type  string        `json:"type"`
		State call.Snapshot `json:"state"`
	}
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.Type != "state" || first.State.State != "none" {
		t.Fatalf("initial frame: %+v", first)
	}

	toast := call.Toast{Severity: call.SeverityWarn, Title: "Microphone unavailable", Body: "busy"}
	ctl.events <- call.Event{Type: call.EventToast, Toast: &toast}

	var ev call.Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != call.EventToast || ev.Toast == nil || ev.Toast.Title != "Microphone unavailable" {
		t.Fatalf("event: %+v", ev)
	}
}

func TestMembershipWatchSocket(t *testing.T) {
	ctl := newFakeController()
	srv, store := testRouter(ctl)
	defer srv.Close()
	_ = store.AddMember(context.Background(), "room-1", "user-2")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/rooms/room-1/members"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var body struct {
		Room    string   `json:"room"`
		Members []string `json:"members"`
	}
	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	if err := ws.ReadJSON(&body); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(body.Members) != 1 || body.Members[0] != "user-2" {
		t.Fatalf("snapshot: %+v", body)
	}

	_ = store.AddMember(context.Background(), "room-1", "user-3")
	if err := ws.ReadJSON(&body); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if len(body.Members) != 2 {
		t.Fatalf("update: %+v", body)
	}
}
