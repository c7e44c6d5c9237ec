package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/medclinic/clinic/internal/platform/auth"
)

func newSignalServer(t *testing.T, reg *Registry, cfg Config) *httptest.Server {
	t.Helper()
	e := echo.New()
	g := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewServer(reg, cfg, zerolog.Nop()).RegisterRoutes(g)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/rtc/signal"
	hdr := http.Header{}
	hdr.Set("X-Dev-User-ID", user)
	hdr.Set("X-Dev-Role", role)
	ws, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close frame %d, got %v", code, err)
		}
		if ce.Code != code {
			t.Fatalf("expected close code %d, got %d", code, ce.Code)
		}
		return
	}
}

func TestSignal_RoomFlow(t *testing.T) {
	reg := NewRegistry(0)
	srv := newSignalServer(t, reg, Config{PingInterval: time.Minute})

	doctor := dial(t, srv, "doctor-1", "doctor")
	patient := dial(t, srv, "patient-1", "patient")

	send(t, doctor, `{"type":"join","room":"appt-1"}`)
	hello := readJSON(t, doctor)
	if hello.Type != TypeRoomPeers || len(hello.Peers) != 0 || hello.Self.UserID != "doctor-1" {
		t.Fatalf("unexpected room-peers %+v", hello)
	}
	doctorID := hello.Self.ID

	send(t, patient, `{"type":"join","room":"appt-1"}`)
	list := readJSON(t, patient)
	if len(list.Peers) != 1 || list.Peers[0].ID != doctorID || list.Peers[0].Role != "doctor" {
		t.Fatalf("unexpected peers %+v", list.Peers)
	}
	patientID := list.Self.ID

	joined := readJSON(t, doctor)
	if joined.Type != TypePeerJoined || joined.Peer.ID != patientID {
		t.Fatalf("unexpected peer-joined %+v", joined)
	}

	sdp := strings.ReplaceAll(testSDP, "\r\n", `\r\n`)
	send(t, patient, `{"type":"offer","room":"appt-1","to":"`+doctorID+`","sdp":{"type":"offer","sdp":"`+sdp+`"}}`)
	offer := readJSON(t, doctor)
	if offer.Type != TypeOffer || offer.From != patientID {
		t.Fatalf("unexpected offer %+v", offer)
	}

	send(t, doctor, `{"type":"chat-message","room":"appt-1","text":"hello"}`)
	chat := readJSON(t, patient)
	if chat.Type != TypeChatMessage || chat.Text != "hello" || chat.From != doctorID {
		t.Fatalf("unexpected chat %+v", chat)
	}

	patient.Close()
	left := readJSON(t, doctor)
	if left.Type != TypePeerLeft || left.Peer.ID != patientID {
		t.Fatalf("unexpected peer-left %+v", left)
	}
}

func TestSignal_Errors(t *testing.T) {
	reg := NewRegistry(1)
	srv := newSignalServer(t, reg, Config{PingInterval: time.Minute})

	a := dial(t, srv, "a", "patient")
	b := dial(t, srv, "b", "patient")

	send(t, a, `{"type":"chat-message","room":"r1","text":"hi"}`)
	if f := readJSON(t, a); f.Type != TypeError || f.Code != "not_in_room" {
		t.Errorf("expected not_in_room, got %+v", f)
	}

	send(t, a, `{"type":"join","room":"r1"}`)
	readJSON(t, a)
	send(t, b, `{"type":"join","room":"r1"}`)
	if f := readJSON(t, b); f.Code != "room_full" {
		t.Errorf("expected room_full, got %+v", f)
	}

	send(t, a, `{"type":"chat-message","room":"r1","to":"nobody","text":"hi"}`)
	if f := readJSON(t, a); f.Code != "unknown_peer" {
		t.Errorf("expected unknown_peer, got %+v", f)
	}

	send(t, a, `{"type":"offer","room":"r1","sdp":{"type":"answer","sdp":"v=0"}}`)
	if f := readJSON(t, a); f.Code != "bad_message" {
		t.Errorf("expected bad_message, got %+v", f)
	}
}

func TestSignal_OversizedMessageCloses(t *testing.T) {
	srv := newSignalServer(t, NewRegistry(0), Config{MaxMessageBytes: 128, PingInterval: time.Minute})
	ws := dial(t, srv, "a", "patient")

	send(t, ws, `{"type":"chat-message","room":"r","text":"`+strings.Repeat("x", 512)+`"}`)
	expectClose(t, ws, websocket.CloseMessageTooBig)
}

func TestSignal_BinaryFrameCloses(t *testing.T) {
	srv := newSignalServer(t, NewRegistry(0), Config{PingInterval: time.Minute})
	ws := dial(t, srv, "a", "patient")

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	expectClose(t, ws, websocket.CloseUnsupportedData)
}

func TestSignal_IdleWithoutPongCloses(t *testing.T) {
	reg := NewRegistry(0)
	srv := newSignalServer(t, reg, Config{PingInterval: 30 * time.Millisecond, IdleTimeout: 120 * time.Millisecond})
	ws := dial(t, srv, "a", "patient")

	// Swallow pings so no pong ever reaches the server.
	ws.SetPingHandler(func(string) error { return nil })
	expectClose(t, ws, websocket.CloseNormalClosure)

	deadline := time.Now().Add(2 * time.Second)
	for reg.Stats().Peers != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := reg.Stats().Peers; n != 0 {
		t.Errorf("expected peer to be unregistered, %d left", n)
	}
}

func TestSignal_PongKeepsConnectionAlive(t *testing.T) {
	srv := newSignalServer(t, NewRegistry(0), Config{PingInterval: 30 * time.Millisecond, IdleTimeout: 120 * time.Millisecond})
	ws := dial(t, srv, "a", "patient")

	// The default ping handler answers with a pong while we read.
	_ = ws.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		t.Fatalf("connection closed despite pongs: %v", ce)
	}
}

func TestSignal_RegistryCloseSendsGoingAway(t *testing.T) {
	reg := NewRegistry(0)
	srv := newSignalServer(t, reg, Config{PingInterval: time.Minute})
	ws := dial(t, srv, "a", "patient")

	deadline := time.Now().Add(2 * time.Second)
	for reg.Stats().Peers != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	reg.Close()
	expectClose(t, ws, websocket.CloseGoingAway)
}

func TestHandleConnect_RequiresPrincipal(t *testing.T) {
	s := NewServer(NewRegistry(0), Config{}, zerolog.Nop())
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/rtc/signal", nil), httptest.NewRecorder())

	err := s.HandleConnect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandleConnect_ClosedRegistry(t *testing.T) {
	reg := NewRegistry(0)
	reg.Close()
	s := NewServer(reg, Config{}, zerolog.Nop())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/rtc/signal", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), "u", "patient"))
	c := e.NewContext(req, httptest.NewRecorder())

	err := s.HandleConnect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
}

func TestICEServers(t *testing.T) {
	srv := newSignalServer(t, NewRegistry(0), Config{ICEServers: []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example:3478"}},
		{URLs: []string{"turn:turn.example:3478"}, Username: "u", Credential: "p"},
	}})

	resp, err := http.Get(srv.URL + "/api/v1/rtc/ice-servers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.ICEServers) != 2 || body.ICEServers[1].Credential != "p" || body.ICEServers[0].URLs[0] != "stun:stun.example:3478" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestRoomEndpoint(t *testing.T) {
	reg := NewRegistry(0)
	srv := newSignalServer(t, reg, Config{PingInterval: time.Minute})
	ws := dial(t, srv, "patient-1", "patient")
	send(t, ws, `{"type":"join","room":"appt-9"}`)
	readJSON(t, ws)

	get := func(path, role string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/rtc/rooms/"+path, nil)
		req.Header.Set("X-Dev-Role", role)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("appt-9", "doctor")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var room RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		t.Fatal(err)
	}
	if room.ID != "appt-9" || len(room.Peers) != 1 || room.Peers[0].UserID != "patient-1" {
		t.Errorf("unexpected room %+v", room)
	}

	if resp := get("appt-9", "patient"); resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for patient, got %d", resp.StatusCode)
	}
	if resp := get("missing", "admin"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
