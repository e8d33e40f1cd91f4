package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"annosync/internal/auth"
	"annosync/internal/config"
	"annosync/internal/model"
)

func testConfig() config.Config {
	return config.Config{
		AllowedOrigins:    []string{"*"},
		HeartbeatInterval: time.Minute,
		PresenceStaleness: time.Minute,
		EvictionGrace:     time.Minute,
		LockTTL:           time.Minute,
		SendBufferSize:    64,
		MaxMessageSize:    1 << 20,
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(testConfig(), &auth.Static{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, documentID, userID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?documentId=" + documentID + "&userId=" + userID + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of the wanted type arrives, skipping
// unrelated broadcasts such as presence changes and heartbeats.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) model.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg model.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(model.NewMessage(msgType, "", payload)); err != nil {
		t.Fatalf("send %q: %v", msgType, err)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestJoinReceivesRoomState(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "doc-1", "alice", "tok")

	msg := readUntil(t, conn, model.MsgRoomState)
	var state model.RoomState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("decode room state: %v", err)
	}
	if len(state.ActiveUsers) != 1 || state.ActiveUsers[0].UserID != "alice" {
		t.Fatalf("snapshot must include the joiner, got %+v", state.ActiveUsers)
	}
	if len(state.Annotations) != 0 || len(state.Locks) != 0 {
		t.Fatalf("fresh room must be empty, got %+v", state)
	}
}

func TestHandshakeRejection(t *testing.T) {
	_, ts := newTestServer(t)

	cases := []struct {
		name  string
		query string
	}{
		{"missing user", "documentId=doc-1&token=tok"},
		{"missing document", "userId=alice&token=tok"},
		{"missing token", "documentId=doc-1&userId=alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + tc.query
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("expected policy-violation close, got %v", err)
			}
		})
	}
}

func TestCreateAckAndBroadcast(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, alice, model.MsgRoomState)
	bob := dial(t, ts, "doc-1", "bob", "tok")
	readUntil(t, bob, model.MsgRoomState)

	ann := model.Annotation{
		Type:     model.TypeHighlight,
		Position: model.NewPDFPosition(model.PDFPosition{PageIndex: 0, Rects: [][]float64{{1, 2, 3, 4}}}),
		Content:  model.Content{Text: "quoted"},
	}
	sendMessage(t, alice, model.MsgAnnotationCreate, ann)

	ackMsg := readUntil(t, alice, model.MsgAnnotationCreateAck)
	var ack model.Ack
	if err := json.Unmarshal(ackMsg.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ID == "" || ack.Version != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	created := readUntil(t, bob, model.MsgAnnotationCreated)
	var rec model.Record
	if err := json.Unmarshal(created.Data, &rec); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if rec.ID != ack.ID || rec.Version != 1 || rec.CreatedBy != "alice" {
		t.Fatalf("unexpected broadcast record: %+v", rec)
	}
}

func TestStaleUpdateGetsConflict(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, alice, model.MsgRoomState)

	sendMessage(t, alice, model.MsgAnnotationCreate, model.Annotation{
		Type:     model.TypeNote,
		Position: model.NewTextPosition(model.TextPosition{StartOffset: 1, EndOffset: 5}),
	})
	ackMsg := readUntil(t, alice, model.MsgAnnotationCreateAck)
	var ack model.Ack
	if err := json.Unmarshal(ackMsg.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}

	expected := 1
	update := model.UpdatePayload{
		ID:              ack.ID,
		Changes:         model.Changes{Content: &model.Content{Comment: "first"}},
		ExpectedVersion: &expected,
	}
	sendMessage(t, alice, model.MsgAnnotationUpdate, update)
	readUntil(t, alice, model.MsgAnnotationUpdateAck)

	// Same expectedVersion again: now stale.
	update.Changes = model.Changes{Content: &model.Content{Comment: "second"}}
	sendMessage(t, alice, model.MsgAnnotationUpdate, update)

	conflictMsg := readUntil(t, alice, model.MsgConflict)
	var conflict model.ConflictPayload
	if err := json.Unmarshal(conflictMsg.Data, &conflict); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if conflict.CurrentVersion != 2 || conflict.ExpectedVersion != 1 {
		t.Fatalf("unexpected conflict payload: %+v", conflict)
	}
	if conflict.Annotation == nil || conflict.Annotation.Content.Comment != "first" {
		t.Fatalf("conflict must carry the authoritative record, got %+v", conflict.Annotation)
	}
}

func TestLockDeniedOverWire(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, alice, model.MsgRoomState)
	bob := dial(t, ts, "doc-1", "bob", "tok")
	readUntil(t, bob, model.MsgRoomState)

	sendMessage(t, alice, model.MsgAnnotationCreate, model.Annotation{
		Type:     model.TypeHighlight,
		Position: model.NewTextPosition(model.TextPosition{}),
	})
	ackMsg := readUntil(t, alice, model.MsgAnnotationCreateAck)
	var ack model.Ack
	if err := json.Unmarshal(ackMsg.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}

	sendMessage(t, alice, model.MsgLockAcquire, model.LockPayload{AnnotationID: ack.ID, LockType: "editing"})
	readUntil(t, alice, model.MsgLockAcquired)

	sendMessage(t, bob, model.MsgLockAcquire, model.LockPayload{AnnotationID: ack.ID, LockType: "editing"})
	deniedMsg := readUntil(t, bob, model.MsgLockDenied)
	var denied model.LockDeniedPayload
	if err := json.Unmarshal(deniedMsg.Data, &denied); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denied.AnnotationID != ack.ID || denied.CurrentHolder != "alice" {
		t.Fatalf("denial must name the holder, got %+v", denied)
	}
}

func TestHeartbeatAck(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, conn, model.MsgRoomState)

	sendMessage(t, conn, model.MsgHeartbeat, nil)
	readUntil(t, conn, model.MsgHeartbeatAck)
}

// Protocol errors answer with a structured error message; the connection
// survives them.
func TestErrorsKeepConnectionOpen(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, conn, model.MsgRoomState)

	sendMessage(t, conn, "no_such_type", nil)
	errMsg := readUntil(t, conn, model.MsgError)
	var payload model.ErrorPayload
	if err := json.Unmarshal(errMsg.Data, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != model.ErrCodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %+v", payload)
	}

	sendMessage(t, conn, model.MsgAnnotationDelete, model.DeletePayload{ID: "missing"})
	errMsg = readUntil(t, conn, model.MsgError)
	if err := json.Unmarshal(errMsg.Data, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != model.ErrCodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", payload)
	}

	// Still alive.
	sendMessage(t, conn, model.MsgHeartbeat, nil)
	readUntil(t, conn, model.MsgHeartbeatAck)
}

func TestCursorRelay(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, alice, model.MsgRoomState)
	bob := dial(t, ts, "doc-1", "bob", "tok")
	readUntil(t, bob, model.MsgRoomState)

	sendMessage(t, alice, model.MsgCursorMove, map[string]any{"x": 10, "y": 20})

	moved := readUntil(t, bob, model.MsgCursorMoved)
	if moved.UserID != "alice" {
		t.Fatalf("relay must carry the sender, got %q", moved.UserID)
	}
	var pos map[string]any
	if err := json.Unmarshal(moved.Data, &pos); err != nil {
		t.Fatalf("decode cursor payload: %v", err)
	}
	if pos["x"].(float64) != 10 {
		t.Fatalf("cursor payload changed: %+v", pos)
	}
}

func TestStatusCountsRoomsAndClients(t *testing.T) {
	_, ts := newTestServer(t)
	a := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, a, model.MsgRoomState)
	b := dial(t, ts, "doc-1", "bob", "tok")
	readUntil(t, b, model.MsgRoomState)
	c := dial(t, ts, "doc-2", "carol", "tok")
	readUntil(t, c, model.MsgRoomState)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var status model.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Rooms != 2 || status.Clients != 3 {
		t.Fatalf("expected 2 rooms / 3 clients, got %d/%d", status.Rooms, status.Clients)
	}
}

func TestConvertEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	records := []map[string]any{
		{
			"key":                "K1",
			"annotationType":     "highlight",
			"annotationText":     "quoted",
			"annotationPosition": `{"pageIndex":1,"rects":[[1,2,3,4]]}`,
		},
		{
			"key":                "BAD",
			"annotationType":     "highlight",
			"annotationPosition": `{"pageIndex":`,
		},
	}
	body, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := http.Post(ts.URL+"/convert?from=zotero", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /convert: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result struct {
		Converted []model.Annotation `json:"converted"`
		Skipped   int                `json:"skipped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.Converted) != 1 || result.Skipped != 1 {
		t.Fatalf("expected 1 converted / 1 skipped, got %d/%d", len(result.Converted), result.Skipped)
	}
	if result.Converted[0].Content.Text != "quoted" {
		t.Fatalf("conversion lost content: %+v", result.Converted[0])
	}

	t.Run("cross platform", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/convert?from=zotero&to=mendeley", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST /convert: %v", err)
		}
		defer resp.Body.Close()
		var out struct {
			Converted []map[string]any `json:"converted"`
			Skipped   int              `json:"skipped"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(out.Converted) != 1 || out.Converted[0]["type"] != "highlight" {
			t.Fatalf("unexpected cross-platform result: %+v", out)
		}
	})
	t.Run("unknown platform", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/convert?from=evernote", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST /convert: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

// A peer that stops draining its queue is cleaned up exactly like a
// disconnect: it leaves its room, and an emptied room is still evicted.
func TestOverflowedPeerCleanedUpLikeDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.SendBufferSize = 1
	cfg.EvictionGrace = 100 * time.Millisecond
	srv := New(cfg, &auth.Static{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	alice := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, alice, model.MsgRoomState)
	// bob never reads; once the socket buffers fill, his queue overflows
	// and the server drops him.
	dial(t, ts, "doc-1", "bob", "tok")

	payload := strings.Repeat("x", 1<<18)
	for i := 0; i < 64; i++ {
		sendMessage(t, alice, model.MsgAnnotationCreate, model.Annotation{
			Type:     model.TypeNote,
			Position: model.NewTextPosition(model.TextPosition{}),
			Content:  model.Content{Text: payload},
		})
		readUntil(t, alice, model.MsgAnnotationCreateAck)
	}
	alice.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/status")
		if err != nil {
			t.Fatalf("GET /status: %v", err)
		}
		var status model.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		resp.Body.Close()
		if status.Rooms == 0 && status.Clients == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("overflowed peer never cleaned up: %d rooms / %d clients", status.Rooms, status.Clients)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// room_state is the joiner's first frame even when a peer mutates the
// room concurrently with the join.
func TestRoomStateArrivesBeforeRacingDeltas(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, alice, model.MsgRoomState)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			_ = alice.WriteJSON(model.NewMessage(model.MsgAnnotationCreate, "", model.Annotation{
				Type:     model.TypeNote,
				Position: model.NewTextPosition(model.TextPosition{}),
			}))
		}
	}()

	bob := dial(t, ts, "doc-1", "bob", "tok")
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first model.Message
	if err := bob.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	<-done

	if first.Type != model.MsgRoomState {
		t.Fatalf("first frame must be room_state, got %q", first.Type)
	}
}

func TestServerPushesHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	srv := New(cfg, &auth.Static{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	conn := dial(t, ts, "doc-1", "alice", "tok")
	readUntil(t, conn, model.MsgRoomState)
	// Unprompted push on the configured interval.
	readUntil(t, conn, model.MsgHeartbeat)
}

type failingAuthorizer struct{}

func (failingAuthorizer) Authorize(context.Context, string, string, string) (auth.Permissions, error) {
	return auth.Permissions{}, errors.New("backend down")
}

func TestAuthorizerFailureClosesWithInternalError(t *testing.T) {
	srv := New(testConfig(), failingAuthorizer{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?documentId=doc-1&userId=alice&token=tok"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected internal-error close, got %v", err)
	}
}
