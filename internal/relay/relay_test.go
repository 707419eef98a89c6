package relay

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/peerprep/practice-server/internal/protocol"
	"github.com/peerprep/practice-server/internal/ws"
)

// newConn registers a pipe-backed connection with the manager and returns it
// together with a channel of decoded frames read from the client side.
func newConn(t *testing.T, cm *ws.ConnectionManager, id string, fd int) (*ws.Connection, <-chan []byte) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	c := &ws.Connection{
		ID:        id,
		Conn:      serverSide,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
	cm.Add(c)
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	frames := make(chan []byte, 16)
	go func() {
		for {
			data, err := wsutil.ReadServerText(clientSide)
			if err != nil {
				return
			}
			frames <- data
		}
	}()
	return c, frames
}

// recv waits briefly for a frame; it fails the test if none arrives.
func recv(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-frames:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// expectSilence asserts that no frame arrives within the grace window.
func expectSilence(t *testing.T, frames <-chan []byte) {
	t.Helper()
	select {
	case data := <-frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForward_DeliversToLocalTarget(t *testing.T) {
	cm := ws.NewConnectionManager()
	r := New(cm, nil)

	_, senderFrames := newConn(t, cm, "sender", 1)
	_, targetFrames := newConn(t, cm, "target", 2)

	payload := json.RawMessage(`{"sdp":"v=0","kind":"offer"}`)
	r.Forward("sender", protocol.TypeOffer, protocol.SignalMsg{
		TargetID: "target",
		Payload:  payload,
	})

	frame := recv(t, targetFrames)

	var decoded struct {
		Type     string          `json:"type"`
		SenderID string          `json:"sender_id"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if decoded.Type != protocol.TypeOffer {
		t.Errorf("type = %q, want %q", decoded.Type, protocol.TypeOffer)
	}
	if decoded.SenderID != "sender" {
		t.Errorf("sender_id = %q, want sender", decoded.SenderID)
	}

	var want, got interface{}
	json.Unmarshal(payload, &want)
	json.Unmarshal(decoded.Payload, &got)
	wantJSON, _ := json.Marshal(want)
	gotJSON, _ := json.Marshal(got)
	if string(wantJSON) != string(gotJSON) {
		t.Errorf("payload mangled: want %s, got %s", wantJSON, gotJSON)
	}

	expectSilence(t, senderFrames)
}

func TestForward_UnknownTargetIsDroppedSilently(t *testing.T) {
	cm := ws.NewConnectionManager()
	r := New(cm, nil)

	_, senderFrames := newConn(t, cm, "sender", 1)

	// Must return without blocking and without notifying the sender.
	r.Forward("sender", protocol.TypeICECandidate, protocol.SignalMsg{
		TargetID: "nobody-home",
		Payload:  json.RawMessage(`{"candidate":"..."}`),
	})

	expectSilence(t, senderFrames)
}

func TestBroadcast_ReachesRoomExceptSender(t *testing.T) {
	cm := ws.NewConnectionManager()
	r := New(cm, nil)

	sender, senderFrames := newConn(t, cm, "a", 1)
	_, bFrames := newConn(t, cm, "b", 2)
	_, cFrames := newConn(t, cm, "c", 3)
	_, outsiderFrames := newConn(t, cm, "d", 4)

	sender.SetIdentity("technical", "alex")
	cm.Get("b").SetIdentity("technical", "blair")
	cm.Get("c").SetIdentity("technical", "casey")
	cm.Get("d").SetIdentity("behavioral", "drew")

	r.Broadcast(sender, "hello room")

	for name, frames := range map[string]<-chan []byte{"b": bFrames, "c": cFrames} {
		frame := recv(t, frames)
		var decoded struct {
			Type   string `json:"type"`
			Sender string `json:"sender"`
			Text   string `json:"text"`
			Ts     int64  `json:"ts"`
		}
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("%s: frame is not valid JSON: %v", name, err)
		}
		if decoded.Type != protocol.TypeChatMessage {
			t.Errorf("%s: type = %q", name, decoded.Type)
		}
		if decoded.Sender != "alex" {
			t.Errorf("%s: sender = %q, want alex", name, decoded.Sender)
		}
		if decoded.Text != "hello room" {
			t.Errorf("%s: text = %q", name, decoded.Text)
		}
		if decoded.Ts == 0 {
			t.Errorf("%s: missing timestamp", name)
		}
	}

	expectSilence(t, senderFrames)
	expectSilence(t, outsiderFrames)
}

func TestBroadcast_NoRoomIsNoop(t *testing.T) {
	cm := ws.NewConnectionManager()
	r := New(cm, nil)

	sender, senderFrames := newConn(t, cm, "a", 1)
	_, bFrames := newConn(t, cm, "b", 2)
	cm.Get("b").SetIdentity("technical", "blair")

	// The sender never joined a room; nothing should go anywhere.
	r.Broadcast(sender, "into the void")

	expectSilence(t, senderFrames)
	expectSilence(t, bFrames)
}

func TestRoomRefcounting_NoNATSIsSafe(t *testing.T) {
	r := New(ws.NewConnectionManager(), nil)

	// Join/leave bookkeeping must be a no-op without NATS, including
	// unbalanced leaves.
	r.JoinRoom("technical")
	r.JoinRoom("technical")
	r.LeaveRoom("technical")
	r.LeaveRoom("technical")
	r.LeaveRoom("technical")
	r.LeaveRoom("")
}
