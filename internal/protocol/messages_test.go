package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientMessage_JoinRoom(t *testing.T) {
	data := []byte(`{
		"type": "join_room",
		"room_id": "behavioral",
		"profile": {
			"name": "alex",
			"tech_interest": "data-science",
			"practice_goals": ["confidence", "clarity"],
			"university": "X",
			"year": "2026"
		}
	}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinRoom {
		t.Errorf("type = %q, want %q", msgType, TypeJoinRoom)
	}

	join, ok := msg.(JoinRoomMsg)
	if !ok {
		t.Fatalf("expected JoinRoomMsg, got %T", msg)
	}
	if join.RoomID != "behavioral" {
		t.Errorf("room_id = %q", join.RoomID)
	}
	if join.Profile.Name != "alex" || join.Profile.TechInterest != "data-science" {
		t.Errorf("profile not decoded: %+v", join.Profile)
	}
	if len(join.Profile.PracticeGoals) != 2 {
		t.Errorf("goals = %v", join.Profile.PracticeGoals)
	}
	if err := join.Validate(); err != nil {
		t.Errorf("valid join rejected: %v", err)
	}
}

func TestJoinRoomMsg_Validate(t *testing.T) {
	if err := (JoinRoomMsg{RoomID: "r1"}).Validate(); err == nil {
		t.Error("join without a name should be rejected")
	}
	named := JoinRoomMsg{}
	named.Profile.Name = "alex"
	if err := named.Validate(); err == nil {
		t.Error("join without a room should be rejected")
	}
}

func TestChatMsg_Validate(t *testing.T) {
	if err := (ChatMsg{Text: "hello"}).Validate(); err != nil {
		t.Errorf("plain text rejected: %v", err)
	}
	if err := (ChatMsg{}).Validate(); err == nil {
		t.Error("empty text should be rejected")
	}
	if err := (ChatMsg{Text: strings.Repeat("a", MaxChatBytes+1)}).Validate(); err == nil {
		t.Error("oversized text should be rejected")
	}
	if err := (ChatMsg{Text: strings.Repeat("é", MaxChatChars+1)}).Validate(); err == nil {
		t.Error("too many characters should be rejected")
	}
	if err := (ChatMsg{Text: string([]byte{0xff, 0xfe})}).Validate(); err == nil {
		t.Error("invalid UTF-8 should be rejected")
	}
}

func TestParseClientMessage_SignalPayloadIsOpaque(t *testing.T) {
	payload := `{"sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1","type":"offer","nested":{"a":[1,2,3]}}`
	data := []byte(`{"type":"offer","target_id":"conn-9","payload":` + payload + `}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsSignal(msgType) {
		t.Fatalf("offer should be a signal type")
	}

	sig, ok := msg.(SignalMsg)
	if !ok {
		t.Fatalf("expected SignalMsg, got %T", msg)
	}
	if sig.TargetID != "conn-9" {
		t.Errorf("target_id = %q", sig.TargetID)
	}

	// The payload must survive byte-for-byte semantically: re-marshal both
	// sides and compare.
	var want, got interface{}
	json.Unmarshal([]byte(payload), &want)
	json.Unmarshal(sig.Payload, &got)
	wantJSON, _ := json.Marshal(want)
	gotJSON, _ := json.Marshal(got)
	if !bytes.Equal(wantJSON, gotJSON) {
		t.Errorf("payload mangled: want %s, got %s", wantJSON, gotJSON)
	}
}

func TestParseClientMessage_AllSignalTypes(t *testing.T) {
	for _, typ := range []string{TypeOffer, TypeAnswer, TypeICECandidate} {
		data := []byte(`{"type":"` + typ + `","target_id":"z","payload":{}}`)
		msgType, msg, err := ParseClientMessage(data)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if msgType != typ {
			t.Errorf("type = %q, want %q", msgType, typ)
		}
		if _, ok := msg.(SignalMsg); !ok {
			t.Errorf("%s decoded to %T, want SignalMsg", typ, msg)
		}
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Error("invalid JSON should fail")
	}
	if _, _, err := ParseClientMessage([]byte(`{"room_id":"r1"}`)); err == nil {
		t.Error("missing type should fail")
	}
	if _, _, err := ParseClientMessage([]byte(`{"type":"user_matched"}`)); err == nil {
		t.Error("server-only type should be rejected on the client path")
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeUserLeft, UserLeftMsg{UserID: "conn-3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeUserLeft {
		t.Errorf("type = %v, want %q", decoded["type"], TypeUserLeft)
	}
	if decoded["user_id"] != "conn-3" {
		t.Errorf("user_id = %v", decoded["user_id"])
	}
}

func TestIsSignal(t *testing.T) {
	for _, typ := range []string{TypeOffer, TypeAnswer, TypeICECandidate} {
		if !IsSignal(typ) {
			t.Errorf("IsSignal(%q) = false", typ)
		}
	}
	for _, typ := range []string{TypeChatMessage, TypeJoinRoom, TypePing, "sdp"} {
		if IsSignal(typ) {
			t.Errorf("IsSignal(%q) = true", typ)
		}
	}
}
