package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseIdentify(t *testing.T) {
	raw := []byte(`{"type":"identify","name":"alice","phone":"111"}`)

	msgType, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeIdentify {
		t.Errorf("type = %q, want %q", msgType, TypeIdentify)
	}
	m, ok := msg.(IdentifyMsg)
	if !ok {
		t.Fatalf("msg is %T, want IdentifyMsg", msg)
	}
	if m.Name != "alice" || m.Phone != "111" {
		t.Errorf("decoded %+v", m)
	}
}

func TestParseMessage(t *testing.T) {
	raw := []byte(`{"type":"message","name":"bob","phone":"222","content":"hi there"}`)

	msgType, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Errorf("type = %q, want %q", msgType, TypeMessage)
	}
	m := msg.(MessageMsg)
	if m.Content != "hi there" || m.Phone != "222" {
		t.Errorf("decoded %+v", m)
	}
	if m.ID != "" || m.Timestamp != 0 {
		t.Errorf("optional fields should be zero when absent, got %+v", m)
	}
}

func TestParseMessageKeepsOptionalFields(t *testing.T) {
	raw := []byte(`{"type":"message","id":"m-9","name":"bob","phone":"222","content":"hi","timestamp":1750000000}`)

	_, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := msg.(MessageMsg)
	if m.ID != "m-9" || m.Timestamp != 1750000000 {
		t.Errorf("optional fields lost: %+v", m)
	}
}

func TestParseTyping(t *testing.T) {
	raw := []byte(`{"type":"typing","name":"carol","typing":true}`)

	msgType, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Errorf("type = %q, want %q", msgType, TypeTyping)
	}
	m := msg.(TypingMsg)
	if m.Name != "carol" || !m.Typing {
		t.Errorf("decoded %+v", m)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{"type":`},
		{"missing type", `{"name":"alice"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"teleport"}`},
		{"server-only type", `{"type":"serverInfo"}`},
		{"wrong field type", `{"type":"typing","typing":"yes"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Errorf("ParseClientMessage(%q) succeeded, want error", tc.raw)
			}
		})
	}
}

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeServerInfo, ServerInfoMsg{
		ConnectedUsers: 2,
		Users: []UserInfo{
			{Name: "alice", Phone: "111"},
			{Name: "bob", Phone: "222"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != TypeServerInfo {
		t.Errorf("type = %v, want %q", m["type"], TypeServerInfo)
	}
	if m["connectedUsers"] != float64(2) {
		t.Errorf("connectedUsers = %v, want 2", m["connectedUsers"])
	}
	if users, ok := m["users"].([]interface{}); !ok || len(users) != 2 {
		t.Errorf("users = %v", m["users"])
	}
}

func TestNewServerMessageEmptyPresence(t *testing.T) {
	data, err := NewServerMessage(TypeServerInfo, ServerInfoMsg{ConnectedUsers: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(data)
	if !strings.Contains(s, `"connectedUsers":0`) {
		t.Errorf("zero count must stay in the payload, got %s", s)
	}
	if strings.Contains(s, `"users"`) {
		t.Errorf("empty user list should be omitted, got %s", s)
	}
}
