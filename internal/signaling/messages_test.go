package signaling

import (
	"strings"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "offer", data: `{"type":"offer","sessionDescription":{"type":"offer","sdp":"v=0"}}`},
		{name: "answer", data: `{"type":"answer","sessionDescription":{"type":"answer","sdp":"v=0"}}`},
		{name: "candidate", data: `{"type":"newIceCandidate","candidate":{"candidate":"candidate:1 1 udp"}}`},
		{name: "device metadata", data: `{"type":"deviceMetadata","version":"1.2.3"}`},
		{name: "device metadata without version", data: `{"type":"deviceMetadata"}`},
		{name: "unknown fields tolerated", data: `{"type":"offer","sessionDescription":{"sdp":"x"},"future":true}`},
		{name: "not json", data: `ping`, wantErr: "invalid character"},
		{name: "missing type", data: `{"sessionDescription":{"sdp":"x"}}`, wantErr: "missing type"},
		{name: "unsupported type", data: `{"type":"renegotiate"}`, wantErr: "unsupported message type"},
		{name: "offer without sd", data: `{"type":"offer"}`, wantErr: "missing sessionDescription"},
		{name: "answer without sd", data: `{"type":"answer"}`, wantErr: "missing sessionDescription"},
		{name: "candidate without candidate", data: `{"type":"newIceCandidate"}`, wantErr: "missing candidate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseMessage([]byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("parseMessage: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("parseMessage accepted %q as %+v", tt.data, msg)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseMessage_PreservesPayloadBytes(t *testing.T) {
	sd := `{"type":"offer","sdp":"v=0\r\no=- 42 2 IN IP4 127.0.0.1\r\n"}`
	msg, err := parseMessage([]byte(`{"type":"offer","sessionDescription":` + sd + `}`))
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if string(msg.SessionDescription) != sd {
		t.Fatalf("sessionDescription=%s, want verbatim %s", msg.SessionDescription, sd)
	}
}
