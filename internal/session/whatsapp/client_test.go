package whatsapp

import (
	"testing"

	"go.mau.fi/whatsmeow/types"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		name        string
		destination string
		wantUser    string
		wantServer  string
		wantErr     bool
	}{
		{"bare number", "5511999990000", "5511999990000", types.DefaultUserServer, false},
		{"formatted number", "+55 (11) 99999-0000", "5511999990000", types.DefaultUserServer, false},
		{"full jid", "5511999990000@s.whatsapp.net", "5511999990000", "s.whatsapp.net", false},
		{"empty", "", "", "", true},
		{"no digits", "abc", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid, err := parseDestination(tt.destination)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseDestination(%q) succeeded, want error", tt.destination)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDestination(%q): %v", tt.destination, err)
			}
			if jid.User != tt.wantUser || jid.Server != tt.wantServer {
				t.Fatalf("jid = %s, want %s@%s", jid, tt.wantUser, tt.wantServer)
			}
		})
	}
}
