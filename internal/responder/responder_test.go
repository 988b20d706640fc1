package responder

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestReplyRequiresAPIKey(t *testing.T) {
	r := NewOpenAI(Config{}, nil)
	if _, err := r.Reply(context.Background(), "acme", "hello"); err == nil {
		t.Fatal("expected an error without an API key")
	}
}

func TestReplyRejectsEmptyMessage(t *testing.T) {
	r := NewOpenAI(Config{APIKey: "sk-test"}, nil)
	if _, err := r.Reply(context.Background(), "acme", "   "); err == nil {
		t.Fatal("expected an error for an empty message")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, false},
		{"auth failure", &openai.APIError{HTTPStatusCode: 401}, false},
		{"timeout text", errors.New("request timeout"), true},
		{"other", errors.New("invalid model"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Fatalf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStaticResponder(t *testing.T) {
	s := Static{Text: "we will get back to you"}
	reply, err := s.Reply(context.Background(), "acme", "anything")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "we will get back to you" {
		t.Fatalf("reply = %q", reply)
	}
}
