package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	name string
	err  error
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: s.name}}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, cb StreamCallback) (*ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *stubClient) Ping(ctx context.Context) error { return s.err }

func TestMultiClient_RoutesKnownModelToMappedProvider(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	m := NewMultiClient(fallback)
	m.AddProvider("anthropic", &stubClient{name: "anthropic"})
	m.AddModel("claude-opus", "anthropic")

	resp, err := m.Chat(context.Background(), "claude-opus", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "anthropic" {
		t.Fatalf("expected anthropic client to handle claude-opus, got %q", resp.Message.Content)
	}
}

func TestMultiClient_UnknownModelFallsBack(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	m := NewMultiClient(fallback)
	m.AddProvider("anthropic", &stubClient{name: "anthropic"})
	m.AddModel("claude-opus", "anthropic")

	resp, err := m.Chat(context.Background(), "llama3", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "fallback" {
		t.Fatalf("expected fallback client for unmapped model, got %q", resp.Message.Content)
	}
}

func TestMultiClient_NoFallbackAndUnknownModelErrors(t *testing.T) {
	m := NewMultiClient(nil)

	_, err := m.Chat(context.Background(), "mystery-model", nil, nil)
	if err == nil {
		t.Fatal("expected an error when no client can serve the model")
	}
}

func TestMultiClient_PingUsesFallback(t *testing.T) {
	wantErr := errors.New("unreachable")
	m := NewMultiClient(&stubClient{err: wantErr})

	err := m.Ping(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fallback ping error to propagate, got %v", err)
	}
}

func TestMultiClient_PingWithNoFallbackErrors(t *testing.T) {
	m := NewMultiClient(nil)

	if err := m.Ping(context.Background()); err == nil {
		t.Fatal("expected an error with no fallback configured")
	}
}

func TestMultiClient_ChatStreamRoutesLikeChat(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	m := NewMultiClient(fallback)
	m.AddProvider("ollama", &stubClient{name: "ollama"})
	m.AddModel("llama3", "ollama")

	resp, err := m.ChatStream(context.Background(), "llama3", nil, nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "ollama" {
		t.Fatalf("expected ollama client to handle llama3, got %q", resp.Message.Content)
	}
}
