package provider

import (
	"context"
	"testing"
)

// mockProvider is a minimal Provider for registry tests.
type mockProvider struct {
	name   string
	models []string
}

func (m *mockProvider) Name() string {
	return m.name
}

func (m *mockProvider) Models() []string {
	return m.models
}

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: "mock response"}, nil
}

func (m *mockProvider) Stream(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error) {
	ch := make(chan ChatEvent, 1)
	ch <- ChatEvent{Type: EventTypeDone}
	close(ch)
	return ch, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{name: "alpha", models: []string{"model-a"}})
	r.Register(&mockProvider{name: "beta", models: []string{"model-b"}})

	t.Run("get existing provider", func(t *testing.T) {
		got, err := r.Get("alpha")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Name() != "alpha" {
			t.Errorf("Name() = %s, want alpha", got.Name())
		}
	})

	t.Run("get missing provider", func(t *testing.T) {
		if _, err := r.Get("nonexistent"); err == nil {
			t.Error("Get() expected error for unregistered provider")
		}
	})
}

func TestRegistryDefault(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Default(); err == nil {
		t.Error("Default() expected error on empty registry")
	}

	r.Register(&mockProvider{name: "first"})
	r.Register(&mockProvider{name: "second"})

	p, err := r.Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if p.Name() != "first" {
		t.Errorf("Default() = %s, want first (first registered)", p.Name())
	}

	if err := r.SetDefault("second"); err != nil {
		t.Fatalf("SetDefault() error = %v", err)
	}
	p, _ = r.Default()
	if p.Name() != "second" {
		t.Errorf("Default() after SetDefault = %s, want second", p.Name())
	}

	if err := r.SetDefault("nonexistent"); err == nil {
		t.Error("SetDefault() expected error for unregistered provider")
	}
}

func TestRegistryForModel(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{name: "anthropic", models: []string{"claude-sonnet-4-5"}})
	r.Register(&mockProvider{name: "openai", models: []string{"llama3.1"}})

	tests := []struct {
		model string
		want  string
	}{
		{"anthropic:claude-sonnet-4-5", "anthropic"},
		{"openai:whatever", "openai"},
		{"llama3.1", "openai"},
		{"llama3.1:8b", "anthropic"},    // colon is an ollama tag, not a qualifier; default wins
		{"unknown-model", "anthropic"}, // falls back to default
	}

	for _, tt := range tests {
		p, err := r.ForModel(tt.model)
		if err != nil {
			t.Fatalf("ForModel(%q) error = %v", tt.model, err)
		}
		if p.Name() != tt.want {
			t.Errorf("ForModel(%q) = %s, want %s", tt.model, p.Name(), tt.want)
		}
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{name: "zeta"})
	r.Register(&mockProvider{name: "alpha"})

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("Names() = %v, want sorted [alpha zeta]", names)
	}
}
