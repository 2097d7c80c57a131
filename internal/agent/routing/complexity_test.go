package routing

import (
	"testing"

	"github.com/kestrelai/core/internal/agent"
)

func TestComplexityScore(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"plain midlength message", "What is the capital of France", 40},
		{"greeting only", "hey", 30},
		{"very short", "ok", 40},
		{"long message", string(make([]byte, 500)), 60},
		{"fenced code", "please review ```go\nfunc f() {}\n```", 50},
		{"many question marks", "why? how? what now?", 50},
		{"analysis verb", "please analyze this approach", 50},
		{"multi-step keyword", "plan out the migration", 50},
		{"long and fenced and analysis", "analyze the tradeoffs here:\n```\n" + string(make([]byte, 500)) + "\n```", 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComplexityScore(tt.content); got != tt.want {
				t.Errorf("ComplexityScore(%q) = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestComplexityScore_ClampsToRange(t *testing.T) {
	low := ComplexityScore("hi")
	if low < 0 {
		t.Errorf("ComplexityScore(greeting) = %d, want >= 0", low)
	}

	huge := "analyze design refactor compare explain tradeoffs plan out the migration step 1 then step 2 ```code``` why? how? what? " + string(make([]byte, 600))
	high := ComplexityScore(huge)
	if high > 100 {
		t.Errorf("ComplexityScore(huge) = %d, want <= 100", high)
	}
}

func TestComplexityRouter_Select(t *testing.T) {
	local := &stubProvider{name: "local"}
	hosted := &stubProvider{name: "hosted"}

	r := NewComplexityRouter(local, hosted, 55)

	simple := &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}}}
	got, err := r.Select(simple, "")
	if err != nil {
		t.Fatalf("Select(simple) error = %v", err)
	}
	if got != local {
		t.Errorf("Select(simple) = %v, want local", got)
	}

	complexReq := &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "please analyze and design the migration, then compare tradeoffs?"}}}
	got, err = r.Select(complexReq, "")
	if err != nil {
		t.Fatalf("Select(complex) error = %v", err)
	}
	if got != hosted {
		t.Errorf("Select(complex) = %v, want hosted", got)
	}
}

func TestComplexityRouter_ForceModelOverride(t *testing.T) {
	local := &stubProvider{name: "local"}
	hosted := &stubProvider{name: "hosted"}
	r := NewComplexityRouter(local, hosted, 50)

	req := &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "please analyze and design this, compare tradeoffs?"}}}

	got, err := r.Select(req, "local")
	if err != nil {
		t.Fatalf("Select(force local) error = %v", err)
	}
	if got != local {
		t.Errorf("Select(force local) = %v, want local despite high complexity", got)
	}
}

func TestComplexityRouter_NoModelAvailable(t *testing.T) {
	r := NewComplexityRouter(nil, nil, 50)
	req := &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}}}

	_, err := r.Select(req, "")
	if _, ok := err.(NoModelAvailable); !ok {
		t.Fatalf("Select() error = %v, want NoModelAvailable", err)
	}
}

func TestComplexityRouter_FallsBackWhenHostedUnavailable(t *testing.T) {
	local := &stubProvider{name: "local"}
	r := NewComplexityRouter(local, nil, 10)

	req := &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "please analyze and design this carefully, compare tradeoffs?"}}}
	got, err := r.Select(req, "")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got != local {
		t.Errorf("Select() = %v, want local fallback when hosted unavailable", got)
	}
}
