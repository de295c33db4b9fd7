package router

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPrefixAffinity() *PrefixAffinity {
	return NewPrefixAffinity(NewAffinityIndex(1024, time.Hour), 1)
}

// TestPrefixAffinity_SharedPrefix_SameEndpoint verifies a prompt sharing a
// prefix with an earlier one lands on the endpoint that served the first.
func TestPrefixAffinity_SharedPrefix_SameEndpoint(t *testing.T) {
	// GIVEN "hello world" already routed somewhere
	policy := newTestPrefixAffinity()
	eps := testEndpoints("http://a:8000", "http://b:8000", "http://c:8000")

	first, err := policy.Select(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m", Prompt: "hello world"}, eps)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// WHEN "hello there" arrives
	second, err := policy.Select(context.Background(),
		&RoutingRequest{ID: "req2", Model: "m", Prompt: "hello there"}, eps)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// THEN the shared "hello " prefix pins both to the same endpoint
	if second.Target.URL != first.Target.URL {
		t.Errorf("Expected both prompts on %s, got %s", first.Target.URL, second.Target.URL)
	}
}

// TestPrefixAffinity_NoMatch_AnyHealthyEndpoint verifies an unrelated
// prompt routes without error to some live candidate.
func TestPrefixAffinity_NoMatch_AnyHealthyEndpoint(t *testing.T) {
	policy := newTestPrefixAffinity()
	eps := testEndpoints("http://a:8000", "http://b:8000")

	if _, err := policy.Select(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m", Prompt: "hello world"}, eps); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	decision, err := policy.Select(context.Background(),
		&RoutingRequest{ID: "req2", Model: "m", Prompt: "goodbye"}, eps)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	found := false
	for _, ep := range eps {
		if ep.URL == decision.Target.URL {
			found = true
		}
	}
	if !found {
		t.Errorf("Target %q not in the candidate set", decision.Target.URL)
	}
}

// TestPrefixAffinity_RepeatedPrompt_Sticky verifies the winner is
// re-inserted, so the exact prompt keeps hitting the same endpoint.
func TestPrefixAffinity_RepeatedPrompt_Sticky(t *testing.T) {
	policy := newTestPrefixAffinity()
	eps := testEndpoints("http://a:8000", "http://b:8000", "http://c:8000")

	first, err := policy.Select(context.Background(),
		&RoutingRequest{ID: "req0", Model: "m", Prompt: "summarize this document"}, eps)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		d, err := policy.Select(context.Background(),
			&RoutingRequest{ID: "req", Model: "m", Prompt: "summarize this document"}, eps)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if d.Target.URL != first.Target.URL {
			t.Errorf("Call %d: expected sticky %s, got %s", i, first.Target.URL, d.Target.URL)
		}
	}
}

// TestPrefixAffinity_MatchedEndpointDead_PicksLive verifies the match is
// filtered against current candidates, not trusted blindly.
func TestPrefixAffinity_MatchedEndpointDead_PicksLive(t *testing.T) {
	// GIVEN the prompt's owner is no longer a candidate
	index := NewAffinityIndex(1024, time.Hour)
	index.Insert(affinityKey("m", "hello world"), "http://dead:8000")
	policy := NewPrefixAffinity(index, 1)
	eps := testEndpoints("http://a:8000", "http://b:8000")

	// WHEN the prompt routes again
	decision, err := policy.Select(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m", Prompt: "hello world"}, eps)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// THEN a live candidate is chosen
	if decision.Target.URL == "http://dead:8000" {
		t.Errorf("Dead endpoint chosen: %v", decision.Target)
	}
}

// TestPrefixAffinity_EmptyCandidates_Error verifies the hard failure case.
func TestPrefixAffinity_EmptyCandidates_Error(t *testing.T) {
	policy := newTestPrefixAffinity()
	_, err := policy.Select(context.Background(), &RoutingRequest{ID: "req1", Model: "m", Prompt: "p"}, nil)
	if !errors.Is(err, ErrNoHealthyEndpoint) {
		t.Errorf("Expected ErrNoHealthyEndpoint, got %v", err)
	}
}
