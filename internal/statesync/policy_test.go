package statesync

import "testing"

func TestAcceptAll(t *testing.T) {
	policy := AcceptAll[[]item]()
	if !policy.Accept(nil, []item{{ID: "a"}}) {
		t.Fatalf("accept-all rejected a value")
	}
}

func TestRejectShrinking(t *testing.T) {
	policy := RejectShrinking[item]()
	current := []item{{ID: "a"}, {ID: "b"}}

	if policy.Accept([]item{{ID: "a"}}, current) {
		t.Fatalf("shrinking collection must be rejected")
	}
	if !policy.Accept(current, current) {
		t.Fatalf("equal-length collection must be accepted")
	}
	if !policy.Accept([]item{{ID: "a"}, {ID: "b"}, {ID: "c"}}, current) {
		t.Fatalf("growing collection must be accepted")
	}
}

func TestPolicyFunc(t *testing.T) {
	policy := PolicyFunc[[]item](func(incoming, current []item) bool {
		return len(incoming) > 0
	})
	if policy.Accept(nil, nil) {
		t.Fatalf("custom policy not applied")
	}
	if !policy.Accept([]item{{ID: "a"}}, nil) {
		t.Fatalf("custom policy not applied")
	}
}

func TestMemoryBusFanOutAndCancel(t *testing.T) {
	bus := NewMemoryBus()
	var got []string
	cancel := bus.Subscribe(func(event Event) {
		got = append(got, event.Key+"="+string(event.Value))
	})

	bus.Publish(Event{Key: "a", Value: []byte("1")})
	cancel()
	bus.Publish(Event{Key: "b", Value: []byte("2")})

	if len(got) != 1 || got[0] != "a=1" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}
