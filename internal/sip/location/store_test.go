package location

import (
	"errors"
	"testing"
	"time"
)

func testStore() *Store {
	return NewStore(StoreConfig{
		CleanupInterval: 50 * time.Millisecond,
		DefaultExpires:  60,
		MaxExpires:      120,
		MinExpires:      30,
	})
}

func TestRegisterAndLookup(t *testing.T) {
	s := testStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@pbx.local",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Transport:  "UDP",
		Expires:    60,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	bindings := s.Lookup("sip:alice@pbx.local")
	if len(bindings) != 1 {
		t.Fatalf("Lookup returned %d bindings, want 1", len(bindings))
	}
	if bindings[0].ContactURI != "sip:alice@192.168.1.10:5060" {
		t.Errorf("ContactURI = %q", bindings[0].ContactURI)
	}
}

func TestRegisterIntervalTooBrief(t *testing.T) {
	s := testStore()
	defer s.Close()

	_, err := s.Register(&Binding{
		AOR:        "sip:alice@pbx.local",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    5,
	})
	if !errors.Is(err, ErrIntervalTooBrief) {
		t.Fatalf("err = %v, want ErrIntervalTooBrief", err)
	}
}

func TestRegisterClampsMaxExpires(t *testing.T) {
	s := testStore()
	defer s.Close()

	b, err := s.Register(&Binding{
		AOR:        "sip:alice@pbx.local",
		ContactURI: "sip:alice@192.168.1.10:5060",
		Expires:    999999,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if b.Expires != 120 {
		t.Errorf("Expires = %d, want clamped to 120", b.Expires)
	}
}

func TestCSeqValidation(t *testing.T) {
	s := testStore()
	defer s.Close()

	first := &Binding{
		AOR:        "sip:alice@pbx.local",
		ContactURI: "sip:alice@192.168.1.10:5060",
		CallID:     "call-1",
		CSeq:       2,
		Expires:    60,
	}
	if _, err := s.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Same Call-ID with lower CSeq is a stale retransmission.
	stale := &Binding{
		AOR:        "sip:alice@pbx.local",
		ContactURI: "sip:alice@192.168.1.10:5060",
		CallID:     "call-1",
		CSeq:       1,
		Expires:    60,
	}
	if _, err := s.Register(stale); err == nil {
		t.Fatal("expected stale CSeq to be rejected")
	}

	// New Call-ID restarts CSeq validation.
	fresh := &Binding{
		AOR:        "sip:alice@pbx.local",
		ContactURI: "sip:alice@192.168.1.10:5060",
		CallID:     "call-2",
		CSeq:       1,
		Expires:    60,
	}
	if _, err := s.Register(fresh); err != nil {
		t.Fatalf("Register with new Call-ID: %v", err)
	}
}

func TestWildcardUnregister(t *testing.T) {
	s := testStore()
	defer s.Close()

	for _, contact := range []string{"sip:alice@192.168.1.10:5060", "sip:alice@10.0.0.5:5062"} {
		if _, err := s.Register(&Binding{
			AOR:        "sip:alice@pbx.local",
			ContactURI: contact,
			Expires:    60,
		}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if s.Count() != 2 {
		t.Fatalf("Count = %d, want 2", s.Count())
	}

	if err := s.Unregister("sip:alice@pbx.local", "", true); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if s.Has("sip:alice@pbx.local") {
		t.Error("AOR still has bindings after wildcard unregister")
	}
}

func TestLookupByUser(t *testing.T) {
	s := testStore()
	defer s.Close()

	if _, err := s.Register(&Binding{
		AOR:        "sip:1001@pbx.local",
		ContactURI: "sip:1001@192.168.1.10:5060",
		Expires:    60,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := s.LookupByUser("1001"); len(got) != 1 {
		t.Errorf("LookupByUser(1001) = %d bindings, want 1", len(got))
	}
	if got := s.LookupByUser("1002"); len(got) != 0 {
		t.Errorf("LookupByUser(1002) = %d bindings, want 0", len(got))
	}
}

func TestLookupOnePrefersHighestQ(t *testing.T) {
	s := testStore()
	defer s.Close()

	if _, err := s.Register(&Binding{
		AOR:        "sip:alice@pbx.local",
		ContactURI: "sip:alice@192.168.1.10:5060",
		QValue:     0.5,
		Expires:    60,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.Register(&Binding{
		AOR:        "sip:alice@pbx.local",
		ContactURI: "sip:alice@10.0.0.5:5062",
		QValue:     0.9,
		Expires:    60,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	best := s.LookupOne("sip:alice@pbx.local")
	if best == nil || best.ContactURI != "sip:alice@10.0.0.5:5062" {
		t.Errorf("LookupOne picked %+v, want q=0.9 binding", best)
	}
}
