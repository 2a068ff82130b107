package logging

import "testing"

func TestNewVerbosity(t *testing.T) {
	log, err := New(DEBUG, true)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !log.V(DEBUG).Enabled() {
		t.Fatal("expected debug logs to be enabled")
	}
	if log.V(TRACE).Enabled() {
		t.Fatal("expected trace logs to be disabled")
	}

	prod, err := New(DEFAULT, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if prod.V(DEBUG).Enabled() {
		t.Fatal("expected debug logs to be disabled at default verbosity")
	}
}
