package monitoring

import (
	"bytes"
	"io"
	"testing"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	// Test setting a custom logger
	called := false
	customLogger := func(format string, v ...interface{}) {
		called = true
	}

	SetLogger(customLogger)
	Logf("test message")

	if !called {
		t.Error("Custom logger was not called")
	}

	// Test setting nil logger (should create no-op)
	SetLogger(nil)
	// This should not panic
	Logf("test message")

	// Verify the logger is a no-op by checking it doesn't panic
	// and doesn't call anything
	noOpCalled := false
	testLogger := func(format string, v ...interface{}) {
		noOpCalled = true
	}
	SetLogger(testLogger)
	// First verify our test logger works
	Logf("test")
	if !noOpCalled {
		t.Error("Test logger should have been called")
	}

	// Now set to nil and verify it doesn't call our logger
	noOpCalled = false
	SetLogger(nil)
	Logf("test")
	if noOpCalled {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	// Test that Logf is not nil by default
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}

	// Test that we can call it without panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()

	Logf("test message: %s", "value")
}

func TestForVerbosity(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		level            int
		ops, diag, trace bool
	}{
		{0, true, false, false},
		{1, true, true, false},
		{2, true, true, true},
		{5, true, true, true},
	}
	for _, tt := range tests {
		lw := ForVerbosity(tt.level, &buf)
		if (lw.Ops != nil) != tt.ops || (lw.Diag != nil) != tt.diag || (lw.Trace != nil) != tt.trace {
			t.Errorf("ForVerbosity(%d) = %+v", tt.level, lw)
		}
	}
}

func TestLogWriters_Apply(t *testing.T) {
	var buf bytes.Buffer
	lw := ForVerbosity(1, &buf)

	var calls int
	var gotTrace io.Writer = &buf
	record := func(ops, diag, trace io.Writer) {
		calls++
		if ops != &buf || diag != &buf {
			t.Errorf("ops/diag writers not forwarded")
		}
		gotTrace = trace
	}
	lw.Apply(record, record)

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if gotTrace != nil {
		t.Errorf("trace stream should be disabled at level 1")
	}
}
