// Package utils tests
package utils

import (
	"errors"
	"testing"
	"time"
)

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{name: "empty string", input: "", expected: true},
		{name: "whitespace only", input: "   ", expected: true},
		{name: "tab only", input: "\t", expected: true},
		{name: "non-empty", input: "a", expected: false},
		{name: "whitespace with content", input: " a ", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsEmpty(tt.input); result != tt.expected {
				t.Errorf("IsEmpty(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected string
	}{
		{name: "first non-empty", input: []string{"", "", "a", "b"}, expected: "a"},
		{name: "first value", input: []string{"a", "b", "c"}, expected: "a"},
		{name: "all empty", input: []string{"", "", ""}, expected: ""},
		{name: "no input", input: []string{}, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := Coalesce(tt.input...); result != tt.expected {
				t.Errorf("Coalesce(%v) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestUnique(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "removes duplicates",
			input:    []string{"a", "b", "a", "c", "b"},
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "already unique",
			input:    []string{"a", "b", "c"},
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "empty slice",
			input:    []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Unique(tt.input)
			if len(result) != len(tt.expected) {
				t.Errorf("Unique() length = %d, want %d", len(result), len(tt.expected))
				return
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("Unique()[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	done := make(chan error, 1)
	SafeGo(func() {
		panic("boom")
	}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected a non-nil recovered error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for panic recovery")
	}
}

func TestSafeGo_RunsFnToCompletion(t *testing.T) {
	done := make(chan struct{}, 1)
	SafeGo(func() {
		done <- struct{}{}
	}, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fn to run")
	}
}

func TestSafeGo_PropagatesErrorPanic(t *testing.T) {
	want := errors.New("boom")
	done := make(chan error, 1)
	SafeGo(func() {
		panic(want)
	}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		if !errors.Is(err, want) {
			t.Errorf("recovered error = %v, want %v", err, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for panic recovery")
	}
}
