package redact

import "testing"

func TestRedact(t *testing.T) {
	t.Run("disabled_passthrough", func(t *testing.T) {
		SetEnabled(false)
		if got := Phone("+16265551212"); got != "+16265551212" {
			t.Errorf("Phone = %q, want passthrough", got)
		}
		if got := Transcript("hello"); got != "hello" {
			t.Errorf("Transcript = %q, want passthrough", got)
		}
		if got := Identifier("CA0123456789"); got != "CA0123456789" {
			t.Errorf("Identifier = %q, want passthrough", got)
		}
	})

	t.Run("enabled_masks", func(t *testing.T) {
		SetEnabled(true)
		defer SetEnabled(false)

		if got := Phone("+16265551212"); got != "+1******1212" {
			t.Errorf("Phone = %q, want +1******1212", got)
		}
		if got := Phone(""); got != "" {
			t.Errorf("Phone(empty) = %q", got)
		}
		if got := Transcript("the patient said X"); got != "[redacted]" {
			t.Errorf("Transcript = %q, want [redacted]", got)
		}
		if got := Identifier("CA0123456789abcdef"); got != "CA012345…" {
			t.Errorf("Identifier = %q, want CA012345…", got)
		}
		if got := Identifier("short"); got != "short" {
			t.Errorf("Identifier(short) = %q, want passthrough", got)
		}
	})
}
