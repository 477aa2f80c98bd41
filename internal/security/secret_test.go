// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestSecretRedactionAndJSON(t *testing.T) {
	s := FromString("supersecret")
	for _, verb := range []string{"%v", "%s", "%q", "%#v", "%x"} {
		if got := fmt.Sprintf(verb, s); got != "[SECRET]" {
			t.Fatalf("unexpected fmt output for %s: %q", verb, got)
		}
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	if string(b) != "\"[SECRET]\"" {
		t.Fatalf("unexpected json marshal: %s", string(b))
	}

	wrapped := struct {
		Name string
		Key  Secret
	}{Name: "k", Key: s}
	b, err = json.Marshal(wrapped)
	if err != nil {
		t.Fatalf("json.Marshal struct failed: %v", err)
	}
	if string(b) != `{"Name":"k","Key":"[SECRET]"}` {
		t.Fatalf("unexpected struct marshal: %s", string(b))
	}
}

func TestSecretZero(t *testing.T) {
	s := FromString("abc123")
	(&s).Zero()
	b := s.Bytes()
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("expected zeroed byte at index %d, got %d", i, b[i])
		}
	}
}

func TestFromBytesCopies(t *testing.T) {
	in := []byte("material")
	s := FromBytes(in)
	in[0] = 'X'
	if err := s.Use(func(b []byte) error {
		if string(b) != "material" {
			t.Fatalf("secret shares memory with input: %q", string(b))
		}
		return nil
	}); err != nil {
		t.Fatalf("Use returned error: %v", err)
	}
	if s.Len() != len("material") || s.IsEmpty() {
		t.Fatalf("unexpected length %d", s.Len())
	}
}
