// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package sshkey

import (
	"errors"
	"fmt"

	"github.com/toeirei/keyfleet/internal/model"
)

// ErrLockoutGuard is returned by RemoveGuarded when removing a key would
// leave the store without the key meant to replace it.
var ErrLockoutGuard = errors.New("replacement key not present; refusing to remove old key")

// EditFunc is a pure transformation of an authorized_keys entry sequence.
// It must not modify its input slice.
type EditFunc func(entries []model.AuthorizedKeyEntry) ([]model.AuthorizedKeyEntry, error)

// EnsurePresent leaves exactly one entry for pub: it appends one if absent
// and drops later duplicates. An existing entry keeps its line verbatim.
func EnsurePresent(pub model.PublicKey, options []string) EditFunc {
	return func(entries []model.AuthorizedKeyEntry) ([]model.AuthorizedKeyEntry, error) {
		fp := pub.Identity.Fingerprint
		out := make([]model.AuthorizedKeyEntry, 0, len(entries)+1)
		seen := false
		for _, e := range entries {
			if e.Fingerprint == fp {
				if seen {
					continue
				}
				seen = true
			}
			out = append(out, e)
		}
		if !seen {
			entry, err := NewEntry(pub, options)
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
		return out, nil
	}
}

// Remove drops every entry with the fingerprint. Absence is not an error.
func Remove(fingerprint string) EditFunc {
	return func(entries []model.AuthorizedKeyEntry) ([]model.AuthorizedKeyEntry, error) {
		if fingerprint == "" {
			return nil, fmt.Errorf("remove: empty fingerprint")
		}
		out := make([]model.AuthorizedKeyEntry, 0, len(entries))
		for _, e := range entries {
			if e.Fingerprint != fingerprint {
				out = append(out, e)
			}
		}
		return out, nil
	}
}

// RemoveGuarded drops entries for oldFP, but only when keepFP is present in
// the same sequence.
func RemoveGuarded(oldFP, keepFP string) EditFunc {
	remove := Remove(oldFP)
	return func(entries []model.AuthorizedKeyEntry) ([]model.AuthorizedKeyEntry, error) {
		if Count(entries, keepFP) == 0 {
			return nil, ErrLockoutGuard
		}
		return remove(entries)
	}
}

// Chain applies edits in order.
func Chain(edits ...EditFunc) EditFunc {
	return func(entries []model.AuthorizedKeyEntry) ([]model.AuthorizedKeyEntry, error) {
		cur := entries
		for _, edit := range edits {
			next, err := edit(cur)
			if err != nil {
				return nil, err
			}
			cur = next
		}
		return cur, nil
	}
}

// Apply runs edit over the parsed content and reports whether the rendered
// bytes differ from the input.
func Apply(content []byte, edit EditFunc) (out []byte, changed bool, err error) {
	entries := ParseContent(content)
	next, err := edit(entries)
	if err != nil {
		return nil, false, err
	}
	out = Render(next)
	return out, !sameContent(content, out), nil
}

// sameContent compares ignoring CRLF vs LF and a missing final newline, so
// that an edit that changes nothing does not trigger a rewrite.
func sameContent(before, after []byte) bool {
	return string(Render(ParseContent(before))) == string(after)
}
