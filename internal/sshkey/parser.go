// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sshkey reads, writes and edits the OpenSSH authorized_keys format.
// Lines it does not own are preserved byte for byte.
package sshkey

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/toeirei/keyfleet/internal/model"
	"golang.org/x/crypto/ssh"
)

// Parse splits a raw public key string (like one from an authorized_keys file)
// into its three core components: algorithm, key data, and comment.
// It correctly handles leading options in the line (e.g., from="...",command="...").
func Parse(rawKey string) (algorithm, keyData, comment string, err error) {
	fields := strings.Fields(rawKey)
	if len(fields) == 0 {
		err = fmt.Errorf("empty line")
		return
	}

	keyStartIndex := -1
	for i, field := range fields {
		if isKeyType(field) {
			keyStartIndex = i
			break
		}
	}

	if keyStartIndex == -1 {
		err = fmt.Errorf("no valid SSH key type found in line")
		return
	}

	if len(fields) < keyStartIndex+2 {
		err = fmt.Errorf("invalid public key format: missing key data after algorithm")
		return
	}

	algorithm = fields[keyStartIndex]
	keyData = fields[keyStartIndex+1]
	if len(fields) > keyStartIndex+2 {
		comment = strings.Join(fields[keyStartIndex+2:], " ")
	}

	return
}

func isKeyType(field string) bool {
	return strings.HasPrefix(field, "ssh-") ||
		strings.HasPrefix(field, "ecdsa-") ||
		strings.HasPrefix(field, "sk-")
}

// ParseLine turns one authorized_keys line into an entry. Lines that are not
// keys come back with only Raw set.
func ParseLine(raw string) model.AuthorizedKeyEntry {
	entry := model.AuthorizedKeyEntry{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return entry
	}

	pub, comment, options, rest, err := ssh.ParseAuthorizedKey([]byte(trimmed))
	if err != nil || len(bytes.TrimSpace(rest)) > 0 {
		return entry
	}
	// Key data is taken from the canonical encoding so quoted options that
	// contain spaces cannot shift the fields.
	canonical := strings.Fields(string(ssh.MarshalAuthorizedKey(pub)))

	entry.Options = options
	entry.KeyType = pub.Type()
	entry.KeyData = canonical[1]
	entry.Comment = comment
	entry.Fingerprint = ssh.FingerprintSHA256(pub)
	return entry
}

// ParseContent splits file content into entries. CRLF line endings are
// accepted. A trailing newline does not produce an empty entry. Lines of any
// length and any byte content are kept; nothing is ever dropped.
func ParseContent(content []byte) []model.AuthorizedKeyEntry {
	if len(content) == 0 {
		return nil
	}
	lines := bytes.Split(content, []byte("\n"))
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	entries := make([]model.AuthorizedKeyEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, ParseLine(string(bytes.TrimSuffix(line, []byte("\r")))))
	}
	return entries
}

// Render writes entries back in order, one per line, newline terminated.
// Line endings are always LF, so CRLF lines come back as LF once the file
// is rewritten.
func Render(entries []model.AuthorizedKeyEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.Line())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// NewEntry builds the entry written for a managed public key.
func NewEntry(pub model.PublicKey, options []string) (model.AuthorizedKeyEntry, error) {
	alg, keyData, comment, err := Parse(pub.AuthorizedKey)
	if err != nil {
		return model.AuthorizedKeyEntry{}, fmt.Errorf("invalid public key for %s: %w", pub.Identity.Fingerprint, err)
	}
	if pub.Identity.Fingerprint == "" {
		return model.AuthorizedKeyEntry{}, fmt.Errorf("public key has no fingerprint")
	}
	return model.AuthorizedKeyEntry{
		Options:     append([]string(nil), options...),
		KeyType:     alg,
		KeyData:     keyData,
		Comment:     comment,
		Fingerprint: pub.Identity.Fingerprint,
	}, nil
}

// Count returns how many entries carry the fingerprint.
func Count(entries []model.AuthorizedKeyEntry, fingerprint string) int {
	n := 0
	for _, e := range entries {
		if e.Fingerprint == fingerprint {
			n++
		}
	}
	return n
}
