// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model contains the value types shared by the inventory, planner,
// session pool and orchestrator.
package model

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/toeirei/keyfleet/internal/security"
)

// KeyIdentity uniquely identifies a key pair across the fleet. The
// fingerprint is the canonical identity and is never reused.
type KeyIdentity struct {
	Algorithm   string    `json:"algorithm"`
	Fingerprint string    `json:"fingerprint"`
	Label       string    `json:"label,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// String returns the fingerprint, followed by the label when one is set.
func (k KeyIdentity) String() string {
	if k.Label == "" {
		return k.Fingerprint
	}
	return fmt.Sprintf("%s (%s)", k.Fingerprint, k.Label)
}

// Same reports whether both identities refer to the same key.
func (k KeyIdentity) Same(other KeyIdentity) bool {
	return k.Fingerprint != "" && k.Fingerprint == other.Fingerprint
}

// PublicKey is a KeyIdentity plus the public material that is sent to
// hosts. AuthorizedKey is a single authorized_keys line without options,
// e.g. "ssh-ed25519 AAAA... label".
type PublicKey struct {
	Identity      KeyIdentity `json:"identity"`
	AuthorizedKey string      `json:"authorized_key"`
}

// KeyPair holds both halves of a generated key. Private never leaves the
// process; it is redacted by every formatter.
type KeyPair struct {
	Public  PublicKey       `json:"public"`
	Private security.Secret `json:"private"`
}

// Identity is a convenience accessor.
func (p KeyPair) Identity() KeyIdentity { return p.Public.Identity }

// Liveness is the per-run reachability of a host.
type Liveness string

const (
	LivenessUnknown     Liveness = "unknown"
	LivenessReachable   Liveness = "reachable"
	LivenessUnreachable Liveness = "unreachable"
)

// Host is one target machine with its connection parameters.
type Host struct {
	Name      string            `json:"name,omitempty"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	Principal string            `json:"admin_principal"`
	Labels    map[string]string `json:"labels,omitempty"`
	Liveness  Liveness          `json:"liveness,omitempty"`
}

// Addr returns address:port suitable for dialing.
func (h Host) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// Key returns the deduplication key of the host (address+port).
func (h Host) Key() string {
	return strings.ToLower(h.Addr())
}

// String returns principal@address:port, prefixed with the name if it differs.
func (h Host) String() string {
	s := fmt.Sprintf("%s@%s", h.Principal, h.Addr())
	if h.Name != "" && h.Name != h.Address {
		return fmt.Sprintf("%s (%s)", h.Name, s)
	}
	return s
}

// LabelString renders labels as sorted key=value pairs.
func (h Host) LabelString() string {
	if len(h.Labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h.Labels))
	for k := range h.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+h.Labels[k])
	}
	return strings.Join(parts, ",")
}

// AuthorizedKeyEntry is one line of an authorized_keys store. Lines that do
// not hold a key (blank lines, comments, garbage) have an empty Fingerprint
// and are carried verbatim in Raw.
type AuthorizedKeyEntry struct {
	Raw         string   `json:"raw"`
	Options     []string `json:"options,omitempty"`
	KeyType     string   `json:"key_type,omitempty"`
	KeyData     string   `json:"key_data,omitempty"`
	Comment     string   `json:"comment,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// IsKey reports whether the entry holds a parsed public key.
func (e AuthorizedKeyEntry) IsKey() bool { return e.Fingerprint != "" }

// Line returns the text written to the store for this entry.
func (e AuthorizedKeyEntry) Line() string {
	if e.Raw != "" || !e.IsKey() {
		return e.Raw
	}
	var sb strings.Builder
	if len(e.Options) > 0 {
		sb.WriteString(strings.Join(e.Options, ","))
		sb.WriteString(" ")
	}
	sb.WriteString(e.KeyType)
	sb.WriteString(" ")
	sb.WriteString(e.KeyData)
	if e.Comment != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Comment)
	}
	return sb.String()
}
