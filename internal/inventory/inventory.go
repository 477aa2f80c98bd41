// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package inventory loads the host inventory and resolves selectors against
// it. It validates shape only and never contacts hosts.
package inventory

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/toeirei/keyfleet/internal/model"
	"gopkg.in/yaml.v3"
)

// DefaultPort is used when neither a host nor the defaults block set one.
const DefaultPort = 22

var (
	ErrMalformedHost  = errors.New("malformed host definition")
	ErrEmptySelection = errors.New("selector matched no hosts")
	ErrBadSelector    = errors.New("invalid selector")
)

// InventoryError wraps every failure of this package. Source names the file
// or selector that caused it.
type InventoryError struct {
	Source string
	Err    error
}

func (e *InventoryError) Error() string {
	if e.Source == "" {
		return "inventory: " + e.Err.Error()
	}
	return fmt.Sprintf("inventory %s: %v", e.Source, e.Err)
}

func (e *InventoryError) Unwrap() error { return e.Err }

func inventoryErr(source string, format string, args ...any) error {
	return &InventoryError{Source: source, Err: fmt.Errorf(format, args...)}
}

// HostSpec is the on-disk shape of one host.
type HostSpec struct {
	Name           string            `yaml:"name"`
	Address        string            `yaml:"address"`
	Port           int               `yaml:"port"`
	AdminPrincipal string            `yaml:"admin_principal"`
	Labels         map[string]string `yaml:"labels"`
}

// File is the on-disk shape of an inventory file.
type File struct {
	Defaults struct {
		Port           int               `yaml:"port"`
		AdminPrincipal string            `yaml:"admin_principal"`
		Labels         map[string]string `yaml:"labels"`
	} `yaml:"defaults"`
	Hosts []HostSpec `yaml:"hosts"`
}

// Inventory is an ordered, deduplicated set of hosts.
type Inventory struct {
	hosts []model.Host
	index map[string]int
}

// New returns an empty inventory.
func New() *Inventory {
	return &Inventory{index: make(map[string]int)}
}

// Hosts returns a copy of all hosts in inventory order.
func (inv *Inventory) Hosts() []model.Host {
	out := make([]model.Host, len(inv.hosts))
	for i, h := range inv.hosts {
		out[i] = copyHost(h)
	}
	return out
}

// Len returns the number of hosts.
func (inv *Inventory) Len() int { return len(inv.hosts) }

// Add validates h and appends it unless a host with the same address+port
// exists, in which case the first definition wins. It reports whether h was
// added.
func (inv *Inventory) Add(h model.Host) (bool, error) {
	if err := validate(h); err != nil {
		return false, err
	}
	h.Liveness = model.LivenessUnknown
	key := h.Key()
	if _, dup := inv.index[key]; dup {
		return false, nil
	}
	inv.index[key] = len(inv.hosts)
	inv.hosts = append(inv.hosts, copyHost(h))
	return true, nil
}

// Merge appends the hosts of other that are not already present.
func (inv *Inventory) Merge(other *Inventory) {
	for _, h := range other.hosts {
		_, _ = inv.Add(h)
	}
}

func validate(h model.Host) error {
	name := h.Name
	if name == "" {
		name = h.Address
	}
	if strings.TrimSpace(h.Address) == "" {
		return inventoryErr(name, "%w: address is empty", ErrMalformedHost)
	}
	if strings.ContainsAny(h.Address, " \t/@") {
		return inventoryErr(name, "%w: invalid address %q", ErrMalformedHost, h.Address)
	}
	if h.Port < 1 || h.Port > 65535 {
		return inventoryErr(name, "%w: port %d out of range", ErrMalformedHost, h.Port)
	}
	if strings.TrimSpace(h.Principal) == "" {
		return inventoryErr(name, "%w: admin_principal is empty", ErrMalformedHost)
	}
	for k := range h.Labels {
		if k == "" || strings.ContainsAny(k, "=,+!~ ") {
			return inventoryErr(name, "%w: invalid label key %q", ErrMalformedHost, k)
		}
	}
	return nil
}

func copyHost(h model.Host) model.Host {
	if h.Labels != nil {
		labels := make(map[string]string, len(h.Labels))
		for k, v := range h.Labels {
			labels[k] = v
		}
		h.Labels = labels
	}
	return h
}

// Parse decodes one inventory document. source is used in error messages.
func Parse(data []byte, source string) (*Inventory, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &InventoryError{Source: source, Err: fmt.Errorf("%w: %v", ErrMalformedHost, err)}
	}
	inv := New()
	for i, spec := range f.Hosts {
		h := model.Host{
			Name:      spec.Name,
			Address:   strings.TrimSpace(spec.Address),
			Port:      spec.Port,
			Principal: spec.AdminPrincipal,
		}
		if h.Port == 0 {
			h.Port = f.Defaults.Port
		}
		if h.Port == 0 {
			h.Port = DefaultPort
		}
		if h.Principal == "" {
			h.Principal = f.Defaults.AdminPrincipal
		}
		if h.Name == "" {
			h.Name = h.Address
		}
		if len(f.Defaults.Labels) > 0 || len(spec.Labels) > 0 {
			h.Labels = make(map[string]string, len(f.Defaults.Labels)+len(spec.Labels))
			for k, v := range f.Defaults.Labels {
				h.Labels[k] = v
			}
			for k, v := range spec.Labels {
				h.Labels[k] = v
			}
		}
		if _, err := inv.Add(h); err != nil {
			var ie *InventoryError
			if errors.As(err, &ie) {
				ie.Source = fmt.Sprintf("%s: hosts[%d] (%s)", source, i, ie.Source)
			}
			return nil, err
		}
	}
	return inv, nil
}

// Load reads an inventory file, or every *.yaml / *.yml file of a directory
// in lexical order.
func Load(path string) (*Inventory, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &InventoryError{Source: path, Err: err}
	}
	if !fi.IsDir() {
		return loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, &InventoryError{Source: path, Err: err}
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)

	inv := New()
	for _, f := range files {
		part, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		inv.Merge(part)
	}
	return inv, nil
}

func loadFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InventoryError{Source: path, Err: err}
	}
	return Parse(data, path)
}

// FromList builds an inventory from explicit "[user@]address[:port]"
// targets. Missing parts take the given defaults.
func FromList(targets []string, defaultPrincipal string, defaultPort int) (*Inventory, error) {
	if defaultPort == 0 {
		defaultPort = DefaultPort
	}
	inv := New()
	for _, raw := range targets {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		h, err := parseTarget(raw, defaultPrincipal, defaultPort)
		if err != nil {
			return nil, err
		}
		if _, err := inv.Add(h); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

func parseTarget(raw, principal string, port int) (model.Host, error) {
	rest := raw
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		principal = rest[:i]
		rest = rest[i+1:]
	}
	addr := rest
	if host, p, err := net.SplitHostPort(rest); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return model.Host{}, inventoryErr(raw, "%w: invalid port %q", ErrMalformedHost, p)
		}
		addr, port = host, n
	} else if strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]") {
		addr = strings.Trim(rest, "[]")
	}
	return model.Host{Name: addr, Address: addr, Port: port, Principal: principal}, nil
}
