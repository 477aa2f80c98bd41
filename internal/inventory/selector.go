// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package inventory

import (
	"path"
	"strings"

	"github.com/toeirei/keyfleet/internal/model"
)

// Selector grammar:
//
//	selector := term { "," term }        hosts matching any term
//	term     := cond { "+" cond }        hosts matching every cond
//	cond     := "all" | "*"
//	          | key "=" value            label equals
//	          | key "!=" value           label differs or is absent
//	          | "name~" glob             host name matches path.Match glob
//	          | word                     name, address or label key
type matcher func(model.Host) bool

// ParseSelector compiles a selector expression.
func ParseSelector(expr string) (func(model.Host) bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, inventoryErr(expr, "%w: empty selector", ErrBadSelector)
	}
	var terms []matcher
	for _, rawTerm := range strings.Split(expr, ",") {
		rawTerm = strings.TrimSpace(rawTerm)
		if rawTerm == "" {
			return nil, inventoryErr(expr, "%w: empty term", ErrBadSelector)
		}
		var conds []matcher
		for _, rawCond := range strings.Split(rawTerm, "+") {
			m, err := parseCond(strings.TrimSpace(rawCond), expr)
			if err != nil {
				return nil, err
			}
			conds = append(conds, m)
		}
		terms = append(terms, allOf(conds))
	}
	return func(h model.Host) bool {
		for _, t := range terms {
			if t(h) {
				return true
			}
		}
		return false
	}, nil
}

func allOf(conds []matcher) matcher {
	return func(h model.Host) bool {
		for _, c := range conds {
			if !c(h) {
				return false
			}
		}
		return true
	}
}

func parseCond(cond, expr string) (matcher, error) {
	switch {
	case cond == "":
		return nil, inventoryErr(expr, "%w: empty condition", ErrBadSelector)
	case cond == "all" || cond == "*":
		return func(model.Host) bool { return true }, nil
	case strings.HasPrefix(cond, "name~"):
		glob := strings.TrimPrefix(cond, "name~")
		if _, err := path.Match(glob, ""); err != nil {
			return nil, inventoryErr(expr, "%w: bad glob %q", ErrBadSelector, glob)
		}
		return func(h model.Host) bool {
			ok, _ := path.Match(glob, h.Name)
			return ok
		}, nil
	case strings.Contains(cond, "!="):
		k, v, _ := strings.Cut(cond, "!=")
		if k == "" {
			return nil, inventoryErr(expr, "%w: missing label key in %q", ErrBadSelector, cond)
		}
		return func(h model.Host) bool {
			got, ok := h.Labels[k]
			return !ok || got != v
		}, nil
	case strings.Contains(cond, "="):
		k, v, _ := strings.Cut(cond, "=")
		if k == "" {
			return nil, inventoryErr(expr, "%w: missing label key in %q", ErrBadSelector, cond)
		}
		return func(h model.Host) bool {
			got, ok := h.Labels[k]
			return ok && got == v
		}, nil
	case strings.ContainsAny(cond, "~! "):
		return nil, inventoryErr(expr, "%w: cannot parse %q", ErrBadSelector, cond)
	default:
		return func(h model.Host) bool {
			if strings.EqualFold(h.Name, cond) || strings.EqualFold(h.Address, cond) {
				return true
			}
			_, ok := h.Labels[cond]
			return ok
		}, nil
	}
}

// Resolve returns the hosts selected by expr in inventory order. A selector
// that matches nothing yields ErrEmptySelection together with an empty,
// non-nil slice.
func (inv *Inventory) Resolve(expr string) ([]model.Host, error) {
	match, err := ParseSelector(expr)
	if err != nil {
		return nil, err
	}
	out := []model.Host{}
	for _, h := range inv.hosts {
		if match(h) {
			out = append(out, copyHost(h))
		}
	}
	if len(out) == 0 {
		return out, &InventoryError{Source: expr, Err: ErrEmptySelection}
	}
	return out, nil
}
