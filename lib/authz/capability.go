// Package authz implements the Authorization Core: capability presets and
// access-rights algebra, the membership state machine, and the append-only
// hash-chained event log with signed checkpoints (spec.md §4.6). Grounded
// on original_source/packages/crab_city_auth/src/capability.rs,
// membership.rs, and event.rs.
package authz

import (
	"sort"

	types "github.com/gravitational/teleport/api/types"
)

// capabilityOrder gives the total order View < Collaborate < Admin < Owner.
var capabilityOrder = map[types.Capability]int{
	types.CapabilityView:        0,
	types.CapabilityCollaborate: 1,
	types.CapabilityAdmin:       2,
	types.CapabilityOwner:       3,
}

// AtLeast reports whether a is at least as privileged as b in the preset
// ordering.
func AtLeast(a, b types.Capability) bool {
	return capabilityOrder[a] >= capabilityOrder[b]
}

// presetRights is the cumulative builder: each preset's rights include
// everything the preset below it has, plus its own additions. This mirrors
// capability.rs's access_rights() cumulative construction.
func presetRights(c types.Capability) types.AccessRights {
	var r types.AccessRights
	r = append(r, types.AccessRight{Type: "terminals", Actions: []string{"read"}})
	if capabilityOrder[c] < capabilityOrder[types.CapabilityCollaborate] {
		return Normalize(r)
	}
	r = append(r,
		types.AccessRight{Type: "terminals", Actions: []string{"read", "write"}},
		types.AccessRight{Type: "conversation", Actions: []string{"read"}},
	)
	if capabilityOrder[c] < capabilityOrder[types.CapabilityAdmin] {
		return Normalize(r)
	}
	r = append(r,
		types.AccessRight{Type: "instances", Actions: []string{"create", "stop", "rename"}},
		types.AccessRight{Type: "members", Actions: []string{"invite", "suspend", "reinstate"}},
	)
	if capabilityOrder[c] < capabilityOrder[types.CapabilityOwner] {
		return Normalize(r)
	}
	r = append(r,
		types.AccessRight{Type: "members", Actions: []string{"remove"}},
		types.AccessRight{Type: "instances", Actions: []string{"delete"}},
	)
	return Normalize(r)
}

// Rights returns the canonical access-rights matrix for preset c.
func Rights(c types.Capability) types.AccessRights {
	return presetRights(c)
}

// allPresetsOrdered lists every preset from weakest to strongest.
var allPresetsOrdered = []types.Capability{
	types.CapabilityView,
	types.CapabilityCollaborate,
	types.CapabilityAdmin,
	types.CapabilityOwner,
}

// FromAccess returns the highest preset whose rights exactly equal r, or
// ("", false) if no preset matches exactly (custom access).
func FromAccess(r types.AccessRights) (types.Capability, bool) {
	normalized := Normalize(r)
	for i := len(allPresetsOrdered) - 1; i >= 0; i-- {
		c := allPresetsOrdered[i]
		if rightsEqual(Normalize(presetRights(c)), normalized) {
			return c, true
		}
	}
	return "", false
}

func rightsEqual(a, b types.AccessRights) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || len(a[i].Actions) != len(b[i].Actions) {
			return false
		}
		for j := range a[i].Actions {
			if a[i].Actions[j] != b[i].Actions[j] {
				return false
			}
		}
	}
	return true
}

// Normalize sorts types, sorts+dedups actions within each type, and merges
// duplicate-type entries (spec.md §4.6 normalize).
func Normalize(r types.AccessRights) types.AccessRights {
	byType := make(map[string]map[string]struct{})
	var typeOrder []string
	for _, right := range r {
		set, ok := byType[right.Type]
		if !ok {
			set = make(map[string]struct{})
			byType[right.Type] = set
			typeOrder = append(typeOrder, right.Type)
		}
		for _, a := range right.Actions {
			set[a] = struct{}{}
		}
	}
	sort.Strings(typeOrder)

	out := make(types.AccessRights, 0, len(typeOrder))
	for _, t := range typeOrder {
		actions := make([]string, 0, len(byType[t]))
		for a := range byType[t] {
			actions = append(actions, a)
		}
		sort.Strings(actions)
		out = append(out, types.AccessRight{Type: t, Actions: actions})
	}
	return out
}

// Intersect returns, for each type present in both a and b, the
// intersection of their action sets; types with an empty resulting action
// set are dropped. Commutative and idempotent (spec.md §4.6 property 1).
func Intersect(a, b types.AccessRights) types.AccessRights {
	na, nb := Normalize(a), Normalize(b)
	bByType := make(map[string]map[string]struct{})
	for _, r := range nb {
		set := make(map[string]struct{}, len(r.Actions))
		for _, act := range r.Actions {
			set[act] = struct{}{}
		}
		bByType[r.Type] = set
	}

	var out types.AccessRights
	for _, r := range na {
		bset, ok := bByType[r.Type]
		if !ok {
			continue
		}
		var actions []string
		for _, act := range r.Actions {
			if _, ok := bset[act]; ok {
				actions = append(actions, act)
			}
		}
		if len(actions) > 0 {
			sort.Strings(actions)
			out = append(out, types.AccessRight{Type: r.Type, Actions: actions})
		}
	}
	return Normalize(out)
}

// Contains reports whether rights grants (typ, action).
func Contains(rights types.AccessRights, typ, action string) bool {
	for _, r := range rights {
		if r.Type != typ {
			continue
		}
		for _, a := range r.Actions {
			if a == action {
				return true
			}
		}
	}
	return false
}

// IsSupersetOf reports whether every (type, action) granted by b is also
// granted by a.
func IsSupersetOf(a, b types.AccessRights) bool {
	for _, r := range Normalize(b) {
		for _, act := range r.Actions {
			if !Contains(a, r.Type, act) {
				return false
			}
		}
	}
	return true
}

// Diff returns the (type, action) pairs present in b but not a (added, from
// a's perspective were it to become b) and present in a but not b (removed).
func Diff(a, b types.AccessRights) (added, removed []types.AccessRight) {
	na, nb := Normalize(a), Normalize(b)
	aSet := toSet(na)
	bSet := toSet(nb)

	allTypes := make(map[string]struct{})
	for t := range aSet {
		allTypes[t] = struct{}{}
	}
	for t := range bSet {
		allTypes[t] = struct{}{}
	}
	var types_ []string
	for t := range allTypes {
		types_ = append(types_, t)
	}
	sort.Strings(types_)

	for _, t := range types_ {
		aActs := aSet[t]
		bActs := bSet[t]
		var add, rem []string
		for act := range bActs {
			if _, ok := aActs[act]; !ok {
				add = append(add, act)
			}
		}
		for act := range aActs {
			if _, ok := bActs[act]; !ok {
				rem = append(rem, act)
			}
		}
		if len(add) > 0 {
			sort.Strings(add)
			added = append(added, types.AccessRight{Type: t, Actions: add})
		}
		if len(rem) > 0 {
			sort.Strings(rem)
			removed = append(removed, types.AccessRight{Type: t, Actions: rem})
		}
	}
	return added, removed
}

func toSet(r types.AccessRights) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for _, right := range r {
		set, ok := out[right.Type]
		if !ok {
			set = make(map[string]struct{})
			out[right.Type] = set
		}
		for _, a := range right.Actions {
			set[a] = struct{}{}
		}
	}
	return out
}
