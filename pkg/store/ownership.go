package store

import (
	"fmt"

	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
)

// Rule declares that records of kind Owner exclusively own the record of
// kind Owned whose key is held in the owner's Attribute.
type Rule struct {
	Owner     primitives.EntityKind `yaml:"owner"`
	Owned     primitives.EntityKind `yaml:"owned"`
	Attribute string                `yaml:"attribute"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s.%s -> %s", r.Owner, r.Attribute, r.Owned)
}

// Rules is an immutable ownership table indexed by owner kind.
// A nil *Rules has no rules.
type Rules struct {
	byOwner map[primitives.EntityKind][]Rule
}

// NewRules validates and indexes rules.
func NewRules(rules ...Rule) (*Rules, error) {
	r := &Rules{byOwner: make(map[primitives.EntityKind][]Rule)}
	seen := make(map[string]bool)

	for _, rule := range rules {
		if rule.Owner == "" || rule.Owned == "" || rule.Attribute == "" {
			return nil, fmt.Errorf("ownership rule %q: owner, owned and attribute are required", rule)
		}
		key := string(rule.Owner) + "." + rule.Attribute
		if seen[key] {
			return nil, fmt.Errorf("ownership rule %q: attribute already declared", rule)
		}
		seen[key] = true
		r.byOwner[rule.Owner] = append(r.byOwner[rule.Owner], rule)
	}
	return r, nil
}

// MustRules is NewRules for static tables; it panics on invalid rules.
func MustRules(rules ...Rule) *Rules {
	r, err := NewRules(rules...)
	if err != nil {
		panic(err)
	}
	return r
}

// For returns the rules whose owner is kind.
func (r *Rules) For(kind primitives.EntityKind) []Rule {
	if r == nil {
		return nil
	}
	return r.byOwner[kind]
}

// All returns every rule.
func (r *Rules) All() []Rule {
	if r == nil {
		return nil
	}
	var all []Rule
	for _, rules := range r.byOwner {
		all = append(all, rules...)
	}
	return all
}

// Owned returns the ids a record of the given kind owns through payload.
func (r *Rules) Owned(kind primitives.EntityKind, payload record.Payload) []primitives.RecordID {
	var ids []primitives.RecordID
	for _, rule := range r.For(kind) {
		if key, ok := payload.Ref(rule.Attribute); ok {
			ids = append(ids, primitives.NewRecordID(rule.Owned, key))
		}
	}
	return ids
}

// Orphaned returns the ids that an owner referenced in before but no longer
// references in after.
func (r *Rules) Orphaned(kind primitives.EntityKind, before, after record.Payload) []primitives.RecordID {
	var ids []primitives.RecordID
	for _, rule := range r.For(kind) {
		oldKey, hadOld := before.Ref(rule.Attribute)
		if !hadOld {
			continue
		}
		if newKey, hasNew := after.Ref(rule.Attribute); hasNew && newKey == oldKey {
			continue
		}
		ids = append(ids, primitives.NewRecordID(rule.Owned, oldKey))
	}
	return ids
}
