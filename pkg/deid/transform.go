package deid

import (
	"sort"

	"github.com/dicomirror/dicomirror/pkg/model"
	"gitlab.com/tozd/go/errors"
)

// Deider applies a recipe to tag sets. It holds no mutable state: the recipe
// and hasher are immutable, so one Deider serves any number of workers.
type Deider struct {
	recipe *Recipe
	hasher *Hasher
}

// NewDeider pairs a parsed recipe with a keyed hasher.
func NewDeider(recipe *Recipe, hasher *Hasher) *Deider {
	return &Deider{recipe: recipe, hasher: hasher}
}

// Recipe returns the recipe this Deider applies.
func (d *Deider) Recipe() *Recipe {
	return d.recipe
}

// Pseudonymize produces the de-identified version of tags. For every input
// tag the last matching rule decides its fate; tags with no matching rule
// are dropped. ADD rules run last and overwrite whatever the per-tag pass
// produced for their keyword. The input is never modified.
func (d *Deider) Pseudonymize(tags model.TagSet) (model.TagSet, error) {
	out := make(model.TagSet, len(tags))

	// Sorted iteration keeps error reporting deterministic; the result
	// itself is order-independent.
	keywords := make([]string, 0, len(tags))
	for kw := range tags {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)

	for _, kw := range keywords {
		rule, matched := d.lastMatch(kw)
		if !matched {
			continue // default deny
		}

		value := tags[kw]
		switch rule.Action {
		case ActionKeep:
			out[kw] = value
		case ActionBlank:
			out[kw] = model.TagValue{VR: value.VR}
		case ActionReplace:
			out[kw] = model.TagValue{VR: value.VR, Value: []any{rule.Arg}}
		case ActionRemove:
			// dropped
		case ActionHash:
			hashed, err := d.hashValue(kw, value)
			if err != nil {
				return nil, err
			}
			out[kw] = hashed
		case ActionAdd:
			// ADD matches a tag only when its literal name collides with an
			// input keyword; the unconditional insert below still wins.
			out[kw] = value
		}
	}

	// ADD rules insert unconditionally after the per-tag pass.
	for _, rule := range d.recipe.rules {
		if rule.Action != ActionAdd {
			continue
		}
		vr := "LO"
		if existing, ok := tags[rule.Selector.literal]; ok && existing.VR != "" {
			vr = existing.VR
		}
		out[rule.Selector.literal] = model.TagValue{VR: vr, Value: []any{rule.Arg}}
	}

	return out, nil
}

// lastMatch scans all rules in order and returns the last one whose selector
// matches the keyword.
func (d *Deider) lastMatch(keyword string) (Rule, bool) {
	var match Rule
	matched := false
	for _, rule := range d.recipe.rules {
		if rule.Selector.matches(keyword) {
			match = rule
			matched = true
		}
	}
	return match, matched
}

// hashValue hashes every value of the tag. Identifier-bearing tags hold
// strings; anything else means the record is structurally invalid for this
// recipe and the whole record fails.
func (d *Deider) hashValue(keyword string, value model.TagValue) (model.TagValue, error) {
	if len(value.Value) == 0 {
		return model.TagValue{VR: value.VR}, nil
	}
	hashed := make([]any, len(value.Value))
	for i, v := range value.Value {
		s, ok := v.(string)
		if !ok {
			return model.TagValue{}, errors.Errorf("tag %s: cannot hash non-string value of type %T", keyword, v)
		}
		hashed[i] = d.hasher.Hash(s)
	}
	return model.TagValue{VR: value.VR, Value: hashed}, nil
}
