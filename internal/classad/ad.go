package classad

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Reserved attribute names understood by Modify and by the store's
// modify_record escape hatches.
const (
	AttrKey      = "Key"
	AttrNewAd    = "NewAd"
	AttrDeleteAd = "DeleteAd"
	AttrContext  = "Context"
	AttrReplace  = "Replace"
	AttrUpdates  = "Updates"
	AttrDeletes  = "Deletes"
)

// Ad is a keyed structured document. Attribute values are restricted to the
// JSON data model: nil, bool, float64, string, []any and nested Ads.
type Ad map[string]any

// New creates an Ad from a plain map, normalising every value.
func New(attrs map[string]any) Ad {
	ad := make(Ad, len(attrs))
	for name, v := range attrs {
		ad[name] = normalize(v)
	}
	return ad
}

// Parse decodes the self-describing text form produced by String.
func Parse(text string) (Ad, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ad: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("failed to parse ad: not an object")
	}
	return New(raw), nil
}

// MarshalJSON renders the ad in its self-describing text form. Attribute
// order is deterministic.
func (a Ad) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return json.Marshal(a.plain())
}

// UnmarshalJSON decodes the text form, normalising nested values.
func (a *Ad) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*a = nil
		return nil
	}
	*a = New(raw)
	return nil
}

// String returns the text form, or "{}" if the ad cannot be rendered.
func (a Ad) String() string {
	data, err := a.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Lookup returns the raw value of an attribute.
func (a Ad) Lookup(name string) (any, bool) {
	v, ok := a[name]
	return v, ok
}

// Insert sets an attribute, normalising the value.
func (a Ad) Insert(name string, v any) {
	a[name] = normalize(v)
}

// Delete removes an attribute and reports whether it was present.
func (a Ad) Delete(name string) bool {
	if _, ok := a[name]; !ok {
		return false
	}
	delete(a, name)
	return true
}

// Clear removes every attribute.
func (a Ad) Clear() {
	for name := range a {
		delete(a, name)
	}
}

// Names returns the attribute names in sorted order.
func (a Ad) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Copy returns a deep copy. A nil ad copies to nil.
func (a Ad) Copy() Ad {
	if a == nil {
		return nil
	}
	return deepCopy(a).(Ad)
}

// Equal reports whether two ads have the same attributes and values.
func (a Ad) Equal(b Ad) bool {
	if len(a) != len(b) {
		return false
	}
	return a.String() == b.String()
}

// Update inserts a copy of every attribute of other, overwriting existing
// attributes of the same name.
func (a Ad) Update(other Ad) {
	for name, v := range other {
		a[name] = normalize(v)
	}
}

// Modify applies a modification ad. The optional Context attribute names a
// nested ad the modification applies to; Replace clears the context and
// inserts the given ad; Updates merges an ad; Deletes removes a list of
// attribute names. Steps run in that order. A malformed Deletes list leaves
// the deletions unapplied.
func (a Ad) Modify(mod Ad) {
	ctx := a
	if v, ok := mod[AttrContext]; ok {
		name, isString := v.(string)
		if !isString {
			return
		}
		nested, isAd := AsAd(a[name])
		if !isAd {
			return
		}
		ctx = nested
	}

	if v, ok := mod[AttrReplace]; ok {
		if replacement, isAd := AsAd(v); isAd {
			ctx.Clear()
			ctx.Update(replacement)
		}
	}

	if v, ok := mod[AttrUpdates]; ok {
		if updates, isAd := AsAd(v); isAd {
			ctx.Update(updates)
		}
	}

	if v, ok := mod[AttrDeletes]; ok {
		list, isList := v.([]any)
		if !isList {
			return
		}
		names := make([]string, 0, len(list))
		for _, item := range list {
			name, isString := item.(string)
			if !isString {
				return
			}
			names = append(names, name)
		}
		for _, name := range names {
			ctx.Delete(name)
		}
	}
}

// AsAd converts a nested attribute value to an Ad.
func AsAd(v any) (Ad, bool) {
	switch t := v.(type) {
	case Ad:
		return t, true
	case map[string]any:
		return Ad(t), true
	default:
		return nil, false
	}
}

func (a Ad) plain() map[string]any {
	out := make(map[string]any, len(a))
	for name, v := range a {
		out[name] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case Ad:
		return t.plain()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plainValue(item)
		}
		return out
	default:
		return v
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case Ad:
		out := make(Ad, len(t))
		for name, item := range t {
			out[name] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

// normalize maps Go values onto the ad data model so that evaluation and
// the text form agree on types.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return t
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case Ad:
		return New(t)
	case map[string]any:
		return New(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	default:
		return fmt.Sprint(t)
	}
}
