package publisher

import "strings"

// FieldSpec names one subscription field a mutation triggers, together with
// the topic arguments derived from the mutation result.
type FieldSpec struct {
	Field string   `msgpack:"field"`
	Args  []string `msgpack:"args"`
}

// Topic derives the fanout key for this spec: the arguments joined with ":"
// (e.g. ["post", "42"] becomes "post:42"), or the bare field name when the
// deriving function produced no arguments.
func (f FieldSpec) Topic() string {
	if len(f.Args) == 0 {
		return f.Field
	}
	return strings.Join(f.Args, ":")
}

// DeriveFunc computes topic arguments for one subscription field from a
// mutation result. A nil return means the field is not triggered by this
// particular result.
type DeriveFunc func(result map[string]interface{}) []string

// TriggerTable maps mutation fields to the subscription fields they trigger.
// It is built once at schema load and must be treated as read-only afterwards;
// Derive never mutates it.
type TriggerTable struct {
	rows     map[string]map[string]DeriveFunc
	declared map[string]struct{}
}

// NewTriggerTable creates an empty trigger table.
func NewTriggerTable() *TriggerTable {
	return &TriggerTable{
		rows:     make(map[string]map[string]DeriveFunc),
		declared: make(map[string]struct{}),
	}
}

// Declare records subscription fields the schema currently exposes. Trigger
// rows naming undeclared fields are ignored at derive time.
func (t *TriggerTable) Declare(subscriptionFields ...string) {
	for _, f := range subscriptionFields {
		t.declared[f] = struct{}{}
	}
}

// On registers a deriving function for (mutationField, subscriptionField).
func (t *TriggerTable) On(mutationField, subscriptionField string, fn DeriveFunc) {
	row, ok := t.rows[mutationField]
	if !ok {
		row = make(map[string]DeriveFunc)
		t.rows[mutationField] = row
	}
	row[subscriptionField] = fn
}

// Derive computes the field specs a mutation result triggers. An absent
// mutation field, an undeclared subscription field, and a nil argument list
// all contribute nothing.
func (t *TriggerTable) Derive(mutationField string, result map[string]interface{}) []FieldSpec {
	row, ok := t.rows[mutationField]
	if !ok {
		return nil
	}

	specs := make([]FieldSpec, 0, len(row))
	for field, fn := range row {
		if _, ok := t.declared[field]; !ok {
			continue
		}
		args := fn(result)
		if args == nil {
			continue
		}
		specs = append(specs, FieldSpec{Field: field, Args: args})
	}
	if len(specs) == 0 {
		return nil
	}
	return specs
}
