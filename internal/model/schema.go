// Package model defines the Ticket record, its serialized document form,
// and the diff/patch machinery used to track offline changes against the
// last state confirmed by the remote server.
package model

// Kind is the type tag of a ticket field. The diff and serialization code
// is driven entirely by the schema table below, so adding a field means
// adding one row here plus an arm in the ticket getter/setter switches.
type Kind int

const (
	// KindString is free text.
	KindString Kind = iota
	// KindEnum is a string constrained to a server-provided set, such as
	// priority or status.
	KindEnum
	// KindSet is an unordered set of strings, serialized sorted.
	KindSet
	// KindDecimal is an exact decimal number, serialized as a string to
	// preserve precision.
	KindDecimal
	// KindTime is a timestamp with zone offset, serialized as RFC3339.
	KindTime
	// KindKey is a reference to another ticket by key.
	KindKey
	// KindMap is the open-ended extension map of string keys to string
	// values. Entries are addressed with dotted "extended.<key>" paths in
	// diffs and conflict reports.
	KindMap
)

// FieldSpec describes one ticket field.
type FieldSpec struct {
	Name     string
	Kind     Kind
	ReadOnly bool
}

// Schema lists every ticket field in serialization order. Read-only
// fields are owned by the server: they change only on re-fetch and are
// rejected by Set.
var Schema = []FieldSpec{
	{Name: "project", Kind: KindString, ReadOnly: true},
	{Name: "key", Kind: KindString, ReadOnly: true},
	{Name: "id", Kind: KindString, ReadOnly: true},
	{Name: "issuetype", Kind: KindString, ReadOnly: true},
	{Name: "status", Kind: KindEnum, ReadOnly: true},
	{Name: "created", Kind: KindTime, ReadOnly: true},
	{Name: "updated", Kind: KindTime, ReadOnly: true},
	{Name: "creator", Kind: KindString, ReadOnly: true},
	{Name: "summary", Kind: KindString},
	{Name: "description", Kind: KindString},
	{Name: "assignee", Kind: KindString},
	{Name: "reporter", Kind: KindString},
	{Name: "priority", Kind: KindEnum},
	{Name: "labels", Kind: KindSet},
	{Name: "components", Kind: KindSet},
	{Name: "fix_versions", Kind: KindSet},
	{Name: "epic_link", Kind: KindKey},
	{Name: "epic_name", Kind: KindString},
	{Name: "parent_link", Kind: KindKey},
	{Name: "sprint", Kind: KindString},
	{Name: "estimate", Kind: KindDecimal},
	{Name: "extended", Kind: KindMap},
}

// fieldsByName indexes Schema for lookup.
var fieldsByName = func() map[string]FieldSpec {
	m := make(map[string]FieldSpec, len(Schema))
	for _, f := range Schema {
		m[f.Name] = f
	}
	return m
}()

// FieldByName returns the schema entry for a field name. Dotted
// "extended.<key>" paths resolve to a synthetic string field inside the
// extension map.
func FieldByName(name string) (FieldSpec, bool) {
	if key, ok := ExtendedKey(name); ok {
		return FieldSpec{Name: "extended." + key, Kind: KindString}, true
	}
	f, ok := fieldsByName[name]
	return f, ok
}

// ExtendedKey reports whether the field name addresses an entry in the
// extension map, and if so returns the bare key. The "extended." prefix
// convention is owned by this package; callers must not parse it
// themselves.
func ExtendedKey(name string) (string, bool) {
	const prefix = "extended."
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):], true
	}
	return "", false
}

// WritableFields returns the names of all user-writable schema fields.
func WritableFields() []string {
	var names []string
	for _, f := range Schema {
		if !f.ReadOnly {
			names = append(names, f.Name)
		}
	}
	return names
}
