package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Op is the kind of an elementary patch operation.
type Op string

const (
	// OpAdd records a field present in the current doc but not the snapshot.
	OpAdd Op = "add"
	// OpRemove records a field present in the snapshot but not the current doc.
	OpRemove Op = "remove"
	// OpChange records a field whose value differs between the two.
	OpChange Op = "change"
)

// PatchOp is one elementary change between a snapshot and a current doc.
// Field uses the dotted "extended.<key>" convention for extension
// entries.
type PatchOp struct {
	Op     Op     `json:"op"`
	Field  string `json:"field"`
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

// Patch is an ordered list of elementary changes. Ops are sorted by
// field name so the same (current, snapshot) pair always yields an
// identical patch.
type Patch []PatchOp

// Diff computes the structural difference between a current doc and a
// snapshot doc. The returned patch transforms the snapshot into the
// current doc via Apply.
func Diff(current, snapshot Doc) Patch {
	cur := current.Flatten()
	snap := snapshot.Flatten()

	var patch Patch
	seen := make(map[string]struct{}, len(cur))

	for field, after := range cur {
		seen[field] = struct{}{}
		before, ok := snap[field]
		if !ok {
			patch = append(patch, PatchOp{Op: OpAdd, Field: field, After: cloneValue(after)})
			continue
		}
		if !ValueEqual(before, after) {
			patch = append(patch, PatchOp{
				Op:     OpChange,
				Field:  field,
				Before: cloneValue(before),
				After:  cloneValue(after),
			})
		}
	}
	for field, before := range snap {
		if _, ok := seen[field]; !ok {
			patch = append(patch, PatchOp{Op: OpRemove, Field: field, Before: cloneValue(before)})
		}
	}

	sort.Slice(patch, func(i, j int) bool { return patch[i].Field < patch[j].Field })
	return patch
}

// Apply reconstructs the current doc by applying a patch to the snapshot
// it was diffed against. For all r, s: Apply(s, Diff(r, s)) equals r.
func Apply(snapshot Doc, patch Patch) Doc {
	flat := snapshot.Flatten()
	for _, op := range patch {
		switch op.Op {
		case OpAdd, OpChange:
			flat[op.Field] = cloneValue(op.After)
		case OpRemove:
			delete(flat, op.Field)
		}
	}
	return flat.Unflatten()
}

// Revert undoes a patch: given the current doc and the patch recorded
// against its snapshot, it reconstructs the snapshot. This is how the
// snapshot is rebuilt when a ticket is loaded from the store.
func Revert(current Doc, patch Patch) Doc {
	flat := current.Flatten()
	for _, op := range patch {
		switch op.Op {
		case OpAdd:
			delete(flat, op.Field)
		case OpRemove, OpChange:
			flat[op.Field] = cloneValue(op.Before)
		}
	}
	return flat.Unflatten()
}

// Fields returns the set of field names touched by the patch.
func (p Patch) Fields() []string {
	names := make([]string, len(p))
	for i, op := range p {
		names[i] = op.Field
	}
	return names
}

// TouchesWritable reports whether any op in the patch is on a
// user-writable field.
func (p Patch) TouchesWritable() bool {
	for _, op := range p {
		f, ok := FieldByName(op.Field)
		if ok && !f.ReadOnly {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes a patch and normalizes op values back into
// canonical doc value types, which plain JSON decoding loses.
func (p *Patch) UnmarshalJSON(data []byte) error {
	type rawOp struct {
		Op     Op     `json:"op"`
		Field  string `json:"field"`
		Before any    `json:"before,omitempty"`
		After  any    `json:"after,omitempty"`
	}
	var raw []rawOp
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Patch, len(raw))
	for i, r := range raw {
		op := PatchOp{Op: r.Op, Field: r.Field}
		if r.Before != nil {
			v, err := NormalizeValue(r.Before)
			if err != nil {
				return fmt.Errorf("patch op %q: %w", r.Field, err)
			}
			op.Before = v
		}
		if r.After != nil {
			v, err := NormalizeValue(r.After)
			if err != nil {
				return fmt.Errorf("patch op %q: %w", r.Field, err)
			}
			op.After = v
		}
		out[i] = op
	}
	*p = out
	return nil
}
