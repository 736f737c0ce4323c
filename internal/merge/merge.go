// Package merge implements the three-way merge between a locally
// modified ticket, the snapshot last confirmed by the server, and an
// incoming ticket (a fresh remote fetch, or the blank placeholder for
// tickets that only exist locally).
//
//	incoming --- merged
//	  /           /
//	origin --- base
//
// Fields changed on one side only are taken from that side. Fields
// changed on both sides to different values are conflicts: they are
// reported with their three values and marked in the merged document
// with model.Conflict until resolved.
package merge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/offtix/offtix/internal/model"
)

// ConflictValues holds the three versions of a conflicted field.
type ConflictValues struct {
	Original any `json:"original"`
	Updated  any `json:"updated"`
	Base     any `json:"base"`
}

// Update is the outcome of a three-way comparison: the merged document
// (flattened, possibly carrying conflict markers), the union of fields
// touched on either side, and the conflict map.
type Update struct {
	Key       string
	Merged    model.Doc
	Modified  []string
	Conflicts map[string]ConflictValues
}

// Resolver turns an Update with conflicts into a merged document with
// every conflict marker replaced by a chosen value.
type Resolver interface {
	Resolve(u *Update) (model.Doc, error)
}

// ErrUnresolved is returned when a merged document still carries
// conflict markers after resolution.
var ErrUnresolved = errors.New("merged ticket still has unresolved conflicts")

// Build computes the three-way comparison between base and incoming.
// The origin is base's snapshot; when base has no snapshot (a brand-new
// local ticket) the origin is empty and every set writable field is a
// pending addition. Passing nil or the blank placeholder as incoming
// means there is nothing to compare against, which by definition cannot
// conflict.
func Build(base, incoming *model.Ticket) *Update {
	baseFlat := base.Serialize().Flatten()

	if incoming == nil || incoming.IsBlank() {
		return buildAgainstBlank(base, baseFlat)
	}

	incomingFlat := incoming.Serialize().Flatten()

	origin := model.Doc{}
	if snap := base.Snapshot(); snap != nil {
		origin = snap
	}
	originFlat := origin.Flatten()

	localChanged := changedFields(originFlat, baseFlat)
	remoteChanged := changedFields(originFlat, incomingFlat)

	merged := baseFlat.Clone()
	conflicts := make(map[string]ConflictValues)
	modified := make(map[string]struct{}, len(localChanged)+len(remoteChanged))

	for field := range localChanged {
		modified[field] = struct{}{}
	}
	for field := range remoteChanged {
		modified[field] = struct{}{}

		if !localChanged[field] {
			// Only the incoming side touched it: take that value.
			setOrDelete(merged, field, incomingFlat[field])
			continue
		}
		if model.ValueEqual(baseFlat[field], incomingFlat[field]) {
			// Both sides made the same change.
			continue
		}
		conflicts[field] = ConflictValues{
			Original: originFlat[field],
			Updated:  incomingFlat[field],
			Base:     baseFlat[field],
		}
		merged[field] = model.Conflict{}
	}

	return &Update{
		Key:       base.Key,
		Merged:    merged,
		Modified:  sortedFields(modified),
		Conflicts: conflicts,
	}
}

// buildAgainstBlank handles the new-local-ticket path: the modified set
// is every writable field set on base, and no conflict is possible.
func buildAgainstBlank(base *model.Ticket, baseFlat model.Doc) *Update {
	modified := make(map[string]struct{})
	for field := range baseFlat {
		if spec, ok := model.FieldByName(field); ok && !spec.ReadOnly {
			modified[field] = struct{}{}
		}
	}
	return &Update{
		Key:       base.Key,
		Merged:    baseFlat.Clone(),
		Modified:  sortedFields(modified),
		Conflicts: map[string]ConflictValues{},
	}
}

// Merge runs the full per-ticket reconciliation: build the three-way
// comparison, resolve any conflicts through the resolver, and rebuild a
// ticket from the merged document. When upstream is true the incoming
// ticket is the authoritative remote state: the merged ticket's
// server-owned fields are refreshed from it, its snapshot is re-based to
// it, and the stored patch is recomputed so future diffs run against the
// newly confirmed state.
func Merge(base, incoming *model.Ticket, upstream bool, resolver Resolver) (*model.Ticket, *Update, error) {
	update := Build(base, incoming)

	if len(update.Conflicts) > 0 {
		if resolver == nil {
			return nil, update, fmt.Errorf("ticket %s: %w", base.Key, ErrUnresolved)
		}
		resolved, err := resolver.Resolve(update)
		if err != nil {
			return nil, update, err
		}
		update.Merged = resolved
	}

	for field, value := range update.Merged {
		if model.IsConflict(value) {
			return nil, update, fmt.Errorf("ticket %s field %q: %w", base.Key, field, ErrUnresolved)
		}
	}

	mergedDoc := update.Merged.Unflatten()

	fromRemote := upstream && incoming != nil && !incoming.IsBlank()
	if fromRemote {
		// Server-owned fields change only via re-fetch; the incoming
		// ticket is that re-fetch.
		incomingFlat := incoming.Serialize().Flatten()
		flat := mergedDoc.Flatten()
		for _, spec := range model.Schema {
			if !spec.ReadOnly {
				continue
			}
			setOrDelete(flat, spec.Name, incomingFlat[spec.Name])
		}
		mergedDoc = flat.Unflatten()
	}

	merged, err := model.FromDoc(mergedDoc)
	if err != nil {
		return nil, update, fmt.Errorf("rebuilding merged ticket %s: %w", base.Key, err)
	}

	if fromRemote {
		merged.SetSnapshot(incoming.Serialize())
	} else if snap := base.Snapshot(); snap != nil {
		merged.SetSnapshot(snap)
	}
	merged.RefreshPatch()

	return merged, update, nil
}

// changedFields returns the set of writable fields that differ between
// the origin and one side. Server-owned fields are excluded: they cannot
// be edited locally, so they can never be in competition.
func changedFields(origin, side model.Doc) map[string]bool {
	changed := make(map[string]bool)
	check := func(field string) {
		if changed[field] {
			return
		}
		spec, ok := model.FieldByName(field)
		if !ok || spec.ReadOnly {
			return
		}
		if !valuePresentEqual(origin, side, field) {
			changed[field] = true
		}
	}
	for field := range origin {
		check(field)
	}
	for field := range side {
		check(field)
	}
	return changed
}

func valuePresentEqual(a, b model.Doc, field string) bool {
	av, aok := a[field]
	bv, bok := b[field]
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	return model.ValueEqual(av, bv)
}

func setOrDelete(doc model.Doc, field string, value any) {
	if value == nil {
		delete(doc, field)
		return
	}
	doc[field] = value
}

func sortedFields(set map[string]struct{}) []string {
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
