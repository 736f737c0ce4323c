package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

func decimalPtr(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func remoteTicket(t *testing.T) *Ticket {
	t.Helper()
	created, _ := time.Parse(time.RFC3339Nano, "2025-03-01T09:30:00.123456+11:00")
	tk := &Ticket{
		Project:     "PROJ",
		Key:         "PROJ-42",
		ID:          "10042",
		IssueType:   "Bug",
		Status:      "Backlog",
		Created:     created,
		Updated:     created,
		Creator:     "dana",
		Summary:     "fix login",
		Description: "session cookie expires early",
		Assignee:    "dana",
		Priority:    "High",
		Labels:      []string{"auth", "bug"},
		Estimate:    decimalPtr("1.50"),
		Extended:    map[string]string{"team": "infra"},
	}
	tk.SetSnapshot(tk.Serialize())
	tk.RefreshPatch()
	return tk
}

func TestSerializeRoundTrip(t *testing.T) {
	original := remoteTicket(t)

	rebuilt, err := FromDoc(original.Serialize())
	if err != nil {
		t.Fatalf("FromDoc failed: %v", err)
	}

	if diff := cmp.Diff(original.Serialize(), rebuilt.Serialize()); diff != "" {
		t.Errorf("serialize round trip mismatch (-want +got):\n%s", diff)
	}

	// Exact decimal formatting and zone offset must survive the trip,
	// trailing zero included.
	if got := rebuilt.Serialize()["estimate"]; got != "1.50" {
		t.Errorf("estimate = %v, want 1.50", got)
	}
	if got := rebuilt.Created.Format(time.RFC3339Nano); got != "2025-03-01T09:30:00.123456+11:00" {
		t.Errorf("created = %s, zone offset or precision lost", got)
	}
}

func TestSerializeOmitsUnsetFields(t *testing.T) {
	tk := &Ticket{Project: "PROJ", Key: "PROJ-1", Summary: "s", Labels: []string{}}
	doc := tk.Serialize()

	for _, absent := range []string{"assignee", "labels", "estimate", "created", "extended"} {
		if _, ok := doc[absent]; ok {
			t.Errorf("unset field %q should be absent from the doc", absent)
		}
	}
}

func TestSetEmptyStringClears(t *testing.T) {
	tk := remoteTicket(t)

	if err := tk.Set("assignee", ""); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok := tk.Serialize()["assignee"]; ok {
		t.Error("clearing a field should remove it from the doc")
	}

	// An empty string and an absent field are the same state.
	tk.RefreshPatch()
	if len(tk.Patch()) != 1 {
		t.Errorf("expected a single remove op, got %v", tk.Patch())
	}
	if op := tk.Patch()[0]; op.Op != OpRemove || op.Field != "assignee" {
		t.Errorf("expected remove of assignee, got %+v", op)
	}
}

func TestSetRejectsReadOnlyAndUnknown(t *testing.T) {
	tk := remoteTicket(t)

	if err := tk.Set("status", "Done"); !errors.Is(err, ErrReadOnlyField) {
		t.Errorf("Set(status) error = %v, want ErrReadOnlyField", err)
	}
	if err := tk.Set("bogus", "x"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("Set(bogus) error = %v, want ErrUnknownField", err)
	}
	if tk.Modified() {
		t.Error("rejected edits must not mark the ticket modified")
	}
}

func TestModifiedSemantics(t *testing.T) {
	t.Run("new ticket never modified", func(t *testing.T) {
		tk := New("PROJ", "Story", "offline work")
		if err := tk.Set("assignee", "dana"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if tk.Modified() {
			t.Error("a ticket without a snapshot cannot be modified, only new")
		}
		if tk.Exists() {
			t.Error("new ticket must not exist before push")
		}
		if len(tk.Key) != 36 {
			t.Errorf("temporary key should be a 36-char uuid, got %q", tk.Key)
		}
	})

	t.Run("edit marks snapshotted ticket modified", func(t *testing.T) {
		tk := remoteTicket(t)
		if tk.Modified() {
			t.Fatal("fresh remote ticket should be clean")
		}
		if err := tk.Set("summary", "fix login page"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if !tk.Modified() {
			t.Error("edit on a snapshotted ticket must mark it modified")
		}
	})

	t.Run("refresh clears flag when value set back", func(t *testing.T) {
		tk := remoteTicket(t)
		if err := tk.Set("summary", "something else"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := tk.Set("summary", "fix login"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		tk.RefreshPatch()
		if tk.Modified() {
			t.Error("reverting the edit and refreshing must clear the modified flag")
		}
	})

	t.Run("readonly drift alone is not a modification", func(t *testing.T) {
		tk := remoteTicket(t)
		tk.Status = "In Progress"
		tk.RefreshPatch()
		if tk.Modified() {
			t.Error("server-owned field drift must not count as a local modification")
		}
	})
}

func TestFromStoredRebuildsSnapshot(t *testing.T) {
	tk := remoteTicket(t)
	if err := tk.Set("assignee", "sam"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := tk.Set("extended.team", "core"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	tk.RefreshPatch()

	// Simulate a store round trip: only (doc, patch) is persisted.
	loaded, err := FromStored(tk.Serialize(), tk.Patch())
	if err != nil {
		t.Fatalf("FromStored failed: %v", err)
	}

	if !loaded.Modified() {
		t.Error("loaded ticket should still be modified")
	}
	if diff := cmp.Diff(tk.Snapshot(), loaded.Snapshot()); diff != "" {
		t.Errorf("snapshot not reconstructed from patch (-want +got):\n%s", diff)
	}
	if loaded.Assignee != "sam" || loaded.Extended["team"] != "core" {
		t.Errorf("current state lost on load: assignee=%q extended=%v", loaded.Assignee, loaded.Extended)
	}
}

func TestFromStoredLocalOnlyHasNoSnapshot(t *testing.T) {
	tk := New("PROJ", "Story", "offline work")

	loaded, err := FromStored(tk.Serialize(), nil)
	if err != nil {
		t.Fatalf("FromStored failed: %v", err)
	}
	if loaded.Snapshot() != nil {
		t.Error("local-only ticket must not carry a snapshot")
	}
	if loaded.Modified() {
		t.Error("local-only ticket is new, never modified")
	}
}

func TestSetSnapshotIgnoredForLocalOnly(t *testing.T) {
	tk := New("PROJ", "Story", "offline work")
	tk.SetSnapshot(tk.Serialize())
	if tk.Snapshot() != nil {
		t.Error("tickets that do not exist remotely cannot carry a snapshot")
	}
}

func TestExtendedFieldAddressing(t *testing.T) {
	tk := remoteTicket(t)

	if err := tk.Set("extended.region", "eu"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := tk.Get("extended.region")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != "eu" {
		t.Errorf("Get(extended.region) = %v, want eu", v)
	}

	// Clearing removes the entry entirely.
	if err := tk.Set("extended.region", ""); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok := tk.Extended["region"]; ok {
		t.Error("clearing an extension entry should delete it")
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		raw     string
		want    any
		wantErr bool
	}{
		{"plain string", "summary", "fix login", "fix login", false},
		{"set splits on comma", "labels", "bug, auth,bug", []string{"auth", "bug"}, false},
		{"empty set is nil", "labels", "", []string(nil), false},
		{"decimal keeps scale", "estimate", "1.50", "1.50", false},
		{"bad decimal", "estimate", "abc", nil, true},
		{"clear decimal", "estimate", "", "", false},
		{"extension entry", "extended.team", "core", "core", false},
		{"whole map rejected", "extended", "x", nil, true},
		{"unknown field", "bogus", "x", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue(tt.field, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseValue error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseValue mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "x", "x"},
		{"set", []string{"a", "b"}, "a, b"},
		{"map", map[string]string{"b": "2", "a": "1"}, "a=1, b=2"},
		{"conflict marker", Conflict{}, "<conflict>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.value); got != tt.want {
				t.Errorf("FormatValue = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlattenUnflatten(t *testing.T) {
	doc := Doc{
		"summary":  "s",
		"extended": map[string]string{"team": "infra", "region": "eu"},
	}

	flat := doc.Flatten()
	if flat["extended.team"] != "infra" || flat["extended.region"] != "eu" {
		t.Errorf("Flatten did not expand extension entries: %v", flat)
	}
	if _, ok := flat["extended"]; ok {
		t.Error("Flatten should drop the aggregate extended key")
	}

	if diff := cmp.Diff(doc, flat.Unflatten()); diff != "" {
		t.Errorf("Unflatten(Flatten(doc)) mismatch (-want +got):\n%s", diff)
	}
}
