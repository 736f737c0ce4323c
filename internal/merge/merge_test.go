package merge

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/offtix/offtix/internal/model"
)

// remotePair builds a snapshotted local ticket and an identical remote
// fetch, which tests then diverge field by field.
func remotePair(t *testing.T) (*model.Ticket, *model.Ticket) {
	t.Helper()
	doc := model.Doc{
		"project":   "PROJ",
		"key":       "PROJ-1",
		"id":        "10001",
		"issuetype": "Bug",
		"status":    "Backlog",
		"summary":   "fix login",
		"assignee":  "dana",
		"labels":    []string{"auth"},
		"extended":  map[string]string{"team": "infra"},
	}
	base, err := model.FromDoc(doc)
	if err != nil {
		t.Fatalf("FromDoc failed: %v", err)
	}
	base.SetSnapshot(base.Serialize())
	base.RefreshPatch()

	incoming, err := model.FromDoc(doc)
	if err != nil {
		t.Fatalf("FromDoc failed: %v", err)
	}
	incoming.SetSnapshot(incoming.Serialize())
	incoming.RefreshPatch()
	return base, incoming
}

func TestBuildOneSideChanges(t *testing.T) {
	t.Run("local only", func(t *testing.T) {
		base, incoming := remotePair(t)
		if err := base.Set("summary", "fix login page"); err != nil {
			t.Fatal(err)
		}

		u := Build(base, incoming)
		if len(u.Conflicts) != 0 {
			t.Fatalf("unexpected conflicts: %v", u.Conflicts)
		}
		if u.Merged["summary"] != "fix login page" {
			t.Errorf("merged summary = %v, want the local change", u.Merged["summary"])
		}
		if diff := cmp.Diff([]string{"summary"}, u.Modified); diff != "" {
			t.Errorf("modified set mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("remote only", func(t *testing.T) {
		base, incoming := remotePair(t)
		if err := incoming.Set("assignee", "sam"); err != nil {
			t.Fatal(err)
		}

		u := Build(base, incoming)
		if len(u.Conflicts) != 0 {
			t.Fatalf("unexpected conflicts: %v", u.Conflicts)
		}
		if u.Merged["assignee"] != "sam" {
			t.Errorf("merged assignee = %v, want the remote change", u.Merged["assignee"])
		}
	})

	t.Run("remote removal wins over no local change", func(t *testing.T) {
		base, incoming := remotePair(t)
		if err := incoming.Set("assignee", ""); err != nil {
			t.Fatal(err)
		}

		u := Build(base, incoming)
		if _, ok := u.Merged["assignee"]; ok {
			t.Error("remote removal should delete the field from the merged doc")
		}
	})
}

func TestBuildSameChangeIsNoConflict(t *testing.T) {
	base, incoming := remotePair(t)
	if err := base.Set("priority", "High"); err != nil {
		t.Fatal(err)
	}
	if err := incoming.Set("priority", "High"); err != nil {
		t.Fatal(err)
	}

	u := Build(base, incoming)
	if len(u.Conflicts) != 0 {
		t.Fatalf("identical changes must not conflict: %v", u.Conflicts)
	}
	if u.Merged["priority"] != "High" {
		t.Errorf("merged priority = %v, want High", u.Merged["priority"])
	}
}

func TestBuildConflict(t *testing.T) {
	base, incoming := remotePair(t)
	if err := base.Set("summary", "fix login page"); err != nil {
		t.Fatal(err)
	}
	if err := incoming.Set("summary", "login broken on mobile"); err != nil {
		t.Fatal(err)
	}

	u := Build(base, incoming)

	cv, ok := u.Conflicts["summary"]
	if !ok {
		t.Fatalf("expected a conflict on summary, got %v", u.Conflicts)
	}
	want := ConflictValues{
		Original: "fix login",
		Updated:  "login broken on mobile",
		Base:     "fix login page",
	}
	if diff := cmp.Diff(want, cv); diff != "" {
		t.Errorf("conflict values mismatch (-want +got):\n%s", diff)
	}
	if !model.IsConflict(u.Merged["summary"]) {
		t.Error("conflicted field must carry the marker in the merged doc")
	}
}

func TestBuildExtensionEntryConflict(t *testing.T) {
	base, incoming := remotePair(t)
	if err := base.Set("extended.team", "core"); err != nil {
		t.Fatal(err)
	}
	if err := incoming.Set("extended.team", "platform"); err != nil {
		t.Fatal(err)
	}
	if err := incoming.Set("extended.region", "eu"); err != nil {
		t.Fatal(err)
	}

	u := Build(base, incoming)

	if _, ok := u.Conflicts["extended.team"]; !ok {
		t.Fatalf("expected conflict on extended.team, got %v", u.Conflicts)
	}
	if _, ok := u.Conflicts["extended.region"]; ok {
		t.Error("one-sided extension addition must not conflict")
	}
	if u.Merged["extended.region"] != "eu" {
		t.Errorf("merged extended.region = %v, want eu", u.Merged["extended.region"])
	}
}

func TestBuildReadOnlyFieldsNeverConflict(t *testing.T) {
	base, incoming := remotePair(t)
	incoming.Status = "In Progress"
	incoming.ID = "10001"

	u := Build(base, incoming)
	if len(u.Conflicts) != 0 {
		t.Fatalf("server-owned fields must never conflict: %v", u.Conflicts)
	}
	if len(u.Modified) != 0 {
		t.Errorf("server-owned drift must not appear in the modified set: %v", u.Modified)
	}
}

func TestBuildAgainstBlank(t *testing.T) {
	local := model.New("PROJ", "Story", "offline work")
	if err := local.Set("labels", []string{"draft"}); err != nil {
		t.Fatal(err)
	}

	u := Build(local, nil)
	if len(u.Conflicts) != 0 {
		t.Fatalf("blank merge cannot conflict: %v", u.Conflicts)
	}
	if diff := cmp.Diff([]string{"labels", "summary"}, u.Modified); diff != "" {
		t.Errorf("modified set should be the set writable fields (-want +got):\n%s", diff)
	}
}

func TestMergeUpstreamRebasesSnapshot(t *testing.T) {
	base, incoming := remotePair(t)
	if err := base.Set("summary", "fix login page"); err != nil {
		t.Fatal(err)
	}
	incoming.Status = "In Progress"

	merged, update, err := Merge(base, incoming, true, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(update.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", update.Conflicts)
	}

	if merged.Summary != "fix login page" {
		t.Errorf("merged summary = %q, local change lost", merged.Summary)
	}
	if merged.Status != "In Progress" {
		t.Errorf("merged status = %q, server-owned field not refreshed", merged.Status)
	}
	if diff := cmp.Diff(incoming.Serialize(), merged.Snapshot()); diff != "" {
		t.Errorf("snapshot should be the incoming state (-want +got):\n%s", diff)
	}
	if !merged.Modified() {
		t.Error("surviving local change must keep the ticket modified")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	base, incoming := remotePair(t)
	if err := base.Set("summary", "fix login page"); err != nil {
		t.Fatal(err)
	}

	first, _, err := Merge(base, incoming, true, nil)
	if err != nil {
		t.Fatalf("first Merge failed: %v", err)
	}
	second, _, err := Merge(first, incoming, true, nil)
	if err != nil {
		t.Fatalf("second Merge failed: %v", err)
	}

	if diff := cmp.Diff(first.Serialize(), second.Serialize()); diff != "" {
		t.Errorf("re-merging the same fetch changed the result (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(first.Snapshot(), second.Snapshot()); diff != "" {
		t.Errorf("re-merging the same fetch changed the snapshot (-want +got):\n%s", diff)
	}
}

// pickRemote resolves every conflict in favor of the incoming value.
type pickRemote struct{}

func (pickRemote) Resolve(u *Update) (model.Doc, error) {
	resolved := u.Merged.Clone()
	for field, cv := range u.Conflicts {
		if cv.Updated == nil {
			delete(resolved, field)
			continue
		}
		resolved[field] = cv.Updated
	}
	return resolved, nil
}

func TestMergeResolvesThroughResolver(t *testing.T) {
	base, incoming := remotePair(t)
	if err := base.Set("summary", "fix login page"); err != nil {
		t.Fatal(err)
	}
	if err := incoming.Set("summary", "login broken on mobile"); err != nil {
		t.Fatal(err)
	}

	merged, _, err := Merge(base, incoming, true, pickRemote{})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merged.Summary != "login broken on mobile" {
		t.Errorf("merged summary = %q, want the resolver's choice", merged.Summary)
	}
	if merged.Modified() {
		t.Error("taking the remote value leaves nothing locally modified")
	}
}

// leaveMarkers returns the document unchanged, markers included.
type leaveMarkers struct{}

func (leaveMarkers) Resolve(u *Update) (model.Doc, error) {
	return u.Merged, nil
}

func TestMergeRejectsResidualMarkers(t *testing.T) {
	base, incoming := remotePair(t)
	if err := base.Set("summary", "a"); err != nil {
		t.Fatal(err)
	}
	if err := incoming.Set("summary", "b"); err != nil {
		t.Fatal(err)
	}

	_, _, err := Merge(base, incoming, true, leaveMarkers{})
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("Merge error = %v, want ErrUnresolved", err)
	}

	if _, _, err := Merge(base, incoming, true, nil); !errors.Is(err, ErrUnresolved) {
		t.Errorf("Merge without resolver error = %v, want ErrUnresolved", err)
	}
}

func TestMergeNewTicketKeepsNoSnapshot(t *testing.T) {
	local := model.New("PROJ", "Story", "offline work")

	merged, update, err := Merge(local, nil, false, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merged.Snapshot() != nil {
		t.Error("a blank merge must not invent a snapshot")
	}
	if diff := cmp.Diff([]string{"summary"}, update.Modified); diff != "" {
		t.Errorf("modified set mismatch (-want +got):\n%s", diff)
	}
}
