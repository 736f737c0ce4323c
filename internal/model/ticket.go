package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Conflict is the placeholder value stored in a merged document for a
// field whose local and remote values diverge. It is never a real field
// value; resolution must replace every marker before a ticket can be
// rebuilt from the document.
type Conflict struct{}

// IsConflict reports whether a doc value is the conflict marker.
func IsConflict(v any) bool {
	_, ok := v.(Conflict)
	return ok
}

var (
	// ErrUnknownField is returned when a field name is not in the schema.
	ErrUnknownField = errors.New("unknown field")
	// ErrReadOnlyField is returned when a user edit targets a server-owned field.
	ErrReadOnlyField = errors.New("field is read-only")
)

// DeserializeError wraps a failure to rebuild a ticket from its document
// form, carrying the offending field for log context.
type DeserializeError struct {
	Field string
	Err   error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("cannot deserialize field %q: %v", e.Field, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// timeLayout preserves zone offset and sub-second precision across
// serialization round trips.
const timeLayout = time.RFC3339Nano

// Ticket is the domain record: an issue cached from (or destined for)
// the remote tracker.
//
// Identity: Key is the server-assigned key once the ticket exists
// remotely, or a temporary 36-char uuid before first push. ID is the
// server's internal identifier; it is empty for local-only tickets and
// is how Exists is decided.
//
// A ticket fetched from the server carries a snapshot: its serialized
// form exactly as last confirmed remotely. The patch between the current
// state and the snapshot is what gets persisted, and the snapshot is
// rebuilt on load by reverting that patch.
type Ticket struct {
	Project     string
	Key         string
	ID          string
	IssueType   string
	Status      string
	Created     time.Time
	Updated     time.Time
	Creator     string
	Summary     string
	Description string
	Assignee    string
	Reporter    string
	Priority    string
	Labels      []string
	Components  []string
	FixVersions []string
	EpicLink    string
	EpicName    string
	ParentLink  string
	Sprint      string
	Estimate    *decimal.Decimal
	Extended    map[string]string

	snapshot Doc
	patch    Patch
	modified bool
}

// New creates a local-only ticket with a temporary uuid key and no
// snapshot. The real key is assigned by the server at push time.
func New(project, issuetype, summary string) *Ticket {
	return &Ticket{
		Project:   project,
		Key:       uuid.NewString(),
		IssueType: issuetype,
		Summary:   summary,
	}
}

// Blank returns the empty placeholder ticket used as the "nothing to
// compare against" side when merging a brand-new local ticket.
func Blank() *Ticket {
	return &Ticket{}
}

// Exists reports whether the ticket is known to the remote server.
func (t *Ticket) Exists() bool {
	return t.ID != ""
}

// IsBlank reports whether the ticket is the empty placeholder.
func (t *Ticket) IsBlank() bool {
	return len(t.Serialize()) == 0
}

// Modified reports whether the ticket has a snapshot and local edits
// against it. Local-only tickets are "new", never "modified".
func (t *Ticket) Modified() bool {
	return t.modified
}

// Snapshot returns the serialized state last confirmed by the server, or
// nil for local-only tickets.
func (t *Ticket) Snapshot() Doc {
	return t.snapshot
}

// SetSnapshot replaces the last-confirmed server state. It never flips
// the modified flag: confirming remote state is not a local edit.
// Tickets that do not exist remotely cannot carry a snapshot.
func (t *Ticket) SetSnapshot(doc Doc) {
	if !t.Exists() {
		return
	}
	t.snapshot = doc.Clone()
}

// Patch returns the stored structural diff between the current state and
// the snapshot. It is refreshed by RefreshPatch and persisted by the
// store so the snapshot survives process restarts.
func (t *Ticket) Patch() Patch {
	return t.patch
}

// RefreshPatch recomputes the patch from (current, snapshot) and
// re-derives the modified flag from it. Must be called after any bulk
// change to either side.
func (t *Ticket) RefreshPatch() {
	if t.snapshot == nil {
		t.patch = nil
		t.modified = false
		return
	}
	t.patch = Diff(t.Serialize(), t.snapshot)
	t.modified = t.patch.TouchesWritable()
}

// Serialize renders the ticket as a document. Unset fields (empty
// strings, empty sets, nil decimal, zero times) are omitted, so that a
// diff between two documents reports additions and removals rather than
// zero-value churn.
func (t *Ticket) Serialize() Doc {
	doc := make(Doc)
	put := func(name, v string) {
		if v != "" {
			doc[name] = v
		}
	}
	put("project", t.Project)
	put("key", t.Key)
	put("id", t.ID)
	put("issuetype", t.IssueType)
	put("status", t.Status)
	put("creator", t.Creator)
	put("summary", t.Summary)
	put("description", t.Description)
	put("assignee", t.Assignee)
	put("reporter", t.Reporter)
	put("priority", t.Priority)
	put("epic_link", t.EpicLink)
	put("epic_name", t.EpicName)
	put("parent_link", t.ParentLink)
	put("sprint", t.Sprint)
	if !t.Created.IsZero() {
		doc["created"] = t.Created.Format(timeLayout)
	}
	if !t.Updated.IsZero() {
		doc["updated"] = t.Updated.Format(timeLayout)
	}
	if set := normalizeSet(t.Labels); set != nil {
		doc["labels"] = set
	}
	if set := normalizeSet(t.Components); set != nil {
		doc["components"] = set
	}
	if set := normalizeSet(t.FixVersions); set != nil {
		doc["fix_versions"] = set
	}
	if t.Estimate != nil {
		doc["estimate"] = decimalString(*t.Estimate)
	}
	if len(t.Extended) > 0 {
		ext := make(map[string]string, len(t.Extended))
		for k, v := range t.Extended {
			if v != "" {
				ext[k] = v
			}
		}
		if len(ext) > 0 {
			doc["extended"] = ext
		}
	}
	return doc
}

// FromDoc rebuilds a ticket from its document form. The result carries
// no snapshot; use FromStored for tickets loaded from the local store.
func FromDoc(doc Doc) (*Ticket, error) {
	t := &Ticket{}
	for _, field := range sortedKeys(doc) {
		if err := t.assign(field, doc[field]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// FromStored rebuilds a ticket from the persisted (document, patch)
// pair. The snapshot is reconstructed by reverting the patch against the
// current document; local-only tickets (no server id) have no snapshot.
// This is the two-phase load: the raw ticket is built first, change
// tracking state is derived after.
func FromStored(doc Doc, patch Patch) (*Ticket, error) {
	t, err := FromDoc(doc)
	if err != nil {
		return nil, err
	}
	if t.Exists() {
		t.snapshot = Revert(doc, patch)
		t.patch = patch
		t.modified = patch.TouchesWritable()
	}
	return t, nil
}

// Set applies a user edit to a writable field. The value must be in
// canonical document form (string, []string, or map[string]string);
// dotted "extended.<key>" names address single extension entries.
// Setting a field on a snapshotted ticket marks it modified.
func (t *Ticket) Set(field string, value any) error {
	spec, ok := FieldByName(field)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	if spec.ReadOnly {
		return fmt.Errorf("%w: %q", ErrReadOnlyField, field)
	}
	if err := t.assign(field, value); err != nil {
		return err
	}
	if t.snapshot != nil {
		t.modified = true
	}
	return nil
}

// Get returns the field's current value in canonical document form, or
// nil when unset.
func (t *Ticket) Get(field string) (any, error) {
	if key, ok := ExtendedKey(field); ok {
		if v, present := t.Extended[key]; present {
			return v, nil
		}
		return nil, nil
	}
	doc := t.Serialize()
	if _, ok := fieldsByName[field]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return doc[field], nil
}

// assign writes a canonical doc value onto the struct field, bypassing
// read-only checks and change tracking. Used by deserialization and by
// Set after validation.
func (t *Ticket) assign(field string, value any) error {
	if key, ok := ExtendedKey(field); ok {
		s, err := wantString(field, value)
		if err != nil {
			return err
		}
		if s == "" {
			delete(t.Extended, key)
			return nil
		}
		if t.Extended == nil {
			t.Extended = make(map[string]string)
		}
		t.Extended[key] = s
		return nil
	}

	spec, ok := fieldsByName[field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	switch spec.Kind {
	case KindString, KindEnum, KindKey:
		s, err := wantString(field, value)
		if err != nil {
			return err
		}
		t.assignString(field, s)
	case KindSet:
		items, err := wantStringSlice(field, value)
		if err != nil {
			return err
		}
		t.assignSet(field, normalizeSet(items))
	case KindDecimal:
		s, err := wantString(field, value)
		if err != nil {
			return err
		}
		if s == "" {
			t.Estimate = nil
			return nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return &DeserializeError{Field: field, Err: err}
		}
		t.Estimate = &d
	case KindTime:
		s, err := wantString(field, value)
		if err != nil {
			return err
		}
		if s == "" {
			t.assignTime(field, time.Time{})
			return nil
		}
		ts, err := time.Parse(timeLayout, s)
		if err != nil {
			return &DeserializeError{Field: field, Err: err}
		}
		t.assignTime(field, ts)
	case KindMap:
		m, ok := value.(map[string]string)
		if !ok {
			return &DeserializeError{Field: field, Err: fmt.Errorf("expected map, got %T", value)}
		}
		ext := make(map[string]string, len(m))
		for k, v := range m {
			ext[k] = v
		}
		t.Extended = ext
	}
	return nil
}

func (t *Ticket) assignString(field, v string) {
	switch field {
	case "project":
		t.Project = v
	case "key":
		t.Key = v
	case "id":
		t.ID = v
	case "issuetype":
		t.IssueType = v
	case "status":
		t.Status = v
	case "creator":
		t.Creator = v
	case "summary":
		t.Summary = v
	case "description":
		t.Description = v
	case "assignee":
		t.Assignee = v
	case "reporter":
		t.Reporter = v
	case "priority":
		t.Priority = v
	case "epic_link":
		t.EpicLink = v
	case "epic_name":
		t.EpicName = v
	case "parent_link":
		t.ParentLink = v
	case "sprint":
		t.Sprint = v
	}
}

func (t *Ticket) assignSet(field string, v []string) {
	switch field {
	case "labels":
		t.Labels = v
	case "components":
		t.Components = v
	case "fix_versions":
		t.FixVersions = v
	}
}

func (t *Ticket) assignTime(field string, v time.Time) {
	switch field {
	case "created":
		t.Created = v
	case "updated":
		t.Updated = v
	}
}

func wantString(field string, value any) (string, error) {
	if value == nil {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", &DeserializeError{Field: field, Err: fmt.Errorf("expected string, got %T", value)}
	}
	return s, nil
}

func wantStringSlice(field string, value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	ss, ok := value.([]string)
	if !ok {
		return nil, &DeserializeError{Field: field, Err: fmt.Errorf("expected string list, got %T", value)}
	}
	return ss, nil
}

// ParseValue converts a user-entered string (CLI --set pair or editor
// output) into the field's canonical document value. Empty input maps to
// the unset value, which is how fields are cleared.
func ParseValue(field, raw string) (any, error) {
	spec, ok := FieldByName(field)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	raw = strings.TrimSpace(raw)
	switch spec.Kind {
	case KindSet:
		return normalizeSet(strings.Split(raw, ",")), nil
	case KindDecimal:
		if raw == "" {
			return "", nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, &DeserializeError{Field: field, Err: err}
		}
		return decimalString(d), nil
	case KindTime:
		if raw == "" {
			return "", nil
		}
		ts, err := time.Parse(timeLayout, raw)
		if err != nil {
			return nil, &DeserializeError{Field: field, Err: err}
		}
		return ts.Format(timeLayout), nil
	case KindMap:
		return nil, fmt.Errorf("%w: %q cannot be set as a whole, use extended.<key>", ErrReadOnlyField, field)
	default:
		return raw, nil
	}
}

// FormatValue renders a canonical document value for display.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ", ")
	case map[string]string:
		var parts []string
		for _, k := range sortedKeys(toDoc(val)) {
			parts = append(parts, k+"="+val[k])
		}
		return strings.Join(parts, ", ")
	case Conflict:
		return "<conflict>"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// decimalString renders a decimal keeping its stored scale, so a wire
// value like "1.50" survives serialize cycles exactly. Decimal.String
// would trim the trailing zero.
func decimalString(d decimal.Decimal) string {
	if d.Exponent() < 0 {
		return d.StringFixed(-d.Exponent())
	}
	return d.String()
}

func toDoc(m map[string]string) Doc {
	d := make(Doc, len(m))
	for k, v := range m {
		d[k] = v
	}
	return d
}
