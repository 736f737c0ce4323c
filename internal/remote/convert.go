package remote

import (
	"errors"
	"fmt"

	"github.com/offtix/offtix/internal/model"
)

// FieldMap maps model field names to the server's custom field
// identifiers. Standard fields have fixed wire names; epic links, sprint
// and estimate live in per-project custom fields, so the mapping is part
// of project configuration.
type FieldMap map[string]string

// DefaultFieldMap returns the stock custom field layout used when a
// project does not configure its own.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		"epic_link":   "customfield_10100",
		"epic_name":   "customfield_10200",
		"sprint":      "customfield_10300",
		"estimate":    "customfield_10400",
		"parent_link": "customfield_10500",
	}
}

// ErrMissingField is a data error: a fetched ticket lacks a mandatory
// field. The record is skipped and logged; it never aborts a batch.
var ErrMissingField = errors.New("mandatory field missing from API ticket")

// customFields are the model fields carried in custom field slots.
var customFields = []string{"epic_link", "epic_name", "sprint", "estimate", "parent_link"}

// TicketFromAPI converts a wire ticket into a model Ticket whose
// snapshot is the fetched state itself, so a freshly pulled ticket is
// never "modified".
func TicketFromAPI(api *APITicket, fm FieldMap) (*model.Ticket, error) {
	doc := model.Doc{}
	put := func(field, value string) {
		if value != "" {
			doc[field] = value
		}
	}

	put("id", api.ID)
	put("key", api.Key)
	put("project", nestedString(api.Fields, "project", "key"))
	put("issuetype", nestedString(api.Fields, "issuetype", "name"))
	put("status", nestedString(api.Fields, "status", "name"))
	put("priority", nestedString(api.Fields, "priority", "name"))
	put("assignee", nestedString(api.Fields, "assignee", "name"))
	put("reporter", nestedString(api.Fields, "reporter", "name"))
	put("creator", nestedString(api.Fields, "creator", "name"))
	put("summary", plainString(api.Fields, "summary"))
	put("description", plainString(api.Fields, "description"))
	put("created", plainString(api.Fields, "created"))
	put("updated", plainString(api.Fields, "updated"))

	if labels := stringList(api.Fields["labels"]); len(labels) > 0 {
		doc["labels"] = labels
	}
	if components := nameList(api.Fields["components"]); len(components) > 0 {
		doc["components"] = components
	}
	if versions := nameList(api.Fields["fixVersions"]); len(versions) > 0 {
		doc["fix_versions"] = versions
	}

	for _, field := range customFields {
		apiName, ok := fm[field]
		if !ok {
			continue
		}
		put(field, plainString(api.Fields, apiName))
	}

	if raw, ok := api.Fields["extended"]; ok {
		ext, err := model.NormalizeValue(raw)
		if err != nil {
			return nil, &model.DeserializeError{Field: "extended", Err: err}
		}
		if m, ok := ext.(map[string]string); ok && len(m) > 0 {
			doc["extended"] = m
		}
	}

	for _, required := range []string{"id", "key", "project", "issuetype", "summary"} {
		if _, ok := doc[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, required)
		}
	}

	ticket, err := model.FromDoc(doc)
	if err != nil {
		return nil, err
	}
	ticket.SetSnapshot(ticket.Serialize())
	ticket.RefreshPatch()
	return ticket, nil
}

// UpdateFields builds the wire "fields" payload for a push, restricted
// to the given modified field names. Server-owned fields are never
// submitted.
func UpdateFields(t *model.Ticket, modified []string, fm FieldMap) map[string]any {
	fields := make(map[string]any)
	var extended map[string]string

	for _, field := range modified {
		if key, ok := model.ExtendedKey(field); ok {
			if extended == nil {
				extended = make(map[string]string)
			}
			extended[key] = t.Extended[key]
			continue
		}

		spec, ok := model.FieldByName(field)
		if !ok || spec.ReadOnly {
			continue
		}

		switch field {
		case "summary":
			fields["summary"] = t.Summary
		case "description":
			fields["description"] = t.Description
		case "assignee":
			fields["assignee"] = nameObject(t.Assignee)
		case "reporter":
			fields["reporter"] = nameObject(t.Reporter)
		case "priority":
			fields["priority"] = nameObject(t.Priority)
		case "labels":
			fields["labels"] = append([]string(nil), t.Labels...)
		case "components":
			fields["components"] = nameObjects(t.Components)
		case "fix_versions":
			fields["fixVersions"] = nameObjects(t.FixVersions)
		case "epic_link", "epic_name", "sprint", "parent_link", "estimate":
			apiName, mapped := fm[field]
			if !mapped {
				continue
			}
			value, err := t.Get(field)
			if err != nil {
				continue
			}
			if s, isStr := value.(string); isStr && s != "" {
				fields[apiName] = s
			} else {
				fields[apiName] = nil
			}
		case "extended":
			// Whole-map changes only happen on create; entries are
			// otherwise diffed individually as extended.<key>.
			if len(t.Extended) > 0 {
				if extended == nil {
					extended = make(map[string]string)
				}
				for k, v := range t.Extended {
					extended[k] = v
				}
			}
		}
	}

	if extended != nil {
		fields["extended"] = extended
	}
	return fields
}

// CreateFields is UpdateFields plus the identity fields a new ticket
// must declare.
func CreateFields(t *model.Ticket, modified []string, fm FieldMap) map[string]any {
	fields := UpdateFields(t, modified, fm)
	fields["project"] = map[string]any{"key": t.Project}
	fields["issuetype"] = nameObject(t.IssueType)
	return fields
}

func nameObject(name string) any {
	if name == "" {
		return nil
	}
	return map[string]any{"name": name}
}

func nameObjects(names []string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = map[string]any{"name": n}
	}
	return out
}

func plainString(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func nestedString(fields map[string]any, key, sub string) string {
	obj, ok := fields[key].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := obj[sub].(string)
	return s
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nameList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := obj["name"].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
