// Package view renders a ticket as editable text and parses the edited
// text back, for the interactive edit flow.
package view

import (
	"fmt"
	"strings"

	"github.com/offtix/offtix/internal/model"
)

// Render produces one "field: value" line per writable field, preceded
// by a comment header. Extension entries are excluded; they are edited
// individually as extended.<key>.
func Render(t *model.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n", t.Key, t.Summary)
	b.WriteString("# Change values after the colon. Lines starting with # are ignored.\n")

	for _, name := range model.WritableFields() {
		spec, _ := model.FieldByName(name)
		if spec.Kind == model.KindMap {
			continue
		}
		v, err := t.Get(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", name, model.FormatValue(v))
	}
	return b.String()
}

// Parse reads the edited buffer back into field name to raw value pairs.
// Comments and blank lines are skipped; anything else must be a
// "field: value" line.
func Parse(edited string) (map[string]string, error) {
	out := make(map[string]string)
	for _, line := range strings.Split(edited, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, raw, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("cannot parse line %q: expected field: value", line)
		}
		out[strings.TrimSpace(field)] = strings.TrimSpace(raw)
	}
	return out, nil
}
