// Package resolve turns merge conflicts into resolved values, by default
// through an interactive $EDITOR round trip over git-style conflict
// blocks.
package resolve

import (
	"fmt"
	"strings"

	"github.com/offtix/offtix/internal/logger"
	"github.com/offtix/offtix/internal/merge"
	"github.com/offtix/offtix/internal/model"
)

// maxAttempts bounds how many times a failed editor round trip is
// retried before resolution fails for the ticket.
const maxAttempts = 3

// ResolutionFailedError is raised when the retry budget is exhausted.
// The orchestrator catches it per ticket and must not persist the
// half-resolved record.
type ResolutionFailedError struct {
	Key string
}

func (e *ResolutionFailedError) Error() string {
	return fmt.Sprintf("conflict resolution failed for ticket %s", e.Key)
}

// ParseError reports invalid editor output: leftover conflict markers,
// empty content, or an unparseable field value.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "cannot parse editor result: " + e.Reason
}

// Policy resolves conflicts through a Surface. It implements
// merge.Resolver.
type Policy struct {
	Surface Surface
}

// NewPolicy returns a Policy using the given resolution surface.
func NewPolicy(surface Surface) *Policy {
	return &Policy{Surface: surface}
}

// Resolve presents each conflicted field with its three values and
// applies the user's choices back onto the merged document. Only fields
// that were in conflict are touched; everything else stays as merged.
func (p *Policy) Resolve(u *merge.Update) (model.Doc, error) {
	initial := Render(u)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		edited, err := p.Surface.Edit(initial)
		if err == nil {
			var values map[string]any
			values, err = parseResult(u, edited)
			if err == nil {
				return applyResolution(u, values), nil
			}
		}
		logger.Error("resolve: failed resolving conflicts on %s (attempt %d/%d): %v",
			u.Key, attempt, maxAttempts, err)
	}

	return nil, &ResolutionFailedError{Key: u.Key}
}

const (
	markerBase     = "<<<<<<< local"
	markerOriginal = "||||||| original"
	markerSplit    = "======="
	markerUpdated  = ">>>>>>> remote"
	fieldHeader    = "@@ "
)

// Render produces the editable conflict text: one git-merge style block
// per conflicted field showing the local, original and remote values.
func Render(u *merge.Update) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conflicts on ticket %s\n", u.Key)
	b.WriteString("# For each field, keep only the lines you want between the\n")
	b.WriteString("# markers, then delete all marker lines.\n")

	for _, field := range sortedConflictFields(u) {
		cv := u.Conflicts[field]
		fmt.Fprintf(&b, "\n%s%s\n", fieldHeader, field)
		b.WriteString(markerBase + "\n")
		b.WriteString(model.FormatValue(cv.Base) + "\n")
		b.WriteString(markerOriginal + "\n")
		b.WriteString(model.FormatValue(cv.Original) + "\n")
		b.WriteString(markerSplit + "\n")
		b.WriteString(model.FormatValue(cv.Updated) + "\n")
		b.WriteString(markerUpdated + "\n")
	}
	return b.String()
}

// parseResult extracts one value per conflicted field from the edited
// text. Residual markers, an empty result, or a missing field section
// are all parse failures.
func parseResult(u *merge.Update, edited string) (map[string]any, error) {
	if strings.TrimSpace(edited) == "" {
		return nil, &ParseError{Reason: "editor returned no content"}
	}

	sections := make(map[string][]string)
	current := ""
	for _, line := range strings.Split(edited, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == markerBase, trimmed == markerOriginal,
			trimmed == markerSplit, trimmed == markerUpdated:
			return nil, &ParseError{Reason: fmt.Sprintf("conflict marker left in output: %q", trimmed)}
		case strings.HasPrefix(trimmed, "#"):
			continue
		case strings.HasPrefix(trimmed, fieldHeader):
			current = strings.TrimSpace(trimmed[len(fieldHeader):])
			sections[current] = nil
		case current != "":
			sections[current] = append(sections[current], line)
		}
	}

	values := make(map[string]any, len(u.Conflicts))
	for field := range u.Conflicts {
		lines, ok := sections[field]
		if !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("no resolution for field %q", field)}
		}
		raw := strings.TrimSpace(strings.Join(lines, "\n"))
		value, err := model.ParseValue(field, raw)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("field %q: %v", field, err)}
		}
		values[field] = value
	}
	return values, nil
}

// applyResolution writes the chosen values over the conflict markers in
// a copy of the merged document.
func applyResolution(u *merge.Update, values map[string]any) model.Doc {
	resolved := u.Merged.Clone()
	for field, value := range values {
		switch v := value.(type) {
		case nil:
			delete(resolved, field)
		case string:
			if v == "" {
				delete(resolved, field)
			} else {
				resolved[field] = v
			}
		case []string:
			if len(v) == 0 {
				delete(resolved, field)
			} else {
				resolved[field] = v
			}
		default:
			resolved[field] = v
		}
	}
	return resolved
}

func sortedConflictFields(u *merge.Update) []string {
	fields := make([]string, 0, len(u.Conflicts))
	for f := range u.Conflicts {
		fields = append(fields, f)
	}
	// Modified is already sorted; filter it to keep block order stable.
	ordered := make([]string, 0, len(fields))
	for _, f := range u.Modified {
		if _, ok := u.Conflicts[f]; ok {
			ordered = append(ordered, f)
		}
	}
	if len(ordered) == len(fields) {
		return ordered
	}
	return fields
}
