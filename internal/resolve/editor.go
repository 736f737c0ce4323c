package resolve

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

var (
	// ErrNoChanges is returned when the editor exits without modifying
	// the presented text.
	ErrNoChanges = errors.New("editor returned no changes")
	// ErrNoEditor is returned when no usable editor can be found.
	ErrNoEditor = errors.New("no editor found (set $EDITOR or install vi/nano)")
)

// Surface is the interactive resolution collaborator: it shows the
// rendered conflict text and returns the user-edited version.
type Surface interface {
	Edit(initial string) (string, error)
}

// EditorSurface resolves conflicts through a temp-file round trip in the
// user's editor.
type EditorSurface struct {
	// Editor overrides editor discovery when set.
	Editor string
}

// resolveEditor picks an editor. Priority: explicit override, $EDITOR,
// vi, nano.
func (s *EditorSurface) resolveEditor() (string, error) {
	if s.Editor != "" {
		if _, err := exec.LookPath(s.Editor); err == nil {
			return s.Editor, nil
		}
	}
	if editor := os.Getenv("EDITOR"); editor != "" {
		if _, err := exec.LookPath(editor); err == nil {
			return editor, nil
		}
	}
	for _, candidate := range []string{"vi", "nano"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ErrNoEditor
}

// Edit writes the text to a temp file, opens it in the editor, and
// returns the file contents afterwards. Unchanged content maps to
// ErrNoChanges so the caller can treat "user did nothing" as a failed
// resolution attempt.
func (s *EditorSurface) Edit(initial string) (string, error) {
	editor, err := s.resolveEditor()
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "offtix-conflict-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(initial); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write conflict text: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("editor exited with error: %w", err)
	}

	edited, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read edited file: %w", err)
	}

	if string(edited) == initial {
		return "", ErrNoChanges
	}
	return string(edited), nil
}
