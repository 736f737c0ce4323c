// Package main provides the CLI entrypoint for offtix.
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/offtix/offtix/internal/config"
	"github.com/offtix/offtix/internal/logger"
	"github.com/offtix/offtix/internal/model"
	"github.com/offtix/offtix/internal/resolve"
	"github.com/offtix/offtix/internal/store"
	"github.com/offtix/offtix/internal/sync"
	"github.com/offtix/offtix/internal/view"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	logLevel string

	pullForce     bool
	pullResetHard bool
	pullProjects  []string

	setPairs []string
)

var rootCmd = &cobra.Command{
	Use:   "offtix",
	Short: "Offline-first client for a ticket tracking server",
	Long: `offtix keeps a local cache of tickets from one or more projects on a
remote ticket server. Tickets can be created and edited while offline;
pull and push reconcile local edits with the server using a three-way
merge, dropping into your editor when both sides changed the same
field.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch changed tickets from the server and merge them locally",
	Long: `Fetch tickets updated since the last pull for every configured project
(or the projects named with --project) and merge them into the local
cache. Tickets modified both locally and remotely go through conflict
resolution in your editor.`,
	Args: cobra.NoArgs,
	RunE: runPull,
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Submit local changes to the server",
	Long: `Submit modified and new tickets to the server. Modified tickets are
re-merged against the current remote state before submitting. New
tickets receive their server-assigned key, and local references to the
temporary key are re-pointed.

Exits non-zero when some tickets could not be pushed.`,
	Args: cobra.NoArgs,
	RunE: runPush,
}

var newCmd = &cobra.Command{
	Use:   "new <project> <issuetype> <summary>",
	Short: "Create a ticket in the local cache",
	Long: `Create a new ticket offline. The ticket gets a temporary key until the
next push assigns it a real one. Additional fields are set with
repeated --set field=value flags; an epic is referenced by key, epic
name or summary.`,
	Args: cobra.ExactArgs(3),
	RunE: runNew,
}

var editCmd = &cobra.Command{
	Use:   "edit <key>",
	Short: "Edit a cached ticket",
	Long: `Edit a ticket in the local cache. With --set field=value flags the
named fields are changed directly; without them the editable fields
open in your editor.`,
	Args: cobra.ExactArgs(1),
	RunE: runEdit,
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached tickets",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	pullCmd.Flags().BoolVar(&pullForce, "force", false, "ignore the last-pull watermark and fetch everything")
	pullCmd.Flags().BoolVar(&pullResetHard, "reset-hard", false, "discard local modifications before pulling")
	pullCmd.Flags().StringArrayVar(&pullProjects, "project", nil, "pull only the named project (repeatable)")

	newCmd.Flags().StringArrayVar(&setPairs, "set", nil, "set a field, as field=value (repeatable)")
	editCmd.Flags().StringArrayVar(&setPairs, "set", nil, "set a field, as field=value (repeatable)")

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(lsCmd)
}

// openEngine loads configuration and the local store and wires the sync
// engine with the interactive conflict resolver.
func openEngine() (*sync.Engine, *store.DB, error) {
	cfgPath, err := config.DefaultPath()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	cachePath, err := config.DefaultCachePath()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cachePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local cache: %w", err)
	}

	resolver := resolve.NewPolicy(&resolve.EditorSurface{})
	return sync.NewEngine(cfg, db, resolver), db, nil
}

func runPull(cmd *cobra.Command, args []string) error {
	engine, db, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()

	return engine.Pull(pullProjects, pullForce, pullResetHard)
}

func runPush(cmd *cobra.Command, args []string) error {
	engine, db, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()

	pushed, total, err := engine.Push()
	if err != nil {
		return err
	}
	fmt.Printf("pushed %d of %d tickets\n", pushed, total)
	if pushed < total {
		return fmt.Errorf("%d tickets could not be pushed", total-pushed)
	}
	return nil
}

func runNew(cmd *cobra.Command, args []string) error {
	project, issuetype, summary := args[0], args[1], args[2]

	engine, db, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := engine.Load(); err != nil {
		return err
	}

	proj, err := engine.Project(project)
	if err != nil {
		return err
	}
	if !proj.HasIssueType(issuetype) {
		return fmt.Errorf("invalid issuetype %q for project %s (valid: %s)",
			issuetype, project, strings.Join(proj.IssueTypes, ", "))
	}

	t := model.New(project, issuetype, summary)
	if err := applySetPairs(engine, t); err != nil {
		return err
	}

	if err := engine.Add(t); err != nil {
		return err
	}
	fmt.Printf("created %s (local only until the next push)\n", t.Key)
	return nil
}

func runEdit(cmd *cobra.Command, args []string) error {
	key := args[0]

	engine, db, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := engine.Load(); err != nil {
		return err
	}

	t := engine.Ticket(key)
	if t == nil {
		return fmt.Errorf("no ticket %s in the local cache; try pulling first", key)
	}

	if len(setPairs) > 0 {
		if err := applySetPairs(engine, t); err != nil {
			return err
		}
	} else if err := editInteractive(t); err != nil {
		if errors.Is(err, resolve.ErrNoChanges) {
			fmt.Println("no changes")
			return nil
		}
		return err
	}

	t.RefreshPatch()
	if err := engine.Save(); err != nil {
		return err
	}
	fmt.Printf("updated %s\n", key)
	return nil
}

func runLs(cmd *cobra.Command, args []string) error {
	engine, db, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := engine.Load(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATUS\tTYPE\tSUMMARY")
	for _, t := range engine.Tickets() {
		status := t.Status
		switch {
		case !t.Exists():
			status = "(new)"
		case t.Modified():
			status = status + "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Key, status, t.IssueType, t.Summary)
	}
	return w.Flush()
}

// applySetPairs applies --set field=value pairs to a ticket, resolving
// epic references against the cached tickets.
func applySetPairs(engine *sync.Engine, t *model.Ticket) error {
	for _, pair := range setPairs {
		field, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid --set %q: expected field=value", pair)
		}
		field = strings.TrimSpace(field)

		if field == "epic_link" || field == "parent_link" {
			resolved, err := resolveTicketRef(engine, t.Project, raw)
			if err != nil {
				return err
			}
			raw = resolved
		}

		value, err := model.ParseValue(field, raw)
		if err != nil {
			return err
		}
		if err := t.Set(field, value); err != nil {
			return err
		}
	}
	return nil
}

// resolveTicketRef resolves an epic or parent reference given as a key,
// an epic name, or a summary, against the cached tickets of a project.
func resolveTicketRef(engine *sync.Engine, project, ref string) (string, error) {
	if other := engine.Ticket(ref); other != nil {
		return other.Key, nil
	}
	var matches []string
	for _, other := range engine.Tickets() {
		if other.Project != project {
			continue
		}
		if other.EpicName == ref || other.Summary == ref {
			matches = append(matches, other.Key)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no cached ticket matches reference %q", ref)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("reference %q is ambiguous: %s", ref, strings.Join(matches, ", "))
	}
}

// editInteractive opens the ticket's writable fields in the editor and
// applies the changed lines.
func editInteractive(t *model.Ticket) error {
	surface := &resolve.EditorSurface{}
	edited, err := surface.Edit(view.Render(t))
	if err != nil {
		return err
	}

	changed, err := view.Parse(edited)
	if err != nil {
		return err
	}
	for field, raw := range changed {
		value, err := model.ParseValue(field, raw)
		if err != nil {
			return err
		}
		if err := t.Set(field, value); err != nil {
			return err
		}
	}
	return nil
}
