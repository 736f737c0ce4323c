// Package sync drives the pull/push cycle between the local ticket
// cache and the remote ticket server, invoking the three-way merge
// engine per record and the conflict resolution policy when needed.
package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/offtix/offtix/internal/config"
	"github.com/offtix/offtix/internal/logger"
	"github.com/offtix/offtix/internal/merge"
	"github.com/offtix/offtix/internal/model"
	"github.com/offtix/offtix/internal/remote"
	"github.com/offtix/offtix/internal/store"
)

// metaFetchAttempts bounds the retries of the project metadata call
// before a project's pull is abandoned.
const metaFetchAttempts = 3

// watermarkLayout is the format of the per-project sync watermark.
const watermarkLayout = time.RFC3339Nano

// Engine orchestrates synchronization. Processing is strictly
// sequential: one invocation performs one pull or one push pass to
// completion and exits.
type Engine struct {
	cfg      *config.Config
	db       *store.DB
	resolver merge.Resolver

	// newClient builds the transport for a project URL; tests point it
	// at a mock server.
	newClient func(baseURL, token string) *remote.Client

	tickets map[string]*model.Ticket
	loaded  bool
}

// NewEngine creates a sync engine over the given config, local store and
// conflict resolver.
func NewEngine(cfg *config.Config, db *store.DB, resolver merge.Resolver) *Engine {
	return &Engine{
		cfg:       cfg,
		db:        db,
		resolver:  resolver,
		newClient: remote.New,
		tickets:   make(map[string]*model.Ticket),
	}
}

// Load reads the whole local store into memory. Store access happens
// only here and in persist, never mid-merge.
func (e *Engine) Load() error {
	if e.loaded {
		return nil
	}
	tickets, err := e.db.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load local tickets: %w", err)
	}
	for _, t := range tickets {
		e.tickets[t.Key] = t
	}
	e.loaded = true
	return nil
}

// persist writes the in-memory ticket table back to the store.
func (e *Engine) persist() error {
	tickets := make([]*model.Ticket, 0, len(e.tickets))
	for _, key := range sortedTicketKeys(e.tickets) {
		tickets = append(tickets, e.tickets[key])
	}
	if err := e.db.SaveAll(tickets); err != nil {
		return fmt.Errorf("failed to persist tickets: %w", err)
	}
	return nil
}

// Ticket returns a loaded ticket by key, or nil.
func (e *Engine) Ticket(key string) *model.Ticket {
	return e.tickets[key]
}

// Tickets returns all loaded tickets in key order.
func (e *Engine) Tickets() []*model.Ticket {
	out := make([]*model.Ticket, 0, len(e.tickets))
	for _, key := range sortedTicketKeys(e.tickets) {
		out = append(out, e.tickets[key])
	}
	return out
}

// Add registers a new local-only ticket and persists the store.
func (e *Engine) Add(t *model.Ticket) error {
	if err := e.Load(); err != nil {
		return err
	}
	e.tickets[t.Key] = t
	return e.persist()
}

// Save persists the in-memory ticket table.
func (e *Engine) Save() error {
	return e.persist()
}

// Project returns the configuration for a project key.
func (e *Engine) Project(key string) (*config.Project, error) {
	return e.cfg.Project(key)
}

// Pull fetches changed tickets for the named projects (all configured
// projects when empty). force ignores the watermark; resetHard discards
// local modifications first. A failed project does not stop the others;
// its error is reported in the aggregate return.
func (e *Engine) Pull(projects []string, force, resetHard bool) error {
	targets, err := e.targetProjects(projects)
	if err != nil {
		return err
	}
	if err := e.Load(); err != nil {
		return err
	}

	var failures []error
	for _, project := range targets {
		if err := e.pullProject(project, force, resetHard); err != nil {
			logger.Error("sync: pull failed for project %s: %v", project.Key, err)
			failures = append(failures, fmt.Errorf("project %s: %w", project.Key, err))
		}
	}
	return errors.Join(failures...)
}

// targetProjects resolves the project selection against configuration.
// Nothing configured, or an unknown project name, is fatal for the whole
// invocation.
func (e *Engine) targetProjects(projects []string) ([]*config.Project, error) {
	if len(e.cfg.Projects) == 0 {
		return nil, config.ErrNoProjects
	}
	if len(projects) == 0 {
		var all []*config.Project
		for _, key := range sortedProjectKeys(e.cfg.Projects) {
			all = append(all, e.cfg.Projects[key])
		}
		return all, nil
	}
	var selected []*config.Project
	for _, key := range projects {
		p, err := e.cfg.Project(key)
		if err != nil {
			return nil, err
		}
		selected = append(selected, p)
	}
	return selected, nil
}

func (e *Engine) pullProject(project *config.Project, force, resetHard bool) error {
	client := e.newClient(project.URL, project.Token)

	// Project metadata defines creation options, so it is refreshed on
	// every pull, with bounded backoff before giving up on the project.
	meta, err := fetchMetaWithRetry(client, project.Key)
	if err != nil {
		return fmt.Errorf("failed to fetch project metadata: %w", err)
	}
	project.IssueTypes = meta.IssueTypes
	project.Priorities = meta.Priorities

	if resetHard {
		e.discardLocalChanges(project.Key)
		// The discard must reach the store even when the watermarked
		// search below returns nothing to page over.
		if err := e.persist(); err != nil {
			return err
		}
	}

	since := project.LastUpdated
	if force {
		since = ""
	}
	if since == "" {
		logger.Info("sync: querying %s for all tickets", project.Key)
	} else {
		logger.Info("sync: querying %s for tickets updated since %s", project.Key, since)
	}

	fm := project.FieldMap()
	startAt := 0
	total := 0
	for {
		page, err := client.SearchUpdated(project.Key, since, startAt, project.PageSize)
		if err != nil {
			return fmt.Errorf("failed to fetch page at %d: %w", startAt, err)
		}
		if len(page.Tickets) == 0 {
			break
		}

		for i := range page.Tickets {
			e.importFetched(&page.Tickets[i], fm)
		}
		total += len(page.Tickets)

		// Earlier pages are fully persisted before later pages are
		// fetched, so an interrupted pull re-fetches from the old
		// watermark and re-merges idempotently.
		if err := e.persist(); err != nil {
			return err
		}

		startAt += len(page.Tickets)
		if startAt >= page.Total {
			break
		}
	}

	logger.Info("sync: retrieved %d tickets for %s", total, project.Key)

	// The watermark advances only after the whole project succeeded.
	project.LastUpdated = time.Now().UTC().Format(watermarkLayout)
	if err := e.cfg.Save(); err != nil {
		return err
	}
	return nil
}

// importFetched merges one fetched ticket into the local table.
// Per-record failures (malformed data, failed resolution) are logged and
// skipped; they never abort the batch.
func (e *Engine) importFetched(api *remote.APITicket, fm remote.FieldMap) {
	incoming, err := remote.TicketFromAPI(api, fm)
	if err != nil {
		logger.Error("sync: skipping malformed ticket %s: %v", api.Key, err)
		return
	}

	local, present := e.tickets[incoming.Key]
	if !present || !local.Modified() {
		// Unseen locally, or clean: the fetched state wins outright.
		e.tickets[incoming.Key] = incoming
		return
	}

	merged, _, err := merge.Merge(local, incoming, true, e.resolver)
	if err != nil {
		logger.Error("sync: skipping ticket %s, merge failed: %v", incoming.Key, err)
		return
	}
	e.tickets[merged.Key] = merged
}

// discardLocalChanges reverts every modified ticket in a project back to
// its snapshot (--reset-hard). Local-only new tickets are untouched.
func (e *Engine) discardLocalChanges(projectKey string) {
	for key, t := range e.tickets {
		if t.Project != projectKey || !t.Modified() {
			continue
		}
		reverted, err := model.FromStored(t.Snapshot(), nil)
		if err != nil {
			logger.Warn("sync: cannot reset ticket %s: %v", key, err)
			continue
		}
		logger.Info("sync: discarded local changes on %s", key)
		e.tickets[key] = reverted
	}
}

func fetchMetaWithRetry(client *remote.Client, projectKey string) (*remote.ProjectMeta, error) {
	var meta *remote.ProjectMeta

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), metaFetchAttempts-1)
	err := backoff.Retry(func() error {
		m, err := client.GetProjectMeta(projectKey)
		if err != nil {
			logger.Warn("sync: project metadata fetch for %s failed: %v", projectKey, err)
			return err
		}
		meta = m
		return nil
	}, bo)
	if err != nil {
		return nil, err
	}
	return meta, nil
}
