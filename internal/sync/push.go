package sync

import (
	"sort"

	"github.com/offtix/offtix/internal/config"
	"github.com/offtix/offtix/internal/logger"
	"github.com/offtix/offtix/internal/merge"
	"github.com/offtix/offtix/internal/model"
	"github.com/offtix/offtix/internal/remote"
)

// Push submits local changes to the remote server. Modified existing
// tickets go first, then new epics, then the remaining new tickets, so
// that epic references created offline resolve to real keys before
// their children are created. Returns the number pushed and the number
// that needed pushing.
func (e *Engine) Push() (pushed, total int, err error) {
	if len(e.cfg.Projects) == 0 {
		return 0, 0, config.ErrNoProjects
	}
	if err := e.Load(); err != nil {
		return 0, 0, err
	}

	candidates := e.orderForPush()
	total = len(candidates)

	for _, t := range candidates {
		project, err := e.cfg.Project(t.Project)
		if err != nil {
			logger.Warn("sync: skipping ticket %s, project %s is not configured", t.Key, t.Project)
			continue
		}
		client := e.newClient(project.URL, project.Token)
		fm := project.FieldMap()

		if t.Exists() {
			if e.pushModified(client, fm, t) {
				pushed++
			}
		} else {
			if e.pushNew(client, fm, t) {
				pushed++
			}
		}
	}

	if err := e.persist(); err != nil {
		return pushed, total, err
	}
	logger.Info("sync: pushed %d of %d tickets", pushed, total)
	return pushed, total, nil
}

// orderForPush selects the tickets with something to push, ordered as
// modified existing, then new epics, then other new tickets. Within a
// group, key order.
func (e *Engine) orderForPush() []*model.Ticket {
	var modified, newEpics, newOther []*model.Ticket
	for _, key := range sortedTicketKeys(e.tickets) {
		t := e.tickets[key]
		switch {
		case !t.Exists():
			if t.EpicName != "" {
				newEpics = append(newEpics, t)
			} else {
				newOther = append(newOther, t)
			}
		case t.Modified():
			modified = append(modified, t)
		}
	}
	out := make([]*model.Ticket, 0, len(modified)+len(newEpics)+len(newOther))
	out = append(out, modified...)
	out = append(out, newEpics...)
	out = append(out, newOther...)
	return out
}

// pushModified re-fetches the current remote state, merges the local
// changes onto it and submits only the fields still modified after the
// merge. Failures are logged and the ticket is left for the next push.
func (e *Engine) pushModified(client *remote.Client, fm remote.FieldMap, t *model.Ticket) bool {
	api, err := client.GetTicket(t.Key)
	if err != nil {
		logger.Error("sync: skipping ticket %s, remote fetch failed: %v", t.Key, err)
		return false
	}
	incoming, err := remote.TicketFromAPI(api, fm)
	if err != nil {
		logger.Error("sync: skipping malformed ticket %s: %v", t.Key, err)
		return false
	}

	merged, _, err := merge.Merge(t, incoming, true, e.resolver)
	if err != nil {
		logger.Error("sync: skipping ticket %s, merge failed: %v", t.Key, err)
		return false
	}
	e.tickets[merged.Key] = merged

	// After the upstream merge the patch is exactly the local-vs-remote
	// difference, so it names the fields worth submitting.
	fields := remote.UpdateFields(merged, merged.Patch().Fields(), fm)
	if len(fields) == 0 {
		// The remote already matched; the merge rebased the snapshot.
		logger.Info("sync: ticket %s needed no update", t.Key)
		return true
	}
	if err := client.UpdateTicket(merged.Key, fields); err != nil {
		logger.Error("sync: failed to update ticket %s: %v", merged.Key, err)
		return false
	}

	e.refreshFromRemote(client, fm, merged.Key)
	logger.Info("sync: updated ticket %s", merged.Key)
	return true
}

// pushNew creates the ticket remotely, then re-keys the local record
// from its temporary identity to the server-assigned key and re-points
// any local references to it.
func (e *Engine) pushNew(client *remote.Client, fm remote.FieldMap, t *model.Ticket) bool {
	merged, update, err := merge.Merge(t, nil, false, nil)
	if err != nil {
		logger.Error("sync: skipping new ticket %s: %v", t.Key, err)
		return false
	}

	fields := remote.CreateFields(merged, update.Modified, fm)
	result, err := client.CreateTicket(fields)
	if err != nil {
		logger.Error("sync: failed to create ticket for %s: %v", t.Summary, err)
		return false
	}

	oldKey := t.Key
	delete(e.tickets, oldKey)
	if err := e.db.Rekey(oldKey, result.Key); err != nil {
		logger.Debug("sync: store re-key %s -> %s: %v", oldKey, result.Key, err)
	}
	e.repointLinks(oldKey, result.Key)

	if !e.refreshFromRemote(client, fm, result.Key) {
		// Creation succeeded but the read-back failed; keep the local
		// copy under its real key so the next pull completes it.
		t.Key = result.Key
		t.ID = result.ID
		e.tickets[result.Key] = t
	}
	logger.Info("sync: created ticket %s (was %s)", result.Key, oldKey)
	return true
}

// refreshFromRemote replaces the local copy of key with the server
// state, establishing the post-push snapshot.
func (e *Engine) refreshFromRemote(client *remote.Client, fm remote.FieldMap, key string) bool {
	api, err := client.GetTicket(key)
	if err != nil {
		logger.Warn("sync: could not refresh ticket %s after push: %v", key, err)
		return false
	}
	fresh, err := remote.TicketFromAPI(api, fm)
	if err != nil {
		logger.Warn("sync: could not refresh ticket %s after push: %v", key, err)
		return false
	}
	e.tickets[fresh.Key] = fresh
	return true
}

// repointLinks rewrites epic and parent references from a temporary key
// to the server-assigned one. Already-pushed referrers become modified
// and are submitted on the next push.
func (e *Engine) repointLinks(oldKey, newKey string) {
	for _, other := range e.tickets {
		touched := false
		if other.EpicLink == oldKey {
			if err := other.Set("epic_link", newKey); err != nil {
				logger.Warn("sync: cannot re-point epic link on %s: %v", other.Key, err)
			} else {
				touched = true
			}
		}
		if other.ParentLink == oldKey {
			if err := other.Set("parent_link", newKey); err != nil {
				logger.Warn("sync: cannot re-point parent link on %s: %v", other.Key, err)
			} else {
				touched = true
			}
		}
		if touched {
			other.RefreshPatch()
		}
	}
}

func sortedTicketKeys(tickets map[string]*model.Ticket) []string {
	keys := make([]string, 0, len(tickets))
	for key := range tickets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedProjectKeys(projects map[string]*config.Project) []string {
	keys := make([]string, 0, len(projects))
	for key := range projects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
