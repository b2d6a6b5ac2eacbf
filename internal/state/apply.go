package state

import (
	"maps"
	"slices"
)

// Apply returns the state produced by applying updates to s in order. It
// is the reference host reducer: s is never modified and the result shares
// every subtree the updates do not touch.
func Apply(s LocalState, updates ...Update) LocalState {
	for _, u := range updates {
		s = applyOne(s, u)
	}

	return s
}

func applyOne(s LocalState, u Update) LocalState {
	if u.Reset {
		s = New()
	}

	if len(u.Entities) > 0 {
		s.Entities = applyEntityChanges(s.Entities, u.Entities)
	}

	if u.Session.Set {
		s.Session = u.Session.Value
	}

	if u.Online.Set {
		s.Network.IsOnline = u.Online.Value
	}

	if len(u.AddRequests) > 0 || len(u.RemoveRequests) > 0 {
		reqs := slices.Clone(s.Network.Requests)
		reqs = append(reqs, u.AddRequests...)

		for _, tag := range u.RemoveRequests {
			if i := slices.Index(reqs, tag); i >= 0 {
				reqs = slices.Delete(reqs, i, i+1)
			}
		}

		s.Network.Requests = reqs
	}

	if u.Error.Set {
		s.Error = u.Error.Value
	}

	return s
}

func applyEntityChanges(current map[string]map[string]EntityInfo, changes []EntityChange) map[string]map[string]EntityInfo {
	entities := maps.Clone(current)
	if entities == nil {
		entities = make(map[string]map[string]EntityInfo)
	}

	// Copy each namespace at most once per update.
	copied := make(map[string]bool)

	for _, c := range changes {
		byID := entities[c.EntityName]
		if !copied[c.EntityName] {
			byID = maps.Clone(byID)
			if byID == nil {
				byID = make(map[string]EntityInfo)
			}

			entities[c.EntityName] = byID
			copied[c.EntityName] = true
		}

		switch c.Kind {
		case ChangeReplace:
			byID[c.ID] = c.Info
		case ChangeRemove:
			delete(byID, c.ID)
		case ChangeAssign:
			info, ok := byID[c.ID]
			if !ok {
				continue
			}

			byID[c.ID] = assignFields(info, c)
		}
	}

	for name := range copied {
		if len(entities[name]) == 0 {
			delete(entities, name)
		}
	}

	return entities
}

func assignFields(info EntityInfo, c EntityChange) EntityInfo {
	if c.Origin.Set {
		info.Origin = c.Origin.Value
	}

	if c.VersionID.Set {
		info.VersionID = c.VersionID.Value
	}

	if c.Commits.Set {
		info.Commits = c.Commits.Value
	}

	if len(c.AppendCommits) > 0 {
		// Clip forces append to copy so snapshots sharing the old slice
		// never observe the new element.
		info.Commits = append(slices.Clip(info.Commits), c.AppendCommits...)
	}

	if c.Head.Set {
		info.Head = c.Head.Value
	}

	return info
}
