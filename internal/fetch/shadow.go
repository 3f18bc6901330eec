package fetch

import (
	"context"
	"strings"
	"sync"

	"github.com/radicle-link/replica/internal/refdb"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/urn"
)

// shadow is the in-memory overlay spec §4.4 requires: tentative tips
// staged during Peek/Pull are visible to ReadIds/ReadSigrefs exactly as
// a committed transaction would be, without ever touching the durable
// refdb. Nothing here survives past a single Run; Commit is the only
// path from shadow state into base.
type shadow struct {
	base *refdb.Refdb

	mu     sync.Mutex
	staged map[refname.Qualified]urn.ObjectId
}

func newShadow(base *refdb.Refdb) *shadow {
	return &shadow{base: base, staged: make(map[refname.Qualified]urn.ObjectId)}
}

// stage records a tentative tip for name, overriding any value the
// durable refdb may already report for it.
func (s *shadow) stage(name refname.Qualified, id urn.ObjectId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[name] = id
}

// find resolves name, preferring a staged value over whatever base
// reports.
func (s *shadow) find(ctx context.Context, name refname.Qualified) (urn.ObjectId, bool, error) {
	s.mu.Lock()
	id, ok := s.staged[name]
	s.mu.Unlock()
	if ok {
		return id, true, nil
	}
	entry, ok, err := s.base.Find(ctx, name)
	if err != nil || !ok {
		return urn.ObjectId{}, ok, err
	}
	return entry.ID, true, nil
}

// entries returns a snapshot of every staged (name, id) pair.
func (s *shadow) entries() map[refname.Qualified]urn.ObjectId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[refname.Qualified]urn.ObjectId, len(s.staged))
	for k, v := range s.staged {
		out[k] = v
	}
	return out
}

// findBySuffix looks for any staged entry whose name ends in
// "/"+suffix (e.g. suffix "rad/ids/<hex>" matches
// "refs/remotes/<peer>/rad/ids/<hex>" for any peer), used by the
// identity resolver to consult a delegate tip a peer just advertised in
// this same fetch before falling back to durable storage (spec §4.2.2,
// §4.4.4).
func (s *shadow) findBySuffix(suffix string) (urn.ObjectId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.staged {
		if strings.HasSuffix(name.String(), "/"+suffix) {
			return id, true
		}
	}
	return urn.ObjectId{}, false
}
