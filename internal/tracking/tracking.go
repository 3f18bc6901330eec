// Package tracking implements the tracking graph (spec §4.3): the set
// (project, peer) -> policy deciding whose references may enter local
// storage and with what scope. Conceptually it is stored as refs under
// refs/rad/tracking/... but the contract this package exposes is plain
// key/value, mirroring the teacher's RuleStore
// (internal/rulestore/store.go): an RWMutex-guarded in-memory map with
// lookups shaped around the caller's actual question ("is this tracked",
// "what peers", "does this ref get in") rather than raw map access.
package tracking

import (
	"sync"

	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/urn"
)

// Policy governs what Track does when the project isn't yet present in
// local storage: Any creates a placeholder entry that a later successful
// replication fills in; MustExist requires the caller to already have a
// local copy of the project.
type Policy string

const (
	Any       Policy = "any"
	MustExist Policy = "must_exist"
)

// FilterKind selects how an ObjectIDFilter treats candidate object ids.
type FilterKind int

const (
	// FilterWildcard allows every id.
	FilterWildcard FilterKind = iota
	// FilterAllow permits only ids present in IDs.
	FilterAllow
	// FilterDeny permits every id except those present in IDs.
	FilterDeny
)

// ObjectIDFilter narrows a cobs type's allowed object ids.
type ObjectIDFilter struct {
	Kind FilterKind
	IDs  map[urn.ObjectId]struct{}
}

func (f ObjectIDFilter) allows(id urn.ObjectId) bool {
	switch f.Kind {
	case FilterAllow:
		_, ok := f.IDs[id]
		return ok
	case FilterDeny:
		_, ok := f.IDs[id]
		return !ok
	default:
		return true
	}
}

// CobsScope governs which cobs/<type>/<id> refs replicate for a peer.
// Wildcard allows every collaborative-object type not otherwise named in
// Types; Types pins a per-type ObjectIDFilter, including the option to
// deny a type outright (an ObjectIDFilter with Kind FilterDeny and an
// empty IDs set).
type CobsScope struct {
	Wildcard bool
	Types    map[string]ObjectIDFilter
}

func (c CobsScope) allows(typ string, id urn.ObjectId) bool {
	if filter, ok := c.Types[typ]; ok {
		return filter.allows(id)
	}
	return c.Wildcard
}

// Config is the scoping policy attached to a tracking entry (spec
// §4.3): whether a peer's heads/tags/notes replicate at all, and which
// collaborative objects do.
type Config struct {
	Data bool
	Cobs CobsScope
}

// Entry is one (project, peer) tracking record, or a project-wide
// default when Peer is the zero PeerId.
type Entry struct {
	Project urn.ObjectId
	Peer    peer.PeerId // zero value means "default entry for Project"
	Config  Config
	Policy  Policy
}

// Outcome reports what Track actually did to the graph.
type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeOverwritten
	OutcomeUnchanged
)

// Graph is the in-memory (project, peer) -> Config map. Safe for
// concurrent use. Peers are keyed by their String encoding rather than
// the PeerId value itself, since PeerId wraps an ed25519.PublicKey slice
// and so is neither comparable nor usable as a map key; the zero PeerId
// encodes to "", which is exactly the key a project's default (no-peer)
// entry needs.
type Graph struct {
	mu      sync.RWMutex
	entries map[urn.ObjectId]map[string]Entry
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{entries: make(map[urn.ObjectId]map[string]Entry)}
}

// Track records a tracking entry for project (and, if p is non-zero, a
// specific peer within it; the zero PeerId records the project's default
// entry). projectExists reports whether project is already present in
// local storage — callers resolve this via the refdb/identity layer
// before calling Track, since this package has no storage dependency of
// its own. MustExist without a locally-present project is rejected.
func (g *Graph) Track(project urn.ObjectId, p peer.PeerId, cfg Config, policy Policy, projectExists bool) (Outcome, error) {
	if policy == MustExist && !projectExists {
		return 0, &NotPresentError{Project: project}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	peers, ok := g.entries[project]
	if !ok {
		peers = make(map[string]Entry)
		g.entries[project] = peers
	}

	key := p.String()
	entry := Entry{Project: project, Peer: p, Config: cfg, Policy: policy}
	existing, existed := peers[key]
	peers[key] = entry

	switch {
	case !existed:
		return OutcomeNew, nil
	case entriesEqual(existing, entry):
		return OutcomeUnchanged, nil
	default:
		return OutcomeOverwritten, nil
	}
}

func entriesEqual(a, b Entry) bool {
	return a.Project == b.Project && a.Peer.Equal(b.Peer) && a.Policy == b.Policy && configsEqual(a.Config, b.Config)
}

func configsEqual(a, b Config) bool {
	if a.Data != b.Data || a.Cobs.Wildcard != b.Cobs.Wildcard || len(a.Cobs.Types) != len(b.Cobs.Types) {
		return false
	}
	for typ, fa := range a.Cobs.Types {
		fb, ok := b.Cobs.Types[typ]
		if !ok || fa.Kind != fb.Kind || len(fa.IDs) != len(fb.IDs) {
			return false
		}
		for id := range fa.IDs {
			if _, ok := fb.IDs[id]; !ok {
				return false
			}
		}
	}
	return true
}

// Untrack removes peer p's entry (or, if p is zero, the project's
// default entry) from project, reporting whether an entry existed. It
// does not itself prune refs/namespaces/<project>/refs/remotes/<peer>/*
// — that requires a refdb transaction, which PruneTarget names for the
// caller to apply (spec §4.3 "also prunes ...").
func (g *Graph) Untrack(project urn.ObjectId, p peer.PeerId) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	peers, ok := g.entries[project]
	if !ok {
		return false
	}
	key := p.String()
	if _, ok := peers[key]; !ok {
		return false
	}
	delete(peers, key)
	if len(peers) == 0 {
		delete(g.entries, project)
	}
	return true
}

// PruneTarget returns the ref-name prefix an Untrack(project, p) caller
// must delete from the refdb, for a non-zero peer (the default entry has
// no remotes/ subtree of its own to prune).
func PruneTarget(project urn.ObjectId, p peer.PeerId) (refname.RefString, bool) {
	if p.IsZero() {
		return "", false
	}
	r, err := refname.New("refs/namespaces/" + project.String() + "/refs/remotes/" + p.String())
	if err != nil {
		return "", false
	}
	return r, true
}

// Tracked lists the distinct peers tracked for project, across both the
// default entry (which carries no peer identity of its own, so is
// excluded from the result) and explicit per-peer entries.
func (g *Graph) Tracked(project urn.ObjectId) []peer.PeerId {
	g.mu.RLock()
	defer g.mu.RUnlock()

	peers, ok := g.entries[project]
	if !ok {
		return nil
	}
	out := make([]peer.PeerId, 0, len(peers))
	for _, e := range peers {
		if e.Peer.IsZero() {
			continue
		}
		out = append(out, e.Peer)
	}
	return out
}

// IsTracked reports whether p is tracked for project: consult p's own
// entry first, then fall back to the project's default entry.
func (g *Graph) IsTracked(project urn.ObjectId, p peer.PeerId) bool {
	_, ok := g.resolve(project, p)
	return ok
}

// resolve returns the effective Entry governing p within project: an
// explicit per-peer entry if one exists, else the project's default
// entry, else not-tracked.
func (g *Graph) resolve(project urn.ObjectId, p peer.PeerId) (Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	peers, ok := g.entries[project]
	if !ok {
		return Entry{}, false
	}
	if e, ok := peers[p.String()]; ok {
		return e, true
	}
	if e, ok := peers[peer.Zero.String()]; ok {
		return e, true
	}
	return Entry{}, false
}

// AllowsRef reports whether ref should replicate for (project, p) under
// the tracking graph's scoping policy (spec §4.3): rad/id, rad/ids/*,
// rad/self and rad/signed_refs always replicate for a tracked peer; data
// refs (heads/tags/notes) replicate only if Config.Data; cobs/<type>/<id>
// replicates only if Config.Cobs allows that type and id.
func (g *Graph) AllowsRef(project urn.ObjectId, p peer.PeerId, ref refname.Qualified) bool {
	entry, ok := g.resolve(project, p)
	if !ok {
		return false
	}
	return Allows(entry.Config, ref)
}

// Allows applies cfg's scoping rules to ref directly, without consulting
// a Graph — used by the fetch state machine once it has already resolved
// the effective Config for a peer.
func Allows(cfg Config, ref refname.Qualified) bool {
	switch ref.Category() {
	case "rad":
		return allowsRad(ref.Name())
	case "heads", "tags", "notes":
		return cfg.Data
	case "cobs":
		if !cfg.Data {
			return false
		}
		typ, id, ok := splitCobsName(ref.Name())
		if !ok {
			return false
		}
		return cfg.Cobs.allows(typ, id)
	default:
		return false
	}
}

func allowsRad(name refname.RefString) bool {
	switch {
	case name == "id", name == "self", name == "signed_refs":
		return true
	default:
		comps := name.Components()
		return len(comps) >= 1 && comps[0] == "ids"
	}
}

func splitCobsName(name refname.RefString) (typ string, id urn.ObjectId, ok bool) {
	comps := name.Components()
	if len(comps) != 2 {
		return "", urn.ObjectId{}, false
	}
	oid, err := urn.ParseObjectId(comps[1])
	if err != nil {
		return "", urn.ObjectId{}, false
	}
	return comps[0], oid, true
}

// NotPresentError is returned by Track when policy is MustExist but the
// project isn't yet present locally.
type NotPresentError struct{ Project urn.ObjectId }

func (e *NotPresentError) Error() string {
	return "tracking: project " + e.Project.String() + " not present locally, cannot track with must_exist policy"
}
