// Package refdb implements the namespaced reference database (spec §4.1):
// every project's references live under refs/namespaces/<urn.id>/refs/...,
// and all reads and writes go through this package rather than touching
// go-git's storer.ReferenceStorer directly, so namespace isolation and the
// symbolic-ref depth/cycle rules are enforced in one place.
//
// The locking pattern (a Mutex serializing Transact calls, plus an RWMutex
// guarding the cached Snapshot; Find and Iter read the underlying storer
// directly) follows the teacher's internal/rulestore.RuleStore; the underlying
// storage itself is go-git's, not hand-rolled.
package refdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-link/replica/internal/objectstore"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/rerrors"
	"github.com/radicle-link/replica/internal/urn"
)

// maxSymbolicDepth bounds symbolic-ref chases; spec §4.1 requires ≤5.
const maxSymbolicDepth = 5

// Entry is one resolved reference: its full namespaced name and the
// object id it currently points at.
type Entry struct {
	Name plumbing.ReferenceName
	ID   urn.ObjectId
}

// NoFFPolicy governs what a direct-write Update does when its target is
// not a fast-forward of the current value.
type NoFFPolicy int

const (
	// NoFFAllow lets the update proceed regardless of ancestry.
	NoFFAllow NoFFPolicy = iota
	// NoFFAbort fails the entire Transact call.
	NoFFAbort
	// NoFFReject skips this update, records it as rejected, and lets the
	// rest of the batch proceed.
	NoFFReject
)

// TypeChangePolicy governs whether an update may replace a direct ref
// with a symbolic one, or vice versa.
type TypeChangePolicy int

const (
	// TypeChangeDeny fails (Abort semantics) if the existing reference's
	// kind differs from the update's kind.
	TypeChangeDeny TypeChangePolicy = iota
	// TypeChangeAllow permits a direct ref to become symbolic or vice
	// versa.
	TypeChangeAllow
)

// updateKind discriminates the three Update shapes spec §4.1 names.
type updateKind int

const (
	kindDirect updateKind = iota
	kindSymbolic
	kindDelete
)

// Update is the sum type Transact consumes: a direct write, a symbolic-ref
// write, or a delete. Use DirectUpdate/SymbolicUpdate/DeleteUpdate to
// build one.
type Update struct {
	kind updateKind

	Name refname.Qualified // namespace-relative, e.g. "refs/heads/main"

	// Direct write fields.
	Target urn.ObjectId
	NoFF   NoFFPolicy

	// Symbolic write fields.
	TargetName refname.Qualified
	TypeChange TypeChangePolicy

	// Delete fields.
	ExpectPrevious urn.ObjectId
	HasExpected    bool
}

// DirectUpdate writes name → target. If noFF is NoFFAbort or NoFFReject,
// the write is only accepted when target is a fast-forward of the
// current value (or there is no current value).
func DirectUpdate(name refname.Qualified, target urn.ObjectId, noFF NoFFPolicy) Update {
	return Update{kind: kindDirect, Name: name, Target: target, NoFF: noFF}
}

// SymbolicUpdate makes name a symbolic ref pointing at targetName.
func SymbolicUpdate(name, targetName refname.Qualified, typeChange TypeChangePolicy) Update {
	return Update{kind: kindSymbolic, Name: name, TargetName: targetName, TypeChange: typeChange}
}

// DeleteUpdate removes name, optionally requiring it currently points at
// expected (compare-and-delete); pass hasExpected=false to delete
// unconditionally.
func DeleteUpdate(name refname.Qualified, expected urn.ObjectId, hasExpected bool) Update {
	return Update{kind: kindDelete, Name: name, ExpectPrevious: expected, HasExpected: hasExpected}
}

// Rejected records an Update that NoFFReject skipped, and why.
type Rejected struct {
	Update Update
	Reason error
}

// AppliedChanges is the result of a Transact call.
type AppliedChanges struct {
	Applied  []Entry
	Rejected []Rejected
}

// Refdb is a namespaced view over a single project's references, backed
// by a go-git reference storer and object store.
type Refdb struct {
	ns  urn.ObjectId
	ref storer.ReferenceStorer
	obj objectstore.Store

	mu sync.Mutex // serializes Transact calls against this namespace

	snapMu sync.RWMutex
	snap   *Snapshot
}

// New constructs a Refdb for namespace ns over the given reference and
// object storers (typically repo.Storer for both, since *git.Repository
// satisfies storer.ReferenceStorer and is handed to objectstore.New).
func New(ns urn.ObjectId, ref storer.ReferenceStorer, obj objectstore.Store) *Refdb {
	return &Refdb{ns: ns, ref: ref, obj: obj}
}

// Namespace returns the namespace this Refdb serves.
func (r *Refdb) Namespace() urn.ObjectId { return r.ns }

func (r *Refdb) fullName(relative refname.Qualified) plumbing.ReferenceName {
	return plumbing.ReferenceName(fmt.Sprintf("refs/namespaces/%s/%s", r.ns.String(), relative.String()))
}

// Find resolves name within this namespace, following up to
// maxSymbolicDepth symbolic references and detecting cycles. ok is false
// (with a nil error) when the reference does not exist.
func (r *Refdb) Find(ctx context.Context, name refname.Qualified) (Entry, bool, error) {
	full := r.fullName(name)
	id, resolved, err := r.resolve(full)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if !resolved {
		return Entry{}, false, nil
	}
	return Entry{Name: full, ID: id}, true, nil
}

// resolve peels symbolic references starting at name until it finds a
// hash reference, returning false if the chain is broken (target
// missing) rather than erroring, except for ErrReferenceNotFound on the
// starting name itself which callers translate to "not found".
func (r *Refdb) resolve(name plumbing.ReferenceName) (urn.ObjectId, bool, error) {
	seen := make(map[plumbing.ReferenceName]bool, maxSymbolicDepth+1)
	cur := name
	for depth := 0; depth <= maxSymbolicDepth; depth++ {
		if seen[cur] {
			return urn.ObjectId{}, false, rerrors.Integrity("refdb.resolve",
				fmt.Errorf("symbolic reference cycle detected at %s", cur))
		}
		seen[cur] = true

		ref, err := r.ref.Reference(cur)
		if err != nil {
			if err == plumbing.ErrReferenceNotFound {
				if cur == name {
					return urn.ObjectId{}, false, plumbing.ErrReferenceNotFound
				}
				return urn.ObjectId{}, false, nil
			}
			return urn.ObjectId{}, false, rerrors.Storage("refdb.resolve", err, true)
		}

		switch ref.Type() {
		case plumbing.HashReference:
			var id urn.ObjectId
			h := ref.Hash()
			copy(id[:], h[:])
			return id, true, nil
		case plumbing.SymbolicReference:
			cur = ref.Target()
		default:
			return urn.ObjectId{}, false, rerrors.Integrity("refdb.resolve",
				fmt.Errorf("reference %s has unsupported type %s", cur, ref.Type()))
		}
	}
	return urn.ObjectId{}, false, rerrors.Integrity("refdb.resolve",
		fmt.Errorf("symbolic reference chain from %s exceeds depth %d", name, maxSymbolicDepth))
}

// Iter returns every reference in this namespace whose namespace-relative
// name starts with prefix (pass "" for everything), resolved to their
// final object id. Both loose and packed references are covered because
// go-git's storer.ReferenceStorer already merges the two.
func (r *Refdb) Iter(ctx context.Context, prefix refname.RefString) ([]Entry, error) {
	nsPrefix := fmt.Sprintf("refs/namespaces/%s/refs/", r.ns.String())
	want := nsPrefix
	if prefix != "" {
		want += prefix.String()
	}

	it, err := r.ref.IterReferences()
	if err != nil {
		return nil, rerrors.Storage("refdb.iter", err, true)
	}
	defer it.Close()

	var out []Entry
	err = it.ForEach(func(ref *plumbing.Reference) error {
		name := string(ref.Name())
		if !strings.HasPrefix(name, want) {
			return nil
		}
		if ref.Type() == plumbing.SymbolicReference {
			id, resolved, rerr := r.resolve(ref.Name())
			if rerr != nil {
				return rerr
			}
			if !resolved {
				return nil
			}
			out = append(out, Entry{Name: ref.Name(), ID: id})
			return nil
		}
		var id urn.ObjectId
		h := ref.Hash()
		copy(id[:], h[:])
		out = append(out, Entry{Name: ref.Name(), ID: id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Transact applies updates as a batch. Each update is validated and
// applied with a compare-and-swap against the storer; a NoFFAbort or
// TypeChangeDeny violation rolls back every update already applied in
// this call and fails the whole batch, matching spec §4.1's "atomic
// across the entire list". NoFFReject violations are skipped and
// reported in AppliedChanges.Rejected without aborting the rest.
func (r *Refdb) Transact(ctx context.Context, updates []Update) (*AppliedChanges, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &AppliedChanges{}
	var undo []func() error

	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			_ = undo[i]()
		}
	}

	for _, u := range updates {
		entry, undoFn, rejected, err := r.applyOne(u)
		if err != nil {
			rollback()
			return nil, err
		}
		if rejected != nil {
			result.Rejected = append(result.Rejected, *rejected)
			continue
		}
		result.Applied = append(result.Applied, entry)
		undo = append(undo, undoFn)
	}

	r.invalidateSnapshot()
	return result, nil
}

func (r *Refdb) applyOne(u Update) (Entry, func() error, *Rejected, error) {
	full := r.fullName(u.Name)
	existing, err := r.ref.Reference(full)
	var existed bool
	if err == nil {
		existed = true
	} else if err != plumbing.ErrReferenceNotFound {
		return Entry{}, nil, nil, rerrors.Storage("refdb.transact", err, true)
	}

	switch u.kind {
	case kindDirect:
		return r.applyDirect(u, full, existing, existed)
	case kindSymbolic:
		return r.applySymbolic(u, full, existing, existed)
	case kindDelete:
		return r.applyDelete(u, full, existing, existed)
	default:
		return Entry{}, nil, nil, fmt.Errorf("refdb: unknown update kind %d", u.kind)
	}
}

func (r *Refdb) applyDirect(u Update, full plumbing.ReferenceName, existing *plumbing.Reference, existed bool) (Entry, func() error, *Rejected, error) {
	if existed && existing.Type() == plumbing.SymbolicReference && u.TypeChange != TypeChangeAllow {
		return Entry{}, nil, nil, rerrors.Semantic("refdb.transact",
			fmt.Errorf("%s is symbolic; type-change not permitted for this update", full))
	}

	if existed && existing.Type() == plumbing.HashReference && u.NoFF != NoFFAllow {
		var oldID urn.ObjectId
		oldHash := existing.Hash()
		copy(oldID[:], oldHash[:])
		ff, err := r.isFastForward(oldID, u.Target)
		if err != nil {
			return Entry{}, nil, nil, err
		}
		if !ff {
			if u.NoFF == NoFFReject {
				return Entry{}, nil, &Rejected{Update: u, Reason: fmt.Errorf("not a fast-forward")}, nil
			}
			return Entry{}, nil, nil, rerrors.Semantic("refdb.transact",
				fmt.Errorf("update to %s is not a fast-forward", full))
		}
	}

	var target plumbing.Hash
	copy(target[:], u.Target[:])
	newRef := plumbing.NewHashReference(full, target)

	if existed {
		if err := r.ref.CheckAndSetReference(newRef, existing); err != nil {
			return Entry{}, nil, nil, rerrors.Storage("refdb.transact", err, true)
		}
	} else {
		if err := r.ref.SetReference(newRef); err != nil {
			return Entry{}, nil, nil, rerrors.Storage("refdb.transact", err, true)
		}
	}

	undo := func() error {
		if existed {
			return r.ref.SetReference(existing)
		}
		return r.ref.RemoveReference(full)
	}
	return Entry{Name: full, ID: u.Target}, undo, nil, nil
}

func (r *Refdb) applySymbolic(u Update, full plumbing.ReferenceName, existing *plumbing.Reference, existed bool) (Entry, func() error, *Rejected, error) {
	if existed && existing.Type() == plumbing.HashReference && u.TypeChange != TypeChangeAllow {
		return Entry{}, nil, nil, rerrors.Semantic("refdb.transact",
			fmt.Errorf("%s is a direct ref; type-change not permitted for this update", full))
	}

	targetFull := r.fullName(u.TargetName)
	newRef := plumbing.NewSymbolicReference(full, targetFull)

	if existed {
		if err := r.ref.CheckAndSetReference(newRef, existing); err != nil {
			return Entry{}, nil, nil, rerrors.Storage("refdb.transact", err, true)
		}
	} else {
		if err := r.ref.SetReference(newRef); err != nil {
			return Entry{}, nil, nil, rerrors.Storage("refdb.transact", err, true)
		}
	}

	id, _, _ := r.resolve(full) // best-effort; dangling symrefs are legal
	undo := func() error {
		if existed {
			return r.ref.SetReference(existing)
		}
		return r.ref.RemoveReference(full)
	}
	return Entry{Name: full, ID: id}, undo, nil, nil
}

func (r *Refdb) applyDelete(u Update, full plumbing.ReferenceName, existing *plumbing.Reference, existed bool) (Entry, func() error, *Rejected, error) {
	if !existed {
		return Entry{Name: full}, func() error { return nil }, nil, nil
	}
	if u.HasExpected && existing.Type() == plumbing.HashReference {
		var cur urn.ObjectId
		curHash := existing.Hash()
		copy(cur[:], curHash[:])
		if cur != u.ExpectPrevious {
			return Entry{}, nil, nil, rerrors.Semantic("refdb.transact",
				fmt.Errorf("%s does not match expected previous value", full))
		}
	}
	if err := r.ref.RemoveReference(full); err != nil {
		return Entry{}, nil, nil, rerrors.Storage("refdb.transact", err, true)
	}
	undo := func() error { return r.ref.SetReference(existing) }
	return Entry{Name: full}, undo, nil, nil
}

// isFastForward reports whether new is old or a descendant of old,
// walking commit parents through the object store. A missing old value
// is trivially a fast-forward (first write).
func (r *Refdb) isFastForward(old, newID urn.ObjectId) (bool, error) {
	if old.IsZero() || old == newID {
		return true, nil
	}
	ctx := context.Background()
	visited := map[urn.ObjectId]bool{}
	queue := []urn.ObjectId{newID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if id == old {
			return true, nil
		}
		c, err := r.obj.PeelToCommit(ctx, id)
		if err != nil {
			if cat, ok := rerrors.CategoryOf(err); ok && cat == rerrors.CategoryStorage {
				continue // unreachable/missing parent: not an ancestor via this path
			}
			return false, err
		}
		queue = append(queue, c.Parents...)
	}
	return false, nil
}

func (r *Refdb) invalidateSnapshot() {
	r.snapMu.Lock()
	r.snap = nil
	r.snapMu.Unlock()
}
