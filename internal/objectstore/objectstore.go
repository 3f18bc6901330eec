// Package objectstore adapts go-git's plumbing storage layer to the
// content-addressed object contract the identity engine and refdb need:
// find a loose object by id, peel a tag/commit chain down to a commit,
// and write blobs/trees/commits without going through a worktree. The
// teacher drives git through *git.Repository and *git.Worktree end to
// end (internal/git/git.go, internal/git/abstraction.go); nothing here
// needs a working tree, so Store talks directly to the repository's
// storer.EncodedObjectStorer instead.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-link/replica/internal/rerrors"
	"github.com/radicle-link/replica/internal/urn"
)

// TreeEntry is one line of a tree object: a name, a file mode and the id
// of the blob or sub-tree it points at.
type TreeEntry struct {
	Name string
	Mode filemode.FileMode
	ID   urn.ObjectId
}

// Commit is the subset of commit fields the fetch state machine and
// identity engine construct or inspect. Extra headers git itself writes
// (gpgsig, mergetag) round-trip through go-git's object.Commit and are
// not modeled here; WriteCommit never needs them and FindObject callers
// that do should decode the raw bytes themselves.
type Commit struct {
	Tree      urn.ObjectId
	Parents   []urn.ObjectId
	Author    object.Signature
	Committer object.Signature
	Message   string
}

// Object is a decoded loose object of unspecified kind, returned by
// FindObject for callers that only need the kind and raw content (e.g.
// the identity engine fetching a blob to canonicalize).
type Object struct {
	Kind urn.ObjectKind
	Data []byte
}

// Store is the object-store contract spec §6 requires of the fetch and
// identity layers: read objects by id, peel to a commit, and write the
// three object kinds replication ever constructs. ReadTree decodes a
// tree's entries; it is not one of the five verbs spec.md names, but the
// identity engine needs it to walk down to an identity document's root
// blob (§4.2.1) and FindObject alone only returns raw bytes, not parsed
// structure, for a tree the same way it would for a commit.
type Store interface {
	FindObject(ctx context.Context, id urn.ObjectId) (*Object, error)
	PeelToCommit(ctx context.Context, id urn.ObjectId) (*Commit, error)
	ReadTree(ctx context.Context, id urn.ObjectId) ([]TreeEntry, error)
	WriteBlob(ctx context.Context, data []byte) (urn.ObjectId, error)
	WriteTree(ctx context.Context, entries []TreeEntry) (urn.ObjectId, error)
	WriteCommit(ctx context.Context, c Commit) (urn.ObjectId, error)
}

// ErrNotFound is returned by FindObject/PeelToCommit when id names no
// object in the store.
var ErrNotFound = rerrors.Storage("objectstore.find", plumbing.ErrObjectNotFound, false)

// goGitStore is the Store implementation backed by a go-git
// storer.EncodedObjectStorer — the same interface *git.Repository.Storer
// satisfies, so callers can pass repo.Storer directly.
type goGitStore struct {
	es storer.EncodedObjectStorer
}

// New wraps a go-git encoded-object storer (typically repo.Storer) as a
// Store.
func New(es storer.EncodedObjectStorer) Store {
	return &goGitStore{es: es}
}

func toHash(id urn.ObjectId) plumbing.Hash {
	var h plumbing.Hash
	copy(h[:], id[:])
	return h
}

func toObjectId(h plumbing.Hash) urn.ObjectId {
	var id urn.ObjectId
	copy(id[:], h[:])
	return id
}

func (s *goGitStore) FindObject(ctx context.Context, id urn.ObjectId) (*Object, error) {
	eo, err := s.es.EncodedObject(plumbing.AnyObject, toHash(id))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, ErrNotFound
		}
		return nil, rerrors.Transport("objectstore.find_object", err)
	}

	kind, err := objectKind(eo.Type())
	if err != nil {
		return nil, rerrors.Integrity("objectstore.find_object", err)
	}

	r, err := eo.Reader()
	if err != nil {
		return nil, rerrors.Storage("objectstore.find_object", err, true)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, rerrors.Storage("objectstore.find_object", err, true)
	}
	return &Object{Kind: kind, Data: data}, nil
}

func objectKind(t plumbing.ObjectType) (urn.ObjectKind, error) {
	switch t {
	case plumbing.BlobObject:
		return urn.KindBlob, nil
	case plumbing.TreeObject:
		return urn.KindTree, nil
	case plumbing.CommitObject:
		return urn.KindCommit, nil
	default:
		return "", fmt.Errorf("objectstore: unsupported object type %s", t)
	}
}

// PeelToCommit dereferences tag objects until it reaches a commit,
// mirroring git's own "peel to commit" rule for annotated tags. A
// commit id peels to itself.
func (s *goGitStore) PeelToCommit(ctx context.Context, id urn.ObjectId) (*Commit, error) {
	h := toHash(id)
	for depth := 0; depth < maxTagChainDepth; depth++ {
		eo, err := s.es.EncodedObject(plumbing.AnyObject, h)
		if err != nil {
			if err == plumbing.ErrObjectNotFound {
				return nil, ErrNotFound
			}
			return nil, rerrors.Storage("objectstore.peel_to_commit", err, false)
		}
		switch eo.Type() {
		case plumbing.CommitObject:
			c, err := object.DecodeCommit(s.es, eo)
			if err != nil {
				return nil, rerrors.Integrity("objectstore.peel_to_commit", err)
			}
			return decodeCommit(c), nil
		case plumbing.TagObject:
			tag, err := object.DecodeTag(s.es, eo)
			if err != nil {
				return nil, rerrors.Integrity("objectstore.peel_to_commit", err)
			}
			h = tag.Target
		default:
			return nil, rerrors.Semantic("objectstore.peel_to_commit",
				fmt.Errorf("object %s is a %s, not a commit or tag", id, eo.Type()))
		}
	}
	return nil, rerrors.Integrity("objectstore.peel_to_commit",
		fmt.Errorf("tag chain from %s exceeds depth %d", id, maxTagChainDepth))
}

// maxTagChainDepth bounds annotated-tag-of-tag chains so a malicious or
// corrupt peer cannot force an unbounded peel loop.
const maxTagChainDepth = 5

func decodeCommit(c *object.Commit) *Commit {
	parents := make([]urn.ObjectId, len(c.ParentHashes))
	for i, h := range c.ParentHashes {
		parents[i] = toObjectId(h)
	}
	return &Commit{
		Tree:      toObjectId(c.TreeHash),
		Parents:   parents,
		Author:    c.Author,
		Committer: c.Committer,
		Message:   c.Message,
	}
}

// ReadTree decodes id as a tree object and returns its entries.
func (s *goGitStore) ReadTree(ctx context.Context, id urn.ObjectId) ([]TreeEntry, error) {
	eo, err := s.es.EncodedObject(plumbing.TreeObject, toHash(id))
	if err != nil {
		return nil, rerrors.Storage("objectstore.read_tree", err, false)
	}
	t, err := object.DecodeTree(s.es, eo)
	if err != nil {
		return nil, rerrors.Integrity("objectstore.read_tree", err)
	}
	entries := make([]TreeEntry, len(t.Entries))
	for i, te := range t.Entries {
		entries[i] = TreeEntry{Name: te.Name, Mode: te.Mode, ID: toObjectId(te.Hash)}
	}
	return entries, nil
}

func (s *goGitStore) WriteBlob(ctx context.Context, data []byte) (urn.ObjectId, error) {
	eo := s.es.NewEncodedObject()
	eo.SetType(plumbing.BlobObject)
	eo.SetSize(int64(len(data)))

	w, err := eo.Writer()
	if err != nil {
		return urn.ObjectId{}, rerrors.Storage("objectstore.write_blob", err, true)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return urn.ObjectId{}, rerrors.Storage("objectstore.write_blob", err, true)
	}
	if err := w.Close(); err != nil {
		return urn.ObjectId{}, rerrors.Storage("objectstore.write_blob", err, true)
	}

	h, err := s.es.SetEncodedObject(eo)
	if err != nil {
		return urn.ObjectId{}, rerrors.Storage("objectstore.write_blob", err, true)
	}
	return toObjectId(h), nil
}

// WriteTree writes entries as a git tree object. Entries may arrive in
// any order; git itself requires tree entries sorted
// by name (with a trailing '/' on directory names for ordering purposes),
// so WriteTree sorts a copy before encoding rather than trusting callers
// to have done so.
func (s *goGitStore) WriteTree(ctx context.Context, entries []TreeEntry) (urn.ObjectId, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})

	t := &object.Tree{}
	for _, e := range sorted {
		t.Entries = append(t.Entries, object.TreeEntry{
			Name: e.Name,
			Mode: e.Mode,
			Hash: toHash(e.ID),
		})
	}

	eo := s.es.NewEncodedObject()
	eo.SetType(plumbing.TreeObject)
	if err := t.Encode(eo); err != nil {
		return urn.ObjectId{}, rerrors.Integrity("objectstore.write_tree", err)
	}
	h, err := s.es.SetEncodedObject(eo)
	if err != nil {
		return urn.ObjectId{}, rerrors.Storage("objectstore.write_tree", err, true)
	}
	return toObjectId(h), nil
}

func treeSortKey(e TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func (s *goGitStore) WriteCommit(ctx context.Context, c Commit) (urn.ObjectId, error) {
	oc := &object.Commit{
		TreeHash:  toHash(c.Tree),
		Author:    c.Author,
		Committer: c.Committer,
		Message:   c.Message,
	}
	for _, p := range c.Parents {
		oc.ParentHashes = append(oc.ParentHashes, toHash(p))
	}

	eo := s.es.NewEncodedObject()
	eo.SetType(plumbing.CommitObject)
	if err := oc.Encode(eo); err != nil {
		return urn.ObjectId{}, rerrors.Integrity("objectstore.write_commit", err)
	}
	h, err := s.es.SetEncodedObject(eo)
	if err != nil {
		return urn.ObjectId{}, rerrors.Storage("objectstore.write_commit", err, true)
	}
	return toObjectId(h), nil
}
