// Package transport defines the replication driver's inbound connection
// contract (spec §6 "Transport contract (IN)") and a deterministic
// in-memory fake satisfying it, standing in for the real SSH/TLS
// multiplexed transport so the fetch state machine can be exercised
// without a network. Stream multiplexing, TLS and peer authentication
// are the real transport's concern, not this package's — the fake
// exists purely to drive internal/fetch's tests the way the teacher's
// internal/ssh package is concerned only with auth, not muxing.
package transport

import (
	"context"
	"sync"

	"github.com/radicle-link/replica/internal/objectstore"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/rerrors"
	"github.com/radicle-link/replica/internal/urn"
)

// RefAd is one advertised reference from a peer's ls-refs response.
type RefAd struct {
	Name refname.RefString
	ID   urn.ObjectId
}

// RemoteConnection is the fetch state machine's view of a single
// connected peer: advertise refs matching prefixes, pull the objects
// behind a want/have set into the local object store, then close.
type RemoteConnection interface {
	LsRefs(ctx context.Context, prefixes []refname.PatternString) ([]RefAd, error)
	Fetch(ctx context.Context, wants, haves []urn.ObjectId, byteLimit int64) error
	Close() error
}

// ErrFetchLimitExceeded is returned by Fetch (real or fake) when copying
// the wanted objects would exceed byteLimit (spec §4.4.8).
var ErrFetchLimitExceeded = rerrors.Transport("transport.fetch", errFetchLimit{})

type errFetchLimit struct{}

func (errFetchLimit) Error() string { return "fetch byte limit exceeded" }

// Fake is an in-memory RemoteConnection backed by its own ref table and
// object store, standing in for a peer in tests. Fetch walks the
// commit/tree graph reachable from wants, stopping at anything already
// in haves (the client is assumed to already hold haves and everything
// beneath them), and copies each object into dst.
type Fake struct {
	mu   sync.Mutex
	refs map[refname.RefString]urn.ObjectId
	src  objectstore.Store
	dst  objectstore.Store
}

// NewFake constructs a Fake peer whose advertised refs are refs, whose
// objects live in src, and whose Fetch calls copy into dst (the caller's
// local store).
func NewFake(refs map[refname.RefString]urn.ObjectId, src, dst objectstore.Store) *Fake {
	cp := make(map[refname.RefString]urn.ObjectId, len(refs))
	for k, v := range refs {
		cp[k] = v
	}
	return &Fake{refs: cp, src: src, dst: dst}
}

// SetRef updates or adds an advertised ref, letting tests simulate a
// peer's tip moving between fetches.
func (f *Fake) SetRef(name refname.RefString, id urn.ObjectId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[name] = id
}

func (f *Fake) LsRefs(ctx context.Context, prefixes []refname.PatternString) ([]RefAd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []RefAd
	for name, id := range f.refs {
		for _, p := range prefixes {
			if p.Matches(name) {
				out = append(out, RefAd{Name: name, ID: id})
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) Fetch(ctx context.Context, wants, haves []urn.ObjectId, byteLimit int64) error {
	have := make(map[urn.ObjectId]bool, len(haves))
	for _, h := range haves {
		have[h] = true
	}

	visited := map[urn.ObjectId]bool{}
	queue := append([]urn.ObjectId{}, wants...)
	var total int64

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] || have[id] || id.IsZero() {
			continue
		}
		visited[id] = true

		select {
		case <-ctx.Done():
			return rerrors.Transport("transport.fetch", ctx.Err())
		default:
		}

		obj, err := f.src.FindObject(ctx, id)
		if err != nil {
			return rerrors.Transport("transport.fetch", err)
		}
		total += int64(len(obj.Data))
		if total > byteLimit {
			return ErrFetchLimitExceeded
		}

		switch obj.Kind {
		case urn.KindCommit:
			c, err := f.src.PeelToCommit(ctx, id)
			if err != nil {
				return rerrors.Transport("transport.fetch", err)
			}
			if _, err := f.dst.WriteCommit(ctx, *c); err != nil {
				return rerrors.Storage("transport.fetch", err, true)
			}
			queue = append(queue, c.Tree)
			queue = append(queue, c.Parents...)
		case urn.KindTree:
			entries, err := f.src.ReadTree(ctx, id)
			if err != nil {
				return rerrors.Transport("transport.fetch", err)
			}
			if _, err := f.dst.WriteTree(ctx, entries); err != nil {
				return rerrors.Storage("transport.fetch", err, true)
			}
			for _, e := range entries {
				queue = append(queue, e.ID)
			}
		case urn.KindBlob:
			if _, err := f.dst.WriteBlob(ctx, obj.Data); err != nil {
				return rerrors.Storage("transport.fetch", err, true)
			}
		}
	}
	return nil
}

func (f *Fake) Close() error { return nil }
