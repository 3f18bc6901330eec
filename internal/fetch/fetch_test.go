package fetch_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/radicle-link/replica/internal/canonical"
	"github.com/radicle-link/replica/internal/fetch"
	"github.com/radicle-link/replica/internal/objectstore"
	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/refdb"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/rerrors"
	"github.com/radicle-link/replica/internal/signer"
	"github.com/radicle-link/replica/internal/tracking"
	"github.com/radicle-link/replica/internal/transport"
	"github.com/radicle-link/replica/internal/urn"
)

// These helpers reconstruct the exact wire shapes internal/identity
// decodes (canonical doc bytes, Rad-Signature commit trailers) from
// outside that package, the same document/commit shape
// internal/identity's own writeRevision test helper builds, since this
// package has no exported writer of its own to reuse.

func canonicalDocBytes(t *testing.T, kind string, delegations map[string]any) []byte {
	t.Helper()
	m := map[string]any{
		"version":     float64(1),
		"payload":     map[string]any{"kind": kind, "fields": map[string]any{}},
		"delegations": delegations,
		"replaces":    nil,
	}
	b, err := canonical.Marshal(m)
	require.NoError(t, err)
	return b
}

func personDelegations(pub ed25519.PublicKey) map[string]any {
	return map[string]any{"kind": "person", "keys": []any{hexEnc(pub)}}
}

func projectDelegations(keys ...ed25519.PublicKey) map[string]any {
	entries := make([]any, len(keys))
	for i, k := range keys {
		entries[i] = map[string]any{"key": hexEnc(k)}
	}
	return map[string]any{"kind": "project", "entries": entries}
}

func hexEnc(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

// writeIdentityCommit writes a single, parentless identity revision
// (document blob + tree + commit), signing the tree hash with signerKey
// when non-nil, and returns the commit id and revision (tree) hash.
func writeIdentityCommit(t *testing.T, ctx context.Context, store objectstore.Store, docBytes []byte, signerKey ed25519.PrivateKey) (urn.ObjectId, urn.ObjectId) {
	t.Helper()
	blobID, err := store.WriteBlob(ctx, docBytes)
	require.NoError(t, err)

	treeID, err := store.WriteTree(ctx, []objectstore.TreeEntry{
		{Name: blobID.String(), Mode: filemode.Regular, ID: blobID},
	})
	require.NoError(t, err)

	msg := "identity revision\n\n"
	if signerKey != nil {
		pub := signerKey.Public().(ed25519.PublicKey)
		sig := ed25519.Sign(signerKey, treeID[:])
		msg += "Rad-Signature: " + hexEnc(pub) + " " + hexEnc(sig) + "\n"
	}

	sig := object.Signature{Name: "t", Email: "t@example.com"}
	commitID, err := store.WriteCommit(ctx, objectstore.Commit{
		Tree: treeID, Author: sig, Committer: sig, Message: msg,
	})
	require.NoError(t, err)
	return commitID, treeID
}

func writePlainCommit(t *testing.T, ctx context.Context, store objectstore.Store, content string) urn.ObjectId {
	t.Helper()
	blobID, err := store.WriteBlob(ctx, []byte(content))
	require.NoError(t, err)
	treeID, err := store.WriteTree(ctx, []objectstore.TreeEntry{
		{Name: "file.txt", Mode: filemode.Regular, ID: blobID},
	})
	require.NoError(t, err)
	sig := object.Signature{Name: "t", Email: "t@example.com"}
	commitID, err := store.WriteCommit(ctx, objectstore.Commit{
		Tree: treeID, Author: sig, Committer: sig, Message: content,
	})
	require.NoError(t, err)
	return commitID
}

func qualified(t *testing.T, s string) refname.Qualified {
	t.Helper()
	q, err := refname.NewQualified(s)
	require.NoError(t, err)
	return q
}

// copyCommit recursively copies a commit and everything reachable from
// it (tree, blobs, parents) from src into dst, seeding a second
// fixture's store with an identity built in the first one so a single
// genesis revision (and its namespace-defining tree hash) only has to
// be computed once.
func copyCommit(t *testing.T, ctx context.Context, src, dst objectstore.Store, id urn.ObjectId) {
	t.Helper()
	c, err := src.PeelToCommit(ctx, id)
	require.NoError(t, err)
	entries, err := src.ReadTree(ctx, c.Tree)
	require.NoError(t, err)
	for _, e := range entries {
		obj, err := src.FindObject(ctx, e.ID)
		require.NoError(t, err)
		if obj.Kind == urn.KindBlob {
			_, err := dst.WriteBlob(ctx, obj.Data)
			require.NoError(t, err)
		}
	}
	_, err = dst.WriteTree(ctx, entries)
	require.NoError(t, err)
	for _, p := range c.Parents {
		copyCommit(t, ctx, src, dst, p)
	}
	_, err = dst.WriteCommit(ctx, *c)
	require.NoError(t, err)
}

func TestStateMachineRunReplicatesSinglePeer(t *testing.T) {
	ctx := context.Background()

	// The project's namespace is the tree hash of its own genesis
	// revision (spec §3.1), so the identity has to be built once, in a
	// throwaway store, before any namespaced Refdb can be opened over it.
	seed := objectstore.New(memory.NewStorage())
	remotePub, remotePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	remotePeer, err := peer.FromPublicKey(remotePub)
	require.NoError(t, err)

	projectDocBytes := canonicalDocBytes(t, "project", projectDelegations(remotePub))
	projectCommitID, ns := writeIdentityCommit(t, ctx, seed, projectDocBytes, remotePriv)

	personDocBytes := canonicalDocBytes(t, "person", personDelegations(remotePub))
	personCommitID, _ := writeIdentityCommit(t, ctx, seed, personDocBytes, remotePriv)

	headCommitID := writePlainCommit(t, ctx, seed, "main content")

	remoteGit := memory.NewStorage()
	remoteStore := objectstore.New(remoteGit)
	copyCommit(t, ctx, seed, remoteStore, projectCommitID)
	copyCommit(t, ctx, seed, remoteStore, personCommitID)
	copyCommit(t, ctx, seed, remoteStore, headCommitID)

	remoteRdb := refdb.New(ns, remoteGit, remoteStore)
	_, err = remoteRdb.Transact(ctx, []refdb.Update{
		refdb.DirectUpdate(qualified(t, "refs/rad/id"), projectCommitID, refdb.NoFFAllow),
		refdb.DirectUpdate(qualified(t, "refs/rad/self"), personCommitID, refdb.NoFFAllow),
		refdb.DirectUpdate(qualified(t, "refs/heads/main"), headCommitID, refdb.NoFFAllow),
	})
	require.NoError(t, err)

	remoteSigner, err := signer.NewLocal(remotePriv)
	require.NoError(t, err)
	_, err = remoteRdb.ComputeSignedRefs(ctx, remoteSigner)
	require.NoError(t, err)
	signedRefsEntry, ok, err := remoteRdb.Find(ctx, qualified(t, "refs/rad/signed_refs"))
	require.NoError(t, err)
	require.True(t, ok)

	nsPrefix := "refs/namespaces/" + ns.String() + "/refs/"
	refs := map[refname.RefString]urn.ObjectId{
		refname.RefString(nsPrefix + "rad/id"):          projectCommitID,
		refname.RefString(nsPrefix + "rad/self"):        personCommitID,
		refname.RefString(nsPrefix + "rad/signed_refs"): signedRefsEntry.ID,
		refname.RefString(nsPrefix + "heads/main"):      headCommitID,
	}

	localGit := memory.NewStorage()
	localStore := objectstore.New(localGit)
	localRdb := refdb.New(ns, localGit, localStore)
	conn := transport.NewFake(refs, remoteStore, localStore)

	localPub, localPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	localPeer, err := peer.FromPublicKey(localPub)
	require.NoError(t, err)
	localSigner, err := signer.NewLocal(localPriv)
	require.NoError(t, err)

	trk := tracking.New()
	_, err = trk.Track(ns, remotePeer, tracking.Config{Data: true}, tracking.Any, false)
	require.NoError(t, err)

	cfg := fetch.Config{
		Project: urn.New(ns),
		Remote:  remotePeer,
		Local:   localPeer,
		Limits:  fetch.DefaultLimits,
	}
	sm := fetch.New(cfg, logr.Discard(), conn, localRdb, localStore, localGit, trk, localSigner)

	result, err := sm.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, fetch.StateDone, sm.State())
	require.Equal(t, projectCommitID, result.NewTip)
	require.Empty(t, result.DroppedPeers)

	canonicalRef, ok, err := localRdb.Find(ctx, qualified(t, "refs/rad/id"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, projectCommitID, canonicalRef.ID)

	mirror, ok, err := localRdb.Find(ctx, qualified(t, "refs/remotes/"+remotePeer.String()+"/rad/id"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, projectCommitID, mirror.ID)

	data, ok, err := localRdb.Find(ctx, qualified(t, "refs/remotes/"+remotePeer.String()+"/heads/main"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, headCommitID, data.ID)

	_, ok, err = localRdb.Find(ctx, qualified(t, "refs/rad/signed_refs"))
	require.NoError(t, err)
	require.True(t, ok, "commit should have recomputed local_peer's own signed_refs manifest")
}

func TestStateMachineRunDropsNonDelegatePeerButContinues(t *testing.T) {
	ctx := context.Background()
	seed := objectstore.New(memory.NewStorage())
	remotePub, remotePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	remotePeer, err := peer.FromPublicKey(remotePub)
	require.NoError(t, err)

	projectDocBytes := canonicalDocBytes(t, "project", projectDelegations(remotePub))
	projectCommitID, ns := writeIdentityCommit(t, ctx, seed, projectDocBytes, remotePriv)

	personDocBytes := canonicalDocBytes(t, "person", personDelegations(remotePub))
	personCommitID, _ := writeIdentityCommit(t, ctx, seed, personDocBytes, remotePriv)

	remoteGit := memory.NewStorage()
	remoteStore := objectstore.New(remoteGit)
	copyCommit(t, ctx, seed, remoteStore, projectCommitID)
	copyCommit(t, ctx, seed, remoteStore, personCommitID)

	remoteRdb := refdb.New(ns, remoteGit, remoteStore)
	_, err = remoteRdb.Transact(ctx, []refdb.Update{
		refdb.DirectUpdate(qualified(t, "refs/rad/id"), projectCommitID, refdb.NoFFAllow),
		refdb.DirectUpdate(qualified(t, "refs/rad/self"), personCommitID, refdb.NoFFAllow),
	})
	require.NoError(t, err)
	remoteSigner, err := signer.NewLocal(remotePriv)
	require.NoError(t, err)
	_, err = remoteRdb.ComputeSignedRefs(ctx, remoteSigner)
	require.NoError(t, err)
	remoteSignedRefs, ok, err := remoteRdb.Find(ctx, qualified(t, "refs/rad/signed_refs"))
	require.NoError(t, err)
	require.True(t, ok)

	// A second tracked peer whose rad/id is unsigned and whose genesis
	// revision is not this project's root: it fails verification, and
	// since its key is not among the project's delegates it is
	// dropped rather than aborting the whole replication (spec §4.4.4).
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPeer, err := peer.FromPublicKey(otherPub)
	require.NoError(t, err)
	otherDocBytes := canonicalDocBytes(t, "project", projectDelegations(otherPub))
	otherCommitID, _ := writeIdentityCommit(t, ctx, remoteStore, otherDocBytes, nil)

	nsPrefix := "refs/namespaces/" + ns.String() + "/refs/"
	refs := map[refname.RefString]urn.ObjectId{
		refname.RefString(nsPrefix + "rad/id"):          projectCommitID,
		refname.RefString(nsPrefix + "rad/self"):        personCommitID,
		refname.RefString(nsPrefix + "rad/signed_refs"): remoteSignedRefs.ID,
		refname.RefString(nsPrefix + "remotes/" + otherPeer.String() + "/rad/id"): otherCommitID,
	}

	localGit := memory.NewStorage()
	localStore := objectstore.New(localGit)
	localRdb := refdb.New(ns, localGit, localStore)
	conn := transport.NewFake(refs, remoteStore, localStore)

	localPub, localPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	localPeer, err := peer.FromPublicKey(localPub)
	require.NoError(t, err)
	localSigner, err := signer.NewLocal(localPriv)
	require.NoError(t, err)

	trk := tracking.New()
	_, err = trk.Track(ns, remotePeer, tracking.Config{Data: true}, tracking.Any, false)
	require.NoError(t, err)
	_, err = trk.Track(ns, otherPeer, tracking.Config{Data: true}, tracking.Any, false)
	require.NoError(t, err)

	cfg := fetch.Config{Project: urn.New(ns), Remote: remotePeer, Local: localPeer, Limits: fetch.DefaultLimits}
	sm := fetch.New(cfg, logr.Discard(), conn, localRdb, localStore, localGit, trk, localSigner)

	result, err := sm.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, fetch.StateDone, sm.State())
	require.Equal(t, projectCommitID, result.NewTip)
	require.Contains(t, result.DroppedPeers, otherPeer.String())

	_, ok, err = localRdb.Find(ctx, qualified(t, "refs/remotes/"+otherPeer.String()+"/rad/id"))
	require.NoError(t, err)
	require.False(t, ok, "a dropped peer's refs must not be applied")
}

// TestStateMachineRunAbortsWithCryptoCategoryOnQuorumFailure covers review
// feedback that errAbort must preserve the underlying identity error's
// category (spec §7) rather than flattening every abort to Semantic: the
// directly-connected remote's own rad/id here is unsigned, so identity.Verify
// fails quorum and the whole replication must abort (remote's identity isn't
// an optional peer that can just be dropped), tagged CategoryCrypto.
func TestStateMachineRunAbortsWithCryptoCategoryOnQuorumFailure(t *testing.T) {
	ctx := context.Background()
	seed := objectstore.New(memory.NewStorage())
	remotePub, remotePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	remotePeer, err := peer.FromPublicKey(remotePub)
	require.NoError(t, err)

	projectDocBytes := canonicalDocBytes(t, "project", projectDelegations(remotePub))
	// signerKey is nil: the project's genesis revision carries no
	// signatures at all, so it can never reach quorum.
	projectCommitID, ns := writeIdentityCommit(t, ctx, seed, projectDocBytes, nil)

	remoteGit := memory.NewStorage()
	remoteStore := objectstore.New(remoteGit)
	copyCommit(t, ctx, seed, remoteStore, projectCommitID)

	remoteRdb := refdb.New(ns, remoteGit, remoteStore)
	_, err = remoteRdb.Transact(ctx, []refdb.Update{
		refdb.DirectUpdate(qualified(t, "refs/rad/id"), projectCommitID, refdb.NoFFAllow),
	})
	require.NoError(t, err)

	nsPrefix := "refs/namespaces/" + ns.String() + "/refs/"
	refs := map[refname.RefString]urn.ObjectId{
		refname.RefString(nsPrefix + "rad/id"): projectCommitID,
	}

	localGit := memory.NewStorage()
	localStore := objectstore.New(localGit)
	localRdb := refdb.New(ns, localGit, localStore)
	conn := transport.NewFake(refs, remoteStore, localStore)

	localPub, localPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	localPeer, err := peer.FromPublicKey(localPub)
	require.NoError(t, err)
	localSigner, err := signer.NewLocal(localPriv)
	require.NoError(t, err)

	trk := tracking.New()
	_, err = trk.Track(ns, remotePeer, tracking.Config{Data: true}, tracking.Any, false)
	require.NoError(t, err)

	cfg := fetch.Config{Project: urn.New(ns), Remote: remotePeer, Local: localPeer, Limits: fetch.DefaultLimits}
	sm := fetch.New(cfg, logr.Discard(), conn, localRdb, localStore, localGit, trk, localSigner)

	_, err = sm.Run(ctx)
	require.Error(t, err)
	require.Equal(t, fetch.StateAbort, sm.State())
	cat, ok := rerrors.CategoryOf(err)
	require.True(t, ok)
	require.Equal(t, rerrors.CategoryCrypto, cat)
}
