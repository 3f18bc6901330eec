package identity

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"

	"github.com/radicle-link/replica/internal/objectstore"
	"github.com/radicle-link/replica/internal/refdb"
	"github.com/radicle-link/replica/internal/urn"
)

func newStore() objectstore.Store {
	return objectstore.New(memory.NewStorage())
}

// writeRevision canonical-encodes doc, writes it as the tree's self-named
// blob, computes the resulting tree hash (Revision), asks signFn for
// trailer signatures over that hash, and commits with those trailers.
// parents are the commit's git parents, not the document's logical
// Replaces chain (callers set doc.Replaces/HasReplaces themselves).
// Returns (commitID, revision).
func writeRevision(t *testing.T, ctx context.Context, store objectstore.Store, doc Doc, signFn func(revision urn.ObjectId) map[string][]byte, parents ...urn.ObjectId) (urn.ObjectId, urn.ObjectId) {
	t.Helper()
	docBytes, err := doc.canonicalDocBytes()
	require.NoError(t, err)

	blobID, err := store.WriteBlob(ctx, docBytes)
	require.NoError(t, err)

	treeID, err := store.WriteTree(ctx, []objectstore.TreeEntry{
		{Name: blobID.String(), Mode: filemode.Regular, ID: blobID},
	})
	require.NoError(t, err)

	var sigs map[string][]byte
	if signFn != nil {
		sigs = signFn(treeID)
	}

	sig := object.Signature{Name: "t", Email: "t@example.com"}
	message := "identity revision\n\n" + formatSignatureTrailers(sigs)
	commitID, err := store.WriteCommit(ctx, objectstore.Commit{
		Tree: treeID, Parents: parents, Author: sig, Committer: sig, Message: message,
	})
	require.NoError(t, err)
	return commitID, treeID
}

func signWith(priv ed25519.PrivateKey) func(urn.ObjectId) map[string][]byte {
	return func(revision urn.ObjectId) map[string][]byte { return sign(priv, revision) }
}

func personDoc(pub ed25519.PublicKey, replaces urn.ObjectId, hasReplaces bool) Doc {
	return Doc{
		Version:     1,
		Replaces:    replaces,
		HasReplaces: hasReplaces,
		PayloadKind: KindPerson,
		Payload:     map[string]any{"name": "alice"},
		Delegations: Delegations{Kind: DelegationsPerson, Direct: []ed25519.PublicKey{pub}},
	}
}

func sign(priv ed25519.PrivateKey, revision urn.ObjectId) map[string][]byte {
	pub := priv.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(priv, revision[:])
	return map[string][]byte{hexKey(pub): sig}
}

func hexKey(pub ed25519.PublicKey) string {
	const hextable = "0123456789abcdef"
	b := make([]byte, len(pub)*2)
	for i, c := range pub {
		b[i*2] = hextable[c>>4]
		b[i*2+1] = hextable[c&0x0f]
	}
	return string(b)
}

func TestLoadFromCommitRoundTripsDocAndSignatures(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	doc := personDoc(pub, urn.ObjectId{}, false)
	commitID, revision := writeRevision(t, ctx, store, doc, signWith(priv))

	id, err := loadFromCommit(ctx, store, commitID, revision)
	require.NoError(t, err)
	require.Equal(t, commitID, id.ContentID)
	require.Equal(t, doc.PayloadKind, id.Doc.PayloadKind)
	require.Len(t, id.Signatures, 1)
	require.Contains(t, id.Signatures, hexKey(pub))
}

func TestGetReturnsNilWhenRefMissing(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	gitStore := memory.NewStorage()
	ns := urn.HashGitObject(urn.KindCommit, []byte("ns"))
	rdb := refdb.New(ns, gitStore, store)

	id, err := Get(ctx, rdb, store, urn.New(ns))
	require.NoError(t, err)
	require.Nil(t, id)
}

func TestVerifySinglePersonRevisionMeetsQuorum(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	doc := personDoc(pub, urn.ObjectId{}, false)
	commitID, revision := writeRevision(t, ctx, store, doc, signWith(priv))

	head, err := loadFromCommit(ctx, store, commitID, revision)
	require.NoError(t, err)

	verified, err := Verify(ctx, store, head, nil, 0)
	require.NoError(t, err)
	require.Equal(t, commitID, verified.Identity.ContentID)
}

func TestVerifyFailsQuorumWithoutSignature(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	doc := personDoc(pub, urn.ObjectId{}, false)
	commitID, revision := writeRevision(t, ctx, store, doc, nil)

	head, err := loadFromCommit(ctx, store, commitID, revision)
	require.NoError(t, err)

	_, err = Verify(ctx, store, head, nil, 0)
	require.Error(t, err)
	var qerr *QuorumNotReachedError
	require.ErrorAs(t, err, &qerr)
}

func TestVerifyFailsQuorumWithWrongSignature(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	doc := personDoc(pub, urn.ObjectId{}, false)
	// sign with a key that isn't among the delegates
	commitID, revision := writeRevision(t, ctx, store, doc, signWith(otherPriv))

	head, err := loadFromCommit(ctx, store, commitID, revision)
	require.NoError(t, err)

	_, err = Verify(ctx, store, head, nil, 0)
	require.Error(t, err)
}

func TestVerifyWalksReplacesChain(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rootDoc := personDoc(pub, urn.ObjectId{}, false)
	rootCommit, rootRevision := writeRevision(t, ctx, store, rootDoc, signWith(priv))

	childDoc := personDoc(pub, rootCommit, true)
	childCommit, _ := writeRevision(t, ctx, store, childDoc, signWith(priv), rootCommit)

	head, err := loadFromCommit(ctx, store, childCommit, rootRevision)
	require.NoError(t, err)

	verified, err := Verify(ctx, store, head, nil, 0)
	require.NoError(t, err)
	require.Equal(t, childCommit, verified.Identity.ContentID)
}

func TestVerifyRejectsHistoryDeeperThanMax(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rootDoc := personDoc(pub, urn.ObjectId{}, false)
	rootCommit, rootRevision := writeRevision(t, ctx, store, rootDoc, signWith(priv))

	middleDoc := personDoc(pub, rootCommit, true)
	middleCommit, _ := writeRevision(t, ctx, store, middleDoc, signWith(priv), rootCommit)

	leafDoc := personDoc(pub, middleCommit, true)
	leafCommit, _ := writeRevision(t, ctx, store, leafDoc, signWith(priv), middleCommit)

	head, err := loadFromCommit(ctx, store, leafCommit, rootRevision)
	require.NoError(t, err)

	// The chain is root, middle, leaf — three revisions deep.
	_, err = Verify(ctx, store, head, nil, 2)
	require.Error(t, err)
	var tooDeep *HistoryTooDeepError
	require.ErrorAs(t, err, &tooDeep)

	verified, err := Verify(ctx, store, head, nil, 3)
	require.NoError(t, err)
	require.Equal(t, leafCommit, verified.Identity.ContentID)
}

func TestVerifyProjectResolvesIndirectPersonDelegate(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	personPub, personPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	personDocV := personDoc(personPub, urn.ObjectId{}, false)
	personCommit, personRevision := writeRevision(t, ctx, store, personDocV, signWith(personPriv))

	personHead, err := loadFromCommit(ctx, store, personCommit, personRevision)
	require.NoError(t, err)
	personURN := urn.New(personRevision)

	projectPub, projectPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	projectDoc := Doc{
		Version:     1,
		PayloadKind: KindProject,
		Payload:     map[string]any{"name": "repo"},
		Delegations: Delegations{
			Kind: DelegationsProject,
			Indirect: []DelegationEntry{
				{Key: projectPub},
				{Person: &personURN},
			},
		},
	}
	projectCommit, projectRevision := writeRevision(t, ctx, store, projectDoc, func(revision urn.ObjectId) map[string][]byte {
		sigs := map[string][]byte{}
		for k, v := range sign(projectPriv, revision) {
			sigs[k] = v
		}
		for k, v := range sign(personPriv, revision) {
			sigs[k] = v
		}
		return sigs
	})

	resolve := func(ctx context.Context, u urn.Urn) (*Identity, error) {
		if u.Equal(personURN) {
			return personHead, nil
		}
		return nil, &DelegateNotFoundError{Urn: u}
	}

	head, err := loadFromCommit(ctx, store, projectCommit, projectRevision)
	require.NoError(t, err)

	verified, err := Verify(ctx, store, head, resolve, 0)
	require.NoError(t, err)
	require.Equal(t, projectCommit, verified.Identity.ContentID)
}

func TestNewerDetectsAncestorAndDivergence(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rootDoc := personDoc(pub, urn.ObjectId{}, false)
	rootCommit, rootRevision := writeRevision(t, ctx, store, rootDoc, signWith(priv))
	rootHead, err := loadFromCommit(ctx, store, rootCommit, rootRevision)
	require.NoError(t, err)
	rootVerified, err := Verify(ctx, store, rootHead, nil, 0)
	require.NoError(t, err)

	childDoc := personDoc(pub, rootCommit, true)
	childCommit, _ := writeRevision(t, ctx, store, childDoc, signWith(priv), rootCommit)
	childHead, err := loadFromCommit(ctx, store, childCommit, rootRevision)
	require.NoError(t, err)
	childVerified, err := Verify(ctx, store, childHead, nil, 0)
	require.NoError(t, err)

	newer, err := Newer(ctx, store, rootVerified, childVerified)
	require.NoError(t, err)
	require.Equal(t, childCommit, newer.Identity.ContentID)

	// a second, independent child off the same root diverges from the first
	otherDoc := personDoc(pub, rootCommit, true)
	otherDoc.Payload = map[string]any{"name": "alice-renamed"}
	otherCommit, _ := writeRevision(t, ctx, store, otherDoc, signWith(priv), rootCommit)
	otherHead, err := loadFromCommit(ctx, store, otherCommit, rootRevision)
	require.NoError(t, err)
	otherVerified, err := Verify(ctx, store, otherHead, nil, 0)
	require.NoError(t, err)

	_, err = Newer(ctx, store, childVerified, otherVerified)
	require.Error(t, err)
	var derr *DivergentHistoryError
	require.ErrorAs(t, err, &derr)
}
