package transport

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"

	"github.com/radicle-link/replica/internal/objectstore"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/urn"
)

func writeChain(t *testing.T, ctx context.Context, store objectstore.Store) (root, tip urn.ObjectId) {
	t.Helper()
	blob, err := store.WriteBlob(ctx, []byte("content"))
	require.NoError(t, err)
	tree, err := store.WriteTree(ctx, []objectstore.TreeEntry{{Name: "f", Mode: filemode.Regular, ID: blob}})
	require.NoError(t, err)
	sig := object.Signature{Name: "t", Email: "t@example.com", When: time.Unix(0, 0).UTC()}

	root, err = store.WriteCommit(ctx, objectstore.Commit{Tree: tree, Author: sig, Committer: sig, Message: "root\n"})
	require.NoError(t, err)
	tip, err = store.WriteCommit(ctx, objectstore.Commit{Tree: tree, Parents: []urn.ObjectId{root}, Author: sig, Committer: sig, Message: "tip\n"})
	require.NoError(t, err)
	return root, tip
}

func TestLsRefsMatchesPrefixPatterns(t *testing.T) {
	src := objectstore.New(memory.NewStorage())
	dst := objectstore.New(memory.NewStorage())
	_, tip := writeChain(t, context.Background(), src)

	name, err := refname.New("refs/namespaces/abc/refs/rad/id")
	require.NoError(t, err)
	fake := NewFake(map[refname.RefString]urn.ObjectId{name: tip}, src, dst)

	pattern, err := refname.NewPattern("refs/namespaces/abc/refs/rad/*")
	require.NoError(t, err)
	ads, err := fake.LsRefs(context.Background(), []refname.PatternString{pattern})
	require.NoError(t, err)
	require.Len(t, ads, 1)
	require.Equal(t, tip, ads[0].ID)
}

func TestFetchCopiesReachableObjects(t *testing.T) {
	ctx := context.Background()
	src := objectstore.New(memory.NewStorage())
	dst := objectstore.New(memory.NewStorage())
	root, tip := writeChain(t, ctx, src)

	fake := NewFake(nil, src, dst)
	err := fake.Fetch(ctx, []urn.ObjectId{tip}, nil, 1<<20)
	require.NoError(t, err)

	c, err := dst.PeelToCommit(ctx, tip)
	require.NoError(t, err)
	require.Equal(t, []urn.ObjectId{root}, c.Parents)

	_, err = dst.PeelToCommit(ctx, root)
	require.NoError(t, err)
}

func TestFetchStopsAtHaves(t *testing.T) {
	ctx := context.Background()
	src := objectstore.New(memory.NewStorage())
	dst := objectstore.New(memory.NewStorage())
	root, tip := writeChain(t, ctx, src)

	fake := NewFake(nil, src, dst)
	err := fake.Fetch(ctx, []urn.ObjectId{tip}, []urn.ObjectId{root}, 1<<20)
	require.NoError(t, err)

	_, err = dst.PeelToCommit(ctx, tip)
	require.NoError(t, err)
	_, err = dst.FindObject(ctx, root)
	require.Error(t, err)
}

func TestFetchRespectsByteLimit(t *testing.T) {
	ctx := context.Background()
	src := objectstore.New(memory.NewStorage())
	dst := objectstore.New(memory.NewStorage())
	_, tip := writeChain(t, ctx, src)

	fake := NewFake(nil, src, dst)
	err := fake.Fetch(ctx, []urn.ObjectId{tip}, nil, 1)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFetchLimitExceeded)
}
