package refname

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvariantViolations(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"leading slash", "/heads/main"},
		{"trailing slash", "heads/main/"},
		{"doubled slash", "heads//main"},
		{"dotdot", "heads/../main"},
		{"dot component", "heads/./main"},
		{"control char", "heads/ma\x01in"},
		{"at brace", "heads/main@{0}"},
		{"trailing lock", "heads/main.lock"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(c.in)
			require.Error(t, err)
		})
	}
}

func TestNewAcceptsValidNames(t *testing.T) {
	r, err := New("heads/feature/foo")
	require.NoError(t, err)
	require.Equal(t, []string{"heads", "feature", "foo"}, r.Components())
}

func TestOneLevelRejectsSlash(t *testing.T) {
	_, err := NewOneLevel("heads/main")
	require.ErrorIs(t, err, ErrMultiLevel)
}

func TestQualifiedRequiresRefsPrefix(t *testing.T) {
	_, err := NewQualified("heads/main")
	require.ErrorIs(t, err, ErrNotQualified)

	q, err := NewQualified("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, "heads", q.Category())
	require.Equal(t, RefString("main"), q.Name())
}

func TestQualifiedRequiresNameAfterCategory(t *testing.T) {
	_, err := NewQualified("refs/heads")
	require.ErrorIs(t, err, ErrNotQualified)
}

func TestQualify(t *testing.T) {
	cat, err := NewOneLevel("heads")
	require.NoError(t, err)
	name, err := New("main")
	require.NoError(t, err)

	q, err := Qualify(cat, name)
	require.NoError(t, err)
	require.Equal(t, "refs/heads/main", q.String())
}

func TestPatternRejectsMultipleWildcards(t *testing.T) {
	_, err := NewPattern("heads/*-*")
	require.ErrorIs(t, err, ErrTooManyWildcards)
}

func TestPatternMatchesWithinComponentOnly(t *testing.T) {
	p, err := NewPattern("cobs/issue*/id")
	require.NoError(t, err)

	yes, err := New("cobs/issue-42/id")
	require.NoError(t, err)
	require.True(t, p.Matches(yes))

	// the wildcard component must not absorb a '/'
	no, err := New("cobs/issue-42/extra/id")
	require.NoError(t, err)
	require.False(t, p.Matches(no))

	wrongCategory, err := New("cobs/patch-42/id")
	require.NoError(t, err)
	require.False(t, p.Matches(wrongCategory))
}

func TestPatternExactNoWildcard(t *testing.T) {
	p, err := NewPattern("heads/main")
	require.NoError(t, err)

	match, err := New("heads/main")
	require.NoError(t, err)
	require.True(t, p.Matches(match))

	nomatch, err := New("heads/other")
	require.NoError(t, err)
	require.False(t, p.Matches(nomatch))
}

func TestJoin(t *testing.T) {
	base, err := New("refs/namespaces/abc")
	require.NoError(t, err)
	joined, err := base.Join("refs", "rad", "id")
	require.NoError(t, err)
	require.Equal(t, "refs/namespaces/abc/refs/rad/id", joined.String())
}
