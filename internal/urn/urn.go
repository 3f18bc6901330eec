// Package urn implements ObjectId and Urn (spec §3.1): the content hash of
// a git object, and the permanent content-addressed identifier for a
// project or person (the hash of its identity document's root revision,
// optionally with a path into that identity's namespace).
package urn

import (
	"crypto/sha1" //nolint:gosec // matches git's current object hash; spec treats it as opaque
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/radicle-link/replica/internal/refname"
)

// Size is the width of an ObjectId in bytes. Git uses SHA-1 today; the
// model treats this as opaque bytes of known fixed length so a future
// SHA-256 git repository only needs this constant (and the hash function
// below) to change.
const Size = sha1.Size

// ObjectId is a content hash of a git object.
type ObjectId [Size]byte

// Zero is the all-zero ObjectId, used as a sentinel "no object" value.
var Zero ObjectId

// ErrInvalidLength is returned by ParseObjectId for input that is not
// exactly 2*Size characters long.
var ErrInvalidLength = errors.New("urn: object id must be exactly 2*Size hex characters")

// ParseObjectId decodes a lowercase-hex-encoded object id.
func ParseObjectId(s string) (ObjectId, error) {
	if len(s) != Size*2 {
		return ObjectId{}, ErrInvalidLength
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ObjectId{}, fmt.Errorf("urn: %w", err)
	}
	var id ObjectId
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex encoding.
func (o ObjectId) String() string { return hex.EncodeToString(o[:]) }

// IsZero reports whether o is the all-zero id.
func (o ObjectId) IsZero() bool { return o == Zero }

// ObjectKind names the three object kinds a content hash can be computed
// over in git's loose-object framing ("<kind> <len>\0<data>").
type ObjectKind string

const (
	KindBlob   ObjectKind = "blob"
	KindTree   ObjectKind = "tree"
	KindCommit ObjectKind = "commit"
)

// HashGitObject computes the object id git itself would assign to data of
// the given kind, i.e. sha1("<kind> <len(data)>\x00" + data). The identity
// engine uses this to verify that a canonical re-encoding of a parsed
// document hashes back to the blob id it claims to be (spec §4.2.1).
func HashGitObject(kind ObjectKind, data []byte) ObjectId {
	h := sha1.New() //nolint:gosec
	fmt.Fprintf(h, "%s %d\x00", kind, len(data))
	h.Write(data)
	var id ObjectId
	copy(id[:], h.Sum(nil))
	return id
}

// Urn is a project or person identifier: the root revision's ObjectId,
// plus an optional path into that identity's namespace.
type Urn struct {
	ID   ObjectId
	Path refname.RefString // empty means "no path"
}

// New constructs a Urn with no path component.
func New(id ObjectId) Urn { return Urn{ID: id} }

// WithPath returns a copy of u with path set, validating it as a RefString.
func (u Urn) WithPath(path string) (Urn, error) {
	r, err := refname.New(path)
	if err != nil {
		return Urn{}, fmt.Errorf("urn: invalid path: %w", err)
	}
	return Urn{ID: u.ID, Path: r}, nil
}

// HasPath reports whether u carries a non-empty path.
func (u Urn) HasPath() bool { return u.Path != "" }

// String renders "rad:<hex-id>" or "rad:<hex-id>/<path>", the canonical
// textual form used in logs and CLI-adjacent output.
func (u Urn) String() string {
	if u.HasPath() {
		return fmt.Sprintf("rad:%s/%s", u.ID.String(), u.Path.String())
	}
	return fmt.Sprintf("rad:%s", u.ID.String())
}

// Equal compares two Urns for equality of both id and path.
func (u Urn) Equal(o Urn) bool {
	return u.ID == o.ID && u.Path == o.Path
}

// ErrMalformed is returned by Parse for strings that aren't "rad:<id>" or
// "rad:<id>/<path>".
var ErrMalformed = errors.New("urn: malformed, expected rad:<hex-id>[/<path>]")

// Parse decodes the canonical textual form produced by String.
func Parse(s string) (Urn, error) {
	rest, ok := strings.CutPrefix(s, "rad:")
	if !ok {
		return Urn{}, ErrMalformed
	}
	idPart, pathPart, hasPath := strings.Cut(rest, "/")
	id, err := ParseObjectId(idPart)
	if err != nil {
		return Urn{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if !hasPath {
		return New(id), nil
	}
	return New(id).WithPath(pathPart)
}
