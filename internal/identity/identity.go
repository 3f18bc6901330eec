// Package identity implements the identity engine (spec §4.2): the
// source of truth for who may sign what inside a namespace. get() loads
// an identity document from its commit history, verify() walks that
// history validating signatures against a quorum of each revision's
// delegates, and newer() orders two verified identities sharing a root.
//
// The quorum/delegation-graph walk is grounded on gittuf's policy state
// verifier (other_examples' internal/policy/policy.go): a threshold of
// principals per role, delegated roles resolved through a queue, and a
// "verify everything reachable" pass — generalized here from gittuf's
// TUF role graph to radicle's two-level (root delegates, indirect Person
// delegates) quorum model.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/radicle-link/replica/internal/canonical"
	"github.com/radicle-link/replica/internal/objectstore"
	"github.com/radicle-link/replica/internal/refdb"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/urn"
)

// PayloadKind distinguishes a Person document from a Project document.
type PayloadKind string

const (
	KindPerson  PayloadKind = "person"
	KindProject PayloadKind = "project"
)

// DelegationsKind mirrors PayloadKind: a Person's delegations are a
// direct key set, a Project's are an indirect set of keys and/or Person
// URNs. §3.3 requires these to agree with the payload's kind.
type DelegationsKind string

const (
	DelegationsPerson  DelegationsKind = "person"
	DelegationsProject DelegationsKind = "project"
)

// DelegationEntry is one entry of a Project's indirect delegation set:
// either a raw public key or a pointer at a Person identity whose own
// delegation keys are resolved at verification time.
type DelegationEntry struct {
	Key    ed25519.PublicKey // nil if Person is set
	Person *urn.Urn          // nil if Key is set
}

// Delegations is the sum type spec §3.3 describes: a Person's direct key
// set, or a Project's indirect set of keys and/or Person references.
type Delegations struct {
	Kind     DelegationsKind
	Direct   []ed25519.PublicKey // populated when Kind == DelegationsPerson
	Indirect []DelegationEntry   // populated when Kind == DelegationsProject
}

// Doc is an identity document revision (spec §3.3), independent of the
// commit and signatures that carry it.
type Doc struct {
	Version     uint8
	Replaces    urn.ObjectId // parent revision's content id; zero for the first
	HasReplaces bool
	PayloadKind PayloadKind
	Payload     map[string]any // opaque beyond Kind; schema is out of scope here
	Delegations Delegations
}

// Identity is the envelope around a Doc: its commit and tree hashes, the
// decoded document, and the signatures collected over Revision.
type Identity struct {
	ContentID  urn.ObjectId // the commit that produced this revision
	Root       urn.ObjectId // stable identifier; the first revision's Revision
	Revision   urn.ObjectId // hash of the document tree
	Doc        Doc
	Signatures map[string][]byte // hex-encoded public key -> signature over Revision
}

// Verified marks an Identity that has passed Verify. It is only ever
// constructed by this package.
type Verified struct {
	Identity Identity
}

// IntegrityError wraps a canonical-encoding mismatch, a missing root
// blob, or a payload/delegation kind disagreement (spec §4.2.1, §4.2.5).
type IntegrityError struct{ Err error }

func (e *IntegrityError) Error() string { return fmt.Sprintf("identity: integrity: %v", e.Err) }
func (e *IntegrityError) Unwrap() error { return e.Err }

// SignatureError reports a revision whose signatures don't meet quorum,
// carrying the exact counts for diagnostics.
type SignatureError struct{ Required, Got int }

func (e *SignatureError) Error() string {
	return fmt.Sprintf("identity: quorum not reached: need %d, got %d valid signatures", e.Required, e.Got)
}

// QuorumNotReachedError is returned by Verify when a revision's valid
// signature count doesn't exceed half its delegates. Distinct from
// SignatureError so callers that only care about "was quorum met" don't
// need to parse the message.
type QuorumNotReachedError struct{ Required, Got int }

func (e *QuorumNotReachedError) Error() string {
	return fmt.Sprintf("identity: quorum not reached: need > %d, got %d", e.Required-1, e.Got)
}

// DelegateNotFoundError is returned when a Project's indirect delegation
// points at a Person URN the resolver couldn't produce an identity for.
type DelegateNotFoundError struct{ Urn urn.Urn }

func (e *DelegateNotFoundError) Error() string {
	return fmt.Sprintf("identity: delegate not found: %s", e.Urn)
}

// DivergentHistoryError is returned by Newer when neither identity is an
// ancestor of the other.
type DivergentHistoryError struct{ A, B urn.ObjectId }

func (e *DivergentHistoryError) Error() string {
	return fmt.Sprintf("identity: divergent history between %s and %s", e.A, e.B)
}

// HistoryTooDeepError is returned by Verify/VerifyTip when the chain of
// Doc.Replaces ancestors exceeds the caller's maxHistoryDepth (spec §14.1:
// "cmd/replicad" exposes this as a flag defaulting to 10,000 revisions, to
// bound the cost of verifying an identity with an unbounded history).
type HistoryTooDeepError struct{ Depth, Max int }

func (e *HistoryTooDeepError) Error() string {
	return fmt.Sprintf("identity: history depth %d exceeds max %d", e.Depth, e.Max)
}

// Resolver yields the latest known head Identity for a delegate Person
// URN, as supplied by the fetch state machine during replication so
// delegate tips being staged concurrently are visible (spec §4.2.2).
type Resolver func(ctx context.Context, u urn.Urn) (*Identity, error)

var defaultIdPath = mustQualified("refs/rad/id")

func mustQualified(s string) refname.Qualified {
	q, err := refname.NewQualified(s)
	if err != nil {
		panic(err)
	}
	return q
}

// Get loads the unverified identity at u's tip: refs/namespaces/<u.id>/<u.path
// or rad/id>. It returns (nil, nil) if no such reference exists yet.
func Get(ctx context.Context, rdb *refdb.Refdb, store objectstore.Store, u urn.Urn) (*Identity, error) {
	rel := defaultIdPath
	if u.HasPath() {
		q, err := refname.NewQualified("refs/" + u.Path.String())
		if err != nil {
			return nil, &IntegrityError{Err: err}
		}
		rel = q
	}

	entry, ok, err := rdb.Find(ctx, rel)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return loadFromCommit(ctx, store, entry.ID, u.ID)
}

// LoadRevision decodes the Identity whose revision commit is commitID,
// treating root as its stable identifier, without consulting a refdb
// reference first. The fetch state
// machine uses this to inspect a tip staged only in its shadow overlay
// (spec §4.2.2's resolve callback), before any ref in the namespace
// points at it.
func LoadRevision(ctx context.Context, store objectstore.Store, commitID, root urn.ObjectId) (*Identity, error) {
	return loadFromCommit(ctx, store, commitID, root)
}

// loadFromCommit decodes the Identity whose commit is commitID, treating
// root as its stable identifier (the caller already knows which URN it
// is loading; loadChain re-derives and cross-checks root independently
// at the genesis revision).
func loadFromCommit(ctx context.Context, store objectstore.Store, commitID, root urn.ObjectId) (*Identity, error) {
	commit, err := store.PeelToCommit(ctx, commitID)
	if err != nil {
		return nil, err
	}

	entries, err := store.ReadTree(ctx, commit.Tree)
	if err != nil {
		return nil, err
	}

	var blobID urn.ObjectId
	found := false
	for _, e := range entries {
		if e.Name == e.ID.String() {
			blobID = e.ID
			found = true
			break
		}
	}
	if !found {
		return nil, &IntegrityError{Err: fmt.Errorf("no root blob (self-named entry) in tree %s", commit.Tree)}
	}

	blob, err := store.FindObject(ctx, blobID)
	if err != nil {
		return nil, &IntegrityError{Err: fmt.Errorf("root blob %s missing: %w", blobID, err)}
	}

	doc, err := decodeDocBlob(blob.Data)
	if err != nil {
		return nil, err
	}

	sigs, err := parseSignatureTrailers(commit.Message)
	if err != nil {
		return nil, err
	}

	reencoded, err := doc.canonicalDocBytes()
	if err != nil {
		return nil, &IntegrityError{Err: err}
	}
	if urn.HashGitObject(urn.KindBlob, reencoded) != blobID {
		return nil, &IntegrityError{Err: fmt.Errorf("canonical re-encoding of %s does not hash back to it", blobID)}
	}

	if (doc.PayloadKind == KindPerson) != (doc.Delegations.Kind == DelegationsPerson) {
		return nil, &IntegrityError{Err: fmt.Errorf("payload kind %s disagrees with delegations kind %s", doc.PayloadKind, doc.Delegations.Kind)}
	}

	return &Identity{
		ContentID:  commitID,
		Root:       root,
		Revision:   commit.Tree,
		Doc:        doc,
		Signatures: sigs,
	}, nil
}

// canonicalDocBytes re-derives the canonical-JSON pre-image for doc, the
// same bytes the root blob's own hash must match.
func (d Doc) canonicalDocBytes() ([]byte, error) {
	m := map[string]any{
		"version":     float64(d.Version),
		"payload":     map[string]any{"kind": string(d.PayloadKind), "fields": d.Payload},
		"delegations": encodeDelegations(d.Delegations),
	}
	if d.HasReplaces {
		m["replaces"] = d.Replaces.String()
	} else {
		m["replaces"] = nil
	}
	return canonical.Marshal(m)
}

func encodeDelegations(d Delegations) map[string]any {
	switch d.Kind {
	case DelegationsPerson:
		keys := make([]any, len(d.Direct))
		for i, k := range d.Direct {
			keys[i] = hex.EncodeToString(k)
		}
		return map[string]any{"kind": string(DelegationsPerson), "keys": keys}
	default:
		entries := make([]any, len(d.Indirect))
		for i, e := range d.Indirect {
			if e.Key != nil {
				entries[i] = map[string]any{"key": hex.EncodeToString(e.Key)}
			} else {
				entries[i] = map[string]any{"person": e.Person.String()}
			}
		}
		return map[string]any{"kind": string(DelegationsProject), "entries": entries}
	}
}

// decodeDocBlob parses a root blob's canonical-JSON bytes into a Doc. The
// blob carries the document alone — signatures live in the commit
// message's trailers paragraph (trailers.go), never in the content-addressed
// blob itself, so that canonicalDocBytes's re-encoding can always be
// checked against the blob's own hash regardless of how many delegates
// have signed.
func decodeDocBlob(data []byte) (Doc, error) {
	v, err := canonical.Decode(data)
	if err != nil {
		return Doc{}, &IntegrityError{Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Doc{}, &IntegrityError{Err: fmt.Errorf("document is not a JSON object")}
	}
	return decodeDoc(obj)
}

func decodeDoc(obj map[string]any) (Doc, error) {
	var d Doc

	versionNum, ok := obj["version"]
	if !ok {
		return Doc{}, &IntegrityError{Err: fmt.Errorf("missing version")}
	}
	switch v := versionNum.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 || n > 255 {
			return Doc{}, &IntegrityError{Err: fmt.Errorf("version %q is not a valid version number", string(v))}
		}
		d.Version = uint8(n)
	case float64:
		d.Version = uint8(v)
	default:
		return Doc{}, &IntegrityError{Err: fmt.Errorf("version has unexpected type %T", versionNum)}
	}

	if r, ok := obj["replaces"]; ok && r != nil {
		rs, ok := r.(string)
		if !ok {
			return Doc{}, &IntegrityError{Err: fmt.Errorf("replaces has unexpected type %T", r)}
		}
		id, err := urn.ParseObjectId(rs)
		if err != nil {
			return Doc{}, &IntegrityError{Err: err}
		}
		d.Replaces = id
		d.HasReplaces = true
	}

	payload, ok := obj["payload"].(map[string]any)
	if !ok {
		return Doc{}, &IntegrityError{Err: fmt.Errorf("missing payload")}
	}
	kind, _ := payload["kind"].(string)
	d.PayloadKind = PayloadKind(kind)
	if fields, ok := payload["fields"].(map[string]any); ok {
		d.Payload = fields
	}

	delegations, ok := obj["delegations"].(map[string]any)
	if !ok {
		return Doc{}, &IntegrityError{Err: fmt.Errorf("missing delegations")}
	}
	ds, err := decodeDelegations(delegations)
	if err != nil {
		return Doc{}, err
	}
	d.Delegations = ds

	return d, nil
}

func decodeDelegations(m map[string]any) (Delegations, error) {
	kind, _ := m["kind"].(string)
	switch DelegationsKind(kind) {
	case DelegationsPerson:
		keysVal, _ := m["keys"].([]any)
		keys := make([]ed25519.PublicKey, 0, len(keysVal))
		for _, kv := range keysVal {
			ks, ok := kv.(string)
			if !ok {
				continue
			}
			raw, err := hex.DecodeString(ks)
			if err != nil {
				return Delegations{}, &IntegrityError{Err: err}
			}
			keys = append(keys, ed25519.PublicKey(raw))
		}
		return Delegations{Kind: DelegationsPerson, Direct: keys}, nil
	case DelegationsProject:
		entriesVal, _ := m["entries"].([]any)
		entries := make([]DelegationEntry, 0, len(entriesVal))
		for _, ev := range entriesVal {
			em, ok := ev.(map[string]any)
			if !ok {
				continue
			}
			if ks, ok := em["key"].(string); ok {
				raw, err := hex.DecodeString(ks)
				if err != nil {
					return Delegations{}, &IntegrityError{Err: err}
				}
				entries = append(entries, DelegationEntry{Key: ed25519.PublicKey(raw)})
				continue
			}
			if us, ok := em["person"].(string); ok {
				u, err := urn.Parse(us)
				if err != nil {
					return Delegations{}, &IntegrityError{Err: err}
				}
				entries = append(entries, DelegationEntry{Person: &u})
			}
		}
		return Delegations{Kind: DelegationsProject, Indirect: entries}, nil
	default:
		return Delegations{}, &IntegrityError{Err: fmt.Errorf("unknown delegations kind %q", kind)}
	}
}
