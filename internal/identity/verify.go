package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"

	"github.com/radicle-link/replica/internal/objectstore"
	"github.com/radicle-link/replica/internal/urn"
)

// keySet is the concrete, resolved set of public keys allowed to sign a
// revision, keyed by hex encoding for quick signature-map lookup.
type keySet map[string]ed25519.PublicKey

// Verify walks the commit DAG from head back to its root revision,
// validating the quorum rule at every transition (spec §4.2.2-§4.2.4).
// store is used to load every ancestor revision head doesn't already
// carry in memory; resolve is consulted for a Project's indirect Person
// delegates. maxHistoryDepth bounds how many revisions the walk will
// follow before giving up with HistoryTooDeepError; 0 means unbounded
// (spec §14.1).
func Verify(ctx context.Context, store objectstore.Store, head *Identity, resolve Resolver, maxHistoryDepth int) (*Verified, error) {
	chain, err := loadChain(ctx, store, head, maxHistoryDepth)
	if err != nil {
		return nil, err
	}

	genesis := chain[0]
	if genesis.Revision != genesis.Root {
		return nil, &IntegrityError{Err: errRootMismatch(genesis.Revision, genesis.Root)}
	}

	for i, cur := range chain {
		var delegator Doc
		if i == 0 {
			delegator = genesis.Doc // root self-quorum
		} else {
			delegator = chain[i-1].Doc
		}

		keys, err := resolveDelegationKeys(ctx, store, delegator.Delegations, resolve, maxHistoryDepth)
		if err != nil {
			return nil, err
		}

		valid := validSignatureCount(keys, cur.Revision, cur.Signatures)
		required := len(keys)/2 + 1
		if valid < required {
			return nil, &QuorumNotReachedError{Required: required, Got: valid}
		}
	}

	return &Verified{Identity: *head}, nil
}

// VerifyTip verifies the identity history ending at tip when the caller
// does not already know its root — unlike Get/Verify, which are handed
// a Urn (and therefore an expected root) up front. The fetch state
// machine needs this for rad/self: the commit a peer's rad/self
// resolves to names a Person identity whose root is only discoverable
// from the fetched history itself (spec §4.4.4). It loads tip once to
// walk Doc.Replaces back to the genesis revision, then reloads with
// that genesis as the now-known root before running the normal quorum
// walk. maxHistoryDepth is forwarded to both walks (see Verify).
func VerifyTip(ctx context.Context, store objectstore.Store, tip urn.ObjectId, resolve Resolver, maxHistoryDepth int) (*Verified, error) {
	probe, err := loadFromCommit(ctx, store, tip, tip)
	if err != nil {
		return nil, err
	}
	chain, err := loadChain(ctx, store, probe, maxHistoryDepth)
	if err != nil {
		return nil, err
	}
	root := chain[0].Revision

	head, err := loadFromCommit(ctx, store, tip, root)
	if err != nil {
		return nil, err
	}
	return Verify(ctx, store, head, resolve, maxHistoryDepth)
}

func errRootMismatch(got, want urn.ObjectId) error {
	return &mismatchError{got: got, want: want}
}

type mismatchError struct{ got, want urn.ObjectId }

func (e *mismatchError) Error() string {
	return "root revision " + e.got.String() + " does not match urn id " + e.want.String()
}

func validSignatureCount(keys keySet, revision urn.ObjectId, sigs map[string][]byte) int {
	valid := 0
	for keyHex, sig := range sigs {
		pub, ok := keys[keyHex]
		if !ok {
			continue
		}
		if ed25519.Verify(pub, revision[:], sig) {
			valid++
		}
	}
	return valid
}

// resolveDelegationKeys expands a Delegations value into a concrete key
// set: a Person's own keys directly, or for a Project, direct keys plus
// every delegate Person's own (recursively verified) delegation keys.
func resolveDelegationKeys(ctx context.Context, store objectstore.Store, d Delegations, resolve Resolver, maxHistoryDepth int) (keySet, error) {
	ks := keySet{}
	switch d.Kind {
	case DelegationsPerson:
		for _, k := range d.Direct {
			ks[hex.EncodeToString(k)] = k
		}
		return ks, nil
	case DelegationsProject:
		for _, e := range d.Indirect {
			if e.Key != nil {
				ks[hex.EncodeToString(e.Key)] = e.Key
				continue
			}

			if resolve == nil {
				return nil, &DelegateNotFoundError{Urn: *e.Person}
			}
			head, err := resolve(ctx, *e.Person)
			if err != nil || head == nil {
				return nil, &DelegateNotFoundError{Urn: *e.Person}
			}

			verified, err := Verify(ctx, store, head, resolve, maxHistoryDepth)
			if err != nil {
				return nil, err
			}
			if verified.Identity.Doc.Delegations.Kind != DelegationsPerson {
				return nil, &IntegrityError{Err: errNotAPerson(*e.Person)}
			}
			// Rule: a delegate Person's own signing key must be among its
			// own delegations — trivially true here since the keys we add
			// are exactly that Person's own direct delegation set.
			for _, k := range verified.Identity.Doc.Delegations.Direct {
				ks[hex.EncodeToString(k)] = k
			}
		}
		return ks, nil
	default:
		return nil, &IntegrityError{Err: errUnknownDelegationsKind(d.Kind)}
	}
}

type notAPersonError struct{ u urn.Urn }

func (e *notAPersonError) Error() string { return "delegate " + e.u.String() + " is not a Person identity" }
func errNotAPerson(u urn.Urn) error      { return &notAPersonError{u: u} }

type unknownDelegationsKindError struct{ kind DelegationsKind }

func (e *unknownDelegationsKindError) Error() string { return "unknown delegations kind " + string(e.kind) }
func errUnknownDelegationsKind(k DelegationsKind) error {
	return &unknownDelegationsKindError{kind: k}
}

// loadChain walks backward from head via Doc.Replaces until it reaches a
// revision with none, then returns the chain root-first. maxHistoryDepth
// caps how many revisions (including head) the walk will follow before
// returning HistoryTooDeepError; 0 means unbounded.
func loadChain(ctx context.Context, store objectstore.Store, head *Identity, maxHistoryDepth int) ([]*Identity, error) {
	chain := []*Identity{head}
	cur := head
	for cur.Doc.HasReplaces {
		if maxHistoryDepth > 0 && len(chain) >= maxHistoryDepth {
			return nil, &HistoryTooDeepError{Depth: len(chain) + 1, Max: maxHistoryDepth}
		}
		parent, err := loadFromCommit(ctx, store, cur.Doc.Replaces, head.Root)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}

	// reverse in place: chain is currently head..root, want root..head
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Newer returns whichever of a, b has the other as an ancestor in its
// Doc.Replaces chain. Both must share the same Root; if neither is an
// ancestor of the other, returns DivergentHistoryError (spec §4.2.3).
func Newer(ctx context.Context, store objectstore.Store, a, b *Verified) (*Verified, error) {
	if a.Identity.Root != b.Identity.Root {
		return nil, &IntegrityError{Err: errRootMismatch(b.Identity.Root, a.Identity.Root)}
	}
	if a.Identity.ContentID == b.Identity.ContentID {
		return a, nil
	}

	aChain, err := loadChain(ctx, store, &a.Identity, 0)
	if err != nil {
		return nil, err
	}
	bChain, err := loadChain(ctx, store, &b.Identity, 0)
	if err != nil {
		return nil, err
	}

	if containsContentID(aChain, b.Identity.ContentID) {
		return a, nil
	}
	if containsContentID(bChain, a.Identity.ContentID) {
		return b, nil
	}
	return nil, &DivergentHistoryError{A: a.Identity.ContentID, B: b.Identity.ContentID}
}

func containsContentID(chain []*Identity, id urn.ObjectId) bool {
	for _, rev := range chain {
		if rev.ContentID == id {
			return true
		}
	}
	return false
}
