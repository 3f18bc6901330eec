package refdb

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/radicle-link/replica/internal/canonical"
	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/rerrors"
	"github.com/radicle-link/replica/internal/urn"
)

// Signer is the subset of internal/signer.Signer the refdb needs to
// produce a signed refs manifest: identify the local peer and sign an
// arbitrary byte string over that peer's key. Kept as a local interface
// so this package doesn't depend on internal/signer's transport-facing
// concerns (ssh-agent dialing, etc).
type Signer interface {
	PeerId() peer.PeerId
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

var signedRefsName = mustQualified("refs/rad/signed_refs")

func mustQualified(s string) refname.Qualified {
	q, err := refname.NewQualified(s)
	if err != nil {
		panic(err) // constant; a bad literal here is a programming error
	}
	return q
}

// SignedRefs is the decoded form of a rad/signed_refs manifest: every
// locally-published reference the signing peer is vouching for, grouped
// by top-level category (spec §3.4).
type SignedRefs struct {
	Refs      map[string]map[string]urn.ObjectId
	Signature []byte
}

// ComputeSignedRefs iterates this namespace's non-remotes/ subtree,
// groups entries by their top-level category, canonicalizes and signs
// the result, writes it as a blob, and points rad/signed_refs at that
// blob. Unknown categories (anything this code doesn't special-case)
// are carried through unchanged so a manifest produced by newer code
// remains a valid pre-image for older verifiers (§3.4 forward
// compatibility rule).
func (r *Refdb) ComputeSignedRefs(ctx context.Context, signer Signer) (*SignedRefs, error) {
	entries, err := r.Iter(ctx, refname.RefString(""))
	if err != nil {
		return nil, err
	}

	nsPrefix := fmt.Sprintf("refs/namespaces/%s/refs/", r.ns.String())
	categories := map[string]map[string]urn.ObjectId{}
	for _, e := range entries {
		rel := strings.TrimPrefix(string(e.Name), nsPrefix)
		cat, name, ok := strings.Cut(rel, "/")
		if !ok || cat == "remotes" {
			continue
		}
		if categories[cat] == nil {
			categories[cat] = map[string]urn.ObjectId{}
		}
		categories[cat][name] = e.ID
	}

	refsAny := make(map[string]any, len(categories))
	for cat, names := range categories {
		m := make(map[string]any, len(names))
		for name, id := range names {
			m[name] = id.String()
		}
		refsAny[cat] = m
	}

	preimage, err := canonical.Marshal(refsAny)
	if err != nil {
		return nil, rerrors.Integrity("refdb.signed_refs", err)
	}

	sig, err := signer.Sign(ctx, preimage)
	if err != nil {
		return nil, rerrors.Crypto("refdb.signed_refs", err)
	}

	blob := map[string]any{
		"refs":      refsAny,
		"signature": hex.EncodeToString(sig),
	}
	encoded, err := canonical.Marshal(blob)
	if err != nil {
		return nil, rerrors.Integrity("refdb.signed_refs", err)
	}

	blobID, err := r.obj.WriteBlob(ctx, encoded)
	if err != nil {
		return nil, err
	}

	if _, err := r.Transact(ctx, []Update{
		DirectUpdate(signedRefsName, blobID, NoFFAllow),
	}); err != nil {
		return nil, err
	}

	return &SignedRefs{Refs: categories, Signature: sig}, nil
}

// DecodeSignedRefs parses a rad/signed_refs blob's canonical-JSON bytes
// back into refs/signature form, for verifying a peer's manifest. It
// accepts any top-level category, including ones this build doesn't
// otherwise special-case, per the forward-compatibility rule.
func DecodeSignedRefs(data []byte) (*SignedRefs, []byte, error) {
	v, err := canonical.Decode(data)
	if err != nil {
		return nil, nil, rerrors.Integrity("refdb.decode_signed_refs", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, nil, rerrors.Integrity("refdb.decode_signed_refs", fmt.Errorf("not a JSON object"))
	}
	refsVal, ok := obj["refs"]
	if !ok {
		return nil, nil, rerrors.Integrity("refdb.decode_signed_refs", fmt.Errorf("missing refs"))
	}
	refsObj, ok := refsVal.(map[string]any)
	if !ok {
		return nil, nil, rerrors.Integrity("refdb.decode_signed_refs", fmt.Errorf("refs is not an object"))
	}
	sigHex, ok := obj["signature"].(string)
	if !ok {
		return nil, nil, rerrors.Integrity("refdb.decode_signed_refs", fmt.Errorf("missing signature"))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, nil, rerrors.Integrity("refdb.decode_signed_refs", fmt.Errorf("signature not hex: %w", err))
	}

	refs := make(map[string]map[string]urn.ObjectId, len(refsObj))
	for cat, namesVal := range refsObj {
		namesObj, ok := namesVal.(map[string]any)
		if !ok {
			continue
		}
		names := make(map[string]urn.ObjectId, len(namesObj))
		for name, idVal := range namesObj {
			idStr, ok := idVal.(string)
			if !ok {
				continue
			}
			id, err := urn.ParseObjectId(idStr)
			if err != nil {
				continue
			}
			names[name] = id
		}
		refs[cat] = names
	}

	// canonical.Marshal(refsVal) reproduces the exact pre-image the
	// producer signed over (spec §3.4's "signature over canonical(refs)").
	preimage, err := canonical.Marshal(refsVal)
	if err != nil {
		return nil, nil, rerrors.Integrity("refdb.decode_signed_refs", err)
	}

	return &SignedRefs{Refs: refs, Signature: sig}, preimage, nil
}
