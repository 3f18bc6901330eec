package fetch

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/refdb"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/rerrors"
)

// readSigrefs is spec §4.4.6: for every verified peer's staged
// rad/signed_refs, load and verify the manifest under that peer's own
// key, then cross-check every ref name it lists against a matching tip
// already staged or durable. A bad signature or an inconsistent
// manifest degrades the peer (drops it from staging for this cycle)
// rather than aborting the whole replication — only ReadIds's delegate
// check can abort.
func (sm *StateMachine) readSigrefs(ctx context.Context) error {
	sm.sigrefs = map[string]*refdb.SignedRefs{}

	for _, fr := range sm.peerRefs {
		if !strings.HasSuffix(fr.name.String(), "/rad/signed_refs") {
			continue
		}
		peerKey := fr.peer.String()
		if _, ok := sm.verified[peerKey]; !ok {
			continue
		}

		obj, err := sm.store.FindObject(ctx, fr.id)
		if err != nil {
			sm.drop(peerKey, fmt.Errorf("signed_refs blob missing: %w", err))
			continue
		}

		manifest, preimage, err := refdb.DecodeSignedRefs(obj.Data)
		if err != nil {
			sm.drop(peerKey, err)
			continue
		}

		if !ed25519.Verify(fr.peer.PublicKey(), preimage, manifest.Signature) {
			sm.drop(peerKey, rerrors.Crypto("fetch.read_sigrefs", fmt.Errorf("bad signed_refs signature from %s", fr.peer)))
			continue
		}

		if !sm.sigrefsConsistent(ctx, fr.peer, manifest) {
			sm.drop(peerKey, fmt.Errorf("signed_refs manifest from %s names a ref with no matching staged or durable tip", fr.peer))
			continue
		}

		sm.sigrefs[peerKey] = manifest
	}
	return nil
}

// sigrefsConsistent checks that every (category, name) -> id the
// manifest lists matches what this fetch already staged (or durable
// storage already holds) for that peer's view of the same ref.
func (sm *StateMachine) sigrefsConsistent(ctx context.Context, p peer.PeerId, manifest *refdb.SignedRefs) bool {
	for cat, names := range manifest.Refs {
		switch cat {
		case "heads", "rad", "tags", "notes", "cobs", "remotes":
		default:
			continue // unknown-category forward compatibility: not cross-checked, only hashed into the preimage
		}
		for name, id := range names {
			local, err := refname.NewQualified(fmt.Sprintf("refs/remotes/%s/%s/%s", p.String(), cat, name))
			if err != nil {
				continue // a name that does not form a valid ref is not cross-checked
			}
			staged, ok, err := sm.shadow.find(ctx, local)
			if err != nil || !ok || staged != id {
				return false
			}
		}
	}
	return true
}

func (sm *StateMachine) drop(peerKey string, reason error) {
	delete(sm.verified, peerKey)
	sm.dropped[peerKey] = reason.Error()
}
