package fetch

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/radicle-link/replica/internal/identity"
	"github.com/radicle-link/replica/internal/metrics"
	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/refdb"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/rerrors"
	"github.com/radicle-link/replica/internal/tracking"
	"github.com/radicle-link/replica/internal/urn"
)

// commit is spec §4.4.7: assemble the ordered Update list from the
// shadow overlay, apply it as one refdb transaction, execute the
// provisional tracking extension, then recompute local_peer's own
// signed-refs manifest.
func (sm *StateMachine) commit(ctx context.Context) (*Result, error) {
	canonicalUpdate, newTip, err := sm.canonicalIDUpdate(ctx)
	if err != nil {
		return nil, err
	}

	var radID, radIDs, radSelf, data, sigref []refdb.Update
	for name, id := range sm.shadow.entries() {
		peerKey := peerKeyOf(name)
		if _, ok := sm.verified[peerKey]; !ok {
			continue // dropped peer: none of its staged refs are applied
		}

		switch {
		case strings.HasSuffix(name.String(), "/rad/id"):
			radID = append(radID, refdb.DirectUpdate(name, id, refdb.NoFFAllow))
		case strings.Contains(name.String(), "/rad/ids/"):
			// rad/ids/<delegate> is conceptually a cross-namespace symbolic
			// pointer at the delegate's own rad/id, but refdb.SymbolicUpdate
			// only ever resolves TargetName within this same namespace
			// (fullName always prepends r.ns to both sides) — so it cannot
			// express a pointer into another project's namespace. Applied
			// here as a direct update to the already-resolved target tip
			// instead; recorded as an Open Question resolution in DESIGN.md.
			radIDs = append(radIDs, refdb.DirectUpdate(name, id, refdb.NoFFAllow))
		case strings.HasSuffix(name.String(), "/rad/self"):
			radSelf = append(radSelf, refdb.DirectUpdate(name, id, refdb.NoFFAllow))
		case strings.HasSuffix(name.String(), "/rad/signed_refs"):
			sigref = append(sigref, refdb.DirectUpdate(name, id, refdb.NoFFAllow))
		default:
			noFF := refdb.NoFFReject
			if sm.delegateKeys[hexKeyOfPeerKey(peerKey)] {
				noFF = refdb.NoFFAbort
			}
			data = append(data, refdb.DirectUpdate(name, id, noFF))
		}
	}

	var updates []refdb.Update
	if canonicalUpdate != nil {
		updates = append(updates, *canonicalUpdate)
	}
	updates = append(updates, radID...)
	updates = append(updates, radIDs...)
	updates = append(updates, radSelf...)
	updates = append(updates, data...)
	updates = append(updates, sigref...)

	applied, err := sm.rdb.Transact(ctx, updates)
	if err != nil {
		return nil, err
	}
	metrics.RefsAppliedTotal.Add(ctx, int64(len(applied.Applied)))
	metrics.RefsRejectedTotal.Add(ctx, int64(len(applied.Rejected)))

	var newlyTracked []peer.PeerId
	for _, p := range sm.newDelegates {
		if _, err := sm.trk.Track(sm.cfg.Project.ID, p, tracking.Config{}, tracking.Any, true); err == nil {
			newlyTracked = append(newlyTracked, p)
		}
	}

	if sm.signer != nil {
		if _, err := sm.rdb.ComputeSignedRefs(ctx, sm.signer); err != nil {
			return nil, err
		}
	}

	return &Result{
		Applied:      applied.Applied,
		Rejected:     applied.Rejected,
		NewTip:       newTip,
		NewlyTracked: newlyTracked,
		DroppedPeers: sm.dropped,
	}, nil
}

// canonicalIDUpdate decides whether this namespace's own (unscoped)
// rad/id should advance: the remote's verified project identity is
// compared against whatever this namespace already holds via Newer
// (spec §4.2.3); a DivergentHistory result is fatal (spec §7,
// "Semantic... must be surfaced to the operator"), never silently
// resolved. Returns a nil update when the existing tip is already
// newer-or-equal, and the tip to report in Result either way.
func (sm *StateMachine) canonicalIDUpdate(ctx context.Context) (*refdb.Update, urn.ObjectId, error) {
	remote, ok := sm.verified[sm.cfg.Remote.String()]
	if !ok {
		return nil, urn.ObjectId{}, errAbort("fetch.commit", errNoRemoteIdentity{})
	}

	current, err := identity.Get(ctx, sm.rdb, sm.store, sm.cfg.Project)
	if err != nil {
		return nil, urn.ObjectId{}, err
	}
	if current == nil {
		idName, err := refname.NewQualified("refs/rad/id")
		if err != nil {
			return nil, urn.ObjectId{}, err
		}
		update := refdb.DirectUpdate(idName, remote.Identity.ContentID, refdb.NoFFAllow)
		return &update, remote.Identity.ContentID, nil
	}

	currentVerified := &identity.Verified{Identity: *current}
	newer, err := identity.Newer(ctx, sm.store, currentVerified, remote)
	if err != nil {
		return nil, urn.ObjectId{}, rerrors.Semantic("fetch.commit", err)
	}
	if newer.Identity.ContentID == current.ContentID {
		return nil, current.ContentID, nil
	}

	idName, err := refname.NewQualified("refs/rad/id")
	if err != nil {
		return nil, urn.ObjectId{}, err
	}
	update := refdb.DirectUpdate(idName, newer.Identity.ContentID, refdb.NoFFAllow)
	return &update, newer.Identity.ContentID, nil
}

// peerKeyOf extracts the peer.PeerId.String() segment from a staged
// local name of the form "refs/remotes/<peer>/...".
func peerKeyOf(name refname.Qualified) string {
	if name.Category() != "remotes" {
		return ""
	}
	rest := name.Name().String()
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// hexKeyOfPeerKey recovers the hex-encoded public key for a peer string
// key, so it can be checked against sm.delegateKeys.
func hexKeyOfPeerKey(peerKey string) string {
	p, err := peer.Parse(peerKey)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(p.PublicKey())
}
