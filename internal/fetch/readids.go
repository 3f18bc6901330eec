package fetch

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/radicle-link/replica/internal/identity"
	"github.com/radicle-link/replica/internal/metrics"
	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/refdb"
	"github.com/radicle-link/replica/internal/urn"
)

// readIds is spec §4.4.4: verify every staged rad/id tip, merge each
// verified identity's delegates into the provisional tracking
// extension, and verify rad/self bindings for peers that passed.
//
// "Delegate" here is resolved against the directly-connected remote's
// own verified identity — the project identity this replication is
// actually fetching — rather than recursively expanding every indirect
// Person delegate's own keys; a peer is a delegate if its public key
// appears directly in that identity's Doc.Delegations. This is a
// narrower reading than spec §4.2.4's fully recursive quorum key set,
// adopted because nothing in §4.4.4 specifies how a *peer id* maps onto
// the identity engine's key-only delegation graph — recorded as an Open
// Question resolution in DESIGN.md.
func (sm *StateMachine) readIds(ctx context.Context) error {
	radIDs := map[string]filteredRef{}
	radSelfs := map[string]filteredRef{}
	for _, fr := range sm.peerRefs {
		switch {
		case strings.HasSuffix(fr.name.String(), "/rad/id"):
			radIDs[fr.peer.String()] = fr
		case strings.HasSuffix(fr.name.String(), "/rad/self"):
			radSelfs[fr.peer.String()] = fr
		}
	}

	remoteKey := sm.cfg.Remote.String()
	remoteFr, haveRemote := radIDs[remoteKey]
	if !haveRemote {
		return errAbort("fetch.read_ids", errNoRemoteIdentity{})
	}
	remoteHead, err := identity.LoadRevision(ctx, sm.store, remoteFr.id, sm.cfg.Project.ID)
	if err != nil {
		return errAbort("fetch.read_ids", err)
	}
	canonical, err := identity.Verify(ctx, sm.store, remoteHead, sm.resolveDelegate, sm.cfg.MaxHistoryDepth)
	if err != nil {
		metrics.VerifyFailuresTotal.Add(ctx, 1)
		return errAbort("fetch.read_ids", err)
	}

	delegateKeys := directDelegateKeys(canonical.Identity.Doc.Delegations)
	sm.delegateKeys = delegateKeys
	sm.verified = map[string]*identity.Verified{remoteKey: canonical}
	sm.newDelegates = map[string]peer.PeerId{}
	for hexKey := range delegateKeys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			continue
		}
		p, err := peer.FromPublicKey(raw)
		if err != nil {
			continue
		}
		if !sm.trk.IsTracked(sm.cfg.Project.ID, p) {
			sm.newDelegates[p.String()] = p
		}
	}

	for peerKey, fr := range radIDs {
		if peerKey == remoteKey {
			continue
		}
		isDelegate := delegateKeys[hex.EncodeToString(fr.peer.PublicKey())]

		head, err := identity.LoadRevision(ctx, sm.store, fr.id, sm.cfg.Project.ID)
		if err == nil {
			var v *identity.Verified
			v, err = identity.Verify(ctx, sm.store, head, sm.resolveDelegate, sm.cfg.MaxHistoryDepth)
			if err == nil {
				sm.verified[peerKey] = v
				continue
			}
		}
		metrics.VerifyFailuresTotal.Add(ctx, 1)
		if isDelegate {
			return errAbort("fetch.read_ids", err)
		}
		sm.dropped[peerKey] = err.Error()
	}

	sm.selfBindings = map[string]urn.ObjectId{}
	for peerKey, fr := range radSelfs {
		if _, ok := sm.verified[peerKey]; !ok {
			continue // this peer already dropped for a bad rad/id
		}
		_, err := identity.VerifyTip(ctx, sm.store, fr.id, sm.resolveDelegate, sm.cfg.MaxHistoryDepth)
		if err != nil {
			metrics.VerifyFailuresTotal.Add(ctx, 1)
			if delegateKeys[hex.EncodeToString(fr.peer.PublicKey())] {
				return errAbort("fetch.read_ids", err)
			}
			sm.dropped[peerKey] = err.Error()
			delete(sm.verified, peerKey)
			continue
		}
		sm.selfBindings[peerKey] = fr.id
	}

	return nil
}

// resolveDelegate implements identity.Resolver for this replication: a
// Project's indirect delegate Person URN is looked up first among tips
// this same fetch already staged for it (another tracked peer may have
// just advertised that Person's rad/id as part of its own rad/ids/*
// skeleton), falling back to whatever that Person's own namespace holds
// durably (spec §4.2.2, §4.4.4).
func (sm *StateMachine) resolveDelegate(ctx context.Context, u urn.Urn) (*identity.Identity, error) {
	if tip, ok := sm.shadow.findBySuffix("rad/ids/" + u.ID.String()); ok {
		return identity.LoadRevision(ctx, sm.store, tip, u.ID)
	}

	delegateRdb := refdb.New(u.ID, sm.refStorer, sm.store)
	return identity.Get(ctx, delegateRdb, sm.store, urn.New(u.ID))
}

func directDelegateKeys(d identity.Delegations) map[string]bool {
	keys := map[string]bool{}
	switch d.Kind {
	case identity.DelegationsPerson:
		for _, k := range d.Direct {
			keys[hex.EncodeToString(k)] = true
		}
	case identity.DelegationsProject:
		for _, e := range d.Indirect {
			if e.Key != nil {
				keys[hex.EncodeToString(e.Key)] = true
			}
		}
	}
	return keys
}

type errNoRemoteIdentity struct{}

func (errNoRemoteIdentity) Error() string { return "remote advertised no rad/id for this project" }
