package fetch

import (
	"context"

	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/urn"
)

var dataRefSuffixes = []string{"heads/*", "tags/*", "notes/*", "cobs/*/*"}

// pull is spec §4.4.5: a second, larger pack-fetch for the data refs of
// every peer whose identity passed ReadIds, scoped by the tracking
// graph's Allows predicate (spec §4.3) rather than the fixed skeleton
// Peek used.
func (sm *StateMachine) pull(ctx context.Context) error {
	if len(sm.verified) == 0 {
		return nil
	}

	var patterns []refname.PatternString
	for peerKey := range sm.verified {
		p := sm.peerByKey(peerKey)
		patterns = append(patterns, sm.dataPatterns(p)...)
	}
	if len(patterns) == 0 {
		return nil
	}

	ads, err := sm.conn.LsRefs(ctx, patterns)
	if err != nil {
		return err
	}

	var wants, haves []urn.ObjectId
	var filtered []filteredRef
	for _, ad := range ads {
		fr, ok, err := sm.classify(ad)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, verified := sm.verified[fr.peer.String()]; !verified {
			continue
		}
		if !sm.trk.AllowsRef(sm.cfg.Project.ID, fr.peer, fr.relative) {
			continue
		}

		have, found, err := sm.shadow.find(ctx, fr.name)
		if err != nil {
			return err
		}
		if !found || have != fr.id {
			wants = append(wants, fr.id)
		}
		if found {
			haves = append(haves, have)
		}
		filtered = append(filtered, fr)
	}

	if len(wants) > 0 {
		if err := sm.conn.Fetch(ctx, wants, haves, sm.cfg.Limits.PullBytes); err != nil {
			return err
		}
	}

	for _, fr := range filtered {
		sm.shadow.stage(fr.name, fr.id)
	}
	sm.peerRefs = append(sm.peerRefs, filtered...)
	return nil
}

func (sm *StateMachine) dataPatterns(p peer.PeerId) []refname.PatternString {
	base := "refs/namespaces/" + sm.cfg.Project.ID.String() + "/refs/"
	scope := ""
	if !p.Equal(sm.cfg.Remote) {
		scope = "remotes/" + p.String() + "/"
	}

	out := make([]refname.PatternString, 0, len(dataRefSuffixes))
	for _, suffix := range dataRefSuffixes {
		pat, err := refname.NewPattern(base + scope + suffix)
		if err != nil {
			continue
		}
		out = append(out, pat)
	}
	return out
}

// peerByKey recovers a peer.PeerId from its String() key, consulting
// whatever this fetch has already seen it labeled as.
func (sm *StateMachine) peerByKey(key string) peer.PeerId {
	if key == sm.cfg.Remote.String() {
		return sm.cfg.Remote
	}
	for _, fr := range sm.peerRefs {
		if fr.peer.String() == key {
			return fr.peer
		}
	}
	if p, ok := sm.newDelegates[key]; ok {
		return p
	}
	return peer.Zero
}
