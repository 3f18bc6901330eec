package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/refname"
	"github.com/radicle-link/replica/internal/rerrors"
	"github.com/radicle-link/replica/internal/transport"
	"github.com/radicle-link/replica/internal/urn"
)

// radSkeletonSuffixes are the four ref shapes replicated for every
// tracked peer regardless of data/cobs scoping (spec §3.2, §4.3): the
// "replication skeleton".
var radSkeletonSuffixes = []string{"rad/id", "rad/ids/*", "rad/self", "rad/signed_refs"}

// peek is spec §4.4.2 (ls-refs, want/have) and §4.4.3 (the small
// byte-limited pack-fetch needed to read those tips) combined, matching
// the single Peek state of §4.4.1's diagram.
func (sm *StateMachine) peek(ctx context.Context) error {
	peers := sm.peekPeerSet()

	var patterns []refname.PatternString
	for _, p := range peers {
		for _, pat := range sm.peekPatterns(p) {
			patterns = append(patterns, pat)
		}
	}

	ads, err := sm.conn.LsRefs(ctx, patterns)
	if err != nil {
		return rerrors.Transport("fetch.peek", err)
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
		if err := sm.conn.Fetch(ctx, wants, haves, sm.cfg.Limits.PeekBytes); err != nil {
			return err
		}
	}

	for _, fr := range filtered {
		sm.shadow.stage(fr.name, fr.id)
	}
	sm.peerRefs = filtered
	return nil
}

// peekPeerSet is {remote} ∪ already-tracked peers (spec §4.4.2), with
// local_peer always excluded since a peer never fetches its own refs
// back from a remote.
func (sm *StateMachine) peekPeerSet() []peer.PeerId {
	seen := map[string]bool{sm.cfg.Local.String(): true}
	var out []peer.PeerId

	add := func(p peer.PeerId) {
		key := p.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, p)
	}

	add(sm.cfg.Remote)
	for _, p := range sm.trk.Tracked(sm.cfg.Project.ID) {
		add(p)
	}
	return out
}

// peekPatterns builds the namespace-absolute ls-refs prefixes for one
// peer's replication skeleton, scoped under remotes/<p>/ unless p is
// the directly-connected remote (spec §4.4.2).
func (sm *StateMachine) peekPatterns(p peer.PeerId) []refname.PatternString {
	base := "refs/namespaces/" + sm.cfg.Project.ID.String() + "/refs/"
	scope := ""
	if !p.Equal(sm.cfg.Remote) {
		scope = "remotes/" + p.String() + "/"
	}

	out := make([]refname.PatternString, 0, len(radSkeletonSuffixes))
	for _, suffix := range radSkeletonSuffixes {
		pat, err := refname.NewPattern(base + scope + suffix)
		if err != nil {
			continue
		}
		out = append(out, pat)
	}
	return out
}

// classify maps one advertised ref back to its owning peer and the
// namespace-relative name it will occupy once staged/applied locally,
// discarding anything outside this namespace or naming local_peer as
// its scope (spec §4.4.2).
func (sm *StateMachine) classify(ad transport.RefAd) (filteredRef, bool, error) {
	nsPrefix := "refs/namespaces/" + sm.cfg.Project.ID.String() + "/refs/"
	rel, ok := strings.CutPrefix(string(ad.Name), nsPrefix)
	if !ok {
		return filteredRef{}, false, nil
	}

	var owner peer.PeerId
	var suffix string
	isOwn := false

	if after, ok := strings.CutPrefix(rel, "remotes/"); ok {
		parts := strings.SplitN(after, "/", 2)
		if len(parts) != 2 {
			return filteredRef{}, false, nil
		}
		p, err := peer.Parse(parts[0])
		if err != nil {
			return filteredRef{}, false, nil
		}
		owner = p
		suffix = parts[1]
	} else {
		owner = sm.cfg.Remote
		suffix = rel
		isOwn = true
	}

	if owner.Equal(sm.cfg.Local) {
		return filteredRef{}, false, nil
	}

	category := suffix
	if i := strings.Index(suffix, "/"); i >= 0 {
		category = suffix[:i]
	}

	name, err := refname.NewQualified(fmt.Sprintf("refs/remotes/%s/%s", owner.String(), suffix))
	if err != nil {
		return filteredRef{}, false, rerrors.Integrity("fetch.peek", err)
	}
	relative, err := refname.NewQualified("refs/" + suffix)
	if err != nil {
		return filteredRef{}, false, rerrors.Integrity("fetch.peek", err)
	}

	return filteredRef{peer: owner, name: name, relative: relative, id: ad.ID, category: category, isOwn: isOwn}, true, nil
}
