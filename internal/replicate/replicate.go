// Package replicate implements the Replication Driver (spec §4.5): a thin
// orchestrator that, given a project urn and a remote peer, acquires the
// relevant refdb/tracking handles, instantiates a fetch.StateMachine behind
// a fresh shadow view, drives it to completion, and returns its summary
// without partial application on any fatal error.
//
// The coalescing and correlation-id shape is grounded on the teacher's
// internal/git/worker_manager.go (one long-lived coordinator keyed by a
// resource identity, shared by concurrent callers) and
// internal/correlation (request/response correlation by key), generalized
// from a (repo, branch) key to a (project, remote) replication key.
package replicate

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/radicle-link/replica/internal/fetch"
	"github.com/radicle-link/replica/internal/objectstore"
	"github.com/radicle-link/replica/internal/peer"
	"github.com/radicle-link/replica/internal/ratelimit"
	"github.com/radicle-link/replica/internal/refdb"
	"github.com/radicle-link/replica/internal/rerrors"
	"github.com/radicle-link/replica/internal/tracking"
	"github.com/radicle-link/replica/internal/transport"
	"github.com/radicle-link/replica/internal/urn"
)

// Dialer opens a RemoteConnection to a peer. addrHints are transport-level
// connection hints (addresses, relay routes); their interpretation is
// entirely the dialer's concern, per spec §6's transport contract leaving
// "stream multiplexing, TLS, and peer authentication" to the transport.
type Dialer interface {
	Dial(ctx context.Context, remote peer.PeerId, addrHints []string) (transport.RemoteConnection, error)
}

// Request names one replicate() call (spec §4.5's "(urn, remote_peer,
// addr_hints, limit)").
type Request struct {
	Project   urn.Urn
	Remote    peer.PeerId
	AddrHints []string
	Limits    fetch.Limits
}

// Result is the structured summary spec §4.5 names, re-exported from the
// fetch state machine's own Result so callers outside internal/fetch never
// need to import it directly.
type Result = fetch.Result

// Driver is the top-level replication entry point. One Driver is shared by
// every caller in a process; it owns no storage itself, only the
// coordination (rate limiting and same-key coalescing) around callers'
// handles to the refdb, tracking graph, and object store.
type Driver struct {
	log             logr.Logger
	dialer          Dialer
	limits          *ratelimit.Budgets
	signer          fetch.Signer
	local           peer.PeerId
	maxHistoryDepth int
	inflight        singleflight.Group
}

// New constructs a Driver. signer may be nil, in which case local_peer's
// signed-refs manifest is never recomputed after a commit (spec §4.4.7
// treats this as optional: a driver with no local identity to sign as
// still replicates, it just can't publish its own manifest). limits may be
// nil, in which case a fresh, process-local Budgets is created.
// maxHistoryDepth bounds identity verification's walk of an identity's
// Doc.Replaces chain (spec §14.1); 0 means unbounded.
func New(log logr.Logger, dialer Dialer, limits *ratelimit.Budgets, local peer.PeerId, signer fetch.Signer, maxHistoryDepth int) *Driver {
	if limits == nil {
		limits = ratelimit.New()
	}
	return &Driver{
		log:             log.WithName("replicate"),
		dialer:          dialer,
		limits:          limits,
		signer:          signer,
		local:           local,
		maxHistoryDepth: maxHistoryDepth,
	}
}

// Replicate runs one replication to completion (spec §4.5, steps 1-4).
// rdb and trk are the caller's already-opened handles to this project's
// namespace and the process-wide tracking graph; refStorer is the
// underlying monorepo storer backing every namespace, passed through so the
// fetch state machine can open a delegate Person's own namespace on demand
// during identity verification.
//
// Concurrent Replicate calls for the same (project, remote) pair coalesce
// onto a single in-flight fetch (spec §5, "concurrent replications of the
// same project, the refdb write-lock serializes commit phases"); every
// caller that joined an in-flight call receives that call's result.
func (d *Driver) Replicate(ctx context.Context, req Request, rdb *refdb.Refdb, store objectstore.Store, refStorer storer.ReferenceStorer, trk *tracking.Graph) (*Result, error) {
	correlationID := uuid.NewString()
	log := d.log.WithValues("correlation_id", correlationID, "urn", req.Project.String(), "remote", req.Remote.String())

	if !d.limits.AllowFetch(req.Remote, req.Project.ID) {
		return nil, rerrors.Policy("replicate", fmt.Errorf("fetch rate limit exceeded for peer %s", req.Remote.String()))
	}
	if !d.limits.StorageErrorAllowed(req.Remote) {
		return nil, rerrors.Policy("replicate", fmt.Errorf("storage-error budget exhausted for peer %s", req.Remote.String()))
	}

	key := req.Project.ID.String() + "/" + req.Remote.String()
	v, err, shared := d.inflight.Do(key, func() (any, error) {
		return d.run(ctx, req, log, rdb, store, refStorer, trk)
	})
	if shared {
		log.V(1).Info("joined in-flight replication")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (d *Driver) run(ctx context.Context, req Request, log logr.Logger, rdb *refdb.Refdb, store objectstore.Store, refStorer storer.ReferenceStorer, trk *tracking.Graph) (*Result, error) {
	conn, err := d.dialer.Dial(ctx, req.Remote, req.AddrHints)
	if err != nil {
		d.limits.RecordStorageError(req.Remote)
		return nil, rerrors.Transport("replicate.dial", err)
	}
	defer conn.Close()

	limits := req.Limits
	if limits == (fetch.Limits{}) {
		limits = fetch.DefaultLimits
	}

	sm := fetch.New(fetch.Config{
		Project:         req.Project,
		Remote:          req.Remote,
		Local:           d.local,
		Limits:          limits,
		MaxHistoryDepth: d.maxHistoryDepth,
	}, log, conn, rdb, store, refStorer, trk, d.signer)

	result, err := sm.Run(ctx)
	if err != nil {
		if cat, ok := rerrors.CategoryOf(err); ok && cat == rerrors.CategoryStorage {
			d.limits.RecordStorageError(req.Remote)
		}
		log.Error(err, "replication aborted", "state", sm.State().String())
		return nil, err
	}

	log.Info("replication complete",
		"applied", len(result.Applied),
		"rejected", len(result.Rejected),
		"newly_tracked", len(result.NewlyTracked),
		"dropped", len(result.DroppedPeers),
	)
	return result, nil
}
