// Package signer implements the replication engine's §6 "Signer
// contract (IN)": sign(bytes) -> Signature, public_key() -> PublicKey,
// possibly backed by an SSH agent. The teacher's internal/ssh/auth.go
// builds a go-git transport.AuthMethod from a private key or an
// ssh-agent socket for pushing commits; this package adapts the same
// ssh-agent idiom to a narrower job — producing raw Ed25519 signatures
// over identity-document and signed-refs pre-images rather than
// authenticating a git transport session.
package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/radicle-link/replica/internal/peer"
)

// Signer is the contract the identity engine and refdb's signed-refs
// computation sign against (spec §6). It mirrors
// internal/refdb.Signer structurally — Go interfaces are duck-typed, so
// any Signer value here already satisfies that local interface without
// an adapter.
type Signer interface {
	PeerId() peer.PeerId
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// Local signs in-process with an Ed25519 private key held in memory.
type Local struct {
	priv ed25519.PrivateKey
	id   peer.PeerId
}

// NewLocal wraps priv as a Signer, deriving its PeerId.
func NewLocal(priv ed25519.PrivateKey) (*Local, error) {
	id, err := peer.FromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	return &Local{priv: priv, id: id}, nil
}

func (l *Local) PeerId() peer.PeerId { return l.id }

func (l *Local) Sign(ctx context.Context, data []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return ed25519.Sign(l.priv, data), nil
}

// Agent signs through an ssh-agent, for the common case of a node whose
// signing key lives only in an agent (or hardware token behind one) and
// never touches process memory. Only Ed25519 agent keys are supported,
// since PeerId is defined only for that key type (spec §3.1).
type Agent struct {
	client agent.ExtendedAgent
	key    gossh.PublicKey
	id     peer.PeerId
}

// NewAgent selects a key from an already-connected agent client. If
// comment is non-empty, the first Ed25519 key whose agent-reported
// comment matches is used; otherwise the first Ed25519 key offered by
// the agent is used. Returns an error if the agent offers no matching
// Ed25519 key.
func NewAgent(client agent.ExtendedAgent, comment string) (*Agent, error) {
	keys, err := client.List()
	if err != nil {
		return nil, fmt.Errorf("signer: listing agent keys: %w", err)
	}

	for _, k := range keys {
		if k.Type() != gossh.KeyAlgoED25519 {
			continue
		}
		if comment != "" && k.Comment != comment {
			continue
		}

		pub, err := parseEd25519(k)
		if err != nil {
			continue
		}
		id, err := peer.FromPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
		return &Agent{client: client, key: k, id: id}, nil
	}
	return nil, fmt.Errorf("signer: agent has no matching ed25519 key")
}

func parseEd25519(k *agent.Key) (ed25519.PublicKey, error) {
	pk, err := gossh.ParsePublicKey(k.Blob)
	if err != nil {
		return nil, err
	}
	cpk, ok := pk.(gossh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("signer: agent key does not expose a crypto public key")
	}
	pub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signer: agent key is not ed25519")
	}
	return pub, nil
}

func (a *Agent) PeerId() peer.PeerId { return a.id }

// Sign asks the agent to sign data, unwrapping the ssh-ed25519 envelope
// down to the raw 64-byte Ed25519 signature ed25519.Verify expects.
func (a *Agent) Sign(ctx context.Context, data []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sig, err := a.client.SignWithFlags(a.key, data, 0)
	if err != nil {
		return nil, fmt.Errorf("signer: agent sign: %w", err)
	}
	if sig.Format != gossh.KeyAlgoED25519 {
		return nil, fmt.Errorf("signer: agent returned unexpected signature format %q", sig.Format)
	}
	return sig.Blob, nil
}
