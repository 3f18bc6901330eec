// Package peer implements PeerId, the public-key-derived node identifier
// described in spec §3.1. Two string encodings exist and must round-trip:
// a canonical multibase form (used on the wire and in ref names) and a
// "DNS-name" form (alphanumeric + hyphen only, safe as a DNS label or a
// git ref component).
package peer

import (
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// keyTypeEd25519 tags the encoded bytes with a key-type discriminant so a
// future key type can be added without breaking decoders of the current
// one — mirrors the version-tag byte the original Rust PeerId prefixes
// its key bytes with.
const keyTypeEd25519 byte = 0x01

// PeerId identifies a node by its Ed25519 public signing key.
type PeerId struct {
	pub ed25519.PublicKey
}

var (
	// ErrInvalidLength is returned when decoded bytes don't match a known
	// key type's expected length.
	ErrInvalidLength = errors.New("peer: invalid encoded key length")
	// ErrUnknownKeyType is returned for a recognized envelope whose
	// type tag this implementation does not understand.
	ErrUnknownKeyType = errors.New("peer: unknown key type")
	// ErrUnknownEncoding is returned when a string carries neither a
	// recognized multibase prefix nor a recognized DNS-name prefix.
	ErrUnknownEncoding = errors.New("peer: unrecognized encoding")
)

// Zero is the zero-value PeerId; IsZero reports whether a value equals it.
var Zero = PeerId{}

// FromPublicKey wraps an Ed25519 public key as a PeerId.
func FromPublicKey(pub ed25519.PublicKey) (PeerId, error) {
	if len(pub) != ed25519.PublicKeySize {
		return PeerId{}, ErrInvalidLength
	}
	cp := make(ed25519.PublicKey, len(pub))
	copy(cp, pub)
	return PeerId{pub: cp}, nil
}

// FromPrivateKey derives the PeerId for a private key held by this process.
func FromPrivateKey(priv ed25519.PrivateKey) (PeerId, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return PeerId{}, ErrInvalidLength
	}
	return FromPublicKey(pub)
}

// PublicKey returns the underlying Ed25519 public key.
func (p PeerId) PublicKey() ed25519.PublicKey { return p.pub }

// IsZero reports whether p is the zero value.
func (p PeerId) IsZero() bool { return len(p.pub) == 0 }

// Equal reports whether p and o encode the same public key.
func (p PeerId) Equal(o PeerId) bool {
	return ed25519.PublicKey(p.pub).Equal(ed25519.PublicKey(o.pub))
}

func (p PeerId) envelope() []byte {
	buf := make([]byte, 0, 1+len(p.pub))
	buf = append(buf, keyTypeEd25519)
	buf = append(buf, p.pub...)
	return buf
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(b []byte) string {
	zero := big.NewInt(0)
	radix := big.NewInt(58)
	mod := new(big.Int)
	x := new(big.Int).SetBytes(b)

	var out []byte
	for x.Cmp(zero) > 0 {
		x.DivMod(x, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	// preserve leading zero bytes as leading '1's, matching base58btc
	for _, bb := range b {
		if bb != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) == 0 {
		return string(base58Alphabet[0])
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	x := big.NewInt(0)
	radix := big.NewInt(58)
	for _, c := range s {
		idx := strings.IndexRune(base58Alphabet, c)
		if idx < 0 {
			return nil, fmt.Errorf("peer: invalid base58 character %q", c)
		}
		x.Mul(x, radix)
		x.Add(x, big.NewInt(int64(idx)))
	}
	decoded := x.Bytes()

	// restore leading zero bytes that were encoded as leading '1's
	leadingZeros := 0
	for _, c := range s {
		if c != rune(base58Alphabet[0]) {
			break
		}
		leadingZeros++
	}
	out := make([]byte, leadingZeros+len(decoded))
	copy(out[leadingZeros:], decoded)
	return out, nil
}

// multibasePrefix tags the canonical form with the base58btc multibase
// code point ('z'); the dns prefix 'h' tags the DNS-safe lowercase
// base32 form.
const (
	multibasePrefix = "z"
	dnsPrefix       = "h"
)

var dnsEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// String returns the canonical multibase encoding: "z" + base58btc(tag ||
// pubkey).
func (p PeerId) String() string {
	if p.IsZero() {
		return ""
	}
	return multibasePrefix + base58Encode(p.envelope())
}

// DNSName returns a DNS-label-safe and git-ref-safe encoding: "h" +
// lowercase base32 (RFC 4648, no padding) of the same envelope. Both forms
// decode to the same PeerId.
func (p PeerId) DNSName() string {
	if p.IsZero() {
		return ""
	}
	return dnsPrefix + strings.ToLower(dnsEncoding.EncodeToString(p.envelope()))
}

func fromEnvelope(env []byte) (PeerId, error) {
	if len(env) == 0 {
		return PeerId{}, ErrInvalidLength
	}
	switch env[0] {
	case keyTypeEd25519:
		if len(env) != 1+ed25519.PublicKeySize {
			return PeerId{}, ErrInvalidLength
		}
		return FromPublicKey(ed25519.PublicKey(env[1:]))
	default:
		return PeerId{}, ErrUnknownKeyType
	}
}

// Parse decodes either the canonical multibase form or the DNS-name form,
// dispatching on the leading code point.
func Parse(s string) (PeerId, error) {
	if len(s) < 2 {
		return PeerId{}, ErrUnknownEncoding
	}
	switch s[:1] {
	case multibasePrefix:
		env, err := base58Decode(s[1:])
		if err != nil {
			return PeerId{}, err
		}
		return fromEnvelope(env)
	case dnsPrefix:
		return ParseDNSName(s)
	default:
		return PeerId{}, ErrUnknownEncoding
	}
}

// ParseDNSName decodes the "h"-prefixed DNS-name form specifically.
func ParseDNSName(s string) (PeerId, error) {
	if len(s) < 2 || s[:1] != dnsPrefix {
		return PeerId{}, ErrUnknownEncoding
	}
	env, err := dnsEncoding.DecodeString(strings.ToUpper(s[1:]))
	if err != nil {
		return PeerId{}, fmt.Errorf("peer: invalid dns-name encoding: %w", err)
	}
	return fromEnvelope(env)
}
