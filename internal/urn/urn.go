// Package urn implements the content-addressed project identifier used
// throughout the replication engine: a ProjectId, optionally qualified by a
// ref path when it addresses a specific ref of a project.
package urn

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// codec is an arbitrary CID codec value reserved for project identities.
// It has no meaning beyond distinguishing our identifiers from other CID
// users sharing the same multihash table.
const codec = 0x8f5522

// Urn identifies a project, optionally qualified by a path pointing at a
// specific ref within it. Two Urns with the same ID but different Path
// address different refs of the same project; Path == "" addresses the
// project itself.
type Urn struct {
	ID   cid.Cid
	Path string
}

// New derives a Urn from arbitrary identity bytes (e.g. a signed identity
// document digest). The ID is content-addressed with blake3.
func New(identity []byte) (Urn, error) {
	sum := blake3.Sum256(identity)
	mh, err := multihash.Encode(sum[:], multihash.BLAKE3)
	if err != nil {
		return Urn{}, fmt.Errorf("urn: encode multihash: %w", err)
	}
	return Urn{ID: cid.NewCidV1(codec, mh)}, nil
}

// WithPath returns a copy of u qualified by path.
func (u Urn) WithPath(path string) Urn {
	return Urn{ID: u.ID, Path: path}
}

// Project returns the unqualified project identifier (path stripped).
func (u Urn) Project() Urn {
	return Urn{ID: u.ID}
}

// String renders the URN as "rad:<cid>" or "rad:<cid>/<path>".
func (u Urn) String() string {
	if u.Path == "" {
		return "rad:" + u.ID.String()
	}
	return "rad:" + u.ID.String() + "/" + u.Path
}

// Equal reports whether u and other address the same project and path.
func (u Urn) Equal(other Urn) bool {
	return u.ID.Equals(other.ID) && u.Path == other.Path
}

// Less gives Urn a total, byte-wise order so waiting-room tie-breaks are
// deterministic: stable within ties by project id byte order.
func (u Urn) Less(other Urn) bool {
	a, b := u.ID.Bytes(), other.ID.Bytes()
	switch {
	case len(a) != len(b):
		return len(a) < len(b)
	default:
		for i := range a {
			if a[i] != b[i] {
				return a[i] < b[i]
			}
		}
		return u.Path < other.Path
	}
}

// Parse reconstructs a Urn from its String() representation.
func Parse(s string) (Urn, error) {
	s = strings.TrimPrefix(s, "rad:")
	id, rest, _ := strings.Cut(s, "/")
	c, err := cid.Decode(id)
	if err != nil {
		return Urn{}, fmt.Errorf("urn: parse %q: %w", s, err)
	}
	return Urn{ID: c, Path: rest}, nil
}

// MarshalText implements encoding.TextMarshaler for JSON/YAML round-tripping.
func (u Urn) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Urn) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Oid is a git object id: a 20-byte SHA-1-shaped content hash. Announcements
// carry the Oid a peer has for a given ref.
type Oid [20]byte

// ErrInvalidOid is returned by ParseOid for malformed hex input.
var ErrInvalidOid = errors.New("urn: invalid oid")

// ParseOid decodes a 40-character hex string into an Oid.
func ParseOid(s string) (Oid, error) {
	var o Oid
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(o) {
		return Oid{}, ErrInvalidOid
	}
	copy(o[:], b)
	return o, nil
}

// OidFromBlake3 derives a synthetic Oid from arbitrary content, truncating
// a blake3 digest to 20 bytes. Used where refs are backed by content that
// isn't itself git-hashed (tests, non-git ref sources).
func OidFromBlake3(content []byte) Oid {
	sum := blake3.Sum256(content)
	var o Oid
	copy(o[:], sum[:len(o)])
	return o
}

func (o Oid) String() string {
	return hex.EncodeToString(o[:])
}

func (o Oid) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Oid) UnmarshalText(text []byte) error {
	parsed, err := ParseOid(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
