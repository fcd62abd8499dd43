// Package nano implements the small subset of Nano wallet operations the
// consolidation engine needs: seed handling, key derivation, address codec,
// state block hashing and signing, and proof-of-work validation.
package nano

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

const (
	// AddressPrefix is the canonical account prefix.
	AddressPrefix = "nano_"
	legacyPrefix  = "xrb_"
	alphabet      = "13456789abcdefghijkmnopqrstuwxyz"
)

var (
	// ErrInvalidSeed is returned for seeds that are not 32 hex-encoded bytes.
	ErrInvalidSeed = errors.New("nano: seed must be 64 hex characters")
	// ErrInvalidAddress is returned when an account string cannot be decoded.
	ErrInvalidAddress = errors.New("nano: invalid address")
)

// Key is a derived account key pair.
type Key struct {
	private [32]byte
	public  [32]byte
}

// GenerateSeed returns a fresh random wallet seed in upper-case hex.
func GenerateSeed() (string, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("nano: read random seed: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(seed[:])), nil
}

// DeriveKey derives the account key at index from a hex seed.
func DeriveKey(seed string, index uint32) (*Key, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(seed))
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidSeed
	}
	h, _ := blake2b.New256(nil)
	h.Write(raw)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	h.Write(idx[:])

	k := &Key{}
	copy(k.private[:], h.Sum(nil))
	pub, err := publicFromPrivate(k.private)
	if err != nil {
		return nil, err
	}
	k.public = pub
	return k, nil
}

// PublicKey returns the raw 32-byte public key.
func (k *Key) PublicKey() [32]byte { return k.public }

// PublicKeyHex returns the upper-case hex public key, which doubles as the
// work root of an unopened account.
func (k *Key) PublicKeyHex() string {
	return strings.ToUpper(hex.EncodeToString(k.public[:]))
}

// Address returns the nano_ encoded account for this key.
func (k *Key) Address() string { return EncodeAddress(k.public) }

// EncodeAddress encodes a public key as a nano_ account string.
func EncodeAddress(pub [32]byte) string {
	var b strings.Builder
	b.Grow(len(AddressPrefix) + 60)
	b.WriteString(AddressPrefix)

	// 4 zero padding bits followed by 256 key bits form 52 base32 digits.
	padded := make([]byte, 33)
	copy(padded[1:], pub[:])
	b.WriteString(encodeBits(padded, 52))

	sum := checksum(pub)
	b.WriteString(encodeBits(sum[:], 8))
	return b.String()
}

// DecodeAddress parses a nano_ or xrb_ account string and verifies its checksum.
func DecodeAddress(addr string) ([32]byte, error) {
	var pub [32]byte
	addr = strings.TrimSpace(addr)
	var body string
	switch {
	case strings.HasPrefix(addr, AddressPrefix):
		body = addr[len(AddressPrefix):]
	case strings.HasPrefix(addr, legacyPrefix):
		body = addr[len(legacyPrefix):]
	default:
		return pub, ErrInvalidAddress
	}
	if len(body) != 60 {
		return pub, ErrInvalidAddress
	}
	keyBits, err := decodeBits(body[:52], 33)
	if err != nil || keyBits[0] != 0 {
		return pub, ErrInvalidAddress
	}
	copy(pub[:], keyBits[1:])

	sumBits, err := decodeBits(body[52:], 5)
	if err != nil {
		return pub, ErrInvalidAddress
	}
	want := checksum(pub)
	if string(sumBits) != string(want[:]) {
		return pub, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return pub, nil
}

// NormalizeAddress rewrites legacy xrb_ accounts to the nano_ prefix after
// validating them.
func NormalizeAddress(addr string) (string, error) {
	pub, err := DecodeAddress(addr)
	if err != nil {
		return "", err
	}
	return EncodeAddress(pub), nil
}

func checksum(pub [32]byte) [5]byte {
	h, _ := blake2b.New(5, nil)
	h.Write(pub[:])
	digest := h.Sum(nil)
	var out [5]byte
	for i := range out {
		out[i] = digest[4-i]
	}
	return out
}

// encodeBits renders the low 5*digits bits of buf as base32 digits, most
// significant first.
func encodeBits(buf []byte, digits int) string {
	out := make([]byte, digits)
	for i := 0; i < digits; i++ {
		bitPos := (digits - 1 - i) * 5
		out[i] = alphabet[readBits(buf, bitPos)]
	}
	return string(out)
}

func decodeBits(s string, size int) ([]byte, error) {
	buf := make([]byte, size)
	digits := len(s)
	for i := 0; i < digits; i++ {
		v := strings.IndexByte(alphabet, s[i])
		if v < 0 {
			return nil, ErrInvalidAddress
		}
		bitPos := (digits - 1 - i) * 5
		for b := 0; b < 5; b++ {
			if v&(1<<b) == 0 {
				continue
			}
			pos := bitPos + b
			idx := size - 1 - pos/8
			if idx < 0 {
				return nil, ErrInvalidAddress
			}
			buf[idx] |= 1 << (pos % 8)
		}
	}
	return buf, nil
}

// readBits returns the 5-bit group starting at bit offset pos, counting from
// the least significant bit of the big-endian buffer.
func readBits(buf []byte, pos int) int {
	v := 0
	for b := 0; b < 5; b++ {
		p := pos + b
		idx := len(buf) - 1 - p/8
		if idx < 0 {
			continue
		}
		if buf[idx]&(1<<(p%8)) != 0 {
			v |= 1 << b
		}
	}
	return v
}

func expandPrivate(private [32]byte) (*edwards25519.Scalar, []byte, error) {
	digest := blake2b.Sum512(private[:])
	s, err := edwards25519.NewScalar().SetBytesWithClamping(digest[:32])
	if err != nil {
		return nil, nil, fmt.Errorf("nano: clamp private scalar: %w", err)
	}
	return s, digest[32:], nil
}

func publicFromPrivate(private [32]byte) ([32]byte, error) {
	var pub [32]byte
	s, _, err := expandPrivate(private)
	if err != nil {
		return pub, err
	}
	copy(pub[:], new(edwards25519.Point).ScalarBaseMult(s).Bytes())
	return pub, nil
}
