package nano

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// ZeroHash is the previous field of an account's open block.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

var maxBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Block subtypes accepted by the process action.
const (
	SubtypeSend    = "send"
	SubtypeReceive = "receive"
	SubtypeOpen    = "open"
)

// StateBlock is a universal state block. Hash-like fields are hex strings and
// Balance is the raw amount after this block.
type StateBlock struct {
	Account        string
	Previous       string
	Representative string
	Balance        *big.Int
	Link           string
	Signature      string
	Work           string
}

// ParseRaw parses a decimal raw amount. The empty string is zero.
func ParseRaw(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("nano: invalid raw amount %q", s)
	}
	return v, nil
}

// Hash returns the block hash as upper-case hex.
func (b *StateBlock) Hash() (string, error) {
	digest, err := b.hashBytes()
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(digest)), nil
}

func (b *StateBlock) hashBytes() ([]byte, error) {
	account, err := DecodeAddress(b.Account)
	if err != nil {
		return nil, fmt.Errorf("nano: block account: %w", err)
	}
	rep, err := DecodeAddress(b.Representative)
	if err != nil {
		return nil, fmt.Errorf("nano: block representative: %w", err)
	}
	previous, err := decodeHash(b.Previous)
	if err != nil {
		return nil, fmt.Errorf("nano: block previous: %w", err)
	}
	link, err := decodeHash(b.Link)
	if err != nil {
		return nil, fmt.Errorf("nano: block link: %w", err)
	}
	if b.Balance == nil || b.Balance.Sign() < 0 || b.Balance.Cmp(maxBalance) > 0 {
		return nil, errors.New("nano: block balance out of range")
	}
	var balance [16]byte
	b.Balance.FillBytes(balance[:])

	var preamble [32]byte
	preamble[31] = 6

	h, _ := blake2b.New256(nil)
	h.Write(preamble[:])
	h.Write(account[:])
	h.Write(previous[:])
	h.Write(rep[:])
	h.Write(balance[:])
	h.Write(link[:])
	return h.Sum(nil), nil
}

// Sign sets the block signature using key, which must own the block account.
func (b *StateBlock) Sign(key *Key) error {
	if key == nil {
		return errors.New("nano: nil signing key")
	}
	if key.Address() != b.Account {
		owner, err := NormalizeAddress(b.Account)
		if err != nil || owner != key.Address() {
			return errors.New("nano: signing key does not own block account")
		}
	}
	digest, err := b.hashBytes()
	if err != nil {
		return err
	}
	sig, err := sign(key.private, digest)
	if err != nil {
		return err
	}
	b.Signature = strings.ToUpper(hex.EncodeToString(sig[:]))
	return nil
}

// JSON returns the block in the node's json_block representation.
func (b *StateBlock) JSON() map[string]string {
	link := strings.ToUpper(b.Link)
	out := map[string]string{
		"type":           "state",
		"account":        b.Account,
		"previous":       strings.ToUpper(b.Previous),
		"representative": b.Representative,
		"balance":        b.Balance.String(),
		"link":           link,
		"signature":      b.Signature,
		"work":           strings.ToLower(b.Work),
	}
	if pub, err := decodeHash(link); err == nil {
		out["link_as_account"] = EncodeAddress(pub)
	}
	return out
}

// LinkForAccount returns the hex link field that sends to addr.
func LinkForAccount(addr string) (string, error) {
	pub, err := DecodeAddress(addr)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(pub[:])), nil
}

// Verify checks an ed25519-blake2b signature over msg.
func Verify(pub [32]byte, msg []byte, sig [64]byte) bool {
	A, err := new(edwards25519.Point).SetBytes(pub[:])
	if err != nil {
		return false
	}
	S, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}
	h, _ := blake2b.New512(nil)
	h.Write(sig[:32])
	h.Write(pub[:])
	h.Write(msg)
	k, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return false
	}
	minusA := new(edwards25519.Point).Negate(A)
	R := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(k, minusA, S)
	return string(R.Bytes()) == string(sig[:32])
}

func sign(private [32]byte, msg []byte) ([64]byte, error) {
	var sig [64]byte
	s, prefix, err := expandPrivate(private)
	if err != nil {
		return sig, err
	}
	pub := new(edwards25519.Point).ScalarBaseMult(s).Bytes()

	rh, _ := blake2b.New512(nil)
	rh.Write(prefix)
	rh.Write(msg)
	r, err := edwards25519.NewScalar().SetUniformBytes(rh.Sum(nil))
	if err != nil {
		return sig, fmt.Errorf("nano: nonce scalar: %w", err)
	}
	R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	kh, _ := blake2b.New512(nil)
	kh.Write(R)
	kh.Write(pub)
	kh.Write(msg)
	k, err := edwards25519.NewScalar().SetUniformBytes(kh.Sum(nil))
	if err != nil {
		return sig, fmt.Errorf("nano: challenge scalar: %w", err)
	}
	S := edwards25519.NewScalar().MultiplyAdd(k, s, r)

	copy(sig[:32], R)
	copy(sig[32:], S.Bytes())
	return sig, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
