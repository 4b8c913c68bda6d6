package codec

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/mr-tron/base58"
)

// Account framing shared by every program account.
const (
	headPadding = "serum"
	tailPadding = "padding"

	headPaddingLen = len(headPadding)
	tailPaddingLen = len(tailPadding)
	accountFlagLen = 8
)

// Account flag bits.
const (
	FlagInitialized  uint64 = 1 << 0
	FlagMarket       uint64 = 1 << 1
	FlagOpenOrders   uint64 = 1 << 2
	FlagRequestQueue uint64 = 1 << 3
	FlagEventQueue   uint64 = 1 << 4
	FlagBids         uint64 = 1 << 5
	FlagAsks         uint64 = 1 << 6
)

var le = binary.LittleEndian

// unwrapAccount checks the framing markers and the account flags, returning the
// flags and the bytes between the flags and the tail marker.
func unwrapAccount(layout string, data []byte, required uint64) (uint64, []byte, error) {
	minLen := headPaddingLen + accountFlagLen + tailPaddingLen
	if len(data) < minLen {
		return 0, nil, decodeErr(layout, -1, "account length %d below minimum %d", len(data), minLen)
	}
	if !bytes.Equal(data[:headPaddingLen], []byte(headPadding)) {
		return 0, nil, decodeErr(layout, 0, "missing %q head marker", headPadding)
	}
	tail := len(data) - tailPaddingLen
	if !bytes.Equal(data[tail:], []byte(tailPadding)) {
		return 0, nil, decodeErr(layout, tail, "missing %q tail marker", tailPadding)
	}
	flags := le.Uint64(data[headPaddingLen:])
	if flags&required != required {
		return flags, nil, decodeErr(layout, headPaddingLen, "account flags %#x lack %#x", flags, required)
	}
	return flags, data[headPaddingLen+accountFlagLen : tail], nil
}

// u128String renders a little-endian 128-bit integer in base 10.
func u128String(b []byte) string {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[15-i] = b[i]
	}
	return new(big.Int).SetBytes(be).String()
}

// PublicKey is a 32-byte account address.
type PublicKey [32]byte

func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

// IsZero reports whether the key is unset.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return k, decodeErr("public key", -1, "invalid base58 %q: %v", s, err)
	}
	if len(raw) != len(k) {
		return k, decodeErr("public key", -1, "%q decodes to %d bytes", s, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

func readKey(b []byte) PublicKey {
	var k PublicKey
	copy(k[:], b[:32])
	return k
}
