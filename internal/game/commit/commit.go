// Package commit implements the commit-reveal hashing for fleets: the destination
// commitment ("toHash") and the fleet id derived from it.
//
// Both hashes are keccak256 over the standard ABI encoding of a static tuple, which is
// exactly what the ledger recomputes when a fleet is resolved.
package commit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"conquest.eth/internal/game/location"
)

// Secret is the 32-byte reveal secret. Losing it makes the fleet unresolvable.
type Secret [32]byte

func (s Secret) Hex() string { return "0x" + hex.EncodeToString(s[:]) }

func (s Secret) IsZero() bool { return s == Secret{} }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.Hex()), nil }

func (s *Secret) UnmarshalText(b []byte) error {
	v, err := ParseSecret(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSecret(str string) (Secret, error) {
	var s Secret
	raw := strings.TrimPrefix(strings.TrimSpace(str), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return s, fmt.Errorf("bad secret: %w", err)
	}
	if len(b) != len(s) {
		return s, fmt.Errorf("bad secret: want %d bytes, got %d", len(s), len(b))
	}
	copy(s[:], b)
	return s, nil
}

// GenerateSecret draws a fresh secret from crypto/rand.
func GenerateSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("generate secret: %w", err)
	}
	return s, nil
}

// Params are the auxiliary values bound into the destination commitment.
type Params struct {
	Gift              bool           `json:"gift"`
	Specific          common.Address `json:"specific"`
	ArrivalTimeWanted int64          `json:"arrival_time_wanted"`
}

var (
	toHashArgs  abi.Arguments
	fleetIDArgs abi.Arguments
)

func init() {
	bytes32, _ := abi.NewType("bytes32", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	boolT, _ := abi.NewType("bool", "", nil)
	addressT, _ := abi.NewType("address", "", nil)

	toHashArgs = abi.Arguments{
		{Name: "secret", Type: bytes32},
		{Name: "to", Type: uint256T},
		{Name: "gift", Type: boolT},
		{Name: "specific", Type: addressT},
		{Name: "arrivalTimeWanted", Type: uint256T},
	}
	fleetIDArgs = abi.Arguments{
		{Name: "toHash", Type: bytes32},
		{Name: "from", Type: uint256T},
		{Name: "fleetSender", Type: addressT},
		{Name: "operator", Type: addressT},
	}
}

// ToHash binds destination, secret and params:
// keccak256(abi.encode(secret, to, gift, specific, arrivalTimeWanted)).
func ToHash(to location.ID, secret Secret, p Params) common.Hash {
	enc, err := toHashArgs.Pack([32]byte(secret), to.Big(), p.Gift, p.Specific, uint256Of(p.ArrivalTimeWanted))
	if err != nil {
		// Only reachable if the static argument table is wrong.
		panic(fmt.Sprintf("commit: pack toHash: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// FleetID binds the commitment to its origin and authorizing parties:
// keccak256(abi.encode(toHash, from, fleetSender, operator)).
func FleetID(toHash common.Hash, from location.ID, sender, operator common.Address) common.Hash {
	enc, err := fleetIDArgs.Pack([32]byte(toHash), from.Big(), sender, operator)
	if err != nil {
		panic(fmt.Sprintf("commit: pack fleetId: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// Verify reports whether a reveal reproduces the committed hash.
func Verify(toHash common.Hash, to location.ID, secret Secret, p Params) bool {
	return ToHash(to, secret, p) == toHash
}

func uint256Of(v int64) *big.Int {
	if v < 0 {
		return new(big.Int)
	}
	return big.NewInt(v)
}
