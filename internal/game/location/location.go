// Package location packs signed planet coordinates into the 256-bit location ids the
// ledger uses, and derives the coarse area/zone tiles used to batch spatial queries.
package location

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Coord is a planet coordinate. Each axis is an int128 on the ledger; the playable
// universe fits comfortably in int64.
type Coord struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

func (c Coord) String() string { return fmt.Sprintf("%d,%d", c.X, c.Y) }

// ID is the packed location id: y in the high 128 bits, x in the low 128 bits,
// both two's complement.
type ID struct {
	u uint256.Int
}

func signExt(v int64) uint64 {
	if v < 0 {
		return ^uint64(0)
	}
	return 0
}

func Pack(x, y int64) ID {
	var id ID
	id.u[0] = uint64(x)
	id.u[1] = signExt(x)
	id.u[2] = uint64(y)
	id.u[3] = signExt(y)
	return id
}

func PackCoord(c Coord) ID { return Pack(c.X, c.Y) }

// Unpack is exact for ids produced by Pack. Ids whose halves do not fit int64 are a
// caller contract violation and are truncated.
func (id ID) Unpack() (x, y int64) {
	return int64(id.u[0]), int64(id.u[2])
}

func (id ID) Coord() Coord {
	x, y := id.Unpack()
	return Coord{X: x, Y: y}
}

func (id ID) IsZero() bool { return id.u.IsZero() }

func (id ID) Uint256() *uint256.Int { return new(uint256.Int).Set(&id.u) }

func (id ID) Big() *big.Int { return id.u.ToBig() }

func (id ID) Bytes32() [32]byte { return id.u.Bytes32() }

func (id ID) Hex() string { return id.u.Hex() }

// String returns the decimal form, which is also the persisted form.
func (id ID) String() string { return id.u.Dec() }

func FromBig(b *big.Int) (ID, error) {
	var id ID
	if b == nil || b.Sign() < 0 {
		return id, fmt.Errorf("location id must be a non-negative integer")
	}
	if overflow := id.u.SetFromBig(b); overflow {
		return id, fmt.Errorf("location id overflows 256 bits")
	}
	return id, nil
}

// Parse accepts a decimal or 0x-prefixed hex id, or an "x,y" coordinate pair.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, fmt.Errorf("empty location")
	}
	if i := strings.IndexByte(s, ','); i > 0 {
		c, err := ParseCoord(s)
		if err != nil {
			return ID{}, err
		}
		return PackCoord(c), nil
	}
	b, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return ID{}, fmt.Errorf("bad location id %q", s)
	}
	return FromBig(b)
}

func ParseCoord(s string) (Coord, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Coord{}, fmt.Errorf("bad coordinate %q (want x,y)", s)
	}
	var c Coord
	if _, err := fmt.Sscan(strings.TrimSpace(parts[0]), &c.X); err != nil {
		return Coord{}, fmt.Errorf("bad x in %q: %w", s, err)
	}
	if _, err := fmt.Sscan(strings.TrimSpace(parts[1]), &c.Y); err != nil {
		return Coord{}, fmt.Errorf("bad y in %q: %w", s, err)
	}
	return c, nil
}

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
