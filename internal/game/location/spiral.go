package location

// SpiralState is the restartable cursor of the outward square spiral.
type SpiralState struct {
	X     int64  `json:"x"`
	Y     int64  `json:"y"`
	DX    int64  `json:"dx"`
	DY    int64  `json:"dy"`
	Index uint64 `json:"index"`
}

// SpiralNext advances one step. A nil state yields the origin heading down (0,-1).
// Coordinates come out ring by ring in increasing Chebyshev distance.
func SpiralNext(s *SpiralState) SpiralState {
	if s == nil {
		return SpiralState{X: 0, Y: 0, DX: 0, DY: -1, Index: 0}
	}
	n := SpiralState{X: s.X + s.DX, Y: s.Y + s.DY, DX: s.DX, DY: s.DY, Index: s.Index + 1}
	x, y := n.X, n.Y
	if (x == 0 && y == -1) || x == y || (x < 0 && x == -y) || (x > 0 && -x-1 == y) {
		n.DX, n.DY = n.DY, -n.DX
	}
	return n
}

// Spiral returns the first n coordinates of the spiral starting at the origin.
func Spiral(n int) []Coord {
	out := make([]Coord, 0, n)
	var cur *SpiralState
	for i := 0; i < n; i++ {
		next := SpiralNext(cur)
		out = append(out, Coord{X: next.X, Y: next.Y})
		cur = &next
	}
	return out
}

// SpiralFrom continues an existing cursor for n more coordinates and returns the new cursor.
func SpiralFrom(cur *SpiralState, n int) ([]Coord, SpiralState) {
	out := make([]Coord, 0, n)
	var last SpiralState
	for i := 0; i < n; i++ {
		last = SpiralNext(cur)
		out = append(out, Coord{X: last.X, Y: last.Y})
		cur = &last
	}
	return out, last
}
