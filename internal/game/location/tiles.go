package location

const (
	AreaSize   = 24
	AreaOffset = 12
	ZoneSize   = 64
	ZoneOffset = 32
)

// Tile is an area or zone index.
type Tile struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// tileCoord rounds toward the nearest tile center with a sign-aware offset so tiling
// is symmetric around the origin. Tile 0 spans [-off+1, off-1].
func tileCoord(v, off, size int64) int64 {
	if v >= 0 {
		return (v + off) / size
	}
	return -((-v + off) / size)
}

func AreaOf(x, y int64) Tile {
	return Tile{X: tileCoord(x, AreaOffset, AreaSize), Y: tileCoord(y, AreaOffset, AreaSize)}
}

func ZoneOf(x, y int64) Tile {
	return Tile{X: tileCoord(x, ZoneOffset, ZoneSize), Y: tileCoord(y, ZoneOffset, ZoneSize)}
}

// AreaNeighborhood returns the 3x3 areas around the area containing (x, y), row by row.
func AreaNeighborhood(x, y int64) []Tile {
	return neighborhood(AreaOf(x, y), 1)
}

// ZoneNeighborhood returns the 5x5 zones around the zone containing (x, y).
func ZoneNeighborhood(x, y int64) []Tile {
	return neighborhood(ZoneOf(x, y), 2)
}

func neighborhood(c Tile, r int64) []Tile {
	out := make([]Tile, 0, (2*r+1)*(2*r+1))
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			out = append(out, Tile{X: c.X + dx, Y: c.Y + dy})
		}
	}
	return out
}

func axisBounds(t, off, size int64) (lo, hi int64) {
	switch {
	case t > 0:
		return t*size - off, t*size + off - 1
	case t < 0:
		return t*size - off + 1, t*size + off
	default:
		return -off + 1, off - 1
	}
}

// AreaBounds returns the inclusive coordinate range covered by an area tile.
func AreaBounds(t Tile) (min, max Coord) {
	min.X, max.X = axisBounds(t.X, AreaOffset, AreaSize)
	min.Y, max.Y = axisBounds(t.Y, AreaOffset, AreaSize)
	return min, max
}

func ZoneBounds(t Tile) (min, max Coord) {
	min.X, max.X = axisBounds(t.X, ZoneOffset, ZoneSize)
	min.Y, max.Y = axisBounds(t.Y, ZoneOffset, ZoneSize)
	return min, max
}
