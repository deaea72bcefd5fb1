package location

import "testing"

func TestAreaEdges(t *testing.T) {
	tests := []struct {
		v    int64
		want int64
	}{
		{0, 0}, {11, 0}, {12, 1}, {35, 1}, {36, 2},
		{-11, 0}, {-12, -1}, {-35, -1}, {-36, -2},
	}
	for _, tc := range tests {
		got := AreaOf(tc.v, 0).X
		if got != tc.want {
			t.Fatalf("AreaOf(%d).X = %d, want %d", tc.v, got, tc.want)
		}
		if got := AreaOf(0, tc.v).Y; got != tc.want {
			t.Fatalf("AreaOf(0,%d).Y = %d, want %d", tc.v, got, tc.want)
		}
	}
	if AreaOf(11, 11) != AreaOf(0, 0) {
		t.Fatalf("(11,11) should share the origin area")
	}
	if AreaOf(12, 12) == AreaOf(0, 0) {
		t.Fatalf("(12,12) starts the next area")
	}
	if AreaOf(-12, -12) != (Tile{X: -1, Y: -1}) {
		t.Fatalf("AreaOf(-12,-12) = %+v", AreaOf(-12, -12))
	}
}

func TestZoneEdges(t *testing.T) {
	tests := []struct {
		v    int64
		want int64
	}{
		{31, 0}, {32, 1}, {95, 1}, {96, 2},
		{-31, 0}, {-32, -1}, {-95, -1}, {-96, -2},
	}
	for _, tc := range tests {
		if got := ZoneOf(tc.v, tc.v); got != (Tile{X: tc.want, Y: tc.want}) {
			t.Fatalf("ZoneOf(%d,%d) = %+v, want %d", tc.v, tc.v, got, tc.want)
		}
	}
}

func TestNeighborhoodSizes(t *testing.T) {
	a := AreaNeighborhood(0, 0)
	if len(a) != 9 {
		t.Fatalf("area neighborhood = %d tiles", len(a))
	}
	if a[4] != AreaOf(0, 0) {
		t.Fatalf("center tile = %+v", a[4])
	}
	z := ZoneNeighborhood(100, -100)
	if len(z) != 25 {
		t.Fatalf("zone neighborhood = %d tiles", len(z))
	}
	if z[12] != ZoneOf(100, -100) {
		t.Fatalf("center zone = %+v", z[12])
	}
}

func TestBoundsAgreeWithTileOf(t *testing.T) {
	for tx := int64(-3); tx <= 3; tx++ {
		tile := Tile{X: tx, Y: -tx}
		min, max := AreaBounds(tile)
		for _, c := range []Coord{min, max, {X: min.X, Y: max.Y}} {
			if got := AreaOf(c.X, c.Y); got != tile {
				t.Fatalf("AreaOf(%v) = %+v, want %+v", c, got, tile)
			}
		}
		if got := AreaOf(max.X+1, max.Y); got == tile {
			t.Fatalf("coordinate past max still in tile %+v", tile)
		}
		zmin, zmax := ZoneBounds(tile)
		if ZoneOf(zmin.X, zmin.Y) != tile || ZoneOf(zmax.X, zmax.Y) != tile {
			t.Fatalf("zone bounds %v..%v not inside %+v", zmin, zmax, tile)
		}
	}
}
