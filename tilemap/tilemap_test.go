package tilemap

import (
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func loadTown(t *testing.T) *Map {
	t.Helper()
	f, err := os.Open("testdata/town.json")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	m, err := Load(f)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestLayersFlattened(t *testing.T) {
	m := loadTown(t)
	got := []string{}
	for l := range m.AllLayers() {
		got = append(got, l.Name)
	}
	if diff := cmp.Diff([]string{"ground", "upstairs", "doors", "floorLayer"}, got); diff != "" {
		t.Errorf("layer order mismatch (-want +got):\n%s", diff)
	}
}

func TestTileAtDense(t *testing.T) {
	m := loadTown(t)
	ground, found := m.FindLayer("ground")
	if !found {
		t.Fatal("no ground layer")
	}
	tests := []struct {
		x, y    int
		want    int
		present bool
	}{
		{0, 0, 1, true},
		{1, 1, 2, true},
		{3, 2, 3, true},
		{4, 0, 0, false},
		{-1, 0, 0, false},
		{0, 3, 0, false},
	}
	for _, tt := range tests {
		got, present := m.TileAt(ground, tt.x, tt.y)
		if got != tt.want || present != tt.present {
			t.Errorf("TileAt(ground, %v, %v) = %v, %v, want %v, %v", tt.x, tt.y, got, present, tt.want, tt.present)
		}
	}
}

func TestTileAtMasksFlipFlags(t *testing.T) {
	m := loadTown(t)
	doors, _ := m.FindLayer("doors")
	got, present := m.TileAt(doors, 3, 2)
	if !present || got != 3 {
		t.Errorf("got %v, %v, want 3, true", got, present)
	}
	if _, present := m.TileAt(doors, 0, 0); present {
		t.Error("zero should mean no tile")
	}
}

func TestChunkedMatchesDense(t *testing.T) {
	m, err := Parse([]byte(`{
  "width": 4, "height": 4, "tilewidth": 16, "tileheight": 16, "infinite": true,
  "layers": [
    {"name": "dense", "type": "tilelayer", "width": 4, "height": 4,
     "data": [0, 0, 0, 0,
              0, 0, 0, 0,
              0, 0, 5, 6,
              0, 0, 7, 8]},
    {"name": "chunked", "type": "tilelayer",
     "chunks": [
       {"x": 0, "y": 0, "width": 2, "height": 2, "data": [0, 0, 0, 0]},
       {"x": 2, "y": 2, "width": 2, "height": 2, "data": [5, 6, 7, 8]}
     ]}
  ],
  "tilesets": []
}`))
	if err != nil {
		t.Fatal(err)
	}
	dense, _ := m.FindLayer("dense")
	chunked, _ := m.FindLayer("chunked")
	for y := range 4 {
		for x := range 4 {
			d, dp := m.TileAt(dense, x, y)
			c, cp := m.TileAt(chunked, x, y)
			if d != c || dp != cp {
				t.Errorf("at %v,%v dense gave %v, %v but chunked gave %v, %v", x, y, d, dp, c, cp)
			}
		}
	}
	// Upper chunk bounds are exclusive.
	if _, present := m.TileAt(chunked, 4, 2); present {
		t.Error("x == chunk.x + width should be outside the chunk")
	}
}

func TestTileIDForType(t *testing.T) {
	m := loadTown(t)
	tests := []struct {
		name string
		want int
	}{
		{"grass", 1},
		{"water", 2},
		{"door", 3},
		{"lamp", 14},
		{"portal", 16},
	}
	for _, tt := range tests {
		got, err := m.TileIDForType(tt.name)
		if err != nil {
			t.Errorf("TileIDForType(%q): %v", tt.name, err)
		} else if got != tt.want {
			t.Errorf("TileIDForType(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if _, err := m.TileIDForType("lava"); !errors.Is(err, ErrUnknownTileType) {
		t.Errorf("got %v, want %v", err, ErrUnknownTileType)
	}
}

func TestFindObject(t *testing.T) {
	m := loadTown(t)
	obj, found := m.FindObject("floorLayer", "sign1")
	if !found {
		t.Fatal("sign1 not found")
	}
	if obj.X != 64 || obj.Y != 32 || obj.Width != 32 || obj.Height != 16 {
		t.Errorf("got %+v, want bounds 64,32 32x16", obj)
	}
	if _, found := m.FindObject("floorLayer", "sign9"); found {
		t.Error("sign9 should not be found")
	}
	if _, found := m.FindObject("ground", "sign1"); found {
		t.Error("tile layers have no objects")
	}
}

func TestTilesetProperties(t *testing.T) {
	m := loadTown(t)
	props := m.TilesetProperties()
	if _, found := props[1]; found {
		t.Error("grass has no properties")
	}
	if v, found := props[2].Get("collides"); !found || v != true {
		t.Errorf("got %v, want water to collide", v)
	}
	if url, _ := m.TileProperties(3).String("exitUrl"); url != "maps/inside.json" {
		t.Errorf("got %q, want maps/inside.json", url)
	}
}

func TestExitURLs(t *testing.T) {
	m := loadTown(t)
	if diff := cmp.Diff([]string{"maps/inside.json", "maps/far.json"}, m.ExitURLs()); diff != "" {
		t.Errorf("exit urls mismatch (-want +got):\n%s", diff)
	}
}

func TestMapProperty(t *testing.T) {
	m := loadTown(t)
	if v, found := m.Property("startLat"); !found || v != 59.3 {
		t.Errorf("got %v, want 59.3", v)
	}
	if _, found := m.Property("endLat"); found {
		t.Error("endLat should be absent")
	}
	w, h := m.PixelSize()
	if w != 128 || h != 96 {
		t.Errorf("got %vx%v, want 128x96", w, h)
	}
}

func TestParseRejectsBadTileSize(t *testing.T) {
	if _, err := Parse([]byte(`{"width":1,"height":1,"tilewidth":0,"tileheight":32,"layers":[],"tilesets":[]}`)); err == nil {
		t.Error("wanted error for zero tile width")
	}
	if _, err := Parse([]byte(`{"width":`)); err == nil {
		t.Error("wanted error for truncated json")
	}
}
