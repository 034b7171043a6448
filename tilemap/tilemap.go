// Package tilemap models the parts of a Tiled JSON map the host needs:
// layers (dense or chunked), tilesets with per tile properties, objects and
// map level properties. A parsed Map is never modified.
package tilemap

import (
	"io"
	"iter"

	"github.com/pkg/errors"
	"github.com/zond/mapscript"

	goccy "github.com/goccy/go-json"
)

const (
	TileLayer   = "tilelayer"
	ObjectGroup = "objectgroup"
	GroupLayer  = "group"

	// Tiled stores flip and rotation flags in the high bits of a global id.
	gidMask = 0x1fffffff
)

var (
	ErrUnknownTileType = errors.New("unknown tile type")
)

type Property struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value"`
}

type Properties []Property

// Get returns the value of the first property named name.
func (p Properties) Get(name string) (any, bool) {
	for _, prop := range p {
		if prop.Name == name {
			return prop.Value, true
		}
	}
	return nil, false
}

func (p Properties) String(name string) (string, bool) {
	v, found := p.Get(name)
	if !found {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (p Properties) Number(name string) (float64, bool) {
	v, found := p.Get(name)
	if !found {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

type Chunk struct {
	X      int   `json:"x"`
	Y      int   `json:"y"`
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Data   []int `json:"data"`
}

// Contains reports whether tile coordinate x, y is inside the chunk.
// The lower bounds are inclusive and the upper bounds exclusive.
func (c *Chunk) Contains(x, y int) bool {
	return c.X <= x && x < c.X+c.Width && c.Y <= y && y < c.Y+c.Height
}

type Object struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type,omitempty"`
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
	Width      float64    `json:"width"`
	Height     float64    `json:"height"`
	Properties Properties `json:"properties,omitempty"`
}

type Layer struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Data       []int      `json:"data,omitempty"`
	Chunks     []Chunk    `json:"chunks,omitempty"`
	StartX     int        `json:"startx,omitempty"`
	StartY     int        `json:"starty,omitempty"`
	Width      int        `json:"width,omitempty"`
	Height     int        `json:"height,omitempty"`
	Visible    *bool      `json:"visible,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	Objects    []Object   `json:"objects,omitempty"`
	Layers     []Layer    `json:"layers,omitempty"`
}

type Tile struct {
	ID         int        `json:"id"`
	Type       string     `json:"type,omitempty"`
	Class      string     `json:"class,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}

// TypeName is the tile's type, or its class as newer Tiled versions call it.
func (t *Tile) TypeName() string {
	if t.Type != "" {
		return t.Type
	}
	return t.Class
}

type Tileset struct {
	FirstGID int    `json:"firstgid"`
	Name     string `json:"name"`
	Tiles    []Tile `json:"tiles,omitempty"`
}

type Map struct {
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	TileWidth  int        `json:"tilewidth"`
	TileHeight int        `json:"tileheight"`
	Infinite   bool       `json:"infinite,omitempty"`
	Layers     []Layer    `json:"layers"`
	Tilesets   []Tileset  `json:"tilesets"`
	Properties Properties `json:"properties,omitempty"`

	tileProperties map[int]Properties
}

func Parse(b []byte) (*Map, error) {
	m := &Map{}
	if err := goccy.Unmarshal(b, m); err != nil {
		return nil, mapscript.WithStack(err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.index()
	return m, nil
}

func Load(r io.Reader) (*Map, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, mapscript.WithStack(err)
	}
	return Parse(b)
}

func (m *Map) validate() error {
	if m.TileWidth <= 0 || m.TileHeight <= 0 {
		return errors.Errorf("map tile size %vx%v is not positive", m.TileWidth, m.TileHeight)
	}
	if m.Width < 0 || m.Height < 0 {
		return errors.Errorf("map size %vx%v is negative", m.Width, m.Height)
	}
	return nil
}

func (m *Map) index() {
	m.tileProperties = map[int]Properties{}
	for _, ts := range m.Tilesets {
		for _, tile := range ts.Tiles {
			if len(tile.Properties) > 0 {
				m.tileProperties[ts.FirstGID+tile.ID] = tile.Properties
			}
		}
	}
}

// AllLayers yields every layer in map order, descending into groups. Group
// layers themselves are yielded before their children.
func (m *Map) AllLayers() iter.Seq[*Layer] {
	return func(yield func(*Layer) bool) {
		var walk func(layers []Layer) bool
		walk = func(layers []Layer) bool {
			for i := range layers {
				l := &layers[i]
				if !yield(l) {
					return false
				}
				if l.Type == GroupLayer && !walk(l.Layers) {
					return false
				}
			}
			return true
		}
		walk(m.Layers)
	}
}

// FindLayer returns the first layer named name, searching groups too.
func (m *Map) FindLayer(name string) (*Layer, bool) {
	for l := range m.AllLayers() {
		if l.Name == name {
			return l, true
		}
	}
	return nil, false
}

// FindObject returns the object named objectName in the object layer named
// layerName.
func (m *Map) FindObject(layerName, objectName string) (*Object, bool) {
	for l := range m.AllLayers() {
		if l.Name != layerName || l.Type != ObjectGroup {
			continue
		}
		for i := range l.Objects {
			if l.Objects[i].Name == objectName {
				return &l.Objects[i], true
			}
		}
	}
	return nil, false
}

// TileAt returns the global tile id stored at tile coordinate x, y of
// layer. Zero means no tile.
func (m *Map) TileAt(layer *Layer, x, y int) (int, bool) {
	if layer.Type != TileLayer {
		return 0, false
	}
	if len(layer.Chunks) > 0 {
		for i := range layer.Chunks {
			c := &layer.Chunks[i]
			if !c.Contains(x, y) {
				continue
			}
			idx := (y-c.Y)*c.Width + (x - c.X)
			if idx >= len(c.Data) {
				return 0, false
			}
			gid := c.Data[idx] & gidMask
			return gid, gid != 0
		}
		return 0, false
	}
	width := layer.Width
	if width == 0 {
		width = m.Width
	}
	if x < 0 || y < 0 || x >= width {
		return 0, false
	}
	idx := x + y*width
	if idx >= len(layer.Data) {
		return 0, false
	}
	gid := layer.Data[idx] & gidMask
	return gid, gid != 0
}

// TileProperties returns the tileset properties of global tile id gid.
func (m *Map) TileProperties(gid int) Properties {
	return m.tileProperties[gid&gidMask]
}

// TilesetProperties returns the tileset properties of every tile that has
// any, keyed by global id.
func (m *Map) TilesetProperties() map[int]Properties {
	result := make(map[int]Properties, len(m.tileProperties))
	for gid, props := range m.tileProperties {
		result[gid] = props
	}
	return result
}

// TileIDForType returns the global id of the first tile whose type is name.
func (m *Map) TileIDForType(name string) (int, error) {
	for _, ts := range m.Tilesets {
		for i := range ts.Tiles {
			if ts.Tiles[i].TypeName() == name {
				return ts.FirstGID + ts.Tiles[i].ID, nil
			}
		}
	}
	return 0, errors.Wrapf(ErrUnknownTileType, "%q", name)
}

// ExitURLs returns every exitUrl declared by a tile, in tileset order.
func (m *Map) ExitURLs() []string {
	result := []string{}
	seen := map[string]bool{}
	for _, ts := range m.Tilesets {
		for _, tile := range ts.Tiles {
			if url, ok := tile.Properties.String("exitUrl"); ok && url != "" && !seen[url] {
				seen[url] = true
				result = append(result, url)
			}
		}
	}
	return result
}

// Property returns a map level property.
func (m *Map) Property(name string) (any, bool) {
	return m.Properties.Get(name)
}

// PixelSize returns the full map size in pixels.
func (m *Map) PixelSize() (float64, float64) {
	return float64(m.Width * m.TileWidth), float64(m.Height * m.TileHeight)
}
