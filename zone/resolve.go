package zone

import (
	"math"
	"slices"

	"github.com/zond/mapscript/tilemap"
)

// resolve merges the properties of every tile layer with a tile at tx, ty.
// Later layers win. Tileset properties with a falsy value retract what an
// earlier layer property set.
func (e *Engine) resolve(tx, ty int) Snapshot {
	props := Snapshot{}
	for layer := range e.m.AllLayers() {
		if layer.Type != tilemap.TileLayer {
			continue
		}
		gid, present := e.m.TileAt(layer, tx, ty)
		if !present {
			continue
		}
		for _, prop := range layer.Properties {
			if isScalar(prop.Value) {
				props[prop.Name] = prop.Value
			}
		}
		for _, prop := range e.m.TileProperties(gid) {
			if !isScalar(prop.Value) {
				continue
			}
			if truthy(prop.Value) {
				props[prop.Name] = prop.Value
			} else {
				delete(props, prop.Name)
			}
		}
	}
	return props
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	}
	return true
}

func sortedNames(s Snapshot) []string {
	result := make([]string, 0, len(s))
	for name := range s {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}
