package zone

import (
	"github.com/pkg/errors"
	"github.com/zond/mapscript"
	"github.com/zond/mapscript/tilemap"
)

var (
	ErrNoGeoAnchors = errors.New("map has no geo anchors")
)

type geoAnchors struct {
	topLeft  Vector2
	span     Vector2
	rotation float64
	rotated  bool
}

func newGeoAnchors(m *tilemap.Map) *geoAnchors {
	result := &geoAnchors{}
	result.rotation, result.rotated = m.Properties.Number("geoRotation")
	startLat, okStartLat := m.Properties.Number("startLat")
	startLon, okStartLon := m.Properties.Number("startLon")
	endLat, okEndLat := m.Properties.Number("endLat")
	endLon, okEndLon := m.Properties.Number("endLon")
	if !okStartLat || !okStartLon || !okEndLat || !okEndLon {
		return result
	}
	result.topLeft = Vector2{X: startLat, Y: startLon}
	span := Vector2{X: endLat, Y: endLon}.Sub(result.topLeft)
	if span.X == 0 || span.Y == 0 {
		return result
	}
	result.span = span
	return result
}

// HasGeoAnchors reports whether the map declares both corner coordinates.
func (e *Engine) HasGeoAnchors() bool {
	return e.geo.span != (Vector2{})
}

// GeoRotation returns the map's geoRotation property, if any.
func (e *Engine) GeoRotation() (float64, bool) {
	return e.geo.rotation, e.geo.rotated
}

// GeoToMapPosition converts a geolocation to a pixel position on the map.
func (e *Engine) GeoToMapPosition(c Coordinates) (Vector2, error) {
	if !e.HasGeoAnchors() {
		return Vector2{}, mapscript.WithStack(ErrNoGeoAnchors)
	}
	w, h := e.m.PixelSize()
	return Vector2{X: c.Latitude, Y: c.Longitude}.
		Sub(e.geo.topLeft).
		Div(e.geo.span).
		Mult(Vector2{X: w, Y: h}), nil
}

// Direction returns the movement direction for a geolocation heading,
// "down" when the heading is unknown.
func (e *Engine) Direction(c Coordinates) string {
	if c.Heading == nil {
		return "down"
	}
	return DirectionForHeading(*c.Heading, e.geo.rotation)
}
