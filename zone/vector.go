package zone

import (
	"math"
)

type Vector2 struct {
	X float64
	Y float64
}

func (v Vector2) Add(o Vector2) Vector2 {
	return Vector2{X: v.X + o.X, Y: v.Y + o.Y}
}

func (v Vector2) Sub(o Vector2) Vector2 {
	return Vector2{X: v.X - o.X, Y: v.Y - o.Y}
}

// Div divides component wise.
func (v Vector2) Div(o Vector2) Vector2 {
	return Vector2{X: v.X / o.X, Y: v.Y / o.Y}
}

// Mult multiplies component wise.
func (v Vector2) Mult(o Vector2) Vector2 {
	return Vector2{X: v.X * o.X, Y: v.Y * o.Y}
}

func (v Vector2) Floor() Vector2 {
	return Vector2{X: math.Floor(v.X), Y: math.Floor(v.Y)}
}

func (v Vector2) Round() Vector2 {
	return Vector2{X: math.Round(v.X), Y: math.Round(v.Y)}
}

func (v Vector2) Magnitude() float64 {
	return math.Hypot(v.X, v.Y)
}

// ToIndex returns the row major index of v in a grid width cells wide.
func (v Vector2) ToIndex(width int) int {
	return int(v.X) + int(v.Y)*width
}

// Coordinates is a geolocation reading.
type Coordinates struct {
	Latitude  float64
	Longitude float64
	// Heading in degrees clockwise from north, or nil when unknown.
	Heading *float64
}

// DirectionForHeading maps a compass heading to one of the four movement
// directions. A non zero rotation is the map's orientation relative to north
// in degrees and is subtracted first.
func DirectionForHeading(heading, rotation float64) string {
	h := math.Mod(heading-rotation, 360)
	if h < 0 {
		h += 360
	}
	switch {
	case h >= 315 || h < 45:
		return "up"
	case h < 135:
		return "right"
	case h < 225:
		return "down"
	default:
		return "left"
	}
}
