package lighting

import (
	"encoding/json"
	"fmt"
	"time"
)

// RGB is one LED color.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Color is the tagged union of rendering modes. The JSON form carries a
// "type" discriminator flattened into the enclosing scene object, which is
// the layout deployed clients already produce.
type Color interface {
	colorKind() string
}

// Solid renders one steady color.
type Solid struct {
	Color RGB `json:"color"`
}

// Gradient cycles through stops. Linear interpolates between neighboring
// stops; otherwise each stop holds for its duration.
type Gradient struct {
	Colors []GradientStop `json:"colors"`
	Linear bool           `json:"linear,omitempty"`
}

// GradientStop is one gradient waypoint; Duration is in seconds.
type GradientStop struct {
	Color    RGB     `json:"color"`
	Duration float32 `json:"duration"`
}

func (Solid) colorKind() string    { return "solid" }
func (Gradient) colorKind() string { return "gradient" }

// ColorSpan is one rendered gradient segment.
type ColorSpan struct {
	StartColor RGB
	EndColor   RGB
	Duration   time.Duration
}

// Spans expands the gradient into per-segment color transitions: each stop is
// reached from the previous one (the last stop wraps around to the first) over
// the stop's duration.
func (g Gradient) Spans() []ColorSpan {
	if len(g.Colors) == 0 {
		return nil
	}
	spans := make([]ColorSpan, 0, len(g.Colors))
	last := g.Colors[len(g.Colors)-1]
	for _, stop := range g.Colors {
		spans = append(spans, ColorSpan{
			StartColor: last.Color,
			EndColor:   stop.Color,
			Duration:   time.Duration(float64(stop.Duration) * float64(time.Second)),
		})
		last = stop
	}
	return spans
}

// Blend interpolates between two colors; t is clamped to [0, 1].
func Blend(from, to RGB, t float64) RGB {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	lerp := func(a, b uint8) uint8 {
		return uint8(float64(a) + (float64(b)-float64(a))*t)
	}
	return RGB{R: lerp(from.R, to.R), G: lerp(from.G, to.G), B: lerp(from.B, to.B)}
}

// Scene is the persisted light configuration. AutoOn asks the device to open
// the light as soon as the scene is applied.
type Scene struct {
	Name   string
	AutoOn bool
	Color  Color
}

// DefaultScene is the factory configuration, used until a client stores one
// and after a reset.
func DefaultScene() Scene {
	return Scene{
		Name:   "Default",
		AutoOn: false,
		Color:  Solid{Color: RGB{R: 255, G: 255, B: 255}},
	}
}

type sceneHeader struct {
	Name   string          `json:"name"`
	AutoOn bool            `json:"autoOn"`
	Type   string          `json:"type"`
	Color  json.RawMessage `json:"color,omitempty"`
	Colors json.RawMessage `json:"colors,omitempty"`
	Linear bool            `json:"linear,omitempty"`
}

func (s Scene) MarshalJSON() ([]byte, error) {
	header := sceneHeader{Name: s.Name, AutoOn: s.AutoOn}
	switch color := s.Color.(type) {
	case Solid:
		header.Type = color.colorKind()
		raw, err := json.Marshal(color.Color)
		if err != nil {
			return nil, err
		}
		header.Color = raw
	case Gradient:
		header.Type = color.colorKind()
		raw, err := json.Marshal(color.Colors)
		if err != nil {
			return nil, err
		}
		header.Colors = raw
		header.Linear = color.Linear
	default:
		return nil, fmt.Errorf("lighting: unknown color kind %T", s.Color)
	}
	return json.Marshal(header)
}

func (s *Scene) UnmarshalJSON(data []byte) error {
	var header sceneHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	s.Name = header.Name
	s.AutoOn = header.AutoOn
	switch header.Type {
	case "solid":
		var solid Solid
		if err := json.Unmarshal(header.Color, &solid.Color); err != nil {
			return fmt.Errorf("lighting: solid color: %w", err)
		}
		s.Color = solid
	case "gradient":
		gradient := Gradient{Linear: header.Linear}
		if err := json.Unmarshal(header.Colors, &gradient.Colors); err != nil {
			return fmt.Errorf("lighting: gradient stops: %w", err)
		}
		s.Color = gradient
	default:
		return fmt.Errorf("lighting: unknown color type %q", header.Type)
	}
	return nil
}

// DecodeScene parses the scene blob carried by the scene transfer channel.
func DecodeScene(data []byte) (Scene, error) {
	var s Scene
	if err := json.Unmarshal(data, &s); err != nil {
		return Scene{}, fmt.Errorf("decoding scene: %w", err)
	}
	return s, nil
}

// Encode renders the blob form stored and served over the scene channel.
func (s Scene) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding scene: %w", err)
	}
	return data, nil
}
