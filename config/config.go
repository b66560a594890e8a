// Package config loads the declarative feed/layout description consumed
// by the pipeline controller. It is a thin collaborator: everything it
// produces is re-validated by the layout engine and controller before use.
package config

import (
	"fmt"
	"image"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/zsiec/mosaic/compose"
	"github.com/zsiec/mosaic/pipeline"
)

// Defaults applied to absent fields.
const (
	DefaultListen = ":5000"
	DefaultFPS    = 30
	DefaultSTUN   = "stun:stun.l.google.com:19302"
)

// Feed defines one RTSP source.
type Feed struct {
	Slot int    `yaml:"slot"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Region defines one layout rectangle.
type Region struct {
	Slot int `yaml:"slot"`
	X    int `yaml:"x"`
	Y    int `yaml:"y"`
	W    int `yaml:"w"`
	H    int `yaml:"h"`
	Z    int `yaml:"z"`
}

// Canvas is the output frame size.
type Canvas struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// WebRTC holds egress signaling settings.
type WebRTC struct {
	STUNServer string `yaml:"stun_server"`
}

// Config is the on-disk YAML shape.
type Config struct {
	Listen    string   `yaml:"listen"`
	Canvas    Canvas   `yaml:"canvas"`
	FPS       int      `yaml:"fps"`
	Feeds     []Feed   `yaml:"feeds"`
	Composite []string `yaml:"composite"` // names of feeds active in the composite; empty = all
	Layout    []Region `yaml:"layout"`
	WebRTC    WebRTC   `yaml:"webrtc"`
}

// Load reads and parses the YAML file at path, applying defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if len(cfg.Feeds) == 0 {
		return nil, fmt.Errorf("config: no feeds defined")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.WebRTC.STUNServer == "" {
		c.WebRTC.STUNServer = DefaultSTUN
	}
}

// ActiveFeeds resolves the composite name list against the feed
// definitions, mirroring the update call's semantics: names not defined
// are an error, an empty list means every feed.
func (c *Config) ActiveFeeds(composite []string) ([]pipeline.FeedSpec, error) {
	if len(composite) == 0 {
		composite = c.Composite
	}
	byName := make(map[string]Feed, len(c.Feeds))
	for _, f := range c.Feeds {
		byName[f.Name] = f
	}

	var specs []pipeline.FeedSpec
	if len(composite) == 0 {
		for _, f := range c.Feeds {
			specs = append(specs, pipeline.FeedSpec{Slot: f.Slot, Name: f.Name, URL: f.URL})
		}
		return specs, nil
	}
	for _, name := range composite {
		f, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("composite references unknown feed %q", name)
		}
		specs = append(specs, pipeline.FeedSpec{Slot: f.Slot, Name: f.Name, URL: f.URL})
	}
	return specs, nil
}

// ComposeLayout builds the layout engine descriptor: the explicit regions
// when configured, otherwise the default 3-column grid over the active
// slots. Validation happens in compose.
func (c *Config) ComposeLayout(specs []pipeline.FeedSpec) compose.Layout {
	if len(c.Layout) > 0 {
		l := compose.Layout{Canvas: image.Pt(c.Canvas.Width, c.Canvas.Height)}
		for _, r := range c.Layout {
			l.Regions = append(l.Regions, compose.Region{
				Slot: r.Slot,
				Rect: image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H),
				Z:    r.Z,
			})
		}
		return l
	}
	slots := make([]int, 0, len(specs))
	for _, s := range specs {
		slots = append(slots, s.Slot)
	}
	return compose.DefaultGrid(slots, 3, 640, 360)
}
