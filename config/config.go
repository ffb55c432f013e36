package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go-improv/song"
)

// Texture selects how many simultaneous notes the engine forwards.
type Texture string

const (
	TextureMonophonic Texture = "monophonic"
	TexturePolyphonic Texture = "polyphonic"
)

// PortsConfig names the MIDI ports the engine attaches to. Missing
// hardware ports are opened as virtual ports instead.
type PortsConfig struct {
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// ControlsConfig binds optional controller numbers to engine
// parameters. A nil entry leaves the binding unassigned.
type ControlsConfig struct {
	GeneratorSelect *uint8 `json:"generatorSelect,omitempty"`
	Tempo           *uint8 `json:"tempo,omitempty"`
	Temperature     *uint8 `json:"temperature,omitempty"`
	MinListenTicks  *uint8 `json:"minListenTicks,omitempty"`
	MaxListenTicks  *uint8 `json:"maxListenTicks,omitempty"`
	ResponseTicks   *uint8 `json:"responseTicks,omitempty"`
	Loop            *uint8 `json:"loop,omitempty"`
	State           *uint8 `json:"state,omitempty"`
}

// PartConfig is one named song segment.
type PartConfig struct {
	Name   string   `json:"name"`
	Key    string   `json:"key,omitempty"`
	Chords []string `json:"chords"`
}

// EngineConfig holds the interaction loop parameters.
type EngineConfig struct {
	QPM              float64 `json:"qpm,omitempty"`
	TickDuration     float64 `json:"tickDuration,omitempty"`
	Passthrough      bool    `json:"passthrough"`
	ChordPassthrough bool    `json:"chordPassthrough"`
	PlaybackOffset   float64 `json:"playbackOffset,omitempty"`
	MetronomeChannel *uint8  `json:"metronomeChannel,omitempty"`
}

// Config is the main configuration structure
type Config struct {
	Ports    PortsConfig    `json:"ports"`
	Texture  Texture        `json:"texture,omitempty"`
	Engine   EngineConfig   `json:"engine"`
	Controls ControlsConfig `json:"controls"`
	Song     []PartConfig   `json:"song,omitempty"`
}

func ptr(v uint8) *uint8 { return &v }

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	metronome := ptr(1)
	return &Config{
		Ports: PortsConfig{
			Inputs:  []string{"go-improv in"},
			Outputs: []string{"go-improv out"},
		},
		Texture: TexturePolyphonic,
		Engine: EngineConfig{
			QPM:              120,
			TickDuration:     2,
			Passthrough:      true,
			ChordPassthrough: true,
			MetronomeChannel: metronome,
		},
		Controls: ControlsConfig{
			Tempo:       ptr(20),
			Temperature: ptr(21),
			Loop:        ptr(22),
			State:       ptr(23),
		},
		Song: []PartConfig{
			{Name: "verse", Key: "C", Chords: []string{"I", "vi", "IV", "V"}},
			{Name: "chorus", Key: "C", Chords: []string{"IV", "V", "I", "I"}},
		},
	}
}

// Structure converts the configured parts into the song model.
func (c *Config) Structure() song.Song {
	s := make(song.Song, 0, len(c.Song))
	for _, p := range c.Song {
		s = append(s, song.Part{Name: p.Name, Key: p.Key, Chords: p.Chords})
	}
	return s
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-improv"), nil
}

// ConfigPath returns the full path to config.json
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from disk, or returns defaults if not found
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	path, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
