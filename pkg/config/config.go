// Package config provides configuration loading and management for smarthvf.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Seen policies select what happens when the subject acknowledges a stimulus.
const (
	// SeenPolicyDim lowers the point's brightness and presents it again.
	SeenPolicyDim = "dim"
	// SeenPolicyStop keeps the brightness and moves on to the next point.
	SeenPolicyStop = "stop"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Session holds the staircase protocol timing and policy
	Session struct {
		// PresentationHold is how long a stimulus stays visible
		PresentationHold time.Duration `yaml:"presentationHold"`

		// ResponseTimeout is the window after hiding a stimulus in which an
		// acknowledgment still counts
		ResponseTimeout time.Duration `yaml:"responseTimeout"`

		// InterTrialDelay is the pause after an acknowledged presentation
		InterTrialDelay time.Duration `yaml:"interTrialDelay"`

		// StartDelay is the pause between starting the session and the
		// first presentation
		StartDelay time.Duration `yaml:"startDelay"`

		// DimStep is the brightness decrement applied on "seen" under the dim policy
		DimStep float64 `yaml:"dimStep"`

		// SeenPolicy is either "dim" or "stop"
		SeenPolicy string `yaml:"seenPolicy"`

		// TickRate is the driver frequency in ticks per second
		TickRate int `yaml:"tickRate"`
	} `yaml:"session"`

	// Field controls the stimulus layout
	Field struct {
		// HalfExtent is half the vertical size of the field in field units
		HalfExtent float64 `yaml:"halfExtent"`

		// StimulusSize is the default Goldmann size class (I..V)
		StimulusSize string `yaml:"stimulusSize"`
	} `yaml:"field"`

	// Input parameters
	Input struct {
		// AbortHold is how long a contact must be held to abort the test
		AbortHold time.Duration `yaml:"abortHold"`
	} `yaml:"input"`

	// Mapping controls eye map generation
	Mapping struct {
		// MaskDir holds the eyemap_left/eyemap_right templates
		MaskDir string `yaml:"maskDir"`

		// RadiusFactor scales the step size into the sampling radius
		RadiusFactor float64 `yaml:"radiusFactor"`

		// FallbackMask synthesizes a mask when no template is found
		FallbackMask bool `yaml:"fallbackMask"`

		// Width and Height of synthesized masks
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"mapping"`

	// Storage parameters
	Storage struct {
		// DataDir is the root of the patient directories
		DataDir string `yaml:"dataDir"`

		// Format is the record encoding: xml, json or yaml
		Format string `yaml:"format"`
	} `yaml:"storage"`

	// Output parameters
	Output struct {
		// GalleryDir receives exported images; empty disables export
		GalleryDir string `yaml:"galleryDir"`

		// Album is the gallery sub-directory
		Album string `yaml:"album"`

		// SaveSnapshot also exports a full-field snapshot next to the map
		SaveSnapshot bool `yaml:"saveSnapshot"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Policy parameters
	Policy struct {
		// PersistAborted keeps partial records of aborted runs that
		// finished at least one point
		PersistAborted bool `yaml:"persistAborted"`
	} `yaml:"policy"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default session parameters
	cfg.Session.PresentationHold = 200 * time.Millisecond
	cfg.Session.ResponseTimeout = 1500 * time.Millisecond
	cfg.Session.InterTrialDelay = 400 * time.Millisecond
	cfg.Session.StartDelay = time.Second
	cfg.Session.DimStep = 0.1
	cfg.Session.SeenPolicy = SeenPolicyDim
	cfg.Session.TickRate = 60

	// Set default field parameters
	cfg.Field.HalfExtent = 5.0
	cfg.Field.StimulusSize = "III"

	cfg.Input.AbortHold = 3 * time.Second

	// Set default mapping parameters
	cfg.Mapping.MaskDir = "masks"
	cfg.Mapping.RadiusFactor = 0.7778
	cfg.Mapping.FallbackMask = true
	cfg.Mapping.Width = 256
	cfg.Mapping.Height = 256

	cfg.Storage.DataDir = "data"
	cfg.Storage.Format = "xml"

	cfg.Output.Album = "SmartHVF"
	cfg.Output.SaveSnapshot = true
	cfg.Output.Verbose = true

	cfg.Policy.PersistAborted = false

	return cfg
}

// TickInterval returns the driver period derived from TickRate.
func (c *Config) TickInterval() time.Duration {
	if c.Session.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.Session.TickRate)
}

// Validate checks the values a session cannot run without.
func (c *Config) Validate() error {
	s := c.Session
	switch {
	case s.PresentationHold <= 0:
		return fmt.Errorf("%w: presentationHold must be positive", ErrInvalid)
	case s.ResponseTimeout <= 0:
		return fmt.Errorf("%w: responseTimeout must be positive", ErrInvalid)
	case s.InterTrialDelay < 0 || s.StartDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalid)
	case s.DimStep <= 0 || s.DimStep > 1:
		return fmt.Errorf("%w: dimStep %g must be in (0, 1]", ErrInvalid, s.DimStep)
	case s.SeenPolicy != SeenPolicyDim && s.SeenPolicy != SeenPolicyStop:
		return fmt.Errorf("%w: seenPolicy %q must be %q or %q", ErrInvalid, s.SeenPolicy, SeenPolicyDim, SeenPolicyStop)
	case s.TickRate <= 0:
		return fmt.Errorf("%w: tickRate must be positive", ErrInvalid)
	}
	if c.Field.HalfExtent <= 0 {
		return fmt.Errorf("%w: halfExtent must be positive", ErrInvalid)
	}
	if c.Mapping.RadiusFactor <= 0 {
		return fmt.Errorf("%w: radiusFactor must be positive", ErrInvalid)
	}
	if c.Mapping.Width <= 0 || c.Mapping.Height <= 0 {
		return fmt.Errorf("%w: mask size must be positive", ErrInvalid)
	}
	if c.Input.AbortHold <= 0 {
		return fmt.Errorf("%w: abortHold must be positive", ErrInvalid)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
