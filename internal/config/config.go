// Package config loads the station configuration: receiver position,
// channels, and the tunables of every pipeline stage.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/consensus"
	"github.com/banshee-data/hf-timestd/internal/detect"
	"github.com/banshee-data/hf-timestd/internal/propagation"
	"github.com/banshee-data/hf-timestd/internal/rtp"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const maxFileSize = 1 << 20

// Config is the root configuration. Treat it as read-only once loaded.
type Config struct {
	Receiver    ReceiverConfig    `yaml:"receiver"`
	Channels    []ChannelConfig   `yaml:"channels"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Resequencer ResequencerConfig `yaml:"resequencer"`
	Estimator   EstimatorConfig   `yaml:"estimator"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Database    DatabaseConfig    `yaml:"database"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
}

type ReceiverConfig struct {
	Lat  *float64 `yaml:"lat"`
	Lon  *float64 `yaml:"lon"`
	Grid string   `yaml:"grid"`
	// Interface is the network interface to join multicast groups on.
	Interface string `yaml:"interface"`
}

type ChannelConfig struct {
	Name string `yaml:"name"`
	// Address is the multicast group and port, e.g. "239.100.1.1:5004".
	Address          string  `yaml:"address"`
	SSRC             uint32  `yaml:"ssrc"`
	FrequencyHz      float64 `yaml:"frequency_hz"`
	SampleRate       int     `yaml:"sample_rate"`
	SamplesPerPacket int     `yaml:"samples_per_packet"`
	SampleFormat     string  `yaml:"sample_format"`
	// Station is recorded in segment metadata; it may be left empty on
	// frequencies shared by several stations.
	Station string `yaml:"station"`
}

type ArchiveConfig struct {
	Dir             string        `yaml:"dir"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
}

type ResequencerConfig struct {
	BufferSize int `yaml:"buffer_size"`
	// MaxGapSamples defaults to one second at each channel's rate.
	MaxGapSamples int `yaml:"max_gap_samples"`
}

type EstimatorConfig struct {
	MinSNR     float64 `yaml:"min_snr_db"`
	QueueDepth int     `yaml:"queue_depth"`
	// Detector is "sidecar" or "none".
	Detector    string        `yaml:"detector"`
	SidecarWait time.Duration `yaml:"sidecar_wait"`
}

type ConsensusConfig struct {
	Interval          time.Duration      `yaml:"interval"`
	MADMultiplier     float64            `yaml:"mad_multiplier"`
	MADFloorMs        float64            `yaml:"mad_floor_ms"`
	MinSNR            float64            `yaml:"min_snr_db"`
	GradeWeights      map[string]float64 `yaml:"grade_weights"`
	MaxMeasurementAge time.Duration      `yaml:"max_measurement_age"`
	LockedMs          float64            `yaml:"locked_ms"`
	ConvergingMs      float64            `yaml:"converging_ms"`
	SnapshotPath      string             `yaml:"snapshot_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with no channels and every default set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Archive.Dir == "" {
		c.Archive.Dir = "./data/archive"
	}
	if c.Archive.SegmentDuration == 0 {
		c.Archive.SegmentDuration = time.Minute
	}
	if c.Resequencer.BufferSize == 0 {
		c.Resequencer.BufferSize = 64
	}
	if c.Estimator.QueueDepth == 0 {
		c.Estimator.QueueDepth = 16
	}
	if c.Estimator.Detector == "" {
		c.Estimator.Detector = "sidecar"
	}
	if c.Estimator.SidecarWait == 0 {
		c.Estimator.SidecarWait = 30 * time.Second
	}
	if c.Consensus.Interval == 0 {
		c.Consensus.Interval = time.Minute
	}
	if c.Consensus.MADMultiplier == 0 {
		c.Consensus.MADMultiplier = 3.0
	}
	if c.Consensus.MADFloorMs == 0 {
		c.Consensus.MADFloorMs = 0.1
	}
	if c.Consensus.MaxMeasurementAge == 0 {
		c.Consensus.MaxMeasurementAge = 10 * time.Minute
	}
	if c.Consensus.LockedMs == 0 {
		c.Consensus.LockedMs = 1
	}
	if c.Consensus.ConvergingMs == 0 {
		c.Consensus.ConvergingMs = 3
	}
	if c.Consensus.SnapshotPath == "" {
		c.Consensus.SnapshotPath = "./data/consensus.json"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/hf-timestd.db"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.SampleRate == 0 {
			ch.SampleRate = 16000
		}
		if ch.SamplesPerPacket == 0 {
			ch.SamplesPerPacket = 320
		}
		if ch.SampleFormat == "" {
			ch.SampleFormat = "float32"
		}
	}
}

// Validate checks the configuration. Errors wrap ErrInvalid.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if (c.Receiver.Lat == nil) != (c.Receiver.Lon == nil) {
		return invalid("receiver.lat and receiver.lon must be set together")
	}
	if loc := c.ReceiverLocation(); loc != nil && !loc.Valid() {
		return invalid("receiver position %v,%v out of range", loc.Lat, loc.Lon)
	}

	seen := map[string]bool{}
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return invalid("channels[%d].name is required", i)
		}
		if seen[ch.Name] {
			return invalid("duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true
		if _, err := net.ResolveUDPAddr("udp", ch.Address); err != nil || ch.Address == "" {
			return invalid("channel %s: bad address %q", ch.Name, ch.Address)
		}
		if ch.FrequencyHz <= 0 {
			return invalid("channel %s: frequency_hz must be positive", ch.Name)
		}
		if ch.SampleRate <= 0 || ch.SamplesPerPacket <= 0 {
			return invalid("channel %s: sample_rate and samples_per_packet must be positive", ch.Name)
		}
		if _, err := rtp.ParseSampleFormat(ch.SampleFormat); err != nil {
			return invalid("channel %s: %v", ch.Name, err)
		}
		if ch.Station != "" {
			if _, err := detect.ParseStation(ch.Station); err != nil {
				return invalid("channel %s: %v", ch.Name, err)
			}
		}
		per := float64(ch.SampleRate) * c.Archive.SegmentDuration.Seconds()
		if per != float64(int64(per)) {
			return invalid("channel %s: segment of %v is not a whole number of samples", ch.Name, c.Archive.SegmentDuration)
		}
	}

	if c.Archive.SegmentDuration < time.Second {
		return invalid("archive.segment_duration must be at least 1s")
	}
	if c.Resequencer.BufferSize < 1 || c.Resequencer.BufferSize > 1<<15 {
		return invalid("resequencer.buffer_size must be between 1 and 32768")
	}
	if c.Resequencer.MaxGapSamples < 0 {
		return invalid("resequencer.max_gap_samples must not be negative")
	}
	if c.Estimator.QueueDepth < 1 {
		return invalid("estimator.queue_depth must be positive")
	}
	switch c.Estimator.Detector {
	case "sidecar", "none":
	default:
		return invalid("estimator.detector must be sidecar or none, got %q", c.Estimator.Detector)
	}
	if c.Consensus.Interval <= 0 {
		return invalid("consensus.interval must be positive")
	}
	if c.Consensus.MADMultiplier <= 0 || c.Consensus.MADFloorMs < 0 {
		return invalid("consensus.mad_multiplier must be positive")
	}
	if c.Consensus.MinSNR >= 30 {
		return invalid("consensus.min_snr_db must be below 30")
	}
	if c.Consensus.LockedMs >= c.Consensus.ConvergingMs {
		return invalid("consensus.locked_ms must be below converging_ms")
	}
	for name, w := range c.Consensus.GradeWeights {
		if _, err := clockoffset.ParseGrade(name); err != nil {
			return invalid("consensus.grade_weights: %v", err)
		}
		if w < 0 {
			return invalid("consensus.grade_weights.%s must not be negative", name)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return invalid("log.format must be text or json")
	}
	return nil
}

// ReceiverLocation returns the receiver position, or nil when unset.
func (c *Config) ReceiverLocation() *propagation.Location {
	if c.Receiver.Lat == nil || c.Receiver.Lon == nil {
		return nil
	}
	return &propagation.Location{Lat: *c.Receiver.Lat, Lon: *c.Receiver.Lon}
}

// GradeWeights returns the full grade weight table with configured
// overrides applied.
func (c *Config) GradeWeights() map[clockoffset.Grade]float64 {
	out := consensus.DefaultGradeWeights()
	for name, w := range c.Consensus.GradeWeights {
		if g, err := clockoffset.ParseGrade(name); err == nil {
			out[g] = w
		}
	}
	return out
}

// MaxGapSamples returns the resequencer gap cap for a channel.
func (c *Config) MaxGapSamples(ch ChannelConfig) int {
	if c.Resequencer.MaxGapSamples > 0 {
		return c.Resequencer.MaxGapSamples
	}
	return ch.SampleRate
}

// ChannelList returns a copy of the channel configurations.
func (c *Config) ChannelList() []ChannelConfig {
	return append([]ChannelConfig(nil), c.Channels...)
}

// CombinerConfig returns the consensus combiner settings.
func (c *Config) CombinerConfig() consensus.Config {
	return consensus.Config{
		MADMultiplier: c.Consensus.MADMultiplier,
		MADFloorMs:    c.Consensus.MADFloorMs,
		MinSNR:        c.Consensus.MinSNR,
		GradeWeights:  c.GradeWeights(),
		MaxAge:        c.Consensus.MaxMeasurementAge,
		LockedMs:      c.Consensus.LockedMs,
		ConvergingMs:  c.Consensus.ConvergingMs,
	}
}
