/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/loqalabs/footstep-enhancer/internal/audio"
	"github.com/loqalabs/footstep-enhancer/internal/dsp"
)

// Config holds every setting of the enhancer process
type Config struct {
	SampleRate int `mapstructure:"sample_rate"`
	FrameSize  int `mapstructure:"frame_size"`
	Channels   int `mapstructure:"channels"`

	BandLowHz          float64 `mapstructure:"band_low_hz"`
	BandHighHz         float64 `mapstructure:"band_high_hz"`
	EnhancementFactor  float64 `mapstructure:"enhancement_factor"`
	DetectionThreshold float64 `mapstructure:"detection_threshold"`
	CarryFilterState   bool    `mapstructure:"carry_filter_state"`

	StopTimeout          time.Duration `mapstructure:"stop_timeout"`
	ErrorBackoff         time.Duration `mapstructure:"error_backoff"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`

	LogLevel    string `mapstructure:"log_level"`
	NATSURL     string `mapstructure:"nats_url"`
	EngineID    string `mapstructure:"engine_id"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Default returns the stock settings: 44.1kHz stereo, 200-800Hz band,
// gain 2 and threshold 0.05
func Default() *Config {
	return &Config{
		SampleRate:           44100,
		FrameSize:            1024,
		Channels:             2,
		BandLowHz:            200,
		BandHighHz:           800,
		EnhancementFactor:    2.0,
		DetectionThreshold:   0.05,
		StopTimeout:          time.Second,
		ErrorBackoff:         100 * time.Millisecond,
		MaxConsecutiveErrors: 50,
		LogLevel:             "info",
		EngineID:             "default",
	}
}

// Load reads cfgFile, or footstep-enhancer.yaml from the working directory
// when cfgFile is empty, over the defaults. FOOTSTEP_* environment
// variables override both. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("footstep-enhancer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FOOTSTEP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so environment overrides apply even
// when the file does not mention them
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("sample_rate", cfg.SampleRate)
	v.SetDefault("frame_size", cfg.FrameSize)
	v.SetDefault("channels", cfg.Channels)
	v.SetDefault("band_low_hz", cfg.BandLowHz)
	v.SetDefault("band_high_hz", cfg.BandHighHz)
	v.SetDefault("enhancement_factor", cfg.EnhancementFactor)
	v.SetDefault("detection_threshold", cfg.DetectionThreshold)
	v.SetDefault("carry_filter_state", cfg.CarryFilterState)
	v.SetDefault("stop_timeout", cfg.StopTimeout)
	v.SetDefault("error_backoff", cfg.ErrorBackoff)
	v.SetDefault("max_consecutive_errors", cfg.MaxConsecutiveErrors)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("nats_url", cfg.NATSURL)
	v.SetDefault("engine_id", cfg.EngineID)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
}

// Format returns the audio stream format
func (c *Config) Format() audio.Format {
	return audio.Format{
		SampleRate: c.SampleRate,
		FrameSize:  c.FrameSize,
		Channels:   c.Channels,
	}
}

// Validate returns every problem found, joined
func (c *Config) Validate() error {
	var errs []error

	format := c.Format()
	if err := format.Validate(); err != nil {
		errs = append(errs, err)
	} else if _, err := dsp.DesignBandPass(c.BandLowHz, c.BandHighHz, float64(c.SampleRate)); err != nil {
		errs = append(errs, err)
	}

	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout))
	}
	if c.ErrorBackoff <= 0 {
		errs = append(errs, fmt.Errorf("error_backoff must be positive, got %s", c.ErrorBackoff))
	}
	if c.MaxConsecutiveErrors < 0 {
		errs = append(errs, fmt.Errorf("max_consecutive_errors must not be negative, got %d", c.MaxConsecutiveErrors))
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level %q: %w", c.LogLevel, err))
	}

	// The engine id is a single NATS subject token
	if c.EngineID == "" || strings.ContainsAny(c.EngineID, ".*> \t") {
		errs = append(errs, fmt.Errorf("engine_id %q must be a non-empty subject token", c.EngineID))
	}

	return errors.Join(errs...)
}
