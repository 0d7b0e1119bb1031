// Copyright 2025-2026 The OpSentra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Logging options shared by both binaries.
type Logging struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level" validate:"oneof=trace debug info warn error disabled"`
	Format  string `mapstructure:"format" validate:"oneof=json pretty"`
}

// Shipper is the configuration surface of the per-host collection agent.
type Shipper struct {
	BrokerURL string `mapstructure:"broker-url" validate:"required,url"`

	// log sources
	LogPaths         []string `mapstructure:"log-paths"`
	ContainerEnabled bool     `mapstructure:"container-enabled"`
	ContainerRoot    string   `mapstructure:"container-root"`
	PodEnabled       bool     `mapstructure:"pod-enabled"`
	PodRoot          string   `mapstructure:"pod-root"`
	CIEnabled        bool     `mapstructure:"ci-enabled"`
	CIRoots          []string `mapstructure:"ci-roots"`
	CustomPaths      []string `mapstructure:"custom-paths"`

	// publisher options
	BatchSize      int `mapstructure:"batch-size" validate:"gt=0"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms" validate:"gt=0"`

	// tailer options
	RetryWindowSeconds int `mapstructure:"retry-window-seconds" validate:"gte=5"`

	Logging Logging `mapstructure:"logging"`
}

// Aggregator is the configuration surface of the central service.
type Aggregator struct {
	BrokerURL string `mapstructure:"broker-url" validate:"required,url"`
	StoreURI  string `mapstructure:"store-uri" validate:"required"`

	// object-store options
	ObjectStore struct {
		Endpoint  string `mapstructure:"endpoint" validate:"required"`
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access-key"`
		SecretKey string `mapstructure:"secret-key"`
		Secure    bool   `mapstructure:"secure"`
	} `mapstructure:"object-store"`

	BucketPrefix string `mapstructure:"bucket-prefix"`

	// archival options
	ArchiveIntervalMinutes int `mapstructure:"archive-interval-minutes" validate:"gt=0"`
	ArchiveBatchLimit      int `mapstructure:"archive-batch-limit" validate:"gt=0"`

	// subscriber endpoint options
	ListenAddress        string `mapstructure:"listen-address" validate:"hostname_port"`
	SubscriberBufferSize int    `mapstructure:"subscriber-buffer-size" validate:"gt=0"`
	GinMode              string `mapstructure:"gin-mode" validate:"omitempty,oneof=debug release"`

	Logging Logging `mapstructure:"logging"`
}

// Validate config
func (cfg *Shipper) Validate() error {
	return validator.New().Struct(cfg)
}

// Validate config
func (cfg *Aggregator) Validate() error {
	return validator.New().Struct(cfg)
}

func DefaultShipperConfig() Shipper {
	cfg := Shipper{}

	cfg.LogPaths = []string{"/var/log/*.log"}
	cfg.ContainerEnabled = false
	cfg.ContainerRoot = "/var/lib/docker/containers"
	cfg.PodEnabled = false
	cfg.PodRoot = "/var/log/pods"
	cfg.CIEnabled = false

	cfg.BatchSize = 10000
	cfg.BatchTimeoutMs = 500
	cfg.RetryWindowSeconds = 5

	cfg.Logging.Enabled = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func DefaultAggregatorConfig() Aggregator {
	cfg := Aggregator{}

	cfg.ObjectStore.Region = "us-east-1"
	cfg.BucketPrefix = "opsentra"

	cfg.ArchiveIntervalMinutes = 10
	cfg.ArchiveBatchLimit = 10000

	cfg.ListenAddress = ":7500"
	cfg.SubscriberBufferSize = 1000
	cfg.GinMode = "release"

	cfg.Logging.Enabled = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// NewShipperConfig builds a shipper config from defaults, an optional
// config file and `key:value` override params.
func NewShipperConfig(v *viper.Viper, configFile string, params []string) (*Shipper, error) {
	if err := Load(v, configFile, params); err != nil {
		return nil, err
	}

	cfg := DefaultShipperConfig()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewAggregatorConfig builds an aggregator config the same way.
func NewAggregatorConfig(v *viper.Viper, configFile string, params []string) (*Aggregator, error) {
	if err := Load(v, configFile, params); err != nil {
		return nil, err
	}

	cfg := DefaultAggregatorConfig()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeHook lets list-valued options be given as comma-separated strings
// on the command line.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load merges a yaml config file (env vars expanded) and `key:value`
// override params into an existing viper instance.
func Load(v *viper.Viper, configFile string, params []string) error {
	if configFile != "" {
		configBytes, err := os.ReadFile(configFile)
		if err != nil {
			return err
		}

		// expand env vars
		configBytes = []byte(os.ExpandEnv(string(configBytes)))

		v.SetConfigType(strings.TrimPrefix(filepath.Ext(configFile), "."))
		if err := v.ReadConfig(bytes.NewBuffer(configBytes)); err != nil {
			return err
		}
	}

	// override params from cli
	for _, param := range params {
		split := strings.SplitN(param, ":", 2)
		if len(split) == 2 {
			v.Set(split[0], split[1])
		}
	}

	return nil
}
