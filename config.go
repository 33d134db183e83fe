// Copyright © 2021 Kris Nóva <kris@nivenly.com>
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
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ████████╗██╗    ██╗██╗███╗   ██╗██╗  ██╗
//  ╚══██╔══╝██║    ██║██║████╗  ██║╚██╗██╔╝
//     ██║   ██║ █╗ ██║██║██╔██╗ ██║ ╚███╔╝
//     ██║   ██║███╗██║██║██║╚██╗██║ ██╔██╗
//     ██║   ╚███╔███╔╝██║██║ ╚████║██╔╝ ██╗
//     ╚═╝    ╚══╝╚══╝ ╚═╝╚═╝  ╚═══╝╚═╝  ╚═╝
//
// ────────────────────────────────────────────────────────────────────────────

package relay

import (
	"strings"
	"time"

	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/live"
	"github.com/kris-nova/relay/rtmp"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that override the config,
// such as RELAY_LISTEN_ADDRESS.
const EnvPrefix = "RELAY"

var ErrInvalidConfig = errors.New("relay: invalid config")

// Config is everything the relay can be tuned with, from a config file,
// the environment or flags.
type Config struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	GRPCAddress    string        `mapstructure:"grpc_address"`
	MaxConnections int           `mapstructure:"max_connections"`
	ChunkSize      uint32        `mapstructure:"chunk_size"`
	WindowAckSize  uint32        `mapstructure:"window_ack_size"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`

	GOPCache    bool `mapstructure:"gop_cache"`
	GOPCacheMax int  `mapstructure:"gop_cache_max"`

	BackpressureMaxBytes int64 `mapstructure:"backpressure_max_bytes"`
	BackpressureMaxCount int64 `mapstructure:"backpressure_max_count"`

	Batching        bool          `mapstructure:"batching"`
	BatchWindow     time.Duration `mapstructure:"batch_window"`
	BatchMaxPackets int           `mapstructure:"batch_max_packets"`

	StatsRetention time.Duration `mapstructure:"stats_retention"`
	StatsInterval  time.Duration `mapstructure:"stats_interval"`
}

// default config
var defaultConf = map[string]interface{}{
	"listen_address":         ":1935",
	"grpc_address":           ":1936",
	"max_connections":        1024,
	"chunk_size":             rtmp.DefaultChunkSize,
	"window_ack_size":        rtmp.DefaultWindowAckSize,
	"read_timeout":           rtmp.DefaultReadTimeout,
	"write_timeout":          rtmp.DefaultWriteTimeout,
	"gop_cache":              true,
	"gop_cache_max":          live.DefaultGOPCacheMax,
	"backpressure_max_bytes": live.DefaultBackpressureMaxBytes,
	"backpressure_max_count": live.DefaultBackpressureMaxCount,
	"batching":               false,
	"batch_window":           live.DefaultBatchWindow,
	"batch_max_packets":      live.DefaultBatchMaxPackets,
	"stats_retention":        5 * time.Minute,
	"stats_interval":         30 * time.Second,
}

// LoadConfig reads the defaults, then the optional config file at path,
// then RELAY_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaultConf {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (config *Config) Validate() error {
	if config.ChunkSize == 0 || config.ChunkSize > chunk.MaxChunkSize {
		return errors.Wrapf(ErrInvalidConfig, "chunk_size %d", config.ChunkSize)
	}
	if config.GOPCacheMax <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "gop_cache_max %d", config.GOPCacheMax)
	}
	if config.BackpressureMaxBytes <= 0 || config.BackpressureMaxCount <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "backpressure thresholds %d bytes %d packets", config.BackpressureMaxBytes, config.BackpressureMaxCount)
	}
	if config.Batching && (config.BatchWindow <= 0 || config.BatchMaxPackets <= 0) {
		return errors.Wrapf(ErrInvalidConfig, "batching window %s max %d", config.BatchWindow, config.BatchMaxPackets)
	}
	if config.StatsInterval <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "stats_interval %s", config.StatsInterval)
	}
	return nil
}

// ServerConfig is the RTMP server part of the config.
func (config *Config) ServerConfig() rtmp.ServerConfig {
	return rtmp.ServerConfig{
		MaxConnections: config.MaxConnections,
		ChunkSize:      config.ChunkSize,
		WindowAckSize:  config.WindowAckSize,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		BufferSize:     rtmp.DefaultBufferSize,
	}
}

// Options is the live service part of the config.
func (config *Config) Options() live.Options {
	opts := live.DefaultOptions()
	opts.GOPCache = config.GOPCache
	opts.GOPCacheMax = config.GOPCacheMax
	opts.Engine = live.EngineConfig{
		Thresholds: live.Thresholds{
			MaxBytes: config.BackpressureMaxBytes,
			MaxCount: config.BackpressureMaxCount,
		},
		Batching:        config.Batching,
		BatchWindow:     config.BatchWindow,
		BatchMaxPackets: config.BatchMaxPackets,
	}
	return opts
}
