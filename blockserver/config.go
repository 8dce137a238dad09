package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/remoteblock/connect"
	"github.com/bringyour/remoteblock/producer"
	"github.com/bringyour/remoteblock/session"
)

// Config is the blockserver configuration file. Missing keys keep their defaults.
type Config struct {
	// empty disables the listener
	TcpAddr string `yaml:"tcp_addr"`
	// websocket `/ws` and the status endpoints
	HttpAddr string `yaml:"http_addr"`
	QuicAddr string `yaml:"quic_addr"`

	QuicHosts   []string `yaml:"quic_hosts"`
	MaxSessions int      `yaml:"max_sessions"`

	GraceFrames         int           `yaml:"grace_frames"`
	MaxUnackedFrames    int           `yaml:"max_unacked_frames"`
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	SendQueueSize       int           `yaml:"send_queue_size"`
	MaxMessageByteCount int64         `yaml:"max_message_byte_count"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`

	Font                FontConfig    `yaml:"font"`
	ShaperCacheTtl      time.Duration `yaml:"shaper_cache_ttl"`
	ShaperCacheCapacity uint64        `yaml:"shaper_cache_capacity"`

	// initial text of each session's document
	Document string `yaml:"document"`
}

type FontConfig struct {
	Family uint8   `yaml:"family"`
	Size   float32 `yaml:"size"`
	Color  uint32  `yaml:"color"`
}

func DefaultConfig() *Config {
	serverSessionSettings := session.DefaultServerSessionSettings()
	transportSettings := connect.DefaultStreamTransportSettings()
	shaperCacheSettings := producer.DefaultShaperCacheSettings()
	return &Config{
		TcpAddr:             ":7300",
		HttpAddr:            ":7301",
		QuicAddr:            "",
		QuicHosts:           connect.DefaultQuicSettings().Hosts,
		MaxSessions:         0,
		GraceFrames:         serverSessionSettings.ProducerSettings.GraceFrames,
		MaxUnackedFrames:    serverSessionSettings.SendWindowSettings.MaxUnackedCount,
		AckTimeout:          serverSessionSettings.AckTimeout,
		SendQueueSize:       transportSettings.SendQueueSize,
		MaxMessageByteCount: transportSettings.MaxMessageByteCount,
		WriteTimeout:        transportSettings.WriteTimeout,
		Font: FontConfig{
			Family: 0,
			Size:   16,
			Color:  0xe0e0e0ff,
		},
		ShaperCacheTtl:      shaperCacheSettings.Ttl,
		ShaperCacheCapacity: shaperCacheSettings.Capacity,
		Document:            "remoteblock demo\n\ntype to edit.",
	}
}

// LoadConfig reads a yaml file over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, config.Validate()
}

func yamlString(config *Config) (string, error) {
	out, err := yaml.Marshal(config)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (self *Config) Validate() error {
	if self.TcpAddr == "" && self.HttpAddr == "" && self.QuicAddr == "" {
		return fmt.Errorf("At least one of tcp_addr, http_addr, quic_addr is required.")
	}
	if self.GraceFrames < 0 {
		return fmt.Errorf("grace_frames must be >= 0.")
	}
	if self.MaxUnackedFrames <= 0 {
		return fmt.Errorf("max_unacked_frames must be > 0.")
	}
	if self.SendQueueSize <= 0 {
		return fmt.Errorf("send_queue_size must be > 0.")
	}
	if self.MaxMessageByteCount <= 0 {
		return fmt.Errorf("max_message_byte_count must be > 0.")
	}
	if self.Font.Size <= 0 {
		return fmt.Errorf("font.size must be > 0.")
	}
	return nil
}

func (self *Config) ServerSettings() *session.ServerSettings {
	settings := session.DefaultServerSettings()
	settings.MaxSessionCount = self.MaxSessions
	settings.ServerSessionSettings.ProducerSettings.GraceFrames = self.GraceFrames
	settings.ServerSessionSettings.SendWindowSettings.MaxUnackedCount = self.MaxUnackedFrames
	settings.ServerSessionSettings.AckTimeout = self.AckTimeout
	settings.StreamTransportSettings.SendQueueSize = self.SendQueueSize
	settings.StreamTransportSettings.MaxMessageByteCount = self.MaxMessageByteCount
	settings.StreamTransportSettings.WriteTimeout = self.WriteTimeout
	return settings
}

func (self *Config) QuicSettings() *connect.QuicSettings {
	settings := connect.DefaultQuicSettings()
	settings.Hosts = self.QuicHosts
	return settings
}

func (self *Config) ShaperCacheSettings() *producer.ShaperCacheSettings {
	return &producer.ShaperCacheSettings{
		Ttl:      self.ShaperCacheTtl,
		Capacity: self.ShaperCacheCapacity,
	}
}

func (self *Config) DefaultFont() producer.Font {
	return producer.Font{
		Family: self.Font.Family,
		Size:   self.Font.Size,
		Color:  self.Font.Color,
	}
}
