package p2p

import (
	"time"

	"github.com/sirupsen/logrus"

	"dht-chat/internal/dht"
	"dht-chat/internal/discovery"
	"dht-chat/internal/nat"
	"dht-chat/internal/storage"
)

const DefaultProtocol = "dht-chat/1"

type Config struct {
	Name     string // display name; stored in the profile
	BindHost string // "" binds every interface
	TCPPort  uint16 // 0 picks a free port
	UDPPort  uint16 // 0 picks a free port
	Protocol string

	Store storage.Store // nil keeps state in memory
	NAT   nat.Resolver  // nil reports the local endpoint

	DHT       dht.Config
	Metrics   dht.Metrics
	Bootstrap []string // host:port or multiaddr seeds
	LAN       bool     // answer and send LAN discovery broadcasts
	LANConfig discovery.LANConfig

	AnnounceInterval time.Duration
	AutoConnect      bool // dial peers found through presence
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	SendBuffer       int // queued envelopes per session

	SecureChannel bool   // Noise XX on every session
	ProxyAddr     string // SOCKS5 proxy for outbound TCP

	Log logrus.FieldLogger
}

func DefaultConfig() Config {
	return Config{
		Protocol:         DefaultProtocol,
		DHT:              dht.DefaultConfig(),
		LANConfig:        discovery.DefaultLANConfig(),
		AnnounceInterval: 5 * time.Minute,
		AutoConnect:      true,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		SendBuffer:       128,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Protocol == "" {
		c.Protocol = def.Protocol
	}
	if c.LANConfig.Port == 0 {
		c.LANConfig = def.LANConfig
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = def.AnnounceInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	return c
}
