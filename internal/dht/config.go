package dht

import "time"

// NoRetries disables retransmission when set as Config.Retries.
const NoRetries = -1

// Config holds protocol tunables. Zero fields take the defaults below.
type Config struct {
	K            int           // bucket capacity
	QueryTimeout time.Duration // per attempt
	Retries      int           // extra attempts after the first timeout; NoRetries for none
	MaxFailures  int           // consecutive timeouts before eviction
	FreshWindow  time.Duration // contacts seen within this window are not replaced

	Lookup LookupConfig

	RefreshInterval time.Duration
	TokenRotate     time.Duration
	PeerTTL         time.Duration
	MaxPeersPerKey  int
	MaxKeys         int
	MaxPerSubnet    int // 0 disables the per-bucket subnet cap

	RateLimit float64 // queries per second per source IP
	RateBurst float64

	InboundBuffer int
	Version       string // optional "v" field
}

func DefaultConfig() Config {
	return Config{
		K:               8,
		QueryTimeout:    5 * time.Second,
		Retries:         2,
		MaxFailures:     3,
		FreshWindow:     15 * time.Minute,
		Lookup:          DefaultLookupConfig(),
		RefreshInterval: 15 * time.Minute,
		TokenRotate:     5 * time.Minute,
		PeerTTL:         30 * time.Minute,
		MaxPeersPerKey:  100,
		MaxKeys:         4096,
		RateLimit:       20,
		RateBurst:       40,
		InboundBuffer:   128,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.K <= 0 {
		c.K = def.K
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = def.QueryTimeout
	}
	switch {
	case c.Retries == 0:
		c.Retries = def.Retries
	case c.Retries < 0:
		c.Retries = 0
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = def.MaxFailures
	}
	if c.FreshWindow <= 0 {
		c.FreshWindow = def.FreshWindow
	}
	c.Lookup = c.Lookup.withDefaults(c.K)
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.TokenRotate <= 0 {
		c.TokenRotate = def.TokenRotate
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = def.PeerTTL
	}
	if c.MaxPeersPerKey <= 0 {
		c.MaxPeersPerKey = def.MaxPeersPerKey
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = def.MaxKeys
	}
	if c.RateLimit <= 0 {
		c.RateLimit = def.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = def.InboundBuffer
	}
	return c
}

type LookupConfig struct {
	Alpha     int
	K         int
	MaxRounds int
}

func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		Alpha:     3,
		K:         8,
		MaxRounds: 16,
	}
}

func (c LookupConfig) withDefaults(k int) LookupConfig {
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.K <= 0 {
		c.K = k
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 16
	}
	return c
}
