// Package discovery finds peers on the local network with UDP
// broadcast and tracks their liveness. Peers that answer a probe are
// reported as discovered; peers that stop answering age out and are
// reported as expired.
package discovery

import "time"

// Remote is one peer found on the LAN.
type Remote struct {
	ID     string // hex peer id
	Addr   string // host:port the peer accepts connections on
	Nick   string // display name, may be empty
	LastAt time.Time
}

// Config controls LAN discovery behavior.
type Config struct {
	Port     int
	Timeout  time.Duration // how long one probe collects replies
	Interval time.Duration // time between probes
	TTL      time.Duration // tracked peer expiry
}

const (
	DefaultPort     = 42087
	DefaultTimeout  = 1 * time.Second
	DefaultInterval = 15 * time.Second
	DefaultTTL      = 45 * time.Second
)

func DefaultConfig() Config {
	return Config{
		Port:     DefaultPort,
		Timeout:  DefaultTimeout,
		Interval: DefaultInterval,
		TTL:      DefaultTTL,
	}
}

func (c *Config) fill() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
}
