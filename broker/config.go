package broker

import (
	"sync/atomic"
	"time"
)

// Config is the externally loaded dictionary's recognized options
// (§6 "Environment & paths"), read-mostly after startup. Mirrors the
// teacher's rom.go "read-mostly" snapshot pattern: callers fetch an
// immutable *Config via Load and the broker swaps the pointer
// atomically on reconfiguration rather than mutating fields in place.
type Config struct {
	Overlay struct {
		K           int           // tree fan-out
		TorpidGrace time.Duration // §4.2 default 30s
	}
	Groups struct {
		BatchTimeout time.Duration // §4.6 default 100ms
	}
	StateMachine struct {
		Rc1Script      string
		Rc2Script      string
		Rc3Script      string
		CleanupScript  string
	}
	Content struct {
		Hash string // "sha256" (default) or "xxh64"
	}
	Heartbeat struct {
		Period time.Duration // epoch tick interval, root only; default 5s
	}
}

func DefaultConfig() *Config {
	c := &Config{}
	c.Overlay.K = 2
	c.Overlay.TorpidGrace = defaultTorpidGrace
	c.Groups.BatchTimeout = defaultBatchTimeout
	c.Content.Hash = "sha256"
	c.Heartbeat.Period = defaultHeartbeatPeriod
	return c
}

// configHolder provides the atomic load/store half of the read-mostly
// pattern; Broker embeds one.
type configHolder struct {
	v atomic.Value // *Config
}

func (h *configHolder) Store(c *Config) { h.v.Store(c) }
func (h *configHolder) Load() *Config   { return h.v.Load().(*Config) }
