package wire

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimulationConfig controls the realism of the emulated radio
// Default: ~98.4% connection success with realistic timing
type SimulationConfig struct {
	// Connection timing (in milliseconds)
	MinConnectionDelay    int     // Default: 30ms
	MaxConnectionDelay    int     // Default: 100ms
	ConnectionFailureRate float64 // Default: 0.016 (1.6% failure rate)

	// Discovery timing (in milliseconds)
	AdvertisingInterval   int // Default: 100ms (Apple's recommended interval)
	MinDiscoveryDelay     int // Default: 100ms
	MaxDiscoveryDelay     int // Default: 1000ms
	ServiceDiscoveryDelay int // Default: 50ms, walking the GATT table after connect

	// Radio characteristics
	EnableRSSI   bool // Default: true
	BaseRSSI     int  // Default: -50 dBm (close range)
	RSSIVariance int  // Default: 10 dBm (realistic fluctuation)

	// Deterministic mode for testing
	Deterministic bool  // Default: false (use for reproducible scenarios)
	Seed          int64 // Random seed when Deterministic=true
}

// DefaultSimulationConfig returns realistic radio parameters
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MinConnectionDelay:    30,
		MaxConnectionDelay:    100,
		ConnectionFailureRate: 0.016, // 1.6% connection failures

		AdvertisingInterval:   100,
		MinDiscoveryDelay:     100,
		MaxDiscoveryDelay:     1000,
		ServiceDiscoveryDelay: 50,

		EnableRSSI:   true,
		BaseRSSI:     -50,
		RSSIVariance: 10,

		Deterministic: false,
		Seed:          0,
	}
}

// PerfectSimulationConfig returns 100% reliable config for testing
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.AdvertisingInterval = 10
	cfg.MinDiscoveryDelay = 0
	cfg.MaxDiscoveryDelay = 0
	cfg.ServiceDiscoveryDelay = 0
	cfg.EnableRSSI = false
	cfg.Deterministic = true
	return cfg
}

// Simulator handles realistic radio behavior simulation. Safe for
// concurrent use; the random source is guarded.
type Simulator struct {
	config *SimulationConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a new radio simulator
func NewSimulator(config *SimulationConfig) *Simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{
		config: config,
		rng:    rng,
	}
}

// Config returns the parameters the simulator was built with
func (s *Simulator) Config() *SimulationConfig {
	return s.config
}

// ShouldConnectionSucceed returns true if connection should succeed
func (s *Simulator) ShouldConnectionSucceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() >= s.config.ConnectionFailureRate
}

// ConnectionDelay returns realistic connection delay
func (s *Simulator) ConnectionDelay() time.Duration {
	return s.between(s.config.MinConnectionDelay, s.config.MaxConnectionDelay)
}

// DiscoveryDelay returns how long after a scan starts a device is first seen
func (s *Simulator) DiscoveryDelay() time.Duration {
	return s.between(s.config.MinDiscoveryDelay, s.config.MaxDiscoveryDelay)
}

// ServiceDiscoveryDelay returns the time spent walking the GATT table
func (s *Simulator) ServiceDiscoveryDelay() time.Duration {
	return time.Duration(s.config.ServiceDiscoveryDelay) * time.Millisecond
}

// AdvertisingInterval returns the scan sweep period
func (s *Simulator) AdvertisingInterval() time.Duration {
	if s.config.AdvertisingInterval <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(s.config.AdvertisingInterval) * time.Millisecond
}

func (s *Simulator) between(min, max int) time.Duration {
	if max <= min {
		return time.Duration(min) * time.Millisecond
	}
	s.mu.Lock()
	delay := min + s.rng.Intn(max-min)
	s.mu.Unlock()
	return time.Duration(delay) * time.Millisecond
}

// GenerateRSSI returns realistic RSSI value with variance
// distance: approximate distance in meters (1-10)
func (s *Simulator) GenerateRSSI(distance float64) int {
	if !s.config.EnableRSSI || s.config.RSSIVariance <= 0 {
		return s.config.BaseRSSI
	}

	// Free space path loss formula (simplified)
	// RSSI decreases by ~20dB per 10x distance
	pathLoss := 20 * math.Log10(distance)
	rssi := float64(s.config.BaseRSSI) - pathLoss

	// Add random variance (realistic radio interference)
	s.mu.Lock()
	variance := s.rng.Intn(s.config.RSSIVariance*2) - s.config.RSSIVariance
	s.mu.Unlock()
	rssi += float64(variance)

	// Clamp to realistic BLE range (-100 to -20 dBm)
	if rssi < -100 {
		rssi = -100
	} else if rssi > -20 {
		rssi = -20
	}

	return int(rssi)
}
