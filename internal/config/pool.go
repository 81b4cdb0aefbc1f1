package config

import "time"

// PoolConfig bounds the per-backend connection pools.
// Every session that opens a key pins one pooled connection, so MaxOpenConns is
// also the number of sessions that can hold that key at once.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

var globalPool = DefaultPoolConfig()

// SetGlobalPool sets the pool configuration used by coordinators created afterwards
func SetGlobalPool(cfg *PoolConfig) {
	globalPool = cfg
}

// GetPool returns the global pool configuration
func GetPool() *PoolConfig {
	return globalPool
}
