package centrifuge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	config := withDefaults(Config{})
	require.Equal(t, "go", config.Name)
	require.Equal(t, defaultReadTimeout, config.ReadTimeout)
	require.Equal(t, defaultWriteTimeout, config.WriteTimeout)
	require.Equal(t, defaultHandshakeTimeout, config.HandshakeTimeout)
	require.Equal(t, defaultCommandTimeout, config.CommandTimeout)
	require.Equal(t, defaultMinReconnectDelay, config.MinReconnectDelay)
	require.Equal(t, defaultMaxReconnectDelay, config.MaxReconnectDelay)
	require.Equal(t, defaultMaxCommandQueueSize, config.MaxCommandQueueSize)
	require.NotNil(t, config.Header)
}

func TestConfigOverrides(t *testing.T) {
	config := withDefaults(Config{
		Name:           "mobile",
		Version:        "1.2.3",
		CommandTimeout: time.Second,
	})
	require.Equal(t, "mobile", config.Name)
	require.Equal(t, "1.2.3", config.Version)
	require.Equal(t, time.Second, config.CommandTimeout)
}

func TestRefreshDelay(t *testing.T) {
	// Skew is 10% of ttl capped at 10 seconds.
	require.Equal(t, 9*time.Second, refreshDelay(10*time.Second))
	require.Equal(t, 590*time.Second, refreshDelay(600*time.Second))
	require.Equal(t, 3590*time.Second, refreshDelay(3600*time.Second))
}
