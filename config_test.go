package h2serve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	assert.Equal(t, defaultOutgoingQueueCapacity, cfg.OutgoingQueueCapacity)
	assert.Equal(t, defaultOutgoingSendTimeout, cfg.OutgoingSendTimeout)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := (&Config{OutgoingQueueCapacity: 7, OutgoingSendTimeout: time.Second}).withDefaults()
	assert.Equal(t, 7, cfg.OutgoingQueueCapacity)
	assert.Equal(t, time.Second, cfg.OutgoingSendTimeout)
}
