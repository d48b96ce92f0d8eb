package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResetWorkerEnabledByDefault(t *testing.T) {
	t.Setenv("RESET_WORKER_ENABLED", "")
	assert.True(t, Load().ResetWorkerEnabled)

	t.Setenv("RESET_WORKER_ENABLED", "false")
	assert.False(t, Load().ResetWorkerEnabled)
}
