//go:build !cuda

package main

import (
	"context"
	"testing"

	"github.com/23skdu/hetpool/internal/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRun_AcceleratorBackendsNeedGPU(t *testing.T) {
	logger := zerolog.Nop()
	for _, kind := range []string{"managed", "device"} {
		t.Run(kind, func(t *testing.T) {
			cfg := smallConfig()
			cfg.Backend = kind

			report, err := run(context.Background(), baseOptions(workloadLIFO), cfg, &logger)
			assert.Nil(t, report)
			assert.ErrorIs(t, err, memory.ErrBackendUnavailable)
			assert.Contains(t, err.Error(), "needs an accelerator")
		})
	}
}
