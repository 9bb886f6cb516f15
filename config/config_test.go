package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsTooFewCmdBlocks(t *testing.T) {
	cfg := Default()
	cfg.NumCmdBlocks = 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsOversizedCmdBlock(t *testing.T) {
	cfg := Default()
	cfg.CmdBlockSize = cfg.CommBufferSize + 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsHandlePoolOverflow(t *testing.T) {
	cfg := Default()
	cfg.MaxHandlesPerNode = 1 << 30
	require.Error(t, cfg.Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
