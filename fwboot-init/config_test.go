package main

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	config, err := parseConfig([]byte(`{
		"hostname": "fpga-7",
		"board": "labrinth",
		"icap": {"transport": "fsl", "phys": 1073741824},
		"mailbox": {"labx_phys": 2147483648, "capacity": 256},
		"staging": {"base": 2281701376, "size": 8388608},
		"api_server": {"listen": ":8443", "client_keys": [{"id": "ops", "secret": "x", "scopes": ["status"]}]}
	}`))
	require.NoError(t, err)
	require.Equal(t, "fpga-7", config.Hostname)
	require.Equal(t, "labrinth", config.Board)
	require.Equal(t, "fsl", config.ICAP.Transport)
	require.Equal(t, uint64(0x40000000), config.ICAP.Phys)
	require.Equal(t, uint64(0x80000000), config.Mailbox.LabX)
	require.Equal(t, 256, config.Mailbox.Capacity)
	require.Equal(t, 8<<20, config.Staging.Size)
	require.NotNil(t, config.Api)
	require.Equal(t, ":8443", config.Api.Listen)
	require.Nil(t, config.Preboot)
	require.Nil(t, config.Exec)
}

func TestParseConfigDefaultsBoard(t *testing.T) {
	config, err := parseConfig([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "none", config.Board)

	config, err = parseConfig([]byte(`{"layout": {"boot_delay": 8}}`))
	require.NoError(t, err)
	require.Empty(t, config.Board)
	require.Equal(t, uint32(8), config.Layout.BootDelay)

	_, err = parseConfig([]byte(`{"board": `))
	require.Error(t, err)
}

func TestScratchConfigIsTakenOnce(t *testing.T) {
	scratch := make([]byte, 4096)
	config := []byte(`{"board":"garcia"}`)
	require.NoError(t, stashConfig(scratch, config))

	hash := sha256.Sum256(config)
	require.Equal(t, hash[:], scratch[:32])

	got, ok := takeConfig(scratch)
	require.True(t, ok)
	require.Equal(t, config, got)

	_, ok = takeConfig(scratch)
	require.False(t, ok)
	require.Equal(t, make([]byte, 4096), scratch)
}

func TestScratchConfigRejectsCorruption(t *testing.T) {
	scratch := make([]byte, 4096)
	require.NoError(t, stashConfig(scratch, []byte(`{"board":"garcia"}`)))
	scratch[40] ^= 0x20

	_, ok := takeConfig(scratch)
	require.False(t, ok)
	require.Equal(t, make([]byte, 4096), scratch)
}

func TestScratchConfigTooBig(t *testing.T) {
	scratch := make([]byte, 64)
	require.Error(t, stashConfig(scratch, make([]byte, 32)))
	require.NoError(t, stashConfig(scratch, make([]byte, 31)))
}

func TestErrorList(t *testing.T) {
	require.Equal(t, []string{}, errorList(nil))

	var err error
	err = multierror.Append(err, errors.New("fpga: blank"), errors.New("kern: too long"))
	require.Equal(t, []string{"fpga: blank", "kern: too long"}, errorList(fmt.Errorf("checks: %w", err)))
}
