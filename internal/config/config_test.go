package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsForZeroFields(t *testing.T) {
	path := writeConfig(t, "myAdr: 65537\n")
	cfg, err := Load(path, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, uint16(30123), cfg.RouterPort)
	assert.Equal(t, uint16(30124), cfg.NmPort)
	assert.Equal(t, uint32(1), cfg.ConnectComt)
	assert.Equal(t, uint32(2), cfg.ClientSigComt)
	assert.Equal(t, uint32(3), cfg.NetSigComt)
	assert.Equal(t, ":8090", cfg.Admin.Addr)
	assert.Equal(t, ":9108", cfg.Stats.Addr)
	assert.Equal(t, uint32(65537), cfg.MyAdr)
}

func TestLoadPreservesExplicitValuesOverDefaults(t *testing.T) {
	path := writeConfig(t, "routerPort: 40000\nstats:\n  addr: \":9999\"\n")
	cfg, err := Load(path, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, uint16(40000), cfg.RouterPort)
	assert.Equal(t, ":9999", cfg.Stats.Addr)
	assert.Equal(t, uint16(30124), cfg.NmPort, "defaulting must not clobber sibling fields")
}

func TestLoadOverlaysExplicitFlagsOnTopOfFile(t *testing.T) {
	path := writeConfig(t, "myAdr: 65537\nmode: local\n")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := Load(path, fs, []string{"-mode=remote", "-bootIp=10.0.0.9"})
	require.NoError(t, err)

	assert.Equal(t, ModeRemote, cfg.Mode, "an explicitly-set flag must override the file")
	assert.Equal(t, "10.0.0.9", cfg.BootIP)
	assert.Equal(t, uint32(65537), cfg.MyAdr, "an unset flag must not clobber the file's value")
}

func TestLoadReturnsErrorOnMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"), nil, nil)
	assert.Error(t, err)
}

func TestLoadReturnsErrorOnMalformedYAML(t *testing.T) {
	path := writeConfig(t, "myAdr: [this is not a scalar\n")
	_, err := Load(path, nil, nil)
	assert.Error(t, err)
}

func TestApplyDefaultsLeavesNonzeroFinTimeAlone(t *testing.T) {
	path := writeConfig(t, "finTime: 5s\n")
	cfg, err := Load(path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.FinTime)
}
