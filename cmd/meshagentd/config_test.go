package main

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/stretchr/testify/require"
)

func validTestConfig(t *testing.T) config {
	t.Helper()
	cfg := defaultConfig()
	cfg.EthAddr = "0x" + "11223344556677889900aabbccddeeff00112233"
	cfg.WGPubKey = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
	cfg.RPCHost = "rpc.example.com:8545"
	return cfg
}

func TestConfigValidateAccepts(t *testing.T) {
	cfg := validTestConfig(t)
	require.NoError(t, cfg.validate())
}

func TestConfigValidateRejectsBadIdentity(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.MeshSubnet = "not-a-prefix"
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsEmptyPortRange(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.WGPortLo = 100
	cfg.WGPortHi = 100
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsMissingRPCHost(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.RPCHost = ""
	require.Error(t, cfg.validate())
}

func TestConfigValidateDelegatesThresholds(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.CloseFraction = 2.0 // out of [0,1]
	require.Error(t, cfg.validate())
}

func TestConfigIdentityRoundTrips(t *testing.T) {
	cfg := validTestConfig(t)
	id, err := cfg.identity()
	require.NoError(t, err)
	require.True(t, id.MeshIP.Is6())
	require.True(t, netip.MustParsePrefix(cfg.MeshSubnet).Contains(id.MeshIP))
}

func TestConfigIdentityMeshIPIsDeterministic(t *testing.T) {
	cfg := validTestConfig(t)
	first, err := cfg.identity()
	require.NoError(t, err)
	second, err := cfg.identity()
	require.NoError(t, err)
	require.Equal(t, first.MeshIP, second.MeshIP)
}

func TestConfigThresholds(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.PayThreshold = 100
	cfg.CloseThreshold = -50
	cfg.CloseFraction = 0.5

	th := cfg.thresholds()
	require.Equal(t, identity.NewInt256(100), th.PayThreshold)
	require.Equal(t, identity.NewInt256(-50), th.CloseThreshold)
	require.Equal(t, 0.5, th.CloseFraction)
}

func TestParseAddressAndPubKey(t *testing.T) {
	addr, err := parseAddress("0x1122334455667788990011223344556677889900")
	require.NoError(t, err)
	require.Equal(t, "0x1122334455667788990011223344556677889900", addr.String())

	_, err = parseAddress("0x1122")
	require.Error(t, err)

	key, err := parsePubKey("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", key.String())
}

func TestLoadOrCreateRootKeyPersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "admin.key")

	first, err := loadOrCreateRootKey(path)
	require.NoError(t, err)
	require.Len(t, first, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := loadOrCreateRootKey(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestThresholdSnapshotRejectsBadReplacement(t *testing.T) {
	good := debt.Thresholds{
		PayThreshold:   identity.NewInt256(100),
		CloseThreshold: identity.NewInt256(-50),
		CloseFraction:  0.5,
	}
	snap := newThresholdSnapshot(good)

	bad := good
	bad.CloseFraction = 5.0
	require.Error(t, snap.Replace(bad))
	require.Equal(t, good, snap.Get())

	better := good
	better.PayThreshold = identity.NewInt256(200)
	require.NoError(t, snap.Replace(better))
	require.Equal(t, better, snap.Get())
}
