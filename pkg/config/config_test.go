package config

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validKeyHex() string {
	return strings.Repeat("ab", 32)
}

func TestNewAppliesDefaults(t *testing.T) {
	cfg, err := New(Options{EncryptionKey: validKeyHex()})
	require.NoError(t, err)

	require.Equal(t, DefaultStorageDirectory, cfg.StorageDirectory)
	require.Equal(t, DefaultTargetRelayCount, cfg.TargetRelayCount)
	require.Equal(t, DefaultMaxRelayCount, cfg.MaxRelayCount)
	require.Equal(t, DefaultKeepaliveInterval, cfg.KeepaliveInterval)
	require.Equal(t, DefaultSTUNServers, cfg.StunServers)
	require.Len(t, cfg.EncryptionKey, 32)
	require.NotEmpty(t, cfg.NetworkID)
}

func TestNewRejectsMissingKey(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNewAcceptsRawBase64Key(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)

	cfg, err := New(Options{EncryptionKey: encoded})
	require.NoError(t, err)
	require.Equal(t, raw, cfg.EncryptionKey[:])
}

func TestNewAcceptsURIWrappedKey(t *testing.T) {
	cfg1, err := New(Options{EncryptionKey: validKeyHex()})
	require.NoError(t, err)

	uri := FormatKeyURI(validKeyHex())
	cfg2, err := New(Options{EncryptionKey: uri})
	require.NoError(t, err)

	require.Equal(t, cfg1.EncryptionKey, cfg2.EncryptionKey)
}

func TestNewRejectsWrongLengthKey(t *testing.T) {
	_, err := New(Options{EncryptionKey: "tooshort"})
	require.Error(t, err)
}

func TestNewRejectsTargetRelayCountAboveMax(t *testing.T) {
	_, err := New(Options{
		EncryptionKey:    validKeyHex(),
		TargetRelayCount: 10,
		MaxRelayCount:    2,
	})
	require.Error(t, err)
}

func TestNewRejectsInvalidPort(t *testing.T) {
	_, err := New(Options{EncryptionKey: validKeyHex(), Port: 70000})
	require.Error(t, err)
}

func TestNewParsesBootstrapPeers(t *testing.T) {
	peerIDHex := hex.EncodeToString([]byte("peer-one"))
	cfg, err := New(Options{
		EncryptionKey:  validKeyHex(),
		BootstrapPeers: []string{peerIDHex + "@1.2.3.4:9000"},
	})
	require.NoError(t, err)
	require.Len(t, cfg.BootstrapPeers, 1)
	require.Equal(t, "1.2.3.4:9000", cfg.BootstrapPeers[0].Addr)
	require.Equal(t, []byte("peer-one"), cfg.BootstrapPeers[0].PeerID)
}

func TestNewRejectsMalformedBootstrapPeer(t *testing.T) {
	_, err := New(Options{
		EncryptionKey:  validKeyHex(),
		BootstrapPeers: []string{"no-at-sign-here"},
	})
	require.Error(t, err)
}

func TestNewRejectsMalformedBootstrapPeerID(t *testing.T) {
	_, err := New(Options{
		EncryptionKey:  validKeyHex(),
		BootstrapPeers: []string{"zz@1.2.3.4:9000"},
	})
	require.Error(t, err)
}

func TestSameKeyProducesSameNetworkID(t *testing.T) {
	cfg1, err := New(Options{EncryptionKey: validKeyHex()})
	require.NoError(t, err)
	cfg2, err := New(Options{EncryptionKey: validKeyHex()})
	require.NoError(t, err)
	require.Equal(t, cfg1.NetworkID, cfg2.NetworkID)
}

func TestDifferentKeysProduceDifferentNetworkIDs(t *testing.T) {
	cfg1, err := New(Options{EncryptionKey: validKeyHex()})
	require.NoError(t, err)
	cfg2, err := New(Options{EncryptionKey: strings.Repeat("cd", 32)})
	require.NoError(t, err)
	require.NotEqual(t, cfg1.NetworkID, cfg2.NetworkID)
}

func TestGenerateEncryptionKeyRoundTrips(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)

	cfg, err := New(Options{EncryptionKey: key})
	require.NoError(t, err)
	require.Len(t, cfg.EncryptionKey, 32)
}

func TestConfigDerivedPathsUseNetworkID(t *testing.T) {
	cfg, err := New(Options{EncryptionKey: validKeyHex(), StorageDirectory: "/tmp/om"})
	require.NoError(t, err)

	require.Contains(t, cfg.StatePath(), cfg.NetworkID)
	require.Contains(t, cfg.DHTNodesPath(), cfg.NetworkID)
	require.Contains(t, cfg.IdentityPath(), "/tmp/om")
}

func TestNewAllowsForceRelayOnly(t *testing.T) {
	cfg, err := New(Options{
		EncryptionKey:  validKeyHex(),
		ForceRelayOnly: true,
	})
	require.NoError(t, err)
	require.True(t, cfg.ForceRelayOnly)
}
