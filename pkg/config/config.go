// Package config turns an Options value supplied by a caller (CLI flags,
// a config file, a control-socket request) into a validated, immutable
// Config with every default filled in and every bound checked once, up
// front, so the rest of the module never has to guard against a zero or
// out-of-range tunable.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/omertamesh/omertamesh/pkg/identity"
)

const (
	URIPrefix  = "omertamesh://"
	URIVersion = "v1"

	DefaultPort                   = 0 // 0 = OS-assigned
	DefaultStorageDirectory       = "/var/lib/omertamesh"
	DefaultTargetRelayCount       = 2
	DefaultMaxRelayCount          = 4
	DefaultMaxRelaySessions       = 64
	DefaultKeepaliveInterval      = 15 * time.Second
	DefaultConnectionTimeout      = 10 * time.Second
	DefaultCacheCleanupInterval   = 5 * time.Minute
	DefaultMaxCachedPeers         = 1000
	DefaultPeerCacheTTL           = 24 * time.Hour
	DefaultHolePunchProbeCount    = 5
	DefaultHolePunchProbeInterval = 300 * time.Millisecond
	DefaultHolePunchTimeout       = 10 * time.Second
	DefaultRecentContactMaxAge    = 30 * time.Second
	DefaultFreshnessQueryInterval = 60 * time.Second
	DefaultHolePunchCooldown      = 15 * time.Second
)

// DefaultSTUNServers matches the teacher's dialect and defaults.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// BootstrapPeer is one statically configured peer, parsed from the
// "peerIdHex@host:port" form.
type BootstrapPeer struct {
	PeerID []byte
	Addr   string
}

// Options is the unvalidated, caller-supplied configuration surface.
// Every field is optional except EncryptionKey; zero values take the
// package defaults.
type Options struct {
	EncryptionKey          string // 32 raw bytes, hex, base64, or any of these wrapped in an omertamesh:// URI
	StorageDirectory       string
	Port                   int
	CanRelay               bool
	CanCoordinateHolePunch bool
	TargetRelayCount       int
	MaxRelayCount          int
	MaxRelaySessions       int
	KeepaliveIntervalMs    int
	ConnectionTimeoutMs    int
	CacheCleanupIntervalMs int
	BootstrapPeers         []string // "peerIdHex@host:port"
	MaxCachedPeers         int
	PeerCacheTTLMs         int
	HolePunchProbeCount    int
	HolePunchProbeInterval int
	HolePunchTimeoutMs     int
	RecentContactMaxAgeMs  int
	FreshnessQueryInterval int
	ForceRelayOnly         bool
	AllowLocalhost         bool
	StunServers            []string
	EnableBootstrapDHT     bool
	LogLevel               string
}

// Config is the validated, immutable configuration every component reads
// from. Once built it is never mutated.
type Config struct {
	EncryptionKey          [identity.NetworkKeySize]byte
	NetworkID              string
	StorageDirectory       string
	Port                   int
	CanRelay               bool
	CanCoordinateHolePunch bool
	TargetRelayCount       int
	MaxRelayCount          int
	MaxRelaySessions       int
	KeepaliveInterval      time.Duration
	ConnectionTimeout      time.Duration
	CacheCleanupInterval   time.Duration
	BootstrapPeers         []BootstrapPeer
	MaxCachedPeers         int
	PeerCacheTTL           time.Duration
	HolePunchProbeCount    int
	HolePunchProbeInterval time.Duration
	HolePunchTimeout       time.Duration
	RecentContactMaxAge    time.Duration
	FreshnessQueryInterval time.Duration
	HolePunchCooldown      time.Duration
	ForceRelayOnly         bool
	AllowLocalhost         bool
	StunServers            []string
	EnableBootstrapDHT     bool
	LogLevel               string
}

// New validates opts and fills in defaults, returning an immutable Config.
func New(opts Options) (*Config, error) {
	rawKey := parseKeyURI(opts.EncryptionKey)
	key, err := parseEncryptionKey(rawKey)
	if err != nil {
		return nil, err
	}

	storageDir := opts.StorageDirectory
	if storageDir == "" {
		storageDir = DefaultStorageDirectory
	}

	bootstrapPeers, err := parseBootstrapPeers(opts.BootstrapPeers)
	if err != nil {
		return nil, err
	}

	stunServers := opts.StunServers
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	cfg := &Config{
		EncryptionKey:          key,
		NetworkID:              identity.NetworkID(key),
		StorageDirectory:       storageDir,
		Port:                   opts.Port,
		CanRelay:               opts.CanRelay,
		CanCoordinateHolePunch: opts.CanCoordinateHolePunch,
		TargetRelayCount:       intOrDefault(opts.TargetRelayCount, DefaultTargetRelayCount),
		MaxRelayCount:          intOrDefault(opts.MaxRelayCount, DefaultMaxRelayCount),
		MaxRelaySessions:       intOrDefault(opts.MaxRelaySessions, DefaultMaxRelaySessions),
		KeepaliveInterval:      msOrDefault(opts.KeepaliveIntervalMs, DefaultKeepaliveInterval),
		ConnectionTimeout:      msOrDefault(opts.ConnectionTimeoutMs, DefaultConnectionTimeout),
		CacheCleanupInterval:   msOrDefault(opts.CacheCleanupIntervalMs, DefaultCacheCleanupInterval),
		BootstrapPeers:         bootstrapPeers,
		MaxCachedPeers:         intOrDefault(opts.MaxCachedPeers, DefaultMaxCachedPeers),
		PeerCacheTTL:           msOrDefault(opts.PeerCacheTTLMs, DefaultPeerCacheTTL),
		HolePunchProbeCount:    intOrDefault(opts.HolePunchProbeCount, DefaultHolePunchProbeCount),
		HolePunchProbeInterval: msOrDefault(opts.HolePunchProbeInterval, DefaultHolePunchProbeInterval),
		HolePunchTimeout:       msOrDefault(opts.HolePunchTimeoutMs, DefaultHolePunchTimeout),
		RecentContactMaxAge:    msOrDefault(opts.RecentContactMaxAgeMs, DefaultRecentContactMaxAge),
		FreshnessQueryInterval: msOrDefault(opts.FreshnessQueryInterval, DefaultFreshnessQueryInterval),
		HolePunchCooldown:      DefaultHolePunchCooldown,
		ForceRelayOnly:         opts.ForceRelayOnly,
		AllowLocalhost:         opts.AllowLocalhost,
		StunServers:            stunServers,
		EnableBootstrapDHT:     opts.EnableBootstrapDHT,
		LogLevel:               logLevel,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TargetRelayCount < 0 || c.TargetRelayCount > c.MaxRelayCount {
		return fmt.Errorf("config: targetRelayCount (%d) must be between 0 and maxRelayCount (%d)", c.TargetRelayCount, c.MaxRelayCount)
	}
	if c.MaxRelaySessions <= 0 {
		return fmt.Errorf("config: maxRelaySessions must be positive, got %d", c.MaxRelaySessions)
	}
	if c.MaxCachedPeers <= 0 {
		return fmt.Errorf("config: maxCachedPeers must be positive, got %d", c.MaxCachedPeers)
	}
	if c.HolePunchProbeCount <= 0 {
		return fmt.Errorf("config: holePunchProbeCount must be positive, got %d", c.HolePunchProbeCount)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port out of range: %d", c.Port)
	}
	return nil
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// parseKeyURI strips an omertamesh://v1/<key> wrapper if present, matching
// the teacher's wgmesh://v1/<secret> URI convention.
func parseKeyURI(input string) string {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, URIPrefix) {
		return input
	}
	rest := strings.TrimPrefix(input, URIPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return parts[0]
	}
	key := parts[1]
	if idx := strings.Index(key, "?"); idx != -1 {
		key = key[:idx]
	}
	return key
}

// parseEncryptionKey accepts raw 32-byte binary (via a string cast),
// 64-char hex, or standard/URL-safe base64, since operators will
// reasonably reach for any of the three when pasting a key around.
func parseEncryptionKey(s string) ([identity.NetworkKeySize]byte, error) {
	var key [identity.NetworkKeySize]byte
	if s == "" {
		return key, fmt.Errorf("config: encryptionKey is required")
	}

	if len(s) == identity.NetworkKeySize {
		copy(key[:], s)
		return key, nil
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == identity.NetworkKeySize {
		copy(key[:], raw)
		return key, nil
	}
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(raw) == identity.NetworkKeySize {
		copy(key[:], raw)
		return key, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == identity.NetworkKeySize {
		copy(key[:], raw)
		return key, nil
	}
	return key, fmt.Errorf("config: encryptionKey must decode to %d bytes (got input of length %d)", identity.NetworkKeySize, len(s))
}

// GenerateEncryptionKey produces a fresh random network key, base64url
// encoded, suitable for sharing via an omertamesh:// URI.
func GenerateEncryptionKey() (string, error) {
	b := make([]byte, identity.NetworkKeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("config: generate random key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// FormatKeyURI wraps an encryption key string as an omertamesh:// URI for
// easy sharing.
func FormatKeyURI(key string) string {
	return fmt.Sprintf("%s%s/%s", URIPrefix, URIVersion, key)
}

// ParseNetworkKeyString accepts any of the encodings New accepts for
// EncryptionKey (raw 32-byte string, hex, base64, optionally wrapped in an
// omertamesh:// URI) and returns the decoded key. Exposed so a running
// node's joinNetwork(key|inviteLink) can parse a caller-supplied string
// the same way a fresh Config does.
func ParseNetworkKeyString(s string) ([identity.NetworkKeySize]byte, error) {
	return parseEncryptionKey(parseKeyURI(s))
}

func parseBootstrapPeers(entries []string) ([]BootstrapPeer, error) {
	out := make([]BootstrapPeer, 0, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "@", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("config: malformed bootstrapPeers entry %q, want peerIdHex@host:port", e)
		}
		peerID, err := hex.DecodeString(parts[0])
		if err != nil {
			return nil, fmt.Errorf("config: malformed bootstrapPeers peerId in %q: %w", e, err)
		}
		out = append(out, BootstrapPeer{PeerID: peerID, Addr: parts[1]})
	}
	return out, nil
}

// IdentityPath returns the file an identity keypair is persisted at for
// this config's storage directory.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.StorageDirectory, "identity.json")
}

// StatePath returns the per-network persisted-state file path.
func (c *Config) StatePath() string {
	return filepath.Join(c.StorageDirectory, c.NetworkID+"-state.json")
}

// DHTNodesPath returns the per-network DHT routing-table cache path.
func (c *Config) DHTNodesPath() string {
	return filepath.Join(c.StorageDirectory, c.NetworkID+"-dht.nodes")
}
