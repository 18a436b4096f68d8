// Package store implements atomic-replace JSON persistence of a network's
// peer records, debounced so bursts of peer-store mutations coalesce into
// one write, with an optional Redis-compatible mirror for deployments that
// want a shared cache in front of (or instead of) the local file.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

// DefaultDebounce coalesces a burst of onDirty calls into a single write.
const DefaultDebounce = 2 * time.Second

// EndpointRecord is the JSON-safe form of peerstore.Endpoint.
type EndpointRecord struct {
	Addr                  string    `json:"addr"`
	ObservedBy            string    `json:"observedBy,omitempty"`
	LastSuccessfulSend    time.Time `json:"lastSuccessfulSend,omitempty"`
	LastSuccessfulReceive time.Time `json:"lastSuccessfulReceive,omitempty"`
	RTTMillis             int64     `json:"rttMillis,omitempty"`
	Source                string    `json:"source"`
}

// PeerRecord is the JSON-safe form of peerstore.Record.
type PeerRecord struct {
	PeerIDHex   string           `json:"peerId"`
	Endpoints   []EndpointRecord `json:"endpoints,omitempty"`
	NATType     string           `json:"natType,omitempty"`
	Reliability int64            `json:"reliability"`
	LastContact time.Time        `json:"lastContact,omitempty"`
}

// PersistedState is the on-disk shape for one network's durable state.
type PersistedState struct {
	NetworkID  string       `json:"networkId"`
	Peers      []PeerRecord `json:"peers"`
	Membership Membership   `json:"membership"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Membership records network membership metadata a node keeps between runs.
type Membership struct {
	JoinedAt time.Time `json:"joinedAt,omitempty"`
}

// ToPeerRecords converts peer store snapshots into their persisted form.
func ToPeerRecords(records []*peerstore.Record) []PeerRecord {
	out := make([]PeerRecord, 0, len(records))
	for _, r := range records {
		pr := PeerRecord{
			PeerIDHex:   hex.EncodeToString(r.PeerID),
			NATType:     string(r.NATType),
			Reliability: r.Reliability,
			LastContact: r.LastContact,
		}
		for _, e := range r.Endpoints {
			if e.Addr == nil {
				continue
			}
			pr.Endpoints = append(pr.Endpoints, EndpointRecord{
				Addr:                  e.Addr.String(),
				ObservedBy:            e.ObservedBy,
				LastSuccessfulSend:    e.LastSuccessfulSend,
				LastSuccessfulReceive: e.LastSuccessfulReceive,
				RTTMillis:             e.RTT.Milliseconds(),
				Source:                string(e.Source),
			})
		}
		out = append(out, pr)
	}
	return out
}

// ToStoreRecords converts persisted peer records back into peerstore
// records suitable for peerstore.Store.Restore. Malformed entries
// (unparseable peerId or endpoint address) are skipped.
func ToStoreRecords(records []PeerRecord) []*peerstore.Record {
	out := make([]*peerstore.Record, 0, len(records))
	for _, pr := range records {
		peerID, err := hex.DecodeString(pr.PeerIDHex)
		if err != nil || len(peerID) == 0 {
			continue
		}
		rec := &peerstore.Record{
			PeerID:      peerID,
			NATType:     peerstore.NATType(pr.NATType),
			Reliability: pr.Reliability,
			LastContact: pr.LastContact,
		}
		for _, er := range pr.Endpoints {
			addr, err := net.ResolveUDPAddr("udp", er.Addr)
			if err != nil {
				continue
			}
			rec.Endpoints = append(rec.Endpoints, &peerstore.Endpoint{
				Addr:                  addr,
				ObservedBy:            er.ObservedBy,
				LastSuccessfulSend:    er.LastSuccessfulSend,
				LastSuccessfulReceive: er.LastSuccessfulReceive,
				RTT:                   time.Duration(er.RTTMillis) * time.Millisecond,
				Source:                peerstore.EndpointSource(er.Source),
			})
		}
		out = append(out, rec)
	}
	return out
}

// Config bundles what a Store needs at construction time.
type Config struct {
	Path         string // file path for this network's persisted state
	Debounce     time.Duration
	RedisAddr    string // optional mirror; empty disables it
	RedisKeyName string // key the state is mirrored under, defaults to "omertamesh:"+networkId
	NetworkID    string
}

// Store owns debounced atomic-replace persistence for one network.
type Store struct {
	cfg Config
	rdb *redis.Client

	mu      sync.Mutex
	pending *PersistedState
	timer   *time.Timer
	closed  bool
}

func New(cfg Config) *Store {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RedisKeyName == "" {
		cfg.RedisKeyName = "omertamesh:" + cfg.NetworkID
	}

	s := &Store{cfg: cfg}
	if cfg.RedisAddr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  200 * time.Millisecond,
			WriteTimeout: 200 * time.Millisecond,
		})
	}
	return s
}

// Load reads the last persisted state for this network. It tries the
// local file first and falls back to the Redis mirror (if configured) so
// a node whose local disk was wiped can still recover from a cache that
// survived elsewhere. Returns an empty state carrying only this store's
// NetworkID, not an error, if neither source has anything yet.
func (s *Store) Load() (*PersistedState, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err == nil {
		var st PersistedState
		if jsonErr := json.Unmarshal(data, &st); jsonErr != nil {
			return nil, fmt.Errorf("store: parse %s: %w", s.cfg.Path, jsonErr)
		}
		return &st, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: read %s: %w", s.cfg.Path, err)
	}

	if s.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		data, rerr := s.rdb.Get(ctx, s.cfg.RedisKeyName).Bytes()
		if rerr == nil {
			var st PersistedState
			if jsonErr := json.Unmarshal(data, &st); jsonErr == nil {
				return &st, nil
			}
		}
	}

	return &PersistedState{NetworkID: s.cfg.NetworkID}, nil
}

// ScheduleWrite stages st for a debounced flush: a burst of calls within
// the debounce window collapses into one write of the most recent state.
// Intended to be wired as a peerstore.Store onDirty callback via a
// closure that builds the current snapshot and calls this.
func (s *Store) ScheduleWrite(st *PersistedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	st.UpdatedAt = time.Now()
	s.pending = st

	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.Debounce, s.flush)
	} else {
		s.timer.Reset(s.cfg.Debounce)
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	st := s.pending
	s.pending = nil
	s.mu.Unlock()

	if st == nil {
		return
	}
	if err := s.writeLocal(st); err != nil {
		fmt.Fprintf(os.Stderr, "[Store] write %s failed: %v\n", s.cfg.Path, err)
	}
	s.mirrorToRedis(st)
}

func (s *Store) writeLocal(st *PersistedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmpPath := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.cfg.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic replace: %w", err)
	}
	return nil
}

func (s *Store) mirrorToRedis(st *PersistedState) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.rdb.Set(ctx, s.cfg.RedisKeyName, data, 0).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "[Store] redis mirror failed: %v\n", err)
	}
}

// Flush forces any pending debounced write out immediately, synchronously.
// Call on node shutdown so the last mutation before stop is never lost.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	st := s.pending
	s.pending = nil
	s.mu.Unlock()

	if st != nil {
		if err := s.writeLocal(st); err != nil {
			fmt.Fprintf(os.Stderr, "[Store] flush %s failed: %v\n", s.cfg.Path, err)
		}
		s.mirrorToRedis(st)
	}
}

// Close flushes any pending write and stops accepting new ones.
func (s *Store) Close() {
	s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.rdb != nil {
		s.rdb.Close()
	}
}
