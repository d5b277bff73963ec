// Package memory implements the storage interface for a piece tracker
// keeping the catalog, the peer registry and the piece index in memory.
package memory

import (
	"context"
	"hash/fnv"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/stop"
	"github.com/chihaya/piecetracker/storage"
)

// Name is the name by which this store is registered.
const Name = "memory"

// Default config constants.
const (
	defaultShardCount                  = 1024
	defaultPrometheusReportingInterval = time.Second * 1
)

func init() {
	// Register the storage driver.
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewStore(icfg interface{}) (storage.Store, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a memory Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	ShardCount                  int           `yaml:"shard_count"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"shardCount":         cfg.ShardCount,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PrometheusReportingInterval",
			"provided": cfg.PrometheusReportingInterval,
			"default":  validcfg.PrometheusReportingInterval,
		})
	}

	return validcfg
}

// New creates a new Store backed by memory.
func New(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	s := &store{
		cfg:         cfg,
		torrents:    make(map[bittorrent.TorrentID]bittorrent.Torrent),
		peerShards:  make([]*peerShard, cfg.ShardCount),
		indexShards: make([]*indexShard, cfg.ShardCount),
		closed:      make(chan struct{}),
	}

	for i := 0; i < cfg.ShardCount; i++ {
		s.peerShards[i] = &peerShard{peers: make(map[bittorrent.PeerID]*peerEntry)}
		s.indexShards[i] = &indexShard{buckets: make(map[bittorrent.PieceKey]bucket)}
	}

	// Start a goroutine for reporting statistics to Prometheus.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(cfg.PrometheusReportingInterval)
		for {
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
				before := time.Now()
				s.populateProm()
				log.Debug("storage: populateProm() finished", log.Fields{"timeTaken": time.Since(before)})
			}
		}
	}()

	return s, nil
}

// peerEntry is the registry record of one peer.
//
// record is guarded by the lock of the peer's shard. endpoint is what the
// buckets expose to readers; it is swapped while the index shards touched by
// the same announce are write-locked.
type peerEntry struct {
	record   bittorrent.Peer
	endpoint atomic.Pointer[bittorrent.Endpoint]
}

type peerShard struct {
	peers map[bittorrent.PeerID]*peerEntry
	sync.RWMutex
}

type store struct {
	cfg Config

	torrentsM sync.RWMutex
	torrents  map[bittorrent.TorrentID]bittorrent.Torrent

	peerShards  []*peerShard
	indexShards []*indexShard

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

func (s *store) panicIfClosed() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

func shardOf(id string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}

func (s *store) peerShard(id bittorrent.PeerID) *peerShard {
	return s.peerShards[shardOf(string(id), len(s.peerShards))]
}

func (s *store) populateProm() {
	s.torrentsM.RLock()
	torrents := len(s.torrents)
	s.torrentsM.RUnlock()

	var peers, buckets int
	for _, shard := range s.peerShards {
		shard.RLock()
		peers += len(shard.peers)
		shard.RUnlock()
	}
	for _, shard := range s.indexShards {
		shard.RLock()
		buckets += len(shard.buckets)
		shard.RUnlock()
	}

	storage.PromTorrentsCount.Set(float64(torrents))
	storage.PromPeersCount.Set(float64(peers))
	storage.PromBucketsCount.Set(float64(buckets))
}

func (s *store) PutTorrent(ctx context.Context, t bittorrent.Torrent) error {
	s.panicIfClosed()

	s.torrentsM.Lock()
	defer s.torrentsM.Unlock()

	if _, ok := s.torrents[t.ID]; ok {
		return storage.ErrResourceExists
	}
	s.torrents[t.ID] = t.Clone()
	return nil
}

func (s *store) Torrent(ctx context.Context, id bittorrent.TorrentID) (bittorrent.Torrent, error) {
	s.panicIfClosed()

	s.torrentsM.RLock()
	defer s.torrentsM.RUnlock()

	t, ok := s.torrents[id]
	if !ok {
		return bittorrent.Torrent{}, storage.ErrResourceDoesNotExist
	}
	return t.Clone(), nil
}

func (s *store) UpdateTorrent(ctx context.Context, t bittorrent.Torrent) error {
	s.panicIfClosed()

	s.torrentsM.Lock()
	defer s.torrentsM.Unlock()

	if _, ok := s.torrents[t.ID]; !ok {
		return storage.ErrResourceDoesNotExist
	}
	s.torrents[t.ID] = t.Clone()
	return nil
}

func (s *store) DeleteTorrent(ctx context.Context, id bittorrent.TorrentID) error {
	s.panicIfClosed()

	s.torrentsM.Lock()
	defer s.torrentsM.Unlock()

	if _, ok := s.torrents[id]; !ok {
		return storage.ErrResourceDoesNotExist
	}
	delete(s.torrents, id)
	return nil
}

func (s *store) PutPeer(ctx context.Context, p bittorrent.Peer) error {
	s.panicIfClosed()

	shard := s.peerShard(p.ID)
	shard.Lock()
	defer shard.Unlock()

	if _, ok := shard.peers[p.ID]; ok {
		return storage.ErrResourceExists
	}

	e := &peerEntry{}
	shard.peers[p.ID] = e
	s.swap(e, p.Clone())
	return nil
}

func (s *store) Peer(ctx context.Context, id bittorrent.PeerID) (bittorrent.Peer, error) {
	s.panicIfClosed()

	shard := s.peerShard(id)
	shard.RLock()
	defer shard.RUnlock()

	e, ok := shard.peers[id]
	if !ok {
		return bittorrent.Peer{}, storage.ErrResourceDoesNotExist
	}
	return e.record.Clone(), nil
}

func (s *store) AnnouncePeer(ctx context.Context, id bittorrent.PeerID, addr netip.AddrPort, m bittorrent.Membership, liveUntil time.Time) error {
	s.panicIfClosed()

	shard := s.peerShard(id)
	shard.Lock()
	defer shard.Unlock()

	e, ok := shard.peers[id]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	next := e.record
	next.AddrPort = addr
	next.LiveUntil = liveUntil
	next.Torrents = m.Clone()
	s.swap(e, next)
	return nil
}

func (s *store) AddPeerTraffic(ctx context.Context, id bittorrent.PeerID, downloaded, uploaded uint64) error {
	s.panicIfClosed()

	shard := s.peerShard(id)
	shard.Lock()
	defer shard.Unlock()

	e, ok := shard.peers[id]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}
	e.record.Downloaded += downloaded
	e.record.Uploaded += uploaded
	return nil
}

func (s *store) DeletePeer(ctx context.Context, id bittorrent.PeerID) error {
	_, err := s.deletePeer(id, func(bittorrent.Peer) bool { return true })
	return err
}

func (s *store) DeletePeerIfExpired(ctx context.Context, id bittorrent.PeerID, cutoff time.Time) (bool, error) {
	return s.deletePeer(id, func(p bittorrent.Peer) bool { return !p.IsLive(cutoff) })
}

// deletePeer removes peer id if doomed holds for it while the shard is
// locked.
func (s *store) deletePeer(id bittorrent.PeerID, doomed func(bittorrent.Peer) bool) (bool, error) {
	s.panicIfClosed()

	shard := s.peerShard(id)
	shard.Lock()
	defer shard.Unlock()

	e, ok := shard.peers[id]
	if !ok {
		return false, storage.ErrResourceDoesNotExist
	}
	if !doomed(e.record) {
		return false, nil
	}

	removed, _ := e.record.Torrents.Diff(nil)
	s.applyDiff(e, removed, nil, nil)
	delete(shard.peers, id)
	return true, nil
}

func (s *store) PeersExpiredBefore(ctx context.Context, cutoff time.Time) ([]bittorrent.PeerID, error) {
	s.panicIfClosed()

	var ids []bittorrent.PeerID
	for _, shard := range s.peerShards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		shard.RLock()
		for id, e := range shard.peers {
			if !e.record.LiveUntil.After(cutoff) {
				ids = append(ids, id)
			}
		}
		shard.RUnlock()

		runtime.Gosched()
	}
	return ids, nil
}

// swap replaces the record of e with next and moves e from the buckets of
// its previous membership to the buckets of the new one.
//
// The caller must hold the write lock of the peer's shard.
func (s *store) swap(e *peerEntry, next bittorrent.Peer) {
	removed, added := e.record.Torrents.Diff(next.Torrents)
	endpoint := next.Endpoint()
	s.applyDiff(e, removed, added, &endpoint)
	e.record = next
	storage.RecordAnnounceDiff(len(removed), len(added))
}

// Stop implements stop.Stopper.
func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()

		// Explicitly deallocate our storage.
		s.torrentsM.Lock()
		s.torrents = make(map[bittorrent.TorrentID]bittorrent.Torrent)
		s.torrentsM.Unlock()
		for _, shard := range s.peerShards {
			shard.Lock()
			shard.peers = make(map[bittorrent.PeerID]*peerEntry)
			shard.Unlock()
		}
		for _, shard := range s.indexShards {
			shard.Lock()
			shard.buckets = make(map[bittorrent.PieceKey]bucket)
			shard.Unlock()
		}

		c.Done()
	}()

	return c.Result()
}

// LogFields renders the store as a set of log fields.
func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
