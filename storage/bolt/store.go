// Package bolt implements the storage interface for a piece tracker
// persisting the catalog, the peer registry and the piece index in a single
// bbolt file.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/netip"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v2"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/stop"
	"github.com/chihaya/piecetracker/storage"
)

// Name is the name by which this store is registered.
const Name = "bolt"

// Default config constants.
const (
	defaultPath                        = "data/piecetracker.db"
	defaultOpenTimeout                 = time.Second * 5
	defaultPrometheusReportingInterval = time.Second * 1
)

var (
	torrentsBucket = []byte("torrents")
	peersBucket    = []byte("peers")
	holdersBucket  = []byte("holders")
)

// ErrMissingBucket is returned if a required bucket does not exist.
var ErrMissingBucket = errors.New("missing bucket")

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

// Config holds the configuration of a bolt Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	Path                        string        `yaml:"path"`
	OpenTimeout                 time.Duration `yaml:"open_timeout"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"path":               cfg.Path,
		"openTimeout":        cfg.OpenTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Path == "" {
		validcfg.Path = defaultPath
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Path",
			"provided": cfg.Path,
			"default":  validcfg.Path,
		})
	}

	if cfg.OpenTimeout <= 0 {
		validcfg.OpenTimeout = defaultOpenTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".OpenTimeout",
			"provided": cfg.OpenTimeout,
			"default":  validcfg.OpenTimeout,
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

// New opens or creates the bolt file named by the config and returns a Store
// backed by it.
func New(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, storage.Failure("bolt: open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{torrentsBucket, peersBucket, holdersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storage.Failure("bolt: create buckets", err)
	}

	s := &store{
		cfg:    cfg,
		db:     db,
		closed: make(chan struct{}),
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

type store struct {
	cfg Config
	db  *bolt.DB

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

func (s *store) panicIfClosed() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped bolt store")
	default:
	}
}

// bucketPrefix is the part of a holders key shared by every holder of k.
func bucketPrefix(k bittorrent.PieceKey) []byte {
	b := make([]byte, 0, 2+len(k.TorrentID)+2+len(k.Filename)+4)
	b = binary.BigEndian.AppendUint16(b, uint16(len(k.TorrentID)))
	b = append(b, k.TorrentID...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(k.Filename)))
	b = append(b, k.Filename...)
	return binary.BigEndian.AppendUint32(b, k.Index)
}

func holderKey(k bittorrent.PieceKey, id bittorrent.PeerID) []byte {
	return append(bucketPrefix(k), id...)
}

// update runs fn in a read-write transaction. Client errors returned by fn
// pass through, anything else becomes a failure of op.
func (s *store) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	s.panicIfClosed()
	if err := ctx.Err(); err != nil {
		return storage.Failure("bolt: "+op, err)
	}

	err := s.db.Update(fn)
	if _, ok := err.(bittorrent.ClientError); ok {
		return err
	}
	return storage.Failure("bolt: "+op, err)
}

// view is the read-only counterpart of update.
func (s *store) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	s.panicIfClosed()
	if err := ctx.Err(); err != nil {
		return storage.Failure("bolt: "+op, err)
	}

	err := s.db.View(fn)
	if _, ok := err.(bittorrent.ClientError); ok {
		return err
	}
	return storage.Failure("bolt: "+op, err)
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, ErrMissingBucket
	}
	return b, nil
}

func (s *store) PutTorrent(ctx context.Context, t bittorrent.Torrent) error {
	return s.update(ctx, "put torrent", func(tx *bolt.Tx) error {
		b, err := bucket(tx, torrentsBucket)
		if err != nil {
			return err
		}
		if b.Get([]byte(t.ID)) != nil {
			return storage.ErrResourceExists
		}
		return putJSON(b, []byte(t.ID), t)
	})
}

func (s *store) Torrent(ctx context.Context, id bittorrent.TorrentID) (t bittorrent.Torrent, err error) {
	err = s.view(ctx, "get torrent", func(tx *bolt.Tx) error {
		b, err := bucket(tx, torrentsBucket)
		if err != nil {
			return err
		}
		v := b.Get([]byte(id))
		if v == nil {
			return storage.ErrResourceDoesNotExist
		}
		return json.Unmarshal(v, &t)
	})
	return
}

func (s *store) UpdateTorrent(ctx context.Context, t bittorrent.Torrent) error {
	return s.update(ctx, "update torrent", func(tx *bolt.Tx) error {
		b, err := bucket(tx, torrentsBucket)
		if err != nil {
			return err
		}
		if b.Get([]byte(t.ID)) == nil {
			return storage.ErrResourceDoesNotExist
		}
		return putJSON(b, []byte(t.ID), t)
	})
}

func (s *store) DeleteTorrent(ctx context.Context, id bittorrent.TorrentID) error {
	return s.update(ctx, "delete torrent", func(tx *bolt.Tx) error {
		b, err := bucket(tx, torrentsBucket)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return storage.ErrResourceDoesNotExist
		}
		return b.Delete([]byte(id))
	})
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, encoded)
}

func getPeer(peers *bolt.Bucket, id bittorrent.PeerID) (storage.PeerRecord, error) {
	var r storage.PeerRecord
	v := peers.Get([]byte(id))
	if v == nil {
		return r, storage.ErrResourceDoesNotExist
	}
	err := json.Unmarshal(v, &r)
	return r, err
}

// writePeer stores next as the record of its peer and moves the peer from
// the buckets of prev to the buckets of next.
func writePeer(tx *bolt.Tx, prev bittorrent.Membership, next bittorrent.Peer) error {
	peers, err := bucket(tx, peersBucket)
	if err != nil {
		return err
	}
	holders, err := bucket(tx, holdersBucket)
	if err != nil {
		return err
	}

	r, err := storage.EncodePeer(next)
	if err != nil {
		return err
	}
	if err := putJSON(peers, []byte(next.ID), r); err != nil {
		return err
	}

	removed, added := prev.Diff(next.Torrents)
	for _, k := range removed {
		if err := holders.Delete(holderKey(k, next.ID)); err != nil {
			return err
		}
	}
	for _, k := range added {
		if err := holders.Put(holderKey(k, next.ID), []byte{}); err != nil {
			return err
		}
	}
	storage.RecordAnnounceDiff(len(removed), len(added))
	return nil
}

func (s *store) PutPeer(ctx context.Context, p bittorrent.Peer) error {
	return s.update(ctx, "put peer", func(tx *bolt.Tx) error {
		peers, err := bucket(tx, peersBucket)
		if err != nil {
			return err
		}
		if peers.Get([]byte(p.ID)) != nil {
			return storage.ErrResourceExists
		}
		return writePeer(tx, nil, p)
	})
}

func (s *store) Peer(ctx context.Context, id bittorrent.PeerID) (p bittorrent.Peer, err error) {
	err = s.view(ctx, "get peer", func(tx *bolt.Tx) error {
		peers, err := bucket(tx, peersBucket)
		if err != nil {
			return err
		}
		r, err := getPeer(peers, id)
		if err != nil {
			return err
		}
		p, err = r.Decode()
		return err
	})
	return
}

func (s *store) AnnouncePeer(ctx context.Context, id bittorrent.PeerID, addr netip.AddrPort, m bittorrent.Membership, liveUntil time.Time) error {
	return s.update(ctx, "announce", func(tx *bolt.Tx) error {
		peers, err := bucket(tx, peersBucket)
		if err != nil {
			return err
		}
		r, err := getPeer(peers, id)
		if err != nil {
			return err
		}
		prev, err := r.Decode()
		if err != nil {
			return err
		}

		next := prev
		next.AddrPort = addr
		next.LiveUntil = liveUntil
		next.Torrents = m
		return writePeer(tx, prev.Torrents, next)
	})
}

func (s *store) AddPeerTraffic(ctx context.Context, id bittorrent.PeerID, downloaded, uploaded uint64) error {
	return s.update(ctx, "add traffic", func(tx *bolt.Tx) error {
		peers, err := bucket(tx, peersBucket)
		if err != nil {
			return err
		}
		r, err := getPeer(peers, id)
		if err != nil {
			return err
		}
		r.Downloaded += downloaded
		r.Uploaded += uploaded
		return putJSON(peers, []byte(id), r)
	})
}

func (s *store) DeletePeer(ctx context.Context, id bittorrent.PeerID) error {
	_, err := s.deletePeer(ctx, "delete peer", id, func(bittorrent.Peer) bool { return true })
	return err
}

func (s *store) DeletePeerIfExpired(ctx context.Context, id bittorrent.PeerID, cutoff time.Time) (bool, error) {
	return s.deletePeer(ctx, "delete expired peer", id, func(p bittorrent.Peer) bool { return !p.IsLive(cutoff) })
}

// deletePeer removes peer id and its holder entries in one transaction if
// doomed holds for the stored peer.
func (s *store) deletePeer(ctx context.Context, op string, id bittorrent.PeerID, doomed func(bittorrent.Peer) bool) (deleted bool, err error) {
	err = s.update(ctx, op, func(tx *bolt.Tx) error {
		peers, err := bucket(tx, peersBucket)
		if err != nil {
			return err
		}
		r, err := getPeer(peers, id)
		if err != nil {
			return err
		}
		p, err := r.Decode()
		if err != nil {
			return err
		}
		if !doomed(p) {
			return nil
		}

		holders, err := bucket(tx, holdersBucket)
		if err != nil {
			return err
		}
		removed, _ := p.Torrents.Diff(nil)
		for _, k := range removed {
			if err := holders.Delete(holderKey(k, id)); err != nil {
				return err
			}
		}
		storage.RecordAnnounceDiff(len(removed), 0)
		deleted = true
		return peers.Delete([]byte(id))
	})
	return deleted && err == nil, err
}

func (s *store) PeersExpiredBefore(ctx context.Context, cutoff time.Time) (ids []bittorrent.PeerID, err error) {
	limit := storage.UnixNano(cutoff)
	err = s.view(ctx, "expired peers", func(tx *bolt.Tx) error {
		peers, err := bucket(tx, peersBucket)
		if err != nil {
			return err
		}
		return peers.ForEach(func(k, v []byte) error {
			var r storage.PeerRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.LiveUntil <= limit {
				ids = append(ids, bittorrent.PeerID(k))
			}
			return nil
		})
	})
	return
}

func (s *store) PieceHolders(ctx context.Context, keys []bittorrent.PieceKey) (holders [][]bittorrent.Endpoint, err error) {
	err = s.view(ctx, "piece holders", func(tx *bolt.Tx) error {
		peers, err := bucket(tx, peersBucket)
		if err != nil {
			return err
		}
		index, err := bucket(tx, holdersBucket)
		if err != nil {
			return err
		}

		holders = make([][]bittorrent.Endpoint, len(keys))
		c := index.Cursor()
		for i, key := range keys {
			holders[i] = []bittorrent.Endpoint{}
			prefix := bucketPrefix(key)
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				r, err := getPeer(peers, bittorrent.PeerID(k[len(prefix):]))
				if err != nil {
					return err
				}
				e, err := r.Endpoint()
				if err != nil {
					return err
				}
				holders[i] = append(holders[i], e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return holders, nil
}

func (s *store) populateProm() {
	var torrents, peers, buckets int
	err := s.db.View(func(tx *bolt.Tx) error {
		torrents = tx.Bucket(torrentsBucket).Stats().KeyN
		peers = tx.Bucket(peersBucket).Stats().KeyN

		var last []byte
		return tx.Bucket(holdersBucket).ForEach(func(k, _ []byte) error {
			prefix, ok := splitPrefix(k)
			if ok && !bytes.Equal(prefix, last) {
				buckets++
				last = append(last[:0], prefix...)
			}
			return nil
		})
	})
	if err != nil {
		log.Error("storage: failed to count rows", log.Err(err))
		return
	}

	storage.PromTorrentsCount.Set(float64(torrents))
	storage.PromPeersCount.Set(float64(peers))
	storage.PromBucketsCount.Set(float64(buckets))
}

// splitPrefix returns the bucket prefix of a holders key.
func splitPrefix(k []byte) ([]byte, bool) {
	n := 0
	for i := 0; i < 2; i++ {
		if len(k) < n+2 {
			return nil, false
		}
		n += 2 + int(binary.BigEndian.Uint16(k[n:]))
	}
	n += 4
	if len(k) < n {
		return nil, false
	}
	return k[:n], true
}

// Stop implements stop.Stopper.
func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()
		c.Done(s.db.Close())
	}()

	return c.Result()
}

// LogFields renders the store as a set of log fields.
func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
