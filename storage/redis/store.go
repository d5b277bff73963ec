// Package redis implements the storage interface for a piece tracker
// keeping the catalog, the peer registry and the piece index in Redis, so
// that several tracker instances can share them.
//
// Layout, relative to the configured key prefix:
//
//	torrent:<id>                               string, JSON encoded Torrent
//	torrents                                   set of torrent IDs
//	peer:<id>                                  hash: ip, port, live_until, downloaded, uploaded, torrents
//	peers                                      sorted set of peer IDs scored by LiveUntil in ms
//	bucket:<n>:<torrentId>:<index>:<filename>  set of peer IDs holding the piece; n is len(torrentId)
//	lock:peer:<id>                             redsync mutex serializing writes of one peer
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redigolib "github.com/gomodule/redigo/redis"
	"gopkg.in/yaml.v2"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/stop"
	"github.com/chihaya/piecetracker/storage"
)

// Name is the name by which this store is registered.
const Name = "redis"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultRedisBroker                 = "redis://myRedis@127.0.0.1:6379/0"
	defaultRedisReadTimeout            = time.Second * 15
	defaultRedisWriteTimeout           = time.Second * 15
	defaultRedisConnectTimeout         = time.Second * 15
	defaultMaxIdle                     = 3
	defaultLockExpiry                  = time.Second * 8
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

// Config holds the configuration of a redis Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	RedisBroker                 string        `yaml:"redis_broker"`
	RedisReadTimeout            time.Duration `yaml:"redis_read_timeout"`
	RedisWriteTimeout           time.Duration `yaml:"redis_write_timeout"`
	RedisConnectTimeout         time.Duration `yaml:"redis_connect_timeout"`
	MaxIdle                     int           `yaml:"max_idle"`
	KeyPrefix                   string        `yaml:"key_prefix"`
	LockExpiry                  time.Duration `yaml:"lock_expiry"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":                Name,
		"promReportInterval":  cfg.PrometheusReportingInterval,
		"redisBroker":         cfg.RedisBroker,
		"redisReadTimeout":    cfg.RedisReadTimeout,
		"redisWriteTimeout":   cfg.RedisWriteTimeout,
		"redisConnectTimeout": cfg.RedisConnectTimeout,
		"maxIdle":             cfg.MaxIdle,
		"keyPrefix":           cfg.KeyPrefix,
		"lockExpiry":          cfg.LockExpiry,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	warn := func(field string, provided, def interface{}) {
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + "." + field,
			"provided": provided,
			"default":  def,
		})
	}

	if cfg.RedisBroker == "" {
		validcfg.RedisBroker = defaultRedisBroker
		warn("RedisBroker", cfg.RedisBroker, validcfg.RedisBroker)
	}
	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		warn("PrometheusReportingInterval", cfg.PrometheusReportingInterval, validcfg.PrometheusReportingInterval)
	}
	if cfg.RedisReadTimeout <= 0 {
		validcfg.RedisReadTimeout = defaultRedisReadTimeout
		warn("RedisReadTimeout", cfg.RedisReadTimeout, validcfg.RedisReadTimeout)
	}
	if cfg.RedisWriteTimeout <= 0 {
		validcfg.RedisWriteTimeout = defaultRedisWriteTimeout
		warn("RedisWriteTimeout", cfg.RedisWriteTimeout, validcfg.RedisWriteTimeout)
	}
	if cfg.RedisConnectTimeout <= 0 {
		validcfg.RedisConnectTimeout = defaultRedisConnectTimeout
		warn("RedisConnectTimeout", cfg.RedisConnectTimeout, validcfg.RedisConnectTimeout)
	}
	if cfg.MaxIdle <= 0 {
		validcfg.MaxIdle = defaultMaxIdle
		warn("MaxIdle", cfg.MaxIdle, validcfg.MaxIdle)
	}
	if cfg.LockExpiry <= 0 {
		validcfg.LockExpiry = defaultLockExpiry
		warn("LockExpiry", cfg.LockExpiry, validcfg.LockExpiry)
	}

	return validcfg
}

// New creates a new Store backed by redis.
func New(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	u, err := parseRedisURL(cfg.RedisBroker)
	if err != nil {
		return nil, err
	}

	s := &store{
		cfg:    cfg,
		rb:     newRedisBackend(&cfg, u, u.SocketPath),
		closed: make(chan struct{}),
	}

	// Fail early on an unreachable server.
	conn, err := s.rb.open(context.Background())
	if err != nil {
		return nil, storage.Failure("redis: connect", err)
	}
	_, err = conn.Do("PING")
	conn.Close()
	if err != nil {
		return nil, storage.Failure("redis: ping", err)
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
	cfg    Config
	rb     *redisBackend
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

func (s *store) panicIfClosed() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped redis store")
	default:
	}
}

func (s *store) torrentKey(id bittorrent.TorrentID) string { return s.cfg.KeyPrefix + "torrent:" + string(id) }
func (s *store) torrentsKey() string                       { return s.cfg.KeyPrefix + "torrents" }
func (s *store) peerKey(id bittorrent.PeerID) string       { return s.cfg.KeyPrefix + "peer:" + string(id) }
func (s *store) peersKey() string                          { return s.cfg.KeyPrefix + "peers" }
func (s *store) lockKey(id bittorrent.PeerID) string       { return s.cfg.KeyPrefix + "lock:peer:" + string(id) }

// bucketKey is bucket:<len(torrentId)>:<torrentId>:<index>:<filename>.
// The length makes the torrentId end unambiguous and the index is all
// digits, so the filename is whatever follows it.
func (s *store) bucketKey(k bittorrent.PieceKey) string {
	return fmt.Sprintf("%sbucket:%d:%s:%d:%s", s.cfg.KeyPrefix, len(k.TorrentID), k.TorrentID, k.Index, k.Filename)
}

// exec runs EXEC and reports the first error redis embedded in its reply.
func exec(ctx context.Context, conn redigolib.Conn) error {
	replies, err := redigolib.Values(redigolib.DoContext(conn, ctx, "EXEC"))
	if err != nil {
		return err
	}
	for _, reply := range replies {
		if err, ok := reply.(redigolib.Error); ok {
			return err
		}
	}
	return nil
}

// score is the sorted set score of a LiveUntil.
func score(liveUntil time.Time) int64 {
	return storage.UnixNano(liveUntil) / int64(time.Millisecond)
}

func (s *store) populateProm() {
	conn, err := s.rb.open(context.Background())
	if err != nil {
		log.Error("storage: failed to open redis connection", log.Err(err))
		return
	}
	defer conn.Close()

	if n, err := redigolib.Int64(conn.Do("SCARD", s.torrentsKey())); err != nil {
		log.Error("storage: SCARD failure", log.Fields{"key": s.torrentsKey()}, log.Err(err))
	} else {
		storage.PromTorrentsCount.Set(float64(n))
	}

	if n, err := redigolib.Int64(conn.Do("ZCARD", s.peersKey())); err != nil {
		log.Error("storage: ZCARD failure", log.Fields{"key": s.peersKey()}, log.Err(err))
	} else {
		storage.PromPeersCount.Set(float64(n))
	}
}

// withConn runs fn with a pooled connection and turns its errors into
// storage failures of op. Client errors returned by fn pass through.
func (s *store) withConn(ctx context.Context, op string, fn func(redigolib.Conn) error) error {
	s.panicIfClosed()

	conn, err := s.rb.open(ctx)
	if err != nil {
		return storage.Failure("redis: "+op, err)
	}
	defer conn.Close()

	err = fn(conn)
	if _, ok := err.(bittorrent.ClientError); ok {
		return err
	}
	return storage.Failure("redis: "+op, err)
}

// withPeerLock runs fn while holding the mutex of peer id.
func (s *store) withPeerLock(ctx context.Context, op string, id bittorrent.PeerID, fn func(redigolib.Conn) error) error {
	s.panicIfClosed()

	mutex := s.rb.redsync.NewMutex(s.lockKey(id), redsync.WithExpiry(s.cfg.LockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		return storage.Failure("redis: "+op+": lock", err)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			log.Warn("storage: failed to release peer lock", log.Fields{"peerID": id}, log.Err(err))
		}
	}()

	return s.withConn(ctx, op, fn)
}

func (s *store) PutTorrent(ctx context.Context, t bittorrent.Torrent) error {
	data, err := json.Marshal(t)
	if err != nil {
		return storage.Failure("redis: encode torrent", err)
	}

	return s.withConn(ctx, "put torrent", func(conn redigolib.Conn) error {
		reply, err := redigolib.DoContext(conn, ctx, "SET", s.torrentKey(t.ID), data, "NX")
		if err != nil {
			return err
		}
		if reply == nil {
			return storage.ErrResourceExists
		}
		_, err = redigolib.DoContext(conn, ctx, "SADD", s.torrentsKey(), string(t.ID))
		return err
	})
}

func (s *store) Torrent(ctx context.Context, id bittorrent.TorrentID) (t bittorrent.Torrent, err error) {
	err = s.withConn(ctx, "get torrent", func(conn redigolib.Conn) error {
		data, err := redigolib.Bytes(redigolib.DoContext(conn, ctx, "GET", s.torrentKey(id)))
		if err == redigolib.ErrNil {
			return storage.ErrResourceDoesNotExist
		} else if err != nil {
			return err
		}
		return json.Unmarshal(data, &t)
	})
	return
}

func (s *store) UpdateTorrent(ctx context.Context, t bittorrent.Torrent) error {
	data, err := json.Marshal(t)
	if err != nil {
		return storage.Failure("redis: encode torrent", err)
	}

	return s.withConn(ctx, "update torrent", func(conn redigolib.Conn) error {
		reply, err := redigolib.DoContext(conn, ctx, "SET", s.torrentKey(t.ID), data, "XX")
		if err != nil {
			return err
		}
		if reply == nil {
			return storage.ErrResourceDoesNotExist
		}
		return nil
	})
}

func (s *store) DeleteTorrent(ctx context.Context, id bittorrent.TorrentID) error {
	return s.withConn(ctx, "delete torrent", func(conn redigolib.Conn) error {
		n, err := redigolib.Int(redigolib.DoContext(conn, ctx, "DEL", s.torrentKey(id)))
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrResourceDoesNotExist
		}
		_, err = redigolib.DoContext(conn, ctx, "SREM", s.torrentsKey(), string(id))
		return err
	})
}

// readPeer loads the record of peer id.
func (s *store) readPeer(ctx context.Context, conn redigolib.Conn, id bittorrent.PeerID) (storage.PeerRecord, error) {
	fields, err := redigolib.StringMap(redigolib.DoContext(conn, ctx, "HGETALL", s.peerKey(id)))
	if err != nil {
		return storage.PeerRecord{}, err
	}
	if len(fields) == 0 {
		return storage.PeerRecord{}, storage.ErrResourceDoesNotExist
	}
	return decodeRecord(id, fields)
}

func decodeRecord(id bittorrent.PeerID, fields map[string]string) (r storage.PeerRecord, err error) {
	r.ID = string(id)
	r.IP = fields["ip"]
	r.Torrents = json.RawMessage(fields["torrents"])

	port, err := strconv.ParseUint(fields["port"], 10, 16)
	if err != nil {
		return r, err
	}
	r.Port = uint16(port)

	if r.LiveUntil, err = strconv.ParseInt(fields["live_until"], 10, 64); err != nil {
		return r, err
	}
	if r.Downloaded, err = strconv.ParseUint(fields["downloaded"], 10, 64); err != nil {
		return r, err
	}
	if r.Uploaded, err = strconv.ParseUint(fields["uploaded"], 10, 64); err != nil {
		return r, err
	}
	return r, nil
}

// sendMembershipDiff queues the bucket updates moving id from the buckets
// of removed to the buckets of added.
func (s *store) sendMembershipDiff(conn redigolib.Conn, id bittorrent.PeerID, removed, added []bittorrent.PieceKey) error {
	for _, k := range removed {
		if err := conn.Send("SREM", s.bucketKey(k), string(id)); err != nil {
			return err
		}
	}
	for _, k := range added {
		if err := conn.Send("SADD", s.bucketKey(k), string(id)); err != nil {
			return err
		}
	}
	storage.RecordAnnounceDiff(len(removed), len(added))
	return nil
}

// writePeer replaces the stored record of p and moves p between buckets
// according to the diff from prev, all in one MULTI/EXEC.
func (s *store) writePeer(ctx context.Context, conn redigolib.Conn, prev bittorrent.Membership, p bittorrent.Peer) error {
	r, err := storage.EncodePeer(p)
	if err != nil {
		return err
	}
	removed, added := prev.Diff(p.Torrents)

	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	if err := s.sendMembershipDiff(conn, p.ID, removed, added); err != nil {
		return err
	}
	err = conn.Send("HMSET", s.peerKey(p.ID),
		"ip", r.IP,
		"port", r.Port,
		"live_until", r.LiveUntil,
		"downloaded", r.Downloaded,
		"uploaded", r.Uploaded,
		"torrents", []byte(r.Torrents),
	)
	if err != nil {
		return err
	}
	if err := conn.Send("ZADD", s.peersKey(), score(p.LiveUntil), string(p.ID)); err != nil {
		return err
	}
	return exec(ctx, conn)
}

func (s *store) PutPeer(ctx context.Context, p bittorrent.Peer) error {
	return s.withPeerLock(ctx, "put peer", p.ID, func(conn redigolib.Conn) error {
		exists, err := redigolib.Bool(redigolib.DoContext(conn, ctx, "EXISTS", s.peerKey(p.ID)))
		if err != nil {
			return err
		}
		if exists {
			return storage.ErrResourceExists
		}
		return s.writePeer(ctx, conn, nil, p)
	})
}

func (s *store) Peer(ctx context.Context, id bittorrent.PeerID) (p bittorrent.Peer, err error) {
	err = s.withConn(ctx, "get peer", func(conn redigolib.Conn) error {
		r, err := s.readPeer(ctx, conn, id)
		if err != nil {
			return err
		}
		p, err = r.Decode()
		return err
	})
	return
}

func (s *store) AnnouncePeer(ctx context.Context, id bittorrent.PeerID, addr netip.AddrPort, m bittorrent.Membership, liveUntil time.Time) error {
	return s.withPeerLock(ctx, "announce", id, func(conn redigolib.Conn) error {
		r, err := s.readPeer(ctx, conn, id)
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
		return s.writePeer(ctx, conn, prev.Torrents, next)
	})
}

func (s *store) AddPeerTraffic(ctx context.Context, id bittorrent.PeerID, downloaded, uploaded uint64) error {
	return s.withPeerLock(ctx, "add traffic", id, func(conn redigolib.Conn) error {
		r, err := s.readPeer(ctx, conn, id)
		if err != nil {
			return err
		}
		_, err = redigolib.DoContext(conn, ctx, "HMSET", s.peerKey(id),
			"downloaded", r.Downloaded+downloaded,
			"uploaded", r.Uploaded+uploaded,
		)
		return err
	})
}

func (s *store) DeletePeer(ctx context.Context, id bittorrent.PeerID) error {
	_, err := s.deletePeer(ctx, "delete peer", id, func(bittorrent.Peer) bool { return true })
	return err
}

func (s *store) DeletePeerIfExpired(ctx context.Context, id bittorrent.PeerID, cutoff time.Time) (bool, error) {
	return s.deletePeer(ctx, "delete expired peer", id, func(p bittorrent.Peer) bool { return !p.IsLive(cutoff) })
}

// deletePeer removes peer id from its buckets and the registry if doomed
// holds for it while its lock is held.
func (s *store) deletePeer(ctx context.Context, op string, id bittorrent.PeerID, doomed func(bittorrent.Peer) bool) (deleted bool, err error) {
	err = s.withPeerLock(ctx, op, id, func(conn redigolib.Conn) error {
		r, err := s.readPeer(ctx, conn, id)
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
		removed, _ := p.Torrents.Diff(nil)

		if err := conn.Send("MULTI"); err != nil {
			return err
		}
		if err := s.sendMembershipDiff(conn, id, removed, nil); err != nil {
			return err
		}
		if err := conn.Send("DEL", s.peerKey(id)); err != nil {
			return err
		}
		if err := conn.Send("ZREM", s.peersKey(), string(id)); err != nil {
			return err
		}
		if err := exec(ctx, conn); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted && err == nil, err
}

func (s *store) PeersExpiredBefore(ctx context.Context, cutoff time.Time) (ids []bittorrent.PeerID, err error) {
	err = s.withConn(ctx, "expired peers", func(conn redigolib.Conn) error {
		candidates, err := redigolib.Strings(redigolib.DoContext(conn, ctx, "ZRANGEBYSCORE", s.peersKey(), "-inf", score(cutoff)))
		if err != nil {
			return err
		}

		// Scores are truncated to milliseconds, the stored LiveUntil decides.
		for _, c := range candidates {
			if err := conn.Send("HGET", s.peerKey(bittorrent.PeerID(c)), "live_until"); err != nil {
				return err
			}
		}
		if err := conn.Flush(); err != nil {
			return err
		}

		cutoffNanos := storage.UnixNano(cutoff)
		for _, c := range candidates {
			liveUntil, err := redigolib.Int64(conn.Receive())
			if err == redigolib.ErrNil {
				continue
			} else if err != nil {
				return err
			}
			if liveUntil <= cutoffNanos {
				ids = append(ids, bittorrent.PeerID(c))
			}
		}
		return nil
	})
	return
}

func (s *store) PieceHolders(ctx context.Context, keys []bittorrent.PieceKey) (holders [][]bittorrent.Endpoint, err error) {
	err = s.withConn(ctx, "piece holders", func(conn redigolib.Conn) error {
		for _, k := range keys {
			if err := conn.Send("SMEMBERS", s.bucketKey(k)); err != nil {
				return err
			}
		}
		if err := conn.Flush(); err != nil {
			return err
		}

		members := make([][]string, len(keys))
		unique := make(map[string]struct{})
		for i := range keys {
			ids, err := redigolib.Strings(conn.Receive())
			if err != nil {
				return err
			}
			members[i] = ids
			for _, id := range ids {
				unique[id] = struct{}{}
			}
		}

		order := make([]string, 0, len(unique))
		for id := range unique {
			order = append(order, id)
			if err := conn.Send("HMGET", s.peerKey(bittorrent.PeerID(id)), "ip", "port", "live_until"); err != nil {
				return err
			}
		}
		if err := conn.Flush(); err != nil {
			return err
		}

		endpoints := make(map[string]bittorrent.Endpoint, len(order))
		for _, id := range order {
			values, err := redigolib.Strings(conn.Receive())
			if err != nil {
				return err
			}
			if len(values) != 3 || values[0] == "" {
				// Deleted since the bucket was read.
				continue
			}
			e, err := decodeEndpoint(id, values)
			if err != nil {
				return err
			}
			endpoints[id] = e
		}

		holders = make([][]bittorrent.Endpoint, len(keys))
		for i, ids := range members {
			holders[i] = make([]bittorrent.Endpoint, 0, len(ids))
			for _, id := range ids {
				if e, ok := endpoints[id]; ok {
					holders[i] = append(holders[i], e)
				}
			}
		}
		return nil
	})
	return
}

func decodeEndpoint(id string, values []string) (bittorrent.Endpoint, error) {
	port, err := strconv.ParseUint(values[1], 10, 16)
	if err != nil {
		return bittorrent.Endpoint{}, err
	}
	liveUntil, err := strconv.ParseInt(values[2], 10, 64)
	if err != nil {
		return bittorrent.Endpoint{}, err
	}
	return storage.PeerRecord{ID: id, IP: values[0], Port: uint16(port), LiveUntil: liveUntil}.Endpoint()
}

// Stop implements stop.Stopper.
func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()
		log.Info("storage: exiting. piecetracker does not clear data in redis when exiting. piecetracker keys have prefix " + strconv.Quote(s.cfg.KeyPrefix))
		c.Done(s.rb.pool.Close())
	}()

	return c.Result()
}

// LogFields renders the store as a set of log fields.
func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
