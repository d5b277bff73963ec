// Package database implements the storage interface for a piece tracker
// keeping the catalog, the peer registry and the piece index in an SQL
// database through gorm.
package database

import (
	"context"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/stop"
	"github.com/chihaya/piecetracker/storage"
)

// Name is the name by which this store is logged.
const Name = "database"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultDsn                         = "data/piecetracker.sqlite"
)

func init() {
	// Register the storage drivers.
	storage.RegisterDriver("postgres", postgresDriver{})
	storage.RegisterDriver("sqlite", sqliteDriver{})
}

type postgresDriver struct{}
type sqliteDriver struct{}

func decodeConfig(icfg interface{}) (cfg Config, err error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return cfg, err
	}

	// Unmarshal the bytes into the proper config type.
	err = yaml.Unmarshal(bytes, &cfg)
	return cfg, err
}

func (d postgresDriver) NewStore(icfg interface{}) (storage.Store, error) {
	cfg, err := decodeConfig(icfg)
	if err != nil {
		return nil, err
	}
	return NewPostgres(cfg)
}

func (d sqliteDriver) NewStore(icfg interface{}) (storage.Store, error) {
	cfg, err := decodeConfig(icfg)
	if err != nil {
		return nil, err
	}
	return NewSqlite(cfg)
}

// Config holds the configuration of a database Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	Dsn                         string        `yaml:"dsn"`
	LogQueries                  bool          `yaml:"log_queries"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"dsn":                cfg.Dsn,
		"logQueries":         cfg.LogQueries,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Dsn == "" {
		validcfg.Dsn = defaultDsn
		log.Warn("falling back to default dsn", log.Fields{
			"name":     Name + ".dsn",
			"provided": cfg.Dsn,
			"default":  validcfg.Dsn,
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

func (cfg Config) gormConfig() *gorm.Config {
	level := logger.Silent
	if cfg.LogQueries {
		level = logger.Info
	}
	return &gorm.Config{Logger: logger.Default.LogMode(level)}
}

// NewPostgres creates a new Store backed by a postgres database.
func NewPostgres(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	db, err := gorm.Open(postgres.Open(cfg.Dsn), cfg.gormConfig())
	if err != nil {
		return nil, storage.Failure("database: open postgres", err)
	}

	return newStore(cfg, db, true)
}

// NewSqlite creates a new Store backed by an sqlite database.
//
// SQLite allows a single writer, so the store uses a single connection and
// its transactions are serialized.
func NewSqlite(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	db, err := gorm.Open(sqlite.Open(cfg.Dsn), cfg.gormConfig())
	if err != nil {
		return nil, storage.Failure("database: open sqlite", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storage.Failure("database: open sqlite", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return newStore(cfg, db, false)
}

func newStore(cfg Config, db *gorm.DB, lockRows bool) (*store, error) {
	if err := db.AutoMigrate(&torrentRow{}, &peerRow{}, &pieceHolderRow{}); err != nil {
		return nil, storage.Failure("database: migrate", err)
	}

	s := &store{
		cfg:      cfg,
		db:       db,
		lockRows: lockRows,
		closed:   make(chan struct{}),
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
	db  *gorm.DB

	// lockRows selects peer rows FOR UPDATE inside announces. Dialects with
	// database-level write serialization don't need it.
	lockRows bool

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

func (s *store) panicIfClosed() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped database store")
	default:
	}
}

// populateProm counts the rows of every table and posts them to prometheus.
func (s *store) populateProm() {
	var torrents, peers, buckets int64

	if err := s.db.Model(&torrentRow{}).Count(&torrents).Error; err != nil {
		log.Error("storage: failed to count torrents", log.Err(err))
		return
	}
	if err := s.db.Model(&peerRow{}).Count(&peers).Error; err != nil {
		log.Error("storage: failed to count peers", log.Err(err))
		return
	}
	err := s.db.Raw(`SELECT COUNT(*) FROM (
		SELECT DISTINCT torrent_id, filename, piece_index FROM piece_holders
	) AS buckets`).Row().Scan(&buckets)
	if err != nil {
		log.Error("storage: failed to count buckets", log.Err(err))
		return
	}

	storage.PromTorrentsCount.Set(float64(torrents))
	storage.PromPeersCount.Set(float64(peers))
	storage.PromBucketsCount.Set(float64(buckets))
}

func (s *store) withContext(ctx context.Context) *gorm.DB {
	s.panicIfClosed()
	return s.db.WithContext(ctx)
}

// Stop implements stop.Stopper.
func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()

		sqlDB, err := s.db.DB()
		if err != nil {
			c.Done(err)
			return
		}
		c.Done(sqlDB.Close())
	}()

	return c.Result()
}

// LogFields renders the store as a set of log fields.
func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
