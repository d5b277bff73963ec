// Package storage defines the repository interfaces of the piece tracker and
// the registry of drivers implementing them.
package storage

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of Store.
type Driver interface {
	NewStore(cfg interface{}) (Store, error)
}

// ErrResourceDoesNotExist is the error returned by every method of a Store
// that addresses a torrent or peer that does not exist.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// ErrResourceExists is returned by Put methods when the ID is already taken.
var ErrResourceExists = bittorrent.ClientError("resource already exists")

// ErrDriverDoesNotExist is the error returned by NewStore when a storage
// driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("storage driver with that name does not exist")

// Error is a failure of the backing store, such as a lost connection, a
// timeout or a corrupt record. It is never a client's fault.
type Error struct {
	Op  string
	Err error
}

// Failure wraps err, which occurred during op, into an *Error carrying a
// stack trace. Failure returns nil if err is nil.
func Failure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: errors.WithStack(err)}
}

func (e *Error) Error() string { return fmt.Sprintf("storage: %s: %s", e.Op, e.Err) }

// Cause implements the causer interface of github.com/pkg/errors.
func (e *Error) Cause() error { return e.Err }

// Unwrap allows errors.Is and errors.As to see through an Error.
func (e *Error) Unwrap() error { return e.Err }

// TorrentStore is the catalog of registered torrents.
type TorrentStore interface {
	// PutTorrent adds a Torrent to the catalog.
	//
	// If a Torrent with the same ID exists, ErrResourceExists is returned.
	PutTorrent(ctx context.Context, t bittorrent.Torrent) error

	// Torrent returns the Torrent identified by id.
	//
	// If it does not exist, ErrResourceDoesNotExist is returned.
	Torrent(ctx context.Context, id bittorrent.TorrentID) (bittorrent.Torrent, error)

	// UpdateTorrent replaces the files of an existing Torrent.
	//
	// If it does not exist, ErrResourceDoesNotExist is returned.
	UpdateTorrent(ctx context.Context, t bittorrent.Torrent) error

	// DeleteTorrent removes the Torrent identified by id from the catalog.
	// Memberships and the piece index are left untouched.
	//
	// If it does not exist, ErrResourceDoesNotExist is returned.
	DeleteTorrent(ctx context.Context, id bittorrent.TorrentID) error
}

// PeerStore is the registry of peers together with the piece availability
// index derived from their memberships.
type PeerStore interface {
	// PutPeer adds a Peer to the registry and indexes its membership.
	//
	// If a Peer with the same ID exists, ErrResourceExists is returned.
	PutPeer(ctx context.Context, p bittorrent.Peer) error

	// Peer returns the Peer identified by id.
	//
	// If it does not exist, ErrResourceDoesNotExist is returned.
	Peer(ctx context.Context, id bittorrent.PeerID) (bittorrent.Peer, error)

	// AnnouncePeer replaces the address and membership of an existing Peer
	// and sets its LiveUntil. Traffic counters are left untouched.
	//
	// The piece index is updated in the same logical unit: the Peer leaves
	// exactly the buckets only its previous membership covers and joins
	// exactly the buckets only the new membership covers. Concurrent
	// announces of the same Peer are serialized; the last one wins.
	//
	// If the Peer does not exist, ErrResourceDoesNotExist is returned and
	// nothing is written.
	AnnouncePeer(ctx context.Context, id bittorrent.PeerID, addr netip.AddrPort, m bittorrent.Membership, liveUntil time.Time) error

	// AddPeerTraffic increases the traffic counters of an existing Peer.
	//
	// If it does not exist, ErrResourceDoesNotExist is returned.
	AddPeerTraffic(ctx context.Context, id bittorrent.PeerID, downloaded, uploaded uint64) error

	// DeletePeer removes the Peer identified by id and every bucket entry
	// it occupies.
	//
	// If it does not exist, ErrResourceDoesNotExist is returned.
	DeletePeer(ctx context.Context, id bittorrent.PeerID) error

	// DeletePeerIfExpired removes the Peer identified by id like DeletePeer,
	// but only if its LiveUntil is not after cutoff when it is removed. It
	// reports whether the Peer was removed.
	//
	// If it does not exist, ErrResourceDoesNotExist is returned.
	DeletePeerIfExpired(ctx context.Context, id bittorrent.PeerID, cutoff time.Time) (bool, error)

	// PeersExpiredBefore lists the Peers whose LiveUntil is not after
	// cutoff.
	PeersExpiredBefore(ctx context.Context, cutoff time.Time) ([]bittorrent.PeerID, error)

	// PieceHolders returns, for every key, the Endpoints of all Peers in
	// its bucket whether live or not. The result is aligned with keys; an
	// unknown key yields an empty bucket.
	PieceHolders(ctx context.Context, keys []bittorrent.PieceKey) ([][]bittorrent.Endpoint, error)
}

// Store is the complete repository of the piece tracker.
type Store interface {
	TorrentStore
	PeerStore

	// stop is an interface that expects a Stop method to stop the Store.
	// For more details see the documentation in the stop package.
	stop.Stopper
}

// Config selects a storage driver and holds its driver-specific options.
type Config struct {
	Name   string                 `yaml:"name"`
	Config map[string]interface{} `yaml:"config"`
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewStore attempts to initialize a new Store with given a name from the
// list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewStore(name string, cfg interface{}) (Store, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, errors.Wrap(ErrDriverDoesNotExist, name)
	}

	return d.NewStore(cfg)
}
