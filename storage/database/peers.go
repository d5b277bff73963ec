package database

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/storage"
)

type peerRow struct {
	ID         string `gorm:"primaryKey"`
	IP         string
	Port       int   `gorm:"type:integer"`
	LiveUntil  int64 `gorm:"index"`
	Downloaded uint64
	Uploaded   uint64
	Torrents   string
}

func (peerRow) TableName() string { return "peers" }

func encodePeer(p bittorrent.Peer) (peerRow, error) {
	r, err := storage.EncodePeer(p)
	if err != nil {
		return peerRow{}, err
	}
	return peerRow{
		ID:         r.ID,
		IP:         r.IP,
		Port:       int(r.Port),
		LiveUntil:  r.LiveUntil,
		Downloaded: r.Downloaded,
		Uploaded:   r.Uploaded,
		Torrents:   string(r.Torrents),
	}, nil
}

func (r peerRow) record() storage.PeerRecord {
	return storage.PeerRecord{
		ID:         r.ID,
		IP:         r.IP,
		Port:       uint16(r.Port),
		LiveUntil:  r.LiveUntil,
		Downloaded: r.Downloaded,
		Uploaded:   r.Uploaded,
		Torrents:   []byte(r.Torrents),
	}
}

// pieceHolderRow is one bucket entry of the piece index.
type pieceHolderRow struct {
	TorrentID  string `gorm:"primaryKey"`
	Filename   string `gorm:"primaryKey"`
	PieceIndex uint32 `gorm:"primaryKey;autoIncrement:false"`
	PeerID     string `gorm:"primaryKey;index"`
}

func (pieceHolderRow) TableName() string { return "piece_holders" }

func holderRow(k bittorrent.PieceKey, id bittorrent.PeerID) pieceHolderRow {
	return pieceHolderRow{
		TorrentID:  string(k.TorrentID),
		Filename:   k.Filename,
		PieceIndex: k.Index,
		PeerID:     string(id),
	}
}

// applyDiff moves peer id from the buckets of removed to the buckets of
// added within tx.
func applyDiff(tx *gorm.DB, id bittorrent.PeerID, removed, added []bittorrent.PieceKey) error {
	for _, k := range removed {
		err := tx.Where(
			"torrent_id = ? AND filename = ? AND piece_index = ? AND peer_id = ?",
			string(k.TorrentID), k.Filename, k.Index, string(id),
		).Delete(&pieceHolderRow{}).Error
		if err != nil {
			return err
		}
	}

	if len(added) > 0 {
		rows := make([]pieceHolderRow, 0, len(added))
		for _, k := range added {
			rows = append(rows, holderRow(k, id))
		}
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 500).Error
		if err != nil {
			return err
		}
	}

	storage.RecordAnnounceDiff(len(removed), len(added))
	return nil
}

// transaction runs fn in a transaction and turns its errors into storage
// failures of op. Client errors returned by fn pass through.
func (s *store) transaction(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := s.withContext(ctx).Transaction(fn)
	if _, ok := err.(bittorrent.ClientError); ok {
		return err
	}
	return storage.Failure("database: "+op, err)
}

// lockPeer loads the row of peer id, locking it for the rest of tx where
// the dialect supports it.
func (s *store) lockPeer(tx *gorm.DB, id bittorrent.PeerID) (peerRow, error) {
	if s.lockRows {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row peerRow
	err := tx.Take(&row, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, storage.ErrResourceDoesNotExist
	}
	return row, err
}

func (s *store) PutPeer(ctx context.Context, p bittorrent.Peer) error {
	row, err := encodePeer(p)
	if err != nil {
		return storage.Failure("database: encode peer", err)
	}

	return s.transaction(ctx, "put peer", func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrResourceExists
		}

		_, added := bittorrent.Membership(nil).Diff(p.Torrents)
		return applyDiff(tx, p.ID, nil, added)
	})
}

func (s *store) Peer(ctx context.Context, id bittorrent.PeerID) (bittorrent.Peer, error) {
	var row peerRow
	err := s.withContext(ctx).Take(&row, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bittorrent.Peer{}, storage.ErrResourceDoesNotExist
	} else if err != nil {
		return bittorrent.Peer{}, storage.Failure("database: get peer", err)
	}

	p, err := row.record().Decode()
	if err != nil {
		return bittorrent.Peer{}, storage.Failure("database: decode peer", err)
	}
	return p, nil
}

func (s *store) AnnouncePeer(ctx context.Context, id bittorrent.PeerID, addr netip.AddrPort, m bittorrent.Membership, liveUntil time.Time) error {
	return s.transaction(ctx, "announce", func(tx *gorm.DB) error {
		row, err := s.lockPeer(tx, id)
		if err != nil {
			return err
		}
		prev, err := row.record().Decode()
		if err != nil {
			return err
		}

		next := prev
		next.AddrPort = addr
		next.LiveUntil = liveUntil
		next.Torrents = m
		nextRow, err := encodePeer(next)
		if err != nil {
			return err
		}

		removed, added := prev.Torrents.Diff(m)
		if err := applyDiff(tx, id, removed, added); err != nil {
			return err
		}

		return tx.Model(&peerRow{}).Where("id = ?", string(id)).Updates(map[string]interface{}{
			"ip":         nextRow.IP,
			"port":       nextRow.Port,
			"live_until": nextRow.LiveUntil,
			"torrents":   nextRow.Torrents,
		}).Error
	})
}

func (s *store) AddPeerTraffic(ctx context.Context, id bittorrent.PeerID, downloaded, uploaded uint64) error {
	tx := s.withContext(ctx).Model(&peerRow{}).Where("id = ?", string(id)).Updates(map[string]interface{}{
		"downloaded": gorm.Expr("downloaded + ?", downloaded),
		"uploaded":   gorm.Expr("uploaded + ?", uploaded),
	})
	if tx.Error != nil {
		return storage.Failure("database: add traffic", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return nil
}

func (s *store) DeletePeer(ctx context.Context, id bittorrent.PeerID) error {
	_, err := s.deletePeer(ctx, "delete peer", id, func(peerRow) bool { return true })
	return err
}

func (s *store) DeletePeerIfExpired(ctx context.Context, id bittorrent.PeerID, cutoff time.Time) (bool, error) {
	limit := storage.UnixNano(cutoff)
	return s.deletePeer(ctx, "delete expired peer", id, func(row peerRow) bool { return row.LiveUntil <= limit })
}

// deletePeer removes peer id and its holder rows if doomed holds for the
// row locked by the transaction.
func (s *store) deletePeer(ctx context.Context, op string, id bittorrent.PeerID, doomed func(peerRow) bool) (deleted bool, err error) {
	err = s.transaction(ctx, op, func(tx *gorm.DB) error {
		row, err := s.lockPeer(tx, id)
		if err != nil {
			return err
		}
		if !doomed(row) {
			return nil
		}
		if err := tx.Where("peer_id = ?", string(id)).Delete(&pieceHolderRow{}).Error; err != nil {
			return err
		}
		deleted = true
		return tx.Delete(&peerRow{}, "id = ?", string(id)).Error
	})
	return deleted && err == nil, err
}

func (s *store) PeersExpiredBefore(ctx context.Context, cutoff time.Time) ([]bittorrent.PeerID, error) {
	var ids []string
	err := s.withContext(ctx).Model(&peerRow{}).
		Where("live_until <= ?", storage.UnixNano(cutoff)).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, storage.Failure("database: expired peers", err)
	}

	expired := make([]bittorrent.PeerID, len(ids))
	for i, id := range ids {
		expired[i] = bittorrent.PeerID(id)
	}
	return expired, nil
}

// holderEndpoint is a bucket entry joined with the address of its peer.
type holderEndpoint struct {
	TorrentID  string
	Filename   string
	PieceIndex uint32
	ID         string
	IP         string
	Port       int
	LiveUntil  int64
}

func (s *store) PieceHolders(ctx context.Context, keys []bittorrent.PieceKey) ([][]bittorrent.Endpoint, error) {
	positions := make(map[bittorrent.PieceKey][]int, len(keys))
	torrents := make(map[bittorrent.TorrentID]struct{})
	for i, k := range keys {
		positions[k] = append(positions[k], i)
		torrents[k.TorrentID] = struct{}{}
	}

	holders := make([][]bittorrent.Endpoint, len(keys))
	for i := range holders {
		holders[i] = []bittorrent.Endpoint{}
	}

	for tid := range torrents {
		q := s.withContext(ctx).Table("piece_holders").
			Select("piece_holders.torrent_id, piece_holders.filename, piece_holders.piece_index, peers.id, peers.ip, peers.port, peers.live_until").
			Joins("JOIN peers ON peers.id = piece_holders.peer_id").
			Where("piece_holders.torrent_id = ?", string(tid))
		if len(keys) == 1 {
			q = q.Where("piece_holders.filename = ? AND piece_holders.piece_index = ?", keys[0].Filename, keys[0].Index)
		}

		var rows []holderEndpoint
		if err := q.Scan(&rows).Error; err != nil {
			return nil, storage.Failure("database: piece holders", err)
		}

		for _, r := range rows {
			k := bittorrent.PieceKey{TorrentID: bittorrent.TorrentID(r.TorrentID), Filename: r.Filename, Index: r.PieceIndex}
			at, ok := positions[k]
			if !ok {
				continue
			}
			e, err := storage.PeerRecord{ID: r.ID, IP: r.IP, Port: uint16(r.Port), LiveUntil: r.LiveUntil}.Endpoint()
			if err != nil {
				return nil, storage.Failure("database: decode holder", err)
			}
			for _, i := range at {
				holders[i] = append(holders[i], e)
			}
		}
	}

	return holders, nil
}
