package database

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/storage"
)

type torrentRow struct {
	ID    string `gorm:"primaryKey"`
	Files string
}

func (torrentRow) TableName() string { return "torrents" }

func encodeTorrent(t bittorrent.Torrent) (torrentRow, error) {
	files, err := json.Marshal(t.Files)
	if err != nil {
		return torrentRow{}, err
	}
	return torrentRow{ID: string(t.ID), Files: string(files)}, nil
}

func (r torrentRow) decode() (bittorrent.Torrent, error) {
	t := bittorrent.Torrent{ID: bittorrent.TorrentID(r.ID)}
	err := json.Unmarshal([]byte(r.Files), &t.Files)
	return t, err
}

func (s *store) PutTorrent(ctx context.Context, t bittorrent.Torrent) error {
	row, err := encodeTorrent(t)
	if err != nil {
		return storage.Failure("database: encode torrent", err)
	}

	tx := s.withContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if tx.Error != nil {
		return storage.Failure("database: put torrent", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return storage.ErrResourceExists
	}
	return nil
}

func (s *store) Torrent(ctx context.Context, id bittorrent.TorrentID) (bittorrent.Torrent, error) {
	var row torrentRow
	err := s.withContext(ctx).Take(&row, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bittorrent.Torrent{}, storage.ErrResourceDoesNotExist
	} else if err != nil {
		return bittorrent.Torrent{}, storage.Failure("database: get torrent", err)
	}

	t, err := row.decode()
	if err != nil {
		return bittorrent.Torrent{}, storage.Failure("database: decode torrent", err)
	}
	return t, nil
}

func (s *store) UpdateTorrent(ctx context.Context, t bittorrent.Torrent) error {
	row, err := encodeTorrent(t)
	if err != nil {
		return storage.Failure("database: encode torrent", err)
	}

	tx := s.withContext(ctx).Model(&torrentRow{}).Where("id = ?", row.ID).Update("files", row.Files)
	if tx.Error != nil {
		return storage.Failure("database: update torrent", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return nil
}

func (s *store) DeleteTorrent(ctx context.Context, id bittorrent.TorrentID) error {
	tx := s.withContext(ctx).Delete(&torrentRow{}, "id = ?", string(id))
	if tx.Error != nil {
		return storage.Failure("database: delete torrent", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return nil
}
