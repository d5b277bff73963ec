package storage

import "github.com/prometheus/client_golang/prometheus"

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		PromTorrentsCount,
		PromPeersCount,
		PromBucketsCount,
		PromAnnounceDiffSize,
	)
}

var (
	// PromTorrentsCount is a gauge used to hold the current total amount of
	// torrents in the catalog.
	PromTorrentsCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "piecetracker_storage_torrents_count",
		Help: "The number of torrents registered",
	})

	// PromPeersCount is a gauge used to hold the current total amount of
	// registered peers, live or not.
	PromPeersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "piecetracker_storage_peers_count",
		Help: "The number of peers registered",
	})

	// PromBucketsCount is a gauge used to hold the current total amount of
	// non-empty piece availability buckets.
	PromBucketsCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "piecetracker_storage_buckets_count",
		Help: "The number of non-empty piece availability buckets",
	})

	// PromAnnounceDiffSize is a histogram of the number of bucket changes an
	// announce applies to the piece index.
	PromAnnounceDiffSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "piecetracker_storage_announce_diff_size",
		Help:    "The number of piece index entries added or removed by an announce",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

// RecordAnnounceDiff observes the size of an applied membership diff.
func RecordAnnounceDiff(removed, added int) {
	PromAnnounceDiffSize.Observe(float64(removed + added))
}
