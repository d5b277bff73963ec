package middleware

import (
	"context"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/storage"
)

// Hook abstracts the concept of anything that needs to interact with a
// peer's Announce and the response to it.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
}

type skipSwarmInteraction struct{}

// SkipSwarmInteractionKey is a key for the context of an Announce to control
// whether the swarm interaction middleware should run.
// Any non-nil value set for this key will cause the swarm interaction
// middleware to skip.
var SkipSwarmInteractionKey = skipSwarmInteraction{}

// validationHook rejects malformed Announces before any other hook sees them.
type validationHook struct{}

func (validationHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	return ctx, req.Validate()
}

// swarmInteractionHook replaces the peer's address and membership and
// extends its liveness to the LiveUntil of the response.
type swarmInteractionHook struct {
	store storage.PeerStore
}

func (h *swarmInteractionHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if ctx.Value(SkipSwarmInteractionKey) != nil {
		return ctx, nil
	}

	return ctx, h.store.AnnouncePeer(ctx, req.PeerID, req.AddrPort, req.Torrents, resp.LiveUntil)
}

// logHook reports completed Announces.
type logHook struct{}

func (logHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	log.Debug("announce completed", req, resp)
	return ctx, nil
}
