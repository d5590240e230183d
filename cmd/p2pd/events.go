package main

import (
	"context"
	"log/slog"

	"beaconnet/p2p"
	"beaconnet/p2p/rpc"
)

// serveEvents drains the network's events. The daemon carries no chain, so
// domain requests are answered as unavailable and gossip is neither
// accepted nor penalised.
func serveEvents(ctx context.Context, network *p2p.Network, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-network.Events():
			handleEvent(ctx, network, logger, ev)
		}
	}
}

func handleEvent(ctx context.Context, network *p2p.Network, logger *slog.Logger, ev p2p.Event) {
	switch ev := ev.(type) {
	case p2p.PeerConnected:
		logger.Info("Peer connected",
			slog.String("peer_id", ev.Peer.String()),
			slog.String("direction", ev.Direction.String()))
	case p2p.PeerDisconnected:
		logger.Info("Peer disconnected", slog.String("peer_id", ev.Peer.String()))
	case rpc.RequestReceived:
		err := network.RespondError(ctx, ev.Handle, rpc.StatusResourceUnavailable, "no chain attached")
		if err != nil {
			logger.Debug("Failed to answer request",
				slog.String("peer_id", ev.Handle.Peer.String()),
				slog.String("protocol", ev.Handle.Protocol.String()),
				slog.Any("error", err))
		}
	case p2p.GossipMessage:
		if err := network.ReportGossipValidation(ctx, ev.From, p2p.ValidationIgnore); err != nil {
			logger.Debug("Failed to report gossip validation", slog.Any("error", err))
		}
	case rpc.RequestTimedOut:
		logger.Debug("Request timed out",
			slog.String("peer_id", ev.Peer.String()),
			slog.String("protocol", ev.Protocol.String()))
	}
}
