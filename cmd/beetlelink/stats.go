package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kabili207/beetlelink/device/session"
	"github.com/kabili207/beetlelink/relay"
)

type sample struct {
	rx, tx uint64
	at     time.Time
}

func reportStats(ctx context.Context, logger *slog.Logger, interval time.Duration, devices []*session.Device, r *relay.Relay) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := make(map[string]sample, len(devices))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, d := range devices {
				st := d.Stats()
				cur := sample{rx: uint64(st.Link.BytesRecv), tx: st.Session.BytesSent, at: now}
				last, ok := prev[d.ID()]
				prev[d.ID()] = cur
				if !ok {
					continue
				}
				elapsed := cur.at.Sub(last.at)
				logger.Info("link stats",
					"device", d.ID(),
					"state", d.State(),
					"rx_bps", throughput(last.rx, cur.rx, elapsed),
					"tx_bps", throughput(last.tx, cur.tx, elapsed),
					"frames_rx", st.Link.FramesRecv,
					"integrity_errors", st.Link.IntegrityErrors,
					"retransmissions", st.Session.Retransmissions,
					"delivery_failures", st.Session.DeliveryFailures,
					"duplicates", st.Session.DuplicateEvents,
					"batches", st.Session.BatchesCompleted,
				)
			}
			rs := r.Stats()
			logger.Info("relay stats",
				"published", rs.Published,
				"publish_errors", rs.PublishErrors,
				"game_states", rs.GameStates,
				"updates", rs.Updates,
				"source_errors", rs.SourceErrors,
			)
		}
	}
}

// throughput returns bits per second between two byte counts. A counter
// that went backwards was reset and reports zero.
func throughput(prev, cur uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) * 8 / elapsed.Seconds()
}
