package main

import (
	"context"
	"fmt"
	"time"

	"github.com/meshnet-tools/meshagent/dashboard"
	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/tunnel"
)

// pollMetrics periodically snapshots DebtKeeper and TunnelManager into
// m's gauges until ctx is done. Counters (PaymentsSentTotal,
// DiscoveryHellosTotal) are incremented at their emission points in
// agentMain instead of here, since a poll can't recover an event count
// that happened between polls.
func pollMetrics(ctx context.Context, m *dashboard.Metrics, keeper *debt.Keeper, tunMgr *tunnel.Manager, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snapshotMetrics(ctx, m, keeper, tunMgr)
		}
	}
}

func snapshotMetrics(ctx context.Context, m *dashboard.Metrics, keeper *debt.Keeper, tunMgr *tunnel.Manager) {
	snapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if snap, err := keeper.GetDebtsList(snapCtx); err == nil {
		m.DebtBalance.Reset()
		for _, e := range snap.Entries {
			m.DebtBalance.WithLabelValues(e.Identity.String()).Set(balanceFloat(e.Balance))
		}
	} else {
		mainLog.Warnf("metrics: debts snapshot: %v", err)
	}

	if tuns, err := tunMgr.GetTunnels(snapCtx); err == nil {
		m.TunnelsActive.Set(float64(len(tuns)))
	} else {
		mainLog.Warnf("metrics: tunnels snapshot: %v", err)
	}
}

// balanceFloat converts a signed debt balance to a float64 gauge value.
// Precision past 2^53 is lost, which is fine for a gauge meant to be
// eyeballed on a dashboard — the ledger arithmetic itself always stays
// on identity.Int256.
func balanceFloat(balance identity.Int256) float64 {
	var f float64
	fmt.Sscan(balance.String(), &f)
	return f
}
