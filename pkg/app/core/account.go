package core

import (
	"context"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AccountState is a read-only snapshot of the trader's margin account.
// Values are in quote currency.
type AccountState struct {
	Address    common.Address `json:"address"`
	Balance    float64        `json:"balance"`
	UsedMargin float64        `json:"usedMargin"`
	FreeMargin float64        `json:"freeMargin"`
	ChainID    int64          `json:"chainId"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Utilization returns (UsedMargin + extra) / Balance.
// An empty account is fully utilized by any positive margin.
func (a AccountState) Utilization(extra float64) float64 {
	used := a.UsedMargin + extra
	if a.Balance <= 0 {
		if used <= 0 {
			return 0
		}
		return math.Inf(1)
	}
	return used / a.Balance
}

// AccountSource provides account snapshots. It is refreshed outside this
// core's control; callers always read the latest snapshot.
type AccountSource interface {
	Snapshot(ctx context.Context, addr common.Address) (AccountState, error)
}
