package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	acc:<address>   -> AccountRecord
//	stl:<ticketId>  -> SettlementRecord
//	win:<windowId>  -> WindowRecord
const (
	prefixAccount    = "acc:"
	prefixSettlement = "stl:"
	prefixWindow     = "win:"
)

func accountKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixAccount, addr.Hex()))
}

func settlementKey(ticketID string) []byte {
	return []byte(prefixSettlement + ticketID)
}

func windowKey(windowID string) []byte {
	return []byte(prefixWindow + windowID)
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
