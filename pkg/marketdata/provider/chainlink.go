package provider

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
)

const aggregatorABIJSON = `[
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic(fmt.Sprintf("aggregator abi: %v", err))
	}
	aggregatorABI = parsed
}

// ContractCaller is the read-only slice of ethclient.Client the oracle
// source needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg geth.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Chainlink reads prices from on-chain aggregator feeds. It never fetches
// 24h change; ChangePercent24h is left at zero.
type Chainlink struct {
	id     string
	caller ContractCaller
	feeds  map[string]common.Address // symbol -> aggregator

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

func NewChainlink(id string, caller ContractCaller, feeds map[string]string) *Chainlink {
	f := make(map[string]common.Address, len(feeds))
	for sym, addr := range feeds {
		f[strings.ToUpper(sym)] = common.HexToAddress(addr)
	}
	return &Chainlink{id: id, caller: caller, feeds: f, decimals: make(map[common.Address]uint8)}
}

// DialChainlink connects to an RPC endpoint.
func DialChainlink(ctx context.Context, id, rpcURL string, feeds map[string]string) (*Chainlink, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return NewChainlink(id, client, feeds), nil
}

func (c *Chainlink) ID() string { return c.id }

func (c *Chainlink) Fetch(ctx context.Context, symbol string) (marketdata.AssetPrice, error) {
	feed, ok := c.feeds[strings.ToUpper(symbol)]
	if !ok {
		return marketdata.AssetPrice{}, fmt.Errorf("%s: no feed for %s", c.id, symbol)
	}

	dec, err := c.feedDecimals(ctx, feed)
	if err != nil {
		return marketdata.AssetPrice{}, err
	}

	out, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return marketdata.AssetPrice{}, err
	}
	if len(out) != 5 {
		return marketdata.AssetPrice{}, fmt.Errorf("%w: latestRoundData returned %d values", marketdata.ErrMalformed, len(out))
	}
	answer, ok1 := out[1].(*big.Int)
	updatedAt, ok2 := out[3].(*big.Int)
	if !ok1 || !ok2 {
		return marketdata.AssetPrice{}, fmt.Errorf("%w: unexpected latestRoundData types", marketdata.ErrMalformed)
	}

	price, _ := new(big.Float).Quo(
		new(big.Float).SetInt(answer),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)),
	).Float64()

	return marketdata.AssetPrice{
		Symbol:    strings.ToUpper(symbol),
		Price:     price,
		Timestamp: time.Unix(updatedAt.Int64(), 0).UTC(),
		SourceID:  c.id,
	}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	c.mu.Lock()
	d, ok := c.decimals[feed]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	out, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%w: decimals returned %d values", marketdata.ErrMalformed, len(out))
	}
	d, ok = out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals type %T", marketdata.ErrMalformed, out[0])
	}

	c.mu.Lock()
	c.decimals[feed] = d
	c.mu.Unlock()
	return d, nil
}

func (c *Chainlink) call(ctx context.Context, to common.Address, method string) ([]interface{}, error) {
	data, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := c.caller.CallContract(ctx, geth.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := aggregatorABI.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", marketdata.ErrMalformed, method, err)
	}
	return out, nil
}
