// Package chain reads conditional-token balances from Polygon through
// Multicall3, sending every chunk of calls in a single JSON-RPC batch.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"
)

var (
	ErrBreakerOpen  = errors.New("chain: rpc circuit open")
	ErrInvalidQuery = errors.New("chain: invalid balance query")
)

// BatchCaller is satisfied by *rpc.Client.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

type BalanceQuery struct {
	Owner   string
	TokenID string
}

type Balance struct {
	Query BalanceQuery
	// Amount is the raw ERC-1155 balance; nil when the sub-call reverted.
	Amount *big.Int
}

type Config struct {
	MulticallAddress string
	CTFAddress       string
	BatchSize        int
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerTimeout   time.Duration
	OnStateChange    func(name string, from, to gobreaker.State)
}

type BalanceReader struct {
	caller    BatchCaller
	multicall common.Address
	ctf       common.Address
	batchSize int
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker
	mcABI     abi.ABI
	ctfABI    abi.ABI
}

// Dial opens an HTTP or websocket JSON-RPC client.
func Dial(ctx context.Context, url string) (*rpc.Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("chain: rpc url is required")
	}
	return rpc.DialContext(ctx, url)
}

func NewBalanceReader(caller BatchCaller, cfg Config) (*BalanceReader, error) {
	if caller == nil {
		return nil, fmt.Errorf("chain: batch caller is required")
	}
	mcABI, err := abi.JSON(strings.NewReader(multicall3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse multicall abi: %w", err)
	}
	ctfABI, err := abi.JSON(strings.NewReader(erc1155ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc1155 abi: %w", err)
	}
	if cfg.MulticallAddress == "" {
		cfg.MulticallAddress = DefaultMulticallAddress
	}
	if cfg.CTFAddress == "" {
		cfg.CTFAddress = DefaultCTFAddress
	}
	if !common.IsHexAddress(cfg.MulticallAddress) || !common.IsHexAddress(cfg.CTFAddress) {
		return nil, fmt.Errorf("chain: invalid contract address")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 2 * time.Minute
	}
	failures := cfg.BreakerFailures
	settings := gobreaker.Settings{
		Name:        "polygon-rpc",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &BalanceReader{
		caller:    caller,
		multicall: common.HexToAddress(cfg.MulticallAddress),
		ctf:       common.HexToAddress(cfg.CTFAddress),
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		mcABI:     mcABI,
		ctfABI:    ctfABI,
	}, nil
}

// BreakerState reports the circuit breaker state ("closed", "open", "half-open").
func (r *BalanceReader) BreakerState() string {
	return r.breaker.State().String()
}

// BalancesOf returns one Balance per query, in order. All queries travel in a
// single JSON-RPC batch of aggregate3 eth_calls, chunked at the batch size.
func (r *BalanceReader) BalancesOf(ctx context.Context, queries []BalanceQuery) ([]Balance, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	calls := make([]call3, 0, len(queries))
	for i, q := range queries {
		if !common.IsHexAddress(q.Owner) {
			return nil, fmt.Errorf("%w: query %d owner %q", ErrInvalidQuery, i, q.Owner)
		}
		id, ok := new(big.Int).SetString(strings.TrimSpace(q.TokenID), 10)
		if !ok || id.Sign() < 0 {
			return nil, fmt.Errorf("%w: query %d token %q", ErrInvalidQuery, i, q.TokenID)
		}
		data, err := r.ctfABI.Pack("balanceOf", common.HexToAddress(q.Owner), id)
		if err != nil {
			return nil, fmt.Errorf("pack balanceOf: %w", err)
		}
		calls = append(calls, call3{Target: r.ctf, AllowFailure: true, CallData: data})
	}

	chunks := chunkCalls(calls, r.batchSize)
	elems := make([]rpc.BatchElem, len(chunks))
	results := make([]hexutil.Bytes, len(chunks))
	for i, chunk := range chunks {
		data, err := r.mcABI.Pack("aggregate3", chunk)
		if err != nil {
			return nil, fmt.Errorf("pack aggregate3: %w", err)
		}
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{
					"to":   r.multicall,
					"data": hexutil.Bytes(data),
				},
				"latest",
			},
			Result: &results[i],
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.breaker.Execute(func() (interface{}, error) {
		if err := r.caller.BatchCallContext(callCtx, elems); err != nil {
			return nil, err
		}
		for i := range elems {
			if elems[i].Error != nil {
				return nil, fmt.Errorf("batch element %d: %w", i, elems[i].Error)
			}
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		return nil, fmt.Errorf("multicall: %w", err)
	}

	out := make([]Balance, 0, len(queries))
	for i, chunk := range chunks {
		decoded, err := r.decodeAggregate(results[i])
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", i, err)
		}
		if len(decoded) != len(chunk) {
			return nil, fmt.Errorf("decode chunk %d: got %d results for %d calls", i, len(decoded), len(chunk))
		}
		for _, res := range decoded {
			b := Balance{Query: queries[len(out)]}
			if res.Success && len(res.ReturnData) >= 32 {
				b.Amount = new(big.Int).SetBytes(res.ReturnData[:32])
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *BalanceReader) decodeAggregate(data []byte) ([]result3, error) {
	values, err := r.mcABI.Unpack("aggregate3", data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected output arity %d", len(values))
	}
	return *abi.ConvertType(values[0], new([]result3)).(*[]result3), nil
}

func chunkCalls(items []call3, size int) [][]call3 {
	if size <= 0 || len(items) <= size {
		return [][]call3{items}
	}
	out := make([][]call3, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
