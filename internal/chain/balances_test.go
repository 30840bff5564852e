package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode answers aggregate3 eth_calls by decoding the inner balanceOf
// calls and returning balanceFn(owner, id) for each.
type fakeNode struct {
	t         *testing.T
	calls     atomic.Int32
	elems     atomic.Int32
	failWith  error
	balanceFn func(owner common.Address, id *big.Int) (*big.Int, bool)
}

func (f *fakeNode) BatchCallContext(_ context.Context, b []rpc.BatchElem) error {
	f.calls.Add(1)
	f.elems.Add(int32(len(b)))
	if f.failWith != nil {
		return f.failWith
	}
	mc, err := abi.JSON(strings.NewReader(multicall3ABI))
	require.NoError(f.t, err)
	erc, err := abi.JSON(strings.NewReader(erc1155ABI))
	require.NoError(f.t, err)

	for i := range b {
		args := b[i].Args[0].(map[string]interface{})
		data := args["data"].(hexutil.Bytes)
		inputs, err := mc.Methods["aggregate3"].Inputs.Unpack(data[4:])
		require.NoError(f.t, err)
		calls := *abi.ConvertType(inputs[0], new([]call3)).(*[]call3)

		results := make([]result3, len(calls))
		for j, c := range calls {
			vals, err := erc.Methods["balanceOf"].Inputs.Unpack(c.CallData[4:])
			require.NoError(f.t, err)
			bal, ok := f.balanceFn(vals[0].(common.Address), vals[1].(*big.Int))
			if !ok {
				continue
			}
			ret, err := erc.Methods["balanceOf"].Outputs.Pack(bal)
			require.NoError(f.t, err)
			results[j] = result3{Success: true, ReturnData: ret}
		}
		out, err := mc.Methods["aggregate3"].Outputs.Pack(results)
		require.NoError(f.t, err)
		*(b[i].Result.(*hexutil.Bytes)) = out
	}
	return nil
}

func owner(i int) string {
	return common.BigToAddress(big.NewInt(int64(i + 1))).Hex()
}

func TestBalancesOf_SingleRoundTrip(t *testing.T) {
	node := &fakeNode{t: t, balanceFn: func(o common.Address, id *big.Int) (*big.Int, bool) {
		return new(big.Int).Add(o.Big(), id), true
	}}
	reader, err := NewBalanceReader(node, Config{BatchSize: 500})
	require.NoError(t, err)

	queries := make([]BalanceQuery, 200)
	for i := range queries {
		queries[i] = BalanceQuery{Owner: owner(i), TokenID: fmt.Sprint(1000 + i)}
	}
	got, err := reader.BalancesOf(context.Background(), queries)
	require.NoError(t, err)
	require.Len(t, got, 200)
	assert.EqualValues(t, 1, node.calls.Load())
	assert.EqualValues(t, 1, node.elems.Load())
	for i, b := range got {
		want := int64(i+1) + int64(1000+i)
		require.NotNil(t, b.Amount, "query %d", i)
		assert.Equal(t, want, b.Amount.Int64())
		assert.Equal(t, queries[i], b.Query)
	}
}

func TestBalancesOf_ChunksShareOneBatch(t *testing.T) {
	node := &fakeNode{t: t, balanceFn: func(common.Address, *big.Int) (*big.Int, bool) {
		return big.NewInt(5_000_000), true
	}}
	reader, err := NewBalanceReader(node, Config{BatchSize: 64})
	require.NoError(t, err)

	queries := make([]BalanceQuery, 150)
	for i := range queries {
		queries[i] = BalanceQuery{Owner: owner(i), TokenID: "7"}
	}
	got, err := reader.BalancesOf(context.Background(), queries)
	require.NoError(t, err)
	require.Len(t, got, 150)
	assert.EqualValues(t, 1, node.calls.Load())
	assert.EqualValues(t, 3, node.elems.Load())
}

func TestBalancesOf_RevertedSubCall(t *testing.T) {
	node := &fakeNode{t: t, balanceFn: func(_ common.Address, id *big.Int) (*big.Int, bool) {
		return big.NewInt(1), id.Int64() != 2
	}}
	reader, err := NewBalanceReader(node, Config{})
	require.NoError(t, err)

	got, err := reader.BalancesOf(context.Background(), []BalanceQuery{
		{Owner: owner(0), TokenID: "1"},
		{Owner: owner(0), TokenID: "2"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.NotNil(t, got[0].Amount)
	assert.Nil(t, got[1].Amount)
}

func TestBalancesOf_InvalidQuery(t *testing.T) {
	node := &fakeNode{t: t}
	reader, err := NewBalanceReader(node, Config{})
	require.NoError(t, err)

	_, err = reader.BalancesOf(context.Background(), []BalanceQuery{{Owner: "nope", TokenID: "1"}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = reader.BalancesOf(context.Background(), []BalanceQuery{{Owner: owner(0), TokenID: "0xzz"}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	assert.EqualValues(t, 0, node.calls.Load())
}

func TestBalancesOf_Empty(t *testing.T) {
	node := &fakeNode{t: t}
	reader, err := NewBalanceReader(node, Config{})
	require.NoError(t, err)
	got, err := reader.BalancesOf(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.EqualValues(t, 0, node.calls.Load())
}

func TestBalancesOf_BreakerOpens(t *testing.T) {
	node := &fakeNode{t: t, failWith: errors.New("connection refused")}
	reader, err := NewBalanceReader(node, Config{BreakerFailures: 2})
	require.NoError(t, err)
	q := []BalanceQuery{{Owner: owner(0), TokenID: "1"}}

	for i := 0; i < 2; i++ {
		_, err := reader.BalancesOf(context.Background(), q)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBreakerOpen)
	}
	_, err = reader.BalancesOf(context.Background(), q)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.EqualValues(t, 2, node.calls.Load())
	assert.Equal(t, "open", reader.BreakerState())
}

func TestChunkCalls(t *testing.T) {
	items := make([]call3, 7)
	assert.Len(t, chunkCalls(items, 3), 3)
	assert.Len(t, chunkCalls(items, 7), 1)
	assert.Len(t, chunkCalls(items, 0), 1)
}
