package chain

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Orchestrator/internal/tool"
)

type stubReader struct {
	chainErr error
	balances map[common.Address]*big.Int
}

func (s stubReader) ChainID(context.Context) (*big.Int, error) {
	if s.chainErr != nil {
		return nil, s.chainErr
	}
	return big.NewInt(11155111), nil
}

func (s stubReader) BlockNumber(context.Context) (uint64, error) { return 255, nil }

func (s stubReader) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if b, ok := s.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (s stubReader) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) { return 7, nil }

func TestSnapshotWithoutAddress(t *testing.T) {
	ct := New("sepolia", stubReader{})
	out, err := ct.Invoke(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["chain_id"] != "0xaa36a7" || out["block_number"] != "0xff" || out["network"] != "sepolia" {
		t.Fatalf("unexpected snapshot %v", out)
	}
	if _, ok := out["balance_wei"]; ok {
		t.Fatalf("balance must be omitted without address")
	}
}

func TestSnapshotWithAddress(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ct := New("", stubReader{balances: map[common.Address]*big.Int{addr: big.NewInt(42)}})
	out, err := ct.Invoke(context.Background(), map[string]any{"address": addr.Hex()})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["balance_wei"] != "42" || out["nonce"] != 7 || out["network"] != "ethereum" {
		t.Fatalf("unexpected snapshot %v", out)
	}
}

func TestSnapshotErrors(t *testing.T) {
	ct := New("x", stubReader{})
	if _, err := ct.Invoke(context.Background(), map[string]any{"address": "not-an-address"}); !stdErrors.Is(err, tool.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	ct = New("x", stubReader{chainErr: stdErrors.New("connection refused")})
	if _, err := ct.Invoke(context.Background(), nil); !tool.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
