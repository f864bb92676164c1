package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"OpenMCP-Orchestrator/internal/tool"
)

// ID 是链上快照工具在注册表中的标识。
const ID = "chain.get_snapshot"

// Config 描述 EVM 兼容节点。
type Config struct {
	Network string
	RPCURL  string
}

// Reader 是工具依赖的最小链上读取能力，*ethclient.Client 满足该接口。
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Tool 读取链 ID、最新区块高度以及可选地址的余额。
type Tool struct {
	network string
	reader  Reader
	closer  func()
}

// Dial 连接 RPC 节点并构造工具。
func Dial(ctx context.Context, cfg Config) (*Tool, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	t := New(cfg.Network, client)
	t.closer = client.Close
	return t, nil
}

// New 使用已有的 Reader 构造工具。
func New(network string, reader Reader) *Tool {
	if network == "" {
		network = "ethereum"
	}
	return &Tool{network: network, reader: reader}
}

// Close 释放底层连接。
func (t *Tool) Close() {
	if t != nil && t.closer != nil {
		t.closer()
	}
}

// Contract 实现 tool.Tool。
func (t *Tool) Contract() tool.Contract {
	return tool.Contract{
		ID:          ID,
		Description: fmt.Sprintf("Read chain id and latest block number from the %s network; optionally the balance and nonce of an address.", t.network),
		Params: []tool.Param{
			{Name: "address", Type: tool.TypeString, Description: "Optional 0x-prefixed account address."},
		},
		Output: []tool.Field{
			{Name: "network", Type: tool.TypeString},
			{Name: "chain_id", Type: tool.TypeString, Description: "Hex encoded chain id."},
			{Name: "block_number", Type: tool.TypeString, Description: "Hex encoded latest block number."},
			{Name: "balance_wei", Type: tool.TypeString, Description: "Decimal balance in wei when address is given."},
			{Name: "nonce", Type: tool.TypeInteger},
		},
	}
}

// Invoke 实现 tool.Tool。
func (t *Tool) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	if t == nil || t.reader == nil {
		return nil, tool.Rejected(ID, nil, "链上客户端未初始化")
	}
	address := strings.TrimSpace(tool.String(input, "address"))
	if address != "" && !common.IsHexAddress(address) {
		return nil, tool.Rejected(ID, nil, fmt.Sprintf("非法地址: %s", address))
	}

	chainID, err := t.reader.ChainID(ctx)
	if err != nil {
		return nil, tool.Unavailable(ID, err, "获取链 ID 失败")
	}
	blockNumber, err := t.reader.BlockNumber(ctx)
	if err != nil {
		return nil, tool.Unavailable(ID, err, "获取最新区块高度失败")
	}
	out := map[string]any{
		"network":      t.network,
		"chain_id":     "0x" + chainID.Text(16),
		"block_number": fmt.Sprintf("0x%x", blockNumber),
	}
	if address == "" {
		return out, nil
	}

	account := common.HexToAddress(address)
	balance, err := t.reader.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, tool.Unavailable(ID, err, "查询余额失败")
	}
	nonce, err := t.reader.NonceAt(ctx, account, nil)
	if err != nil {
		return nil, tool.Unavailable(ID, err, "查询交易计数失败")
	}
	out["address"] = account.Hex()
	out["balance_wei"] = balance.String()
	out["nonce"] = int(nonce)
	return out, nil
}
