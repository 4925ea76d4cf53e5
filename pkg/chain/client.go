// Package chain abstracts the EVM JSON-RPC surface the wallet core needs:
// nonce, balance, fees, gas estimation, raw broadcast and receipt waiting,
// with ordered multi-endpoint failover.
//
// Fee suggestion is documented and stable per release: the priority tip is
// the configured percentile (default 50th) of the last TipHistoryBlocks
// (default 10) blocks' priority fees via eth_feeHistory, and the fee cap is
// 2 x latest base fee + tip.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/axis-ve/AgentVault/pkg/contracts"
)

// Status is the connectivity snapshot returned by Connected.
type Status struct {
	ChainID     uint64 `json:"chain_id"`
	LatestBlock uint64 `json:"latest_block"`
	BaseFeeGwei string `json:"base_fee_gwei"`
	Endpoint    string `json:"endpoint"`
}

// Options tune the client; zero values take the documented defaults.
type Options struct {
	Timeout          time.Duration // per-call bound, default 15s
	TipPercentile    float64       // default 50
	TipHistoryBlocks uint64        // default 10
	Logger           *slog.Logger
}

type conn struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

// Client is a failover EVM JSON-RPC client. Read paths rotate through the
// ordered endpoint list on transport failure; SendRaw never rotates (see
// method comment).
type Client struct {
	endpoints        []string
	timeout          time.Duration
	tipPercentile    float64
	tipHistoryBlocks uint64
	log              *slog.Logger
	rotations        *rate.Limiter

	mu     sync.Mutex
	active int
	conns  map[string]*conn
}

// New builds a Client over an ordered endpoint list.
func New(endpoints []string, opts Options) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("chain: at least one endpoint required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.TipPercentile <= 0 || opts.TipPercentile > 100 {
		opts.TipPercentile = 50
	}
	if opts.TipHistoryBlocks == 0 {
		opts.TipHistoryBlocks = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		endpoints:        endpoints,
		timeout:          opts.Timeout,
		tipPercentile:    opts.TipPercentile,
		tipHistoryBlocks: opts.TipHistoryBlocks,
		log:              opts.Logger,
		// Pace endpoint rotation so a flapping endpoint list does not spin.
		rotations: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		conns:     make(map[string]*conn),
	}, nil
}

// Close releases all dialed connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cn := range c.conns {
		cn.rpc.Close()
	}
	c.conns = make(map[string]*conn)
}

// Endpoint reports the endpoint currently serving calls.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.active]
}

func (c *Client) dial(ctx context.Context, endpoint string) (*conn, error) {
	c.mu.Lock()
	if cn, ok := c.conns[endpoint]; ok {
		c.mu.Unlock()
		return cn, nil
	}
	c.mu.Unlock()

	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	cn := &conn{rpc: rpcClient, eth: ethclient.NewClient(rpcClient)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[endpoint]; ok {
		rpcClient.Close()
		return existing, nil
	}
	c.conns[endpoint] = cn
	return cn, nil
}

// withFailover runs fn against the active endpoint, rotating on transport
// failure until every endpoint has been tried once. Non-transport errors
// (node-level rejections) surface immediately without rotation.
func (c *Client) withFailover(ctx context.Context, op string, fn func(ctx context.Context, cn *conn) error) error {
	var lastErr error
	for attempt := 0; attempt < len(c.endpoints); attempt++ {
		c.mu.Lock()
		idx := c.active
		endpoint := c.endpoints[idx]
		c.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		cn, err := c.dial(callCtx, endpoint)
		if err == nil {
			err = fn(callCtx, cn)
		}
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return contracts.Wrap(contracts.KindChainUnreachable, op, ctx.Err())
		}
		if !isTransportError(err) {
			return err
		}
		lastErr = err
		c.log.Warn("chain endpoint failed, rotating",
			"op", op, "endpoint", endpoint, "error", err)
		c.mu.Lock()
		if c.active == idx {
			c.active = (c.active + 1) % len(c.endpoints)
		}
		c.mu.Unlock()
		if err := c.rotations.Wait(ctx); err != nil {
			return contracts.Wrap(contracts.KindChainUnreachable, op, err)
		}
	}
	return contracts.Wrap(contracts.KindChainUnreachable, op, lastErr)
}

// isTransportError reports whether err indicates the endpoint (not the
// request) failed: dial and socket errors, timeouts, and 5xx responses.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return false
}

// ChainID returns the active chain's id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.withFailover(ctx, "chain.ChainID", func(ctx context.Context, cn *conn) error {
		v, err := cn.eth.ChainID(ctx)
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	return id, err
}

// Connected probes the chain and returns its id, head block and base fee.
func (c *Client) Connected(ctx context.Context) (*Status, error) {
	var st Status
	err := c.withFailover(ctx, "chain.Connected", func(ctx context.Context, cn *conn) error {
		id, err := cn.eth.ChainID(ctx)
		if err != nil {
			return err
		}
		head, err := cn.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		st = Status{
			ChainID:     id.Uint64(),
			LatestBlock: head.Number.Uint64(),
			BaseFeeGwei: FormatGwei(head.BaseFee),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.Endpoint = c.Endpoint()
	return &st, nil
}

// BalanceAt returns the current balance of addr in wei.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.withFailover(ctx, "chain.BalanceAt", func(ctx context.Context, cn *conn) error {
		v, err := cn.eth.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		bal = v
		return nil
	})
	return bal, err
}

// PendingNonceAt returns the chain's pending-inclusive next nonce for addr.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var nonce uint64
	err := c.withFailover(ctx, "chain.PendingNonceAt", func(ctx context.Context, cn *conn) error {
		v, err := cn.eth.PendingNonceAt(ctx, addr)
		if err != nil {
			return err
		}
		nonce = v
		return nil
	})
	return nonce, err
}

// EstimateGas estimates gas for the exact call.
func (c *Client) EstimateGas(ctx context.Context, from common.Address, to *common.Address, value *big.Int, data []byte) (uint64, error) {
	var gas uint64
	msg := ethereum.CallMsg{From: from, To: to, Value: value, Data: data}
	err := c.withFailover(ctx, "chain.EstimateGas", func(ctx context.Context, cn *conn) error {
		v, err := cn.eth.EstimateGas(ctx, msg)
		if err != nil {
			return err
		}
		gas = v
		return nil
	})
	return gas, err
}

// BaseFee returns the latest block's base fee in wei.
func (c *Client) BaseFee(ctx context.Context) (*big.Int, error) {
	var fee *big.Int
	err := c.withFailover(ctx, "chain.BaseFee", func(ctx context.Context, cn *conn) error {
		head, err := cn.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if head.BaseFee == nil {
			return errors.New("chain: no base fee (pre-London endpoint)")
		}
		fee = new(big.Int).Set(head.BaseFee)
		return nil
	})
	return fee, err
}

// FeeSuggestion returns (maxFeePerGas, maxPriorityFeePerGas) in wei. The
// tip is the configured percentile over recent blocks (see package comment);
// when fee history is empty the node's own tip suggestion is used. The fee
// cap buffers roughly six consecutive full-block base fee increases.
func (c *Client) FeeSuggestion(ctx context.Context) (maxFee, tip *big.Int, err error) {
	err = c.withFailover(ctx, "chain.FeeSuggestion", func(ctx context.Context, cn *conn) error {
		hist, err := cn.eth.FeeHistory(ctx, c.tipHistoryBlocks, nil, []float64{c.tipPercentile})
		if err != nil {
			return err
		}
		var samples []*big.Int
		for _, rewards := range hist.Reward {
			if len(rewards) > 0 && rewards[0] != nil && rewards[0].Sign() > 0 {
				samples = append(samples, rewards[0])
			}
		}
		if len(samples) > 0 {
			sort.Slice(samples, func(i, j int) bool { return samples[i].Cmp(samples[j]) < 0 })
			tip = new(big.Int).Set(samples[len(samples)/2])
		} else {
			suggested, err := cn.eth.SuggestGasTipCap(ctx)
			if err != nil {
				return err
			}
			tip = suggested
		}

		var baseFee *big.Int
		if n := len(hist.BaseFee); n > 0 && hist.BaseFee[n-1] != nil {
			baseFee = hist.BaseFee[n-1]
		} else {
			head, err := cn.eth.HeaderByNumber(ctx, nil)
			if err != nil {
				return err
			}
			baseFee = head.BaseFee
		}
		if baseFee == nil {
			return errors.New("chain: no base fee (pre-London endpoint)")
		}
		maxFee = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
		return nil
	})
	return maxFee, tip, err
}

// SendRaw broadcasts a signed transaction and returns its hash.
//
// SendRaw never rotates endpoints: a transport failure after the request is
// written is indistinguishable from acceptance, so a retry elsewhere could
// double-broadcast. Transport failures surface as chain_unreachable; node
// refusals as rpc_rejected with the upstream error preserved.
func (c *Client) SendRaw(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	const op = "chain.SendRaw"
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cn, err := c.dial(callCtx, c.Endpoint())
	if err != nil {
		return common.Hash{}, contracts.Wrap(contracts.KindChainUnreachable, op, err)
	}
	if err := cn.eth.SendTransaction(callCtx, tx); err != nil {
		if isTransportError(err) {
			return common.Hash{}, contracts.Wrap(contracts.KindChainUnreachable, op, err)
		}
		return common.Hash{}, contracts.Wrap(contracts.KindRPCRejected, op, err)
	}
	return tx.Hash(), nil
}

// WaitReceipt polls for the receipt of hash until timeout.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	const op = "chain.WaitReceipt"
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := c.withFailover(ctx, op, func(ctx context.Context, cn *conn) error {
			r, err := cn.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, contracts.E(contracts.KindChainUnreachable, op,
				fmt.Sprintf("no receipt for %s within %s", hash.Hex(), timeout))
		}
		select {
		case <-ctx.Done():
			return nil, contracts.Wrap(contracts.KindChainUnreachable, op, ctx.Err())
		case <-ticker.C:
		}
	}
}

// CodeAt returns the bytecode deployed at addr.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := c.withFailover(ctx, "chain.CodeAt", func(ctx context.Context, cn *conn) error {
		v, err := cn.eth.CodeAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		code = v
		return nil
	})
	return code, err
}

// CallContract executes a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.withFailover(ctx, "chain.CallContract", func(ctx context.Context, cn *conn) error {
		v, err := cn.eth.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
