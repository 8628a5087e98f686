package chainview

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhbchain/wire"
)

// RPCConfig controls how an RPCAdapter reaches the node it queries for
// chain state.
type RPCConfig struct {
	BaseURL string
	Timeout time.Duration
}

// RPCAdapter is the thin seam to a real node: every Adapter method except
// RandBelow is a single JSON-RPC call, with no caching beyond what the HTTP client itself
// provides. It carries no knowledge of block storage or consensus rules;
// it only relays the narrow read-only queries this module needs.
type RPCAdapter struct {
	baseURL string
	http    *http.Client
}

// NewRPCAdapter builds an RPCAdapter against the given node endpoint.
func NewRPCAdapter(cfg RPCConfig) (*RPCAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chainview: rpc base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RPCAdapter{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (a *RPCAdapter) call(method string, params any, result any) error {
	reqBody := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return fmt.Errorf("chainview: encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.http.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, &buf)
	if err != nil {
		return fmt.Errorf("chainview: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chainview: call %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chainview: %s returned status %s", method, resp.Status)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("chainview: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("chainview: decode result: %w", err)
		}
	}
	return nil
}

func (a *RPCAdapter) TipHeight() uint64 {
	var height uint64
	if err := a.call("chain_tipHeight", nil, &height); err != nil {
		return 0
	}
	return height
}

func (a *RPCAdapter) HashAt(height uint64) ([32]byte, error) {
	var hex string
	var out [32]byte
	if err := a.call("chain_hashAt", []uint64{height}, &hex); err != nil {
		return out, err
	}
	decoded, err := decodeHash32(hex)
	if err != nil {
		return out, ErrUnknownHeight
	}
	return decoded, nil
}

func (a *RPCAdapter) BlockTime(height uint64) (time.Time, error) {
	var unix int64
	if err := a.call("chain_blockTime", []uint64{height}, &unix); err != nil {
		return time.Time{}, ErrUnknownHeight
	}
	return time.Unix(unix, 0), nil
}

type utxoResponse struct {
	Value  uint64 `json:"value"`
	Height uint64 `json:"height"`
	Script string `json:"script"`
}

func (a *RPCAdapter) UTXO(o wire.Outpoint) (Coin, error) {
	var resp utxoResponse
	if err := a.call("chain_utxo", []any{o}, &resp); err != nil {
		return Coin{}, ErrUnknownOutpoint
	}
	script, err := hex.DecodeString(resp.Script)
	if err != nil {
		return Coin{}, ErrUnknownOutpoint
	}
	return Coin{Value: resp.Value, Height: resp.Height, Script: script}, nil
}

func (a *RPCAdapter) IsOutpointSpent(o wire.Outpoint) bool {
	var spent bool
	if err := a.call("chain_isOutpointSpent", []any{o}, &spent); err != nil {
		return true
	}
	return spent
}

func (a *RPCAdapter) Confirmations(o wire.Outpoint) uint64 {
	var confs uint64
	if err := a.call("chain_confirmations", []any{o}, &confs); err != nil {
		return 0
	}
	return confs
}

func (a *RPCAdapter) AdjustedTime() time.Time {
	var unix int64
	if err := a.call("chain_adjustedTime", nil, &unix); err != nil {
		return time.Now()
	}
	return time.Unix(unix, 0)
}

// RandBelow draws from the tip block hash, fetched with two RPC calls (the
// tip height, then the hash at it), so every node watching the same chain
// derives the same value for a given tip. It returns 0 when n is 0 or the
// hash cannot be fetched.
func (a *RPCAdapter) RandBelow(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	hash, err := a.HashAt(a.TipHeight())
	if err != nil {
		return 0
	}
	seed := binary.BigEndian.Uint64(hash[:8])
	return seed % n
}

func decodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("chainview: malformed hash %q", s)
	}
	copy(out[:], raw)
	return out, nil
}
