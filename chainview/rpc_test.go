package chainview

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/wire"
)

func TestRPCAdapterTipHeightAndHashAt(t *testing.T) {
	wantHash := make([]byte, 32)
	wantHash[0] = 0x42

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var result any
		switch req.Method {
		case "chain_tipHeight":
			result = uint64(42)
		case "chain_hashAt":
			result = hex.EncodeToString(wantHash)
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
		raw, err := json.Marshal(result)
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{Result: raw}))
	}))
	defer srv.Close()

	adapter, err := NewRPCAdapter(RPCConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	require.Equal(t, uint64(42), adapter.TipHeight())

	hash, err := adapter.HashAt(42)
	require.NoError(t, err)
	require.Equal(t, wantHash, hash[:])
}

func TestRPCAdapterUTXONotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter, err := NewRPCAdapter(RPCConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = adapter.UTXO(wire.Outpoint{Index: 1})
	require.ErrorIs(t, err, ErrUnknownOutpoint)
}

func TestNewRPCAdapterRequiresBaseURL(t *testing.T) {
	_, err := NewRPCAdapter(RPCConfig{})
	require.Error(t, err)
}
