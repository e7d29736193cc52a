package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meshnet-tools/meshagent/identity"
	"github.com/stretchr/testify/require"
)

// newTestJSONRPCChainRPC points a JSONRPCChainRPC directly at an
// httptest.Server, bypassing NewJSONRPCChainRPC's resolver-backed
// transport since the test server is already a plain TCP address.
func newTestJSONRPCChainRPC(t *testing.T, handler http.HandlerFunc) (*JSONRPCChainRPC, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &JSONRPCChainRPC{endpoint: srv.URL, http: srv.Client()}, srv
}

func TestSendTransactionParsesTxHash(t *testing.T) {
	var gotMethod string
	c, _ := newTestJSONRPCChainRPC(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMethod = req.Method
		resp := rpcResponse{Result: json.RawMessage(`"0x` + hexOf32(7) + `"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	hash, err := c.SendTransaction(context.Background(), identity.Address{1}, identity.NewUint256FromUint64(100))
	require.NoError(t, err)
	require.Equal(t, "meshagent_sendTransaction", gotMethod)
	require.Equal(t, byte(7), hash[0])
}

func TestGetConfirmationsParsesResult(t *testing.T) {
	c, _ := newTestJSONRPCChainRPC(t, func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{Result: json.RawMessage(`6`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	var txHash [32]byte
	confs, err := c.GetConfirmations(context.Background(), txHash)
	require.NoError(t, err)
	require.Equal(t, uint64(6), confs)
}

func TestRPCErrorIsReturned(t *testing.T) {
	c, _ := newTestJSONRPCChainRPC(t, func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{Error: &struct {
			Message string `json:"message"`
		}{Message: "node unavailable"}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	var txHash [32]byte
	_, err := c.VerifyIncoming(context.Background(), txHash, identity.NewUint256FromUint64(1))
	require.Error(t, err)
}

func hexOf32(b byte) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = '0'
	}
	const hexdigits = "0123456789abcdef"
	out[62] = hexdigits[b>>4]
	out[63] = hexdigits[b&0xf]
	return string(out)
}
