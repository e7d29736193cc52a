package payment

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/meshnet-tools/meshagent/identity"
)

// JSONRPCChainRPC is the default ChainRPC: a thin JSON-RPC 2.0 client
// against the configured full-node RPC host, dialed through Resolver
// rather than the OS stub resolver. It does no wallet or consensus work
// itself — spec.md's Non-goals delegate that to the external node this
// client merely talks to.
type JSONRPCChainRPC struct {
	endpoint string
	http     *http.Client
}

// NewJSONRPCChainRPC builds a client against rpcHost (host:port), using
// resolver to turn the host into a dial address so the lookup doesn't
// depend on the OS stub resolver.
func NewJSONRPCChainRPC(rpcHost string, resolver *Resolver) *JSONRPCChainRPC {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				host, port = addr, ""
			}
			if net.ParseIP(host) == nil {
				ip, err := resolver.Resolve(ctx, host)
				if err != nil {
					return nil, err
				}
				host = ip.String()
			}
			if port != "" {
				addr = net.JoinHostPort(host, port)
			} else {
				addr = host
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return &JSONRPCChainRPC{
		endpoint: "http://" + rpcHost,
		http:     &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *JSONRPCChainRPC) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("payment: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payment: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("payment: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("payment: decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("payment: %s: %s", method, rr.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

// SendTransaction implements ChainRPC.
func (c *JSONRPCChainRPC) SendTransaction(ctx context.Context, recipient identity.Address, amount identity.Uint256) ([32]byte, error) {
	var txHash [32]byte
	var result string
	params := []interface{}{recipient.String(), amount.String()}
	if err := c.call(ctx, "meshagent_sendTransaction", params, &result); err != nil {
		return txHash, err
	}
	b, err := hex.DecodeString(trimHexPrefix(result))
	if err != nil || len(b) != 32 {
		return txHash, fmt.Errorf("payment: malformed tx hash %q", result)
	}
	copy(txHash[:], b)
	return txHash, nil
}

// GetConfirmations implements ChainRPC.
func (c *JSONRPCChainRPC) GetConfirmations(ctx context.Context, txHash [32]byte) (uint64, error) {
	var result uint64
	params := []interface{}{"0x" + hex.EncodeToString(txHash[:])}
	if err := c.call(ctx, "meshagent_getConfirmations", params, &result); err != nil {
		return 0, err
	}
	return result, nil
}

// VerifyIncoming implements ChainRPC.
func (c *JSONRPCChainRPC) VerifyIncoming(ctx context.Context, txHash [32]byte, amount identity.Uint256) (bool, error) {
	var result bool
	params := []interface{}{"0x" + hex.EncodeToString(txHash[:]), amount.String()}
	if err := c.call(ctx, "meshagent_verifyIncoming", params, &result); err != nil {
		return false, err
	}
	return result, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
