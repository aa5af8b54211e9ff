package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	rpcRetryDelay = 100 * time.Millisecond
)

var rpcRetryMaxDelay = 5 * time.Second
var rpcRetryJitterFrac = 0.2

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type httpStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *httpStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("rpc http status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("rpc http status %s", e.Status)
}

// RPCClient talks to one coin daemon over JSON-RPC. It keeps two HTTP
// clients on a shared transport: a bounded one for normal calls and an
// unbounded one for getblocktemplate long-polls.
type RPCClient struct {
	url         string
	user        string
	pass        string
	client      *http.Client
	lp          *http.Client
	idMu        sync.Mutex
	nextID      int
	connected   atomic.Bool
	unhealthy   atomic.Bool
	disconnects atomic.Uint64
	reconnects  atomic.Uint64

	lastErrMu sync.RWMutex
	lastErr   error
}

func NewRPCClient(coinCfg CoinConfig) *RPCClient {
	// Shared Transport so RPC calls reuse connections and avoid per-request
	// TCP/TLS handshakes.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   60 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &RPCClient{
		url:  coinCfg.RPCURL,
		user: strings.TrimSpace(coinCfg.RPCUser),
		pass: strings.TrimSpace(coinCfg.RPCPassword),
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		lp: &http.Client{
			Timeout:   0, // longpoll waits for the daemon to respond on new blocks
			Transport: transport,
		},
		nextID: 1,
	}
}

func (c *RPCClient) callCtx(ctx context.Context, method string, params interface{}, out interface{}) error {
	return c.callWithClientCtx(ctx, c.client, method, params, out)
}

func (c *RPCClient) callLongPollCtx(ctx context.Context, method string, params interface{}, out interface{}) error {
	return c.callWithClientCtx(ctx, c.lp, method, params, out)
}

func (c *RPCClient) callWithClientCtx(ctx context.Context, client *http.Client, method string, params interface{}, out interface{}) error {
	retryCount := 0
	for {
		if ctx.Err() != nil {
			c.recordLastError(ctx.Err())
			return ctx.Err()
		}
		err := c.performCall(ctx, client, method, params, out)
		if err == nil {
			if c.unhealthy.Swap(false) {
				c.reconnects.Add(1)
				logger.Info("rpc reconnected", "endpoint", c.endpointLabel())
			}
			c.connected.Store(true)
			c.recordRPCCallSuccess()
			return nil
		}
		c.recordLastError(err)
		if isRPCConnectivityError(err) {
			if !c.unhealthy.Swap(true) {
				c.disconnects.Add(1)
				logger.Warn("rpc disconnected", "endpoint", c.endpointLabel(), "error", err)
			}
		}
		if c.shouldRetry(err) {
			retryCount++
			delay := rpcRetryDelayWithBackoff(retryCount)
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

func (c *RPCClient) endpointLabel() string {
	raw := strings.TrimSpace(c.url)
	if raw == "" {
		return "(unknown)"
	}
	u, err := url.Parse(raw)
	if err == nil && u.Host != "" {
		return u.Host
	}
	// Best-effort fallback for non-URL inputs; never include user/pass.
	if idx := strings.Index(raw, "@"); idx != -1 && idx+1 < len(raw) {
		raw = raw[idx+1:]
	}
	raw = strings.TrimLeft(raw, "/")
	if raw == "" {
		return "(unknown)"
	}
	return raw
}

func (c *RPCClient) Healthy() bool {
	if c == nil {
		return false
	}
	return c.connected.Load() && !c.unhealthy.Load()
}

func (c *RPCClient) Disconnects() uint64 {
	if c == nil {
		return 0
	}
	return c.disconnects.Load()
}

func (c *RPCClient) Reconnects() uint64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

func isRPCConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode >= 500
	}
	return false
}

func (c *RPCClient) performCall(ctx context.Context, client *http.Client, method string, params interface{}, out interface{}) error {
	c.idMu.Lock()
	id := c.nextID
	c.nextID++
	c.idMu.Unlock()

	reqObj := rpcRequest{
		Jsonrpc: "1.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := fastJSONMarshal(reqObj)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	if c.user != "" || c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		// Some daemons include a useful JSON-RPC error even on a non-200
		// status. Surface it instead of losing it behind the HTTP status.
		var rpcResp rpcResponse
		if err := fastJSONUnmarshal(data, &rpcResp); err == nil && rpcResp.Error != nil {
			return rpcResp.Error
		}
		errBody := string(bytes.TrimSpace(data))
		return &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: errBody}
	}

	if len(data) == 0 {
		return fmt.Errorf("rpc empty response body")
	}

	var rpcResp rpcResponse
	if err := fastJSONUnmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil
	}
	return fastJSONUnmarshal(rpcResp.Result, out)
}

func (c *RPCClient) recordRPCCallSuccess() {
	c.lastErrMu.Lock()
	c.lastErr = nil
	c.lastErrMu.Unlock()
}

func (c *RPCClient) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return false
}

func (c *RPCClient) recordLastError(err error) {
	if err == nil {
		return
	}
	c.lastErrMu.Lock()
	c.lastErr = err
	c.lastErrMu.Unlock()
}

func (c *RPCClient) LastError() error {
	c.lastErrMu.RLock()
	defer c.lastErrMu.RUnlock()
	return c.lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func rpcRetryDelayWithBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return rpcRetryDelay
	}
	delay := rpcRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if rpcRetryMaxDelay > 0 && delay >= rpcRetryMaxDelay {
			delay = rpcRetryMaxDelay
			break
		}
	}
	if rpcRetryJitterFrac > 0 {
		low := 1 - rpcRetryJitterFrac
		high := 1 + rpcRetryJitterFrac
		jitter := low + (high-low)*rand.Float64()
		delay = time.Duration(float64(delay) * jitter)
		if delay <= 0 {
			delay = time.Millisecond
		}
	}
	return delay
}

// GetBestBlockHash returns the hash of the current chain tip.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (*chainhash.Hash, error) {
	var hashStr string
	if err := c.callCtx(ctx, "getbestblockhash", nil, &hashStr); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

// SubmitBlock submits a serialized block. A nil result means the node
// accepted the block; a string result is the node's reject reason.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) (string, error) {
	var reject string
	if err := c.callCtx(ctx, "submitblock", []interface{}{blockHex}, &reject); err != nil {
		return "", err
	}
	return reject, nil
}

// MiningInfo is the subset of getmininginfo the snapshot collectors consume.
type MiningInfo struct {
	Blocks        int64   `json:"blocks"`
	Difficulty    float64 `json:"difficulty"`
	NetworkHashPS float64 `json:"networkhashps"`
	PooledTx      int64   `json:"pooledtx"`
	Chain         string  `json:"chain"`
}

func (c *RPCClient) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	var info MiningInfo
	if err := c.callCtx(ctx, "getmininginfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BlockchainInfo is the subset of getblockchaininfo used for health checks.
type BlockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

func (c *RPCClient) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.callCtx(ctx, "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
