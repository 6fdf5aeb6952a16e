package rpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

const (
	encodingBase64 = "base64"

	// preflightFailureCode is returned by sendTransaction when the
	// transaction simulation fails.
	preflightFailureCode = -32002

	defaultRequestTimeout = 10 * time.Second
)

var ErrNoStatus = errors.New("node returned no signature status entry")

type Config struct {
	URL            string
	Logger         *log.Entry
	Daemon         interfaces.Daemon
	RequestTimeout time.Duration
}

// Client is a jrpc2 client for the poll side of the ledger RPC API. It
// tolerates transport errors by swapping in a fresh jrpc2 client.
type Client struct {
	url     string
	logger  *log.Entry
	timeout time.Duration

	lock sync.Mutex
	cli  *jrpc2.Client

	requestDurationMetric *prometheus.SummaryVec
}

func NewClient(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	requestDurationMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "rpc", Name: "request_duration_seconds",
		Help:       "ledger RPC request durations, sliding window = 10m",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"method", "status"})
	cfg.Daemon.MetricsRegistry().MustRegister(requestDurationMetric)

	c := &Client{
		url:                   cfg.URL,
		logger:                cfg.Logger.WithField("subservice", "rpc"),
		timeout:               timeout,
		requestDurationMetric: requestDurationMetric,
	}
	c.cli = c.newJRPC2Client()
	return c
}

func (c *Client) newJRPC2Client() *jrpc2.Client {
	ch := jhttp.NewChannel(c.url, nil)
	return jrpc2.NewClient(ch, nil)
}

func (c *Client) current() *jrpc2.Client {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cli
}

// refreshClient replaces stale unless another caller already did.
// This is needed because of https://github.com/creachadair/jrpc2/issues/118
func (c *Client) refreshClient(stale *jrpc2.Client) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.cli != stale {
		return
	}
	c.cli.Close()
	c.cli = c.newJRPC2Client()
}

// CallResult invokes method and decodes its result into result.
func (c *Client) CallResult(ctx context.Context, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cli := c.current()
	startTime := time.Now()
	err := cli.CallResult(ctx, method, params, result)

	status := "ok"
	switch {
	case err == nil:
	case IsRPCError(err):
		status = "rpc_error"
	default:
		status = "transport_error"
		if ctx.Err() == nil {
			c.refreshClient(cli)
		}
	}
	c.requestDurationMetric.With(prometheus.Labels{"method": method, "status": status}).
		Observe(time.Since(startTime).Seconds())
	return err
}

func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cli.Close()
}

// GetSignatureStatus returns the status of sig, or nil if the node has not
// seen it.
func (c *Client) GetSignatureStatus(ctx context.Context, sig ledger.Signature) (*SignatureStatus, error) {
	var result signatureStatusesResult
	params := []any{
		[]string{sig.String()},
		map[string]any{"searchTransactionHistory": false},
	}
	if err := c.CallResult(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) != 1 {
		return nil, ErrNoStatus
	}
	return result.Value[0], nil
}

// GetEpochInfo returns the current epoch info, including the block height,
// as seen at commitment.
func (c *Client) GetEpochInfo(ctx context.Context, commitment ledger.Commitment) (EpochInfo, error) {
	var result EpochInfo
	params := []any{map[string]any{"commitment": commitment.String()}}
	err := c.CallResult(ctx, "getEpochInfo", params, &result)
	return result, err
}

// GetAccountInfo returns the account stored at address, or nil when the
// account does not exist.
func (c *Client) GetAccountInfo(
	ctx context.Context,
	address ledger.Address,
	commitment ledger.Commitment,
	slice *DataSlice,
) (*AccountInfo, error) {
	opts := map[string]any{
		"commitment": commitment.String(),
		"encoding":   encodingBase64,
	}
	if slice != nil {
		opts["dataSlice"] = slice
	}
	var result accountInfoResult
	if err := c.CallResult(ctx, "getAccountInfo", []any{address.String(), opts}, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// SendTransaction submits the signed wire transaction and returns the
// signature reported by the node.
func (c *Client) SendTransaction(ctx context.Context, wire []byte, opts SendOptions) (ledger.Signature, error) {
	sendOpts := map[string]any{
		"encoding":      encodingBase64,
		"skipPreflight": opts.SkipPreflight,
	}
	if opts.PreflightCommitment.Valid() {
		sendOpts["preflightCommitment"] = opts.PreflightCommitment.String()
	}
	if opts.MaxRetries != nil {
		sendOpts["maxRetries"] = *opts.MaxRetries
	}
	var encoded string
	params := []any{base64.StdEncoding.EncodeToString(wire), sendOpts}
	if err := c.CallResult(ctx, "sendTransaction", params, &encoded); err != nil {
		return ledger.Signature{}, err
	}
	sig, err := solana.SignatureFromBase58(encoded)
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("node returned malformed signature %q: %w", encoded, err)
	}
	return sig, nil
}

func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	var result Version
	err := c.CallResult(ctx, "getVersion", nil, &result)
	return result, err
}

// GetHealth returns nil when the node reports itself healthy.
func (c *Client) GetHealth(ctx context.Context) error {
	var result string
	if err := c.CallResult(ctx, "getHealth", nil, &result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("node reported health %q", result)
	}
	return nil
}

// IsRPCError reports whether err is an error object returned by the node, as
// opposed to a transport failure.
func IsRPCError(err error) bool {
	var rpcErr *jrpc2.Error
	return errors.As(err, &rpcErr)
}

// IsPreflightFailure reports whether err is a sendTransaction simulation
// failure.
func IsPreflightFailure(err error) bool {
	var rpcErr *jrpc2.Error
	return errors.As(err, &rpcErr) && rpcErr.Code == preflightFailureCode
}
