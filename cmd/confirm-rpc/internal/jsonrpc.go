package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmer"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/db"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/methods"
)

// maxHTTPRequestSize defines the largest request size that the http handler
// would be willing to accept before dropping the request.
const maxHTTPRequestSize = 512 * 1024 // half a megabyte

// Handler is the HTTP handler which serves the confirm JSON RPC responses
type Handler struct {
	bridge jhttp.Bridge
	logger *log.Entry
	http.Handler
}

// Close closes all the resources held by the Handler instances.
// After Close is called the Handler instance will stop accepting JSON RPC requests.
func (h Handler) Close() {
	if err := h.bridge.Close(); err != nil {
		h.logger.WithError(err).Warn("could not close bridge")
	}
}

// Node is the part of the observed node the proxy reports on.
type Node interface {
	methods.HealthGetter
	confirmer.VersionGetter
}

type HandlerParams struct {
	Confirmer          methods.Confirmer
	ConfirmationReader db.ConfirmationReader
	Node               Node
	DefaultCommitment  ledger.Commitment
	Logger             *log.Entry
	Daemon             interfaces.Daemon
	MaxHTTPRequestSize uint
	CORSAllowedOrigins []string
}

func decorateHandlers(daemon interfaces.Daemon, logger *log.Entry, m handler.Map) handler.Map {
	requestMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  daemon.MetricsNamespace(),
		Subsystem:  "jsonrpc",
		Name:       "request_duration_seconds",
		Help:       "JSON RPC request duration",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"endpoint", "status"})
	decorated := handler.Map{}
	for endpoint, h := range m {
		// create copy of h, so it can be used in closure bellow
		h := h
		decorated[endpoint] = func(ctx context.Context, r *jrpc2.Request) (interface{}, error) {
			reqID := strconv.FormatUint(middleware.NextRequestID(), 10)
			logRequest(logger, reqID, r)
			startTime := time.Now()
			result, err := h(ctx, r)
			duration := time.Since(startTime)
			label := prometheus.Labels{"endpoint": r.Method(), "status": "ok"}
			confirmationResponse, ok := result.(methods.ConfirmationResponse)
			if ok && confirmationResponse.Outcome != "confirmed" {
				// the call itself succeeded, report the transaction's fate
				label["status"] = confirmationResponse.Outcome
			} else if err != nil {
				var jsonRPCErr *jrpc2.Error
				if errors.As(err, &jsonRPCErr) {
					label["status"] = strings.ReplaceAll(jsonRPCErr.Code.String(), " ", "_")
				} else {
					label["status"] = "error"
				}
			}
			requestMetric.With(label).Observe(duration.Seconds())
			logResponse(logger, reqID, duration, label["status"], result)
			return result, err
		}
	}
	if err := daemon.MetricsRegistry().Register(requestMetric); err != nil {
		logger.WithError(err).Warn("could not register request duration metric")
	}
	return decorated
}

func logRequest(logger *log.Entry, reqID string, req *jrpc2.Request) {
	logger = logger.WithFields(log.F{
		"subsys":   "jsonrpc",
		"req":      reqID,
		"json_req": req.ID(),
		"method":   req.Method(),
	})
	logger.Info("starting JSONRPC request")

	// Params are useful but can be really verbose, let's only print them in debug level
	logger = logger.WithField("params", req.ParamString())
	logger.Debug("starting JSONRPC request params")
}

func logResponse(logger *log.Entry, reqID string, duration time.Duration, status string, response any) {
	logger = logger.WithFields(log.F{
		"subsys":   "jsonrpc",
		"req":      reqID,
		"duration": duration.String(),
		"status":   status,
	})
	logger.Info("finished JSONRPC request")

	if status == "ok" {
		responseBytes, err := json.Marshal(response)
		if err == nil {
			// the result is useful but can be really verbose, let's only print it with debug level
			logger = logger.WithField("result", string(responseBytes))
			logger.Debug("finished JSONRPC request result")
		}
	}
}

// NewJSONRPCHandler constructs a Handler instance
func NewJSONRPCHandler(params HandlerParams) Handler {
	bridgeOptions := jhttp.BridgeOptions{
		Server: &jrpc2.ServerOptions{
			Logger: func(text string) { params.Logger.Debug(text) },
		},
	}
	handlers := []struct {
		methodName        string
		underlyingHandler jrpc2.Handler
	}{
		{
			methodName:        "getHealth",
			underlyingHandler: methods.NewHealthCheck(params.Node),
		},
		{
			methodName:        "getVersionInfo",
			underlyingHandler: methods.NewGetVersionInfoHandler(params.Logger, params.Node),
		},
		{
			methodName: "sendAndConfirmTransaction",
			underlyingHandler: methods.NewSendAndConfirmTransactionHandler(
				params.Logger, params.Confirmer, params.DefaultCommitment),
		},
		{
			methodName: "waitForTransactionConfirmation",
			underlyingHandler: methods.NewWaitForTransactionConfirmationHandler(
				params.Logger, params.Confirmer, params.DefaultCommitment),
		},
		{
			methodName:        "getConfirmation",
			underlyingHandler: methods.NewGetConfirmationHandler(params.Logger, params.ConfirmationReader),
		},
	}
	handlersMap := handler.Map{}
	for _, h := range handlers {
		handlersMap[h.methodName] = h.underlyingHandler
	}
	bridge := jhttp.NewBridge(decorateHandlers(
		params.Daemon,
		params.Logger,
		handlersMap),
		&bridgeOptions)

	maxRequestSize := int64(maxHTTPRequestSize)
	if params.MaxHTTPRequestSize > 0 {
		maxRequestSize = int64(params.MaxHTTPRequestSize)
	}
	corsOptions := cors.Options{
		AllowedOrigins: params.CORSAllowedOrigins,
		AllowedHeaders: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "POST", "PATCH", "DELETE", "HEAD", "OPTIONS"},
	}
	if len(params.CORSAllowedOrigins) == 0 {
		corsOptions.AllowOriginRequestFunc = func(*http.Request, string) bool { return true }
	}
	return Handler{
		bridge:  bridge,
		logger:  params.Logger,
		Handler: cors.New(corsOptions).Handler(http.MaxBytesHandler(bridge, maxRequestSize)),
	}
}
