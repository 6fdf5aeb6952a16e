package methods

import (
	"context"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/config"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmer"
)

type GetVersionInfoRequest struct{}

type GetVersionInfoResponse struct {
	Version        string `json:"version"`
	CommitHash     string `json:"commit_hash"`
	BuildTimestamp string `json:"build_time_stamp"`
	NodeVersion    string `json:"node_version"`
}

func NewGetVersionInfoHandler(logger *log.Entry, node confirmer.VersionGetter) jrpc2.Handler {
	return handler.New(func(ctx context.Context, request GetVersionInfoRequest) (GetVersionInfoResponse, error) {
		var nodeVersion string
		info, err := node.GetVersion(ctx)
		if err != nil {
			logger.WithError(err).WithField("request", request).
				Infof("error occurred while calling getVersion on the node")
		} else {
			nodeVersion = info.SolanaCore
		}

		return GetVersionInfoResponse{
			Version:        config.Version,
			CommitHash:     config.CommitHash,
			BuildTimestamp: config.BuildTimestamp,
			NodeVersion:    nodeVersion,
		}, nil
	})
}
