package confirmer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/rpcclient"
)

var ErrNodeTooOld = errors.New("node version is below the supported minimum")

type VersionGetter interface {
	GetVersion(ctx context.Context) (rpcclient.Version, error)
}

// CheckNodeVersion compares the node's core version against minVersion,
// both given without the leading "v".
func CheckNodeVersion(ctx context.Context, node VersionGetter, minVersion string) (string, error) {
	version, err := node.GetVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("could not get node version: %w", err)
	}
	current := "v" + version.SolanaCore
	if !semver.IsValid(current) {
		return version.SolanaCore, fmt.Errorf("node reported invalid version %q", version.SolanaCore)
	}
	if minVersion == "" {
		return version.SolanaCore, nil
	}
	minimum := "v" + minVersion
	if !semver.IsValid(minimum) {
		return version.SolanaCore, fmt.Errorf("invalid minimum node version %q", minVersion)
	}
	if semver.Compare(current, minimum) < 0 {
		return version.SolanaCore, fmt.Errorf("%w: %s < %s", ErrNodeTooOld, version.SolanaCore, minVersion)
	}
	return version.SolanaCore, nil
}
