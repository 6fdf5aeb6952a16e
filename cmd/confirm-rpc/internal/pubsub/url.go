package pubsub

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
)

// DeriveWebsocketURL maps an HTTP RPC endpoint to the pubsub endpoint the
// node conventionally serves next to it: the scheme becomes ws/wss and an
// explicit port is incremented by one.
func DeriveWebsocketURL(rpcURL string) (string, error) {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "", fmt.Errorf("invalid rpc url %q: %w", rpcURL, err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "ws", "wss":
		return parsed.String(), nil
	default:
		return "", fmt.Errorf("invalid rpc url %q: unsupported scheme %q", rpcURL, parsed.Scheme)
	}
	if port := parsed.Port(); port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return "", fmt.Errorf("invalid rpc url %q: bad port %q", rpcURL, port)
		}
		if n == math.MaxUint16 {
			return "", fmt.Errorf("invalid rpc url %q: port %d leaves no room for the websocket port", rpcURL, n)
		}
		parsed.Host = net.JoinHostPort(parsed.Hostname(), strconv.FormatUint(n+1, 10))
	}
	return parsed.String(), nil
}
