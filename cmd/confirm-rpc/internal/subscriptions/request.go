package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Request describes an upstream subscription: the method used to open it,
// the method used to tear it down and the parameters of the open call.
type Request struct {
	Method            string
	UnsubscribeMethod string
	Params            []any
}

// Key identifies the request for coalescing. Requests with the same method
// and structurally equal parameters share a key regardless of map ordering
// or numeric formatting.
func (r Request) Key() (string, error) {
	params, err := canonicalJSON(r.Params)
	if err != nil {
		return "", fmt.Errorf("could not derive key for %s: %w", r.Method, err)
	}
	return r.Method + ":" + params, nil
}

func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return "", err
	}
	// encoding/json emits map keys in sorted order
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

// Channel is a single open upstream subscription.
//
// Notifications is closed when the subscription ends. Err then reports why
// it ended; it is nil after Close.
type Channel interface {
	Notifications() <-chan json.RawMessage
	Err() error
	Close() error
}

// Opener opens upstream subscriptions.
type Opener interface {
	Subscribe(ctx context.Context, req Request) (Channel, error)
}
