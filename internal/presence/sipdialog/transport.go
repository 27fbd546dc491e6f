package sipdialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// ErrNoFinalResponse is returned when a transaction ends without a final response.
var ErrNoFinalResponse = errors.New("sipdialog: transaction terminated without final response")

// Transport sends a request and returns its final response.
type Transport interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *sip.Request) (*sip.Response, error)

// Do implements Transport.
func (f TransportFunc) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	return f(ctx, req)
}

// ClientTransport runs client transactions on a sipgo client.
type ClientTransport struct {
	client *sipgo.Client
}

// NewClientTransport wraps client.
func NewClientTransport(client *sipgo.Client) *ClientTransport {
	return &ClientTransport{client: client}
}

// Do implements Transport. Provisional responses are skipped; ctx bounds the
// whole transaction.
func (t *ClientTransport) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, ErrNoFinalResponse
			}
			if resp.StatusCode < 200 {
				slog.Debug("[Dialog] Provisional response",
					"method", string(req.Method),
					"status", int(resp.StatusCode),
				)
				continue
			}
			return resp, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%s transaction: %w", req.Method, err)
			}
			return nil, ErrNoFinalResponse
		}
	}
}
