package wisp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/phantomhost/phantomctl/internal/relay"
	"github.com/phantomhost/phantomctl/internal/vrt"
)

// RuntimeHandler serves relayed requests out of a virtual runtime. GETs
// go through the runtime's memoized proxy; anything else is refused so
// the caller sees an explicit 405 instead of a silent drop.
func RuntimeHandler(rt *vrt.Runtime) Handler {
	return func(ctx context.Context, req relay.PollEnvelope) (relay.Response, error) {
		if req.Method != http.MethodGet {
			return relay.Response{
				Status: http.StatusMethodNotAllowed,
				Body:   []byte(fmt.Sprintf("method %s not served by this node", req.Method)),
			}, nil
		}
		res, err := rt.HandleHTTPGetProxy(ctx, req.Path)
		if err != nil {
			return relay.Response{}, err
		}
		return relay.Response{
			Status:  res.Status,
			Headers: res.Headers,
			Body:    res.Body,
		}, nil
	}
}
