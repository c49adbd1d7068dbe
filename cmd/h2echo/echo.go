package main

import (
	"context"

	"github.com/kalbhor/h2serve"
)

// echoApp is the sample application spec.md §1 treats as external
// plumbing: it echoes the request body back as the response body, then
// streams back any request trailers as response trailers, giving
// SPEC_FULL.md's echo-with-trailers scenario something real to drive.
func echoApp(ctx context.Context, req *h2serve.HTTP2Request, resp *h2serve.HTTP2Response) error {
	if err := resp.Headers(ctx, 200, nil, false); err != nil {
		return err
	}

	var body []byte
	for chunk := range req.Body {
		body = append(body, chunk.Data...)
		close(chunk.Ack)
	}

	var trailers []h2serve.Header
	for t := range req.Trailers {
		trailers = append(trailers, t...)
	}

	if len(body) > 0 {
		if err := resp.Body(ctx, body, len(trailers) == 0); err != nil {
			return err
		}
	}

	if len(trailers) > 0 {
		return resp.Trailers(ctx, trailers)
	}
	if len(body) == 0 {
		return resp.End(ctx)
	}
	return nil
}
