package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/notify"
)

// Client reads an event stream served by Hub.Serve.
type Client struct {
	URL    string
	Client *http.Client
	Header http.Header
}

// NewClient creates a new SSE client for a stream URL.
func NewClient(streamURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{URL: streamURL, Client: httpClient, Header: http.Header{}}
}

// Subscribe calls handler for every envelope until the stream ends, ctx is
// done or handler fails. A canceled ctx returns ctx.Err().
func (c *Client) Subscribe(ctx context.Context, handler func(notify.Envelope) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return errors.E(errors.Op("sse.Subscribe"), errors.Component(component), errors.KindInvalid, err)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.E(errors.Op("sse.Subscribe"), errors.Component(component), errors.KindUnavailable, err, "http request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		kind := errors.KindUnavailable
		switch resp.StatusCode {
		case http.StatusBadRequest:
			kind = errors.KindInvalid
		case http.StatusNotFound:
			kind = errors.KindNotFound
		}
		return errors.E(errors.Op("sse.Subscribe"), errors.Component(component), kind,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var env notify.Envelope
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &env); err != nil {
			return errors.E(errors.Op("sse.Subscribe"), errors.Component(component), errors.KindInvalid, err, "decode envelope")
		}
		if err := handler(env); err != nil {
			return errors.E(errors.Op("sse.Subscribe"), errors.Component(component), err, "handler")
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil && !stderrors.Is(err, context.Canceled) {
		return errors.E(errors.Op("sse.Subscribe"), errors.Component(component), err, "scan")
	}
	return nil
}
