package xrpc

import (
	"context"

	"postdispatch/internal/core/posts"
)

// PostDoer adapts *Client to posts.NetworkDoer, the narrow (ctx, userID,
// method, endpoint, body) -> (*posts.NetworkResponse, error) shape
// posts.Service depends on, reusing the exact apierr-classified transport
// Client.Do already implements rather than duplicating it.
type PostDoer struct {
	client *Client
}

func NewPostDoer(client *Client) *PostDoer {
	return &PostDoer{client: client}
}

func (d *PostDoer) Do(ctx context.Context, userID, method, endpoint string, body []byte) (*posts.NetworkResponse, error) {
	resp, err := d.client.Do(ctx, userID, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	return &posts.NetworkResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}
