package cloudapi

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

func newJSONRequest(ctx context.Context, url string, body []byte) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
