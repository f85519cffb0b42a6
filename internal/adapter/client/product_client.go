package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

// ProductClient calls the inventory service's resource API. Only failures to
// complete the HTTP round trip are retried; any response the service returns
// is final.
type ProductClient struct {
	baseURL string
	http    *http.Client
	policy  RetryPolicy
	metrics *metrics.Registry
	logger  logrus.FieldLogger
}

type Option func(*ProductClient)

func WithHTTPClient(c *http.Client) Option {
	return func(p *ProductClient) { p.http = c }
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(p *ProductClient) { p.policy = policy }
}

func NewProductClient(baseURL string, timeout time.Duration, m *metrics.Registry, logger logrus.FieldLogger, opts ...Option) *ProductClient {
	c := &ProductClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		policy:  DefaultRetryPolicy(),
		metrics: m,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

func (c *ProductClient) Fetch(ctx context.Context, productID int64) (*domain.ProductSnapshot, error) {
	var snapshot domain.ProductSnapshot
	path := "/resources/" + strconv.FormatInt(productID, 10)
	if err := c.getJSON(ctx, "fetch", path, nil, &snapshot); err != nil {
		return nil, errors.Wrapf(err, "product %d", productID)
	}
	return &snapshot, nil
}

func (c *ProductClient) CheckAvailability(ctx context.Context, productID int64, quantity int) (bool, error) {
	var resp availabilityResponse
	path := "/resources/" + strconv.FormatInt(productID, 10) + "/check"
	query := url.Values{"quantity": []string{strconv.Itoa(quantity)}}
	if err := c.getJSON(ctx, "check", path, query, &resp); err != nil {
		return false, errors.Wrapf(err, "product %d", productID)
	}
	return resp.Available, nil
}

func (c *ProductClient) getJSON(ctx context.Context, endpoint, path string, query url.Values, out interface{}) error {
	r := retrier{policy: c.policy, metrics: c.metrics, logger: c.logger}
	return r.do(ctx, endpoint, func() error {
		return c.get(ctx, path, query, out)
	})
}

func (c *ProductClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnectivityError(err) {
			return &transportError{err: err}
		}
		return errors.Wrap(domain.ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.WithStack(domain.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return errors.Wrap(domain.ErrServiceError, fmt.Sprintf("unexpected status code %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(domain.ErrServiceError, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

// isConnectivityError reports whether the round trip failed at the network
// level: dial, reset, DNS or timeout. TLS failures, bad URLs and redirect
// loops will not go away on retry.
func isConnectivityError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
