// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/recommend"
)

// portfolioPath is the portfolio API endpoint.
const portfolioPath = "/api/mu800"

// maxCustNoLen bounds customer number length.
const maxCustNoLen = 20

// ValidCustNo reports whether the customer number is well formed:
// non-empty, digits only, at most 20 characters. Leading zeros are
// significant and preserved.
func ValidCustNo(custNo string) bool {
	if custNo == "" || len(custNo) > maxCustNoLen {
		return false
	}
	for _, r := range custNo {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// portfolioRequest is the API request body.
type portfolioRequest struct {
	CustomerNo string   `json:"customer_no"`
	TargetType []string `json:"target_type"`
	TopN       int      `json:"top_n"`
}

// PortfolioClient fetches customer portfolios from the external API.
// Unavailability degrades to an empty portfolio: retries are bounded,
// and a circuit breaker keeps a flapping upstream from consuming the
// request budget.
type PortfolioClient struct {
	baseURL    string
	topN       int
	maxRetries uint64
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*recommend.PortfolioData]
}

// NewPortfolioClient builds the client from config.
func NewPortfolioClient(cfg config.PortfolioConfig) *PortfolioClient {
	settings := gobreaker.Settings{
		Name:    "portfolio-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("portfolio breaker state change")
		},
	}

	return &PortfolioClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		topN:       cfg.TopN,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker[*recommend.PortfolioData](settings),
	}
}

// FetchPortfolio implements recommend.PortfolioSource. Retry exhaustion,
// an open breaker, and a 404 all return an empty portfolio with no
// error; only a malformed customer number is the caller's fault.
func (c *PortfolioClient) FetchPortfolio(ctx context.Context, custNo string) (*recommend.PortfolioData, error) {
	if !ValidCustNo(custNo) {
		return nil, fmt.Errorf("invalid customer number %q", custNo)
	}

	data, err := c.breaker.Execute(func() (*recommend.PortfolioData, error) {
		return c.fetchWithRetry(ctx, custNo)
	})
	if err != nil {
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("cust_no", custNo).
			Msg("portfolio unavailable, degrading to empty")
		return &recommend.PortfolioData{}, nil
	}
	return data, nil
}

// fetchWithRetry retries retryable statuses with exponential backoff.
func (c *PortfolioClient) fetchWithRetry(ctx context.Context, custNo string) (*recommend.PortfolioData, error) {
	body, err := json.Marshal(portfolioRequest{
		CustomerNo: custNo,
		TargetType: []string{"stock", "sector"},
		TopN:       c.topN,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal portfolio request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)

	var data *recommend.PortfolioData
	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+portfolioPath, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusOK:
			payload, err := io.ReadAll(res.Body)
			if err != nil {
				return err
			}
			var parsed recommend.PortfolioData
			if err := json.Unmarshal(payload, &parsed); err != nil {
				return backoff.Permanent(fmt.Errorf("decode portfolio response: %w", err))
			}
			data = &parsed
			return nil
		case res.StatusCode == http.StatusNotFound:
			// Unknown customer: empty portfolio, not an error.
			data = &recommend.PortfolioData{}
			return nil
		case retryableStatus(res.StatusCode):
			return fmt.Errorf("portfolio api status %d", res.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("portfolio api status %d", res.StatusCode))
		}
	}, policy)

	if err != nil {
		return nil, err
	}
	return data, nil
}

// retryableStatus matches the documented retry set.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
