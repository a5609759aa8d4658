package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/codyseavey/coin-tracker/internal/metrics"
	"github.com/codyseavey/coin-tracker/internal/models"
)

const (
	coinGeckoBaseURL        = "https://api.coingecko.com/api/v3"
	coinGeckoDefaultTimeout = 10 * time.Second
	maxResponseBytes        = 4 << 20
)

// CoinGeckoService fetches market listings from the CoinGecko API.
// It performs exactly one HTTP call per fetch; retries belong to the Governor.
type CoinGeckoService struct {
	client  *http.Client
	apiKey  string
	baseURL string

	// Local pacing so retries can never burst past the free tier budget
	limiter *rate.Limiter
}

// RawCoin is one entry of the /coins/markets response.
// Numeric fields are pointers because CoinGecko sends null for unlisted values.
type RawCoin struct {
	ID                       string   `json:"id"`
	Symbol                   string   `json:"symbol"`
	Name                     string   `json:"name"`
	Image                    string   `json:"image"`
	CurrentPrice             *float64 `json:"current_price"`
	MarketCap                *float64 `json:"market_cap"`
	MarketCapRank            *int     `json:"market_cap_rank"`
	PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
}

// NewCoinGeckoService creates a client for baseURL (defaults to the public API).
// callsPerMinute <= 0 disables local pacing.
func NewCoinGeckoService(baseURL, apiKey string, callsPerMinute int) *CoinGeckoService {
	if baseURL == "" {
		baseURL = coinGeckoBaseURL
	}

	limit := rate.Inf
	if callsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(callsPerMinute))
	}

	return &CoinGeckoService{
		client: &http.Client{
			Timeout: coinGeckoDefaultTimeout,
		},
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// FetchTopCoins returns the top limit coins by market cap in USD.
// Failures are always *UpstreamError.
func (s *CoinGeckoService) FetchTopCoins(ctx context.Context, limit int) ([]RawCoin, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &UpstreamError{Kind: ErrKindTimeout, Err: err}
	}

	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(limit))
	params.Set("page", "1")
	params.Set("sparkline", "false")

	reqURL := fmt.Sprintf("%s/coins/markets?%s", s.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &UpstreamError{Kind: ErrKindMalformed, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	if s.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.UpstreamRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		uerr := classifyTransportError(err)
		metrics.UpstreamRequestsTotal.WithLabelValues(uerr.Kind.String()).Inc()
		return nil, uerr
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.UpstreamRequestsTotal.WithLabelValues(ErrKindRateLimited.String()).Inc()
		return nil, &UpstreamError{
			Kind:       ErrKindRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.UpstreamRequestsTotal.WithLabelValues(ErrKindHTTP.String()).Inc()
		return nil, &UpstreamError{Kind: ErrKindHTTP, StatusCode: resp.StatusCode}
	}

	coins, err := decodeMarkets(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		var uerr *UpstreamError
		if !errors.As(err, &uerr) {
			uerr = &UpstreamError{Kind: ErrKindMalformed, Err: err}
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(uerr.Kind.String()).Inc()
		return nil, uerr
	}

	metrics.UpstreamRequestsTotal.WithLabelValues("success").Inc()
	return coins, nil
}

// decodeMarkets parses a /coins/markets body, dropping entries without an id
// and repeated ids. An empty listing is malformed: replacing the snapshot
// with nothing would discard good data.
func decodeMarkets(r io.Reader) ([]RawCoin, error) {
	var raw []RawCoin
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &UpstreamError{Kind: ErrKindTimeout, Err: err}
		}
		return nil, &UpstreamError{Kind: ErrKindMalformed, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	seen := make(map[string]bool, len(raw))
	coins := make([]RawCoin, 0, len(raw))
	for _, c := range raw {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		coins = append(coins, c)
	}

	if len(coins) == 0 {
		return nil, &UpstreamError{Kind: ErrKindMalformed, Err: errors.New("empty market listing")}
	}
	return coins, nil
}

func classifyTransportError(err error) *UpstreamError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: ErrKindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamError{Kind: ErrKindTimeout, Err: err}
	}
	return &UpstreamError{Kind: ErrKindNetwork, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date; zero when absent or invalid
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ToSnapshot converts an upstream entry into a current snapshot row.
// position is the 1-based listing position, used when CoinGecko omits the rank.
func (c RawCoin) ToSnapshot(position int, capturedAt time.Time) models.CoinSnapshot {
	rank := position
	if c.MarketCapRank != nil && *c.MarketCapRank > 0 {
		rank = *c.MarketCapRank
	}

	return models.CoinSnapshot{
		CoinID:     c.ID,
		Name:       c.Name,
		Symbol:     models.NormalizeSymbol(c.Symbol),
		Price:      derefFloat(c.CurrentPrice),
		MarketCap:  derefFloat(c.MarketCap),
		Change24h:  derefFloat(c.PriceChangePercentage24h),
		Image:      c.Image,
		Rank:       rank,
		CapturedAt: capturedAt,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
