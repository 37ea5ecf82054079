package client

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GTJasonMK/AnyRounterTool/internal/config"
	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/resilience"
)

var tracer = otel.Tracer("client")

// QuotaPerDollar converts site quota units to USD.
const QuotaPerDollar = 500000.0

const (
	subscriptionPath = "/v1/dashboard/billing/subscription"
	usagePath        = "/v1/dashboard/billing/usage"
	billingSource    = "billing:subscription+usage"
	maxBodyBytes     = 1 << 20
	maxScanDepth     = 5
)

var (
	usdHeaders   = []string{"x-balance", "x-user-balance", "x-credit-balance", "x-remaining-balance", "x-total-available", "x-account-balance"}
	quotaHeaders = []string{"x-quota", "x-remaining-quota", "x-total-quota"}

	usdFieldPatterns   = []string{"balance", "remaining_balance", "available_balance", "current_balance", "credit_balance", "total_available", "available_credit", "remain_amount"}
	quotaFieldPatterns = []string{"quota", "remaining_quota", "remain_quota", "left_quota", "available_quota"}
)

// BalanceClient reads an account balance with its API key, without a browser.
type BalanceClient struct {
	httpClient  *http.Client
	baseURL     string
	centsFactor float64
	cb          *gobreaker.CircuitBreaker
	limiter     *resilience.Limiter
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewBalanceClient creates a BalanceClient. A nil httpClient gets one bounded by cfg.Timeout.
func NewBalanceClient(httpClient *http.Client, cfg config.APIConfig, cb *gobreaker.CircuitBreaker, limiter *resilience.Limiter, metrics *observability.Metrics, logger *zap.Logger) *BalanceClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	factor := cfg.UsageCentsFactor
	if factor <= 0 {
		factor = 2
	}
	return &BalanceClient{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		centsFactor: factor,
		cb:          cb,
		limiter:     limiter,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Query tries the billing routes, then each candidate endpoint, and returns
// the first balance found. Failures are reported in the result, never as an error.
func (c *BalanceClient) Query(ctx context.Context, apiKey string) domain.ApiBalanceResult {
	ctx, span := tracer.Start(ctx, "BalanceClient.Query")
	defer span.End()

	key := strings.TrimSpace(apiKey)
	if key == "" {
		return domain.ApiBalanceResult{Message: "missing api key"}
	}

	billing := c.queryBilling(ctx, key)
	if billing.Success {
		span.SetAttributes(attribute.String("balance.source", billing.Source))
		return billing
	}
	c.logger.Debug("billing routes missed", zap.String("reason", billing.Message))

	lastErr := "no balance endpoint matched"
	for _, path := range c.candidates() {
		resp, err := c.get(ctx, key, path)
		if err != nil {
			lastErr = fmt.Sprintf("request failed (%s): %v", path, err)
			c.logger.Debug("balance endpoint failed", zap.String("path", path), zap.Error(err))
			c.count(path, "error")
			continue
		}
		if resp.status >= http.StatusBadRequest {
			lastErr = fmt.Sprintf("HTTP %d (%s)", resp.status, path)
			c.logger.Debug("balance endpoint rejected", zap.String("path", path), zap.Int("status", resp.status))
			c.count(path, "rejected")
			continue
		}

		if v, ok := balanceFromHeaders(resp.header); ok {
			c.count(path, "hit")
			span.SetAttributes(attribute.String("balance.source", "header:"+path))
			return domain.ApiBalanceResult{Success: true, Balance: v, Source: "header:" + path, Message: "balance read from response header"}
		}
		if v, ok := balanceFromBody(resp.body); ok {
			c.count(path, "hit")
			span.SetAttributes(attribute.String("balance.source", "body:"+path))
			return domain.ApiBalanceResult{Success: true, Balance: v, Source: "body:" + path, Message: "balance read from response body"}
		}

		c.count(path, "miss")
		lastErr = fmt.Sprintf("no balance field in response (%s)", path)
	}

	span.SetStatus(codes.Error, lastErr)
	return domain.ApiBalanceResult{Message: lastErr}
}

// queryBilling computes remaining = limit - usage from the subscription and usage routes.
func (c *BalanceClient) queryBilling(ctx context.Context, key string) domain.ApiBalanceResult {
	var sub, usage *response
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := c.get(gctx, key, subscriptionPath)
		sub = r
		return err
	})
	g.Go(func() error {
		r, err := c.get(gctx, key, c.usageQuery())
		usage = r
		return err
	})
	if err := g.Wait(); err != nil {
		c.count("billing", "error")
		return domain.ApiBalanceResult{Message: fmt.Sprintf("billing request failed: %v", err)}
	}

	if sub.status >= http.StatusBadRequest || usage.status >= http.StatusBadRequest {
		c.count("billing", "rejected")
		return domain.ApiBalanceResult{Message: fmt.Sprintf("billing HTTP status: subscription=%d,usage=%d", sub.status, usage.status)}
	}

	subData, err1 := decodeOrdered(sub.body)
	usageData, err2 := decodeOrdered(usage.body)
	if err1 != nil || err2 != nil || subData.kind != kindObject || usageData.kind != kindObject {
		c.count("billing", "miss")
		return domain.ApiBalanceResult{Message: "billing response is not a JSON object"}
	}

	limitNode, ok := subData.get("hard_limit_usd")
	if !ok {
		limitNode, _ = subData.get("soft_limit_usd")
	}
	limit, okLimit := toFloat(limitNode)
	usageNode, _ := usageData.get("total_usage")
	used, okUsage := toFloat(usageNode)
	if !okLimit || !okUsage {
		c.count("billing", "miss")
		return domain.ApiBalanceResult{Message: "billing response lacks hard_limit_usd or total_usage"}
	}

	usedUSD := UsageToUSD(used, limit, c.centsFactor)
	remaining := domain.Remaining(limit, usedUSD)

	c.logger.Debug("billing balance computed",
		zap.Float64("limit_usd", limit),
		zap.Float64("usage_raw", used),
		zap.Float64("usage_usd", usedUSD),
		zap.Float64("remaining", remaining),
	)
	c.count("billing", "hit")
	return domain.ApiBalanceResult{Success: true, Balance: remaining, Source: billingSource, Message: "balance computed from billing routes"}
}

// UsageToUSD reads usage as cents when it exceeds limit*factor.
func UsageToUSD(usage, limit, factor float64) float64 {
	if limit < 0 {
		limit = 0
	}
	if limit > 0 && usage > limit*factor {
		return usage / 100
	}
	return usage
}

func (c *BalanceClient) usageQuery() string {
	today := c.now()
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	return fmt.Sprintf("%s?start_date=%s&end_date=%s", usagePath, monthStart.Format(time.DateOnly), today.Format(time.DateOnly))
}

func (c *BalanceClient) candidates() []string {
	return []string{
		c.usageQuery(),
		subscriptionPath,
		"/v1/dashboard/billing/credit_grants",
		"/dashboard/billing/credit_grants",
		"/api/user/balance",
		"/api/user/self",
		"/api/user/info",
		"/api/token/self",
		"/api/token/info",
		"/v1/models",
	}
}

// ============================================================
// Transport
// ============================================================

type response struct {
	status int
	header http.Header
	body   []byte
}

// get performs one rate-limited request through the circuit breaker.
// Only transport errors and 5xx responses count as breaker failures.
func (c *BalanceClient) get(ctx context.Context, key, path string) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	do := func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		out := &response{status: resp.StatusCode, header: resp.Header, body: body}
		if resp.StatusCode >= http.StatusInternalServerError {
			return out, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		return out, nil
	}

	var (
		result any
		err    error
	)
	if c.cb != nil {
		result, err = c.cb.Execute(do)
	} else {
		result, err = do()
	}

	// A 5xx still carries a response the caller reports as a rejection.
	if r, ok := result.(*response); ok && r != nil {
		return r, nil
	}
	if err != nil {
		return nil, &domain.ErrTransientNetwork{Op: "GET " + path, Err: err}
	}
	return nil, fmt.Errorf("no response for %s", path)
}

func (c *BalanceClient) count(path, result string) {
	if c.metrics == nil {
		return
	}
	route, _, _ := strings.Cut(path, "?")
	c.metrics.IncrFastPath(route, result)
}

// ============================================================
// Extraction
// ============================================================

func balanceFromHeaders(h http.Header) (float64, bool) {
	if len(h) == 0 {
		return 0, false
	}
	for _, k := range usdHeaders {
		if raw := h.Get(k); raw != "" {
			if v, ok := parseFirstNumber(raw); ok {
				return math.Max(v, 0), true
			}
		}
	}
	for _, k := range quotaHeaders {
		if raw := h.Get(k); raw != "" {
			if v, ok := parseFirstNumber(raw); ok {
				return math.Max(v/QuotaPerDollar, 0), true
			}
		}
	}
	return 0, false
}

func balanceFromBody(body []byte) (float64, bool) {
	root, err := decodeOrdered(body)
	if err != nil || root.kind != kindObject {
		return 0, false
	}

	if n, ok := root.get("total_available"); ok {
		if v, ok := toFloat(n); ok {
			return math.Max(v, 0), true
		}
	}
	if n, ok := root.get("balance"); ok {
		if v, ok := toFloat(n); ok {
			return math.Max(normalizeBalance(v, "balance"), 0), true
		}
	}
	if v, ok := scanBalance(root, 0); ok {
		return math.Max(v, 0), true
	}
	return 0, false
}

// scanBalance walks objects and arrays in document order, preferring USD
// fields over quota fields at each level before descending.
func scanBalance(n *node, depth int) (float64, bool) {
	if n == nil || depth > maxScanDepth {
		return 0, false
	}

	switch n.kind {
	case kindObject:
		for i, key := range n.keys {
			lower := strings.ToLower(key)
			if containsAny(lower, usdFieldPatterns) {
				if v, ok := toFloat(n.fields[i]); ok {
					return normalizeBalance(v, lower), true
				}
			}
		}
		for i, key := range n.keys {
			lower := strings.ToLower(key)
			if containsAny(lower, quotaFieldPatterns) {
				if v, ok := toFloat(n.fields[i]); ok {
					return v / QuotaPerDollar, true
				}
			}
		}
		for _, child := range n.fields {
			if v, ok := scanBalance(child, depth+1); ok {
				return v, true
			}
		}
	case kindArray:
		for _, item := range n.items {
			if v, ok := scanBalance(item, depth+1); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// normalizeBalance treats quota-named fields and implausibly large values as quota units.
func normalizeBalance(v float64, keyHint string) float64 {
	if strings.Contains(keyHint, "quota") || math.Abs(v) > 100000 {
		return v / QuotaPerDollar
	}
	return v
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
