package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/WheelShare/WheelShare/internal/common/middleware"
	"github.com/WheelShare/WheelShare/internal/errs"
)

// RefundRequest 向支付网关发起退款所需的原始交易要素。
type RefundRequest struct {
	Amount       int64     `json:"amount"`
	ExternalRef  string    `json:"external_ref"`
	GatewayTxnID string    `json:"gateway_txn_id"`
	TxnDate      time.Time `json:"txn_date"`
	Reason       string    `json:"reason"`
}

// Gateway 支付网关出站接口。核心只发起请求并记录结果，
// 不等待网关侧的最终一致（见对账说明）。
type Gateway interface {
	Refund(ctx context.Context, req RefundRequest) error
}

// HTTPGateway 默认网关客户端：POST JSON 到网关退款端点。
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) error {
	if g == nil || g.client == nil {
		return fmt.Errorf("gateway not initialized")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/refunds", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway refund request: %v: %w", err, errs.ErrExternalDependency)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway refund status %d: %w", resp.StatusCode, errs.ErrExternalDependency)
	}
	return nil
}

// BreakerGateway 给网关客户端套上熔断器，网关抖动时快速失败。
type BreakerGateway struct {
	next    Gateway
	breaker *middleware.CircuitBreaker
}

func NewBreakerGateway(next Gateway, maxFailures int, resetTimeout time.Duration) *BreakerGateway {
	return &BreakerGateway{
		next:    next,
		breaker: middleware.NewCircuitBreaker("payment-gateway", maxFailures, resetTimeout),
	}
}

func (g *BreakerGateway) Refund(ctx context.Context, req RefundRequest) error {
	if g == nil || g.next == nil {
		return fmt.Errorf("gateway not initialized")
	}
	err := g.breaker.Call(ctx, func() error {
		return g.next.Refund(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("%v: %w", err, errs.ErrExternalDependency)
	}
	return nil
}
