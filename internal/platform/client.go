package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Client talks to the external commerce platform: inventory lookup, order
// creation and fulfillment acknowledgement. Transient failures (network, 5xx,
// 429) are retried with exponential backoff up to a bounded attempt count;
// other 4xx responses surface immediately as permanent failures. The client
// tracks last-known connectivity for the health feed.
type Client struct {
	baseURL     string
	accessToken string
	locationID  string
	maxRetries  int
	backoffBase time.Duration
	httpClient  *http.Client
	logger      *zap.Logger

	mu          sync.Mutex
	connected   bool
	lastErr     string
	lastChecked time.Time
}

// NewClient creates a platform client. timeout bounds each individual HTTP
// call so one stalled request cannot stall a whole coordinator worker.
func NewClient(baseURL, accessToken, locationID string, timeout time.Duration, maxRetries int, backoffBase time.Duration) *Client {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		locationID:  locationID,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      util.GetLogger(),
	}
}

// SaleResult is the platform's record of a created order.
type SaleResult struct {
	ExternalOrderID     string `json:"id"`
	ExternalOrderNumber string `json:"order_number"`
}

type inventoryResponse struct {
	Products []struct {
		SKU       string `json:"sku"`
		VariantID string `json:"variant_id"`
		Title     string `json:"title"`
		Price     int64  `json:"price"`
		Available int    `json:"available"`
		ImageURL  string `json:"image_url"`
	} `json:"products"`
}

type createOrderRequest struct {
	LocationID string          `json:"location_id"`
	SourceName string          `json:"source_name"`
	Tags       string          `json:"tags"`
	LineItems  []orderLineItem `json:"line_items"`
}

type orderLineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type fulfillmentRequest struct {
	LocationID     string `json:"location_id"`
	NotifyCustomer bool   `json:"notify_customer"`
}

// FetchCatalog retrieves the platform's product/inventory view for the kiosk
// location.
func (c *Client) FetchCatalog(ctx context.Context) ([]models.CatalogEntry, error) {
	ctx, span := util.StartSpan(ctx, "Platform.FetchCatalog")
	defer span.End()

	var resp inventoryResponse
	err := c.doWithRetry(ctx, "fetch_catalog", http.MethodGet,
		fmt.Sprintf("%s/locations/%s/inventory", c.baseURL, c.locationID), nil, nil, &resp)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entries := make([]models.CatalogEntry, 0, len(resp.Products))
	for _, p := range resp.Products {
		entries = append(entries, models.CatalogEntry{
			SKU:         p.SKU,
			VariantID:   p.VariantID,
			Title:       p.Title,
			Price:       p.Price,
			Available:   p.Available,
			ImageURL:    p.ImageURL,
			RetrievedAt: now,
		})
	}
	return entries, nil
}

// RecordSale creates the corresponding order on the platform. The internal
// order number rides along as the Idempotency-Key so a retried request cannot
// create a duplicate external order.
func (c *Client) RecordSale(ctx context.Context, order *models.Order) (*SaleResult, error) {
	ctx, span := util.StartSpan(ctx, "Platform.RecordSale")
	defer span.End()

	req := createOrderRequest{
		LocationID: c.locationID,
		SourceName: "kiosk",
		Tags:       order.OrderType + "-order",
		LineItems:  make([]orderLineItem, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		req.LineItems = append(req.LineItems, orderLineItem{SKU: item.SKU, Quantity: item.Quantity})
	}

	var result SaleResult
	headers := map[string]string{"Idempotency-Key": order.OrderNumber}
	err := c.doWithRetry(ctx, "record_sale", http.MethodPost,
		fmt.Sprintf("%s/orders", c.baseURL), headers, req, &result)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Sale recorded on platform",
		zap.String("order_number", order.OrderNumber),
		zap.String("external_order_number", result.ExternalOrderNumber))
	return &result, nil
}

// AcknowledgeFulfillment marks the external order fulfilled after dispensing.
// Best-effort from the coordinator's point of view: the physical product is
// already gone, so a failure here is logged and the order still completes.
func (c *Client) AcknowledgeFulfillment(ctx context.Context, externalOrderID string) error {
	ctx, span := util.StartSpan(ctx, "Platform.AcknowledgeFulfillment")
	defer span.End()

	req := fulfillmentRequest{LocationID: c.locationID, NotifyCustomer: false}
	return c.doWithRetry(ctx, "acknowledge_fulfillment", http.MethodPost,
		fmt.Sprintf("%s/orders/%s/fulfillments", c.baseURL, externalOrderID), nil, req, nil)
}

// TestConnection probes the platform and refreshes the connectivity state.
func (c *Client) TestConnection(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Platform.TestConnection")
	defer span.End()

	err := c.doOnce(ctx, "test_connection", http.MethodGet, c.baseURL+"/shop", nil, nil, nil)
	c.recordOutcome(err)
	return err
}

// Connected returns the last-known connectivity and last error string.
func (c *Client) Connected() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.lastErr
}

func (c *Client) doWithRetry(ctx context.Context, op, method, url string, headers map[string]string, body, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			c.logger.Warn("Retrying platform call",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &models.SyncError{Op: op, Transient: true, Err: ctx.Err()}
			}
		}

		lastErr = c.doOnce(ctx, op, method, url, headers, body, out)
		c.recordOutcome(lastErr)
		if lastErr == nil {
			return nil
		}
		if !models.IsTransientSync(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, op, method, url string, headers map[string]string, body, out interface{}) error {
	util.PlatformSyncAttemptsTotal.WithLabelValues(op).Inc()
	start := time.Now()
	defer func() {
		util.PlatformSyncLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &models.SyncError{Op: op, Transient: false, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &models.SyncError{Op: op, Transient: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("X-Platform-Access-Token", c.accessToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.PlatformSyncFailuresTotal.WithLabelValues(op, "transient").Inc()
		return &models.SyncError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				util.PlatformSyncFailuresTotal.WithLabelValues(op, "transient").Inc()
				return &models.SyncError{Op: op, StatusCode: resp.StatusCode, Transient: true,
					Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	respErr := fmt.Errorf("unexpected response: %s", bytes.TrimSpace(detail))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		util.PlatformSyncFailuresTotal.WithLabelValues(op, "transient").Inc()
		return &models.SyncError{Op: op, StatusCode: resp.StatusCode, Transient: true, Err: respErr}
	}
	util.PlatformSyncFailuresTotal.WithLabelValues(op, "permanent").Inc()
	return &models.SyncError{Op: op, StatusCode: resp.StatusCode, Transient: false, Err: respErr}
}

func (c *Client) recordOutcome(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastChecked = time.Now().UTC()
	if err != nil {
		// A permanent rejection still means the platform answered.
		c.connected = models.IsPermanentSync(err)
		c.lastErr = err.Error()
		return
	}
	c.connected = true
	c.lastErr = ""
}
