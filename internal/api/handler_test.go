package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"fulfillment-service/internal/health"
	"fulfillment-service/internal/inventory"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/platform"
	"fulfillment-service/internal/queue"
	"fulfillment-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	entries []models.CatalogEntry
}

func (f *stubFetcher) FetchCatalog(context.Context) ([]models.CatalogEntry, error) {
	return f.entries, nil
}

type stubPlatformStatus struct{}

func (stubPlatformStatus) Connected() (bool, string) { return true, "" }

func newTestRouter(t *testing.T) (*gin.Engine, *queue.Queue, *inventory.Inventory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewStore("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.NewQueue(st, nil, nil, 3)
	inv := inventory.NewInventory(st, nil, 2)
	catalog := platform.NewCatalogCache(&stubFetcher{entries: []models.CatalogEntry{
		{SKU: "COLA-330", Title: "Cola"},
	}}, nil, time.Minute)
	agg := health.NewAggregator(st, nil, q, stubPlatformStatus{})

	router := gin.New()
	NewHandler(q, inv, catalog, agg).SetupRoutes(router)
	return router, q, inv
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateOrder(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"items": []map[string]interface{}{{"sku": "COLA-330", "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["order_number"])
	assert.Equal(t, models.StatusPending, resp["status"])
}

func TestCreateOrderValidationError(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"items": []map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrder(t *testing.T) {
	router, q, _ := newTestRouter(t)

	order, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		OrderType: models.OrderTypeKiosk,
		Items:     []models.LineItem{{SKU: "COLA-330", Quantity: 1}},
	})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/orders/"+order.OrderNumber, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, order.OrderNumber, got.OrderNumber)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/orders/K-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyPickup(t *testing.T) {
	router, q, _ := newTestRouter(t)

	_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		OrderType:  models.OrderTypePickup,
		Items:      []models.LineItem{{SKU: "COLA-330", Quantity: 1}},
		PickupCode: "9090",
	})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/pickup/verify",
		map[string]string{"pickup_code": "9090"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Codes are single-use.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/pickup/verify",
		map[string]string{"pickup_code": "9090"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShelfLifecycle(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPut, "/api/v1/shelves/7", map[string]interface{}{
		"sku":          "COLA-330",
		"product_name": "Cola 330ml",
		"capacity":     10,
		"box_size":     "small",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/shelves/7/restock",
		map[string]int{"quantity": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	var slot models.ShelfSlot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slot))
	assert.Equal(t, 5, slot.Stock)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/shelves", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/shelves/7", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAssignShelfRejectsBadZone(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPut, "/api/v1/shelves/35", map[string]interface{}{
		"sku":      "COLA-330",
		"capacity": 10,
		"box_size": "small",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShelfBadNumberParam(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/shelves/seven", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogSync(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/catalog/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["synced"])
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap models.HealthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.StoreConnected)
	assert.True(t, snap.PlatformConnected)
}

func TestReadyEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
