package dispense

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

// Dispenser drives the physical dispensing mechanism for one shelf slot.
// Implementations must not be assumed idempotent: calling Dispense twice may
// physically dispense twice.
type Dispenser interface {
	Dispense(ctx context.Context, shelfNumber int) error
}

// BridgeClient talks to the shelf controller bridge over HTTP. Any failure to
// get a positive answer is a mechanical failure for the affected slot; the
// unit may or may not have left the shelf, so the caller treats the item as
// failed rather than retrying the push.
type BridgeClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewBridgeClient creates a dispenser backed by the controller bridge.
func NewBridgeClient(baseURL string, timeout time.Duration) *BridgeClient {
	return &BridgeClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

type dispenseRequest struct {
	ShelfNumber int `json:"shelf_number"`
}

// Dispense pushes one unit off a shelf.
func (b *BridgeClient) Dispense(ctx context.Context, shelfNumber int) error {
	payload, err := json.Marshal(dispenseRequest{ShelfNumber: shelfNumber})
	if err != nil {
		return fmt.Errorf("shelf %d: %w: %v", shelfNumber, models.ErrMechanicalFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/dispense", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("shelf %d: %w: %v", shelfNumber, models.ErrMechanicalFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("shelf %d: %w: %v", shelfNumber, models.ErrMechanicalFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("shelf %d: %w: bridge status %d: %s",
			shelfNumber, models.ErrMechanicalFailure, resp.StatusCode, bytes.TrimSpace(detail))
	}

	b.logger.Debug("Dispensed", zap.Int("shelf", shelfNumber))
	return nil
}

// Simulator is the test-mode dispenser: no hardware, every push succeeds
// unless the shelf was marked jammed.
type Simulator struct {
	mu     sync.Mutex
	jammed map[int]bool
	logger *zap.Logger
}

// NewSimulator creates a simulated dispenser.
func NewSimulator() *Simulator {
	return &Simulator{
		jammed: map[int]bool{},
		logger: util.GetLogger(),
	}
}

// Jam marks a shelf as mechanically failing; Unjam clears it.
func (s *Simulator) Jam(shelfNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jammed[shelfNumber] = true
}

// Unjam clears a simulated jam.
func (s *Simulator) Unjam(shelfNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jammed, shelfNumber)
}

// Dispense simulates one push.
func (s *Simulator) Dispense(_ context.Context, shelfNumber int) error {
	s.mu.Lock()
	jammed := s.jammed[shelfNumber]
	s.mu.Unlock()

	if jammed {
		return fmt.Errorf("shelf %d: %w: simulated jam", shelfNumber, models.ErrMechanicalFailure)
	}
	s.logger.Debug("Simulated dispense", zap.Int("shelf", shelfNumber))
	return nil
}
