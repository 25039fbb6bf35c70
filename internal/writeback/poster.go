package writeback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
	"github.com/safeharborhq/compliance-core/internal/resilience"
)

// HTTPPoster posts Box 12 values to the payroll provider's W-2 API.
type HTTPPoster struct {
	HTTP    *resilience.HTTPClient
	BaseURL string
	APIKey  string
}

type box12Request struct {
	Amount string `json:"amount"`
}

type box12Response struct {
	PreviousAmount string `json:"previous_amount"`
}

// Post writes the staged amount and returns the value it replaced.
func (p HTTPPoster) Post(ctx context.Context, record Record) (decimal.Decimal, error) {
	var previous decimal.Decimal
	body, err := p.send(ctx, record, record.Amount)
	if err != nil {
		return previous, err
	}
	var resp box12Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return previous, fmt.Errorf("writeback: decode payroll response: %w", err)
	}
	if resp.PreviousAmount == "" {
		return previous, nil
	}
	return money.FromString(resp.PreviousAmount)
}

// Restore writes the retained previous value back, or zero when none was
// captured.
func (p HTTPPoster) Restore(ctx context.Context, record Record) error {
	amount := decimal.Zero
	if record.PreviousAmount != nil {
		amount = *record.PreviousAmount
	}
	_, err := p.send(ctx, record, amount)
	return err
}

func (p HTTPPoster) send(ctx context.Context, record Record, amount decimal.Decimal) ([]byte, error) {
	if p.HTTP == nil || p.BaseURL == "" {
		return nil, errors.New("writeback: http poster not configured")
	}
	payload, err := json.Marshal(box12Request{Amount: money.Round2(amount).String()})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/employees/%s/w2/box12/%s", p.BaseURL, record.EmployeeID, record.Code)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.HTTP.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("writeback: payroll api status %d", resp.StatusCode)
	}
	return body, nil
}

// MockPoster keeps Box 12 values in memory. Used in development and tests
// when no payroll provider is configured.
type MockPoster struct {
	mu     sync.Mutex
	values map[string]decimal.Decimal
}

func (m *MockPoster) key(record Record) string {
	return record.EmployeeID.String() + ":" + string(record.Code)
}

func (m *MockPoster) Post(_ context.Context, record Record) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]decimal.Decimal)
	}
	key := m.key(record)
	previous := m.values[key]
	m.values[key] = record.Amount
	return previous, nil
}

func (m *MockPoster) Restore(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]decimal.Decimal)
	}
	amount := decimal.Zero
	if record.PreviousAmount != nil {
		amount = *record.PreviousAmount
	}
	m.values[m.key(record)] = amount
	return nil
}
