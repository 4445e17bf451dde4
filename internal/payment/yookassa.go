package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// YooKassaClient talks to the YooKassa payments API. Payments are
// created with a redirect confirmation; the order id travels in the
// payment metadata and comes back both in the webhook and on FindPayment.
type YooKassaClient struct {
	ShopID     string
	SecretKey  string
	APIURL     string
	HTTPClient *http.Client
}

func NewYooKassaClient(shopID, secretKey string) *YooKassaClient {
	return &YooKassaClient{
		ShopID:    shopID,
		SecretKey: secretKey,
		APIURL:    "https://api.yookassa.ru/v3",
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreatePayment registers a payment and returns the confirmation URL
// the user pays at plus the gateway's payment id.
func (c *YooKassaClient) CreatePayment(ctx context.Context, amount float64, description, returnURL string, metadata map[string]string) (*PaymentResponse, error) {
	value := fmt.Sprintf("%.2f", amount)
	reqBody := CreatePaymentRequest{
		Amount: Amount{
			Value:    value,
			Currency: "RUB",
		},
		Capture: true,
		Confirmation: Confirmation{
			Type:      "redirect",
			ReturnURL: returnURL,
		},
		Description: description,
		Metadata:    metadata,
		Receipt: &Receipt{
			Customer: map[string]string{},
			Items: []ReceiptItem{{
				Description: description,
				Quantity:    "1.00",
				Amount:      Amount{Value: value, Currency: "RUB"},
				VatCode:     "6",
			}},
			Send: false,
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/payments", c.APIURL), bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Idempotence Key
	req.Header.Set("Idempotence-Key", uuid.New().String())
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.ShopID, c.SecretKey)

	return c.do(req)
}

// FindPayment fetches the current payment state; the manual
// "check payment" path uses it before calling Reconcile.
func (c *YooKassaClient) FindPayment(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/payments/%s", c.APIURL, paymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)

	return c.do(req)
}

func (c *YooKassaClient) do(req *http.Request) (*PaymentResponse, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api error: %s (status: %d)", string(respBody), resp.StatusCode)
	}

	var paymentResponse PaymentResponse
	if err := json.Unmarshal(respBody, &paymentResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &paymentResponse, nil
}
