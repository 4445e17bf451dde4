package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CryptoPayClient talks to the Crypto Bot (pay.crypt.bot) API. Prices
// are quoted in RUB and converted to USDT at the current Coingecko rate
// when the invoice is created.
type CryptoPayClient struct {
	Token      string
	APIURL     string
	RatesURL   string
	BotName    string
	HTTPClient *http.Client
}

func NewCryptoPayClient(token, botName string) *CryptoPayClient {
	return &CryptoPayClient{
		Token:    token,
		APIURL:   "https://pay.crypt.bot/api",
		RatesURL: "https://api.coingecko.com/api/v3/simple/price",
		BotName:  botName,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreateInvoice creates a USDT invoice for a RUB amount. The payload
// string travels with the invoice and comes back verbatim in the
// webhook; callers put the order id there.
func (c *CryptoPayClient) CreateInvoice(ctx context.Context, amountRub float64, description, payload string) (*Invoice, error) {
	amountUSDT, err := c.rubToUSDT(ctx, amountRub)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %.2f RUB to USDT: %w", amountRub, err)
	}

	body := map[string]interface{}{
		"asset":         "USDT",
		"amount":        strconv.FormatFloat(amountUSDT, 'f', 2, 64),
		"description":   description,
		"payload":       payload,
		"paid_btn_name": "openBot",
		"paid_btn_url":  "https://t.me/" + c.BotName,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL+"/createInvoice", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Crypto-Pay-API-Token", c.Token)

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

	var result cryptoAPIResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("createInvoice returned not ok: %s", string(respBody))
	}

	return &result.Result, nil
}

// FindInvoice fetches one invoice by id; the manual "check payment"
// path uses it before calling Reconcile.
func (c *CryptoPayClient) FindInvoice(ctx context.Context, invoiceID int64) (*Invoice, error) {
	query := url.Values{}
	query.Set("invoice_ids", strconv.FormatInt(invoiceID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+"/getInvoices?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Crypto-Pay-API-Token", c.Token)

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

	var result cryptoInvoicesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK || len(result.Result.Items) == 0 {
		return nil, fmt.Errorf("invoice %d not found", invoiceID)
	}

	return &result.Result.Items[0], nil
}

// rubToUSDT converts a RUB amount at the current tether/rub rate.
func (c *CryptoPayClient) rubToUSDT(ctx context.Context, amountRub float64) (float64, error) {
	query := url.Values{}
	query.Set("ids", "tether")
	query.Set("vs_currencies", "rub")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RatesURL+"?"+query.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rate request failed: %w", err)
	}
	defer resp.Body.Close()

	var rates map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return 0, fmt.Errorf("failed to decode rate response: %w", err)
	}

	rate := rates["tether"]["rub"]
	if rate <= 0 {
		return 0, fmt.Errorf("rate service returned invalid tether/rub rate: %f", rate)
	}

	usdt := amountRub / rate
	// Two decimal places, matching invoice precision.
	return float64(int(usdt*100+0.5)) / 100, nil
}

// OrderPayload encodes/decodes the order correlation carried in the
// invoice payload field.
type OrderPayload struct {
	OrderID uint `json:"order_id,string"`
}

func EncodeOrderPayload(orderID uint) string {
	raw, _ := json.Marshal(OrderPayload{OrderID: orderID})
	return string(raw)
}

func DecodeOrderPayload(raw string) (uint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty invoice payload")
	}
	var p OrderPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return 0, fmt.Errorf("failed to decode invoice payload: %w", err)
	}
	if p.OrderID == 0 {
		return 0, fmt.Errorf("invoice payload has no order_id")
	}
	return p.OrderID, nil
}
