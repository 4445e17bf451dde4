package payment

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type ReceiptItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Amount      Amount `json:"amount"`
	VatCode     string `json:"vat_code"`
}

type Receipt struct {
	Customer map[string]string `json:"customer"`
	Items    []ReceiptItem     `json:"items"`
	Send     bool              `json:"send"`
}

type CreatePaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Receipt      *Receipt          `json:"receipt,omitempty"`
}

type PaymentResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       Amount            `json:"amount"`
	Confirmation Confirmation      `json:"confirmation"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// YooKassa webhook structures

type WebhookNotification struct {
	Type   string        `json:"type"`
	Event  string        `json:"event"`
	Object WebhookObject `json:"object"`
}

type WebhookObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Paid     bool              `json:"paid"`
	Amount   Amount            `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// CryptoPay structures

type cryptoAPIResponse struct {
	OK     bool    `json:"ok"`
	Result Invoice `json:"result"`
}

type cryptoInvoicesResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Items []Invoice `json:"items"`
	} `json:"result"`
}

type Invoice struct {
	InvoiceID int64  `json:"invoice_id"`
	Status    string `json:"status"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	PayURL    string `json:"pay_url"`
	Payload   string `json:"payload"`
}

// CryptoUpdate is the webhook body CryptoPay delivers on invoice events.
type CryptoUpdate struct {
	UpdateID   int64   `json:"update_id"`
	UpdateType string  `json:"update_type"`
	Payload    Invoice `json:"payload"`
}
