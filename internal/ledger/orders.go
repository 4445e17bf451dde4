package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"polarvpn-bot/internal/models"
)

// Order meta kinds. A renewal order carries the credential it extends;
// an ad-hoc order is a manually created charge with no product behind it.
const (
	OrderKindPurchase = "purchase"
	OrderKindRenewal  = "renewal"
	OrderKindAdHoc    = "adhoc"
)

// OrderMeta is the correlation metadata stored on an order at creation
// time and read back by the reconciliation engine.
type OrderMeta struct {
	Kind         string `json:"kind"`
	CredentialID uint   `json:"credential_id,omitempty"`
	Country      string `json:"country,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

func (m OrderMeta) Encode() string {
	raw, _ := json.Marshal(m)
	return string(raw)
}

func DecodeOrderMeta(raw string) OrderMeta {
	var meta OrderMeta
	if raw == "" {
		return OrderMeta{Kind: OrderKindPurchase}
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return OrderMeta{Kind: OrderKindPurchase}
	}
	if meta.Kind == "" {
		meta.Kind = OrderKindPurchase
	}
	return meta
}

func (s *Store) CreateOrder(userID uint, productID *uint, amount float64, meta OrderMeta) (*models.Order, error) {
	order := models.Order{
		UserID:    userID,
		ProductID: productID,
		Amount:    amount,
		Status:    models.OrderStatusPending,
		Meta:      meta.Encode(),
	}
	if err := s.db.Create(&order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return &order, nil
}

func (s *Store) OrderByID(id uint) (*models.Order, error) {
	var order models.Order
	if err := s.db.First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// AttachPaymentRef records which gateway took the order and the
// gateway's payment identifier, once the invoice has been created.
func (s *Store) AttachPaymentRef(orderID uint, gateway, paymentID string) error {
	return s.db.Model(&models.Order{}).Where("id = ?", orderID).
		Updates(map[string]interface{}{"gateway": gateway, "payment_id": paymentID}).Error
}

// MarkOrderPaid is the idempotency gate for the whole reconciliation
// path: a single conditional UPDATE guarded by the pending status.
// Exactly one of any number of racing callers sees true; everyone else
// gets false and must treat the order as already processed.
func (s *Store) MarkOrderPaid(orderID uint, paymentID string) (bool, error) {
	updates := map[string]interface{}{"status": models.OrderStatusPaid}
	if paymentID != "" {
		updates["payment_id"] = paymentID
	}
	res := s.db.Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark order %d paid: %w", orderID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkOrderFailed is only legal before payment; a paid order never
// transitions again.
func (s *Store) MarkOrderFailed(orderID uint) error {
	return s.db.Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderStatusPending).
		Update("status", models.OrderStatusFailed).Error
}

// HasPaidOrder reports whether the user has ever completed a payment.
func (s *Store) HasPaidOrder(userID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.Order{}).
		Where("user_id = ? AND status = ?", userID, models.OrderStatusPaid).
		Count(&count).Error
	return count > 0, err
}
