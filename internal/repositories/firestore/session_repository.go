package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wovengoods/checkout-api/internal/domain"
	pfirestore "github.com/wovengoods/checkout-api/internal/platform/firestore"
)

const (
	sessionCollection        = "checkoutSessions"
	reconciliationCollection = "paymentReconciliations"
)

// SessionRepository persists checkout sessions and redirect reconciliation
// records within Firestore.
type SessionRepository struct {
	sessions        *pfirestore.BaseRepository[sessionDocument]
	reconciliations *pfirestore.BaseRepository[reconciliationDocument]
}

// NewSessionRepository constructs a Firestore-backed session repository.
func NewSessionRepository(provider *pfirestore.Provider) (*SessionRepository, error) {
	if provider == nil {
		return nil, errors.New("session repository requires firestore provider")
	}
	return &SessionRepository{
		sessions:        pfirestore.NewBaseRepository[sessionDocument](provider, sessionCollection),
		reconciliations: pfirestore.NewBaseRepository[reconciliationDocument](provider, reconciliationCollection),
	}, nil
}

// Save upserts the full session document.
func (r *SessionRepository) Save(ctx context.Context, session domain.CheckoutSession) error {
	if r == nil || r.sessions == nil {
		return errors.New("session repository not initialised")
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return errors.New("session repository: session id is required")
	}
	_, err := r.sessions.Set(ctx, sessionID, toSessionDocument(session))
	return err
}

// Find loads the session by its identifier.
func (r *SessionRepository) Find(ctx context.Context, sessionID string) (domain.CheckoutSession, error) {
	if r == nil || r.sessions == nil {
		return domain.CheckoutSession{}, errors.New("session repository not initialised")
	}
	doc, err := r.sessions.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	return fromSessionDocument(doc.ID, doc.Data), nil
}

// Delete removes the session document.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	if r == nil || r.sessions == nil {
		return errors.New("session repository not initialised")
	}
	ref, err := r.sessions.DocumentRef(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("checkoutSessions.delete", err)
	}
	return nil
}

// SaveReconciliation writes the reconciliation record keyed by the provider
// reference. It must be durable before any redirect URL is handed out.
func (r *SessionRepository) SaveReconciliation(ctx context.Context, record domain.ReconciliationRecord) error {
	if r == nil || r.reconciliations == nil {
		return errors.New("session repository not initialised")
	}
	id := reconciliationDocID(record.Provider, record.ProviderReference)
	if id == "" {
		return errors.New("session repository: provider reference is required")
	}
	_, err := r.reconciliations.Set(ctx, id, toReconciliationDocument(record))
	return err
}

// FindReconciliation loads the record for a returning redirect.
func (r *SessionRepository) FindReconciliation(ctx context.Context, provider, providerReference string) (domain.ReconciliationRecord, error) {
	if r == nil || r.reconciliations == nil {
		return domain.ReconciliationRecord{}, errors.New("session repository not initialised")
	}
	doc, err := r.reconciliations.Get(ctx, reconciliationDocID(provider, providerReference))
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}
	return fromReconciliationDocument(doc.Data), nil
}

// DeleteReconciliation removes a consumed or abandoned record.
func (r *SessionRepository) DeleteReconciliation(ctx context.Context, provider, providerReference string) error {
	if r == nil || r.reconciliations == nil {
		return errors.New("session repository not initialised")
	}
	ref, err := r.reconciliations.DocumentRef(ctx, reconciliationDocID(provider, providerReference))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("paymentReconciliations.delete", err)
	}
	return nil
}

func reconciliationDocID(provider, reference string) string {
	provider = strings.TrimSpace(strings.ToLower(provider))
	reference = strings.TrimSpace(reference)
	if provider == "" || reference == "" {
		return ""
	}
	return fmt.Sprintf("%s__%s", provider, reference)
}

// Document shapes -----------------------------------------------------------

type cartLineDocument struct {
	ProductID      string `firestore:"productId"`
	Name           string `firestore:"name"`
	UnitPrice      int64  `firestore:"unitPrice"`
	Quantity       int    `firestore:"quantity"`
	ImageRef       string `firestore:"imageRef,omitempty"`
	AvailableStock int    `firestore:"availableStock"`
}

type customerDocument struct {
	Email      string `firestore:"email"`
	FirstName  string `firestore:"firstName"`
	LastName   string `firestore:"lastName"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type discountDocument struct {
	Code           string `firestore:"code"`
	Kind           string `firestore:"kind"`
	Value          int64  `firestore:"value"`
	ComputedAmount int64  `firestore:"computedAmount"`
	FreeShipping   bool   `firestore:"freeShipping"`
	IsReferral     bool   `firestore:"isReferral"`
	ReferralID     string `firestore:"referralId,omitempty"`
	ReferrerName   string `firestore:"referrerName,omitempty"`
}

type shippingDocument struct {
	Cost     int64     `firestore:"cost"`
	Currency string    `firestore:"currency"`
	State    string    `firestore:"state"`
	LockedAt time.Time `firestore:"lockedAt,omitempty"`
}

type sessionDocument struct {
	CartID             string             `firestore:"cartId"`
	Lines              []cartLineDocument `firestore:"lines"`
	Currency           string             `firestore:"currency"`
	Customer           customerDocument   `firestore:"customer"`
	Discount           *discountDocument  `firestore:"discount,omitempty"`
	Shipping           shippingDocument   `firestore:"shipping"`
	PaymentMethod      string             `firestore:"paymentMethod,omitempty"`
	Step               string             `firestore:"step"`
	OrderID            string             `firestore:"orderId,omitempty"`
	PendingProviderRef string             `firestore:"pendingProviderRef,omitempty"`
	FailedProviderRef  string             `firestore:"failedProviderRef,omitempty"`
	CreatedAt          time.Time          `firestore:"createdAt"`
	UpdatedAt          time.Time          `firestore:"updatedAt"`
	ExpiresAt          time.Time          `firestore:"expiresAt"`
}

type reconciliationDocument struct {
	Provider     string             `firestore:"provider"`
	Reference    string             `firestore:"reference"`
	SessionID    string             `firestore:"sessionId"`
	CartID       string             `firestore:"cartId"`
	Lines        []cartLineDocument `firestore:"lines"`
	Currency     string             `firestore:"currency"`
	Customer     customerDocument   `firestore:"customer"`
	Discount     *discountDocument  `firestore:"discount,omitempty"`
	ShippingCost int64              `firestore:"shippingCost"`
	Amount       int64              `firestore:"amount"`
	CreatedAt    time.Time          `firestore:"createdAt"`
	ExpiresAt    time.Time          `firestore:"expiresAt"`
}

// Mapping helpers -----------------------------------------------------------

func toCartLineDocuments(lines []domain.CartLine) []cartLineDocument {
	out := make([]cartLineDocument, 0, len(lines))
	for _, line := range lines {
		out = append(out, cartLineDocument{
			ProductID:      line.ProductID,
			Name:           line.Name,
			UnitPrice:      line.UnitPrice,
			Quantity:       line.Quantity,
			ImageRef:       line.ImageRef,
			AvailableStock: line.AvailableStock,
		})
	}
	return out
}

func fromCartLineDocuments(docs []cartLineDocument) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.CartLine{
			ProductID:      doc.ProductID,
			Name:           doc.Name,
			UnitPrice:      doc.UnitPrice,
			Quantity:       doc.Quantity,
			ImageRef:       doc.ImageRef,
			AvailableStock: doc.AvailableStock,
		})
	}
	return out
}

func toCustomerDocument(customer domain.CustomerInfo) customerDocument {
	return customerDocument{
		Email:      customer.Email,
		FirstName:  customer.FirstName,
		LastName:   customer.LastName,
		Line1:      customer.Line1,
		Line2:      customer.Line2,
		City:       customer.City,
		PostalCode: customer.PostalCode,
		Country:    customer.Country,
	}
}

func fromCustomerDocument(doc customerDocument) domain.CustomerInfo {
	return domain.CustomerInfo{
		Email:      doc.Email,
		FirstName:  doc.FirstName,
		LastName:   doc.LastName,
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
	}
}

func toDiscountDocument(discount *domain.DiscountApplication) *discountDocument {
	if discount == nil {
		return nil
	}
	return &discountDocument{
		Code:           discount.Code,
		Kind:           string(discount.Kind),
		Value:          discount.Value,
		ComputedAmount: discount.ComputedAmount,
		FreeShipping:   discount.FreeShipping,
		IsReferral:     discount.IsReferral,
		ReferralID:     discount.ReferralID,
		ReferrerName:   discount.ReferrerName,
	}
}

func fromDiscountDocument(doc *discountDocument) *domain.DiscountApplication {
	if doc == nil {
		return nil
	}
	return &domain.DiscountApplication{
		Code:           doc.Code,
		Kind:           domain.DiscountKind(doc.Kind),
		Value:          doc.Value,
		ComputedAmount: doc.ComputedAmount,
		FreeShipping:   doc.FreeShipping,
		IsReferral:     doc.IsReferral,
		ReferralID:     doc.ReferralID,
		ReferrerName:   doc.ReferrerName,
	}
}

func toSessionDocument(session domain.CheckoutSession) sessionDocument {
	return sessionDocument{
		CartID:             session.CartID,
		Lines:              toCartLineDocuments(session.Cart.Lines),
		Currency:           session.Cart.Currency,
		Customer:           toCustomerDocument(session.Customer),
		Discount:           toDiscountDocument(session.Discount),
		Shipping:           shippingDocument{Cost: session.Shipping.Cost, Currency: session.Shipping.Currency, State: string(session.Shipping.State), LockedAt: session.Shipping.LockedAt},
		PaymentMethod:      session.PaymentMethod,
		Step:               string(session.Step),
		OrderID:            session.OrderID,
		PendingProviderRef: session.PendingProviderRef,
		FailedProviderRef:  session.FailedProviderRef,
		CreatedAt:          session.CreatedAt,
		UpdatedAt:          session.UpdatedAt,
		ExpiresAt:          session.ExpiresAt,
	}
}

func fromSessionDocument(id string, doc sessionDocument) domain.CheckoutSession {
	return domain.CheckoutSession{
		ID:     id,
		CartID: doc.CartID,
		Cart: domain.CartSnapshot{
			Lines:    fromCartLineDocuments(doc.Lines),
			Currency: doc.Currency,
		},
		Customer:           fromCustomerDocument(doc.Customer),
		Discount:           fromDiscountDocument(doc.Discount),
		Shipping:           domain.ShippingQuote{Cost: doc.Shipping.Cost, Currency: doc.Shipping.Currency, State: domain.ShippingLockState(doc.Shipping.State), LockedAt: doc.Shipping.LockedAt},
		PaymentMethod:      doc.PaymentMethod,
		Step:               domain.Step(doc.Step),
		OrderID:            doc.OrderID,
		PendingProviderRef: doc.PendingProviderRef,
		FailedProviderRef:  doc.FailedProviderRef,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
		ExpiresAt:          doc.ExpiresAt,
	}
}

func toReconciliationDocument(record domain.ReconciliationRecord) reconciliationDocument {
	return reconciliationDocument{
		Provider:     strings.ToLower(strings.TrimSpace(record.Provider)),
		Reference:    record.ProviderReference,
		SessionID:    record.SessionID,
		CartID:       record.CartID,
		Lines:        toCartLineDocuments(record.Cart.Lines),
		Currency:     record.Currency,
		Customer:     toCustomerDocument(record.Customer),
		Discount:     toDiscountDocument(record.Discount),
		ShippingCost: record.ShippingCost,
		Amount:       record.Amount,
		CreatedAt:    record.CreatedAt,
		ExpiresAt:    record.ExpiresAt,
	}
}

func fromReconciliationDocument(doc reconciliationDocument) domain.ReconciliationRecord {
	return domain.ReconciliationRecord{
		Provider:          doc.Provider,
		ProviderReference: doc.Reference,
		SessionID:         doc.SessionID,
		CartID:            doc.CartID,
		Cart: domain.CartSnapshot{
			Lines:    fromCartLineDocuments(doc.Lines),
			Currency: doc.Currency,
		},
		Customer:     fromCustomerDocument(doc.Customer),
		Discount:     fromDiscountDocument(doc.Discount),
		ShippingCost: doc.ShippingCost,
		Currency:     doc.Currency,
		Amount:       doc.Amount,
		CreatedAt:    doc.CreatedAt,
		ExpiresAt:    doc.ExpiresAt,
	}
}
