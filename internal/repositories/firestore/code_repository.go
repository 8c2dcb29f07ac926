package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wovengoods/checkout-api/internal/domain"
	pfirestore "github.com/wovengoods/checkout-api/internal/platform/firestore"
)

const (
	codeCollection       = "discountCodes"
	redemptionCollection = "codeRedemptions"
)

// CodeRepository resolves discount and referral code definitions and tracks
// per-customer redemptions.
type CodeRepository struct {
	codes       *pfirestore.BaseRepository[codeDocument]
	redemptions *pfirestore.BaseRepository[redemptionDocument]
	clock       func() time.Time
}

// NewCodeRepository constructs a Firestore-backed code repository.
func NewCodeRepository(provider *pfirestore.Provider) (*CodeRepository, error) {
	if provider == nil {
		return nil, errors.New("code repository requires firestore provider")
	}
	return &CodeRepository{
		codes:       pfirestore.NewBaseRepository[codeDocument](provider, codeCollection),
		redemptions: pfirestore.NewBaseRepository[redemptionDocument](provider, redemptionCollection),
		clock:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// FindByCode loads a code definition. Lookup is case-insensitive; codes are
// stored under their uppercase form.
func (r *CodeRepository) FindByCode(ctx context.Context, code string) (domain.DiscountCode, error) {
	if r == nil || r.codes == nil {
		return domain.DiscountCode{}, errors.New("code repository not initialised")
	}
	doc, err := r.codes.Get(ctx, normalizeCode(code))
	if err != nil {
		return domain.DiscountCode{}, err
	}
	return fromCodeDocument(doc.ID, doc.Data), nil
}

// HasRedemption reports whether the customer already redeemed the code.
func (r *CodeRepository) HasRedemption(ctx context.Context, code, customerEmail string) (bool, error) {
	if r == nil || r.redemptions == nil {
		return false, errors.New("code repository not initialised")
	}
	_, err := r.redemptions.Get(ctx, redemptionDocID(code, customerEmail))
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecordRedemption marks the code as used by the customer for the given
// order. Re-recording the same pair overwrites the existing document, so a
// replayed finalization stays idempotent.
func (r *CodeRepository) RecordRedemption(ctx context.Context, code, customerEmail, orderID string) error {
	if r == nil || r.redemptions == nil {
		return errors.New("code repository not initialised")
	}
	id := redemptionDocID(code, customerEmail)
	if id == "" {
		return errors.New("code repository: code and customer email are required")
	}
	_, err := r.redemptions.Set(ctx, id, redemptionDocument{
		Code:      normalizeCode(code),
		EmailHash: hashEmail(customerEmail),
		OrderID:   strings.TrimSpace(orderID),
		CreatedAt: r.clock(),
	})
	return err
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func hashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

func redemptionDocID(code, customerEmail string) string {
	normalized := normalizeCode(code)
	email := strings.TrimSpace(customerEmail)
	if normalized == "" || email == "" {
		return ""
	}
	return fmt.Sprintf("%s__%s", normalized, hashEmail(email))
}

type codeDocument struct {
	Kind                 string    `firestore:"kind"`
	Value                int64     `firestore:"value"`
	FreeShipping         bool      `firestore:"freeShipping"`
	IsReferral           bool      `firestore:"isReferral"`
	ReferralID           string    `firestore:"referralId,omitempty"`
	ReferrerName         string    `firestore:"referrerName,omitempty"`
	MinimumSubtotal      int64     `firestore:"minimumSubtotal"`
	SingleUsePerCustomer bool      `firestore:"singleUsePerCustomer"`
	Active               bool      `firestore:"active"`
	ExpiresAt            time.Time `firestore:"expiresAt,omitempty"`
}

type redemptionDocument struct {
	Code      string    `firestore:"code"`
	EmailHash string    `firestore:"emailHash"`
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func fromCodeDocument(id string, doc codeDocument) domain.DiscountCode {
	return domain.DiscountCode{
		Code:                 id,
		Kind:                 domain.DiscountKind(doc.Kind),
		Value:                doc.Value,
		FreeShipping:         doc.FreeShipping,
		IsReferral:           doc.IsReferral,
		ReferralID:           doc.ReferralID,
		ReferrerName:         doc.ReferrerName,
		MinimumSubtotal:      doc.MinimumSubtotal,
		SingleUsePerCustomer: doc.SingleUsePerCustomer,
		Active:               doc.Active,
		ExpiresAt:            doc.ExpiresAt,
	}
}
