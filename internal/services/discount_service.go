package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/wovengoods/checkout-api/internal/domain"
	"github.com/wovengoods/checkout-api/internal/repositories"
)

// DiscountServiceDeps wires the dependencies required by the discount service.
type DiscountServiceDeps struct {
	Codes  repositories.CodeRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type discountService struct {
	codes  repositories.CodeRepository
	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

var _ DiscountService = (*discountService)(nil)

// NewDiscountService constructs a DiscountService validating required dependencies.
func NewDiscountService(deps DiscountServiceDeps) (DiscountService, error) {
	if deps.Codes == nil {
		return nil, errors.New("discount service: code repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &discountService{
		codes: deps.Codes,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ValidateCode resolves a merchant discount or referral code into a
// DiscountApplication. Both code families share one lookup; IsReferral in
// the result is the only disambiguator.
func (s *discountService) ValidateCode(ctx context.Context, cmd ValidateCodeCommand) (DiscountApplication, error) {
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return DiscountApplication{}, ErrCodeNotFound
	}
	if cmd.Subtotal < 0 {
		return DiscountApplication{}, ErrCheckoutInvalidInput
	}

	definition, err := s.codes.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return DiscountApplication{}, ErrCodeNotFound
		}
		return DiscountApplication{}, err
	}

	if !definition.Active {
		return DiscountApplication{}, ErrCodeNotFound
	}
	if !definition.ExpiresAt.IsZero() && !s.now().Before(definition.ExpiresAt) {
		return DiscountApplication{}, ErrCodeExpired
	}
	if definition.MinimumSubtotal > 0 && cmd.Subtotal < definition.MinimumSubtotal {
		return DiscountApplication{}, ErrCodeMinimumNotMet
	}
	if definition.SingleUsePerCustomer {
		email := strings.TrimSpace(cmd.CustomerEmail)
		if email != "" {
			used, err := s.codes.HasRedemption(ctx, code, email)
			if err != nil {
				return DiscountApplication{}, err
			}
			if used {
				return DiscountApplication{}, ErrCodeAlreadyUsed
			}
		}
	}

	application := DiscountApplication{
		Code:         definition.Code,
		Kind:         definition.Kind,
		Value:        definition.Value,
		FreeShipping: definition.FreeShipping,
		IsReferral:   definition.IsReferral,
		ReferralID:   definition.ReferralID,
		ReferrerName: definition.ReferrerName,
	}
	switch definition.Kind {
	case domain.DiscountPercentage:
		application.ComputedAmount = domain.PercentageDiscount(cmd.Subtotal, definition.Value)
	case domain.DiscountFixed:
		application.ComputedAmount = domain.FixedDiscount(cmd.Subtotal, definition.Value)
	default:
		return DiscountApplication{}, ErrCodeNotFound
	}

	s.logger(ctx, "discount.code.validated", map[string]any{
		"code":        application.Code,
		"kind":        string(application.Kind),
		"amount":      application.ComputedAmount,
		"is_referral": application.IsReferral,
	})
	return application, nil
}
