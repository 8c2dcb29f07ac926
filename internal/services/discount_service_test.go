package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/wovengoods/checkout-api/internal/domain"
)

type stubCodeRepository struct {
	findFn       func(ctx context.Context, code string) (domain.DiscountCode, error)
	redemptionFn func(ctx context.Context, code, email string) (bool, error)
	recorded     []string
}

func (s *stubCodeRepository) FindByCode(ctx context.Context, code string) (domain.DiscountCode, error) {
	if s.findFn == nil {
		return domain.DiscountCode{}, notFoundError{}
	}
	return s.findFn(ctx, code)
}

func (s *stubCodeRepository) HasRedemption(ctx context.Context, code, email string) (bool, error) {
	if s.redemptionFn == nil {
		return false, nil
	}
	return s.redemptionFn(ctx, code, email)
}

func (s *stubCodeRepository) RecordRedemption(ctx context.Context, code, email, orderID string) error {
	s.recorded = append(s.recorded, code)
	return nil
}

// notFoundError satisfies repositories.RepositoryError for tests.
type notFoundError struct{}

func (notFoundError) Error() string       { return "not found" }
func (notFoundError) IsNotFound() bool    { return true }
func (notFoundError) IsConflict() bool    { return false }
func (notFoundError) IsUnavailable() bool { return false }

func newDiscountServiceForTest(t *testing.T, repo *stubCodeRepository) DiscountService {
	t.Helper()
	svc, err := NewDiscountService(DiscountServiceDeps{
		Codes: repo,
		Clock: func() time.Time { return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewDiscountService: %v", err)
	}
	return svc
}

func TestValidateCodePercentage(t *testing.T) {
	repo := &stubCodeRepository{
		findFn: func(ctx context.Context, code string) (domain.DiscountCode, error) {
			if code != "SAVE10" {
				t.Fatalf("expected uppercase lookup, got %q", code)
			}
			return domain.DiscountCode{
				Code:   "SAVE10",
				Kind:   domain.DiscountPercentage,
				Value:  10,
				Active: true,
			}, nil
		},
	}
	svc := newDiscountServiceForTest(t, repo)

	app, err := svc.ValidateCode(context.Background(), ValidateCodeCommand{
		Code:     " save10 ",
		Subtotal: 10000,
	})
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if app.ComputedAmount != 1000 {
		t.Fatalf("expected computed amount 1000, got %d", app.ComputedAmount)
	}
	if app.IsReferral {
		t.Fatal("expected merchant code, got referral")
	}
}

func TestValidateCodeFixedClampsToSubtotal(t *testing.T) {
	repo := &stubCodeRepository{
		findFn: func(ctx context.Context, code string) (domain.DiscountCode, error) {
			return domain.DiscountCode{
				Code:   "BIGOFF",
				Kind:   domain.DiscountFixed,
				Value:  5000,
				Active: true,
			}, nil
		},
	}
	svc := newDiscountServiceForTest(t, repo)

	app, err := svc.ValidateCode(context.Background(), ValidateCodeCommand{Code: "BIGOFF", Subtotal: 3000})
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if app.ComputedAmount != 3000 {
		t.Fatalf("expected clamp to subtotal 3000, got %d", app.ComputedAmount)
	}
}

func TestValidateCodeNotFound(t *testing.T) {
	svc := newDiscountServiceForTest(t, &stubCodeRepository{})
	if _, err := svc.ValidateCode(context.Background(), ValidateCodeCommand{Code: "NOPE", Subtotal: 1000}); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}

func TestValidateCodeInactiveTreatedAsNotFound(t *testing.T) {
	repo := &stubCodeRepository{
		findFn: func(ctx context.Context, code string) (domain.DiscountCode, error) {
			return domain.DiscountCode{Code: "OLD", Kind: domain.DiscountFixed, Value: 100, Active: false}, nil
		},
	}
	svc := newDiscountServiceForTest(t, repo)
	if _, err := svc.ValidateCode(context.Background(), ValidateCodeCommand{Code: "OLD", Subtotal: 1000}); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}

func TestValidateCodeExpired(t *testing.T) {
	repo := &stubCodeRepository{
		findFn: func(ctx context.Context, code string) (domain.DiscountCode, error) {
			return domain.DiscountCode{
				Code:      "PAST",
				Kind:      domain.DiscountPercentage,
				Value:     5,
				Active:    true,
				ExpiresAt: time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	svc := newDiscountServiceForTest(t, repo)
	if _, err := svc.ValidateCode(context.Background(), ValidateCodeCommand{Code: "PAST", Subtotal: 1000}); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestValidateCodeMinimumNotMet(t *testing.T) {
	repo := &stubCodeRepository{
		findFn: func(ctx context.Context, code string) (domain.DiscountCode, error) {
			return domain.DiscountCode{
				Code:            "MIN50",
				Kind:            domain.DiscountPercentage,
				Value:           10,
				Active:          true,
				MinimumSubtotal: 5000,
			}, nil
		},
	}
	svc := newDiscountServiceForTest(t, repo)
	if _, err := svc.ValidateCode(context.Background(), ValidateCodeCommand{Code: "MIN50", Subtotal: 4999}); !errors.Is(err, ErrCodeMinimumNotMet) {
		t.Fatalf("expected ErrCodeMinimumNotMet, got %v", err)
	}
}

func TestValidateCodeAlreadyUsedByCustomer(t *testing.T) {
	repo := &stubCodeRepository{
		findFn: func(ctx context.Context, code string) (domain.DiscountCode, error) {
			return domain.DiscountCode{
				Code:                 "REF-ANNA",
				Kind:                 domain.DiscountPercentage,
				Value:                10,
				Active:               true,
				IsReferral:           true,
				ReferralID:           "ref-123",
				ReferrerName:         "Anna",
				SingleUsePerCustomer: true,
			}, nil
		},
		redemptionFn: func(ctx context.Context, code, email string) (bool, error) {
			return email == "used@example.com", nil
		},
	}
	svc := newDiscountServiceForTest(t, repo)

	if _, err := svc.ValidateCode(context.Background(), ValidateCodeCommand{
		Code:          "REF-ANNA",
		CustomerEmail: "used@example.com",
		Subtotal:      1000,
	}); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("expected ErrCodeAlreadyUsed, got %v", err)
	}

	app, err := svc.ValidateCode(context.Background(), ValidateCodeCommand{
		Code:          "REF-ANNA",
		CustomerEmail: "fresh@example.com",
		Subtotal:      1000,
	})
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if !app.IsReferral || app.ReferralID != "ref-123" {
		t.Fatalf("expected referral linkage, got %+v", app)
	}
}
