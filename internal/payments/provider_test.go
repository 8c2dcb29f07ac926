package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/wovengoods/checkout-api/internal/domain"
)

type fakeProvider struct {
	id      string
	result  InitiateResult
	outcome domain.PaymentOutcome
	err     error
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Initiate(context.Context, InitiateRequest) (InitiateResult, error) {
	return f.result, f.err
}

func (f *fakeProvider) Verify(context.Context, VerifyRequest) (domain.PaymentOutcome, error) {
	return f.outcome, f.err
}

func TestRegistryResolve(t *testing.T) {
	stripe := &fakeProvider{id: "stripe"}
	coinbase := &fakeProvider{id: "coinbase"}

	reg, err := NewRegistry(stripe, coinbase)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	got, err := reg.Resolve("Stripe")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != stripe {
		t.Fatal("expected stripe provider")
	}

	if _, err := reg.Resolve("paypal"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(&fakeProvider{id: "stripe"}, &fakeProvider{id: "stripe"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistryRequiresProviders(t *testing.T) {
	if _, err := NewRegistry(); err == nil {
		t.Fatal("expected error for empty registry")
	}
}

func TestRegistryIDsPreserveOrder(t *testing.T) {
	reg, err := NewRegistry(&fakeProvider{id: "stripe"}, &fakeProvider{id: "paypal"}, &fakeProvider{id: "coinbase"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ids := reg.IDs()
	want := []string{"stripe", "paypal", "coinbase"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("expected ids[%d]=%s, got %s", i, id, ids[i])
		}
	}
}
