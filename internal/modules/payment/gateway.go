package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type ChargeRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	PayerRef       string
	Description    string
}

// Gateway moves money. Refs it returns are opaque to the engine.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (chargeRef string, err error)
	Refund(ctx context.Context, chargeRef string, amount int64, idempotencyKey string) (refundRef string, err error)
}

var ErrDeclined = errors.New("payment declined")

// FakeGateway approves everything unless Decline names the payer. Repeated
// idempotency keys return the first answer.
type FakeGateway struct {
	mu      sync.Mutex
	Decline map[string]bool
	Err     error
	charges map[string]string
	refunds map[string]string
	seq     int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{Decline: map[string]bool{}, charges: map[string]string{}, refunds: map[string]string{}}
}

func (f *FakeGateway) Charge(_ context.Context, req ChargeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if f.Decline[req.PayerRef] {
		return "", fmt.Errorf("%w: card of %s", ErrDeclined, req.PayerRef)
	}
	if ref, ok := f.charges[req.IdempotencyKey]; ok {
		return ref, nil
	}
	f.seq++
	ref := fmt.Sprintf("ch_fake_%d", f.seq)
	f.charges[req.IdempotencyKey] = ref
	return ref, nil
}

func (f *FakeGateway) Refund(_ context.Context, chargeRef string, _ int64, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if ref, ok := f.refunds[key]; ok {
		return ref, nil
	}
	f.seq++
	ref := fmt.Sprintf("re_fake_%d_%s", f.seq, chargeRef)
	f.refunds[key] = ref
	return ref, nil
}

// Charges reports how many distinct charges went through.
func (f *FakeGateway) Charges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges)
}
