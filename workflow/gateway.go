package workflow

import "context"

type SupplierRef struct {
	Id   string
	Name string
}

// LedgerGateway is the consumed contract against the external general-ledger
// system. The gateway is at-least-once: a call may succeed server-side while
// its response is lost, so every payload carries the job reference as an
// idempotency key. Residual duplicate-creation risk beyond that reference is
// accepted, not eliminated.
//
// The pipeline only calls these with an already-validated, already-balanced
// payload.
type LedgerGateway interface {
	FindOrCreateSupplier(ctx context.Context, name string) (SupplierRef, error)
	CreateSupplierInvoice(ctx context.Context, payload *SupplierInvoicePayload) (string, error)
	CreateVoucher(ctx context.Context, payload *VoucherPayload) (string, error)
}
