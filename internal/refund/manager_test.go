package refund

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blinkgate/internal/db"
	"blinkgate/internal/token"
	"blinkgate/internal/wallet"
)

type fakeStore struct {
	existing   *db.Refund
	created    []*db.Refund
	issued     []uuid.UUID
	failed     []uuid.UUID
	createErr  error
}

func (f *fakeStore) CreateRefund(_ context.Context, r *db.Refund) error {
	if f.createErr != nil {
		return f.createErr
	}
	r.ID = uuid.New()
	f.created = append(f.created, r)
	return nil
}

func (f *fakeStore) MarkRefundIssued(_ context.Context, refundID uuid.UUID, _ string, _ uuid.UUID) error {
	f.issued = append(f.issued, refundID)
	return nil
}

func (f *fakeStore) MarkRefundFailed(_ context.Context, refundID uuid.UUID, _ string) error {
	f.failed = append(f.failed, refundID)
	return nil
}

func (f *fakeStore) GetRefundByRunID(_ context.Context, _ uuid.UUID) (*db.Refund, error) {
	if f.existing == nil {
		return nil, db.ErrRefundNotFound
	}
	return f.existing, nil
}

type fakeTransferer struct {
	buildErr     error
	broadcastErr error
	lastParams   wallet.TransferParams
	sig          solana.Signature
}

func (f *fakeTransferer) Address() string { return "P1atformRefundWa11et" }

func (f *fakeTransferer) BuildTransfer(_ context.Context, p wallet.TransferParams) (*solana.Transaction, error) {
	f.lastParams = p
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &solana.Transaction{}, nil
}

func (f *fakeTransferer) BroadcastAndConfirm(_ context.Context, _ *solana.Transaction) (solana.Signature, error) {
	if f.broadcastErr != nil {
		return solana.Signature{}, f.broadcastErr
	}
	f.sig = solana.Signature{5}
	return f.sig, nil
}

func testOffer() *db.Offer {
	return &db.Offer{
		ID:           uuid.New(),
		Slug:         "sum",
		PriceAtomic:  token.Amount(10_000),
		PaymentToken: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		CreatorID:    uuid.New(),
	}
}

func paidRun() *db.Run {
	sig := "5ettled"
	return &db.Run{
		ID:          uuid.New(),
		Reference:   solana.NewWallet().PublicKey().String(),
		Signature:   &sig,
		PayerWallet: solana.NewWallet().PublicKey().String(),
		Status:      db.RunStatusPaid,
	}
}

func newTestManager(store Store, tr Transferer) *Manager {
	return NewManager(store, tr, slog.New(slog.DiscardHandler))
}

func TestRefundRun_IssuesAndBooksDebt(t *testing.T) {
	store := &fakeStore{}
	tr := &fakeTransferer{}
	m := newTestManager(store, tr)
	offer, run := testOffer(), paidRun()

	status := m.RefundRun(context.Background(), offer, run)

	assert.True(t, status.Issued)
	assert.Equal(t, "issued", status.Status)
	assert.NotEmpty(t, status.Signature)

	require.Len(t, store.created, 1)
	assert.Equal(t, run.PayerWallet, store.created[0].PayerWallet)
	assert.Equal(t, offer.PriceAtomic, store.created[0].AmountAtomic)
	assert.Len(t, store.issued, 1)

	assert.Equal(t, run.PayerWallet, tr.lastParams.Recipient)
	assert.Equal(t, offer.PaymentToken, tr.lastParams.Mint)
	assert.Equal(t, "refund:sum", tr.lastParams.Memo)
	assert.Equal(t, run.Reference, tr.lastParams.Reference)
}

func TestRefundRun_EmptyPayerNotApplicable(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store, &fakeTransferer{})
	run := paidRun()
	run.PayerWallet = ""

	status := m.RefundRun(context.Background(), testOffer(), run)

	assert.False(t, status.Issued)
	assert.Equal(t, "not-applicable", status.Status)
	assert.Empty(t, store.created, "no refund row for an unknown payer")
}

func TestRefundRun_NoSignatureNotApplicable(t *testing.T) {
	m := newTestManager(&fakeStore{}, &fakeTransferer{})
	run := paidRun()
	run.Signature = nil

	status := m.RefundRun(context.Background(), testOffer(), run)
	assert.Equal(t, "not-applicable", status.Status)
}

func TestRefundRun_BroadcastFailureMarksFailed(t *testing.T) {
	store := &fakeStore{}
	tr := &fakeTransferer{broadcastErr: errors.New("node unreachable")}
	m := newTestManager(store, tr)

	status := m.RefundRun(context.Background(), testOffer(), paidRun())

	assert.False(t, status.Issued)
	assert.Equal(t, "failed", status.Status)
	assert.Len(t, store.failed, 1)
	assert.Empty(t, store.issued)
}

func TestRefundRun_AlreadyIssuedReportedAgain(t *testing.T) {
	sig := "existing-sig"
	store := &fakeStore{existing: &db.Refund{Status: db.RefundStatusIssued, Signature: &sig}}
	tr := &fakeTransferer{}
	m := newTestManager(store, tr)

	status := m.RefundRun(context.Background(), testOffer(), paidRun())

	assert.True(t, status.Issued)
	assert.Equal(t, "existing-sig", status.Signature)
	assert.Empty(t, store.created, "no duplicate refund row")
	assert.Zero(t, tr.sig, "no second transfer")
}

func TestRefundRun_NonAddressReferenceOmittedFromTransfer(t *testing.T) {
	store := &fakeStore{}
	tr := &fakeTransferer{}
	m := newTestManager(store, tr)
	run := paidRun()
	run.Reference = "plain-opaque-reference"

	status := m.RefundRun(context.Background(), testOffer(), run)
	assert.True(t, status.Issued)
	assert.Empty(t, tr.lastParams.Reference)
}
