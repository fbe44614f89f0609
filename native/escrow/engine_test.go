package escrow

import (
	"math/big"
	"sync"
	"testing"

	coreerr "duxnet/core/errors"
	"duxnet/native/common"
	"duxnet/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := storage.Open(":memory:", &Contract{}, &EscrowTransaction{}, &EscrowDispute{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store)
}

func mustCreate(t *testing.T, e *Engine, req CreateRequest) *Contract {
	t.Helper()
	if req.Type == "" {
		req.Type = "service_payment"
	}
	if req.BuyerID == "" {
		req.BuyerID = "b1"
	}
	if req.SellerID == "" {
		req.SellerID = "s1"
	}
	if req.Amount == "" {
		req.Amount = "10.00"
	}
	if req.Currency == "" {
		req.Currency = "FLOP"
	}
	contract, err := e.Create(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return contract
}

func fundAndStart(t *testing.T, e *Engine, contractID string) {
	t.Helper()
	if _, err := e.Fund(contractID, "TXF"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := e.Start(contractID); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	e := newTestEngine(t)
	cases := []CreateRequest{
		{Type: "ransom", BuyerID: "b", SellerID: "s", Amount: "1", Currency: "FLOP"},
		{Type: "service_payment", SellerID: "s", Amount: "1", Currency: "FLOP"},
		{Type: "service_payment", BuyerID: "b", Amount: "1", Currency: "FLOP"},
		{Type: "service_payment", BuyerID: "b", SellerID: "s", Amount: "0", Currency: "FLOP"},
		{Type: "service_payment", BuyerID: "b", SellerID: "s", Amount: "-1", Currency: "FLOP"},
		{Type: "service_payment", BuyerID: "b", SellerID: "s", Amount: "1", Currency: "EUR"},
		{Type: "service_payment", BuyerID: "b", SellerID: "s", Amount: "1.2345678901", Currency: "BTC"},
	}
	for i, req := range cases {
		if _, err := e.Create(req); !coreerr.IsValidation(err) {
			t.Fatalf("case %d: want validation error, got %v", i, err)
		}
	}
}

func TestHappyPathSettlementSplit(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{Amount: "10.00", Currency: "FLOP"})
	if contract.Status != StatusPending || contract.Amount != "10.00" {
		t.Fatalf("created contract: %+v", contract)
	}

	funded, err := e.Fund(contract.ContractID, "TXF")
	if err != nil {
		t.Fatal(err)
	}
	if funded.Status != StatusFunded || funded.FundedAt == nil {
		t.Fatalf("after fund: %+v", funded)
	}

	started, err := e.Start(contract.ContractID)
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != StatusInProgress || started.StartedAt == nil {
		t.Fatalf("after start: %+v", started)
	}

	done, err := e.Complete(contract.ContractID, "TXC")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("after complete: %+v", done)
	}

	movements, err := e.Transactions(contract.ContractID)
	if err != nil {
		t.Fatal(err)
	}
	if len(movements) != 3 {
		t.Fatalf("want funding + 2 settlement movements, got %d", len(movements))
	}
	byType := make(map[TransactionType]EscrowTransaction)
	for _, m := range movements {
		byType[m.TransactionType] = m
	}
	if got := byType[TxSellerPayment]; got.Amount != "9.50" || got.ToAddress != "seller_s1" {
		t.Fatalf("seller payment: %+v", got)
	}
	if got := byType[TxCommunityFund]; got.Amount != "0.50" || got.ToAddress != "community_fund" {
		t.Fatalf("community fund: %+v", got)
	}
	if got := byType[TxFunding]; got.Amount != "10.00" || got.FromAddress != "buyer_b1" {
		t.Fatalf("funding: %+v", got)
	}

	// seller_payment + community_fund == amount, exactly.
	payout, _ := common.ParseAmount(byType[TxSellerPayment].Amount, "FLOP")
	share, _ := common.ParseAmount(byType[TxCommunityFund].Amount, "FLOP")
	total, _ := common.ParseAmount(contract.Amount, "FLOP")
	if new(big.Int).Add(payout, share).Cmp(total) != 0 {
		t.Fatalf("split does not sum: %s + %s != %s", payout, share, total)
	}
}

func TestSplitRoundsHalfUpAtPrecisionBoundary(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{Amount: "0.01", Currency: "FLOP"})
	fundAndStart(t, e, contract.ContractID)
	if _, err := e.Complete(contract.ContractID, "TXC"); err != nil {
		t.Fatal(err)
	}
	movements, err := e.Transactions(contract.ContractID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range movements {
		switch m.TransactionType {
		case TxSellerPayment:
			if m.Amount != "0.0095" {
				t.Fatalf("seller payment at boundary: %s", m.Amount)
			}
		case TxCommunityFund:
			if m.Amount != "0.0005" {
				t.Fatalf("community fund at boundary: %s", m.Amount)
			}
		}
	}
}

func TestSettlementKeepsContractPrecision(t *testing.T) {
	e := newTestEngine(t)
	bare := mustCreate(t, e, CreateRequest{Amount: "10", Currency: "FLOP"})
	if bare.Amount != "10" {
		t.Fatalf("whole amount reformatted: %s", bare.Amount)
	}

	contract := mustCreate(t, e, CreateRequest{Amount: "8.00", Currency: "FLOP"})
	if contract.Amount != "8.00" {
		t.Fatalf("two-decimal amount reformatted: %s", contract.Amount)
	}
	fundAndStart(t, e, contract.ContractID)
	if _, err := e.Complete(contract.ContractID, "TXC"); err != nil {
		t.Fatal(err)
	}
	movements, err := e.Transactions(contract.ContractID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range movements {
		switch m.TransactionType {
		case TxSellerPayment:
			if m.Amount != "7.60" {
				t.Fatalf("seller payment lost precision: %s", m.Amount)
			}
		case TxCommunityFund:
			if m.Amount != "0.40" {
				t.Fatalf("community fund lost precision: %s", m.Amount)
			}
		}
	}
}

func TestDoubleFundIsConflict(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{})
	if _, err := e.Fund(contract.ContractID, "TXF"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Fund(contract.ContractID, "TXF2"); !coreerr.IsConflict(err) {
		t.Fatalf("double fund: want conflict, got %v", err)
	}
	movements, _ := e.Transactions(contract.ContractID)
	if len(movements) != 1 {
		t.Fatalf("lost fund race must not record a movement: %d", len(movements))
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{})
	if _, err := e.Complete(contract.ContractID, "TXC"); !coreerr.IsConflict(err) {
		t.Fatalf("complete from pending: want conflict, got %v", err)
	}
	if _, err := e.Complete("no-such-contract", "TXC"); !coreerr.IsNotFound(err) {
		t.Fatalf("complete missing: want not_found, got %v", err)
	}
}

func TestConcurrentCompleteAndDispute(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{})
	fundAndStart(t, e, contract.ContractID)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.Complete(contract.ContractID, "TXC")
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := e.Dispute(contract.ContractID, "b1", "not delivered", "")
		errs <- err
	}()
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case coreerr.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("want one winner and one conflict, got %d/%d", ok, conflicts)
	}
}

func TestDisputeThenRefund(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{Amount: "3.5", Currency: "ETH"})
	fundAndStart(t, e, contract.ContractID)

	disputed, err := e.Dispute(contract.ContractID, "b1", "wrong output", "hash:abc")
	if err != nil {
		t.Fatal(err)
	}
	if disputed.Status != StatusDisputed || disputed.DisputeReason != "wrong output" {
		t.Fatalf("after dispute: %+v", disputed)
	}
	disputes, err := e.Disputes(contract.ContractID)
	if err != nil {
		t.Fatal(err)
	}
	if len(disputes) != 1 || disputes[0].Status != DisputeOpen || disputes[0].InitiatorID != "b1" {
		t.Fatalf("dispute record: %+v", disputes)
	}

	refunded, err := e.Refund(contract.ContractID, "TXR")
	if err != nil {
		t.Fatal(err)
	}
	if refunded.Status != StatusRefunded || refunded.RefundedAt == nil {
		t.Fatalf("after refund: %+v", refunded)
	}

	movements, _ := e.Transactions(contract.ContractID)
	var refunds int
	for _, m := range movements {
		if m.TransactionType == TxRefund {
			refunds++
			if m.Amount != "3.5" || m.ToAddress != "buyer_b1" {
				t.Fatalf("refund movement: %+v", m)
			}
		}
	}
	if refunds != 1 {
		t.Fatalf("want exactly one refund movement, got %d", refunds)
	}

	disputes, _ = e.Disputes(contract.ContractID)
	if disputes[0].Status != DisputeResolved {
		t.Fatalf("dispute not closed by refund: %+v", disputes[0])
	}

	// Terminal: no further movement possible.
	if _, err := e.Refund(contract.ContractID, "TXR2"); !coreerr.IsConflict(err) {
		t.Fatalf("refund after refund: want conflict, got %v", err)
	}
	if _, err := e.Complete(contract.ContractID, "TXC"); !coreerr.IsConflict(err) {
		t.Fatalf("complete after refund: want conflict, got %v", err)
	}
}

func TestResolveDisputeRelease(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{})
	fundAndStart(t, e, contract.ContractID)
	if _, err := e.Dispute(contract.ContractID, "s1", "work delivered", ""); err != nil {
		t.Fatal(err)
	}

	done, err := e.ResolveDispute(contract.ContractID, OutcomeRelease, "TXC")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("release resolution: %+v", done)
	}
	disputes, _ := e.Disputes(contract.ContractID)
	if disputes[0].Status != DisputeResolved || disputes[0].Resolution != "released to seller" {
		t.Fatalf("dispute after release: %+v", disputes[0])
	}
}

func TestAdministrativeRefundFromFunded(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{})
	if _, err := e.Fund(contract.ContractID, "TXF"); err != nil {
		t.Fatal(err)
	}
	refunded, err := e.Refund(contract.ContractID, "TXR")
	if err != nil {
		t.Fatal(err)
	}
	if refunded.Status != StatusRefunded {
		t.Fatalf("admin refund from funded: %+v", refunded)
	}
}

func TestCancelOnlyFromPending(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{})
	cancelled, err := e.Cancel(contract.ContractID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("after cancel: %+v", cancelled)
	}

	funded := mustCreate(t, e, CreateRequest{})
	if _, err := e.Fund(funded.ContractID, "TXF"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Cancel(funded.ContractID); !coreerr.IsConflict(err) {
		t.Fatalf("cancel funded contract: want conflict, got %v", err)
	}
}

func TestDisputeRejectedOnTerminalContract(t *testing.T) {
	e := newTestEngine(t)
	contract := mustCreate(t, e, CreateRequest{})
	fundAndStart(t, e, contract.ContractID)
	if _, err := e.Complete(contract.ContractID, "TXC"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Dispute(contract.ContractID, "b1", "too late", ""); !coreerr.IsConflict(err) {
		t.Fatalf("dispute on completed: want conflict, got %v", err)
	}
}

func TestListByUser(t *testing.T) {
	e := newTestEngine(t)
	asBuyer := mustCreate(t, e, CreateRequest{BuyerID: "u1", SellerID: "s9"})
	asSeller := mustCreate(t, e, CreateRequest{BuyerID: "b9", SellerID: "u1"})
	mustCreate(t, e, CreateRequest{BuyerID: "b9", SellerID: "s9"})
	if _, err := e.Fund(asSeller.ContractID, "TXF"); err != nil {
		t.Fatal(err)
	}

	all, err := e.ListByUser("u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("want both sides of u1's contracts, got %d", len(all))
	}
	pending, err := e.ListByUser("u1", StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ContractID != asBuyer.ContractID {
		t.Fatalf("status filter: %+v", pending)
	}
	if _, err := e.ListByUser("  ", ""); !coreerr.IsValidation(err) {
		t.Fatalf("blank user: want validation, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	e := newTestEngine(t)
	first := mustCreate(t, e, CreateRequest{Amount: "10.00", Currency: "FLOP"})
	fundAndStart(t, e, first.ContractID)
	if _, err := e.Complete(first.ContractID, "TXC"); err != nil {
		t.Fatal(err)
	}
	second := mustCreate(t, e, CreateRequest{Amount: "2.5", Currency: "FLOP"})
	fundAndStart(t, e, second.ContractID)
	if _, err := e.Complete(second.ContractID, "TXC2"); err != nil {
		t.Fatal(err)
	}
	open := mustCreate(t, e, CreateRequest{Amount: "1", Currency: "BTC"})
	fundAndStart(t, e, open.ContractID)
	if _, err := e.Dispute(open.ContractID, "b1", "stuck", ""); err != nil {
		t.Fatal(err)
	}

	stats, err := e.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.ByStatus[StatusCompleted] != 2 || stats.ByStatus[StatusDisputed] != 1 {
		t.Fatalf("statistics: %+v", stats)
	}
	if stats.OpenDisputes != 1 {
		t.Fatalf("open disputes: %d", stats.OpenDisputes)
	}
	if stats.VolumeByCurrency["FLOP"] != "12.5" {
		t.Fatalf("settled volume: %v", stats.VolumeByCurrency)
	}
}

func TestCustomShareAndDestination(t *testing.T) {
	e := newTestEngine(t)
	if err := e.SetCommunityShareBps(10_001); !coreerr.IsValidation(err) {
		t.Fatalf("bps out of range: %v", err)
	}
	if err := e.SetCommunityShareBps(1000); err != nil {
		t.Fatal(err)
	}
	e.SetCommunityFundDestination("treasury")

	contract := mustCreate(t, e, CreateRequest{Amount: "10", Currency: "USDT"})
	fundAndStart(t, e, contract.ContractID)
	if _, err := e.Complete(contract.ContractID, "TXC"); err != nil {
		t.Fatal(err)
	}
	movements, _ := e.Transactions(contract.ContractID)
	for _, m := range movements {
		if m.TransactionType == TxCommunityFund {
			if m.Amount != "1" || m.ToAddress != "treasury" {
				t.Fatalf("custom share movement: %+v", m)
			}
		}
	}
}
