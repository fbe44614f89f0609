package escrow

import (
	"hash/fnv"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	coreerr "duxnet/core/errors"
	"duxnet/core/events"
	"duxnet/native/common"
	"duxnet/observability/metrics"
	"duxnet/storage"
)

const lockStripes = 64

// Engine drives the escrow contract lifecycle over the durable store. Fund
// movements are recorded, never broadcast: callers obtain tx hashes from a
// chain adapter first and hand them in, which keeps every transition
// deterministic.
type Engine struct {
	store         *storage.Store
	emitter       events.Emitter
	nowFn         func() time.Time
	shareBps      uint32
	communityDest string
	log           *slog.Logger

	// Transitions on the same contract are serialized through a striped
	// mutex on top of the store-level CAS; the loser of a race observes
	// the committed status and returns Conflict.
	locks [lockStripes]sync.Mutex
}

// NewEngine creates an escrow engine with a 5% community share and a no-op
// emitter.
func NewEngine(store *storage.Store) *Engine {
	return &Engine{
		store:         store,
		emitter:       events.NoopEmitter{},
		nowFn:         time.Now,
		shareBps:      500,
		communityDest: "community_fund",
		log:           slog.Default().With("component", "escrow"),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the engine clock. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetCommunityShareBps configures the community fund share in basis points.
// The share is fixed for the process lifetime; call this before serving.
func (e *Engine) SetCommunityShareBps(bps uint32) error {
	if bps > 10_000 {
		return coreerr.E(coreerr.CodeValidation, "community share bps out of range: %d", bps)
	}
	e.shareBps = bps
	return nil
}

// SetCommunityFundDestination configures the address credited with the
// community share on settlement.
func (e *Engine) SetCommunityFundDestination(dest string) {
	if trimmed := strings.TrimSpace(dest); trimmed != "" {
		e.communityDest = trimmed
	}
}

func (e *Engine) emit(event *events.Event) {
	if e.emitter != nil && event != nil {
		e.emitter.Emit(event)
	}
}

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) lockFor(contractID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(contractID))
	return &e.locks[h.Sum32()%lockStripes]
}

// CreateRequest carries the caller-supplied contract definition.
type CreateRequest struct {
	Type        string `json:"type"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	ServiceID   string `json:"service_id,omitempty"`
	Description string `json:"description,omitempty"`
	Terms       string `json:"terms,omitempty"`
}

// Create validates and persists a new contract in status pending.
func (e *Engine) Create(req CreateRequest) (*Contract, error) {
	contractType, err := ParseContractType(req.Type)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.BuyerID) == "" || strings.TrimSpace(req.SellerID) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "buyer_id and seller_id are required")
	}
	currency, err := common.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	amount, err := common.ParseAmount(req.Amount, currency)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, coreerr.E(coreerr.CodeValidation, "amount must be positive")
	}
	// Keep the buyer's precision: "10.00" must not collapse to "10".
	canonical, err := common.FormatAmountScale(amount, currency, common.AmountScale(req.Amount))
	if err != nil {
		return nil, err
	}

	contract := &Contract{
		ContractID:  uuid.NewString(),
		Type:        contractType,
		BuyerID:     strings.TrimSpace(req.BuyerID),
		SellerID:    strings.TrimSpace(req.SellerID),
		Amount:      canonical,
		Currency:    currency,
		ServiceID:   strings.TrimSpace(req.ServiceID),
		Description: req.Description,
		Terms:       req.Terms,
		Status:      StatusPending,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.DB().Create(contract).Error; err != nil {
		return nil, storage.TranslateError(err, "create contract")
	}
	metrics.Core().EscrowTransitions.WithLabelValues(string(StatusPending)).Inc()
	e.emit(events.NewEscrowEvent(events.TypeEscrowCreated, contract.ContractID, string(StatusPending)))
	return contract, nil
}

// Fund records the buyer's funding transaction and moves pending → funded.
func (e *Engine) Fund(contractID, txHash string) (*Contract, error) {
	mu := e.lockFor(contractID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now().UTC()
	contract, err := e.transition(contractID, StatusPending, map[string]any{
		"status": StatusFunded, "funded_at": &now,
	}, func(tx *gorm.DB, c *Contract) error {
		return tx.Create(e.movement(c, TxFunding, c.Amount,
			buyerAddress(c.BuyerID), escrowAddress(c.ContractID), txHash, now)).Error
	})
	if err != nil {
		return nil, err
	}
	e.emit(events.NewEscrowEvent(events.TypeEscrowFunded, contractID, string(StatusFunded)))
	return contract, nil
}

// Start moves funded → in_progress once the paid-for work begins.
func (e *Engine) Start(contractID string) (*Contract, error) {
	mu := e.lockFor(contractID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now().UTC()
	contract, err := e.transition(contractID, StatusFunded, map[string]any{
		"status": StatusInProgress, "started_at": &now,
	}, nil)
	if err != nil {
		return nil, err
	}
	e.emit(events.NewEscrowEvent(events.TypeEscrowStarted, contractID, string(StatusInProgress)))
	return contract, nil
}

// Complete settles an in_progress contract: the seller payment and the
// community share are written together with the status flip in one store
// transaction, and their amounts sum to the contract amount exactly.
func (e *Engine) Complete(contractID, txHash string) (*Contract, error) {
	mu := e.lockFor(contractID)
	mu.Lock()
	defer mu.Unlock()
	return e.settle(contractID, StatusInProgress, txHash)
}

// Dispute freezes a non-terminal contract and records the dispute. No funds
// move.
func (e *Engine) Dispute(contractID, initiatorID, reason, evidence string) (*Contract, error) {
	if strings.TrimSpace(initiatorID) == "" || strings.TrimSpace(reason) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "initiator and reason are required")
	}
	mu := e.lockFor(contractID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now().UTC()
	var contract Contract
	err := e.store.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Contract{}).
			Where("contract_id = ? AND status IN ?", contractID, []Status{
				StatusPending, StatusFunded, StatusInProgress,
			}).
			Updates(map[string]any{
				"status": StatusDisputed, "disputed_at": &now, "dispute_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return e.conflictOrNotFound(tx, contractID)
		}
		if err := tx.Create(&EscrowDispute{
			DisputeID:   uuid.NewString(),
			ContractID:  contractID,
			InitiatorID: strings.TrimSpace(initiatorID),
			Reason:      reason,
			Evidence:    evidence,
			Status:      DisputeOpen,
			CreatedAt:   now,
		}).Error; err != nil {
			return err
		}
		return tx.First(&contract, "contract_id = ?", contractID).Error
	})
	if err != nil {
		return nil, storage.TranslateError(err, "dispute contract")
	}
	metrics.Core().EscrowTransitions.WithLabelValues(string(StatusDisputed)).Inc()
	e.emit(events.NewEscrowEvent(events.TypeEscrowDisputed, contractID, string(StatusDisputed)))
	return &contract, nil
}

// Refund returns the full amount to the buyer. The regular path is
// disputed → refunded; an administrative caller may also refund directly
// from funded or in_progress.
func (e *Engine) Refund(contractID, txHash string) (*Contract, error) {
	mu := e.lockFor(contractID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now().UTC()
	var contract Contract
	err := e.store.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Contract{}).
			Where("contract_id = ? AND status IN ?", contractID, []Status{
				StatusFunded, StatusInProgress, StatusDisputed,
			}).
			Updates(map[string]any{"status": StatusRefunded, "refunded_at": &now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return e.conflictOrNotFound(tx, contractID)
		}
		if err := tx.First(&contract, "contract_id = ?", contractID).Error; err != nil {
			return err
		}
		if err := tx.Create(e.movement(&contract, TxRefund, contract.Amount,
			escrowAddress(contractID), buyerAddress(contract.BuyerID), txHash, now)).Error; err != nil {
			return err
		}
		return e.closeDisputes(tx, contractID, "refunded to buyer", now)
	})
	if err != nil {
		return nil, storage.TranslateError(err, "refund contract")
	}
	metrics.Core().EscrowTransitions.WithLabelValues(string(StatusRefunded)).Inc()
	e.emit(events.NewEscrowEvent(events.TypeEscrowRefunded, contractID, string(StatusRefunded)))
	return &contract, nil
}

// ResolveDispute settles a disputed contract in the seller's favour
// (OutcomeRelease, paying out with the usual split) or the buyer's
// (OutcomeRefund, delegating to Refund).
func (e *Engine) ResolveDispute(contractID string, outcome DisputeOutcome, txHash string) (*Contract, error) {
	switch outcome {
	case OutcomeRefund:
		return e.Refund(contractID, txHash)
	case OutcomeRelease:
		mu := e.lockFor(contractID)
		mu.Lock()
		defer mu.Unlock()
		return e.settle(contractID, StatusDisputed, txHash)
	default:
		return nil, coreerr.E(coreerr.CodeValidation, "unknown dispute outcome: %s", outcome)
	}
}

// Cancel abandons a contract before any funds arrive: pending → cancelled.
func (e *Engine) Cancel(contractID string) (*Contract, error) {
	mu := e.lockFor(contractID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now().UTC()
	contract, err := e.transition(contractID, StatusPending, map[string]any{
		"status": StatusCancelled, "cancelled_at": &now,
	}, nil)
	if err != nil {
		return nil, err
	}
	e.emit(events.NewEscrowEvent(events.TypeEscrowCancelled, contractID, string(StatusCancelled)))
	return contract, nil
}

// Get returns a contract by id.
func (e *Engine) Get(contractID string) (*Contract, error) {
	var contract Contract
	if err := e.store.DB().First(&contract, "contract_id = ?", contractID).Error; err != nil {
		if storage.NotFound(err) {
			return nil, coreerr.E(coreerr.CodeNotFound, "contract %s not found", contractID)
		}
		return nil, storage.TranslateError(err, "get contract")
	}
	return &contract, nil
}

// Transactions returns the fund movements recorded against a contract, in
// insertion order.
func (e *Engine) Transactions(contractID string) ([]EscrowTransaction, error) {
	var movements []EscrowTransaction
	err := e.store.DB().
		Where("contract_id = ?", contractID).
		Order("created_at ASC").
		Find(&movements).Error
	if err != nil {
		return nil, storage.TranslateError(err, "list transactions")
	}
	return movements, nil
}

// Disputes returns the dispute records filed against a contract.
func (e *Engine) Disputes(contractID string) ([]EscrowDispute, error) {
	var disputes []EscrowDispute
	err := e.store.DB().
		Where("contract_id = ?", contractID).
		Order("created_at ASC").
		Find(&disputes).Error
	if err != nil {
		return nil, storage.TranslateError(err, "list disputes")
	}
	return disputes, nil
}

// ListByUser returns contracts where the user is buyer or seller, newest
// first, optionally filtered by status.
func (e *Engine) ListByUser(userID string, status Status) ([]Contract, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "user_id is required")
	}
	query := e.store.DB().
		Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var contracts []Contract
	if err := query.Find(&contracts).Error; err != nil {
		return nil, storage.TranslateError(err, "list contracts")
	}
	return contracts, nil
}

// Statistics summarises the escrow tables, including settled volume per
// currency.
func (e *Engine) Statistics() (*Statistics, error) {
	stats := &Statistics{
		ByStatus:         make(map[Status]int64),
		VolumeByCurrency: make(map[string]string),
	}
	if err := e.store.DB().Model(&Contract{}).Count(&stats.Total).Error; err != nil {
		return nil, storage.TranslateError(err, "escrow statistics")
	}
	var byStatus []struct {
		Status Status
		N      int64
	}
	if err := e.store.DB().Model(&Contract{}).
		Select("status, COUNT(*) AS n").Group("status").
		Find(&byStatus).Error; err != nil {
		return nil, storage.TranslateError(err, "escrow statistics")
	}
	for _, row := range byStatus {
		stats.ByStatus[row.Status] = row.N
	}
	if err := e.store.DB().Model(&EscrowDispute{}).
		Where("status = ?", DisputeOpen).
		Count(&stats.OpenDisputes).Error; err != nil {
		return nil, storage.TranslateError(err, "escrow statistics")
	}

	var settled []Contract
	if err := e.store.DB().
		Where("status = ?", StatusCompleted).
		Find(&settled).Error; err != nil {
		return nil, storage.TranslateError(err, "escrow statistics")
	}
	volume := make(map[string]*big.Int)
	for i := range settled {
		amount, err := common.ParseAmount(settled[i].Amount, settled[i].Currency)
		if err != nil {
			continue
		}
		currency := settled[i].Currency
		if volume[currency] == nil {
			volume[currency] = new(big.Int)
		}
		volume[currency].Add(volume[currency], amount)
	}
	for currency, total := range volume {
		formatted, err := common.FormatAmount(total, currency)
		if err != nil {
			continue
		}
		stats.VolumeByCurrency[currency] = formatted
	}
	return stats, nil
}

// settle performs the completion split from the given source status.
func (e *Engine) settle(contractID string, from Status, txHash string) (*Contract, error) {
	now := e.now().UTC()
	var contract Contract
	err := e.store.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Contract{}).
			Where("contract_id = ? AND status = ?", contractID, from).
			Updates(map[string]any{"status": StatusCompleted, "completed_at": &now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return e.conflictOrNotFound(tx, contractID)
		}
		if err := tx.First(&contract, "contract_id = ?", contractID).Error; err != nil {
			return err
		}
		amount, err := common.ParseAmount(contract.Amount, contract.Currency)
		if err != nil {
			return err
		}
		payout, share := common.SplitShare(amount, e.shareBps)
		// Movements render at the contract's own precision.
		scale := common.AmountScale(contract.Amount)
		payoutStr, err := common.FormatAmountScale(payout, contract.Currency, scale)
		if err != nil {
			return err
		}
		shareStr, err := common.FormatAmountScale(share, contract.Currency, scale)
		if err != nil {
			return err
		}
		if err := tx.Create(e.movement(&contract, TxSellerPayment, payoutStr,
			escrowAddress(contractID), sellerAddress(contract.SellerID), txHash, now)).Error; err != nil {
			return err
		}
		if err := tx.Create(e.movement(&contract, TxCommunityFund, shareStr,
			escrowAddress(contractID), e.communityDest, txHash, now)).Error; err != nil {
			return err
		}
		if from == StatusDisputed {
			return e.closeDisputes(tx, contractID, "released to seller", now)
		}
		return nil
	})
	if err != nil {
		return nil, storage.TranslateError(err, "complete contract")
	}
	metrics.Core().EscrowTransitions.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.Core().EscrowSettled.WithLabelValues(contract.Currency).Inc()
	e.emit(events.NewEscrowEvent(events.TypeEscrowCompleted, contractID, string(StatusCompleted)))
	return &contract, nil
}

// transition runs a single-source CAS plus an optional extra write in one
// store transaction.
func (e *Engine) transition(contractID string, from Status, updates map[string]any, extra func(*gorm.DB, *Contract) error) (*Contract, error) {
	var contract Contract
	err := e.store.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Contract{}).
			Where("contract_id = ? AND status = ?", contractID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return e.conflictOrNotFound(tx, contractID)
		}
		if err := tx.First(&contract, "contract_id = ?", contractID).Error; err != nil {
			return err
		}
		if extra != nil {
			return extra(tx, &contract)
		}
		return nil
	})
	if err != nil {
		return nil, storage.TranslateError(err, "contract transition")
	}
	if status, ok := updates["status"].(Status); ok {
		metrics.Core().EscrowTransitions.WithLabelValues(string(status)).Inc()
	}
	return &contract, nil
}

// conflictOrNotFound distinguishes a lost CAS from a missing record.
func (e *Engine) conflictOrNotFound(tx *gorm.DB, contractID string) error {
	var existing Contract
	if err := tx.First(&existing, "contract_id = ?", contractID).Error; err != nil {
		if storage.NotFound(err) {
			return coreerr.E(coreerr.CodeNotFound, "contract %s not found", contractID)
		}
		return err
	}
	return coreerr.E(coreerr.CodeConflict, "contract %s is %s", contractID, existing.Status)
}

func (e *Engine) closeDisputes(tx *gorm.DB, contractID, resolution string, now time.Time) error {
	return tx.Model(&EscrowDispute{}).
		Where("contract_id = ? AND status = ?", contractID, DisputeOpen).
		Updates(map[string]any{
			"status": DisputeResolved, "resolution": resolution, "resolved_at": &now,
		}).Error
}

func (e *Engine) movement(c *Contract, txType TransactionType, amount, from, to, txHash string, now time.Time) *EscrowTransaction {
	return &EscrowTransaction{
		TransactionID:   uuid.NewString(),
		ContractID:      c.ContractID,
		TransactionType: txType,
		Amount:          amount,
		Currency:        c.Currency,
		FromAddress:     from,
		ToAddress:       to,
		TxHash:          txHash,
		Status:          "confirmed",
		CreatedAt:       now,
	}
}

func buyerAddress(buyerID string) string   { return "buyer_" + buyerID }
func sellerAddress(sellerID string) string { return "seller_" + sellerID }
func escrowAddress(contractID string) string {
	return "escrow_" + contractID
}
