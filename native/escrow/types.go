package escrow

import (
	"strings"
	"time"

	coreerr "duxnet/core/errors"
)

// ContractType distinguishes what an escrow contract pays for.
type ContractType string

const (
	TypeServicePayment ContractType = "service_payment"
	TypeAPIUsage       ContractType = "api_usage"
	TypeTaskExecution  ContractType = "task_execution"
	TypeSubscription   ContractType = "subscription"
)

// ParseContractType validates a wire-level contract type name.
func ParseContractType(name string) (ContractType, error) {
	trimmed := ContractType(strings.ToLower(strings.TrimSpace(name)))
	switch trimmed {
	case TypeServicePayment, TypeAPIUsage, TypeTaskExecution, TypeSubscription:
		return trimmed, nil
	default:
		return "", coreerr.E(coreerr.CodeValidation, "unknown contract type: %s", name)
	}
}

// Status is a contract's position in the escrow state machine.
type Status string

// Contract statuses. completed, refunded and cancelled are terminal.
const (
	StatusPending    Status = "pending"
	StatusFunded     Status = "funded"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// Contract is the canonical persisted record of an escrow agreement. Amount
// is the canonical decimal string for the contract currency; arithmetic is
// done on base units via native/common.
type Contract struct {
	ContractID    string       `gorm:"primaryKey;column:contract_id" json:"contract_id"`
	Type          ContractType `gorm:"size:24" json:"type"`
	BuyerID       string       `gorm:"index" json:"buyer_id"`
	SellerID      string       `gorm:"index" json:"seller_id"`
	Amount        string       `json:"amount"`
	Currency      string       `gorm:"size:8" json:"currency"`
	ServiceID     string       `json:"service_id,omitempty"`
	Description   string       `json:"description,omitempty"`
	Terms         string       `json:"terms,omitempty"`
	Status        Status       `gorm:"size:16;index" json:"status"`
	DisputeReason string       `json:"dispute_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	FundedAt      *time.Time   `json:"funded_at,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	DisputedAt    *time.Time   `json:"disputed_at,omitempty"`
	RefundedAt    *time.Time   `json:"refunded_at,omitempty"`
	CancelledAt   *time.Time   `json:"cancelled_at,omitempty"`
}

// TransactionType classifies the fund movements recorded against a contract.
type TransactionType string

const (
	TxFunding       TransactionType = "funding"
	TxSellerPayment TransactionType = "seller_payment"
	TxCommunityFund TransactionType = "community_fund"
	TxRefund        TransactionType = "refund"
)

// EscrowTransaction is a persisted fund movement. The tx_hash comes from the
// chain adapter that broadcast the transfer; the engine never talks to a
// chain itself.
type EscrowTransaction struct {
	TransactionID   string          `gorm:"primaryKey;column:transaction_id" json:"transaction_id"`
	ContractID      string          `gorm:"index" json:"contract_id"`
	TransactionType TransactionType `gorm:"size:24" json:"transaction_type"`
	Amount          string          `json:"amount"`
	Currency        string          `gorm:"size:8" json:"currency"`
	FromAddress     string          `json:"from_address"`
	ToAddress       string          `json:"to_address"`
	TxHash          string          `json:"tx_hash,omitempty"`
	Status          string          `gorm:"size:16" json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Dispute record statuses.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// EscrowDispute is a persisted dispute filed against a contract.
type EscrowDispute struct {
	DisputeID   string     `gorm:"primaryKey;column:dispute_id" json:"dispute_id"`
	ContractID  string     `gorm:"index" json:"contract_id"`
	InitiatorID string     `json:"initiator_id"`
	Reason      string     `json:"reason"`
	Evidence    string     `json:"evidence,omitempty"`
	Status      string     `gorm:"size:16" json:"status"`
	Resolution  string     `json:"resolution,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// DisputeOutcome selects how a disputed contract is settled.
type DisputeOutcome string

const (
	OutcomeRefund  DisputeOutcome = "refund"
	OutcomeRelease DisputeOutcome = "release"
)

// Statistics summarises the escrow tables.
type Statistics struct {
	Total            int64             `json:"total"`
	ByStatus         map[Status]int64  `json:"by_status"`
	OpenDisputes     int64             `json:"open_disputes"`
	VolumeByCurrency map[string]string `json:"volume_by_currency"`
}
