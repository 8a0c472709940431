package identitycache

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetBalance is the balance of a single asset held by an identity.
type AssetBalance struct {
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Balances is the full balance view for one identity.
type Balances struct {
	Assets    []AssetBalance `json:"assets"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Permissions describes what operations an identity's wallet may perform.
type Permissions struct {
	CanSend         bool            `json:"can_send"`
	CanReceive      bool            `json:"can_receive"`
	CanSign         bool            `json:"can_sign"`
	CanLinkExternal bool            `json:"can_link_external"`
	DailyLimit      decimal.Decimal `json:"daily_limit"`
	Roles           []string        `json:"roles,omitempty"`
}

// RiskLevel buckets a risk score for display and policy decisions.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskAssessment is the latest risk evaluation for an identity.
type RiskAssessment struct {
	Score      float64   `json:"score"`
	Level      RiskLevel `json:"level"`
	Flags      []string  `json:"flags,omitempty"`
	AssessedAt time.Time `json:"assessed_at"`
}

// ExternalWalletStatus describes the link to an external wallet, if any.
type ExternalWalletStatus struct {
	Linked   bool      `json:"linked"`
	Provider string    `json:"provider,omitempty"`
	Address  string    `json:"address,omitempty"`
	LinkedAt time.Time `json:"linked_at,omitzero"`
}

// Transaction is one entry in an identity's transaction history.
type Transaction struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty string          `json:"counterparty,omitempty"`
	Memo         string          `json:"memo,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}
