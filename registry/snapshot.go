package registry

import (
	"time"

	identitycache "github.com/walletkit/identity-cache"
)

// State is the per-identity load state.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateLoading State = "LOADING"
	StateReady   State = "READY"
	StateError   State = "ERROR"
)

// Snapshot is the registry's view of one identity's wallet state. Replaced
// wholesale on a full refresh, merged field by field on a partial update.
type Snapshot struct {
	Identity     identitycache.IdentityID            `json:"identity"`
	Category     identitycache.Category              `json:"category"`
	State        State                               `json:"state"`
	Balances     *identitycache.Balances             `json:"balances,omitempty"`
	Permissions  *identitycache.Permissions          `json:"permissions,omitempty"`
	Risk         *identitycache.RiskAssessment       `json:"risk,omitempty"`
	External     *identitycache.ExternalWalletStatus `json:"external,omitempty"`
	Transactions []identitycache.Transaction         `json:"transactions,omitempty"`
	Loading      bool                                `json:"loading"`
	Error        string                              `json:"error,omitempty"`
	LastUpdated  time.Time                           `json:"last_updated"`
}

// Partial carries the fields of a partial snapshot update. Nil pointers mean
// "leave the current value alone".
type Partial struct {
	Balances    *identitycache.Balances
	Permissions *identitycache.Permissions
	Risk        *identitycache.RiskAssessment
	External    *identitycache.ExternalWalletStatus
	Error       *string
}

// clone returns a deep-enough copy for handing out: slices are copied, pointed-to
// structs are copied by value.
func (s Snapshot) clone() Snapshot {
	out := s
	if s.Balances != nil {
		b := *s.Balances
		b.Assets = append([]identitycache.AssetBalance(nil), s.Balances.Assets...)
		out.Balances = &b
	}
	if s.Permissions != nil {
		p := *s.Permissions
		p.Roles = append([]string(nil), s.Permissions.Roles...)
		out.Permissions = &p
	}
	if s.Risk != nil {
		r := *s.Risk
		r.Flags = append([]string(nil), s.Risk.Flags...)
		out.Risk = &r
	}
	if s.External != nil {
		e := *s.External
		out.External = &e
	}
	out.Transactions = append([]identitycache.Transaction(nil), s.Transactions...)
	return out
}
