// Package keystore owns every API key and group record: balances, spend and
// call counters, ACLs, pricing overrides, aliases, and the policy overlay
// between a key and the group it belongs to. It is the single source of
// truth that the Gate mutates balances through; nothing else holds write
// access to a Key record.
package keystore

import "time"

// Key is an opaque credential bound to a balance and a policy.
type Key struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Group     string `json:"group,omitempty"`

	Balance    int64 `json:"balance"`
	Spent      int64 `json:"spent"`
	CallCount  int64 `json:"callCount"`

	Active    bool       `json:"active"`
	Suspended bool       `json:"suspended"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`

	AllowedTools []string          `json:"allowedTools,omitempty"`
	DeniedTools  []string          `json:"deniedTools,omitempty"`
	Pricing      map[string]int64  `json:"pricing,omitempty"` // tool -> credits per call
	DefaultCredits int64          `json:"defaultCredits,omitempty"` // per-call price when Pricing has no entry for the tool; key wins over group, else the process default
	SpendingLimit int64            `json:"spendingLimit,omitempty"`

	IPAllowlist []string `json:"ipAllowlist,omitempty"` // literal IPs or CIDR blocks

	Quota     *Quota     `json:"quota,omitempty"`
	RateLimit *RateLimit `json:"rateLimit,omitempty"`

	Tags     map[string]string `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Aliases []string `json:"aliases,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Quota is a per-key override of the calendar-window counters a key is
// subject to. When a key (or, failing that, its group) carries a Quota,
// its four fields replace the process defaults as a whole; a zero field
// means no quota on that axis.
type Quota struct {
	DailyCalls     int64 `json:"dailyCalls,omitempty"`
	MonthlyCalls   int64 `json:"monthlyCalls,omitempty"`
	DailyCredits   int64 `json:"dailyCredits,omitempty"`
	MonthlyCredits int64 `json:"monthlyCredits,omitempty"`
}

// RateLimit is a per-key override of the sliding-window limiter.
type RateLimit struct {
	Limit      int   `json:"limit,omitempty"`
	WindowMs int64 `json:"windowMs,omitempty"`
}

// Group is a named, reusable policy bundle referenced by zero or more keys.
type Group struct {
	Name string `json:"name"`

	AllowedTools []string         `json:"allowedTools,omitempty"`
	DeniedTools  []string         `json:"deniedTools,omitempty"`
	Pricing      map[string]int64 `json:"pricing,omitempty"`
	Quota        *Quota           `json:"quota,omitempty"`
	IPAllowlist  []string         `json:"ipAllowlist,omitempty"`

	DefaultCredits int64 `json:"defaultCredits,omitempty"`
	SpendingLimit  int64 `json:"spendingLimit,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// State reports the resolved lifecycle stage of a key, derived from its
// Active/Suspended/ExpiresAt/Revoked fields rather than stored directly.
type State string

const (
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateExpired   State = "expired"
	StateRevoked   State = "revoked"
)

// Resolve returns the key's current lifecycle state as of now.
func (k *Key) Resolve(now time.Time) State {
	switch {
	case k.Revoked:
		return StateRevoked
	case k.Suspended || !k.Active:
		return StateSuspended
	case k.ExpiresAt != nil && now.After(*k.ExpiresAt):
		return StateExpired
	default:
		return StateActive
	}
}

// CreateOptions carries the optional attributes accepted by createKey.
// Zero-value fields are left unset.
type CreateOptions struct {
	Namespace      string
	Group          string
	AllowedTools   []string
	DeniedTools    []string
	Pricing        map[string]int64
	DefaultCredits int64
	SpendingLimit  int64
	IPAllowlist    []string
	Quota          *Quota
	RateLimit      *RateLimit
	Tags           map[string]string
	Metadata       map[string]string
	ExpiresAt      *time.Time
}

// MetaPatch carries a sparse set of field updates for updateMeta. A nil
// pointer/slice/map leaves the corresponding Key field untouched; an
// explicit empty slice/map clears it.
type MetaPatch struct {
	Name           *string
	AllowedTools   []string
	DeniedTools    []string
	Pricing        map[string]int64
	DefaultCredits *int64
	SpendingLimit  *int64
	IPAllowlist    []string
	Quota          *Quota
	RateLimit      *RateLimit
	Tags           map[string]string
	Metadata       map[string]string
	ExpiresAt      *time.Time
	Group          *string
	SetAllowedTools  bool
	SetDeniedTools   bool
	SetPricing       bool
	SetIPAllowlist   bool
	SetTags          bool
	SetMetadata      bool
}

// ListFilter narrows the set of keys returned by List.
type ListFilter struct {
	Namespace   string
	Group       string
	Active      *bool
	Suspended   *bool
	Expired     *bool
	NamePrefix  string
	MinCredits  *int64
	MaxCredits  *int64
}

// Pagination controls sort, offset, and page size for List. Limit is
// clamped to [1, 500] (default 50); a negative Offset is treated as 0; a
// non-numeric Limit coming from an HTTP layer should already have been
// defaulted before reaching here.
type Pagination struct {
	Sort   string // "name" | "credits" | "createdAt" (default)
	Desc   bool
	Offset int
	Limit  int
}

// ListResult is returned whenever any filter or pagination parameter is
// present; a filterless, paginationless List returns a flat []Key instead.
type ListResult struct {
	Keys    []Key `json:"keys"`
	Total   int   `json:"total"`
	Offset  int   `json:"offset"`
	Limit   int   `json:"limit"`
	HasMore bool  `json:"hasMore"`
}

// ImportMode controls how Import reconciles records against existing ones.
type ImportMode string

const (
	ImportSkip      ImportMode = "skip"
	ImportOverwrite ImportMode = "overwrite"
	ImportError     ImportMode = "error"
)

// ResolvedPolicy is the result of overlaying a key's own attributes with
// its group's, following the rules in the key/group data model: a
// key-provided non-empty value wins over the group value for
// allow-lists/pricing/credits/spending-limit, while deny-lists and IP
// allowlists union key and group.
type ResolvedPolicy struct {
	AllowedTools   []string
	DeniedTools    []string
	Pricing        map[string]int64
	DefaultCredits int64
	IPAllowlist    []string
	Quota          *Quota
	SpendingLimit  int64
}

const (
	maxACLLen         = 1000
	maxIPAllowlistLen = 200
	maxTagValueLen    = 256
)
