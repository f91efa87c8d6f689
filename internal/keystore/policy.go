package keystore

// ResolvePolicy overlays a key's own attributes with its group's, if any,
// following the rules in the data model: a key-provided non-empty
// allow-list or pricing map or default-credits/spending-limit wins over
// the group's; deny-lists and IP allowlists union key and group instead of
// overriding, since a group can only add restrictions, never remove a
// key's own.
func (s *Store) ResolvePolicy(k Key) ResolvedPolicy {
	if k.Group == "" {
		return ResolvedPolicy{
			AllowedTools:   k.AllowedTools,
			DeniedTools:    k.DeniedTools,
			Pricing:        k.Pricing,
			DefaultCredits: k.DefaultCredits,
			IPAllowlist:    k.IPAllowlist,
			Quota:          k.Quota,
			SpendingLimit:  k.SpendingLimit,
		}
	}

	g, err := s.GetGroup(k.Group)
	if err != nil {
		// Dangling group reference: treat as key-only policy.
		return ResolvedPolicy{
			AllowedTools:   k.AllowedTools,
			DeniedTools:    k.DeniedTools,
			Pricing:        k.Pricing,
			DefaultCredits: k.DefaultCredits,
			IPAllowlist:    k.IPAllowlist,
			Quota:          k.Quota,
			SpendingLimit:  k.SpendingLimit,
		}
	}

	allowed := k.AllowedTools
	if len(allowed) == 0 {
		allowed = g.AllowedTools
	}

	pricing := mergePricing(g.Pricing, k.Pricing)

	defaultCredits := k.DefaultCredits
	if defaultCredits == 0 {
		defaultCredits = g.DefaultCredits
	}

	quota := k.Quota
	if quota == nil {
		quota = g.Quota
	}

	spendingLimit := k.SpendingLimit
	if spendingLimit == 0 {
		spendingLimit = g.SpendingLimit
	}

	return ResolvedPolicy{
		AllowedTools:   allowed,
		DeniedTools:    unionStrings(k.DeniedTools, g.DeniedTools),
		Pricing:        pricing,
		DefaultCredits: defaultCredits,
		IPAllowlist:    unionStrings(k.IPAllowlist, g.IPAllowlist),
		Quota:          quota,
		SpendingLimit:  spendingLimit,
	}
}

// PriceFor returns the credits charged for tool under policy: a per-tool
// entry wins, falling back to a "*" wildcard entry, falling back to
// policy.DefaultCredits (key if set, else group), falling back to
// defaultPrice. A call whose tool is "*" (a request that is not a tool
// call) charges nothing.
func PriceFor(policy ResolvedPolicy, tool string, defaultPrice int64) int64 {
	if tool == "*" {
		return 0
	}
	if policy.Pricing != nil {
		if price, ok := policy.Pricing[tool]; ok {
			return price
		}
		if price, ok := policy.Pricing["*"]; ok {
			return price
		}
	}
	if policy.DefaultCredits != 0 {
		return policy.DefaultCredits
	}
	return defaultPrice
}

// ToolAllowed evaluates the ACL: a deny entry always wins; an empty
// allow-list means every tool not denied is allowed; a non-empty
// allow-list restricts to exactly those tools (plus a "*" wildcard entry
// meaning all tools).
func ToolAllowed(policy ResolvedPolicy, tool string) bool {
	for _, denied := range policy.DeniedTools {
		if denied == tool || denied == "*" {
			return false
		}
	}
	if len(policy.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range policy.AllowedTools {
		if allowed == tool || allowed == "*" {
			return true
		}
	}
	return false
}

func mergePricing(group, key map[string]int64) map[string]int64 {
	if len(group) == 0 && len(key) == 0 {
		return nil
	}
	out := make(map[string]int64, len(group)+len(key))
	for k, v := range group {
		out[k] = v
	}
	for k, v := range key {
		out[k] = v
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	if len(out) > maxACLLen {
		out = out[:maxACLLen]
	}
	return out
}
