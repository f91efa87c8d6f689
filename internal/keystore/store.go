package keystore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound      = fmt.Errorf("keystore: not found")
	ErrDuplicateName = fmt.Errorf("keystore: duplicate name")
	ErrDuplicateAlias = fmt.Errorf("keystore: duplicate alias")
	ErrGroupNotFound = fmt.Errorf("keystore: group not found")
	ErrMaxKeysReached = fmt.Errorf("keystore: max key count reached")
)

// CreditSource is the narrow interface the Gate depends on for balance
// mutations, rather than the full Store.
type CreditSource interface {
	Debit(id string, amount int64) (Key, error)
	Refund(id string, amount int64) (Key, error)
}

// Store is the in-memory, optionally file-backed, keeper of every Key and
// Group record. It is safe for concurrent use: a coarse RWMutex guards the
// maps themselves, while a per-key lock (acquired via LockKey below)
// gives the Gate the atomicity it needs across the read-modify-write of a
// single key's balance without serializing unrelated keys behind it.
type Store struct {
	mu sync.RWMutex

	keys    map[string]*Key
	aliases map[string]string // alias -> key id
	groups  map[string]*Group

	keyLocks sync.Map // key id -> *sync.Mutex, lazily created

	maxKeys int // 0 means unbounded

	persist *persister
}

// SetMaxKeys bounds the number of key records CreateKey/ImportKey will
// accept; 0 (the default) leaves the store unbounded. Unlike the rate
// limiter and session manager, a key store at capacity fails the write
// rather than evicting an existing key out from under its owner.
func (s *Store) SetMaxKeys(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxKeys = n
}

// New creates an empty, unpersisted Store. Call Open to attach file-backed
// persistence, or use this directly in tests.
func New() *Store {
	return &Store{
		keys:    make(map[string]*Key),
		aliases: make(map[string]string),
		groups:  make(map[string]*Group),
	}
}

// keyMutex returns the per-key lock for id, creating it on first use.
func (s *Store) keyMutex(id string) *sync.Mutex {
	v, _ := s.keyLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// LockKey resolves identifierOrAlias to a key id and acquires that key's
// dedicated mutex, returning the resolved id and an unlock function. Hold
// this across a multi-step critical section that spans Store, the rate
// limiter, and the quota meter (the Gate's evaluate/refund) so that two
// concurrent operations on the same key serialize end to end, while
// operations on different keys never contend with each other.
//
// Store's own single-call methods (Debit, Refund, UpdateMeta, ...) do NOT
// take this lock themselves — they only guard their own map mutation with
// the store-wide mu. A caller already holding LockKey's mutex can freely
// call them without deadlocking.
func (s *Store) LockKey(identifierOrAlias string) (id string, unlock func()) {
	s.mu.RLock()
	id = s.resolveID(identifierOrAlias)
	s.mu.RUnlock()

	mu := s.keyMutex(id)
	mu.Lock()
	return id, mu.Unlock
}

// resolveID follows an alias to its key id, or returns id unchanged if it
// is not an alias.
func (s *Store) resolveID(identifierOrAlias string) string {
	if target, ok := s.aliases[identifierOrAlias]; ok {
		return target
	}
	return identifierOrAlias
}

// GetKey returns a copy of the key identified by id or one of its aliases.
func (s *Store) GetKey(identifierOrAlias string) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := s.resolveID(identifierOrAlias)
	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	return *k, nil
}

// CreateKey inserts a new key with the given name and initial balance, plus
// any optional attributes, and returns the stored copy.
func (s *Store) CreateKey(name string, initialCredits int64, opts CreateOptions) (Key, error) {
	id, err := generateKeyID()
	if err != nil {
		return Key{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxKeys > 0 && len(s.keys) >= s.maxKeys {
		return Key{}, ErrMaxKeysReached
	}

	for _, existing := range s.keys {
		if existing.Name == name {
			return Key{}, ErrDuplicateName
		}
	}

	if opts.Group != "" {
		if _, ok := s.groups[opts.Group]; !ok {
			return Key{}, ErrGroupNotFound
		}
	}

	k := &Key{
		ID:            id,
		Name:          name,
		Namespace:     opts.Namespace,
		Group:         opts.Group,
		Balance:       initialCredits,
		Active:        true,
		AllowedTools:   clampACL(opts.AllowedTools),
		DeniedTools:    clampACL(opts.DeniedTools),
		Pricing:        opts.Pricing,
		DefaultCredits: opts.DefaultCredits,
		SpendingLimit:  opts.SpendingLimit,
		IPAllowlist:   clampIPAllowlist(opts.IPAllowlist),
		Quota:         opts.Quota,
		RateLimit:     opts.RateLimit,
		Tags:          clampTagValues(opts.Tags),
		Metadata:      clampTagValues(opts.Metadata),
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	}

	s.keys[id] = k
	s.markDirtyLocked()
	return *k, nil
}

// ImportKey inserts a key with a caller-supplied id, used to restore
// records from an export or a foreign system. It fails if id already
// exists.
func (s *Store) ImportKey(id, name string, credits int64, attrs CreateOptions) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxKeys > 0 && len(s.keys) >= s.maxKeys {
		return Key{}, ErrMaxKeysReached
	}
	if _, exists := s.keys[id]; exists {
		return Key{}, ErrDuplicateName
	}

	k := &Key{
		ID:            id,
		Name:          name,
		Namespace:     attrs.Namespace,
		Group:         attrs.Group,
		Balance:       credits,
		Active:        true,
		AllowedTools:   clampACL(attrs.AllowedTools),
		DeniedTools:    clampACL(attrs.DeniedTools),
		Pricing:        attrs.Pricing,
		DefaultCredits: attrs.DefaultCredits,
		SpendingLimit:  attrs.SpendingLimit,
		IPAllowlist:   clampIPAllowlist(attrs.IPAllowlist),
		Quota:         attrs.Quota,
		RateLimit:     attrs.RateLimit,
		Tags:          clampTagValues(attrs.Tags),
		Metadata:      clampTagValues(attrs.Metadata),
		ExpiresAt:     attrs.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	}
	s.keys[id] = k
	s.markDirtyLocked()
	return *k, nil
}

// Debit subtracts amount from the key's balance and bumps spend/call
// counters. It never drives balance negative; the caller (the Gate) is
// expected to have already checked sufficiency under the same per-key lock.
func (s *Store) Debit(id string, amount int64) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	if k.Balance < amount {
		return Key{}, fmt.Errorf("keystore: insufficient balance")
	}
	k.Balance -= amount
	k.Spent += amount
	k.CallCount++
	now := time.Now().UTC()
	k.LastUsedAt = &now
	s.markDirtyLocked()
	return *k, nil
}

// Refund adds amount back to the key's balance and decrements spend. Call
// count is never decremented by a refund.
func (s *Store) Refund(id string, amount int64) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	k.Balance += amount
	k.Spent -= amount
	if k.Spent < 0 {
		k.Spent = 0
	}
	s.markDirtyLocked()
	return *k, nil
}

// Topup adds credits to a key's balance without affecting spend or call
// counters.
func (s *Store) Topup(id string, amount int64) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	k.Balance += amount
	s.markDirtyLocked()
	return *k, nil
}

// UpdateMeta applies a sparse patch to a key's non-balance attributes.
func (s *Store) UpdateMeta(id string, patch MetaPatch) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}

	if patch.Name != nil {
		k.Name = *patch.Name
	}
	if patch.SetAllowedTools {
		k.AllowedTools = clampACL(patch.AllowedTools)
	}
	if patch.SetDeniedTools {
		k.DeniedTools = clampACL(patch.DeniedTools)
	}
	if patch.SetPricing {
		k.Pricing = patch.Pricing
	}
	if patch.DefaultCredits != nil {
		k.DefaultCredits = *patch.DefaultCredits
	}
	if patch.SpendingLimit != nil {
		k.SpendingLimit = *patch.SpendingLimit
	}
	if patch.SetIPAllowlist {
		k.IPAllowlist = clampIPAllowlist(patch.IPAllowlist)
	}
	if patch.Quota != nil {
		k.Quota = patch.Quota
	}
	if patch.RateLimit != nil {
		k.RateLimit = patch.RateLimit
	}
	if patch.SetTags {
		k.Tags = clampTagValues(patch.Tags)
	}
	if patch.SetMetadata {
		k.Metadata = clampTagValues(patch.Metadata)
	}
	if patch.ExpiresAt != nil {
		k.ExpiresAt = patch.ExpiresAt
	}
	if patch.Group != nil {
		if *patch.Group != "" {
			if _, ok := s.groups[*patch.Group]; !ok {
				return Key{}, ErrGroupNotFound
			}
		}
		k.Group = *patch.Group
	}

	s.markDirtyLocked()
	return *k, nil
}

// Suspend marks an active key as suspended. A no-op on an already revoked
// key.
func (s *Store) Suspend(id string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	if k.Revoked {
		return *k, nil
	}
	k.Suspended = true
	s.markDirtyLocked()
	return *k, nil
}

// Resume clears suspension on a key. A no-op on a revoked key.
func (s *Store) Resume(id string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	if k.Revoked {
		return *k, nil
	}
	k.Suspended = false
	s.markDirtyLocked()
	return *k, nil
}

// Revoke terminally disables a key. Revoked keys never re-activate.
func (s *Store) Revoke(id string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	k.Revoked = true
	k.Active = false
	s.markDirtyLocked()
	return *k, nil
}

// Delete permanently removes a key record and any aliases pointing to it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	for _, alias := range k.Aliases {
		delete(s.aliases, alias)
	}
	delete(s.keys, id)
	s.keyLocks.Delete(id)
	s.markDirtyLocked()
	return nil
}

// RegisterAlias binds a globally unique alias name to an existing key.
func (s *Store) RegisterAlias(id, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.keys[alias]; exists {
		return ErrDuplicateAlias
	}
	if _, exists := s.aliases[alias]; exists {
		return ErrDuplicateAlias
	}

	s.aliases[alias] = id
	k.Aliases = append(k.Aliases, alias)
	s.markDirtyLocked()
	return nil
}

// RemoveAlias unbinds a previously registered alias.
func (s *Store) RemoveAlias(id, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	if target, exists := s.aliases[alias]; !exists || target != id {
		return ErrNotFound
	}

	delete(s.aliases, alias)
	for i, a := range k.Aliases {
		if a == alias {
			k.Aliases = append(k.Aliases[:i], k.Aliases[i+1:]...)
			break
		}
	}
	s.markDirtyLocked()
	return nil
}

// List returns a flat slice of every key matching filter with no
// pagination applied, unless filter or pagination carries any non-zero
// field, in which case List returns a *ListResult with total/offset/
// limit/hasMore populated instead.
func (s *Store) List(filter ListFilter, page Pagination) ([]Key, *ListResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	matched := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		if matchesFilter(k, filter, now) {
			matched = append(matched, *k)
		}
	}

	if !hasAnyFilter(filter) && !hasAnyPagination(page) {
		sortKeys(matched, "createdAt", true)
		return matched, nil
	}

	sortField := page.Sort
	if sortField == "" {
		sortField = "createdAt"
	}
	sortKeys(matched, sortField, page.Desc || sortField == "createdAt" && page.Sort == "")

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	total := len(matched)
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}

	page_ := matched[offset:end]
	return nil, &ListResult{
		Keys:    page_,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: end < total,
	}
}

func hasAnyFilter(f ListFilter) bool {
	return f.Namespace != "" || f.Group != "" || f.Active != nil || f.Suspended != nil ||
		f.Expired != nil || f.NamePrefix != "" || f.MinCredits != nil || f.MaxCredits != nil
}

func hasAnyPagination(p Pagination) bool {
	return p.Sort != "" || p.Desc || p.Offset != 0 || p.Limit != 0
}

func matchesFilter(k *Key, f ListFilter, now time.Time) bool {
	if f.Namespace != "" && k.Namespace != f.Namespace {
		return false
	}
	if f.Group != "" && k.Group != f.Group {
		return false
	}
	state := k.Resolve(now)
	if f.Active != nil && (*f.Active) != (state == StateActive) {
		return false
	}
	if f.Suspended != nil && (*f.Suspended) != (state == StateSuspended) {
		return false
	}
	if f.Expired != nil && (*f.Expired) != (state == StateExpired) {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(k.Name), strings.ToLower(f.NamePrefix)) {
		return false
	}
	if f.MinCredits != nil && k.Balance < *f.MinCredits {
		return false
	}
	if f.MaxCredits != nil && k.Balance > *f.MaxCredits {
		return false
	}
	return true
}

func sortKeys(keys []Key, field string, desc bool) {
	less := func(i, j int) bool {
		switch field {
		case "name":
			return keys[i].Name < keys[j].Name
		case "credits":
			return keys[i].Balance < keys[j].Balance
		default:
			return keys[i].CreatedAt.Before(keys[j].CreatedAt)
		}
	}
	if desc {
		sort.Slice(keys, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.Slice(keys, func(i, j int) bool { return less(i, j) })
}

// Export returns a snapshot of every key record, for backup or migration.
func (s *Store) Export() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *k)
	}
	sortKeys(out, "createdAt", false)
	return out
}

// Import reconciles a batch of key records against the current store
// according to mode: skip leaves existing records untouched, overwrite
// replaces them, error aborts the whole batch on first collision.
func (s *Store) Import(records []Key, mode ImportMode) (imported int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == ImportError {
		for _, r := range records {
			if _, exists := s.keys[r.ID]; exists {
				return 0, fmt.Errorf("keystore: import conflict on key %s", r.ID)
			}
		}
	}

	for _, r := range records {
		_, exists := s.keys[r.ID]
		if exists && mode == ImportSkip {
			continue
		}
		rec := r
		s.keys[rec.ID] = &rec
		for _, alias := range rec.Aliases {
			s.aliases[alias] = rec.ID
		}
		imported++
	}
	s.markDirtyLocked()
	return imported, nil
}

// CreateGroup inserts a new named policy bundle.
func (s *Store) CreateGroup(g Group) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[g.Name]; exists {
		return Group{}, ErrDuplicateName
	}
	g.AllowedTools = clampACL(g.AllowedTools)
	g.DeniedTools = clampACL(g.DeniedTools)
	g.IPAllowlist = clampIPAllowlist(g.IPAllowlist)
	g.CreatedAt = time.Now().UTC()
	s.groups[g.Name] = &g
	s.markDirtyLocked()
	return g, nil
}

// GetGroup returns a copy of the named group.
func (s *Store) GetGroup(name string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[name]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return *g, nil
}

// UpdateGroup overwrites a group's policy fields.
func (s *Store) UpdateGroup(name string, g Group) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[name]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	g.Name = name
	g.CreatedAt = existing.CreatedAt
	g.AllowedTools = clampACL(g.AllowedTools)
	g.DeniedTools = clampACL(g.DeniedTools)
	g.IPAllowlist = clampIPAllowlist(g.IPAllowlist)
	s.groups[name] = &g
	s.markDirtyLocked()
	return g, nil
}

// DeleteGroup removes a group. Keys still referencing it keep their
// Group field as a dangling name; policy resolution then falls back to
// key-only attributes.
func (s *Store) DeleteGroup(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; !ok {
		return ErrGroupNotFound
	}
	delete(s.groups, name)
	s.markDirtyLocked()
	return nil
}

// ListGroups returns every group.
func (s *Store) ListGroups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func clampACL(in []string) []string {
	if len(in) > maxACLLen {
		return in[:maxACLLen]
	}
	return in
}

func clampIPAllowlist(in []string) []string {
	if len(in) > maxIPAllowlistLen {
		return in[:maxIPAllowlistLen]
	}
	return in
}

func clampTagValues(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if len(v) > maxTagValueLen {
			v = v[:maxTagValueLen]
		}
		out[k] = v
	}
	return out
}
