package location

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sonara/pbx/internal/metrics"
	"github.com/sonara/pbx/internal/store"
)

// ErrIntervalTooBrief is returned when the requested expires value is below
// the minimum. The registrar responds 423 Interval Too Brief with Min-Expires.
var ErrIntervalTooBrief = errors.New("interval too brief")

// Store manages user location bindings with TTL support.
// Multiple bindings per AOR are supported (same user, multiple devices).
type Store struct {
	// AOR -> map of BindingID -> Binding
	bindings *store.TTLStore[string, map[string]*Binding]

	// Guards read-modify-write of binding maps.
	mu sync.Mutex

	defaultExpires int // seconds
	maxExpires     int
	minExpires     int
}

// StoreConfig contains location store configuration
type StoreConfig struct {
	CleanupInterval time.Duration
	DefaultExpires  int // seconds (default: 3600)
	MaxExpires      int // seconds (default: 7200)
	MinExpires      int // seconds (default: 60)
}

// DefaultStoreConfig returns sensible defaults
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CleanupInterval: 30 * time.Second,
		DefaultExpires:  3600,
		MaxExpires:      7200,
		MinExpires:      60,
	}
}

// NewStore creates a new location store
func NewStore(cfg StoreConfig) *Store {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	s := &Store{
		bindings:       store.NewTTLStore[string, map[string]*Binding](cfg.CleanupInterval),
		defaultExpires: cfg.DefaultExpires,
		maxExpires:     cfg.MaxExpires,
		minExpires:     cfg.MinExpires,
	}
	s.bindings.SetOnEvict(func(aor string, _ map[string]*Binding) {
		slog.Debug("[Location] Bindings expired", "aor", aor)
		metrics.Registrations.Set(float64(s.Count()))
	})
	return s
}

// Register adds or updates a binding for an AOR.
func (s *Store) Register(binding *Binding) (*Binding, error) {
	if binding.AOR == "" {
		return nil, fmt.Errorf("AOR cannot be empty")
	}
	if binding.ContactURI == "" {
		return nil, fmt.Errorf("ContactURI cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expires := binding.Expires
	if expires <= 0 {
		expires = s.defaultExpires
	}
	if expires < s.minExpires {
		return nil, ErrIntervalTooBrief
	}
	if expires > s.maxExpires {
		expires = s.maxExpires
	}

	if binding.BindingID == "" {
		binding.BindingID = GenerateBindingID(binding.ContactURI, binding.InstanceID)
	}

	now := time.Now()
	binding.Expires = expires
	binding.ExpiresAt = now.Add(time.Duration(expires) * time.Second)
	binding.RegisteredAt = now

	bindingsMap, exists := s.bindings.Get(binding.AOR)
	if !exists {
		bindingsMap = make(map[string]*Binding)
	}

	if existing, ok := bindingsMap[binding.BindingID]; ok {
		if !existing.ValidateCSeq(binding.CallID, binding.CSeq) {
			return nil, fmt.Errorf("invalid CSeq: must be higher than %d for same Call-ID", existing.CSeq)
		}
	}

	bindingsMap[binding.BindingID] = binding

	// The AOR entry lives as long as its longest binding.
	maxTTL := time.Duration(expires) * time.Second
	for _, b := range bindingsMap {
		if ttl := b.TTL(); ttl > maxTTL {
			maxTTL = ttl
		}
	}
	s.bindings.Set(binding.AOR, bindingsMap, maxTTL)
	metrics.Registrations.Set(float64(s.countLocked()))

	slog.Info("[Location] Registered",
		"aor", binding.AOR,
		"contact", binding.ContactURI,
		"expires", expires,
		"transport", binding.Transport,
	)
	return binding, nil
}

// Unregister removes a binding. With isWildcard set, every binding for
// the AOR is removed (Contact: * unregister).
func (s *Store) Unregister(aor string, bindingID string, isWildcard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isWildcard {
		s.bindings.Delete(aor)
		metrics.Registrations.Set(float64(s.countLocked()))
		slog.Info("[Location] Unregistered all bindings", "aor", aor)
		return nil
	}

	bindingsMap, exists := s.bindings.Get(aor)
	if !exists {
		return fmt.Errorf("no bindings found for AOR: %s", aor)
	}
	if _, ok := bindingsMap[bindingID]; !ok {
		return fmt.Errorf("binding not found: %s", bindingID)
	}
	delete(bindingsMap, bindingID)

	if len(bindingsMap) == 0 {
		s.bindings.Delete(aor)
	} else {
		maxTTL := time.Duration(0)
		for _, b := range bindingsMap {
			if ttl := b.TTL(); ttl > maxTTL {
				maxTTL = ttl
			}
		}
		s.bindings.Set(aor, bindingsMap, maxTTL)
	}
	metrics.Registrations.Set(float64(s.countLocked()))

	slog.Info("[Location] Unregistered", "aor", aor, "binding_id", bindingID)
	return nil
}

// Lookup returns all active bindings for an AOR
func (s *Store) Lookup(aor string) []*Binding {
	bindingsMap, exists := s.bindings.Get(aor)
	if !exists {
		return nil
	}
	result := make([]*Binding, 0, len(bindingsMap))
	for _, b := range bindingsMap {
		if !b.IsExpired() {
			result = append(result, b)
		}
	}
	return result
}

// LookupOne returns the highest priority non-expired binding for an AOR
func (s *Store) LookupOne(aor string) *Binding {
	bindings := s.Lookup(aor)
	if len(bindings) == 0 {
		return nil
	}

	var best *Binding
	bestQ := float32(-1)
	for _, b := range bindings {
		q := b.QValue
		if q == 0 {
			q = 1.0 // RFC 3261: default q is 1.0
		}
		if q > bestQ {
			bestQ = q
			best = b
		}
	}
	return best
}

// LookupByUser searches for bindings where the AOR's user part matches the
// given user. This handles the case where we know the extension (e.g. "1001")
// but not the exact domain format used during registration.
func (s *Store) LookupByUser(user string) []*Binding {
	if user == "" {
		return nil
	}
	var result []*Binding
	for aor, bindingsMap := range s.bindings.All() {
		if extractUserFromAOR(aor) != user {
			continue
		}
		for _, b := range bindingsMap {
			if !b.IsExpired() {
				result = append(result, b)
			}
		}
	}
	return result
}

// LookupBestByUser returns the highest-priority active binding for a user
// part, or nil when the user has no registration. Priority follows the
// Contact q-value, defaulting to 1.0 (RFC 3261 Section 10.2.1.2).
func (s *Store) LookupBestByUser(user string) *Binding {
	var best *Binding
	bestQ := float32(-1)
	for _, b := range s.LookupByUser(user) {
		q := b.QValue
		if q <= 0 {
			q = 1.0
		}
		if q > bestQ {
			bestQ = q
			best = b
		}
	}
	return best
}

// Count returns the total number of active bindings
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

func (s *Store) countLocked() int {
	count := 0
	for _, bindingsMap := range s.bindings.All() {
		for _, b := range bindingsMap {
			if !b.IsExpired() {
				count++
			}
		}
	}
	return count
}

// Has returns true if the AOR has any active bindings
func (s *Store) Has(aor string) bool {
	return len(s.Lookup(aor)) > 0
}

// MinExpires returns the minimum allowed expires value in seconds,
// used for the Min-Expires header in 423 responses.
func (s *Store) MinExpires() int {
	return s.minExpires
}

// Close stops the cleanup goroutine
func (s *Store) Close() {
	s.bindings.Close()
}

// extractUserFromAOR extracts the user part from a SIP AOR:
// "sip:1001@domain.com:5060" -> "1001", bare "1001" -> "1001".
func extractUserFromAOR(aor string) string {
	u := aor
	if strings.HasPrefix(u, "sip:") {
		u = u[4:]
	} else if strings.HasPrefix(u, "sips:") {
		u = u[5:]
	}
	if at := strings.Index(u, "@"); at >= 0 {
		return u[:at]
	}
	return u
}
