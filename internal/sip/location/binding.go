// Package location manages SIP user location bindings (REGISTER).
package location

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Binding represents a SIP user location binding from REGISTER.
// Contains all information needed to route an incoming INVITE to this user.
type Binding struct {
	// Identity
	AOR       string `json:"aor"`        // Address of Record (e.g., "sip:alice@example.com")
	BindingID string `json:"binding_id"` // Unique ID for this binding (hash of contact)

	// Contact information - where to route requests
	ContactURI string `json:"contact_uri"`

	// NAT traversal - actual source of REGISTER for symmetric routing
	ReceivedIP   string `json:"received_ip"`
	ReceivedPort int    `json:"received_port"`

	Transport string `json:"transport"` // UDP, TCP

	// Instance ID (RFC 5626 GRUU support)
	InstanceID string `json:"instance_id,omitempty"`

	// q-value for contact priority (0.0-1.0)
	QValue float32 `json:"q,omitempty"`

	// Timing
	Expires      int       `json:"expires"` // TTL in seconds
	ExpiresAt    time.Time `json:"expires_at"`
	RegisteredAt time.Time `json:"registered_at"`

	// RFC 3261 validation
	CallID string `json:"call_id"` // Call-ID from REGISTER (for update validation)
	CSeq   uint32 `json:"cseq"`    // CSeq number (must increase for same Call-ID)

	UserAgent string `json:"user_agent,omitempty"`
}

// GenerateBindingID creates a unique binding ID from contact URI and instance
func GenerateBindingID(contactURI, instanceID string) string {
	data := contactURI
	if instanceID != "" {
		data += ";" + instanceID
	}
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}

// IsExpired returns true if the binding has expired
func (b *Binding) IsExpired() bool {
	return time.Now().After(b.ExpiresAt)
}

// TTL returns remaining time until expiration
func (b *Binding) TTL() time.Duration {
	remaining := time.Until(b.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// EffectiveContact returns the best URI to use for routing.
// Uses received IP/port if behind NAT, otherwise Contact URI.
func (b *Binding) EffectiveContact() string {
	if b.ReceivedIP != "" && b.ReceivedPort > 0 {
		return fmt.Sprintf("sip:%s:%d;transport=%s",
			b.ReceivedIP, b.ReceivedPort, b.Transport)
	}
	return b.ContactURI
}

// ValidateCSeq checks if a new CSeq is valid for updating this binding.
// Per RFC 3261, for same Call-ID, CSeq must increase.
func (b *Binding) ValidateCSeq(callID string, cseq uint32) bool {
	if b.CallID != callID {
		return true
	}
	return cseq > b.CSeq
}
