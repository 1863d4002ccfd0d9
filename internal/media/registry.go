package media

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoCommonCodec is returned when an offer shares no codec with the registry.
var ErrNoCommonCodec = errors.New("no common codec")

// OfferedCodec is one audio format extracted from a remote SDP offer.
// Name and ClockRate come from the rtpmap attribute and may be empty
// for static payload types offered without one.
type OfferedCodec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// Registry holds the ordered set of codecs this engine will accept.
// Order is priority: Negotiate walks the registry list, not the offer
// list, so our preferred codec wins regardless of how the remote party
// ordered its formats.
type Registry struct {
	codecs []Codec
}

// NewRegistry creates a registry with the given codecs in priority order.
func NewRegistry(codecs ...Codec) *Registry {
	return &Registry{codecs: codecs}
}

// DefaultRegistry returns a registry built from codec names
// (e.g., "PCMU,PCMA"). Unknown names are skipped with a warning.
// An empty list falls back to PCMU then PCMA.
func DefaultRegistry(names []string) *Registry {
	known := []Codec{CodecPCMU, CodecPCMA, CodecG722, CodecG729}

	var codecs []Codec
	for _, name := range names {
		found := false
		for _, c := range known {
			if strings.EqualFold(c.Name, name) {
				codecs = append(codecs, c)
				found = true
				break
			}
		}
		if !found {
			slog.Warn("[Registry] Unknown codec name, skipping", "name", name)
		}
	}

	if len(codecs) == 0 {
		codecs = []Codec{CodecPCMU, CodecPCMA}
	}
	return &Registry{codecs: codecs}
}

// Codecs returns the registry's codecs in priority order.
func (r *Registry) Codecs() []Codec {
	out := make([]Codec, len(r.codecs))
	copy(out, r.codecs)
	return out
}

// ByPayloadType looks up an enabled codec by payload type.
func (r *Registry) ByPayloadType(pt uint8) (Codec, bool) {
	for _, c := range r.codecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// Negotiate selects the codec for a call from a remote offer.
// The registry's priority order decides ties: the first enabled codec
// present anywhere in the offer is chosen. Static payload types match
// on number alone; dynamic types (>= 96) must match on rtpmap name and
// clock rate.
func (r *Registry) Negotiate(offered []OfferedCodec) (Codec, error) {
	for _, c := range r.codecs {
		for _, o := range offered {
			if matches(c, o) {
				return c, nil
			}
		}
	}
	return Codec{}, fmt.Errorf("%w: offer had %d formats", ErrNoCommonCodec, len(offered))
}

func matches(c Codec, o OfferedCodec) bool {
	if o.PayloadType < 96 {
		if c.PayloadType == o.PayloadType {
			return true
		}
		// Some endpoints rtpmap static types under a different number.
		// Fall through to the name match below.
	}
	if o.Name == "" {
		return false
	}
	return strings.EqualFold(c.Name, o.Name) && (o.ClockRate == 0 || o.ClockRate == c.SampleRate)
}

// FindTelephoneEvent returns the payload type the offer uses for
// RFC 4733 telephone-event, or 0 and false if the offer has none.
func FindTelephoneEvent(offered []OfferedCodec) (uint8, bool) {
	for _, o := range offered {
		if strings.EqualFold(o.Name, "telephone-event") {
			return o.PayloadType, true
		}
	}
	return 0, false
}
