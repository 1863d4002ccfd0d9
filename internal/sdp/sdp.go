package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sonara/pbx/internal/media"
)

// Direction is the media direction attribute of an audio section.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Session is the audio description extracted from a remote SDP body.
type Session struct {
	Addr      string // connection address the remote wants media at
	Port      int    // remote audio port
	Codecs    []media.OfferedCodec
	EventPT   uint8 // telephone-event payload type, 0 if not offered
	HasEvent  bool
	Direction Direction
}

// Parse extracts the audio media description from an SDP body.
// Returns an error for bodies with no usable audio section; callers
// map that to a 4xx rejection.
func Parse(body []byte) (*Session, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("unmarshal SDP: %w", err)
	}

	sess := &Session{Direction: SendRecv}

	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		sess.Addr = desc.ConnectionInformation.Address.Address
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		sess.Port = md.MediaName.Port.Value

		// Media-level connection overrides session-level.
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			sess.Addr = md.ConnectionInformation.Address.Address
		}

		rtpmaps := map[uint8]media.OfferedCodec{}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "rtpmap":
				if oc, ok := parseRtpmap(attr.Value); ok {
					rtpmaps[oc.PayloadType] = oc
				}
			case string(SendRecv), string(SendOnly), string(RecvOnly), string(Inactive):
				sess.Direction = Direction(attr.Key)
			}
		}

		for _, format := range md.MediaName.Formats {
			pt, err := strconv.Atoi(format)
			if err != nil || pt < 0 || pt > 127 {
				continue
			}
			oc := media.OfferedCodec{PayloadType: uint8(pt)}
			if mapped, ok := rtpmaps[uint8(pt)]; ok {
				oc = mapped
			}
			if strings.EqualFold(oc.Name, "telephone-event") {
				sess.EventPT = oc.PayloadType
				sess.HasEvent = true
				continue
			}
			sess.Codecs = append(sess.Codecs, oc)
		}

		if sess.Addr == "" {
			return nil, fmt.Errorf("audio section has no connection address")
		}
		if sess.Port == 0 {
			return nil, fmt.Errorf("audio section has port 0")
		}
		return sess, nil
	}

	return nil, fmt.Errorf("no audio media description")
}

// parseRtpmap parses an rtpmap value like "0 PCMU/8000" or
// "96 opus/48000/2".
func parseRtpmap(value string) (media.OfferedCodec, bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return media.OfferedCodec{}, false
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil || pt < 0 || pt > 127 {
		return media.OfferedCodec{}, false
	}
	parts := strings.Split(fields[1], "/")
	oc := media.OfferedCodec{PayloadType: uint8(pt), Name: parts[0]}
	if len(parts) > 1 {
		if rate, err := strconv.Atoi(parts[1]); err == nil {
			oc.ClockRate = uint32(rate)
		}
	}
	return oc, true
}

// Build creates an SDP body advertising one codec at the given
// address and port. It is a pure function of its arguments: the same
// inputs always produce the same body.
// eventPT of 0 omits the telephone-event line.
func Build(addr string, port int, codec media.Codec, eventPT uint8, direction Direction) ([]byte, error) {
	formats := []string{strconv.Itoa(int(codec.PayloadType))}
	attrs := []sdp.Attribute{{
		Key:   "rtpmap",
		Value: fmt.Sprintf("%d %s/%d", codec.PayloadType, codec.Name, codec.SampleRate),
	}}

	if eventPT != 0 {
		formats = append(formats, strconv.Itoa(int(eventPT)))
		attrs = append(attrs,
			sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%d telephone-event/8000", eventPT),
			},
			sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d 0-15", eventPT),
			},
		)
	}

	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: string(direction)},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "pbx",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "Sonara Media Session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: addr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{StartTime: 0, StopTime: 0},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	return desc.Marshal()
}

// BuildOffer creates an offer listing every registry codec plus the
// default telephone-event payload type, used when this engine
// originates a call.
func BuildOffer(addr string, port int, registry *media.Registry) ([]byte, error) {
	codecs := registry.Codecs()

	formats := make([]string, 0, len(codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(codecs)+3)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		attrs = append(attrs, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate),
		})
	}
	formats = append(formats, strconv.Itoa(int(media.DTMFPayloadType)))
	attrs = append(attrs,
		sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d telephone-event/8000", media.DTMFPayloadType),
		},
		sdp.Attribute{
			Key:   "fmtp",
			Value: fmt.Sprintf("%d 0-15", media.DTMFPayloadType),
		},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: string(SendRecv)},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "pbx",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "Sonara Media Session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: addr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{StartTime: 0, StopTime: 0},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	return desc.Marshal()
}
