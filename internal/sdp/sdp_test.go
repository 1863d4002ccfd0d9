package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonara/pbx/internal/media"
)

const sampleOffer = "v=0\r\n" +
	"o=client 123 456 IN IP4 192.168.1.50\r\n" +
	"s=call\r\n" +
	"c=IN IP4 192.168.1.50\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 8 0 101\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-15\r\n" +
	"a=sendrecv\r\n"

func TestParseOffer(t *testing.T) {
	sess, err := Parse([]byte(sampleOffer))
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.50", sess.Addr)
	assert.Equal(t, 4000, sess.Port)
	assert.Equal(t, SendRecv, sess.Direction)

	require.Len(t, sess.Codecs, 2)
	assert.Equal(t, "PCMA", sess.Codecs[0].Name)
	assert.Equal(t, uint8(8), sess.Codecs[0].PayloadType)
	assert.Equal(t, uint32(8000), sess.Codecs[0].ClockRate)

	require.True(t, sess.HasEvent)
	assert.Equal(t, uint8(101), sess.EventPT)
}

func TestParseMediaLevelConnection(t *testing.T) {
	offer := "v=0\r\n" +
		"o=client 1 1 IN IP4 10.0.0.1\r\n" +
		"s=call\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 0\r\n" +
		"c=IN IP4 10.0.0.2\r\n" +
		"a=sendonly\r\n"

	sess, err := Parse([]byte(offer))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", sess.Addr, "media-level c= must override session-level")
	assert.Equal(t, SendOnly, sess.Direction)
}

func TestParseStaticFormatsWithoutRtpmap(t *testing.T) {
	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 6000 RTP/AVP 0 8\r\n"

	sess, err := Parse([]byte(offer))
	require.NoError(t, err)
	require.Len(t, sess.Codecs, 2)
	assert.Equal(t, uint8(0), sess.Codecs[0].PayloadType)
	assert.Empty(t, sess.Codecs[0].Name)
	assert.False(t, sess.HasEvent)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse([]byte("not an sdp body"))
	assert.Error(t, err)
}

func TestParseRejectsNoAudio(t *testing.T) {
	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=video 6000 RTP/AVP 96\r\n" +
		"a=rtpmap:96 VP8/90000\r\n"

	_, err := Parse([]byte(offer))
	assert.Error(t, err)
}

func TestBuildAnswer(t *testing.T) {
	body, err := Build("203.0.113.5", 10002, media.CodecPCMU, 101, SendRecv)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "c=IN IP4 203.0.113.5")
	assert.Contains(t, s, "m=audio 10002 RTP/AVP 0 101")
	assert.Contains(t, s, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, s, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, s, "a=fmtp:101 0-15")
	assert.Contains(t, s, "a=ptime:20")
	assert.Contains(t, s, "a=sendrecv")

	// The builder is pure: same inputs, same body.
	again, err := Build("203.0.113.5", 10002, media.CodecPCMU, 101, SendRecv)
	require.NoError(t, err)
	assert.Equal(t, body, again)
}

func TestBuildWithoutTelephoneEvent(t *testing.T) {
	body, err := Build("203.0.113.5", 10002, media.CodecPCMA, 0, SendOnly)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "m=audio 10002 RTP/AVP 8")
	assert.NotContains(t, s, "telephone-event")
	assert.Contains(t, s, "a=sendonly")
}

func TestBuildOfferListsRegistryCodecs(t *testing.T) {
	reg := media.NewRegistry(media.CodecPCMU, media.CodecPCMA)
	body, err := BuildOffer("203.0.113.5", 10004, reg)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "m=audio 10004 RTP/AVP 0 8 101")
	assert.Contains(t, s, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, s, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, s, "a=rtpmap:101 telephone-event/8000")
}

func TestParseBuildInterop(t *testing.T) {
	body, err := Build("198.51.100.9", 12000, media.CodecPCMA, 101, SendRecv)
	require.NoError(t, err)

	sess, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", sess.Addr)
	assert.Equal(t, 12000, sess.Port)
	require.Len(t, sess.Codecs, 1)
	assert.True(t, strings.EqualFold("PCMA", sess.Codecs[0].Name))
	assert.True(t, sess.HasEvent)
}
