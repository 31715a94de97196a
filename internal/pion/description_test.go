package pion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptionString(t *testing.T) {
	d := description{
		Ufrag:           "abcd",
		Pwd:             "0123456789abcdefghijkl",
		Candidates:      []string{"1 1 udp 2130706431 192.168.1.2 50000 typ host"},
		EndOfCandidates: true,
	}
	want := "a=ice-ufrag:abcd\r\n" +
		"a=ice-pwd:0123456789abcdefghijkl\r\n" +
		"a=ice-options:trickle\r\n" +
		"a=candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host\r\n" +
		"a=end-of-candidates\r\n"
	assert.Equal(t, want, d.String())

	parsed, err := parseDescription(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseDescriptionFullSDP(t *testing.T) {
	s := "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
		"a=ice-ufrag:EsAw\r\n" +
		"a=ice-pwd:P2uYro0UCOQ4zxjKXaWCBui1\r\n" +
		"a=candidate:1 1 UDP 2122317823 10.0.0.1 5000 typ host\r\n"

	d, err := parseDescription(s)
	require.NoError(t, err)
	assert.Equal(t, "EsAw", d.Ufrag)
	assert.Equal(t, "P2uYro0UCOQ4zxjKXaWCBui1", d.Pwd)
	assert.Equal(t, []string{"1 1 UDP 2122317823 10.0.0.1 5000 typ host"}, d.Candidates)
	assert.False(t, d.EndOfCandidates)
}

func TestDescriptionTiebreaker(t *testing.T) {
	d := description{Ufrag: "abcd", Pwd: "0123456789abcdefghijkl", Tiebreaker: 18446744073709551615}
	s := d.String()
	assert.Contains(t, s, "a=x-ice-tiebreaker:18446744073709551615\r\n")

	parsed, err := parseDescription(s)
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), parsed.Tiebreaker)

	d.Tiebreaker = 0
	assert.NotContains(t, d.String(), "x-ice-tiebreaker")

	parsed, err = parseDescription("a=ice-ufrag:abcd\r\na=ice-pwd:efgh\r\na=x-ice-tiebreaker:bogus\r\n")
	require.NoError(t, err)
	assert.Zero(t, parsed.Tiebreaker)
}

func TestParseDescriptionMissingCredentials(t *testing.T) {
	_, err := parseDescription("a=ice-ufrag:abcd\r\n")
	assert.ErrorIs(t, err, errMissingCredentials)

	_, err = parseDescription("")
	assert.ErrorIs(t, err, errMissingCredentials)
}

func TestParseAttribute(t *testing.T) {
	attr, ok := parseAttribute("a=candidate:1 1 UDP 1 10.0.0.1 5000 typ host")
	require.True(t, ok)
	assert.True(t, attr.IsICECandidate())
	assert.Equal(t, "1 1 UDP 1 10.0.0.1 5000 typ host", attr.Value)

	attr, ok = parseAttribute("candidate:1 1 UDP 1 10.0.0.1 5000 typ host")
	require.True(t, ok)
	assert.True(t, attr.IsICECandidate())

	attr, ok = parseAttribute("a=end-of-candidates")
	require.True(t, ok)
	assert.Equal(t, "end-of-candidates", attr.Key)

	_, ok = parseAttribute("m=audio 9 UDP/TLS/RTP/SAVPF 111")
	assert.False(t, ok)

	_, ok = parseAttribute("   ")
	assert.False(t, ok)
}

func TestCandidateLine(t *testing.T) {
	assert.Equal(t, "a=candidate:1 1 udp 1 10.0.0.1 5000 typ host", candidateLine("1 1 udp 1 10.0.0.1 5000 typ host"))
}
