package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	rawMsg := []string{
		"INVITE sip:bob@127.0.0.1:5060 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK.VYWrxJJyeEJfngAjKXELr8aPYuX8tR22",
		"From: \"Alice\" <sip:alice@127.0.0.2:5060>;tag=1928301774",
		"To: \"Bob\" <sip:bob@127.0.0.1:5060>",
		"Call-ID: a84b4c76e66710",
		"CSeq: 314159 INVITE",
		"Max-Forwards: 70",
		"Content-Type: application/sdp",
		"Content-Length: 5",
		"",
		"v=0\r\n",
	}

	msg, err := ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)

	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, "sip", req.Recipient.Scheme)
	assert.Equal(t, "bob", req.Recipient.User)
	assert.Equal(t, "127.0.0.1", req.Recipient.Host)
	assert.Equal(t, 5060, req.Recipient.Port)

	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "UDP", via.Transport)
	assert.Equal(t, "127.0.0.2", via.Host)
	assert.Equal(t, 5060, via.Port)
	branch, ok := via.Branch()
	require.True(t, ok)
	assert.Equal(t, "z9hG4bK.VYWrxJJyeEJfngAjKXELr8aPYuX8tR22", branch)

	from := req.From()
	require.NotNil(t, from)
	assert.Equal(t, "Alice", from.DisplayName)
	tag, _ := from.Params.Get("tag")
	assert.Equal(t, "1928301774", tag)

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, uint32(314159), cseq.SeqNo)
	assert.Equal(t, INVITE, cseq.MethodName)

	require.NotNil(t, req.ContentLength())
	assert.Equal(t, ContentLengthHeader(5), *req.ContentLength())
	assert.Equal(t, []byte("v=0\r\n"), req.Body())
}

func TestParseResponse(t *testing.T) {
	rawMsg := []string{
		"SIP/2.0 180 Ringing",
		"Via: SIP/2.0/UDP 127.0.0.20:5060;branch=z9hG4bK-branch-1;received=10.0.0.1;rport=5061",
		"From: <sip:alice@127.0.0.2>;tag=abc",
		"To: <sip:bob@127.0.0.1>;tag=def",
		"Call-ID: callid-1",
		"CSeq: 2 INVITE",
		"Content-Length: 0",
		"",
		"",
	}

	msg, err := ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)

	res, ok := msg.(*Response)
	require.True(t, ok)

	assert.Equal(t, 180, res.StatusCode)
	assert.Equal(t, "Ringing", res.Reason)
	assert.True(t, res.IsProvisional())

	// received and rport select the response destination
	assert.Equal(t, "10.0.0.1:5061", res.Destination())
}

func TestParseRoundTrip(t *testing.T) {
	rawMsg := []string{
		"SUBSCRIBE sip:watcher@example.com SIP/2.0",
		"Via: SIP/2.0/TCP 10.1.1.1:5062;branch=z9hG4bK-xyz;rport",
		"From: <sip:subscriber@example.com>;tag=ffff",
		"To: <sip:watcher@example.com>",
		"Call-ID: roundtrip-1",
		"CSeq: 5 SUBSCRIBE",
		"Event: presence",
		"Max-Forwards: 70",
		"Content-Length: 0",
		"",
		"",
	}

	msg, err := ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)

	// Serialize(Parse(bytes)) must reparse to a structurally equal message.
	out := msg.String()
	msg2, err := ParseMessage([]byte(out))
	require.NoError(t, err)

	req1 := msg.(*Request)
	req2 := msg2.(*Request)
	assert.Equal(t, req1.StartLine(), req2.StartLine())
	assert.Equal(t, req1.CSeq().Value(), req2.CSeq().Value())
	assert.Equal(t, req1.From().Value(), req2.From().Value())
	assert.Equal(t, req1.To().Value(), req2.To().Value())
	assert.Equal(t, req1.CallID().Value(), req2.CallID().Value())
	assert.Equal(t, req1.Via().Value(), req2.Via().Value())
	assert.Equal(t, req1.GetHeader("Event").Value(), req2.GetHeader("Event").Value())
}

func TestParseCompactForm(t *testing.T) {
	rawMsg := []string{
		"MESSAGE sip:bob@127.0.0.1 SIP/2.0",
		"v: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-compact",
		"f: <sip:alice@127.0.0.2>;tag=comp",
		"t: <sip:bob@127.0.0.1>",
		"i: compact-call-1",
		"CSeq: 1 MESSAGE",
		"c: text/plain",
		"l: 5",
		"",
		"hello",
	}

	msg, err := ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)

	req := msg.(*Request)
	require.NotNil(t, req.Via())
	require.NotNil(t, req.From())
	require.NotNil(t, req.To())
	require.NotNil(t, req.CallID())
	require.NotNil(t, req.ContentType())
	require.NotNil(t, req.ContentLength())
	assert.Equal(t, ContentLengthHeader(5), *req.ContentLength())
	assert.Equal(t, "hello", string(req.Body()))
}

func TestParseMultiValueHeaders(t *testing.T) {
	rawMsg := []string{
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/UDP 127.0.0.20:5060;branch=z9hG4bK.first, SIP/2.0/UDP 127.0.0.10:5060;branch=z9hG4bK.second",
		"From: <sip:alice@example.com>;tag=a",
		"To: <sip:bob@example.com>;tag=b",
		"Call-ID: multi-via",
		"CSeq: 1 REGISTER",
		"Contact: <sip:bob@10.0.0.1>, <sip:bob@10.0.0.2>",
		"Content-Length: 0",
		"",
		"",
	}

	msg, err := ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)

	vias := msg.GetHeaders("Via")
	require.Len(t, vias, 2)

	// Top via identifies the branch
	top := msg.Via()
	branch, _ := top.Branch()
	assert.Equal(t, "z9hG4bK.first", branch)

	contacts := msg.GetHeaders("Contact")
	require.Len(t, contacts, 2)
}

func TestParseRAck(t *testing.T) {
	rawMsg := []string{
		"PRACK sip:bob@127.0.0.1 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-prack",
		"From: <sip:alice@127.0.0.2>;tag=pr",
		"To: <sip:bob@127.0.0.1>;tag=pb",
		"Call-ID: prack-1",
		"CSeq: 2 PRACK",
		"RAck: 776656 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}

	msg, err := ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)

	req := msg.(*Request)
	rack := req.RAck()
	require.NotNil(t, rack)
	assert.Equal(t, uint32(776656), rack.RSeqNo)
	assert.Equal(t, uint32(1), rack.CSeqNo)
	assert.Equal(t, INVITE, rack.MethodName)
}

func TestParseSupportedRequire(t *testing.T) {
	rawMsg := []string{
		"INVITE sip:bob@127.0.0.1 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK-sup",
		"From: <sip:alice@127.0.0.2>;tag=s",
		"To: <sip:bob@127.0.0.1>",
		"Call-ID: sup-1",
		"CSeq: 1 INVITE",
		"Supported: replaces, 100rel, timer",
		"Require: 100rel",
		"Content-Length: 0",
		"",
		"",
	}

	msg, err := ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)

	req := msg.(*Request)
	sup := req.Supported()
	require.NotNil(t, sup)
	assert.True(t, sup.Contains("100rel"))
	assert.True(t, sup.Contains("replaces"))
	assert.False(t, sup.Contains("gruu"))

	reqh := req.Require()
	require.NotNil(t, reqh)
	assert.True(t, reqh.Contains("100rel"))
}

func TestParseBadMessage(t *testing.T) {
	t.Run("not sip", func(t *testing.T) {
		_, err := ParseMessage([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		require.Error(t, err)
	})

	t.Run("no CRLF", func(t *testing.T) {
		_, err := ParseMessage([]byte("OPTIONS sip:a@b SIP/2.0\nVia: SIP/2.0/UDP x\n\n"))
		require.Error(t, err)
	})
}

func TestUriParse(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		var uri Uri
		require.NoError(t, ParseUri("sips:alice:pass@example.com:5061;transport=tls;lr?X-H=1", &uri))
		assert.Equal(t, "sips", uri.Scheme)
		assert.True(t, uri.Encrypted)
		assert.Equal(t, "alice", uri.User)
		assert.Equal(t, "pass", uri.Password)
		assert.Equal(t, "example.com", uri.Host)
		assert.Equal(t, 5061, uri.Port)
		tr, _ := uri.UriParams.Get("transport")
		assert.Equal(t, "tls", tr)
		assert.True(t, uri.UriParams.Has("lr"))
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		var uri Uri
		err := ParseUri("http://example.com", &uri)
		require.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("ws", func(t *testing.T) {
		var uri Uri
		require.NoError(t, ParseUri("wss:edge.example.com", &uri))
		assert.Equal(t, "wss", uri.Scheme)
		assert.True(t, uri.Encrypted)
	})
}
