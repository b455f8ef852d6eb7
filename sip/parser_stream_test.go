package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRawMessage(lines []string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func testStreamOptions(user string) []byte {
	return testRawMessage([]string{
		"OPTIONS sip:" + user + "@10.5.0.1:5060;transport=tcp SIP/2.0",
		"Via: SIP/2.0/TCP 10.5.0.2:5060;branch=" + GenerateBranch(),
		"From: <sip:tester@10.5.0.2>;tag=stream",
		"To: <sip:" + user + "@10.5.0.1>",
		"Call-ID: stream-" + user,
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	})
}

func TestGetContentLength(t *testing.T) {
	t.Run("canonical", func(t *testing.T) {
		n, err := GetContentLength([]byte("INVITE sip:a@b SIP/2.0\r\nContent-Length: 120\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, 120, n)
	})

	t.Run("case insensitive", func(t *testing.T) {
		n, err := GetContentLength([]byte("INVITE sip:a@b SIP/2.0\r\nCONTENT-length: 7\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	})

	t.Run("compact form with spacing", func(t *testing.T) {
		n, err := GetContentLength([]byte("NOTIFY sip:10.1.1.5:62647;transport=tcp SIP/2.0\r\nl   :       2393\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, 2393, n)
	})

	t.Run("missing means zero", func(t *testing.T) {
		n, err := GetContentLength([]byte("OPTIONS sip:a@b SIP/2.0\r\nMax-Forwards: 70\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("malformed is fatal", func(t *testing.T) {
		_, err := GetContentLength([]byte("OPTIONS sip:a@b SIP/2.0\r\nContent-Length: abc\r\n\r\n"))
		require.ErrorIs(t, err, ErrParseContentLength)
	})
}

func TestStreamCompactContentLength(t *testing.T) {
	body := strings.Repeat("x", 2393)
	raw := testRawMessage([]string{
		"NOTIFY sip:10.1.1.5:62647;transport=tcp SIP/2.0",
		"Via: SIP/2.0/TCP 10.1.1.6:5060;branch=" + GenerateBranch(),
		"From: <sip:watcher@10.1.1.6>;tag=n1",
		"To: <sip:presentity@10.1.1.5>",
		"Call-ID: notify-compact",
		"CSeq: 7 NOTIFY",
		"l   :       2393",
		"",
		body,
	})

	parser := NewParser().NewSIPStream()
	var msgs []Message
	err := parser.ParseSIPStream(raw, func(msg Message) {
		msgs = append(msgs, msg)
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, body, string(msgs[0].Body()))
}

func TestStreamNATKeepAlivePrefix(t *testing.T) {
	raw := append([]byte("    "), testRawMessage([]string{
		"SUBSCRIBE sip:watcher@example.com SIP/2.0",
		"Via: SIP/2.0/TCP 10.0.0.1:5060;branch=" + GenerateBranch(),
		"From: <sip:subscriber@10.0.0.1>;tag=ka",
		"To: <sip:watcher@example.com>",
		"Call-ID: keepalive-1",
		"CSeq: 1 SUBSCRIBE",
		"Content-Length: 0",
		"",
		"",
	})...)

	parser := NewParser().NewSIPStream()
	parser.Write(raw)
	msg, n, err := parser.ParseNext()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 4, parser.Skipped())
	assert.Equal(t, len(raw)-4, n)
}

func TestStreamMultiMessageBuffer(t *testing.T) {
	sub1 := testStreamOptions("0")
	sub2 := testStreamOptions("1")
	resp := testRawMessage([]string{
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/TCP 10.5.0.2:5060;branch=" + GenerateBranch(),
		"From: <sip:reg@10.5.0.2>;tag=r1",
		"To: <sip:reg@10.5.0.1>;tag=r2",
		"Call-ID: register-200",
		"CSeq: 2 REGISTER",
		"Content-Length: 0",
		"",
		"",
	})

	var buf []byte
	buf = append(buf, sub1...)
	buf = append(buf, sub2...)
	buf = append(buf, resp...)

	parser := NewParser().NewSIPStream()
	parser.Write(buf)

	total := 0
	count := 0
	for {
		msg, n, err := parser.ParseNext()
		if err != nil {
			require.ErrorIs(t, err, ErrParseSipPartial)
			break
		}
		require.NotNil(t, msg)
		total += n
		count++
	}

	assert.Equal(t, 3, count)
	// Region lengths sum exactly to the buffer length.
	assert.Equal(t, len(buf), total)
}

func TestStreamIncompleteBody(t *testing.T) {
	body := strings.Repeat("b", 100)
	raw := testRawMessage([]string{
		"MESSAGE sip:bob@10.5.0.1 SIP/2.0",
		"Via: SIP/2.0/TCP 10.5.0.2:5060;branch=" + GenerateBranch(),
		"From: <sip:alice@10.5.0.2>;tag=inc",
		"To: <sip:bob@10.5.0.1>",
		"Call-ID: incomplete-1",
		"CSeq: 1 MESSAGE",
		"Content-Length: 100",
		"",
		body,
	})

	parser := NewParser().NewSIPStream()

	// Missing any byte of the declared body returns incomplete with no bytes consumed.
	parser.Write(raw[:len(raw)-1])
	buffered := parser.Buffer().Len()
	_, _, err := parser.ParseNext()
	require.ErrorIs(t, err, ErrParseSipPartial)
	assert.Equal(t, buffered, parser.Buffer().Len())

	// Delivering the last byte completes the message.
	parser.Write(raw[len(raw)-1:])
	msg, n, err := parser.ParseNext()
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, body, string(msg.Body()))
}

func TestStreamTrickledMessages(t *testing.T) {
	// One message delivered byte-chunked across many writes.
	raw := testStreamOptions("trickle")

	parser := NewParser().NewSIPStream()
	var msgs []Message
	for i := 0; i < len(raw); i += 7 {
		end := i + 7
		if end > len(raw) {
			end = len(raw)
		}
		err := parser.ParseSIPStream(raw[i:end], func(msg Message) {
			msgs = append(msgs, msg)
		})
		if err != nil {
			require.ErrorIs(t, err, ErrParseSipPartial)
		}
	}
	require.Len(t, msgs, 1)
	assert.Equal(t, OPTIONS, msgs[0].(*Request).Method)
}

func TestStreamMessageTooLarge(t *testing.T) {
	parser := NewParser()
	parser.MaxMessageLength = 512
	stream := parser.NewSIPStream()

	stream.Write([]byte("OPTIONS sip:a@b SIP/2.0\r\n" + strings.Repeat("X-Filler: junk\r\n", 100)))
	_, _, err := stream.ParseNext()
	require.ErrorIs(t, err, ErrMessageTooLarge)
}
