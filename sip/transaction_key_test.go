package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionKeyPure(t *testing.T) {
	branch := "z9hG4bK-abc123"

	// Pure function of its inputs.
	assert.Equal(t, TransactionKey(branch, OPTIONS), TransactionKey(branch, OPTIONS))

	// Collision-free across the SIP method set for the same branch.
	methods := []RequestMethod{
		INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, SUBSCRIBE,
		NOTIFY, REFER, INFO, MESSAGE, PRACK, UPDATE, PUBLISH,
	}
	seen := make(map[string]RequestMethod)
	for _, m := range methods {
		key := TransactionKey(branch, m)
		prev, dup := seen[key]
		require.False(t, dup, "key collision between %s and %s", prev, m)
		seen[key] = m
	}

	// Different branch, different key.
	assert.NotEqual(t, TransactionKey("z9hG4bK-A", INVITE), TransactionKey("z9hG4bK-B", INVITE))
}

func TestTransactionKeyFromMessage(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")

	key, err := ServerTxKey(req)
	require.NoError(t, err)

	branch, _ := req.Via().Branch()
	assert.Equal(t, TransactionKey(branch, OPTIONS), key)

	// Response with same top Via branch and CSeq matches the same transaction.
	res := NewResponseFromRequest(req, StatusOK, "OK", nil)
	resKey, err := ClientTxKey(res)
	require.NoError(t, err)
	assert.Equal(t, key, resKey)
}

func TestTransactionKeyAckMapsToInvite(t *testing.T) {
	invite, _, _ := testCreateInvite(t, "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	res := NewResponseFromRequest(invite, StatusNotFound, "Not Found", nil)
	ack := newAckRequestNon2xx(invite, res, nil)

	inviteKey, err := ServerTxKey(invite)
	require.NoError(t, err)
	ackKey, err := ServerTxKey(ack)
	require.NoError(t, err)

	// ACK for non-2xx matches the INVITE transaction.
	assert.Equal(t, inviteKey, ackKey)
}

func TestTransactionKeyCancelDistinct(t *testing.T) {
	invite, _, _ := testCreateInvite(t, "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	cancel := NewCancelRequest(invite)

	inviteKey, err := ServerTxKey(invite)
	require.NoError(t, err)
	cancelKey, err := ServerTxKey(cancel)
	require.NoError(t, err)

	// CANCEL shares the branch but the method disambiguates.
	assert.NotEqual(t, inviteKey, cancelKey)

	// The CANCEL still locates its INVITE with method override.
	matchKey, err := makeTxKey(cancel, INVITE)
	require.NoError(t, err)
	assert.Equal(t, inviteKey, matchKey)
}

func TestTransactionKeyRequiresBranch(t *testing.T) {
	req := testCreateMessage(t, []string{
		"OPTIONS sip:b@127.0.0.1 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=oldstylebranch",
		"From: <sip:a@127.0.0.2>;tag=x",
		"To: <sip:b@127.0.0.1>",
		"Call-ID: nokey-1",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)

	_, err := ServerTxKey(req)
	require.Error(t, err)
}
