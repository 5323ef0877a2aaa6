package canonical

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/receipts/internal/receiptsrv/db/models"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

var issued = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func e2eReceipt() *models.Receipt {
	return &models.Receipt{
		ReceiptID: "rcpt_e2e",
		Decision:  rcptcommon.DecisionApproved,
		Scope:     "github:merge",
		ScopeRef:  "refs/pull/16/merge",
		ScopeSha:  "abc123",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(3600000 * time.Millisecond),
	}
}

func TestCanonicalizeKnownVector(t *testing.T) {
	b, err := Canonicalize(Payload(e2eReceipt()))
	require.NoError(t, err)
	assert.Equal(t,
		`{"decision":"APPROVED","expiresAt":"2026-01-01T01:00:00.000Z","issuedAt":"2026-01-01T00:00:00.000Z",`+
			`"receiptId":"rcpt_e2e","scope":"github:merge","scopeRef":"refs/pull/16/merge","scopeSha":"abc123"}`,
		string(b))
}

func TestCanonicalizeRejectsInvalidUTF8(t *testing.T) {
	r1 := e2eReceipt()
	r1.ScopeRef = "refs/pull/16/merge\xff"
	r2 := e2eReceipt()
	r2.ScopeRef = "refs/pull/16/merge\xfe"

	_, err := Canonicalize(Payload(r1))
	assert.ErrorIs(t, err, ErrInvalidUTF8)
	assert.ErrorContains(t, err, "scopeRef")
	_, err = ReceiptDigest(r2)
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	r3 := e2eReceipt()
	r3.ScopeRef = "refs/pull/16/merge\uFFFD"
	b, err := Canonicalize(Payload(r3))
	require.NoError(t, err)
	assert.Contains(t, string(b), "merge\uFFFD")
}

func TestCanonicalizeIgnoresNonSignableFields(t *testing.T) {
	r := e2eReceipt()
	d1, err := ReceiptDigest(r)
	require.NoError(t, err)

	redeemed := issued.Add(time.Minute)
	r.RedeemedAt = &redeemed
	r.Signature = "sig"
	r.KeyID = "k1"
	r.SigAlg = rcptcommon.AlgorithmEd25519
	d2, err := ReceiptDigest(r)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestCanonicalizeTimezoneIndependent(t *testing.T) {
	r1 := e2eReceipt()
	r2 := e2eReceipt()
	loc := time.FixedZone("UTC+9", 9*3600)
	r2.IssuedAt = r2.IssuedAt.In(loc)
	r2.ExpiresAt = r2.ExpiresAt.In(loc)

	d1, err := ReceiptDigest(r1)
	require.NoError(t, err)
	d2, err := ReceiptDigest(r2)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestCanonicalizeSensitivity(t *testing.T) {
	base, err := ReceiptDigest(e2eReceipt())
	require.NoError(t, err)

	mutations := map[string]func(r *models.Receipt){
		"decision":  func(r *models.Receipt) { r.Decision = rcptcommon.DecisionDenied },
		"receiptId": func(r *models.Receipt) { r.ReceiptID = "rcpt_e2f" },
		"scope":     func(r *models.Receipt) { r.Scope = "github:deploy" },
		"scopeRef":  func(r *models.Receipt) { r.ScopeRef = "refs/pull/16/head" },
		"scopeSha":  func(r *models.Receipt) { r.ScopeSha = "abc124" },
		"issuedAt":  func(r *models.Receipt) { r.IssuedAt = r.IssuedAt.Add(time.Millisecond) },
		"expiresAt": func(r *models.Receipt) { r.ExpiresAt = r.ExpiresAt.Add(time.Millisecond) },
		"case":      func(r *models.Receipt) { r.ScopeSha = "ABC123" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := e2eReceipt()
			mutate(r)
			d, err := ReceiptDigest(r)
			require.NoError(t, err)
			assert.NotEqual(t, base, d)
		})
	}
}

func TestCanonicalizeJSONKeyOrderAndWhitespace(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`{ "b": 1.50, "a": {"y": [1, 2e0], "x": "é"} }`))
	require.NoError(t, err)
	b, err := CanonicalizeJSON([]byte(`{"a":{"x":"é","y":[1,2]},"b":1.5}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":{"x":"é","y":[1,2]},"b":1.5}`, string(a))

	_, err = CanonicalizeJSON([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestCanonicalizeMatchesIndependentImplementation(t *testing.T) {
	payloads := []SignablePayload{
		Payload(e2eReceipt()),
		{Decision: "APPROVED", ReceiptID: "r<&>", Scope: "esc\"ape\\", ScopeRef: "tab\there", ScopeSha: " "},
		{Decision: "DENIED", ReceiptID: "ünïcödé", Scope: "😀", ScopeRef: "\u0001", ScopeSha: ""},
	}
	for _, p := range payloads {
		raw, err := json.Marshal(p)
		require.NoError(t, err)

		ours, err := Canonicalize(p)
		require.NoError(t, err)
		theirs, err := jcs.Transform(raw)
		require.NoError(t, err)
		assert.Equal(t, string(theirs), string(ours))
	}
}
