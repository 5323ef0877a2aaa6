package canonical

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genPayload() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("APPROVED", "DENIED", "REQUIRES_APPROVAL"),
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	).Map(func(v []interface{}) SignablePayload {
		return SignablePayload{
			Decision:  v[0].(string),
			IssuedAt:  "2026-01-01T00:00:00.000Z",
			ExpiresAt: "2026-01-01T01:00:00.000Z",
			ReceiptID: v[1].(string),
			Scope:     v[2].(string),
			ScopeRef:  v[3].(string),
			ScopeSha:  v[4].(string),
		}
	})
}

func TestCanonicalizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalization is deterministic", prop.ForAll(
		func(p SignablePayload) bool {
			a, errA := Canonicalize(p)
			b, errB := Canonicalize(p)
			return errA == nil && errB == nil && bytes.Equal(a, b)
		},
		genPayload(),
	))

	properties.Property("canonical output is a fixed point", prop.ForAll(
		func(p SignablePayload) bool {
			a, err := Canonicalize(p)
			if err != nil {
				return false
			}
			b, err := CanonicalizeJSON(a)
			return err == nil && bytes.Equal(a, b)
		},
		genPayload(),
	))

	properties.Property("distinct payloads have distinct digests", prop.ForAll(
		func(p, q SignablePayload) bool {
			if p == q {
				return true
			}
			dp, errP := Digest(p)
			dq, errQ := Digest(q)
			return errP == nil && errQ == nil && dp != dq
		},
		genPayload(),
		genPayload(),
	))

	properties.TestingRun(t)
}
