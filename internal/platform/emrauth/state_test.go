package emrauth

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

const testStateKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func sampleState(t *testing.T) RequestState {
	t.Helper()
	p, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	return RequestState{
		UserID:       "user-7",
		System:       "modmed",
		TimestampMs:  time.Now().UnixMilli(),
		Nonce:        "nonce-1",
		CodeVerifier: p.Verifier,
	}
}

func TestStateCodec_RoundTrip(t *testing.T) {
	sealed, err := NewSealedStateCodec(testStateKey)
	if err != nil {
		t.Fatalf("NewSealedStateCodec: %v", err)
	}
	for name, codec := range map[string]*StateCodec{"plain": NewStateCodec(), "sealed": sealed} {
		t.Run(name, func(t *testing.T) {
			in := sampleState(t)
			enc, err := codec.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if strings.ContainsAny(enc, "+/=") {
				t.Errorf("encoded state is not unpadded base64url: %s", enc)
			}
			out, err := codec.Decode(enc)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if out != in {
				t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
			}
		})
	}
}

func TestStateCodec_SealedHidesVerifier(t *testing.T) {
	codec, err := NewSealedStateCodec(testStateKey)
	if err != nil {
		t.Fatalf("NewSealedStateCodec: %v", err)
	}
	in := sampleState(t)
	enc, _ := codec.Encode(in)
	raw, _ := base64.RawURLEncoding.DecodeString(enc)
	if strings.Contains(string(raw), in.CodeVerifier) {
		t.Error("sealed state exposes the verifier")
	}

	plain := NewStateCodec()
	if _, err := plain.Decode(enc); err == nil {
		t.Error("expected an unsealed codec to reject sealed state")
	}
}

func TestStateCodec_TamperedSealedState(t *testing.T) {
	codec, _ := NewSealedStateCodec(testStateKey)
	enc, _ := codec.Encode(sampleState(t))
	raw, _ := base64.RawURLEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0xff
	if _, err := codec.Decode(base64.RawURLEncoding.EncodeToString(raw)); err == nil {
		t.Error("expected tampered state to fail authentication")
	}
}

func TestStateCodec_InvalidKey(t *testing.T) {
	for _, key := range []string{"", "zz", "0011"} {
		if _, err := NewSealedStateCodec(key); err == nil {
			t.Errorf("key %q: expected error", key)
		}
	}
}

func TestStateCodec_RejectsIncompleteState(t *testing.T) {
	codec := NewStateCodec()
	s := sampleState(t)
	s.CodeVerifier = "short"
	if _, err := codec.Encode(s); err == nil {
		t.Error("expected invalid verifier to be rejected")
	}
	s = sampleState(t)
	s.Nonce = ""
	if _, err := codec.Encode(s); err == nil {
		t.Error("expected missing nonce to be rejected")
	}
}

// ---------------------------------------------------------------------------
// PKCE
// ---------------------------------------------------------------------------

func TestGeneratePKCE(t *testing.T) {
	p, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	if !validVerifier(p.Verifier) {
		t.Errorf("generated verifier is invalid: %q", p.Verifier)
	}
	if !VerifyPKCE(p.Verifier, p.Challenge) {
		t.Error("challenge does not verify against its verifier")
	}
	if VerifyPKCE(p.Verifier+"x", p.Challenge) {
		t.Error("altered verifier must not verify")
	}
}

func TestCodeChallenge_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := CodeChallenge(verifier); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

// ---------------------------------------------------------------------------
// Attempt ledger
// ---------------------------------------------------------------------------

func TestAttemptLedger_PrunesExpired(t *testing.T) {
	l := newAttemptLedger()
	now := time.Now()
	if err := l.begin("a", now.Add(time.Minute), now); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.begin("a", now.Add(time.Minute), now); err == nil {
		t.Error("expected replay to fail")
	}
	later := now.Add(2 * time.Minute)
	if err := l.begin("b", later.Add(time.Minute), later); err != nil {
		t.Fatalf("begin b: %v", err)
	}
	if l.len() != 1 {
		t.Errorf("expected stale attempt to be pruned, ledger has %d entries", l.len())
	}
}

func TestAttemptLedger_Transitions(t *testing.T) {
	l := newAttemptLedger()
	now := time.Now()
	l.request("n", now.Add(time.Minute), now)
	if err := l.begin("n", now.Add(time.Minute), now); err != nil {
		t.Fatalf("begin after request: %v", err)
	}
	if got := l.advance("n", FlowAuthenticated); got != FlowCallbackReceived {
		t.Errorf("illegal transition applied, state %s", got)
	}
	if got := l.advance("n", FlowTokenExchanged); got != FlowTokenExchanged {
		t.Errorf("expected %s, got %s", FlowTokenExchanged, got)
	}
	if got := l.advance("n", FlowAuthenticated); got != FlowAuthenticated {
		t.Errorf("expected %s, got %s", FlowAuthenticated, got)
	}
	if got := l.advance("n", FlowFailed); got != FlowAuthenticated {
		t.Errorf("terminal state changed to %s", got)
	}
	if got := l.stateOf("unknown"); got != FlowIdle {
		t.Errorf("expected unknown attempt to be idle, got %s", got)
	}
}
