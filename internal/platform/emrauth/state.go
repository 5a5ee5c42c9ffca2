package emrauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// RequestState is carried through the provider in the OAuth state parameter.
// It lives for exactly one authorization round trip.
type RequestState struct {
	UserID       string `json:"u"`
	System       string `json:"s"`
	TimestampMs  int64  `json:"t"`
	Nonce        string `json:"n"`
	CodeVerifier string `json:"v"`
}

func (s *RequestState) validate() error {
	switch {
	case s.UserID == "":
		return fmt.Errorf("state missing user id")
	case s.System == "":
		return fmt.Errorf("state missing system")
	case s.TimestampMs <= 0:
		return fmt.Errorf("state missing timestamp")
	case s.Nonce == "":
		return fmt.Errorf("state missing nonce")
	case !validVerifier(s.CodeVerifier):
		return fmt.Errorf("state carries an invalid code verifier")
	}
	return nil
}

// StateCodec serializes RequestState into an opaque, URL-safe string. With a
// key configured the payload is sealed; without one it is only encoded.
type StateCodec struct {
	sealer *stateSealer
}

// NewStateCodec returns a codec that only encodes.
func NewStateCodec() *StateCodec {
	return &StateCodec{}
}

// NewSealedStateCodec returns a codec that seals state with AES-256-GCM.
// hexKey must be 64 hex characters.
func NewSealedStateCodec(hexKey string) (*StateCodec, error) {
	sealer, err := sealerFromHex(hexKey)
	if err != nil {
		return nil, err
	}
	return &StateCodec{sealer: sealer}, nil
}

// Sealed reports whether the codec encrypts state.
func (c *StateCodec) Sealed() bool { return c.sealer != nil }

// Encode serializes s.
func (c *StateCodec) Encode(s RequestState) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	if c.sealer != nil {
		if data, err = c.sealer.seal(data); err != nil {
			return "", err
		}
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode reverses Encode. Any failure means the state is not one this
// service issued.
func (c *StateCodec) Decode(encoded string) (RequestState, error) {
	var s RequestState
	if encoded == "" {
		return s, fmt.Errorf("state is empty")
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return s, fmt.Errorf("state is not base64url: %w", err)
	}
	if c.sealer != nil {
		if data, err = c.sealer.open(data); err != nil {
			return s, err
		}
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("state is not valid JSON: %w", err)
	}
	if err := s.validate(); err != nil {
		return RequestState{}, err
	}
	return s, nil
}
