package protocol

import (
	"github.com/zond/mapscript"

	goccy "github.com/goccy/go-json"
)

// Envelope wraps every protocol message.
type Envelope struct {
	Kind string          `json:"type"`
	Data goccy.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses message as an Envelope. It returns false unless
// message is a JSON object whose "type" is a non-empty string.
func DecodeEnvelope(message []byte) (Envelope, bool) {
	fields := map[string]goccy.RawMessage{}
	if err := goccy.Unmarshal(message, &fields); err != nil {
		return Envelope{}, false
	}
	rawKind, found := fields["type"]
	if !found {
		return Envelope{}, false
	}
	var kind string
	if err := goccy.Unmarshal(rawKind, &kind); err != nil || kind == "" {
		return Envelope{}, false
	}
	return Envelope{Kind: kind, Data: fields["data"]}, true
}

// EncodeEnvelope wraps payload in an Envelope of the given kind. A nil
// payload produces an envelope without data.
func EncodeEnvelope[K GuestKind | HostKind](kind K, payload any) ([]byte, error) {
	env := Envelope{Kind: string(kind)}
	if payload != nil {
		b, err := goccy.Marshal(payload)
		if err != nil {
			return nil, mapscript.WithStack(err)
		}
		env.Data = b
	}
	b, err := goccy.Marshal(env)
	if err != nil {
		return nil, mapscript.WithStack(err)
	}
	return b, nil
}

// ParseGuest decodes and validates a guest->host message in one step.
func ParseGuest(message []byte) (GuestKind, any, bool) {
	env, ok := DecodeEnvelope(message)
	if !ok {
		return "", nil, false
	}
	kind := GuestKind(env.Kind)
	payload, ok := ValidateGuest(kind, env.Data)
	if !ok {
		return "", nil, false
	}
	return kind, payload, true
}

// ParseHost decodes and validates a host->guest message in one step.
func ParseHost(message []byte) (HostKind, any, bool) {
	env, ok := DecodeEnvelope(message)
	if !ok {
		return "", nil, false
	}
	kind := HostKind(env.Kind)
	payload, ok := ValidateHost(kind, env.Data)
	if !ok {
		return "", nil, false
	}
	return kind, payload, true
}
