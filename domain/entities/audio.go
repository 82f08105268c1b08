package entities

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// AudioChunk is one inbound slice of synthesized agent speech
type AudioChunk struct {
	Seq        uint64
	Data       []byte
	ReceivedAt time.Time
}

// Base64 returns the chunk in the text-safe form players built on data URIs expect
func (c AudioChunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// FunctionCall is a structured call the backend asks the client to run.
// Arguments are kept raw since their schema belongs to the agent. Raw holds the
// descriptor exactly as received, including fields the typed accessors do not model
// and descriptors that are not objects at all.
type FunctionCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw descriptor and fills the typed fields when it is an
// object. Descriptors that do not fit the typed fields are still kept in Raw.
func (f *FunctionCall) UnmarshalJSON(data []byte) error {
	*f = FunctionCall{Raw: append(json.RawMessage(nil), data...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	json.Unmarshal(fields["id"], &f.ID)
	json.Unmarshal(fields["name"], &f.Name)
	if args, ok := fields["arguments"]; ok && string(args) != "null" {
		f.Arguments = args
	}
	return nil
}

// MarshalJSON writes the descriptor as received, or the typed fields for calls built locally
func (f FunctionCall) MarshalJSON() ([]byte, error) {
	if len(f.Raw) > 0 {
		return f.Raw, nil
	}
	type typed FunctionCall
	return json.Marshal(typed(f))
}

// Decode unmarshals the whole descriptor into v
func (f FunctionCall) Decode(v any) error {
	data, err := f.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// DecodeArguments unmarshals the arguments into v
func (f FunctionCall) DecodeArguments(v any) error {
	if len(f.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(f.Arguments, v)
}
