package message

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire shape of a single component: the component's own
// fields plus a "type" discriminator.
type envelope struct {
	Type string `json:"type"`
}

// MarshalJSON encodes the chain as an array of discriminated objects.
func (c MessageChain) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, 0, len(c))
	for _, comp := range c {
		raw, err := json.Marshal(comp)
		if err != nil {
			return nil, err
		}
		m := map[string]any{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		m["type"] = comp.Type()
		out = append(out, m)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an array of discriminated objects. Objects with
// an unrecognized type decode as Unknown so foreign payloads survive a
// round trip.
func (c *MessageChain) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	chain := make(MessageChain, 0, len(raws))
	for _, raw := range raws {
		comp, err := unmarshalComponent(raw)
		if err != nil {
			return err
		}
		chain = append(chain, comp)
	}
	*c = chain
	return nil
}

func unmarshalComponent(raw json.RawMessage) (Component, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("message component: %w", err)
	}
	switch env.Type {
	case "Plain":
		var v Plain
		return v, json.Unmarshal(raw, &v)
	case "At":
		var v At
		return v, json.Unmarshal(raw, &v)
	case "AtAll":
		return AtAll{}, nil
	case "Image":
		var v Image
		return v, json.Unmarshal(raw, &v)
	case "Voice":
		var v Voice
		return v, json.Unmarshal(raw, &v)
	case "Quote":
		var v Quote
		return v, json.Unmarshal(raw, &v)
	case "Source":
		var v Source
		return v, json.Unmarshal(raw, &v)
	case "Forward":
		var v Forward
		return v, json.Unmarshal(raw, &v)
	default:
		var v Unknown
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.Raw == nil {
			m := map[string]any{}
			_ = json.Unmarshal(raw, &m)
			v.Raw = m
		}
		return v, nil
	}
}
