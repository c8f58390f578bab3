package console

import "bytes"

// Rule maps one exact input chunk to a replacement byte sequence.
type Rule struct {
	Trigger     []byte
	Replacement []byte
}

// Keymap is an ordered list of translation rules applied to outgoing input
// before it reaches the device and before it reaches the recorder. Matching
// is exact on the whole chunk; the first matching rule wins; no match passes
// the chunk through unchanged.
type Keymap struct {
	rules []Rule
}

func NewKeymap(rules ...Rule) *Keymap {
	return &Keymap{rules: rules}
}

func (k *Keymap) Translate(chunk []byte) []byte {
	for _, r := range k.rules {
		if bytes.Equal(chunk, r.Trigger) {
			return r.Replacement
		}
	}
	return chunk
}
