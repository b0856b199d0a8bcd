package node

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/opd-ai/waweb/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNodes() map[string]Node {
	history := NewList("response", []Attr{{Key: "type", Value: "message"}},
		NewBinary("message", nil, []byte{0x0a, 0x01, 0xff}),
		NewBinary("message", nil, []byte{}),
	)
	return map[string]Node{
		"empty body":         New("ping"),
		"empty list body":    NewList("chats", nil),
		"binary body":        NewBinary("enc", []Attr{{Key: "v", Value: "2"}}, bytes.Repeat([]byte{7}, 300)),
		"token attributes":   New("presence", Attr{Key: "type", Value: "available"}),
		"raw attributes":     New("x-custom", Attr{Key: "tag", Value: "1700000000.--12"}, Attr{Key: "note", Value: "héllo wörld"}),
		"jid attribute":      New("action", Attr{Key: "jid", Value: "4915123456789@s.whatsapp.net"}),
		"group jid":          New("chat", Attr{Key: "jid", Value: "4915123456789-1500000000@g.us"}),
		"hex attribute":      New("receipt", Attr{Key: "id", Value: "3EB0A1B2C3D4E5F60718"}),
		"odd hex attribute":  New("receipt", Attr{Key: "id", Value: "ABC"}),
		"odd nibble":         New("media", Attr{Key: "t", Value: "123.45-6"}),
		"empty string value": New("item", Attr{Key: "subject", Value: ""}),
		"empty name":         New(""),
		"nested":             NewList("action", []Attr{{Key: "add", Value: "last"}}, history, New("ping")),
		"double at sign":     New("x", Attr{Key: "v", Value: "a@b@c"}),
		"leading at sign":    New("x", Attr{Key: "v", Value: "@server"}),
		"large payload":      NewBinary("media", nil, bytes.Repeat([]byte{1}, 1<<20+5)),
		"medium payload":     NewBinary("media", nil, bytes.Repeat([]byte{2}, 70000)),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for name, n := range sampleNodes() {
		t.Run(name, func(t *testing.T) {
			data, err := Encode(n)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.True(t, got.Equal(n), "decoded %s, want %s", got, n)
			assert.Equal(t, n.Kind(), got.Kind())
		})
	}
}

func TestEncodeIsCompactForTokens(t *testing.T) {
	data, err := Encode(New("presence", Attr{Key: "type", Value: "available"}))
	require.NoError(t, err)

	p, _ := LookupToken("presence")
	k, _ := LookupToken("type")
	v, _ := LookupToken("available")
	assert.Equal(t, []byte{List8, 3, p, k, v}, data)
}

func TestDecodeTruncatedPrefixes(t *testing.T) {
	for name, n := range sampleNodes() {
		if n.Kind() == BodyBinary && len(n.Payload()) > 4096 {
			continue
		}
		data, err := Encode(n)
		require.NoError(t, err)
		for i := 0; i < len(data); i++ {
			_, err := Decode(data[:i])
			if !errors.Is(err, ErrMalformedNode) {
				t.Fatalf("%s: prefix of %d/%d bytes returned %v, want ErrMalformedNode", name, i, len(data), err)
			}
		}
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"zero entry header", []byte{ListEmpty}},
		{"non list header", []byte{Binary8, 0}},
		{"token index past table", []byte{List8, 1, byte(len(SingleByteTokens))}},
		{"reserved token index", []byte{List8, 1, 1}},
		{"stream end as string", []byte{List8, 1, StreamEnd}},
		{"double byte token", []byte{List8, 1, Dictionary0, 0}},
		{"unassigned tag", []byte{List8, 1, 240}},
		{"binary length past buffer", []byte{List8, 1, Binary8, 5, 'a', 'b'}},
		{"binary20 length past buffer", []byte{List8, 2, Binary8, 1, 'a', Binary20, 0x0F, 0xFF, 0xFF}},
		{"list size past buffer", []byte{List16, 0xFF, 0xFF, 10}},
		{"children count past buffer", []byte{List8, 2, 10, List8, 200, List8, 1, 10}},
		{"trailing bytes", []byte{List8, 1, 10, 0}},
		{"nested jid pair", []byte{List8, 1, JIDPair, JIDPair, 10, 10, 10}},
		{"invalid nibble", []byte{List8, 1, Nibble8, 1, 0xC0}},
		{"odd packed of zero bytes", []byte{List8, 1, Hex8, 0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformedNode)
		})
	}
}

func TestDecodeDepthLimit(t *testing.T) {
	n := New("leaf")
	for i := 0; i < limits.MaxNodeDepth-1; i++ {
		n = NewList("n", nil, n)
	}
	data, err := Encode(n)
	require.NoError(t, err)
	_, err = Decode(data)
	require.NoError(t, err)

	// One level deeper must fail in both directions.
	deeper := NewList("n", nil, n)
	_, err = Encode(deeper)
	assert.ErrorIs(t, err, ErrNodeTooLarge)

	raw := bytes.Repeat([]byte{List8, 2, 10, List8, 1}, limits.MaxNodeDepth)
	raw = append(raw, List8, 1, 10)
	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrMalformedNode)
}

func TestEncodeRejectsOversizedList(t *testing.T) {
	children := make([]Node, limits.MaxListSize+1)
	for i := range children {
		children[i] = New("a")
	}
	_, err := Encode(NewList("big", nil, children...))
	assert.ErrorIs(t, err, ErrNodeTooLarge)
}

func TestEncodeRejectsOversizedString(t *testing.T) {
	huge := strings.Repeat("x", limits.MaxNodeSize+1)
	_, err := Encode(New("message", Attr{Key: "text", Value: huge}))
	assert.ErrorIs(t, err, ErrNodeTooLarge)

	_, err = Encode(New(huge))
	assert.ErrorIs(t, err, ErrNodeTooLarge)
}

func TestDecodeStringBodyAsBinary(t *testing.T) {
	msg, _ := LookupToken("message")
	text, _ := LookupToken("text")
	n, err := Decode([]byte{List8, 2, msg, text})
	require.NoError(t, err)
	assert.Equal(t, BodyBinary, n.Kind())
	assert.Equal(t, []byte("text"), n.Payload())
}

func TestTokenTableFitsSingleByteRange(t *testing.T) {
	assert.LessOrEqual(t, len(SingleByteTokens), Dictionary0)
	for i := firstToken; i < len(SingleByteTokens); i++ {
		assert.NotEmpty(t, SingleByteTokens[i], "token %d", i)
		assert.False(t, strings.Contains(SingleByteTokens[i], "@"), "token %d", i)
	}
	_, ok := TokenAt(2)
	assert.False(t, ok)
}

// FuzzDecode checks that arbitrary input never panics and that anything
// accepted re-encodes to an equal node.
func FuzzDecode(f *testing.F) {
	for _, n := range sampleNodes() {
		if data, err := Encode(n); err == nil && len(data) < 4096 {
			f.Add(data)
		}
	}
	f.Add([]byte{})
	f.Add([]byte{List16, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		n, err := Decode(data)
		if err != nil {
			if !errors.Is(err, ErrMalformedNode) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		again, err := Encode(n)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		back, err := Decode(again)
		if err != nil || !back.Equal(n) {
			t.Fatalf("re-encoded node differs: %v", err)
		}
	})
}
