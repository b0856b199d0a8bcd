package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/waweb/limits"
)

var (
	// ErrMalformedNode is returned by Decode for truncated input, dictionary
	// indices outside the table, inconsistent length prefixes and trailing bytes.
	ErrMalformedNode = errors.New("malformed node")

	// ErrNodeTooLarge is returned by Encode when a list, payload, string or
	// nesting level cannot be represented on the wire.
	ErrNodeTooLarge = errors.New("node too large")
)

// Encode serializes n into the binary wire format.
func Encode(n Node) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 64)}
	if err := e.writeNode(n, 0); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Decode parses exactly one node from data. The whole input must be consumed.
func Decode(data []byte) (Node, error) {
	if len(data) == 0 {
		return Node{}, fmt.Errorf("%w: empty input", ErrMalformedNode)
	}
	d := &decoder{data: data}
	n, err := d.readNode(0)
	if err != nil {
		return Node{}, err
	}
	if d.pos != len(d.data) {
		return Node{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedNode, len(d.data)-d.pos)
	}
	return n, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) writeNode(n Node, depth int) error {
	if depth >= limits.MaxNodeDepth {
		return fmt.Errorf("%w: nesting exceeds %d levels", ErrNodeTooLarge, limits.MaxNodeDepth)
	}
	size := 1 + 2*len(n.Attrs)
	if n.kind != BodyEmpty {
		size++
	}
	if err := e.writeListStart(size); err != nil {
		return err
	}
	if err := e.writeString(n.Name); err != nil {
		return err
	}
	for _, a := range n.Attrs {
		if err := e.writeString(a.Key); err != nil {
			return err
		}
		if err := e.writeString(a.Value); err != nil {
			return err
		}
	}
	switch n.kind {
	case BodyChildren:
		if err := e.writeListStart(len(n.children)); err != nil {
			return err
		}
		for _, c := range n.children {
			if err := e.writeNode(c, depth+1); err != nil {
				return err
			}
		}
	case BodyBinary:
		return e.writeBytes(n.payload)
	}
	return nil
}

func (e *encoder) writeListStart(size int) error {
	switch {
	case size == 0:
		e.buf = append(e.buf, ListEmpty)
	case size < 256:
		e.buf = append(e.buf, List8, byte(size))
	case size <= limits.MaxListSize:
		e.buf = append(e.buf, List16, byte(size>>8), byte(size))
	default:
		return fmt.Errorf("%w: list of %d entries", ErrNodeTooLarge, size)
	}
	return nil
}

func (e *encoder) writeString(s string) error {
	if s == "" {
		e.buf = append(e.buf, ListEmpty)
		return nil
	}
	if idx, ok := LookupToken(s); ok {
		e.buf = append(e.buf, idx)
		return nil
	}
	if user, server, ok := splitJID(s); ok {
		e.buf = append(e.buf, JIDPair)
		if err := e.writeString(user); err != nil {
			return err
		}
		return e.writeString(server)
	}
	if len(s) <= 2*packedMaxLen {
		if isNibble(s) {
			e.writePacked(Nibble8, s, nibbleValue)
			return nil
		}
		if isHex(s) {
			e.writePacked(Hex8, s, hexValue)
			return nil
		}
	}
	if len(s) > limits.MaxNodeSize {
		return fmt.Errorf("%w: string of %d bytes", ErrNodeTooLarge, len(s))
	}
	return e.writeBytes([]byte(s))
}

func (e *encoder) writeBytes(b []byte) error {
	n := len(b)
	switch {
	case n < 1<<8:
		e.buf = append(e.buf, Binary8, byte(n))
	case n < 1<<20:
		e.buf = append(e.buf, Binary20, byte(n>>16)&0x0F, byte(n>>8), byte(n))
	case uint64(n) <= 0xFFFFFFFF:
		e.buf = append(e.buf, Binary32, 0, 0, 0, 0)
		binary.BigEndian.PutUint32(e.buf[len(e.buf)-4:], uint32(n))
	default:
		return fmt.Errorf("%w: payload of %d bytes", ErrNodeTooLarge, n)
	}
	e.buf = append(e.buf, b...)
	return nil
}

// writePacked stores two characters per byte. Bit 7 of the length byte marks
// an odd count whose final low nibble is padding.
func (e *encoder) writePacked(tag byte, s string, value func(byte) byte) {
	rounded := (len(s) + 1) / 2
	start := byte(rounded)
	if len(s)%2 == 1 {
		start |= 0x80
	}
	e.buf = append(e.buf, tag, start)
	for i := 0; i < len(s); i += 2 {
		hi := value(s[i])
		lo := byte(0x0F)
		if i+1 < len(s) {
			lo = value(s[i+1])
		}
		e.buf = append(e.buf, hi<<4|lo)
	}
}

// splitJID splits "user@server" when both parts are non-empty and the server
// holds no further separator.
func splitJID(s string) (string, string, bool) {
	i := strings.IndexByte(s, '@')
	if i <= 0 || i == len(s)-1 || strings.IndexByte(s[i+1:], '@') >= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func isNibble(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func nibbleValue(c byte) byte {
	switch c {
	case '-':
		return 10
	case '.':
		return 11
	default:
		return c - '0'
	}
}

func hexValue(c byte) byte {
	if c >= 'A' {
		return c - 'A' + 10
	}
	return c - '0'
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) remaining() int { return len(d.data) - d.pos }

func (d *decoder) truncated(need int) error {
	return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedNode, need, d.pos, d.remaining())
}

func (d *decoder) readByte() (byte, error) {
	if d.remaining() < 1 {
		return 0, d.truncated(1)
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, d.truncated(n)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readInt(n int) (int, error) {
	b, err := d.readN(n)
	if err != nil {
		return 0, err
	}
	v := 0
	for _, x := range b {
		v = v<<8 | int(x)
	}
	return v, nil
}

func (d *decoder) readListSize(tag byte) (int, error) {
	switch tag {
	case ListEmpty:
		return 0, nil
	case List8:
		return d.readInt(1)
	case List16:
		return d.readInt(2)
	default:
		return 0, fmt.Errorf("%w: expected list tag, got %d at offset %d", ErrMalformedNode, tag, d.pos-1)
	}
}

func (d *decoder) readNode(depth int) (Node, error) {
	if depth >= limits.MaxNodeDepth {
		return Node{}, fmt.Errorf("%w: nesting exceeds %d levels", ErrMalformedNode, limits.MaxNodeDepth)
	}
	tag, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	size, err := d.readListSize(tag)
	if err != nil {
		return Node{}, err
	}
	if size == 0 {
		return Node{}, fmt.Errorf("%w: node header with zero entries", ErrMalformedNode)
	}
	// Every entry occupies at least one byte.
	if size > d.remaining() {
		return Node{}, d.truncated(size)
	}
	name, err := d.readString()
	if err != nil {
		return Node{}, err
	}
	var attrs []Attr
	if count := (size - 1) / 2; count > 0 {
		attrs = make([]Attr, 0, count)
		for i := 0; i < count; i++ {
			k, err := d.readString()
			if err != nil {
				return Node{}, err
			}
			v, err := d.readString()
			if err != nil {
				return Node{}, err
			}
			attrs = append(attrs, Attr{Key: k, Value: v})
		}
	}
	if (size-1)%2 == 0 {
		return New(name, attrs...), nil
	}
	return d.readBody(name, attrs, depth)
}

func (d *decoder) readBody(name string, attrs []Attr, depth int) (Node, error) {
	tag, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	switch tag {
	case ListEmpty, List8, List16:
		count, err := d.readListSize(tag)
		if err != nil {
			return Node{}, err
		}
		// A child needs at least a two byte header.
		if 2*count > d.remaining() {
			return Node{}, d.truncated(2 * count)
		}
		children := make([]Node, 0, count)
		for i := 0; i < count; i++ {
			c, err := d.readNode(depth + 1)
			if err != nil {
				return Node{}, err
			}
			children = append(children, c)
		}
		return NewList(name, attrs, children...), nil
	case Binary8, Binary20, Binary32:
		b, err := d.readBinary(tag)
		if err != nil {
			return Node{}, err
		}
		payload := make([]byte, len(b))
		copy(payload, b)
		return NewBinary(name, attrs, payload), nil
	default:
		s, err := d.readStringTag(tag, true)
		if err != nil {
			return Node{}, err
		}
		return NewBinary(name, attrs, []byte(s)), nil
	}
}

func (d *decoder) readBinary(tag byte) ([]byte, error) {
	var n int
	var err error
	switch tag {
	case Binary8:
		n, err = d.readInt(1)
	case Binary20:
		n, err = d.readInt(3)
		n &= 0x0FFFFF
	case Binary32:
		n, err = d.readInt(4)
	}
	if err != nil {
		return nil, err
	}
	return d.readN(n)
}

func (d *decoder) readString() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readStringTag(tag, true)
}

func (d *decoder) readStringTag(tag byte, allowJID bool) (string, error) {
	switch {
	case tag == ListEmpty:
		return "", nil
	case tag >= firstToken && tag < Dictionary0:
		s, ok := TokenAt(int(tag))
		if !ok {
			return "", fmt.Errorf("%w: token index %d out of range", ErrMalformedNode, tag)
		}
		return s, nil
	case tag >= Dictionary0 && tag <= Dictionary3:
		b, err := d.readByte()
		if err != nil {
			return "", err
		}
		idx := int(tag-Dictionary0)*256 + int(b)
		if idx >= len(DoubleByteTokens) {
			return "", fmt.Errorf("%w: double-byte token index %d out of range", ErrMalformedNode, idx)
		}
		return DoubleByteTokens[idx], nil
	case tag == Binary8 || tag == Binary20 || tag == Binary32:
		b, err := d.readBinary(tag)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case tag == JIDPair:
		if !allowJID {
			return "", fmt.Errorf("%w: nested jid pair at offset %d", ErrMalformedNode, d.pos-1)
		}
		user, err := d.readJIDPart()
		if err != nil {
			return "", err
		}
		server, err := d.readJIDPart()
		if err != nil {
			return "", err
		}
		return user + "@" + server, nil
	case tag == Nibble8:
		return d.readPacked(unpackNibble)
	case tag == Hex8:
		return d.readPacked(unpackHex)
	default:
		return "", fmt.Errorf("%w: unexpected tag %d at offset %d", ErrMalformedNode, tag, d.pos-1)
	}
}

func (d *decoder) readJIDPart() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readStringTag(tag, false)
}

func (d *decoder) readPacked(unpack func(byte) (byte, bool)) (string, error) {
	start, err := d.readByte()
	if err != nil {
		return "", err
	}
	n := int(start & 0x7F)
	odd := start&0x80 != 0
	if n == 0 && odd {
		return "", fmt.Errorf("%w: odd packed string of zero bytes", ErrMalformedNode)
	}
	raw, err := d.readN(n)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, 2*n)
	for i, b := range raw {
		hi, ok := unpack(b >> 4)
		if !ok {
			return "", fmt.Errorf("%w: invalid packed value %#x", ErrMalformedNode, b>>4)
		}
		out = append(out, hi)
		if odd && i == n-1 {
			break
		}
		lo, ok := unpack(b & 0x0F)
		if !ok {
			return "", fmt.Errorf("%w: invalid packed value %#x", ErrMalformedNode, b&0x0F)
		}
		out = append(out, lo)
	}
	return string(out), nil
}

func unpackNibble(v byte) (byte, bool) {
	switch {
	case v <= 9:
		return '0' + v, true
	case v == 10:
		return '-', true
	case v == 11:
		return '.', true
	default:
		return 0, false
	}
}

func unpackHex(v byte) (byte, bool) {
	if v <= 9 {
		return '0' + v, true
	}
	return 'A' + v - 10, true
}
