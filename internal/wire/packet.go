// Package wire implements the RADIUS and RadSec byte-level framing from
// RFC 2865, RFC 2866 and RFC 2869: parsing, attribute access, and
// re-serialization of packets exactly as they appear on the wire.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"layeh.com/radius"
)

// Wire limits per RFC 2865 §3.
const (
	HeaderLen    = 20
	MaxPacketLen = 4095
	MinPacketLen = HeaderLen
)

// Code is a RADIUS packet code (Access-Request, Access-Accept, ...).
type Code = radius.Code

// Codes this proxy understands on the wire. Re-exported from layeh.com/radius
// so callers never need that import directly for switch/compare purposes.
const (
	CodeAccessRequest      = radius.CodeAccessRequest
	CodeAccessAccept       = radius.CodeAccessAccept
	CodeAccessReject       = radius.CodeAccessReject
	CodeAccessChallenge    = radius.CodeAccessChallenge
	CodeAccountingRequest  = radius.CodeAccountingRequest
	CodeAccountingResponse = radius.CodeAccountingResponse
	CodeStatusServer       = radius.CodeStatusServer
)

var (
	// ErrTooShort indicates a datagram or frame below the 20-byte RADIUS header.
	ErrTooShort = errors.New("wire: packet shorter than header")
	// ErrBadLength indicates a declared length outside the protocol's legal range.
	ErrBadLength = errors.New("wire: declared length out of range")
	// ErrAttrOverrun indicates an attribute whose declared length runs past the packet end.
	ErrAttrOverrun = errors.New("wire: attribute length overruns packet")
)

// Attribute is one type-length-value attribute as it appears on the wire.
// Value holds only the attribute's value bytes, not its type/length octets.
type Attribute struct {
	Type  byte
	Value []byte
}

// Packet is a parsed RADIUS packet. Attrs preserves wire order; rewrites
// operate on this slice and Marshal recomputes Length from its contents.
type Packet struct {
	Code          Code
	Identifier    byte
	Authenticator [16]byte
	Attrs         []Attribute

	// Truncated is set when the attribute list ended with exactly one
	// trailing byte that didn't form a full attribute (tolerated per
	// §4.1/§8); callers should log a warning when it's set.
	Truncated bool
}

// ParseUDP decodes a single RADIUS packet received as one UDP datagram.
// Bytes beyond the packet's declared length are silently ignored. A
// declared length greater than the number of bytes received is rejected
// with ErrBadLength, so the caller discards the packet (RFC 2865 §3).
func ParseUDP(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, ErrTooShort
	}
	declared := int(binary.BigEndian.Uint16(data[2:4]))
	if declared < MinPacketLen || declared > MaxPacketLen {
		return nil, ErrBadLength
	}
	if declared > len(data) {
		return nil, fmt.Errorf("%w: declared %d, received %d", ErrBadLength, declared, len(data))
	}
	return decode(data[:declared])
}

// ReadTLSFrame reads one RADIUS packet from a RadSec stream. The RADIUS
// header's own length field doubles as the RadSec frame length (RFC 6614
// carries no additional framing), so this reads the 4-byte header first to
// learn the length, then reads exactly that many remaining bytes.
func ReadTLSFrame(r *bufio.Reader) (*Packet, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	declared := int(binary.BigEndian.Uint16(hdr[2:4]))
	if declared < MinPacketLen || declared > MaxPacketLen {
		return nil, ErrBadLength
	}
	buf := make([]byte, declared)
	copy(buf, hdr)
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, err
	}
	return decode(buf)
}

func decode(buf []byte) (*Packet, error) {
	p := &Packet{
		Code:       Code(buf[0]),
		Identifier: buf[1],
	}
	copy(p.Authenticator[:], buf[4:20])

	pos := HeaderLen
	for pos < len(buf) {
		if pos+2 > len(buf) {
			// Exactly one byte left over after the last full attribute is
			// tolerated (§4.1/§8); anything longer is a real overrun.
			if len(buf)-pos == 1 {
				p.Truncated = true
				break
			}
			return nil, ErrAttrOverrun
		}
		attrType := buf[pos]
		attrLen := int(buf[pos+1])
		if attrLen < 2 || pos+attrLen > len(buf) {
			return nil, ErrAttrOverrun
		}
		value := make([]byte, attrLen-2)
		copy(value, buf[pos+2:pos+attrLen])
		p.Attrs = append(p.Attrs, Attribute{Type: attrType, Value: value})
		pos += attrLen
	}
	return p, nil
}

// Marshal serializes the packet to wire bytes, recomputing the length
// field from the current attribute list. The authenticator bytes are
// written as-is; callers sign or validate them separately via radcrypto.
func (p *Packet) Marshal() ([]byte, error) {
	total := HeaderLen
	for _, a := range p.Attrs {
		total += 2 + len(a.Value)
	}
	if total > MaxPacketLen {
		return nil, fmt.Errorf("%w: serialized length %d", ErrBadLength, total)
	}

	buf := make([]byte, total)
	buf[0] = byte(p.Code)
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[4:20], p.Authenticator[:])

	pos := HeaderLen
	for _, a := range p.Attrs {
		alen := 2 + len(a.Value)
		buf[pos] = a.Type
		buf[pos+1] = byte(alen)
		copy(buf[pos+2:pos+alen], a.Value)
		pos += alen
	}
	return buf, nil
}

// Len returns the packet's current wire length without serializing it.
func (p *Packet) Len() int {
	total := HeaderLen
	for _, a := range p.Attrs {
		total += 2 + len(a.Value)
	}
	return total
}

// FindAttr returns the first attribute of the given type, or nil.
func (p *Packet) FindAttr(attrType byte) *Attribute {
	for i := range p.Attrs {
		if p.Attrs[i].Type == attrType {
			return &p.Attrs[i]
		}
	}
	return nil
}

// EachAttr calls fn for every attribute of the given type, in wire order.
func (p *Packet) EachAttr(attrType byte, fn func(*Attribute)) {
	for i := range p.Attrs {
		if p.Attrs[i].Type == attrType {
			fn(&p.Attrs[i])
		}
	}
}

// RemoveAttr drops every attribute of the given type and reports how many
// were removed.
func (p *Packet) RemoveAttr(attrType byte) int {
	out := p.Attrs[:0]
	removed := 0
	for _, a := range p.Attrs {
		if a.Type == attrType {
			removed++
			continue
		}
		out = append(out, a)
	}
	p.Attrs = out
	return removed
}

// ResizeAttr replaces the value of the first attribute of the given type,
// growing or shrinking the packet as needed. It is the only mutation used
// by the username rewriter, since attribute values can change length under
// regexp substitution while the rest of the packet stays untouched.
func (p *Packet) ResizeAttr(attrType byte, newValue []byte) error {
	if len(newValue)+2 > 255 {
		return fmt.Errorf("wire: attribute value too long (%d bytes)", len(newValue))
	}
	a := p.FindAttr(attrType)
	if a == nil {
		return fmt.Errorf("wire: attribute %d not present", attrType)
	}
	a.Value = newValue
	return nil
}

// AddAttr appends a new attribute to the end of the attribute list.
func (p *Packet) AddAttr(attrType byte, value []byte) {
	p.Attrs = append(p.Attrs, Attribute{Type: attrType, Value: value})
}

// Clone returns a deep copy suitable for per-hop mutation without aliasing
// the original packet's attribute value slices.
func (p *Packet) Clone() *Packet {
	cp := &Packet{
		Code:          p.Code,
		Identifier:    p.Identifier,
		Authenticator: p.Authenticator,
		Attrs:         make([]Attribute, len(p.Attrs)),
	}
	for i, a := range p.Attrs {
		v := make([]byte, len(a.Value))
		copy(v, a.Value)
		cp.Attrs[i] = Attribute{Type: a.Type, Value: v}
	}
	return cp
}
