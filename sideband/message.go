package sideband

import (
	"fmt"

	"github.com/ardnew/softdp/pkg"
)

// MailboxSize is the size of the DOWN_REQ and DOWN_REP mailboxes.
const MailboxSize = 48

// MaxReplySize bounds the reassembled reply body.
const MaxReplySize = 256

// Fragment is one mailbox-sized piece of a sideband message: a header,
// its data bytes and the body CRC8.
type Fragment struct {
	Header Header
	Data   []byte
	CRC8   uint8
}

// Size returns the encoded fragment length.
func (f *Fragment) Size() int {
	return f.Header.Size() + len(f.Data) + 1
}

// MarshalTo encodes the fragment into buf, setting the header body length
// and both CRCs. Returns the number of bytes written.
func (f *Fragment) MarshalTo(buf []byte) (int, error) {
	if len(f.Data) > MaxBodyLength-1 {
		return 0, fmt.Errorf("fragment data %d bytes: %w", len(f.Data), pkg.ErrSidebandMalformed)
	}
	f.Header.BodyLength = uint8(len(f.Data) + 1)
	if len(buf) < f.Size() {
		return 0, pkg.ErrBufferExhausted
	}
	n, err := f.Header.MarshalTo(buf)
	if err != nil {
		return 0, err
	}
	n += copy(buf[n:], f.Data)
	f.CRC8 = CRC8(f.Data)
	buf[n] = f.CRC8
	return n + 1, nil
}

// Marshal returns the encoded fragment.
func (f *Fragment) Marshal() ([]byte, error) {
	buf := make([]byte, f.Header.Size()+len(f.Data)+1)
	n, err := f.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ParseFragment decodes one fragment from raw, verifying CRC4 and CRC8.
// Data aliases raw. Returns the number of bytes consumed.
func ParseFragment(raw []byte) (Fragment, int, error) {
	var f Fragment
	n, err := f.Header.Parse(raw)
	if err != nil {
		return Fragment{}, 0, err
	}
	end := n + int(f.Header.BodyLength)
	if len(raw) < end {
		return Fragment{}, 0, fmt.Errorf("fragment body: %d of %d bytes: %w",
			len(raw)-n, f.Header.BodyLength, pkg.ErrSidebandMalformed)
	}
	f.Data = raw[n : end-1]
	f.CRC8 = raw[end-1]
	if crc := CRC8(f.Data); crc != f.CRC8 {
		return Fragment{}, 0, fmt.Errorf("body crc %#02x, computed %#02x: %w", f.CRC8, crc, pkg.ErrSidebandCRC)
	}
	return f, end, nil
}

// Fragments splits body into fragments that each fit in a mailbox of the
// given size, with the transaction flags and sequence set from hdr.
func Fragments(hdr Header, body []byte, mailbox int) ([]Fragment, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty message body: %w", pkg.ErrSidebandMalformed)
	}
	chunk := min(mailbox-hdr.Size()-1, MaxBodyLength-1)
	if chunk <= 0 {
		return nil, fmt.Errorf("mailbox %d bytes: %w", mailbox, pkg.ErrBufferExhausted)
	}

	frags := make([]Fragment, 0, (len(body)+chunk-1)/chunk)
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		h := hdr
		h.StartOfTransaction = off == 0
		h.EndOfTransaction = end == len(body)
		frags = append(frags, Fragment{Header: h, Data: body[off:end]})
	}
	return frags, nil
}

// Reply accumulates the bodies of a multi-fragment message into a
// fixed-size buffer.
type Reply struct {
	buf      [MaxReplySize]byte
	n        int
	header   Header
	started  bool
	complete bool
}

// Append adds one fragment's data. It fails with pkg.ErrBufferExhausted
// when the data would overflow the reply buffer, leaving the reply
// unchanged, and with pkg.ErrSidebandMalformed for an out-of-order
// fragment.
func (r *Reply) Append(h Header, data []byte) error {
	switch {
	case r.complete:
		return fmt.Errorf("fragment after end of transaction: %w", pkg.ErrSidebandMalformed)
	case !r.started && !h.StartOfTransaction:
		return fmt.Errorf("first fragment without start of transaction: %w", pkg.ErrSidebandMalformed)
	case r.started && h.StartOfTransaction:
		return fmt.Errorf("repeated start of transaction: %w", pkg.ErrSidebandMalformed)
	case r.n+len(data) > len(r.buf):
		return fmt.Errorf("reply %d+%d bytes: %w", r.n, len(data), pkg.ErrBufferExhausted)
	}
	if !r.started {
		r.header = h
		r.started = true
	}
	r.n += copy(r.buf[r.n:], data)
	r.complete = h.EndOfTransaction
	return nil
}

// Bytes returns the accumulated body. The slice aliases the reply.
func (r *Reply) Bytes() []byte { return r.buf[:r.n] }

// Len returns the accumulated length.
func (r *Reply) Len() int { return r.n }

// Header returns the header of the first fragment.
func (r *Reply) Header() Header { return r.header }

// Complete reports whether the end-of-transaction fragment was appended.
func (r *Reply) Complete() bool { return r.complete }

// Reset empties the reply.
func (r *Reply) Reset() { *r = Reply{} }
