package sink

import (
	"fmt"

	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/sideband"
)

// MaxPendingFragments bounds the queued reply fragments of one message.
const MaxPendingFragments = sideband.MaxReplySize/(sideband.MailboxSize-sideband.MaxHeaderSize-1) + 1

// MessageBox reassembles down request fragments and holds the fragments of
// the reply being returned. It is not safe for concurrent use.
type MessageBox struct {
	request sideband.Reply

	pending [MaxPendingFragments][sideband.MailboxSize]byte
	sizes   [MaxPendingFragments]int
	head    int
	count   int
}

// Deliver consumes one down request fragment. When the fragment ends a
// message it returns the request header and body, and done is true. The
// body aliases the box and is valid until the next Deliver.
//
// A fragment failing its CRC or arriving out of order discards the
// partial request.
func (b *MessageBox) Deliver(raw []byte) (hdr sideband.Header, body []byte, done bool, err error) {
	if b.request.Complete() {
		b.request.Reset()
	}
	frag, _, err := sideband.ParseFragment(raw)
	if err != nil {
		b.request.Reset()
		return hdr, nil, false, err
	}
	if frag.Header.StartOfTransaction {
		b.request.Reset()
	}
	if err := b.request.Append(frag.Header, frag.Data); err != nil {
		b.request.Reset()
		return hdr, nil, false, err
	}
	if !b.request.Complete() {
		return hdr, nil, false, nil
	}
	return b.request.Header(), b.request.Bytes(), true, nil
}

// Post replaces the reply queue with the fragments of body, addressed as
// the reply to req.
func (b *MessageBox) Post(req sideband.Header, body []byte) error {
	hdr := req
	if !req.Broadcast {
		hdr = sideband.NewHeader(req.RAD, req.Path)
	}
	hdr.Sequence = req.Sequence

	frags, err := sideband.Fragments(hdr, body, sideband.MailboxSize)
	if err != nil {
		return err
	}
	if len(frags) > MaxPendingFragments {
		return fmt.Errorf("reply of %d fragments: %w", len(frags), pkg.ErrBufferExhausted)
	}
	b.head, b.count = 0, 0
	for i := range frags {
		n, err := frags[i].MarshalTo(b.pending[i][:])
		if err != nil {
			b.count = 0
			return err
		}
		b.sizes[i] = n
		b.count++
	}
	return nil
}

// Next removes and returns the next reply fragment. The slice aliases the
// box and is valid until the next Post.
func (b *MessageBox) Next() ([]byte, bool) {
	if b.count == 0 {
		return nil, false
	}
	i := b.head
	b.head++
	b.count--
	return b.pending[i][:b.sizes[i]], true
}

// Pending returns the number of queued reply fragments.
func (b *MessageBox) Pending() int { return b.count }
