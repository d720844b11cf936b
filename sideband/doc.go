// Package sideband implements the MST sideband message protocol carried
// over the DPCD mailboxes.
//
// # Wire Format
//
// A message is split into fragments that each fit the 48-byte DOWN_REQ or
// DOWN_REP mailbox. Every fragment carries a [Header] protected by a 4-bit
// CRC over its nibbles, followed by up to 62 body bytes protected by an
// 8-bit CRC. Start and end of transaction flags delimit the fragments of
// one message, and a 1-bit sequence number pairs replies with requests.
//
// # Messaging
//
// A [Messenger] writes request fragments to DOWN_REQ, then for each reply
// fragment polls DOWN_REP_MSG_RDY, reads DOWN_REP, verifies both CRCs,
// appends the body to a bounded [Reply] and clears the ready bit. CRC
// failures and NACKs are returned, never retried.
//
// Request and reply bodies are typed ([LinkAddressRequest],
// [AllocatePayloadReply], ...) and decoded with [ParseRequest] and
// [ParseReply], so the same codec serves the source and sink stacks.
//
// # Dissection
//
// [Capture] records mailbox fragments to pcapng, and the [Mailbox] and
// [Sideband] gopacket layers decode them again.
package sideband
