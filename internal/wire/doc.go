// Package wire encapsulates the byte-level protocol spoken between a
// secondary instance and the primary's local socket, as well as the
// checksums protecting the handshake and the shared election block.
//
// Every message travels as a pair of acknowledged frames:
//
//	S sends an 8-byte big-endian length header to P
//	P sends a single acknowledgment byte back
//	S sends exactly that many payload bytes to P
//	P sends a single acknowledgment byte back
//
// The first message on a fresh connection is the init message, which
// introduces the dialing instance:
//
//	[u32 token length][token bytes][u8 connection type][u32 instance id][u16 crc]
//
// The trailing CRC covers every preceding byte of the init message. A
// receiver that sees a token it does not recognize, or a CRC that does not
// match, drops the message without acknowledging it; the sender observes
// this as an ack timeout. Note that the header of a rejected init message
// has already been acknowledged by then: the header ack confirms only the
// announced length, since nothing of the body has been seen when it is
// sent. Rejection is therefore always the missing body ack, never a
// missing header ack.
//
// After a successful init exchange, either side may send further frame
// pairs whose payloads are opaque to this package.
//
// The protocol is deliberately stop-and-wait: a sender never has more than
// one frame in flight, so a slow receiver backpressures the sender instead
// of forcing it to buffer. Each blocking step is bounded by the remaining
// portion of a caller-supplied budget, never a bare indefinite wait.
package wire
