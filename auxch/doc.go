// Package auxch implements the DisplayPort AUX channel transaction primitive
// on top of the transmitter core's AUX request and reply registers.
//
// Every higher layer of the source stack (link training, sideband
// messaging, EDID reads) talks to the sink through a [Channel].
//
// # Transactions
//
// A [Request] carries a command kind, a 20-bit address and 0 to 16 data
// bytes. [Channel.Transact] writes the request to the hardware FIFO, waits
// with a bounded poll for the reply and decodes the reply code:
//
//   - ACK returns any reply data
//   - NACK and I2C NACK fail with [pkg.ErrAuxRejected]
//   - DEFER and I2C DEFER retry the identical request up to
//     [Config.MaxDeferRetries] times
//   - No reply fails with [pkg.ErrAuxTimeout]
//
// [Channel.ReadDPCD] and [Channel.WriteDPCD] split arbitrary lengths into
// native transactions, so a Channel is a [dpcd.Endpoint].
//
// # Disconnect
//
// [Channel.Invalidate] is called from outside the stack when hot-plug
// detect drops. Every transaction in flight or issued afterwards fails
// with [pkg.ErrDisconnected] until [Channel.Revalidate].
package auxch
