// Package source implements the transmitter side of a DisplayPort link:
// link training, MST topology discovery and VC payload allocation.
//
// It drives a transmitter IP core through [hal.Registers] and reaches the
// attached sink over the AUX channel ([auxch.Channel]) and the sideband
// message mailboxes ([sideband.Messenger]).
//
// # Architecture
//
// A [Source] owns one instance of each stage:
//
//   - [Trainer] runs clock recovery and channel equalization, downshifting
//     the link rate and lane count when adaptive training is enabled
//   - [Discoverer] walks the MST tree with LINK_ADDRESS and issues GUIDs
//   - [Allocator] plans and commits time slots in the transmitter and sink
//     VC payload tables
//
// [Source.EstablishLink] trains the link and, when the sink is MST capable
// and MST is configured, enables MST on both ends. Streams are then placed
// with [Source.Discover], [Source.AllocateStreams] and
// [Source.ProgramStream].
//
// # Failure Model
//
// Operations run sequentially and every wait is a bounded poll. Only AUX
// DEFER replies and per-lane training iterations are retried. Discovery
// failures below the root are recorded in [Snapshot.Failures] and do not
// abort the walk. A failed allocation returns [AllocationError]; the caller
// clears the tables with [Source.ClearPayloads] before trying again.
//
// # Example
//
//	src := source.New(regs, hal.SleepTimer{}, source.DefaultConfig())
//	link, err := src.EstablishLink(ctx)
//	if err != nil {
//	    return err
//	}
//
//	attrs, err := msa.Recalculate(msa.Attributes{Timing: mode, BitsPerColor: 8}, src.LinkParams())
//	if err != nil {
//	    return err
//	}
//	return src.ProgramStream(1, attrs)
package source
