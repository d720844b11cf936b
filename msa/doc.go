// Package msa derives main stream attributes, the timing and format
// parameters the transmitter needs for each video stream.
//
// [Recalculate] is a pure function of a base [VideoTiming], the stream
// format and the current [LinkParams]. It always recomputes every derived
// field, so stale and fresh values never mix.
//
// Fractional quantities are integer fixed point: average bytes per
// transfer unit in thousandths ([Fixed]) and MST time slots in eighths.
// Results are bit-reproducible across platforms.
//
// The package also carries the DMT mode table ([ModeTable]) and a parser
// for the EDID preferred timing descriptor ([ParseEDID]).
package msa
