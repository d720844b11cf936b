package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ghodss/yaml"
	"github.com/prometheus/common/expfmt"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/msa"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
	"github.com/ardnew/softdp/source"
)

// report is a command result rendered as text or YAML.
type report interface {
	writeText(w io.Writer) error
}

// emit writes r in the selected output format, followed by the stack
// counters when requested.
func (o *options) emit(w io.Writer, r report) error {
	switch o.output {
	case "yaml":
		b, err := yaml.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	case "text":
		if err := r.writeText(w); err != nil {
			return err
		}
	default:
		return fmt.Errorf("output %q: %w", o.output, pkg.ErrInvalidParameter)
	}
	if o.metrics {
		return writeMetrics(w)
	}
	return nil
}

// writeMetrics dumps the stack counters in the prometheus text format.
func writeMetrics(w io.Writer) error {
	families, err := metrics.Registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Link
// =============================================================================

type linkReport struct {
	Link            string `json:"link"`
	Lanes           int    `json:"lanes"`
	RateMbps        uint32 `json:"rateMbps"`
	BandwidthMbps   uint32 `json:"bandwidthMbps"`
	EnhancedFraming bool   `json:"enhancedFraming"`
	Downspread      bool   `json:"downspread"`
	Scrambling      bool   `json:"scrambling"`
	MST             bool   `json:"mst"`
	VoltageSwing    []int  `json:"voltageSwing"`
	PreEmphasis     []int  `json:"preEmphasis"`
}

func newLinkReport(l source.LinkConfig, mst bool) linkReport {
	r := linkReport{
		Link:            l.String(),
		Lanes:           int(l.LaneCount),
		RateMbps:        dpcd.LinkRateMbps(l.LinkRate),
		BandwidthMbps:   l.BandwidthMbps(),
		EnhancedFraming: l.EnhancedFraming,
		Downspread:      l.Downspread,
		Scrambling:      l.Scrambling,
		MST:             mst,
	}
	for lane := 0; lane < int(l.LaneCount); lane++ {
		r.VoltageSwing = append(r.VoltageSwing, int(l.VoltageSwing[lane]))
		r.PreEmphasis = append(r.PreEmphasis, int(l.PreEmphasis[lane]))
	}
	return r
}

func (r linkReport) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "link\t%s\n", r.Link)
	fmt.Fprintf(tw, "bandwidth\t%d Mbps\n", r.BandwidthMbps)
	fmt.Fprintf(tw, "framing\tenhanced=%t downspread=%t scrambling=%t\n",
		r.EnhancedFraming, r.Downspread, r.Scrambling)
	fmt.Fprintf(tw, "drive\tswing=%v pre-emphasis=%v\n", r.VoltageSwing, r.PreEmphasis)
	fmt.Fprintf(tw, "mst\t%t\n", r.MST)
	return tw.Flush()
}

// =============================================================================
// Topology
// =============================================================================

type nodeReport struct {
	GUID           string `json:"guid"`
	RAD            string `json:"rad"`
	LinkCountTotal int    `json:"lct"`
	Type           string `json:"type"`
	Revision       string `json:"revision,omitempty"`
	MessageCapable bool   `json:"messageCapable"`
	Ports          int    `json:"ports,omitempty"`
}

type sinkReport struct {
	Order int    `json:"order"`
	RAD   string `json:"rad"`
	GUID  string `json:"guid"`
}

type failureReport struct {
	RAD   string `json:"rad"`
	Error string `json:"error"`
}

type topologyReport struct {
	Link     linkReport      `json:"link"`
	Nodes    []nodeReport    `json:"nodes"`
	Sinks    []sinkReport    `json:"sinks"`
	Failures []failureReport `json:"failures,omitempty"`
}

func newNodeReport(n *source.TopologyNode) nodeReport {
	r := nodeReport{
		GUID:           n.GUID.String(),
		RAD:            n.RAD.String(),
		LinkCountTotal: int(n.LinkCountTotal),
		Type:           n.Type.String(),
		MessageCapable: n.MessageCapable,
		Ports:          len(n.Ports),
	}
	if n.DPCDRevision != 0 {
		r.Revision = fmt.Sprintf("%d.%d", n.DPCDRevision>>4, n.DPCDRevision&0xF)
	}
	return r
}

func newTopologyReport(link linkReport, snap *source.Snapshot) topologyReport {
	r := topologyReport{Link: link}
	for _, n := range snap.Nodes {
		r.Nodes = append(r.Nodes, newNodeReport(n))
	}
	for _, s := range snap.Sinks {
		r.Sinks = append(r.Sinks, sinkReport{Order: s.Order, RAD: s.Node.RAD.String(), GUID: s.Node.GUID.String()})
	}
	for _, f := range snap.Failures {
		r.Failures = append(r.Failures, failureReport{RAD: f.RAD.String(), Error: f.Err.Error()})
	}
	return r
}

func (r topologyReport) writeText(w io.Writer) error {
	if err := r.Link.writeText(w); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nRAD\tLCT\tTYPE\tREV\tGUID")
	for _, n := range r.Nodes {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", n.RAD, n.LinkCountTotal, n.Type, n.Revision, n.GUID)
	}
	fmt.Fprintln(tw, "\nSINK\tRAD\tGUID")
	for _, s := range r.Sinks {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Order, s.RAD, s.GUID)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(tw, "failed\t%s\t%s\n", f.RAD, f.Error)
	}
	return tw.Flush()
}

// =============================================================================
// Main stream attributes
// =============================================================================

type msaReport struct {
	Mode             string `json:"mode"`
	BitsPerPixel     uint32 `json:"bitsPerPixel"`
	HStart           uint16 `json:"hStart"`
	VStart           uint16 `json:"vStart"`
	Misc0            uint8  `json:"misc0"`
	Misc1            uint8  `json:"misc1"`
	MVid             uint32 `json:"mVid"`
	NVid             uint32 `json:"nVid"`
	TransferUnitSize uint32 `json:"transferUnitSize"`
	UserPixelWidth   uint8  `json:"userPixelWidth"`
	DataPerLane      uint32 `json:"dataPerLane"`
	AvgBytesPerTU    string `json:"avgBytesPerTU"`
	InitWait         uint32 `json:"initWait"`
	TimeSlots        uint8  `json:"timeSlots,omitempty"`
	PBN              uint16 `json:"pbn,omitempty"`
}

func newMSAReport(attrs msa.Attributes) msaReport {
	d := attrs.Derived
	return msaReport{
		Mode:             attrs.Timing.String(),
		BitsPerPixel:     d.BitsPerPixel,
		HStart:           d.HStart,
		VStart:           d.VStart,
		Misc0:            d.Misc0,
		Misc1:            d.Misc1,
		MVid:             d.MVid,
		NVid:             d.NVid,
		TransferUnitSize: d.TransferUnitSize,
		UserPixelWidth:   d.UserPixelWidth,
		DataPerLane:      d.DataPerLane,
		AvgBytesPerTU:    d.AvgBytesPerTU.String(),
		InitWait:         d.InitWait,
		TimeSlots:        d.TimeSlots,
		PBN:              d.PBN,
	}
}

func (r msaReport) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "mode\t%s\t%d bpp\n", r.Mode, r.BitsPerPixel)
	fmt.Fprintf(tw, "start\th=%d v=%d\n", r.HStart, r.VStart)
	fmt.Fprintf(tw, "misc\t%#02x %#02x\n", r.Misc0, r.Misc1)
	fmt.Fprintf(tw, "m/n\t%d/%d\n", r.MVid, r.NVid)
	fmt.Fprintf(tw, "tu\t%d avg=%s init-wait=%d\n", r.TransferUnitSize, r.AvgBytesPerTU, r.InitWait)
	fmt.Fprintf(tw, "pixels/clock\t%d data/lane=%d\n", r.UserPixelWidth, r.DataPerLane)
	if r.TimeSlots != 0 {
		fmt.Fprintf(tw, "payload\t%d slots pbn=%d\n", r.TimeSlots, r.PBN)
	}
	return tw.Flush()
}

// =============================================================================
// Allocation
// =============================================================================

type streamReport struct {
	Stream       int       `json:"stream"`
	Sink         string    `json:"sink"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Vendor       string    `json:"vendor,omitempty"`
	Start        uint8     `json:"start,omitempty"`
	Count        uint8     `json:"count,omitempty"`
	MSA          msaReport `json:"msa"`
}

func newStreamReport(stream int, sink string, rs resolvedStream) streamReport {
	r := streamReport{Stream: stream, Sink: sink, Manufacturer: rs.manufacturer, MSA: newMSAReport(rs.attrs)}
	if rs.manufacturer != "" {
		r.Vendor = vendorName(rs.manufacturer)
	}
	return r
}

type allocationReport struct {
	Link    linkReport     `json:"link"`
	Streams []streamReport `json:"streams"`
}

func (r allocationReport) writeText(w io.Writer) error {
	if err := r.Link.writeText(w); err != nil {
		return err
	}
	for _, s := range r.Streams {
		fmt.Fprintf(w, "\nstream %d -> %s", s.Stream, s.Sink)
		switch {
		case s.Vendor != "":
			fmt.Fprintf(w, " (%s)", s.Vendor)
		case s.Manufacturer != "":
			fmt.Fprintf(w, " (%s)", s.Manufacturer)
		}
		if s.Count != 0 {
			fmt.Fprintf(w, " slots %d..%d", s.Start, s.Start+s.Count-1)
		}
		fmt.Fprintln(w)
		if err := s.MSA.writeText(w); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Dissection
// =============================================================================

type packetReport struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Summary string `json:"summary"`
	Error   string `json:"error,omitempty"`
}

type dissectReport struct {
	Packets []packetReport `json:"packets"`
}

func (r dissectReport) writeText(w io.Writer) error {
	for _, p := range r.Packets {
		line := fmt.Sprintf("%4d  %s  %s", p.Index, p.Address, p.Summary)
		if p.Error != "" {
			line += "  ! " + p.Error
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	return nil
}

// modeList is the output of msa --list.
type modeList struct {
	Modes []string `json:"modes"`
}

func (r modeList) writeText(w io.Writer) error {
	for _, m := range r.Modes {
		if _, err := fmt.Fprintln(w, m); err != nil {
			return err
		}
	}
	return nil
}
