package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdp/msa"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/sideband"
	"github.com/ardnew/softdp/source"
)

func newTrainCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the link to the scenario topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := opts.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.Close(); err == nil {
					err = cerr
				}
			}()
			return opts.emit(cmd.OutOrStdout(), newLinkReport(s.src.Trainer().Link(), s.src.MST()))
		},
	}
}

func newDiscoverCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Discover the MST topology behind the link",
		Long: `Discover trains the link, then walks every branch with LINK_ADDRESS,
issuing GUIDs from the scenario pool to devices without one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := opts.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.Close(); err == nil {
					err = cerr
				}
			}()
			snap, err := s.discover(cmd.Context())
			if err != nil {
				return err
			}
			link := newLinkReport(s.src.Trainer().Link(), s.src.MST())
			return opts.emit(cmd.OutOrStdout(), newTopologyReport(link, snap))
		},
	}
}

func newAllocateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "allocate",
		Short: "Place the scenario streams on the link",
		Long: `Allocate trains the link and programs every scenario stream. On an MST
link the topology is discovered, the payload tables cleared and time slots
allocated for all streams before any stream is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := opts.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.Close(); err == nil {
					err = cerr
				}
			}()
			r, err := allocate(cmd, s)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), r)
		},
	}
}

func allocate(cmd *cobra.Command, s *session) (allocationReport, error) {
	ctx := cmd.Context()
	r := allocationReport{Link: newLinkReport(s.src.Trainer().Link(), s.src.MST())}
	specs := s.scenario.Streams
	if len(specs) == 0 {
		return r, nil
	}

	if !s.src.MST() {
		if len(specs) > 1 {
			return r, fmt.Errorf("%d streams on an SST link: %w", len(specs), pkg.ErrNotSupported)
		}
		rs, err := s.resolveStream(ctx, specs[0], nil)
		if err != nil {
			return r, fmt.Errorf("stream 1: %w", err)
		}
		if err := s.src.ProgramStream(1, rs.attrs); err != nil {
			return r, err
		}
		r.Streams = append(r.Streams, newStreamReport(1, "sst", rs))
		return r, nil
	}

	snap, err := s.discover(ctx)
	if err != nil {
		return r, err
	}
	if err := s.src.ClearPayloads(ctx); err != nil {
		return r, err
	}

	resolved := make([]resolvedStream, len(specs))
	streams := make([]source.StreamConfig, len(specs))
	for i, spec := range specs {
		entry, err := snap.Sink(spec.Sink)
		if err != nil {
			return r, fmt.Errorf("stream %d: %w", i+1, err)
		}
		if resolved[i], err = s.resolveStream(ctx, spec, &entry); err != nil {
			return r, fmt.Errorf("stream %d: %w", i+1, err)
		}
		streams[i] = source.StreamFor(i+1, entry, resolved[i].attrs)
	}

	plan, err := s.src.AllocateStreams(ctx, streams)
	if err != nil {
		return r, err
	}
	for i, p := range plan {
		if err := s.src.ProgramStream(p.Stream, resolved[i].attrs); err != nil {
			return r, err
		}
		sr := newStreamReport(p.Stream, streams[i].RAD.String(), resolved[i])
		sr.Start, sr.Count = p.Start, p.Count
		r.Streams = append(r.Streams, sr)
	}
	return r, nil
}

func newMSACmd(opts *options) *cobra.Command {
	var (
		mode       string
		lanes      uint8
		rate       string
		bpc        uint8
		format     string
		mst        bool
		fourWide   bool
		pixelWidth uint8
		list       bool
	)
	cmd := &cobra.Command{
		Use:   "msa",
		Short: "Derive main stream attributes for a mode and link",
		Long: `Msa computes the main stream attributes of a DMT mode on a link without
a simulated device. With --mst the time slot count and PBN are derived too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modes := msa.NewModeTable(msa.DMTModes())
			if list {
				return opts.emit(cmd.OutOrStdout(), modeList{Modes: modes.Names()})
			}
			timing, ok := modes.Lookup(mode)
			if !ok {
				return fmt.Errorf("mode %q: %w", mode, pkg.ErrInvalidParameter)
			}
			code, err := parseRate(rate)
			if err != nil {
				return err
			}
			f, err := msa.ParseComponentFormat(format)
			if err != nil {
				return err
			}
			attrs, err := msa.Recalculate(
				msa.Attributes{Timing: timing, BitsPerColor: bpc, Format: f, UserPixelWidth: pixelWidth},
				msa.LinkParams{Lanes: lanes, RateCode: code, MST: mst, DataPath4Wide: fourWide},
			)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), newMSAReport(attrs))
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "1920x1080@60", "Video mode")
	cmd.Flags().Uint8VarP(&lanes, "lanes", "l", 4, "Lane count (1, 2, 4)")
	cmd.Flags().StringVarP(&rate, "rate", "r", "hbr2", "Link rate (rbr, hbr, hbr2)")
	cmd.Flags().Uint8Var(&bpc, "bpc", 8, "Bits per color")
	cmd.Flags().StringVar(&format, "format", "rgb", "Component format (rgb, ycbcr422, ycbcr444, y-only)")
	cmd.Flags().BoolVar(&mst, "mst", false, "Derive MST time slots and PBN")
	cmd.Flags().BoolVar(&fourWide, "four-wide", false, "Round time slots for a four-wide data path")
	cmd.Flags().Uint8Var(&pixelWidth, "pixel-width", 0, "Force 1, 2 or 4 pixels per clock")
	cmd.Flags().BoolVar(&list, "list", false, "List the known modes")
	return cmd
}

func newDissectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dissect <capture.pcapng>",
		Short: "Decode a sideband mailbox capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			pkts, err := sideband.ReadCapture(f)
			if err != nil {
				return err
			}
			var r dissectReport
			for i, pkt := range pkts {
				p := packetReport{Index: i}
				dir := sideband.DirectionDownRequest
				if mb, ok := pkt.Layer(sideband.LayerTypeMailbox).(*sideband.Mailbox); ok {
					dir = mb.Direction
					p.Address = fmt.Sprintf("%#05x", mb.Address)
				}
				if sb, ok := pkt.Layer(sideband.LayerTypeSideband).(*sideband.Sideband); ok {
					p.Summary = sb.Summary(dir)
				}
				if el := pkt.ErrorLayer(); el != nil {
					p.Error = el.Error().Error()
				}
				r.Packets = append(r.Packets, p)
			}
			return opts.emit(cmd.OutOrStdout(), r)
		},
	}
}
