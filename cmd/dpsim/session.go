package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/hal/sim"
	"github.com/ardnew/softdp/msa"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/sideband"
	"github.com/ardnew/softdp/source"
)

// session is a source attached to a simulated topology.
type session struct {
	scenario *Scenario
	modes    *msa.ModeTable
	core     *sim.TxCore
	root     *sim.Device
	src      *source.Source

	capture *sideband.Capture
	file    *os.File
}

func (o *options) loadScenario() (*Scenario, error) {
	if o.scenario == "" {
		return DefaultScenario(), nil
	}
	return ReadScenario(o.scenario)
}

// openSession builds the scenario, plugs it into a simulated transmitter
// and establishes the link.
func (o *options) openSession(ctx context.Context) (*session, error) {
	sc, err := o.loadScenario()
	if err != nil {
		return nil, err
	}
	cfg, err := sc.SourceConfig()
	if err != nil {
		return nil, err
	}
	s := &session{scenario: sc, modes: msa.NewModeTable(msa.DMTModes())}
	if s.root, err = sc.Build(s.modes); err != nil {
		return nil, err
	}

	s.core = sim.NewTxCore()
	s.core.Plug(s.root)
	s.src = source.New(s.core, hal.NopTimer{}, cfg)

	if o.capture != "" {
		if s.file, err = os.Create(o.capture); err != nil {
			return nil, err
		}
		if s.capture, err = sideband.NewCapture(s.file); err != nil {
			s.file.Close()
			return nil, err
		}
		s.src.Messenger().SetCapture(s.capture)
	}

	if _, err := s.src.EstablishLink(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("establish link: %w", err), s.Close())
	}
	pkg.LogInfo(pkg.ComponentSim, "session open",
		"topology", sc.Topology.Name, "link", s.src.Trainer().Link().String())
	return s, nil
}

// Close flushes the capture file.
func (s *session) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.capture.Flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// discover walks the topology of an MST link.
func (s *session) discover(ctx context.Context) (*source.Snapshot, error) {
	if !s.src.MST() {
		return nil, fmt.Errorf("%s is not an MST branch: %w", s.scenario.Topology.Name, pkg.ErrNotSupported)
	}
	return s.src.Discover(ctx)
}

// resolvedStream is a stream whose attributes are derived for the link.
type resolvedStream struct {
	attrs        msa.Attributes
	manufacturer string
}

// resolveStream picks the timing of st, from its EDID when no mode is
// named, and derives the attributes for the trained link. entry is nil for
// SST.
func (s *session) resolveStream(ctx context.Context, st StreamSpec, entry *source.SinkEntry) (resolvedStream, error) {
	var (
		rs     resolvedStream
		timing msa.VideoTiming
		err    error
	)
	if st.Mode == "" {
		edid, err := s.src.ReadEDIDBlock(ctx, entry)
		if err != nil {
			return rs, err
		}
		if timing, err = msa.ParseEDID(edid); err != nil {
			return rs, err
		}
		if rs.manufacturer, err = msa.ParseManufacturer(edid); err != nil {
			pkg.LogWarn(pkg.ComponentSim, "edid manufacturer", "error", err)
		}
	} else {
		var ok bool
		if timing, ok = s.modes.Lookup(st.Mode); !ok {
			return rs, fmt.Errorf("mode %q: %w", st.Mode, pkg.ErrInvalidParameter)
		}
	}

	attrs := msa.Attributes{Timing: timing, BitsPerColor: 8}
	if st.BitsPerColor != 0 {
		attrs.BitsPerColor = uint8(st.BitsPerColor)
	}
	if st.Format != "" {
		if attrs.Format, err = msa.ParseComponentFormat(st.Format); err != nil {
			return rs, err
		}
	}
	rs.attrs, err = msa.Recalculate(attrs, s.src.LinkParams())
	return rs, err
}
