// Command dpsim drives the DisplayPort source stack against a simulated
// sink or MST topology.
//
// Scenarios are Lua files returning a table that describes the link, the
// device tree and the streams to place on it:
//
//	return {
//	  link = { max_lanes = 4, max_rate = "hbr2", mst = true },
//	  topology = {
//	    name = "hub", branch = true,
//	    children = {
//	      { port = 1, name = "left", edid = "1920x1080@60" },
//	      { port = 2, name = "right", edid = "1280x720@60" },
//	    },
//	  },
//	  streams = { { sink = 0 }, { sink = 1, mode = "1280x720@60" } },
//	}
//
// Without --scenario, a single SST sink with a 1080p60 EDID is used.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/prof"
)

// Build variables set by ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "none"
)

// options are the persistent flags shared by every command.
type options struct {
	scenario  string
	logLevel  string
	logFormat string
	output    string
	metrics   bool
	capture   string

	cpuProfile  string
	heapProfile string
	profiles    string
	profile     *prof.Session
}

func (o *options) configureLogging() error {
	level, err := pkg.ParseLogLevel(o.logLevel)
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(o.logFormat)
	if err != nil {
		return err
	}
	pkg.SetLogFormat(format)
	pkg.SetLogLevel(level)
	return nil
}

func (o *options) startProfile() error {
	snaps, err := prof.ParseProfiles(o.profiles)
	if err != nil {
		return err
	}
	cfg := prof.Config{CPU: o.cpuProfile, Heap: o.heapProfile, Snapshots: snaps}
	if cfg.Empty() {
		return nil
	}
	if !prof.Enabled {
		pkg.LogWarn(pkg.ComponentSim, "profiling requested but not compiled in (build with -tags profile)")
	}
	o.profile, err = prof.Start(cfg)
	return err
}

func (o *options) stopProfile() error {
	err := o.profile.Stop()
	o.profile = nil
	return err
}

func newRootCmd() (*cobra.Command, *options) {
	opts := &options{}
	root := &cobra.Command{
		Use:   "dpsim",
		Short: "DisplayPort link and MST topology simulator",
		Long: `dpsim trains a DisplayPort link, discovers MST topologies and
allocates stream payloads against simulated sinks and branch devices.`,
		Version:       fmt.Sprintf("%s (%s)", buildVersion, buildCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := opts.configureLogging(); err != nil {
				return err
			}
			return opts.startProfile()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return opts.stopProfile()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.scenario, "scenario", "s", "", "Lua scenario file")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVarP(&opts.output, "output", "o", "text", "Report format (text, yaml)")
	flags.BoolVar(&opts.metrics, "metrics", false, "Append stack counters to the report")
	flags.StringVar(&opts.capture, "capture", "", "Record sideband mailbox traffic to a pcapng file")
	flags.StringVar(&opts.cpuProfile, "cpu-profile", "", "Write a CPU profile (requires -tags profile)")
	flags.StringVar(&opts.heapProfile, "heap-profile", "", "Write a heap profile on exit (requires -tags profile)")
	flags.StringVar(&opts.profiles, "profiles", "", "Comma-separated snapshot profiles to write on exit")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newTrainCmd(opts))
	root.AddCommand(newDiscoverCmd(opts))
	root.AddCommand(newAllocateCmd(opts))
	root.AddCommand(newMSACmd(opts))
	root.AddCommand(newDissectCmd(opts))
	return root, opts
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dpsim %s (%s)\n", buildVersion, buildCommit)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root, opts := newRootCmd()
	err := root.ExecuteContext(ctx)
	// PersistentPostRunE is skipped when a command fails.
	if perr := opts.stopProfile(); err == nil {
		err = perr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
