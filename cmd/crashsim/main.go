// Command crashsim assembles a simulated machine and drives it through a
// full crash shutdown, reporting how the shootdown went and writing the
// collected state as a vmcore note file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/vmcrash"
	"github.com/tinyrange/vmcrash/internal/config"
	"github.com/tinyrange/vmcrash/internal/crash"
	"github.com/tinyrange/vmcrash/internal/devices/pci"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	numCPUs := fs.Int("cpus", 4, "Number of simulated CPUs")
	fromCPU := fs.Int("from", 0, "CPU that observes the fatal condition")
	x2apic := fs.Bool("x2apic", false, "Start local APICs in x2APIC mode")
	configPath := fs.String("config", "", "Optional YAML crash policy")
	quiet := fs.Bool("quiet", false, "Suppress the wait-loop progress bar")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg := config.FromEnv()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	p, err := vmcrash.New(vmcrash.Options{
		NumCPUs:       *numCPUs,
		X2APIC:        *x2apic,
		ConsoleOutput: os.Stdout,
		Config:        cfg,
		Logger:        log,
		PhysStart:     0x200000,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to assemble platform: %v\n", err)
		os.Exit(1)
	}

	// A couple of MSI-capable functions so the crash path has something to
	// disable.
	p.PCI().Add(pci.Address{Dev: 2}, true, false).EnableMSI()
	p.PCI().Add(pci.Address{Dev: 3, Fn: 1}, false, true).EnableMSIX()

	var opts []crash.Option
	if !*quiet {
		// One tick per wait-loop poll.
		shoot := cfg.Shootdown.Normalize()
		steps := (shoot.TimeoutMS + shoot.PollIntervalMS - 1) / shoot.PollIntervalMS
		bar := progressbar.Default(int64(steps), "waiting for CPUs")
		defer bar.Close()
		opts = append(opts, crash.WithPollObserver(func(waiting int, elapsed time.Duration) {
			bar.Add(1)
			bar.Describe(fmt.Sprintf("waiting for %d CPUs", waiting))
		}))
	}

	start := time.Now()
	if err := p.TriggerCrash(*fromCPU, opts...); err != nil {
		fmt.Fprintf(os.Stderr, "crash shutdown failed: %v\n", err)
		os.Exit(1)
	}
	log.Info("machine quiescent", "took", time.Since(start))

	p.WaitParked(5 * time.Second)

	if err := p.WriteVMCore(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write vmcore: %v\n", err)
		os.Exit(1)
	}
	log.Info("wrote vmcore",
		"path", cfg.Dump.VMCorePath,
		"cpus", len(p.Dump().SavedCPUs()))
}
