package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/obhq/obvmm/internal/debug"
	"github.com/obhq/obvmm/internal/events"
	"github.com/obhq/obvmm/internal/gdb"
	"github.com/obhq/obvmm/internal/hv/factory"
	"github.com/obhq/obvmm/internal/kernel"
	"github.com/obhq/obvmm/internal/profile"
	"github.com/obhq/obvmm/internal/screen"
	"github.com/obhq/obvmm/internal/timeslice"
	"github.com/obhq/obvmm/internal/vmm"
)

// frameInterval paces redraw requests to the headless screen.
const frameInterval = time.Second / 60

var runOpts struct {
	kernel     string
	profile    string
	cpus       int
	resolution string
	memory     string
	debugAddr  string
	timeslice  string
	trace      string
	verbose    bool
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVarP(&runOpts.kernel, "kernel", "k", "", "Kernel image to boot")
	f.StringVarP(&runOpts.profile, "profile", "p", "", "Profile file (YAML)")
	f.IntVar(&runOpts.cpus, "cpus", 0, "Number of vCPUs, overriding the profile")
	f.StringVar(&runOpts.resolution, "resolution", "", "Display resolution: hd, fullhd or ultrahd")
	f.StringVar(&runOpts.memory, "memory", "", "Guest RAM, for example 8GiB")
	f.StringVar(&runOpts.debugAddr, "debug", "", "Wait for a GDB connection on this address, for example 127.0.0.1:1234")
	f.StringVar(&runOpts.timeslice, "timeslice", "", "Record vCPU timeslices to this file")
	f.StringVar(&runOpts.trace, "trace", "", "Write a binary exit trace to this file")
	f.BoolVarP(&runOpts.verbose, "verbose", "v", false, "Log at debug level")
	runCmd.MarkFlagRequired("kernel")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a kernel",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if runOpts.verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		prof, err := loadProfile(cmd)
		if err != nil {
			return err
		}

		if runOpts.trace != "" {
			if err := debug.OpenFile(runOpts.trace); err != nil {
				return err
			}
			defer debug.Close()
		}
		if runOpts.timeslice != "" {
			f, err := os.Create(runOpts.timeslice)
			if err != nil {
				return fmt.Errorf("create timeslice file: %w", err)
			}
			defer f.Close()

			rec, err := timeslice.StartRecording(f)
			if err != nil {
				return err
			}
			defer rec.Close()
		}

		img, err := readKernel(runOpts.kernel)
		if err != nil {
			return err
		}

		h, err := factory.OpenWithArchitecture(img.Architecture())
		if err != nil {
			return fmt.Errorf("open hypervisor: %w", err)
		}
		defer h.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		cfg := vmm.Config{
			Hypervisor: h,
			Kernel:     img,
			Screen:     screen.NewHeadless(),
			Profile:    prof,
			Logger:     slog.Default(),
		}
		if prof.DebugAddr != "" {
			srv, err := gdb.Listen(ctx, prof.DebugAddr)
			if err != nil {
				return err
			}
			defer srv.Close()
			cfg.Debugger = srv
		}

		vm, err := vmm.Start(ctx, cfg)
		if err != nil {
			return err
		}
		slog.Info("running", "profile", prof.String())

		return serve(ctx, vm, cmd.OutOrStdout())
	},
}

// loadProfile reads the profile file, or the default one, and applies the
// flags set on the command line.
func loadProfile(cmd *cobra.Command) (profile.Profile, error) {
	prof := profile.Default()
	if runOpts.profile != "" {
		var err error
		if prof, err = profile.Load(runOpts.profile); err != nil {
			return profile.Profile{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("cpus") {
		prof.CPUCount = runOpts.cpus
	}
	if flags.Changed("resolution") {
		r, err := profile.ParseResolution(runOpts.resolution)
		if err != nil {
			return profile.Profile{}, err
		}
		prof.Resolution = r
	}
	if flags.Changed("memory") {
		prof.Memory = runOpts.memory
	}
	if flags.Changed("debug") {
		prof.DebugAddr = runOpts.debugAddr
	}

	if err := prof.Validate(); err != nil {
		return profile.Profile{}, err
	}
	return prof, nil
}

// readKernel loads the whole image, showing progress on a terminal.
func readKernel(path string) (*kernel.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat kernel: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(int(fi.Size()))

	var w io.Writer = &buf
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(fi.Size(), "loading kernel")
		defer bar.Close()
		w = io.MultiWriter(&buf, bar)
	}
	if _, err := io.Copy(w, f); err != nil {
		return nil, fmt.Errorf("read kernel: %w", err)
	}

	img, err := kernel.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	slog.Debug("kernel loaded", "path", path, "size", units.HumanSize(float64(fi.Size())),
		"arch", img.Architecture(), "entry", fmt.Sprintf("%#x", img.Entry()))
	return img, nil
}

// serve consumes the event stream until the VM exits. A failed guest is
// reported as an error so the process exits non-zero.
func serve(ctx context.Context, vm *vmm.VirtualMachine, out io.Writer) error {
	color := false
	if f, ok := out.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}

	var success bool
	loopCtx, done := context.WithCancel(context.Background())

	var g errgroup.Group
	g.Go(func() error {
		defer done()
		for ev := range vm.Events() {
			switch ev := ev.(type) {
			case events.LogEvent:
				fmt.Fprintln(out, formatLog(ev, color))
			case events.BreakpointEvent:
				stop, ok := ev.Stop.(*vmm.KernelStop)
				if !ok {
					return fmt.Errorf("unexpected stop %T", ev.Stop)
				}
				vm.DispatchDebug(stop)
			case events.ErrorEvent:
				var fault *vmm.FaultError
				if errors.As(ev.Err, &fault) {
					slog.Error("vCPU fault", "cpu", ev.CPU, "pc", fmt.Sprintf("%#x", fault.Exit.PC),
						"instruction", fault.Instruction(), "error", fault.Err)
				} else {
					slog.Error("vCPU failed", "cpu", ev.CPU, "error", ev.Err)
				}
			case events.ExitingEvent:
				success = ev.Success
			}
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			slog.Info("interrupted, shutting down")
			vm.Shutdown()
		case <-loopCtx.Done():
		}
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(frameInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				vm.Draw()
			case <-loopCtx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		vm.Shutdown()
		go func() {
			for range vm.Events() {
			}
		}()
		vm.Wait()
		return err
	}
	vm.Wait()

	if !success {
		return errors.New("guest exited with a failure")
	}
	return nil
}

func formatLog(ev events.LogEvent, color bool) string {
	text := ansi.Strip(ev.Text)
	if !color {
		return fmt.Sprintf("%s %s", ev.Level, text)
	}

	var c ansi.BasicColor
	switch {
	case ev.Level >= slog.LevelError:
		c = ansi.Red
	case ev.Level >= slog.LevelWarn:
		c = ansi.Yellow
	case ev.Level >= slog.LevelInfo:
		c = ansi.Green
	default:
		c = ansi.BrightBlack
	}
	return ansi.Style{}.ForegroundColor(c).Styled(fmt.Sprintf("%-5s", ev.Level)) + " " + text
}
