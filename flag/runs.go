package flag

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/plugvm/plugvm/config"
	"github.com/plugvm/plugvm/probe"
	"github.com/plugvm/plugvm/vmm"
)

// CLI is the command surface.
type CLI struct {
	Run   RunCMD   `cmd:"" help:"Run the VM device plane."`
	Probe ProbeCMD `cmd:"" help:"Probe KVM capabilities."`

	Debug bool `help:"Enable debug logging."`
}

type RunCMD struct {
	Config  string `short:"c" help:"YAML config path." type:"existingfile"`
	Profile string `help:"Write a CPU profile under this directory."`

	Resize map[string]string `help:"Initial memory-device sizes, id=size[gGmMkK]."`
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"Path of the kvm device."`
}

// Parse runs the CLI.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("plugvm"),
		kong.Description("plugvm is a small KVM device plane with memory hotplug and vsock"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run(&c)
}

func newLogger(debug bool) *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}

	return l
}

func (d *ProbeCMD) Run(cli *CLI) error {
	return probe.KVMCapabilities(d.Dev)
}

func (s *RunCMD) Run(cli *CLI) error {
	l := newLogger(cli.Debug)

	if s.Profile != "" {
		defer profile.Start(profile.ProfilePath(s.Profile)).Stop()
	}

	cfg := config.Default()

	if s.Config != "" {
		var err error
		if cfg, err = config.Load(s.Config, l); err != nil {
			return err
		}
	}

	v := vmm.New(l, cfg)
	if err := v.Init(); err != nil {
		return err
	}
	defer v.Shutdown()

	for id, size := range s.Resize {
		bytes, err := ParseSize(size, "m")
		if err != nil {
			return err
		}

		if err := v.ResizeMemoryDevice(id, bytes); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	return v.Run(ctx)
}
