package flag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gosoo/vmm"
	"github.com/sirupsen/logrus"
)

var errAgency = errors.New("agency")

// CLI is the command line of gosoo.
type CLI struct {
	Agency  AgencyCMD  `cmd:"" help:"Run an agency hosting MEs."`
	Migrate MigrateCMD `cmd:"" help:"Migrate an ME to another agency."`
	Ctl     CtlCMD     `cmd:"" help:"Send a control command to a running agency."`
}

// AgencyCMD runs an agency. Flags override the config file, which
// overrides the defaults.
type AgencyCMD struct {
	Config        string `short:"f" type:"existingfile" help:"TOML configuration file."`
	RAMSize       string `short:"m" name:"ram-size" help:"host RAM for MEs: as number[gGmMkK], defaults to M"`
	SlotSize      string `name:"slot-size" help:"memory slot size: as number[gGmMkK], defaults to M"`
	RingSize      string `name:"ring-size" help:"vbstore ring size in bytes"`
	StoreDB       string `name:"store-db" help:"bolt file persisting the store"`
	ControlSocket string `short:"s" name:"control-socket" help:"Unix socket accepting control commands"`
	MetricsAddr   string `name:"metrics-addr" help:"address serving /metrics"`
	LogLevel      string `name:"log-level" help:"logrus level"`
	Listen        string `short:"l" help:"TCP address accepting incoming migrations"`
	Boot          int    `short:"b" default:"0" help:"number of MEs to boot at start"`
}

// MigrateCMD asks a running agency to migrate one of its MEs.
type MigrateCMD struct {
	ControlSocket string `short:"s" name:"control-socket" required:"" help:"control socket of the source agency"`
	Slot          int    `arg:"" help:"slot of the ME"`
	Addr          string `arg:"" help:"host:port of the destination agency"`
}

// CtlCMD sends a raw control command.
type CtlCMD struct {
	ControlSocket string   `short:"s" name:"control-socket" required:"" help:"control socket of the agency"`
	Command       []string `arg:"" help:"command and arguments, e.g. LIST or RELOCATE 0 2"`
}

func Parse() error {
	c := CLI{}

	programName := "gosoo"
	programDesc := "gosoo runs mobile entities and moves them between agencies"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

// config resolves the agency configuration from defaults, the config
// file and the flags.
func (s *AgencyCMD) config() (Config, error) {
	c := DefaultConfig()

	if s.Config != "" {
		if err := LoadConfig(s.Config, &c); err != nil {
			return Config{}, err
		}
	}

	c.Merge(Config{
		RAMSize:       s.RAMSize,
		SlotSize:      s.SlotSize,
		RingSize:      s.RingSize,
		StoreDB:       s.StoreDB,
		ControlSocket: s.ControlSocket,
		MetricsAddr:   s.MetricsAddr,
		LogLevel:      s.LogLevel,
		Listen:        s.Listen,
	})

	return c, nil
}

func (s *AgencyCMD) Run() error {
	c, err := s.config()
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	vc, err := c.VMM()
	if err != nil {
		return err
	}

	a := vmm.New(vc)

	if err := a.Init(); err != nil {
		return err
	}

	defer a.Close()

	for i := 0; i < s.Boot; i++ {
		d, err := a.Boot(-1)
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{"slot": d.Slot().Index, "uuid": d.UUID()}).Info("ME booted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.Infof("agency running, control socket %s", vc.ControlSocket)

	return a.Serve(ctx)
}

func (m *MigrateCMD) Run() error {
	out, err := send(m.ControlSocket, "MIGRATE "+strconv.Itoa(m.Slot)+" "+m.Addr)
	if err != nil {
		return err
	}

	fmt.Print(out)

	return nil
}

func (c *CtlCMD) Run() error {
	out, err := send(c.ControlSocket, strings.Join(c.Command, " "))
	if err != nil {
		return err
	}

	fmt.Print(out)

	return nil
}

// send runs one command on the agency listening on sock and returns
// its reply.
func send(sock, line string) (string, error) {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	defer conn.Close()

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", err
	}

	if msg, ok := strings.CutPrefix(string(reply), "ERROR "); ok {
		return "", fmt.Errorf("%w: %s", errAgency, strings.TrimSpace(msg))
	}

	return string(reply), nil
}
