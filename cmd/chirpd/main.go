// Command chirpd runs a CHIRP peer: it joins a group under a host name,
// announces whatever services are named on the command line, and logs
// every peer it discovers or loses until interrupted. A separate "show"
// invocation of the same binary can query a running chirpd's registered
// and discovered sets over its status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	"github.com/chirp-discovery/chirp/lib/beacon"
	"github.com/chirp-discovery/chirp/lib/chirp"
	"github.com/chirp-discovery/chirp/lib/chirpcfg"
	"github.com/chirp-discovery/chirp/lib/events"
	"github.com/chirp-discovery/chirp/lib/logger"
	"github.com/chirp-discovery/chirp/lib/svcutil"
)

// NewFacility already turns on debug output for any facility named in
// CHIRPTRACE, so chirpd needs no tracing setup of its own beyond declaring
// this facility.
var l = logger.DefaultLogger.NewFacility("chirpd", "CHIRP daemon")

// CLI is the kong grammar. Config/EnvFile/APIAddress are shared between
// both subcommand trees: AfterApply resolves them into one chirpcfg.Config
// and binds it, the way cmd/syncthing/cli's CLI.AfterApply resolves its
// flags once and binds the resulting *cli.Context for every subcommand.
type CLI struct {
	Config     string `name:"config" placeholder:"PATH" help:"Path to a YAML config file"`
	EnvFile    string `name:"env-file" placeholder:"PATH" help:"Path to a .env file"`
	APIAddress string `name:"api-address" placeholder:"HOST:PORT" help:"Override the configured status API address"`

	Run  runCmd  `cmd:"" help:"Run the CHIRP daemon"`
	Show showCmd `cmd:"" help:"Query a running chirpd's status API"`
}

func (cli *CLI) AfterApply(kongCtx *kong.Context) error {
	cfg, err := chirpcfg.Load(cli.Config, cli.EnvFile)
	if err != nil {
		return svcutil.AsFatalErr(fmt.Errorf("chirpd: loading configuration: %w", err), svcutil.ExitError)
	}
	if cli.APIAddress != "" {
		cfg.APIAddress = cli.APIAddress
	}
	kongCtx.Bind(&cfg)
	return nil
}

// runCmd starts the daemon: one beacon, Manager, and status API, all owned
// by one suture.Supervisor.
type runCmd struct {
	Group    string   `name:"group" help:"Override the configured group name"`
	Name     string   `name:"name" help:"Override the configured host name"`
	Port     int      `name:"port" help:"Override the configured broadcast port"`
	Services []string `name:"service" help:"Register a service as identifier:port, e.g. control:7000; repeatable"`
}

func (r *runCmd) Run(ctx context.Context, cfg *chirpcfg.Config) error {
	if r.Group != "" {
		cfg.Group = r.Group
	}
	if r.Name != "" {
		cfg.Name = r.Name
	}
	if r.Port != 0 {
		cfg.Port = r.Port
	}
	if cfg.Name == "" {
		hostname, _ := os.Hostname()
		cfg.Name = hostname
	}
	if cfg.Group == "" {
		cfg.Group = "default"
	}

	services, err := parseServices(r.Services)
	if err != nil {
		return svcutil.AsFatalErr(fmt.Errorf("chirpd: parsing -service: %w", err), svcutil.ExitError)
	}

	if err := cfg.Validate(); err != nil {
		return svcutil.AsFatalErr(err, svcutil.ExitError)
	}

	return runDaemon(ctx, *cfg, services)
}

// showCmd is a command group only, it never runs itself: kong requires one
// of Registered or Discovered to be named.
type showCmd struct {
	Registered registeredCmd `cmd:"" help:"List services the running chirpd has registered"`
	Discovered discoveredCmd `cmd:"" help:"List services discovered on the network"`
}

type registeredCmd struct{}

func (*registeredCmd) Run(cfg *chirpcfg.Config) error {
	return dumpStatus(cfg.APIAddress, "chirp/registered")
}

type discoveredCmd struct{}

func (*discoveredCmd) Run(cfg *chirpcfg.Config) error {
	return dumpStatus(cfg.APIAddress, "chirp/discovered")
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Description("CHIRP peer discovery daemon"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := kctx.Run(ctx)
	if err == nil || ctx.Err() != nil {
		// Either clean exit, or interrupted by signal and already
		// unwinding cleanly.
		return
	}

	var ferr *svcutil.FatalErr
	if errors.As(err, &ferr) {
		l.Warnln(ferr)
		os.Exit(ferr.Status.AsInt())
	}
	l.Warnln("exiting:", err)
	os.Exit(svcutil.ExitError.AsInt())
}

// runDaemon builds the beacon transport, Manager, and status API, adds
// them all to one supervisor, and blocks until ctx is cancelled or the
// supervisor tree terminates on its own (most likely a FatalErr from a
// misconfigured transport).
func runDaemon(ctx context.Context, cfg chirpcfg.Config, services []chirp.RegisteredService) error {
	sup := suture.New("chirpd", svcutil.SpecWithDebugLogger(l))
	svcutil.OnSupervisorDone(sup, func() { l.Infoln("supervisor tree stopped") })

	// Selecting between broadcast and multicast is a deployment decision,
	// not something the Manager cares about: it is handed whichever single
	// Interface its caller constructed. Broadcast takes priority if both
	// are enabled, since it is the common LAN deployment this daemon
	// targets; running both concurrently behind one Manager would need its
	// own fan-in goroutine and isn't implemented here.
	var transport chirp.Transport
	switch {
	case cfg.BroadcastEnabled:
		b := beacon.NewBroadcast(cfg.Port, cfg.BindAddress)
		sup.Add(b)
		transport = b
	case cfg.MulticastEnabled:
		m := beacon.NewMulticast(cfg.MulticastAddress)
		sup.Add(m)
		transport = m
	default:
		return svcutil.AsFatalErr(fmt.Errorf("chirpd: no transport enabled"), svcutil.ExitError)
	}

	evLog := events.NewLogger()
	go logEvents(ctx, evLog)

	mgr := chirp.NewManager(transport, cfg.Group, cfg.Name, evLog)
	sup.Add(svcutil.AsService(mgr.Serve, "chirp.Manager"))

	api := newStatusAPI(cfg.APIAddress, mgr)
	sup.Add(svcutil.AsService(api.Serve, "chirpd.api"))

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Serve(ctx) }()

	for _, svc := range services {
		mgr.RegisterService(svc)
		l.Infof("registered service %s on port %d", svc.Identifier, svc.Port)
	}

	select {
	case <-ctx.Done():
		<-mgr.Done()
		<-supErr
		return ctx.Err()
	case err := <-supErr:
		// The supervisor tree terminated on its own; nothing is left
		// serving, so there's no point waiting on mgr.Done() separately.
		return err
	}
}

func logEvents(ctx context.Context, evLog *events.Logger) {
	sub := evLog.Subscribe(events.AllEvents)
	defer evLog.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			l.Infof("%s: %+v", ev.Type, ev.Data)
		}
	}
}

func parseServices(specs []string) ([]chirp.RegisteredService, error) {
	out := make([]chirp.RegisteredService, 0, len(specs))
	for _, spec := range specs {
		identifier, portStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("%q: expected identifier:port", spec)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%q: invalid port: %w", spec, err)
		}
		id, err := parseServiceIdentifier(identifier)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", spec, err)
		}
		out = append(out, chirp.RegisteredService{Identifier: id, Port: uint16(port)})
	}
	return out, nil
}

func parseServiceIdentifier(s string) (chirp.ServiceIdentifier, error) {
	switch strings.ToLower(s) {
	case "control":
		return chirp.Control, nil
	case "heartbeat":
		return chirp.Heartbeat, nil
	case "monitoring":
		return chirp.Monitoring, nil
	case "data":
		return chirp.Data, nil
	default:
		return 0, fmt.Errorf("unknown service identifier %q", s)
	}
}
