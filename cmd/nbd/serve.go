// +build linux

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	"github.com/kardianos/osext"
	"github.com/mattn/go-isatty"
	"github.com/oriys/blocksrv"
	"github.com/sevlyar/go-daemon"
)

func init() {
	commands = append(commands, &serveCmd{})
}

type serveCmd struct {
	addr        string
	unix        bool
	config      string
	daemonize   bool
	pidFile     string
	logFile     string
	metricsAddr string
}

func (cmd *serveCmd) Name() string {
	return "serve"
}

func (cmd *serveCmd) Synopsis() string {
	return "serve a file as a block device"
}

func (cmd *serveCmd) Usage() string {
	return `Usage: nbd serve [<file>|-config <file.yaml>]

Serve a file as over NBD as a block device. With -config, serve one or more
exports described in a YAML file instead of a single file given on the
command line.
`
}

func (cmd *serveCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.addr, "addr", "localhost:10809", "Address to listen on")
	fs.BoolVar(&cmd.unix, "unix", false, "Serve on a unix domain socket")
	fs.StringVar(&cmd.config, "config", "", "YAML file describing exports to serve, instead of a single file argument")
	fs.BoolVar(&cmd.daemonize, "daemon", false, "Detach and run in the background")
	fs.StringVar(&cmd.pidFile, "pid-file", "/var/run/nbd-serve.pid", "PID file to write when -daemon is set")
	fs.StringVar(&cmd.logFile, "log-file", "/var/log/nbd-serve.log", "Log file to use when -daemon is set")
	fs.StringVar(&cmd.metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address")
}

func (cmd *serveCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if cmd.config == "" && fs.NArg() != 1 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	if cmd.config != "" && fs.NArg() != 0 {
		log.Println("-config and a file argument are mutually exclusive")
		return subcommands.ExitUsageError
	}

	if cmd.daemonize {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			log.Println("-daemon requires an interactive terminal to fork from")
			return subcommands.ExitFailure
		}
		exe, err := osext.Executable()
		if err != nil {
			log.Println("resolving own executable path:", err)
			return subcommands.ExitFailure
		}
		dctx := &daemon.Context{
			PidFileName: cmd.pidFile,
			PidFilePerm: 0644,
			LogFileName: cmd.logFile,
			LogFilePerm: 0640,
			Umask:       027,
			Args:        append([]string{exe}, os.Args[1:]...),
		}
		child, err := dctx.Reborn()
		if err != nil {
			log.Println("daemonizing:", err)
			return subcommands.ExitFailure
		}
		if child != nil {
			// Parent process: the child has been started, nothing left to do.
			return subcommands.ExitSuccess
		}
		defer dctx.Release()
	}

	if cmd.metricsAddr != "" {
		go func() {
			http.Handle("/metrics", nbd.MetricsHandler())
			log.Println(http.ListenAndServe(cmd.metricsAddr, nil))
		}()
	}

	var exports []nbd.Export
	if cmd.config != "" {
		cfg, err := nbd.LoadConfig(cmd.config)
		if err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		exps, devices, err := cfg.OpenExports()
		if err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		defer func() {
			for _, d := range devices {
				d.Close()
			}
		}()
		exports = exps
		if cfg.Listen != "" {
			cmd.addr = cfg.Listen
		}
		cmd.unix = cfg.Unix
	} else {
		f, err := os.OpenFile(fs.Arg(0), os.O_RDWR, 0)
		if err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		exports = []nbd.Export{{
			Name:        filepath.Base(fs.Arg(0)),
			Description: "",
			Size:        uint64(fi.Size()),
			BlockSizes:  blockSize(fi),
			Device:      f,
		}}
	}

	network := "tcp"
	if cmd.unix {
		network = "unix"
	}

	if err := nbd.ListenAndServe(ctx, network, cmd.addr, exports...); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
