// +build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/oriys/blocksrv"
)

func init() {
	commands = append(commands, &connectCmd{})
}

type connectCmd struct {
	addr   string
	unix   bool
	export string
	legacy bool
	dev    string
}

func (cmd *connectCmd) Name() string {
	return "connect"
}

func (cmd *connectCmd) Synopsis() string {
	return "connect an NBD export as a block device"
}

func (cmd *connectCmd) Usage() string {
	return `Usage: nbd connect -addr <addr> [-unix]

Connect a server to an NBD device node.
`
}

func (cmd *connectCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.export, "export", "", "Export to use. If not provided, the default is used")
	fs.StringVar(&cmd.addr, "addr", "localhost:10809", "Address of the server to connect to")
	fs.BoolVar(&cmd.unix, "unix", false, "Connect via a unix domain socket")
	fs.BoolVar(&cmd.legacy, "legacy-ioctl", false, "Use the legacy ioctl interface instead of netlink")
	fs.StringVar(&cmd.dev, "dev", "", "Device node to attach to when -legacy-ioctl is set (e.g. /dev/nbd0)")
}

func (cmd *connectCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}

	network := "tcp"
	if cmd.unix {
		network = "unix"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := new(net.Dialer).DialContext(ctx, network, cmd.addr)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	var sock *os.File
	switch c := c.(type) {
	case *net.TCPConn:
		sock, err = c.File()
	case *net.UnixConn:
		sock, err = c.File()
	default:
		err = errors.New("could not get file descriptor: unknown connection type")
	}
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer sock.Close()

	cl, err := nbd.ClientHandshake(ctx, c)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	exp, err := cl.Go(cmd.export)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	if cmd.legacy {
		if cmd.dev == "" {
			log.Println("-dev is required with -legacy-ioctl")
			return subcommands.ExitFailure
		}
		wait, err := nbd.ConfigureIoctl(ctx, cmd.dev, sock, exp.Size, blockSizeOf(exp))
		if err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		fmt.Println(cmd.dev)
		if err := wait(); err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	n, err := nbd.Configure(exp, sock)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("/dev/nbd%d\n", n)
	return subcommands.ExitSuccess
}

func blockSizeOf(exp nbd.Export) uint32 {
	if exp.BlockSizes != nil {
		return exp.BlockSizes.Preferred
	}
	return 0
}
