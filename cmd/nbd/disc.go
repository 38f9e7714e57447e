// +build linux

package main

import (
	"context"
	"flag"
	"log"

	"github.com/google/subcommands"
	"github.com/oriys/blocksrv"
	"github.com/oriys/blocksrv/nbdnl"
)

func init() {
	commands = append(commands, &discCmd{})
}

type discCmd struct {
	index  indexFlag
	legacy bool
	dev    string
}

func (cmd *discCmd) Name() string {
	return "disc"
}

func (cmd *discCmd) Synopsis() string {
	return "Disconnect an NBD devices"
}

func (cmd *discCmd) Usage() string {
	return `Usage: nbd disc -index <n>

Disconnect an NBD device. If the given device is not connected, disc is a
no-op.
`
}

func (cmd *discCmd) SetFlags(fs *flag.FlagSet) {
	cmd.index.def = "none"
	fs.Var(&cmd.index, "index", "Index of NBD device")
	fs.BoolVar(&cmd.legacy, "legacy-ioctl", false, "Disconnect a device attached via -legacy-ioctl")
	fs.StringVar(&cmd.dev, "dev", "", "Device node to disconnect when -legacy-ioctl is set (e.g. /dev/nbd0)")
}

func (cmd *discCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if cmd.legacy {
		if cmd.dev == "" {
			log.Println("-dev is required with -legacy-ioctl")
			return subcommands.ExitFailure
		}
		if err := nbd.DisconnectIoctl(cmd.dev); err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}
	if !cmd.index.set {
		log.Println("-index is required")
		return subcommands.ExitFailure
	}
	if err := nbdnl.Disconnect(cmd.index.val); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
