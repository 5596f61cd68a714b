// Copyright 2021 Hailiang Zhao <hliangzhao@zju.edu.cn>
// This file is part of the lightChain.
//
// The lightChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lightChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lightChain. If not, see <http://www.gnu.org/licenses/>.

// Command blockchain-node runs a single participant: either a mining core
// node (server) or an edge wallet (wallet), chosen by subcommand.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"blockchain-rs-go/internal/log"
	"blockchain-rs-go/node"
)

func main() {
	app := &cli.App{
		Name:  "blockchain-node",
		Usage: "run a lightChain core node or edge wallet",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "use a human-readable development logger instead of JSON"},
		},
		Commands: []*cli.Command{
			serverCommand(),
			walletCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "start a mining core node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ip", Required: true, Usage: "address this node listens on"},
			&cli.StringFlag{Name: "port", Required: true, Usage: "port this node listens on"},
			&cli.StringFlag{Name: "core-ip", Usage: "a bootstrap core's address; omit to start as the bootstrap"},
			&cli.StringFlag{Name: "core-port", Usage: "the bootstrap core's port; omit to start as the bootstrap"},
		},
		Action: runServer,
	}
}

func runServer(c *cli.Context) error {
	if err := log.Init(c.Bool("debug")); err != nil {
		return err
	}
	defer log.Sync()

	sc, err := node.NewServerCore(c.String("ip"), c.String("port"))
	if err != nil {
		return err
	}
	if err := sc.Start(); err != nil {
		return err
	}
	log.L().Infow("server core listening", "ip", sc.MyIP, "port", sc.MyPort)

	if coreIP := c.String("core-ip"); coreIP != "" {
		sc.JoinNetwork(coreIP, c.String("core-port"))
		log.L().Infow("joined network", "core_ip", coreIP, "core_port", c.String("core-port"))
	} else {
		log.L().Infow("starting as bootstrap node")
	}

	waitForSignal()
	sc.Shutdown()
	return nil
}

func walletCommand() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "start an edge wallet",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ip", Required: true, Usage: "address this wallet listens on"},
			&cli.StringFlag{Name: "port", Required: true, Usage: "port this wallet listens on"},
			&cli.StringFlag{Name: "core-ip", Required: true, Usage: "the upstream core's address"},
			&cli.StringFlag{Name: "core-port", Required: true, Usage: "the upstream core's port"},
			&cli.StringFlag{Name: "send", Usage: "recipient address for a one-shot send after startup"},
			&cli.Int64Flag{Name: "amount", Usage: "amount to send (required with --send)"},
			&cli.Int64Flag{Name: "fee", Usage: "fee to offer the mining node (required with --send)"},
		},
		Action: runWallet,
	}
}

func runWallet(c *cli.Context) error {
	if err := log.Init(c.Bool("debug")); err != nil {
		return err
	}
	defer log.Sync()

	cc, err := node.NewClientCore(c.String("ip"), c.String("port"), c.String("core-ip"), c.String("core-port"))
	if err != nil {
		return err
	}
	if err := cc.Start(); err != nil {
		return err
	}
	log.L().Infow("wallet listening", "ip", cc.MyIP, "port", cc.MyPort, "address", cc.Address())

	cc.JoinNetwork()
	if err := cc.RefreshChain(); err != nil {
		log.L().Warnw("initial chain refresh failed", "err", err)
	}

	if recipient := c.String("send"); recipient != "" {
		// Give the RSP_FULL_CHAIN round trip a moment to land so the wallet's
		// UTXO view reflects its actual balance before it tries to spend it.
		time.Sleep(500 * time.Millisecond)
		if err := cc.Send(recipient, c.Int64("amount"), c.Int64("fee")); err != nil {
			return err
		}
		log.L().Infow("sent transaction", "recipient", recipient, "amount", c.Int64("amount"), "fee", c.Int64("fee"))
	}

	waitForSignal()
	cc.Shutdown()
	return nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
