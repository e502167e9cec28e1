/*
 * COPYRIGHT 2019 Brightgate Inc.  All rights reserved.
 *
 * This copyright notice is Copyright Management Information under 17 USC 1202
 * and is included to protect this work and deter copyright infringement.
 * Removal or alteration of this Copyright Management Information without the
 * express written permission of Brightgate Inc is prohibited, and any
 * such unauthorized removal or alteration will be a violation of federal law.
 */

// Command ddhcpd runs one peer of the distributed DHCP server: it joins
// the inter-peer multicast group, serves RFC 2131 DHCP to local clients
// on client-iface, and runs the housekeeper and periodic claim-refresh
// loops described in spec §4.3. Flags, environment variables and their
// precedence are exactly those registered by ddhcp_common/config.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	dhcp "github.com/krolaw/dhcp4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ddhcpd/ddhcp_common/alloc"
	"ddhcpd/ddhcp_common/applog"
	"ddhcpd/ddhcp_common/block"
	"ddhcpd/ddhcp_common/config"
	"ddhcpd/ddhcp_common/metrics"
	"ddhcpd/ddhcp_common/peer"
	"ddhcpd/ddhcpd/dhcpboundary"
)

// requiredUsage mirrors bg/cl-reg/main.go's pattern: a RunE error that
// carries extra usage text to print alongside cobra's own.
type requiredUsage struct {
	cmd *cobra.Command
	msg string
}

func (e requiredUsage) Error() string { return e.msg }

func silenceUsage(cmd *cobra.Command, args []string) {
	cmd.SilenceUsage = true
}

// newNodeID picks this peer's random 64-bit identity (spec §3.4). Ids
// are not persisted; a fresh one is drawn on every start.
func newNodeID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("main: generating node id: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func run(cmd *cobra.Command, args []string) error {
	env, err := config.UnmarshalEnviron()
	if err != nil {
		return fmt.Errorf("main: environment: %w", err)
	}
	cfg, err := config.Load(cmd.Flags(), env)
	if err != nil {
		return requiredUsage{cmd: cmd, msg: err.Error()}
	}

	log := applog.New("ddhcpd")
	defer log.Sync() // nolint:errcheck

	node, err := newNodeID()
	if err != nil {
		return err
	}
	log.Infow("starting", "node", node, "prefix", cfg.Pool, "blocksize", cfg.BlockSize)

	table, err := block.NewTable(cfg.Pool, cfg.BlockSize, cfg.Blocked, cfg.LeaseNetworkAndBroadcast)
	if err != nil {
		return fmt.Errorf("main: block table: %w", err)
	}

	mcastIface, err := net.InterfaceByName(cfg.Iface)
	if err != nil {
		return fmt.Errorf("main: multicast interface %q: %w", cfg.Iface, err)
	}

	ones, _ := cfg.Pool.Mask.Size()
	engine, err := peer.NewEngine(mcastIface, cfg.MulticastGroup, cfg.MulticastPort, node,
		cfg.Pool.IP, uint8(ones), uint8(cfg.BlockSize), log)
	if err != nil {
		return fmt.Errorf("main: peer engine: %w", err)
	}
	defer engine.Close()

	collector := metrics.New(prometheus.DefaultRegisterer)

	params := alloc.Params{
		BlockTimeout:     cfg.BlockTimeout,
		TentativeTimeout: cfg.TentativeTimeout,
		ClaimInterval:    cfg.ClaimInterval,
		Spares:           cfg.Spares,
		LeaseTime:        cfg.LeaseTime,
		Routers:          cfg.Routers,
		DNS:              cfg.DNS,
	}
	allocator := alloc.New(table, engine, node, params, log, collector)

	boundary := dhcpboundary.New(allocator, cfg.ServerIP, cfg.PrefixLen, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infow("received signal, shutting down", "signal", s)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Listen(gctx, allocator)
	})
	g.Go(func() error {
		return allocator.HousekeeperLoop(gctx)
	})
	g.Go(func() error {
		return allocator.RefreshClaimsLoop(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			err := metrics.Serve(cfg.MetricsAddr)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		clientIface := cfg.ClientIface
		if clientIface == "" {
			clientIface = cfg.Iface
		}
		errCh := make(chan error, 1)
		go func() { errCh <- dhcp.ListenAndServeIf(clientIface, boundary) }()
		select {
		case <-gctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	})

	err = g.Wait()
	if gctx.Err() != nil {
		return nil
	}
	return err
}

func main() {
	rootCmd := &cobra.Command{
		Use:              "ddhcpd",
		Short:            "a distributed DHCP server peer",
		Args:             cobra.NoArgs,
		PersistentPreRun: silenceUsage,
		RunE:             run,
	}
	config.BindFlags(rootCmd.Flags())

	err := rootCmd.Execute()
	if ru, ok := err.(requiredUsage); ok {
		ru.cmd.Usage()
		fmt.Fprintln(os.Stderr, "\n"+ru.msg)
	}
	if err != nil {
		os.Exit(1)
	}
}
