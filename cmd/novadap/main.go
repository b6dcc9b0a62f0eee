/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/microsoft/nova/internal/dap"
	"github.com/microsoft/nova/internal/jdwp"
	"github.com/microsoft/nova/pkg/logger"
	"github.com/microsoft/nova/pkg/process"
)

var log = logger.New("novadap")

var listenAddress string

var rootCmd = &cobra.Command{
	Use:   "novadap",
	Short: "Debug adapter for JVM debuggees",
	Long: "novadap is a Debug Adapter Protocol server that debugs JVM programs " +
		"over JDWP. By default it speaks DAP on stdin/stdout; with --listen it " +
		"accepts DAP clients on a TCP port instead.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if listenAddress == "" {
			return serveStdio(ctx)
		}
		return serveTCP(ctx, listenAddress)
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenAddress, "listen", "",
		"TCP address to accept DAP clients on (e.g. 127.0.0.1:4711); defaults to stdio")
	log.AddLevelFlag(rootCmd.PersistentFlags())
}

func serveStdio(ctx context.Context) error {
	// Log output goes to stderr; stdout is reserved for DAP frames.
	transport := dap.NewStdioTransport(os.Stdin, os.Stdout)
	return serveConnection(ctx, transport)
}

func serveTCP(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	defer listener.Close()
	log.Info("accepting DAP clients", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept client: %w", acceptErr)
		}

		go func() {
			log.Info("client connected", "remote", conn.RemoteAddr().String())
			if serveErr := serveConnection(ctx, dap.NewTCPTransport(conn)); serveErr != nil {
				log.Error(serveErr, "session ended with error", "remote", conn.RemoteAddr().String())
			} else {
				log.Info("client disconnected", "remote", conn.RemoteAddr().String())
			}
		}()
	}
}

func serveConnection(ctx context.Context, transport dap.Transport) error {
	defer transport.Close()

	sessionLog := log.Logger.WithName("session")
	launcher := dap.NewLauncher(process.NewOSExecutor(sessionLog), sessionLog.WithName("launcher"))
	session := dap.NewSession(launcher, jdwp.ClientConfig{
		Log:          sessionLog.WithName("jdwp"),
		ReplyTimeout: 10 * time.Second,
	}, sessionLog)
	router := dap.NewRouter(transport, session, sessionLog.WithName("router"))

	return router.Serve(ctx)
}

func main() {
	defer log.Flush()
	if err := rootCmd.Execute(); err != nil {
		log.Error(err, "novadap failed")
		log.Flush()
		os.Exit(1)
	}
}
