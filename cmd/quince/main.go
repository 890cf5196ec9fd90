// Command quince is a minimal QUIC echo client/server built on top of
// the transport core, demonstrating the embedder API.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:   "quince",
		Short: "A minimal QUIC client/server",
	}
	root.AddCommand(&cobra.Command{
		Use:                "client [options] <address>",
		Short:               "Connect to a QUIC server",
		DisableFlagParsing:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientCommand(args)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:                "server [options] <address>",
		Short:               "Run a QUIC echo server",
		DisableFlagParsing:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serverCommand(args)
		},
	})
	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
