package cmd

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/jmorganca/stagediff/envconfig"
	"github.com/jmorganca/stagediff/server"
)

func RunServer(_ *cobra.Command, _ []string) error {
	host, err := envconfig.Host()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", host.Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}
