package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/jmorganca/stagediff/cmd"
	"github.com/jmorganca/stagediff/envconfig"
)

func main() {
	if err := envconfig.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}

	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
