package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/rethinkdb/gocluster/cluster"
	"github.com/rethinkdb/gocluster/config"
)

const (
	flagConfig = "c,config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	app := cli.NewApp()
	app.Name = "gocluster-node"
	app.Usage = "run one cluster membership node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  flagConfig,
			Usage: "path to a TOML config file",
		},
	}
	app.Action = run

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("gocluster-node: %s", err.Error())
	}
}

func run(cliCtx *cli.Context) error {
	configPath := cliCtx.String("config")
	if configPath == "" {
		return cli.NewExitError("gocluster-node: -config is required", 1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	c, err := cluster.New(cfg, cluster.NopDelegate{})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	log.Printf("%s: received signal %s, shutting down", cfg.LogPrefix, sig.String())

	c.Shutdown()
	return nil
}
