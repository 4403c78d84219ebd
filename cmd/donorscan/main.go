package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gmsas95/donorscan/internal/cli"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("donorscan", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dataDir := fs.String("data", "", "Path to data directory")
	fs.Usage = func() { cli.PrintHelp(os.Stderr) }
	fs.Parse(os.Args[1:])

	cli.Version = version
	g := cli.Globals{ConfigPath: *configPath, DataDir: *dataDir}

	args := fs.Args()
	if len(args) == 0 {
		cli.PrintHelp(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "process":
		err = cli.RunProcess(g, args[1:], os.Stdout)
	case "batch":
		err = cli.RunBatch(g, args[1:], os.Stdout)
	case "serve", "server":
		err = cli.RunServe(g, args[1:])
	case "watch":
		err = cli.RunWatch(g, args[1:])
	case "doctor":
		if cli.RunDoctor(g, os.Stdout) > 0 {
			os.Exit(1)
		}
	case "config":
		err = cli.RunConfig(g, os.Stdout)
	case "version", "--version", "-v":
		fmt.Printf("donorscan version %s\n", version)
	case "help", "--help", "-h":
		cli.PrintHelp(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		cli.PrintHelp(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
