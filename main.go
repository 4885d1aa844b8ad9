package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"grimm.is/outpost/cmd"
	"grimm.is/outpost/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmd.RunTask(os.Args[2:])
	case "provider":
		err = cmd.RunProvider(os.Args[2:])
	case "agreements":
		err = cmd.RunAgreements(os.Args[2:])
	case "activity":
		err = cmd.RunActivity(os.Args[2:])
	case "unit":
		err = cmd.RunUnit(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("%s %s (commit %s, built %s)\n", brand.BinaryName, brand.Version, brand.GitCommit, brand.BuildTime)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, cmd.ErrUsage) && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", brand.BinaryName, os.Args[1], err)
	}
	os.Exit(cmd.ExitCode(err))
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Session Commands:
  run         Run a task on a provider
              Arguments: progress | interact
              Options: --config (-c) <file>, --subnet, --appkey, --endpoint, --plain
  provider    Serve demands and execution contexts on the configured endpoints

Debugging Commands:
  agreements  List recorded agreements
              Options: --since <duration>, --format table|yaml
  activity    Inspect an execution context
              Subcommands: monitor --id <activity>

Guest Commands:
  unit        Run a guest program inside an execution context
              Arguments: progress-reporter | prophecy

  version     Print version information

Examples:
  %s provider &
  %s run progress
  %s run interact --endpoint ws://127.0.0.1:7466/ws
  %s agreements --since 1h --format yaml
`, brand.Name, brand.Description, brand.BinaryName,
		brand.BinaryName, brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
