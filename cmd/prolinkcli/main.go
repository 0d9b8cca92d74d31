package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// We should send our own log output to stderr.
	flag.Set("logtostderr", "true")
	flag.Parse()

	cli := newProlinkCli()

	// Catch INT and TERM so a forced quit still detaches cleanly from
	// the network.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cli.stop()
		os.Exit(1)
	}()

	cli.run(os.Args)
	cli.stop()
}
