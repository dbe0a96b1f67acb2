// Package main is responsible for the command-line interface of the
// forwarder.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/osutil"
	goFlags "github.com/jessevdk/go-flags"

	"github.com/Pentiumluyu/ChinaDNS/internal/forwarder"
)

// Options represents the command-line flags.
type Options struct {
	ListenAddr string `short:"b" long:"bind" description:"Address to listen on for UDP DNS queries" default:"0.0.0.0"`

	ListenPort int `short:"p" long:"port" description:"Port to listen on for UDP DNS queries" default:"53"`

	Upstreams string `short:"s" long:"upstreams" description:"Comma-separated list of upstream DNS servers (host or host:port)" default:"114.114.114.114,8.8.8.8,8.8.4.4,208.67.222.222:443,208.67.222.222:5353"`

	PrefixFile string `short:"c" long:"chnroute" description:"Path to a file of domestic CIDR prefixes; filtering is disabled if omitted"`

	Bidirectional bool `short:"d" long:"bidirectional" description:"Also drop foreign answers returned by a domestic upstream"`

	Verbose bool `short:"v" long:"verbose" description:"Enable verbose logging"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	options := &Options{}

	parser := goFlags.NewParser(options, goFlags.Default)
	parser.Name = "chinadns-go"

	_, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*goFlags.Error); ok && flagsErr.Type == goFlags.ErrHelp {
			return osutil.ExitCodeSuccess
		}

		return osutil.ExitCodeArgumentError
	}

	if options.Verbose {
		log.SetLevel(log.DEBUG)
	}

	loop, err := forwarder.Bootstrap(forwarder.Config{
		ListenAddr:    options.ListenAddr,
		ListenPort:    options.ListenPort,
		UpstreamSpec:  options.Upstreams,
		PrefixFile:    options.PrefixFile,
		Bidirectional: options.Bidirectional,
		Verbose:       options.Verbose,
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("bootstrap: %w", err))

		return osutil.ExitCodeFailure
	}
	defer loop.Close()

	log.Info("listening on %s:%d", options.ListenAddr, options.ListenPort)

	stop := installSignalHandler()
	if err = loop.Run(stop); err != nil {
		log.Error("event loop: %s", err)

		return osutil.ExitCodeFailure
	}

	return osutil.ExitCodeSuccess
}

// installSignalHandler returns a channel closed on SIGINT or SIGTERM, so
// the event loop can shut down instead of being killed mid-datagram.
func installSignalHandler() <-chan struct{} {
	stop := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		close(stop)
	}()

	return stop
}
