package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	transportws "fleet-telemetry/internal/transport/ws"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server      string
		robots      int
		interval    time.Duration
		useCBOR     bool
		invalidRate float64
	)
	flagSet := pflag.NewFlagSet("robot-simulator", pflag.ContinueOnError)
	flagSet.StringVar(&server, "server", "http://localhost:8080", "base URL of the telemetry server")
	flagSet.IntVar(&robots, "robots", 3, "number of simulated robots")
	flagSet.DurationVar(&interval, "interval", 5*time.Second, "time between readings per robot")
	flagSet.BoolVar(&useCBOR, "cbor", false, "send binary CBOR frames instead of JSON")
	flagSet.Float64Var(&invalidRate, "invalid-rate", 0, "fraction of readings sent with an out-of-range battery")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if robots <= 0 {
		return fmt.Errorf("--robots must be positive, got %d", robots)
	}
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", interval)
	}
	if invalidRate < 0 || invalidRate > 1 {
		return fmt.Errorf("--invalid-rate must be within [0,1], got %v", invalidRate)
	}

	codec := transportws.CodecJSON
	if useCBOR {
		codec = transportws.CodecCBOR
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 1; i <= robots; i++ {
		r := &robot{
			id:          robotID(i),
			server:      server,
			interval:    interval,
			codec:       codec,
			invalidRate: invalidRate,
			rng:         rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
			logger:      logger,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.run(ctx)
		}()
	}
	logger.Printf("simulator: started %d robots against %s codec=%s", robots, server, codec)

	<-ctx.Done()
	logger.Printf("simulator: shutting down")
	wg.Wait()
	return nil
}
