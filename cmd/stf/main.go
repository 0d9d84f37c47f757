// Command stf runs one digital-twin cell process: the device simulators,
// the command executor, the broadcast hub, and the HTTP/WebSocket surface,
// all wired against a single store and bus. Structured the way the
// teacher's runApp does (context.WithCancel plus a single function
// returning an error that main just prints), generalized to a background
// goroutine per long-running component instead of the teacher's two
// sequential calls (Train then Serve), since this cell runs several
// components concurrently rather than one training loop then one server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"stf/internal/broadcast"
	"stf/internal/bus"
	"stf/internal/clock"
	"stf/internal/config"
	"stf/internal/executor"
	"stf/internal/httpapi"
	"stf/internal/simulate"
	"stf/internal/store"
)

var configPath = flag.String("config", "./config.yaml", "path to config.yaml")

func runApp() error {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(logLevel(cfg.LogLevel))

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	st, err := openStore(appCtx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	transport, err := openBus(appCtx, cfg)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer transport.Close()

	validated := validatingBus(transport, log)

	hub := broadcast.NewHub(cfg.BroadcastQueue)

	clk := clock.New(cfg.TickPeriod)

	// g supervises every long-running component as a group: the first one
	// to return an error cancels gctx, which every other component selects
	// on, so a crashed simulator or a closed listener brings the whole
	// process down together instead of leaking goroutines. Grounded on the
	// teacher's fastview/client.go, which pairs a websocket's read and
	// write pumps the same way.
	g, gctx := errgroup.WithContext(appCtx)

	g.Go(func() error {
		clk.Run(gctx)
		return nil
	})

	devices := []simulate.Device{
		simulate.NewHBW(1),
		simulate.NewConveyor(2),
		simulate.NewVGR(3),
	}
	for _, dev := range devices {
		dev := dev
		tick := clk.Subscribe()
		g.Go(func() error {
			simulate.Run(gctx, dev, validated, tick, st, hub)
			return nil
		})
	}

	exec := executor.New("exec-0", st, validated, hub, cfg, log)
	g.Go(func() error {
		if err := exec.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("executor: %w", err)
		}
		return nil
	})

	api := httpapi.NewServer(cfg.HTTPAddr, st, validated, hub, exec, log)
	defer api.Close()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
	g.Go(func() error {
		<-gctx.Done()
		return api.Shutdown(context.Background())
	})
	g.Go(func() error {
		if err := api.ListenAndServe(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && appCtx.Err() == nil {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	return store.OpenSQLiteStore(ctx, cfg.StoreDSN)
}

func openBus(ctx context.Context, cfg config.Config) (bus.Bus, error) {
	if cfg.BrokerURL == "" || cfg.BrokerURL == "mem://local" {
		return bus.NewMemoryBus(cfg.BusBufferSize), nil
	}
	return bus.NewMQTTBus(ctx, cfg.BrokerURL, "stf-cell", cfg.BusBufferSize)
}

// validatingBus wraps transport with the topic schema contract from
// spec.md §4.3, registering the command/status envelope shapes so
// malformed payloads are dropped at the bus boundary rather than reaching
// a device simulator.
func validatingBus(transport bus.Bus, log zerolog.Logger) bus.Bus {
	validator := bus.NewSchemaValidator()
	for pattern, schema := range wireSchemas() {
		if err := validator.Register(pattern, schema); err != nil {
			log.Warn().Str("pattern", pattern).Err(err).Msg("failed to compile bus schema, publishing unvalidated")
		}
	}
	return bus.NewValidatingBus(transport, validator, func(topic string, err error) {
		log.Warn().Str("topic", topic).Err(err).Msg("dropped message failing schema validation")
	})
}

// wireSchemas are the minimal shape contracts for the two topic families
// every device publishes/consumes (spec.md §4.3): a command envelope always
// names an action, a status snapshot always names its device, sequence
// number, and timestamp.
func wireSchemas() map[string][]byte {
	return map[string][]byte{
		"stf/*/cmd/*": []byte(`{
			"type": "object",
			"required": ["action"],
			"properties": {"action": {"type": "string"}}
		}`),
		"stf/*/status": []byte(`{
			"type": "object",
			"required": ["device", "seq", "ts", "status"],
			"properties": {
				"device": {"type": "string"},
				"seq": {"type": "number"},
				"ts": {"type": "string"},
				"status": {"type": "string"}
			}
		}`),
	}
}

func logLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func main() {
	if err := runApp(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
