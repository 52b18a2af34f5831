// Command iotmqtt is an interactive MQTT 3.1.1 client.
//
// It loads a YAML configuration, keeps the connection alive with the
// reconnect supervisor and reads commands from the terminal.
//
// Usage:
//
//	iotmqtt [flags]
//
// Flags:
//
//	-config string      Configuration file path
//	-address string     Broker URL, overrides broker.address
//	-client-id string   Client identifier, overrides broker.client_id
//	-log-level string   Log level: debug, info, warn, error
//
// Examples:
//
//	# Connect to a local broker
//	iotmqtt -address tcp://localhost:1883
//
//	# Connect to AWS IoT Core with certificates from a config file
//	iotmqtt -config /etc/iotmqtt/aws.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/vitalvas/iotmqtt"
	"github.com/vitalvas/iotmqtt/config"
)

var (
	configFile string
	address    string
	clientID   string
	logLevel   string
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.StringVar(&address, "address", "", "Broker URL, overrides broker.address")
	flag.StringVar(&clientID, "client-id", "", "Client identifier, overrides broker.client_id")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if address != "" {
		cfg.Broker.Address = address
	}
	if clientID != "" {
		cfg.Broker.ClientID = clientID
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mqtt> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	logger := iotmqtt.NewSlogLogger(cfg.NewLogger(rl.Stderr()), cfg.LogLevel())

	store, closer, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer closer.Close()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	metrics := iotmqtt.NewMemoryMetrics()
	opts = append(opts,
		iotmqtt.WithSessionStore(store),
		iotmqtt.WithLogger(logger),
		iotmqtt.WithMetrics(metrics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal", iotmqtt.LogFields{"signal": sig.String()})
			cancel()
			rl.Close()
		case <-ctx.Done():
		}
	}()

	dial := func(ctx context.Context, extra ...iotmqtt.Option) (*iotmqtt.Connection, error) {
		return iotmqtt.Dial(ctx, cfg.Broker.Address, slices.Concat(opts, extra)...)
	}

	var sess session
	if cfg.Reconnect.Enabled {
		sup := iotmqtt.NewSupervisor(dial, cfg.SupervisorConfig(logger))
		supDone := make(chan struct{})
		go func() {
			defer close(supDone)
			if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("supervisor stopped", iotmqtt.LogFields{iotmqtt.LogFieldError: err.Error()})
			}
		}()
		defer func() {
			sup.Stop()
			<-supDone
		}()
		sess = sup
	} else {
		conn, err := dial(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer func() {
			dctx, dcancel := context.WithTimeout(context.Background(), iotmqtt.DefaultDisconnectWait)
			defer dcancel()
			_ = conn.Disconnect(dctx)
		}()
		sess = &direct{conn: conn}
	}

	sh := newShell(sess, metrics, rl.Stdout())
	fmt.Fprintf(rl.Stdout(), "Connecting to %s. Type 'help' for commands.\n", cfg.Broker.Address)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil
		}

		if sh.execute(ctx, line) {
			return nil
		}
	}
}
