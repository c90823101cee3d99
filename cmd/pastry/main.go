// Command pastry runs the fabric servers. Three modes:
//
//	pastry agent   client-facing gateway
//	pastry zone    one authoritative zone (ZONE_ID)
//	pastry multi   agent plus zone in one process over the in-memory broker
//
// The bundled zone is a chat room: message objects plus a `shout` call that
// uppercases and rebroadcasts. Real deployments embed the agent, zone and
// client packages and register their own schemas and hooks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/pennomi/pastry/agent"
	"github.com/pennomi/pastry/auth"
	"github.com/pennomi/pastry/internal/bus"
	"github.com/pennomi/pastry/internal/config"
	"github.com/pennomi/pastry/internal/logging"
	"github.com/pennomi/pastry/internal/metrics"
	"github.com/pennomi/pastry/object"
	"github.com/pennomi/pastry/server"
	"github.com/pennomi/pastry/zone"
)

const systemSampleInterval = 10 * time.Second

func main() {
	mode := "multi"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	if mode != "agent" && mode != "zone" && mode != "multi" {
		fmt.Fprintf(os.Stderr, "usage: %s [agent|zone|multi]\n", os.Args[0])
		os.Exit(2)
	}

	bootstrap := logging.New(logging.Options{Level: "info", Format: "json", Service: "pastry"})
	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration error")
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "pastry-" + mode,
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Serve(ctx, cfg.MetricsAddr, logger)
	metrics.StartSystemSampler(ctx, systemSampleInterval, logger)

	if err := run(ctx, mode, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server error")
	}
	logger.Info().Msg("Goodbye")
}

func run(ctx context.Context, mode string, cfg *config.Config, logger zerolog.Logger) error {
	var composite *server.MultiServer
	switch mode {
	case "agent":
		b, err := connectBus(cfg, nil, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		composite = server.NewMulti(logger, newAgent(cfg, b, logger))

	case "zone":
		b, err := connectBus(cfg, nil, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		composite = server.NewMulti(logger, newChatZone(cfg.ZoneID, b, logger))

	case "multi":
		// A single process hosts both servers. The memory driver needs a
		// shared broker; the network drivers need one connection per server.
		broker := bus.NewBroker()
		zoneBus, err := connectBus(cfg, broker, logger)
		if err != nil {
			return err
		}
		defer zoneBus.Close()
		agentBus, err := connectBus(cfg, broker, logger)
		if err != nil {
			return err
		}
		defer agentBus.Close()
		composite = server.NewMulti(logger,
			newChatZone(cfg.ZoneID, zoneBus, logger),
			newAgent(cfg, agentBus, logger),
		)
	}

	if err := composite.Startup(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return composite.Shutdown(shutdownCtx)
}

func connectBus(cfg *config.Config, broker *bus.Broker, logger zerolog.Logger) (bus.Bus, error) {
	return bus.New(bus.Options{
		Driver:    cfg.BusDriver,
		RedisAddr: cfg.RedisAddr,
		RedisDB:   cfg.RedisDB,
		NATSURL:   cfg.NATSURL,
		Broker:    broker,
	}, logger)
}

func newAgent(cfg *config.Config, b bus.Bus, logger zerolog.Logger) *agent.Agent {
	var authenticator auth.Authenticator
	if cfg.AuthSecret != "" {
		authenticator = auth.NewJWT(cfg.AuthSecret)
	}
	return agent.New(agent.Config{
		Addr:            cfg.Addr,
		MaxPacketSize:   cfg.MaxPacketSize,
		FrameRatePerSec: cfg.FrameRatePerSec,
		FrameRateBurst:  cfg.FrameRateBurst,
	}, b, authenticator, logger)
}

// newChatZone builds the demo chat zone.
func newChatZone(zoneID string, b bus.Bus, logger zerolog.Logger) *zone.Zone {
	registry := object.MustRegistry(
		object.NewSchema("message",
			object.Field{Name: "text", Kind: object.KindString},
			object.Field{Name: "sent_at", Kind: object.KindInt},
		),
	)

	hooks := zone.Hooks{
		Setup: func(ctx context.Context, z *zone.Zone) error {
			_, err := z.Create(ctx, "message", map[string]any{
				"text":    "Welcome to " + zoneID,
				"sent_at": time.Now().Unix(),
			})
			return err
		},
		ObjectCreated: func(o *object.Object) {
			logger.Debug().Str("id", o.ID()).Msg("Message posted")
		},
		ClientConnected: func(clientID string) {
			logger.Info().Str("client_id", clientID).Msg("Chatter arrived")
		},
		ClientDisconnected: func(clientID string) {
			logger.Info().Str("client_id", clientID).Msg("Chatter left")
		},
		Call: func(ctx context.Context, z *zone.Zone, name string, payload []byte) error {
			if name != "shout" {
				return fmt.Errorf("unknown call %q", name)
			}
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(payload, &args); err != nil {
				return err
			}
			_, err := z.Create(ctx, "message", map[string]any{
				"text":    strings.ToUpper(args.Text) + "!",
				"sent_at": time.Now().Unix(),
			})
			return err
		},
	}
	return zone.New(zoneID, registry, b, hooks, logger)
}
