package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/agoramarket/agora/internal/agent"
	"github.com/agoramarket/agora/internal/bus"
	"github.com/agoramarket/agora/internal/config"
	"github.com/agoramarket/agora/internal/controller"
	"github.com/agoramarket/agora/internal/relay"
	"github.com/agoramarket/agora/internal/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))

	gatewayAddr := envStr("AGORA_GATEWAY_ADDR", fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort))
	name := envStr("AGORA_AGENT_NAME", "baseline")
	pbk := envStr("AGORA_AGENT_PBK", uuid.NewString())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New()
	client := relay.NewClient(gatewayAddr, pbk, b)

	a := agent.New(pbk, name, b, controller.DefaultAddr, agent.NewBaseline(0.5), cfg.LockTimeout)
	client.OnReconnect = a.Resync
	go client.ConnectWithRetry(ctx)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		telemetry.Infof("Shutting down...")
		cancel()
		<-done
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			telemetry.Errorf("Agent: %v", err)
			os.Exit(1)
		}
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
