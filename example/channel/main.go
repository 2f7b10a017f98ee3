package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/SensorRelay"
)

func main() {
	cfg := sensorrelay.DefaultConfig()
	cfg.Server.APIKey = "example"
	cfg.Upstream.InitialSourceType = "android.sensor.gyroscope"
	cfg.Upstream.InitialAddress = "sim://local?interval=250ms"

	rt, err := sensorrelay.NewRuntime(cfg)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	sub, readings, closeReadings := sensorrelay.NewChannelSubscriber(32)
	defer closeReadings()
	rt.AddSubscriber(sub)

	go fanoutWorker("dashboard", readings)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, readings <-chan sensorrelay.Reading) {
	for r := range readings {
		fmt.Printf("[%s] %s %v at %s\n", name, r.SourceType, r.Values, r.Timestamp.Format(time.RFC3339Nano))
	}
	fmt.Printf("[%s] unsubscribed\n", name)
}
