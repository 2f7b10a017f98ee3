package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os/signal"
	"syscall"

	"github.com/ghalamif/SensorRelay/pkg/sensorrelay"
)

func main() {
	cfg, err := sensorrelay.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rt, err := sensorrelay.NewRuntime(cfg)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	// print the magnitude of each motion reading
	rt.AddSubscriber(sensorrelay.NewCallbackSubscriber(func(r sensorrelay.Reading) error {
		x, y, z := r.Values[0], r.Values[1], r.Values[2]
		fmt.Printf("%s %-32s |v|=%.3f\n", r.Timestamp.Format("15:04:05.000"), r.SourceType, math.Sqrt(x*x+y*y+z*z))
		return nil
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}
