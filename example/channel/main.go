package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/aegisbridge"
)

func main() {
	flow, err := aegisbridge.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, batches, closeBatches := aegisbridge.NewChannelSink("fanout", 32)
	defer closeBatches()

	go fanoutWorker("ingest", batches)

	if err := flow.Run(ctx, aegisbridge.StreamOutSink(sink)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []aegisbridge.DataPoint) {
	for batch := range batches {
		fmt.Printf("[%s] forwarding %d points at %s\n", name, len(batch), time.Now().Format(time.RFC3339))
	}
}
