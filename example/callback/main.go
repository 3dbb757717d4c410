package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/aegisbridge/pkg/aegisbridge"
)

func main() {
	flow, err := aegisbridge.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(batch []aegisbridge.DataPoint) error {
		for _, p := range batch {
			value := fmt.Sprint(p.DoubleValue)
			if p.IsString && p.StringValue != nil {
				value = *p.StringValue
			}
			fmt.Printf("%s id=%s value=%s\n", p.Timestamp.Format(time.RFC3339Nano), p.ID, value)
		}
		return nil
	}

	if err := flow.Run(ctx, aegisbridge.StreamOutCallback("stdout", callback)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}
