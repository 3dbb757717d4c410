package aegisbridge

import (
	"context"
	"fmt"

	"github.com/ghalamif/aegisbridge/internal/adapters/sink"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// openSinks connects every configured sink, then appends the injected ones.
// Connections are registered as closers for Shutdown.
func (r *Runtime) openSinks(ctx context.Context) ([]ports.Sink, error) {
	c := r.cfg.Sinks
	var out []ports.Sink

	if c.Timescale != nil {
		db, err := sink.OpenTimescale(ctx, *c.Timescale)
		if err != nil {
			return nil, fmt.Errorf("open timescale sink: %w", err)
		}
		r.closers = append(r.closers, db.Close)
		out = append(out, sink.NewTimescaleSink(db, *c.Timescale, r.obs))
	}

	if c.Influx != nil {
		client, w := sink.OpenInflux(*c.Influx)
		r.closers = append(r.closers, func() error {
			client.Close()
			return nil
		})
		out = append(out, sink.NewInfluxSink(w, client, *c.Influx, r.obs))
	}

	if c.NATS != nil {
		nc, js, err := sink.OpenNATS(ctx, *c.NATS)
		if err != nil {
			return nil, fmt.Errorf("open nats sink: %w", err)
		}
		r.closers = append(r.closers, nc.Drain)
		out = append(out, sink.NewNATSSink(js, nc, r.store, *c.NATS, r.obs))
	}

	if c.Dummy != nil {
		out = append(out, sink.NewDummySink(*c.Dummy))
	}

	out = append(out, r.extra...)
	if len(out) == 0 {
		return nil, fmt.Errorf("no sinks configured")
	}

	seen := make(map[string]struct{}, len(out))
	for _, s := range out {
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate sink name %q", s.Name())
		}
		seen[s.Name()] = struct{}{}
	}
	return out, nil
}
