package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/store/boltstore"
	"github.com/wolfeidau/offline-cache/syncqueue"
)

// PartitionsCmd lists partitions in a cache database.
type PartitionsCmd struct {
	Database string `arg:"" optional:"" help:"Path to cache.db." type:"path" default:"./data/cache.db"`
}

func (c *PartitionsCmd) Run(logger *slog.Logger) error {
	if _, err := os.Stat(c.Database); err != nil {
		return fmt.Errorf("cache database: %w", err)
	}
	s, err := boltstore.Open(c.Database, boltstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	stats, err := s.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("reading partitions: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PARTITION\tENTRIES\tBODY BYTES")
	for _, p := range stats {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\n", p.Name, p.Entries, p.BodyBytes)
	}
	return tw.Flush()
}

// OutboxCmd lists pending deferred writes.
type OutboxCmd struct {
	Dir string `arg:"" optional:"" help:"Outbox directory." type:"path" default:"./data/outbox"`
}

func (c *OutboxCmd) Run(logger *slog.Logger) error {
	fs, err := backend.NewFilesystem(c.Dir)
	if err != nil {
		return err
	}

	ops, err := syncqueue.NewFileStore(fs, syncqueue.WithStoreLogger(logger)).Pending(context.Background())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCREATED\tPAYLOAD")
	for _, op := range ops {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", op.ID, op.CreatedAt.Format(time.RFC3339), op.Payload)
	}
	return tw.Flush()
}
