// Package clickhouse persists periodic router_stats snapshots to
// ClickHouse using the official native-protocol driver. It is wired
// in as statsmodule's optional long-term sink: disabled by default,
// nothing in routercore depends on it for correctness (spec.md §4.6).
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Sink writes LinkSnapshot rows to ClickHouse in small batches.
type Sink struct {
	conn   driver.Conn
	logger *zap.Logger
}

// Open connects to ClickHouse and returns a Sink. It does not create
// the router_stats table — operators are expected to provision the
// schema (see router_stats.sql) ahead of time.
func Open(opts Options, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	return &Sink{conn: conn, logger: logger}, nil
}

// LinkSnapshot is one link's counters at a point in time.
type LinkSnapshot struct {
	Timestamp      time.Time
	Link           int32
	PacketsIn      uint64
	PacketsOut     uint64
	BytesIn        uint64
	BytesOut       uint64
	PacketsDropped uint64
	QueueBacklog   uint64
}

// WriteSnapshots batches snapshots into a single INSERT. Errors are
// the caller's to log and ignore — a failed write never blocks or
// retries against the data plane.
func (s *Sink) WriteSnapshots(ctx context.Context, snapshots []LinkSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO router_stats")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, snap := range snapshots {
		if err := batch.Append(
			snap.Timestamp, snap.Link,
			snap.PacketsIn, snap.PacketsOut,
			snap.BytesIn, snap.BytesOut,
			snap.PacketsDropped, snap.QueueBacklog,
		); err != nil {
			return fmt.Errorf("clickhouse: append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Sink) Close() error { return s.conn.Close() }

// Run periodically invokes collect to obtain the current snapshot set
// and writes it, until ctx is canceled.
func (s *Sink) Run(ctx context.Context, interval time.Duration, collect func() []LinkSnapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snaps := collect()
			if err := s.WriteSnapshots(ctx, snaps); err != nil {
				s.logger.Warn("clickhouse snapshot write failed", zap.Error(err))
			}
		}
	}
}
