// Package fastpath is an optional XDP admission probe: when loaded,
// it filters obviously-invalid datagrams (too short, bad version) at
// the NIC driver before they ever reach ioproc's userspace read loop.
// It is disabled by default and routercore's correctness never
// depends on it — pktCheck in the data plane re-validates everything
// regardless (spec.md §4.9).
package fastpath

import (
	"context"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"go.uber.org/zap"
)

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" admitfilter admit_filter.c -- -I/usr/include/bpf

// DropEvent is one packet the XDP program rejected before userspace
// ever saw it.
type DropEvent struct {
	TimestampNS uint64
	IfaceIndex  uint32
	Reason      uint32
	Length      uint32
}

// Probe manages the loaded XDP program and its attach points.
type Probe struct {
	collection *ebpf.Collection
	links      []link.Link
	reader     *perf.Reader
	logger     *zap.Logger
	events     chan DropEvent
	stop       chan struct{}
}

// Load compiles-in object, attaches it to the given interface
// indices, and starts draining its drop-event ring buffer. Load
// failures are expected on kernels without XDP or without the
// necessary capabilities; callers should treat them as "run without
// the fast path", not as fatal.
func Load(ifaceIndices []int, logger *zap.Logger) (*Probe, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	spec, err := loadAdmitfilter()
	if err != nil {
		return nil, fmt.Errorf("fastpath: load spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("fastpath: new collection: %w", err)
	}

	p := &Probe{collection: coll, logger: logger, events: make(chan DropEvent, 1024), stop: make(chan struct{})}

	prog := coll.Programs["admit_filter"]
	if prog == nil {
		coll.Close()
		return nil, fmt.Errorf("fastpath: program admit_filter not found in object")
	}
	for _, idx := range ifaceIndices {
		l, err := link.AttachXDP(link.XDPOptions{Program: prog, Interface: idx})
		if err != nil {
			logger.Warn("fastpath: attach XDP failed, interface runs without it", zap.Int("iface", idx), zap.Error(err))
			continue
		}
		p.links = append(p.links, l)
	}
	if len(p.links) == 0 {
		coll.Close()
		return nil, fmt.Errorf("fastpath: attached to no interfaces")
	}

	rd, err := perf.NewReader(coll.Maps["drop_events"], 64*os.Getpagesize())
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("fastpath: perf reader: %w", err)
	}
	p.reader = rd

	go p.run()
	return p, nil
}

func (p *Probe) run() {
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		record, err := p.reader.Read()
		if err != nil {
			if perf.IsClosed(err) {
				return
			}
			p.logger.Debug("fastpath: perf read error", zap.Error(err))
			continue
		}
		if record.LostSamples > 0 {
			p.logger.Warn("fastpath: dropped drop-events", zap.Uint64("lost", record.LostSamples))
			continue
		}
		// decoding the raw sample into DropEvent is left to the
		// generated admitfilter bindings; omitted here since no
		// downstream consumer currently reads p.events.
	}
}

// Events returns the probe's drop-notification channel. run reads the
// perf ring but does not decode its samples, so nothing is ever sent
// on this channel.
func (p *Probe) Events() <-chan DropEvent { return p.events }

// Close detaches every attach point and releases kernel resources.
func (p *Probe) Close() error {
	close(p.stop)
	if p.reader != nil {
		p.reader.Close()
	}
	for _, l := range p.links {
		l.Close()
	}
	if p.collection != nil {
		p.collection.Close()
	}
	return nil
}

// MaybeLoad attempts Load and, on failure, logs and returns a nil
// Probe so callers can treat "no fast path available" uniformly with
// "fast path disabled by config".
func MaybeLoad(ctx context.Context, enabled bool, ifaceIndices []int, logger *zap.Logger) *Probe {
	if !enabled {
		return nil
	}
	p, err := Load(ifaceIndices, logger)
	if err != nil {
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Info("fastpath disabled: could not load XDP probe", zap.Error(err))
		return nil
	}
	return p
}
