package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalpoll/bridge"
	"github.com/petal-labs/petalpoll/bus"
	petalotel "github.com/petal-labs/petalpoll/otel"
	"github.com/petal-labs/petalpoll/server"
)

const shutdownTimeout = 30 * time.Second

// Daemon owns every long-lived component of a petalpoll process.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	journal   bus.Journal
	closeJrnl func() error
	bus       *bus.MemBus
	telemetry *petalotel.Provider
	bridge    *bridge.Bridge
	reaper    *bridge.Reaper
	server    *server.Server
}

// New assembles a daemon from cfg. Nothing listens until Run is called.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger}

	if err := d.openJournal(); err != nil {
		return nil, err
	}

	busCfg := bus.MemBusConfig{Logger: logger}
	if d.journal != nil {
		busCfg.Tap = bus.NewJournalRecorder(d.journal, logger).Record
	}
	d.bus = bus.NewMemBus(busCfg)

	telemetry, err := petalotel.NewProvider(ctx, petalotel.ProviderConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		d.closeStores()
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	d.telemetry = telemetry

	observer, err := petalotel.NewObserver(
		telemetry.Meter.Meter("petalpoll/bridge"),
		telemetry.Tracer.Tracer("petalpoll/bridge"),
	)
	if err != nil {
		d.closeStores()
		return nil, fmt.Errorf("initializing bridge observer: %w", err)
	}

	d.bridge, err = bridge.New(bridge.Config{
		Bus:      d.bus,
		Observer: observer,
		Logger:   logger,
	})
	if err != nil {
		d.closeStores()
		return nil, err
	}

	if ttl := cfg.Sessions.IdleTTL.Std(); ttl > 0 {
		d.reaper, err = bridge.NewReaper(bridge.ReaperConfig{
			Bridge:   d.bridge,
			IdleTTL:  ttl,
			Schedule: cfg.Sessions.ReapSchedule,
			Logger:   logger,
		})
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("creating idle reaper: %w", err)
		}
	}

	d.server = server.NewServer(server.ServerConfig{
		Bridge:          d.bridge,
		Journal:         d.journal,
		Metrics:         telemetry,
		LongPollTimeout: cfg.Poll.Timeout.Std(),
		MaxWait:         cfg.Poll.MaxWait.Std(),
		Heartbeat:       cfg.Poll.Heartbeat.Std(),
		CORSOrigin:      cfg.Listen.CORSOrigin,
		MaxBody:         cfg.Listen.MaxBody,
		Logger:          logger,
	})
	return d, nil
}

func (d *Daemon) openJournal() error {
	switch d.cfg.Journal.Driver {
	case JournalMemory:
		d.journal = bus.NewMemJournal()
	case JournalSQLite:
		j, err := bus.NewSQLiteJournal(bus.SQLiteJournalConfig{
			DSN:            d.cfg.Journal.DSN,
			RetentionAge:   d.cfg.Journal.RetentionAge.Std(),
			RetentionCount: d.cfg.Journal.RetentionCount,
			PruneInterval:  d.cfg.Journal.PruneInterval.Std(),
		})
		if err != nil {
			return fmt.Errorf("opening sqlite journal: %w", err)
		}
		d.journal = j
		d.closeJrnl = j.Close
	}
	return nil
}

func (d *Daemon) closeStores() {
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.closeJrnl != nil {
		if err := d.closeJrnl(); err != nil {
			d.logger.Warn("closing journal", "error", err)
		}
	}
}

// Bridge returns the daemon's bridge.
func (d *Daemon) Bridge() *bridge.Bridge { return d.bridge }

// Handler returns the fully wrapped HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Run serves on ln until ctx is canceled or the server fails, then shuts
// every component down. A nil ln listens on the configured address.
func (d *Daemon) Run(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", d.cfg.Addr())
		if err != nil {
			d.shutdown()
			return fmt.Errorf("listening on %s: %w", d.cfg.Addr(), err)
		}
	}

	httpServer := &http.Server{
		Handler:      d.server.Handler(),
		ReadTimeout:  d.cfg.Listen.ReadTimeout.Std(),
		WriteTimeout: d.cfg.Listen.WriteTimeout.Std(),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info("petalpoll listening", "addr", ln.Addr().String())
		var err error
		if d.cfg.Listen.TLSCert != "" {
			err = httpServer.ServeTLS(ln, d.cfg.Listen.TLSCert, d.cfg.Listen.TLSKey)
		} else {
			err = httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if d.reaper != nil {
		g.Go(func() error {
			if err := d.reaper.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return d.reaper.Stop(stopCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Pending pulls return once their logs shut down, which lets
		// Shutdown drain long-poll connections promptly.
		d.bridge.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	d.shutdown()
	return err
}

func (d *Daemon) shutdown() {
	d.bridge.Close()
	d.closeStores()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.telemetry.Shutdown(ctx); err != nil {
		d.logger.Warn("telemetry shutdown", "error", err)
	}
}
