// Package terminal assembles one point-of-sale terminal from its
// configuration and runs it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/broadcast"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/capability"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/clock"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/config"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/dispatch"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/eventbus"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/guard"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/ingest"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/journal"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/metrics"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/opserver"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/orderstore"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/printer"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/receipt"
	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/utils"
)

// Options replace parts of the terminal that are normally built from the
// configuration.
type Options struct {
	// Bus replaces the WebSocket client, e.g. with a MemoryHub member.
	Bus   eventbus.Bus
	Clock clock.Clock
	// DetectIP resolves an "auto" locality. Defaults to utils.DetectLocalIP.
	DetectIP func() (string, error)
}

type Terminal struct {
	cfg     config.Config
	session model.Session
	log     *zap.Logger

	clock    clock.Clock
	metrics  *metrics.Metrics
	journal  *journal.Journal
	guard    *guard.Guard
	engine   *dispatch.Engine
	bus      eventbus.Bus
	client   *eventbus.Client
	coord    *broadcast.Coordinator
	store    *orderstore.Client
	listener *ingest.Listener
	server   *opserver.Server
}

func New(cfg config.Config, opts Options, log *zap.Logger) (*Terminal, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DetectIP == nil {
		opts.DetectIP = utils.DetectLocalIP
	}

	env, err := capability.FromConfig(cfg.Terminal.Locality, cfg.Terminal.Device, cfg.Printer.Host, opts.DetectIP)
	if err != nil {
		return nil, err
	}
	session := model.Session{
		Location:   cfg.Location,
		TerminalID: cfg.Terminal.ID,
		Operator:   cfg.Terminal.Operator,
		Capable:    capability.Classify(env),
		Printer:    model.PrinterAddress{Host: cfg.Printer.Host, Port: cfg.Backend.ProxyPort},
	}
	if session.TerminalID == "" {
		session.TerminalID = "term-" + uuid.NewString()[:8]
	}
	log = log.With(zap.String("terminal_id", session.TerminalID), zap.String("location", session.Location))
	log.Info("terminal classified",
		zap.String("locality", string(env.Locality)),
		zap.String("device", string(env.Device)),
		zap.Bool("capable", session.Capable))

	t := &Terminal{
		cfg:     cfg,
		session: session,
		log:     log,
		clock:   opts.Clock,
		metrics: metrics.New(),
	}
	t.journal = journal.New(cfg.Operator.LogEntries, t.clock, log)
	t.guard = guard.New(guard.Config{
		Cooldown:   cfg.Guard.Cooldown,
		StaleAfter: cfg.Guard.StaleAfter,
		ResetEvery: cfg.Guard.ResetEvery,
	}, t.clock, log)

	formatter := &receipt.Formatter{Options: receipt.Options{Header: cfg.Printer.Header}}
	if cfg.Printer.Raster {
		chrome, err := utils.RequireChrome()
		if err != nil {
			return nil, err
		}
		log.Info("raster receipts enabled", zap.String("chrome", chrome), zap.String("version", utils.ChromeVersion(chrome)))
		formatter.Raster = &receipt.RasterRenderer{ExecPath: chrome, Width: cfg.Printer.PaperWidth}
	}
	runner := printer.NewRunner(printer.Config{
		ProxyURL:    strings.TrimRight(cfg.Backend.APIURL, "/") + cfg.Backend.ProxyPath,
		APIKey:      cfg.Backend.APIKey,
		DeviceID:    cfg.Printer.DeviceID,
		InsecureTLS: cfg.Printer.InsecureTLS,
	}, formatter, log)

	t.engine = dispatch.New(dispatch.Config{
		Cascade:               cfg.Printer.Cascade,
		ProxyTimeout:          cfg.Backend.ProxyTimeout,
		BroadcastOnExhaustion: cfg.Broadcast.OnExhaustion,
		ProxyWhenIncapable:    cfg.Broadcast.ProxyFirst,
	}, session, runner, t.journal, t.clock, t.metrics, log)

	t.bus = opts.Bus
	if t.bus == nil {
		t.client = eventbus.NewClient(eventbus.Config{
			URL:    cfg.Backend.WSURL,
			APIKey: cfg.Backend.APIKey,
			Registration: model.TerminalRegistration{
				Location:   session.Location,
				TerminalID: session.TerminalID,
				Capable:    session.Capable,
			},
			Heartbeat:      cfg.EventBus.Heartbeat,
			InitialBackoff: cfg.EventBus.InitialBackoff,
			MaxBackoff:     cfg.EventBus.MaxBackoff,
			MaxRetries:     cfg.EventBus.MaxRetries,
			WriteTimeout:   cfg.EventBus.WriteTimeout,
		}, t.clock, t.metrics, log)
		t.bus = t.client
	}

	t.coord = broadcast.New(broadcast.Config{Grace: cfg.Broadcast.Grace}, session, t.bus, t.guard, t.journal, t.clock, t.metrics, log)
	t.engine.SetBroadcaster(t.coord)

	t.store = orderstore.New(orderstore.Config{
		BaseURL:       cfg.Backend.APIURL,
		APIKey:        cfg.Backend.APIKey,
		Timeout:       cfg.Backend.Timeout,
		RatePerMinute: cfg.Backend.RatePerMinute,
	}, log)
	t.listener = ingest.New(ingest.Config{PollInterval: cfg.Ingest.PollInterval},
		session, t.bus, t.store, t.guard, t.engine, t.clock, t.metrics, log)

	t.server = opserver.New(opserver.Deps{
		Session:   session,
		Journal:   t.journal,
		Retrier:   t.engine,
		Store:     t.store,
		Connected: t.bus.Connected,
		Metrics:   t.metrics.Handler(),
	}, log)
	return t, nil
}

func (t *Terminal) Session() model.Session { return t.session }

func (t *Terminal) Journal() *journal.Journal { return t.journal }

func (t *Terminal) Engine() *dispatch.Engine { return t.engine }

func (t *Terminal) Listener() *ingest.Listener { return t.listener }

// Run starts every long-running part of the terminal and blocks until ctx
// is done or one of them fails. Print runs already started are left to
// finish on their own timeouts.
func (t *Terminal) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 5)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, eventbus.ErrGaveUp):
				// The listener notices through GaveUp and starts polling.
			default:
				t.log.Error("terminal component stopped", zap.String("component", name), zap.Error(err))
				errc <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("guard", func(ctx context.Context) error {
		t.guard.Run(ctx)
		return nil
	})
	if t.client != nil {
		start("eventbus", t.client.Run)
	}
	start("broadcast", func(ctx context.Context) error { return t.coord.Run(ctx, t.engine) })
	start("ingest", t.listener.Run)
	if addr := t.cfg.Operator.Listen; addr != "" {
		start("opserver", func(ctx context.Context) error { return t.server.Run(ctx, addr) })
	}

	t.log.Info("terminal running", zap.Bool("capable", t.session.Capable), zap.String("printer", t.session.Printer.Host))
	wg.Wait()
	close(errc)
	if err := <-errc; err != nil {
		return err
	}
	return ctx.Err()
}
