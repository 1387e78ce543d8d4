package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoanBrand/speedwatch"
	"github.com/RoanBrand/speedwatch/internal/config"
	"github.com/RoanBrand/speedwatch/internal/metrics"
	"github.com/RoanBrand/speedwatch/internal/sim"
	"github.com/RoanBrand/speedwatch/internal/store"
	"github.com/fatih/color"
	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const statsInterval = 10 * time.Second

var runFlags struct {
	endpoint  string
	threshold float64
	simulate  bool
	input     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the broker and report speeds",
	RunE:  run,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.endpoint, "endpoint", "", "broker endpoint: host, host:port or ws://host:port/path")
	f.Float64Var(&runFlags.threshold, "threshold", 0, "report speeds from this value on, in km/h")
	f.BoolVar(&runFlags.simulate, "simulate", false, "drive the configured simulation route")
	f.StringVar(&runFlags.input, "input", "", "replay speeds from file, one per line (- for stdin)")
	rootCmd.AddCommand(runCmd)
}

type program struct {
	conf        *config.Config
	endpoint    string
	source      sim.Source
	sourceClose io.Closer

	logClose io.Closer
	journal  *store.Journal
	svc      *speedwatch.Service
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func run(cmd *cobra.Command, args []string) error {
	// Set defaults before config override.
	if service.Interactive() {
		log.SetLevel(log.InfoLevel)
	} else {
		ePath, err := os.Executable()
		if err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(filepath.Dir(ePath), "speedwatch.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
	}

	conf, path, err := loadConfig()
	if err != nil {
		return err
	}
	if path != "" {
		log.Infoln("Using config file:", path)
	} else {
		log.Infoln("No config file specified or found. Using defaults.")
	}
	if cmd.Flags().Changed("threshold") {
		conf.Reporting.Threshold = runFlags.threshold
	}

	prg := &program{conf: conf, endpoint: runFlags.endpoint}
	if prg.source, prg.sourceClose, err = newSource(conf); err != nil {
		return err
	}

	s, err := newService(prg)
	if err != nil {
		return err
	}
	return s.Run()
}

func newSource(conf *config.Config) (sim.Source, io.Closer, error) {
	switch {
	case runFlags.simulate && runFlags.input != "":
		return nil, nil, errors.New("use either --simulate or --input")
	case runFlags.input == "-":
		return &sim.Replay{R: os.Stdin, Interval: conf.Simulation.Tick(), Vehicle: newVehicle(conf)}, nil, nil
	case runFlags.input != "":
		f, err := os.Open(runFlags.input)
		if err != nil {
			return nil, nil, err
		}
		return &sim.Replay{R: f, Interval: conf.Simulation.Tick(), Vehicle: newVehicle(conf)}, f, nil
	case runFlags.simulate:
		sc := &conf.Simulation
		route := make([]sim.Segment, len(sc.Route))
		for i, seg := range sc.Route {
			route[i] = sim.Segment{Target: seg.Target, Duration: time.Duration(seg.DurationMS) * time.Millisecond}
		}
		return &sim.Simulator{
			Vehicle: newVehicle(conf),
			Route:   route,
			Tick:    sc.Tick(),
			Loop:    sc.Loop,
		}, nil, nil
	}
	return nil, nil, nil
}

func newVehicle(conf *config.Config) *sim.Vehicle {
	sc := &conf.Simulation
	return sim.NewVehicle(sc.MaxSpeed, sc.Acceleration, sc.Deceleration)
}

func (p *program) Start(s service.Service) error {
	var err error
	p.logClose, err = speedwatch.SetupLogging(log.StandardLogger(), p.conf.Log.File, p.conf.Log.Level)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	var opts []speedwatch.Option
	if service.Interactive() {
		opts = append(opts, speedwatch.WithObserver(console{w: color.Output}))
	}

	if dir := p.conf.Store.Dir; dir != "" {
		if p.journal, err = store.Open(dir); err != nil {
			p.shutdown()
			return err
		}
		opts = append(opts, speedwatch.WithJournal(p.journal))
	}

	if addr := p.conf.Metrics.Address; addr != "" {
		c, l, reg, err := setupMetrics(addr)
		if err != nil {
			p.shutdown()
			return err
		}
		opts = append(opts, speedwatch.WithMetrics(c))

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := metrics.Serve(ctx, l, reg); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	if p.svc, err = speedwatch.New(p.conf, opts...); err != nil {
		p.shutdown()
		return err
	}
	p.svc.StartReporting(p.endpoint)

	if p.source != nil {
		// not waited for: a replay from stdin can block in Read
		go func() {
			err := p.source.Run(ctx, p.svc.OnSpeedChanged)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Speed source failed")
				return
			}
			log.Info("Speed source finished")
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logStats(ctx)
	}()

	return nil
}

func (p *program) Stop(s service.Service) error {
	p.shutdown()
	return nil
}

func (p *program) shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.svc != nil {
		p.svc.Close()
	}
	if p.sourceClose != nil {
		p.sourceClose.Close()
	}
	if p.journal != nil {
		if err := p.journal.Close(); err != nil {
			log.WithError(err).Warn("Unable to close report journal")
		}
	}
	if p.logClose != nil {
		p.logClose.Close()
	}
}

func (p *program) logStats(ctx context.Context) {
	t := time.NewTicker(statsInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		sum := p.svc.Stats()
		if sum.Count == 0 {
			continue
		}
		log.WithFields(log.Fields{
			"samples": sum.Count,
			"current": sum.Current,
			"mean":    sum.Mean,
			"median":  sum.Median,
			"stddev":  sum.StdDev,
			"min":     sum.Min,
			"max":     sum.Max,
			"state":   p.svc.State(),
		}).Info("Speed statistics")
	}
}

func setupMetrics(addr string) (*metrics.Collector, net.Listener, *prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c, err := metrics.New(reg)
	if err != nil {
		return nil, nil, nil, err
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, l, reg, nil
}
