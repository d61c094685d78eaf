package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.jpl.nasa.gov/bdube/pm61/acquisition"
	"github.jpl.nasa.gov/bdube/pm61/calibration"
	"github.jpl.nasa.gov/bdube/pm61/instrument"
	"github.jpl.nasa.gov/bdube/pm61/server"
)

// table loads the table for the metric argument, or the configured metric.
// No metric means no table
func table(args []string) (*calibration.Table, error) {
	metric := cfg.Metric
	if len(args) > 0 {
		metric = args[0]
	}
	if metric == "" {
		return nil, nil
	}
	return cfg.LoadTable(metric)
}

// errInterrupted is returned when a signal arrives before the meter is ready
var errInterrupted = errors.New("interrupted")

// acquire runs fn against a connected, configured meter.  SIGINT and SIGTERM
// cancel the context given to fn instead of killing the process, so the
// meter is always disconnected
func acquire(fn func(context.Context, *acquisition.Session) error) error {
	mgr, err := cfg.Manager()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return acquireWith(ctx, mgr, fn)
}

// acquireWith is acquire on mgr, showing a spinner until the meter is ready.
// fn is not called if ctx is done by then
func acquireWith(ctx context.Context, mgr instrument.Manager, fn func(context.Context, *acquisition.Session) error) error {
	sp := startSpinner("connecting to power meter")
	err := acquisition.Acquire(mgr, cfg.Settings(), func(s *acquisition.Session) error {
		if ctx.Err() != nil {
			return errInterrupted
		}
		sp.stop(nil)
		return fn(ctx, s)
	}, cfg.Options(log)...)
	sp.stop(err)
	return err
}

// NewReadCommand takes a single reading
func NewReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read [metric]",
		Short: "take one reading, converted through the metric's calibration if given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := table(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return acquire(func(_ context.Context, s *acquisition.Session) error {
				if tbl == nil {
					p, err := s.TakeReading()
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%g %s\n", p, s.Settings().Unit)
					return nil
				}
				m, err := s.Measure(tbl)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%g %s -> %s %g %s", m.Raw, m.RawUnit, m.Metric, m.Value, m.Unit)
				if m.Extrapolated {
					fmt.Fprint(out, " (extrapolated)")
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}
}

// readingLog appends readings to a CSV file
type readingLog struct {
	w   *csv.Writer
	cal bool
}

// newReadingLog writes the header if header is true.  Calibrated logs carry
// the Result, Unit and Extrapolated columns
func newReadingLog(w io.Writer, calibrated, header bool) (*readingLog, error) {
	l := &readingLog{w: csv.NewWriter(w), cal: calibrated}
	if header {
		cols := []string{"Time", "Reading", "ReadingUnit"}
		if calibrated {
			cols = append(cols, "Result", "Unit", "Extrapolated")
		}
		if err := l.w.Write(cols); err != nil {
			return nil, err
		}
		l.w.Flush()
		if err := l.w.Error(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// write appends one row and flushes it
func (l *readingLog) write(m acquisition.Measurement) error {
	row := []string{
		m.Time.Format(time.RFC3339Nano),
		strconv.FormatFloat(m.Raw, 'g', -1, 64),
		m.RawUnit,
	}
	if l.cal {
		row = append(row,
			strconv.FormatFloat(m.Value, 'g', -1, 64),
			m.Unit,
			strconv.FormatBool(m.Extrapolated))
	}
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// openReadings opens path for appending, reporting whether it is new or
// empty and so needs a header
func openReadings(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, false, errors.Wrap(err, "opening readings file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, err
	}
	return f, fi.Size() == 0, nil
}

// NewLogCommand logs readings until interrupted
func NewLogCommand() *cobra.Command {
	var (
		out      string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "log [metric]",
		Short: "append readings to a CSV file until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("out") {
				cfg.Readings = out
			}
			if cmd.Flags().Changed("interval") {
				cfg.Interval = interval
			}
			tbl, err := table(args)
			if err != nil {
				return err
			}
			f, header, err := openReadings(cfg.Readings)
			if err != nil {
				return err
			}
			defer f.Close()
			rl, err := newReadingLog(f, tbl != nil, header)
			if err != nil {
				return err
			}

			n := 0
			err = acquire(func(ctx context.Context, s *acquisition.Session) error {
				log.WithField("file", cfg.Readings).Info("logging readings, interrupt to stop")
				return s.Poll(ctx, cfg.Interval, func(raw float64) error {
					m := acquisition.Measurement{Raw: raw, RawUnit: s.Settings().Unit, Time: time.Now()}
					if tbl != nil {
						var err error
						m, err = s.Convert(tbl, raw)
						if err != nil {
							return err
						}
					}
					n++
					return rl.write(m)
				})
			})
			log.WithField("readings", n).Info("stopped logging")
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "CSV file to append to (default from config)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "time between readings (default from config)")
	return cmd
}

// NewBatteryCommand prints the battery state of charge
func NewBatteryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "battery",
		Short: "print the battery state of charge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return acquire(func(_ context.Context, s *acquisition.Session) error {
				soc, err := s.BatteryCharge()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%g%%\n", soc)
				return nil
			})
		},
	}
}

// loadCalibrations loads the calibration directory.  A missing directory
// is not an error, the server then has no calibrations
func loadCalibrations() (calibration.Set, error) {
	set, err := calibration.LoadDir(cfg.CalDir, cfg.CalPrefix, cfg.CalExt)
	var nf *calibration.NotFoundError
	if errors.As(err, &nf) {
		log.WithField("dir", cfg.CalDir).Warn("calibration directory not found, serving without calibrations")
		return calibration.Set{}, nil
	}
	return set, err
}

// NewServeCommand serves the meter over HTTP until interrupted
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve the meter over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cals, err := loadCalibrations()
			if err != nil {
				return err
			}
			return acquire(func(ctx context.Context, s *acquisition.Session) error {
				meter := server.NewMeter(s, cals, log)
				// runs before the session is disconnected
				defer meter.Close()

				root := chi.NewRouter()
				root.Use(middleware.Logger, middleware.Recoverer)
				root.Mount("/", meter.Router(cfg.Endpoint))
				srv := &http.Server{Addr: cfg.Addr, Handler: root}

				sctx, stop := context.WithCancel(ctx)
				defer stop()
				done := make(chan struct{})
				go func() {
					defer close(done)
					<-sctx.Done()
					tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer tcancel()
					if err := srv.Shutdown(tctx); err != nil {
						log.WithError(err).Warn("requests still running at shutdown")
					}
				}()
				log.WithFields(logrus.Fields{
					"addr":         cfg.Addr,
					"endpoint":     cfg.Endpoint,
					"calibrations": cals.Metrics(),
				}).Info("now listening for requests")
				err := srv.ListenAndServe()
				stop()
				<-done
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			})
		},
	}
}
