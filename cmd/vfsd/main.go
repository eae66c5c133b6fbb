// Command vfsd implements the vfsd daemon. vfsd mounts filesystem backends
// for its clients and serves the files they open.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/vfsd/internal/cmdutil"
	"github.com/rfratto/vfsd/vfsd"
)

func main() {
	var (
		o          = vfsd.DefaultOptions
		ll         cmdutil.LogLevel
		configFile string
		httpAddr   = "127.0.0.1:8080"
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Var(&ll, "log.level", "Level to display logs at")
	fs.StringVar(&configFile, "config.file", "", "Optional YAML config file. Flags override its settings.")
	fs.StringVar(&httpAddr, "http-listen-addr", httpAddr, "listen address for metrics and profiling. Empty disables the HTTP server.")

	fs.StringVar(&o.ListenAddr, "listen-addr", o.ListenAddr, "unix socket address for the vfsd bus")
	fs.IntVar(&o.MaxThreads, "max-threads", o.MaxThreads, "maximum number of jobs to run at once per mount")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s", err.Error())
		os.Exit(1)
	}

	if configFile != "" {
		if err := applyConfig(fs, configFile, &o, &ll); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %s\n", err.Error())
			os.Exit(1)
		}
	}
	o.Registerer = prometheus.DefaultRegisterer

	var (
		stdout = log.NewSyncWriter(os.Stdout)
	)

	l := log.NewLogfmtLogger(stdout)
	l = level.NewFilter(l, ll.FilterOption())
	l = log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller)

	var group run.Group

	// Information server worker
	if httpAddr != "" {
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			level.Error(l).Log("msg", "failed to create listener for HTTP server", "err", err)
			os.Exit(1)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// vfsd worker
	{
		d, err := vfsd.New(l, o)
		if err != nil {
			level.Error(l).Log("msg", "failed to create vfsd", "err", err)
			os.Exit(1)
		}

		group.Add(func() error {
			return d.Start()
		}, func(_ error) {
			if err := d.Stop(); err != nil {
				level.Warn(l).Log("msg", "errors while stopping vfsd", "err", err)
			}
		})
	}

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	if err := group.Run(); err != nil {
		level.Error(l).Log("msg", "error running vfsd", "err", err)
		os.Exit(1)
	}
}

// applyConfig loads the config file at path into o and ll. Settings given
// as flags are kept.
func applyConfig(fs *flag.FlagSet, path string, o *vfsd.Options, ll *cmdutil.LogLevel) error {
	c, err := vfsd.LoadConfig(path)
	if err != nil {
		return err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	flagged := *o
	c.Apply(o)
	if set["listen-addr"] {
		o.ListenAddr = flagged.ListenAddr
	}
	if set["max-threads"] {
		o.MaxThreads = flagged.MaxThreads
	}
	if !set["log.level"] {
		*ll = c.LogLevel
	}
	return nil
}
