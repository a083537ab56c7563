// Command dispersyd wires every package in this module into one
// running community: a thin main that assembles components, registers
// the walker tick on the scheduler, and serves prometheus metrics
// until interrupted or the requested number of ticks has run.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dispersy-go/dispersy/candidate"
	"github.com/dispersy-go/dispersy/community"
	"github.com/dispersy-go/dispersy/config"
	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/member"
	"github.com/dispersy-go/dispersy/scheduler"
	"github.com/dispersy-go/dispersy/store"
	"github.com/dispersy-go/dispersy/wire"
)

func main() {
	classification := flag.String("classification", "dispersyd-demo", "community classification name")
	ticks := flag.Int("ticks", 5, "number of walker ticks to run before exiting (0 runs until interrupted)")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9753", "listen address for prometheus metrics, empty to disable")
	flag.Parse()

	if err := run(*classification, *ticks, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "dispersyd:", err)
		os.Exit(1)
	}
}

func run(classification string, ticks int, metricsAddr string) error {
	registry := member.NewRegistry()

	masterKey := randomKey()
	myKey := randomKey()
	master, err := registry.FromPublicKey(masterKey, nil)
	if err != nil {
		return err
	}
	my, err := registry.FromPublicKey(myKey, myKey)
	if err != nil {
		return err
	}

	var cid ids.CommunityID
	mid := member.DeriveMID(masterKey)
	copy(cid[:], mid[:])

	candidates := candidate.NewTable()
	st := store.NewMemoryStore()
	sched := scheduler.New()
	params := config.DefaultParameters()
	lan := wire.Address{IP: [4]byte{127, 0, 0, 1}, Port: 7759}
	wan := lan

	c, err := community.Create(cid, classification, master, my, candidates, st, sched, params, lan, wan)
	if err != nil {
		return err
	}

	logger := log.New("component", "dispersyd")
	c.SetLogger(logger)

	reg := prometheus.NewRegistry()
	if err := c.EnableMetrics(reg); err != nil {
		return err
	}

	seedBootstrapCandidates(candidates)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	ran := 0
	sched.Register(string(cid[:]), 0, func(now time.Time) (time.Duration, bool) {
		cand, req, reqID, err := c.TakeStep(now)
		if err != nil {
			logger.Warn("tick produced no walk",
				zap.Int("tick", ran),
				zap.Error(err),
			)
		} else {
			logger.Info("walker tick",
				zap.Int("tick", ran),
				zap.String("candidate", cand.SockAddr()),
				zap.Uint16("requestID", uint16(reqID)),
				zap.Uint64("timeLow", req.Sync.TimeLow),
				zap.Uint64("timeHigh", req.Sync.TimeHigh),
			)
		}
		ran++
		if ticks > 0 && ran >= ticks {
			stop()
			return 0, false
		}
		return params.WalkerTickInterval, true
	})

	g.Go(func() error {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		now := time.Now()
		for {
			sched.RunDue(now)
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				// advance faster than wall clock so a short -ticks demo
				// does not sit through full rewalk intervals
				now = now.Add(params.WalkerTickInterval)
			}
		}
	})

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("global time",
		zap.Uint64("localGT", c.Clock().Local()),
		zap.Uint64("acceptableGT", c.Clock().AcceptableGlobalTime()),
	)
	return nil
}

func seedBootstrapCandidates(candidates *candidate.Table) {
	for i, port := range []uint16{7760, 7761, 7762} {
		addr := wire.Address{IP: [4]byte{127, 0, 0, byte(2 + i)}, Port: port}
		b := addr.Bytes()
		candidates.AddBootstrap(string(b[:]))
	}
}

func randomKey() []byte {
	k := make([]byte, 32)
	_, _ = rand.Read(k)
	return k
}
