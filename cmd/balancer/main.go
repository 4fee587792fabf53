// Package main implements the spellnet load balancer, the single entry
// point clients connect to. Each client connection is relayed byte for byte
// to one healthy worker.
//
// Configuration:
//   - LB_LISTEN: Client listen address (default: ":7520")
//   - LB_BACKENDS: Comma separated worker control addresses
//     (default: "localhost:7530,localhost:7531")
//   - LB_HEALTH_INTERVAL: Health probe period (default: "10s")
//   - LB_STATUS_LISTEN: HTTP status address (disabled when empty)
//
// Example usage:
//
//	LB_BACKENDS=localhost:7530,localhost:7531 LB_STATUS_LISTEN=:9520 ./balancer
//	curl localhost:9520/stats
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/spellnet/internal/balancer"
	"github.com/dreamware/spellnet/internal/cluster"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

const defaultBackends = "localhost:7530,localhost:7531"

type settings struct {
	lb           balancer.Config
	backends     []cluster.PeerInfo
	statusListen string
}

func main() {
	s, err := loadSettings()
	if err != nil {
		logFatal("config: %v", err)
		return
	}

	lb := balancer.New(s.lb)
	for _, b := range s.backends {
		lb.AddServer(b.Host, b.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lb.Start(ctx); err != nil {
		logFatal("start: %v", err)
		return
	}

	var status *http.Server
	if s.statusListen != "" {
		status = &http.Server{
			Addr:              s.statusListen,
			Handler:           lb.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("[LOAD BALANCER] status on %s", s.statusListen)
			if err := status.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logFatal("status listen: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if status != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = status.Shutdown(sctx)
		scancel()
	}
	_ = lb.Close()
}

func loadSettings() (settings, error) {
	s := settings{
		lb:           balancer.Config{ListenAddr: getenv("LB_LISTEN", balancer.DefaultListenAddr)},
		statusListen: os.Getenv("LB_STATUS_LISTEN"),
	}
	for _, addr := range cluster.ParseAddrList(getenv("LB_BACKENDS", defaultBackends)) {
		b, err := cluster.ParsePeer(addr)
		if err != nil {
			return settings{}, err
		}
		s.backends = append(s.backends, b)
	}
	if v := os.Getenv("LB_HEALTH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return settings{}, fmt.Errorf("LB_HEALTH_INTERVAL: invalid duration %q", v)
		}
		s.lb.HealthInterval = d
	}
	return s, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
