package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"apigate/client"
	"apigate/internal/metrics"
	v1 "apigate/pkg/api/v1"
)

// Configuration
var (
	baseURL  = flag.String("url", "http://localhost:9000", "Backend API base URL")
	username = flag.String("user", "loadtest", "Login username")
	password = flag.String("pass", "loadtest", "Login password")
	path     = flag.String("path", "/me", "Authenticated path every VU calls")
	totalVUs = flag.Int("c", 200, "Total Virtual Users (Concurrency)")
	rampUp   = flag.Duration("ramp", 10*time.Second, "Ramp up duration")
	duration = flag.Duration("d", time.Minute, "Test duration after ramp up")
)

// Metrics
var (
	activeVUs    int64
	requests     int64
	failures     int64
	retries      int64
	refreshes    int64
	refreshFails int64
	latencySum   int64 // milliseconds
	latencyCount int64
)

// countingObserver feeds client events into the load test counters.
type countingObserver struct{}

func (countingObserver) ObserveAttempt(string, float64) {}
func (countingObserver) RecordRetry()                   { atomic.AddInt64(&retries, 1) }
func (countingObserver) RecordRefresh(result string) {
	if result == "ok" {
		atomic.AddInt64(&refreshes, 1)
		return
	}
	atomic.AddInt64(&refreshFails, 1)
}

var _ metrics.ClientObserver = countingObserver{}

func main() {
	flag.Parse()

	fmt.Printf("🚀 Starting Load Test\n")
	fmt.Printf("   Target: %s%s\n", *baseURL, *path)
	fmt.Printf("   VUs: %d\n", *totalVUs)
	fmt.Printf("   Ramp: %v\n", *rampUp)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = *totalVUs
	transport.MaxConnsPerHost = *totalVUs

	// Every VU shares one session, so an expired access token makes all of
	// them hit 401 together and the refresh count shows the dedup working.
	cl := client.New(client.Config{BaseURL: *baseURL},
		client.NewStore(client.NewMemoryBackend(), "loadtest:"),
		client.WithHTTPClient(&http.Client{Transport: transport}),
		client.WithObserver(countingObserver{}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if res := cl.Login(ctx, v1.LoginReq{Username: *username, Password: *password}); !res.Success {
		fmt.Printf("Login failed: %d %s\n", res.Status, res.Error)
		os.Exit(1)
	}

	// Metric Reporter
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reqs := atomic.SwapInt64(&requests, 0)
				latSum := atomic.SwapInt64(&latencySum, 0)
				latCnt := atomic.SwapInt64(&latencyCount, 0)

				avgLat := float64(0)
				if latCnt > 0 {
					avgLat = float64(latSum) / float64(latCnt)
				}

				fmt.Printf("[%s] Active: %d | Req/s: %d | Failures: %d | Retries: %d | Refreshes: %d (failed %d) | Avg Latency: %.2f ms\n",
					time.Now().Format("15:04:05"), atomic.LoadInt64(&activeVUs), reqs,
					atomic.LoadInt64(&failures), atomic.LoadInt64(&retries),
					atomic.LoadInt64(&refreshes), atomic.LoadInt64(&refreshFails), avgLat)
			}
		}
	}()

	runCtx, stop := context.WithTimeout(ctx, *rampUp+*duration)
	defer stop()

	// Ramp-up Logic
	var wg sync.WaitGroup
	interval := *rampUp / time.Duration(*totalVUs)
	for i := 0; i < *totalVUs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runVU(runCtx, cl)
		}()
		select {
		case <-runCtx.Done():
		case <-time.After(interval):
		}
	}

	fmt.Println("✅ All VUs launched. Waiting...")
	wg.Wait()
	fmt.Printf("Done. Failures: %d | Refreshes: %d (failed %d)\n",
		atomic.LoadInt64(&failures), atomic.LoadInt64(&refreshes), atomic.LoadInt64(&refreshFails))
}

func runVU(ctx context.Context, cl *client.Client) {
	atomic.AddInt64(&activeVUs, 1)
	defer atomic.AddInt64(&activeVUs, -1)

	for ctx.Err() == nil {
		start := time.Now()
		res := client.Get[json.RawMessage](ctx, cl, *path)
		if ctx.Err() != nil {
			return
		}
		atomic.AddInt64(&requests, 1)
		atomic.AddInt64(&latencySum, time.Since(start).Milliseconds())
		atomic.AddInt64(&latencyCount, 1)
		if !res.Success {
			if atomic.AddInt64(&failures, 1) == 1 {
				fmt.Printf("First failure: %d %s\n", res.Status, res.Error)
			}
		}
	}
}
