// Command passgate-loadtest drives the OTP login flow at configurable
// concurrency and reports throughput and latency percentiles. With no
// -redis-addr it runs fully self-contained against miniredis.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/passgate/passgate"
	"github.com/passgate/passgate/memstore"
	"github.com/passgate/passgate/password"
)

// captureNotifier records the latest OTP code per email so workers can
// redeem what they requested.
type captureNotifier struct {
	mu    sync.Mutex
	codes map[string]string
}

func (n *captureNotifier) SendVerification(context.Context, passgate.Notification) error {
	return nil
}

func (n *captureNotifier) SendOTP(_ context.Context, m passgate.Notification) error {
	n.mu.Lock()
	n.codes[m.Email] = m.Code
	n.mu.Unlock()
	return nil
}

func (n *captureNotifier) code(email string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.codes[email]
	return c, ok
}

// waitForChange polls until a code different from prev arrives for email.
// Delivery is asynchronous, so the worker has to wait out the dispatcher.
func (n *captureNotifier) waitForChange(email, prev string, timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c, ok := n.code(email); ok && c != prev {
			return c, true
		}
		time.Sleep(100 * time.Microsecond)
	}
	return "", false
}

func main() {
	var (
		accounts    = flag.Int("accounts", 10000, "number of accounts to seed")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "request+verify cycles to run")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *accounts <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "accounts, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := memstore.New()
	notifier := &captureNotifier{codes: make(map[string]string)}

	cfg := passgate.Config{}
	// Budgets sized so the limiter and lockout stay out of the measurement.
	cfg.RateLimit.Capacity = *ops * 2
	cfg.RateLimit.RefillInterval = time.Hour
	cfg.Lockout.Threshold = *ops * 2
	cfg.Janitor.Enabled = false

	engine, err := passgate.New().
		WithConfig(cfg).
		WithRedis(client).
		WithAccountStore(store).
		WithNotifier(notifier).
		WithSessionIssuer(passgate.SessionIssuerFunc(
			func(_ context.Context, p passgate.Principal) (string, error) {
				return "session-" + p.AccountID, nil
			})).
		WithLogger(zap.NewNop()).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	hasher, err := password.NewArgon2(password.DefaultParams())
	if err != nil {
		fmt.Fprintf(os.Stderr, "hasher init failed: %v\n", err)
		os.Exit(1)
	}
	hash, err := hasher.Hash("loadtest-password")
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed hash failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("seeding %d accounts...\n", *accounts)
	startSeed := time.Now()
	emails := make([]string, *accounts)
	now := time.Now()
	for i := range emails {
		emails[i] = fmt.Sprintf("user%d@example.com", i)
		err := store.Create(ctx, &passgate.Account{
			ID:           fmt.Sprintf("acct-%d", i),
			Email:        emails[i],
			PasswordHash: hash,
			FirstName:    "Load",
			LastName:     "Tester",
			Enabled:      true,
			Role:         passgate.RoleUser,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, *ops)
		failures  int
	)
	perWorker := *ops / *concurrency

	fmt.Printf("running %d cycles across %d workers...\n", perWorker**concurrency, *concurrency)
	startRun := time.Now()

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			local := make([]time.Duration, 0, perWorker)
			localFailures := 0

			for i := 0; i < perWorker; i++ {
				// Strided selection keeps workers on separate accounts most
				// of the time; a collision overwrites the captured code and
				// counts as a failure.
				email := emails[(worker+i**concurrency)%len(emails)]
				ip := fmt.Sprintf("10.0.%d.%d", worker/256, worker%256)

				prev, _ := notifier.code(email)

				start := time.Now()
				if err := engine.RequestOTP(ctx, email, ip); err != nil {
					localFailures++
					continue
				}
				code, ok := notifier.waitForChange(email, prev, time.Second)
				if !ok {
					localFailures++
					continue
				}
				if _, err := engine.VerifyOTP(ctx, email, code); err != nil {
					localFailures++
					continue
				}
				local = append(local, time.Since(start))
			}

			mu.Lock()
			latencies = append(latencies, local...)
			failures += localFailures
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(startRun)

	if len(latencies) == 0 {
		fmt.Fprintln(os.Stderr, "no successful cycles")
		os.Exit(1)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}

	fmt.Printf("completed %d cycles in %s (%d failures)\n", len(latencies), elapsed.Round(time.Millisecond), failures)
	fmt.Printf("throughput: %.0f cycles/s\n", float64(len(latencies))/elapsed.Seconds())
	fmt.Printf("latency p50=%s p95=%s p99=%s max=%s\n",
		pct(0.50).Round(time.Microsecond),
		pct(0.95).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond),
		latencies[len(latencies)-1].Round(time.Microsecond))
}
