// README: Benchmark cases; environment checks, the rescue flow, accept races and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"supportcarr/migrations"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	// run keeps rider and driver ids unique across runs against one server.
	run string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

// identity is sent as dev headers; the API must run without Firebase.
type identity struct{ uid, role string }

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   fmt.Sprintf("%x", time.Now().UnixNano()),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
			defer db.Close()
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
		defer r.redis.Close()
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}
	return results
}

type response struct {
	status  int
	body    []byte
	latency time.Duration
}

func (r *Runner) call(ctx context.Context, who identity, method, path string, body any) (response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return response{}, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if who.uid != "" {
		req.Header.Set("X-Dev-User", who.uid)
		req.Header.Set("X-Dev-Role", who.role)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return response{status: resp.StatusCode, body: b, latency: time.Since(start)}, err
}

func (r *Runner) rider(n int) identity  { return identity{fmt.Sprintf("bench-%s-rider-%d", r.run, n), "rider"} }
func (r *Runner) driver(n int) identity { return identity{fmt.Sprintf("bench-%s-driver-%d", r.run, n), "driver"} }

var (
	pickup  = map[string]any{"lat": 25.033, "lng": 121.565, "address": "Xinyi Rd"}
	dropoff = map[string]any{"lat": 25.0478, "lng": 121.5318, "address": "Bike shop"}
)

// newRescue creates a rescue for rider n with drivers online next to the pickup.
func (r *Runner) newRescue(ctx context.Context, n, drivers int) (string, error) {
	for i := 0; i < drivers; i++ {
		d := r.driver(n*1000 + i)
		res, err := r.call(ctx, d, http.MethodPut, "/api/drivers/"+d.uid+"/location", map[string]any{"lat": 25.0335, "lng": 121.5652})
		if err != nil {
			return "", err
		}
		if res.status != http.StatusOK {
			return "", fmt.Errorf("place driver: status=%d", res.status)
		}
	}
	res, err := r.call(ctx, r.rider(n), http.MethodPost, "/api/rescues", map[string]any{
		"pickup":  pickup,
		"dropoff": dropoff,
		"issue":   map[string]any{"type": "flat_tire", "description": "bench"},
	})
	if err != nil {
		return "", err
	}
	if res.status != http.StatusCreated {
		return "", fmt.Errorf("create rescue: status=%d body=%s", res.status, res.body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(res.body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusSkip, Note: "dsn not set"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusSkip, Note: "redis not set"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return expect(r.call(ctx, identity{}, http.MethodGet, "/health", nil))(http.StatusOK)
		}},
		{Name: "API: quote", Run: func(ctx context.Context, r *Runner) Result {
			return expect(r.call(ctx, r.rider(0), http.MethodPost, "/api/quotes", map[string]any{"pickup": pickup, "dropoff": dropoff}))(http.StatusOK)
		}},
		{Name: "API: invalid coordinates -> 400", Run: func(ctx context.Context, r *Runner) Result {
			d := r.driver(0)
			return expect(r.call(ctx, d, http.MethodPut, "/api/drivers/"+d.uid+"/location", map[string]any{"lat": 123.0, "lng": 456.0}))(http.StatusBadRequest)
		}},
		{Name: "Flow: full rescue lifecycle", Run: lifecycle},
		{Name: "Flow: second active rescue -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if _, err := r.newRescue(ctx, 2, 0); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return expect(r.call(ctx, r.rider(2), http.MethodPost, "/api/rescues", map[string]any{
				"pickup": pickup, "dropoff": dropoff, "issue": map[string]any{"type": "chain", "description": "again"},
			}))(http.StatusConflict)
		}},
		{Name: "Concurrency: many drivers accept one rescue", Run: acceptRace},
		{Name: "Concurrency: cancel vs accept", Run: cancelVsAccept},
		{Name: "Perf: location update throughput", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, func(i int) (identity, string, string, any) {
				d := r.driver(900000 + i)
				return d, http.MethodPut, "/api/drivers/" + d.uid + "/location", map[string]any{"lat": 25.033, "lng": 121.565}
			})
		}},
		{Name: "Perf: quote throughput", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, func(int) (identity, string, string, any) {
				return r.rider(0), http.MethodPost, "/api/quotes", map[string]any{"pickup": pickup, "dropoff": dropoff}
			})
		}},
	}
}

func expect(res response, err error) func(statuses ...int) Result {
	return func(statuses ...int) Result {
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		for _, s := range statuses {
			if res.status == s {
				return Result{Status: statusPass, Latency: res.latency, Note: fmt.Sprintf("status=%d", res.status)}
			}
		}
		return Result{Status: statusFail, Latency: res.latency, Note: fmt.Sprintf("status=%d body=%s", res.status, res.body)}
	}
}

func lifecycle(ctx context.Context, r *Runner) Result {
	start := time.Now()
	id, err := r.newRescue(ctx, 1, 1)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	rider, driver := r.rider(1), r.driver(1000)
	steps := []struct {
		who  identity
		path string
		body any
	}{
		{rider, "/dispatch", nil},
		{driver, "/accept", nil},
		{driver, "/transition", map[string]any{"status": "en_route"}},
		{driver, "/transition", map[string]any{"status": "arrived"}},
		{driver, "/transition", map[string]any{"status": "in_progress"}},
		{driver, "/complete", map[string]any{}},
	}
	for _, s := range steps {
		res, err := r.call(ctx, s.who, http.MethodPost, "/api/rescues/"+id+s.path, s.body)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if res.status != http.StatusOK {
			return Result{Status: statusFail, Note: fmt.Sprintf("%s: status=%d body=%s", s.path, res.status, res.body)}
		}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func acceptRace(ctx context.Context, r *Runner) Result {
	const rider = 3
	id, err := r.newRescue(ctx, rider, r.cfg.Concurrency)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if res, err := r.call(ctx, r.rider(rider), http.MethodPost, "/api/rescues/"+id+"/dispatch", nil); err != nil || res.status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("dispatch failed: %v", err)}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, lost  int
		unexpects []int
	)
	start := time.Now()
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.call(ctx, r.driver(rider*1000+i), http.MethodPost, "/api/rescues/"+id+"/accept", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				unexpects = append(unexpects, -1)
			case res.status == http.StatusOK:
				ok++
			case res.status == http.StatusConflict:
				lost++
			default:
				unexpects = append(unexpects, res.status)
			}
		}(i)
	}
	wg.Wait()

	note := fmt.Sprintf("winners=%d conflicts=%d other=%v", ok, lost, unexpects)
	if ok != 1 || len(unexpects) > 0 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: note}
}

func cancelVsAccept(ctx context.Context, r *Runner) Result {
	const rider = 4
	id, err := r.newRescue(ctx, rider, 1)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if res, err := r.call(ctx, r.rider(rider), http.MethodPost, "/api/rescues/"+id+"/dispatch", nil); err != nil || res.status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("dispatch failed: %v", err)}
	}

	var wg sync.WaitGroup
	var accept, cancel response
	wg.Add(2)
	go func() {
		defer wg.Done()
		accept, _ = r.call(ctx, r.driver(rider*1000), http.MethodPost, "/api/rescues/"+id+"/accept", nil)
	}()
	go func() {
		defer wg.Done()
		cancel, _ = r.call(ctx, r.rider(rider), http.MethodPost, "/api/rescues/"+id+"/cancel", map[string]any{"reason": "bench"})
	}()
	wg.Wait()

	note := fmt.Sprintf("accept=%d cancel=%d", accept.status, cancel.status)
	// Cancel may legitimately follow a committed accept; accept may never follow a cancel.
	if cancel.status != http.StatusOK && cancel.status != http.StatusConflict {
		return Result{Status: statusFail, Note: note}
	}
	if accept.status == http.StatusOK && cancel.status == http.StatusOK {
		return Result{Status: statusPass, Note: note + " (accept then cancel)"}
	}
	if (accept.status == http.StatusOK) == (accept.status == http.StatusConflict) {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, next func(i int) (identity, string, string, any)) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		mu              sync.Mutex
		count, errCount int64
		wg              sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who, method, path, body := next(i)
			for time.Now().Before(end) && ctx.Err() == nil {
				res, err := r.call(ctx, who, method, path, body)
				mu.Lock()
				if err != nil || res.status >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not set"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("%d tables", len(tables))}
}

func extractTables(path string) ([]string, error) {
	var b []byte
	var err error
	if path == "" {
		b, err = fs.ReadFile(migrations.FS, "0001_init.sql")
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}
