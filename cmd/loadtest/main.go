package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/stock"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/marketplace/internal/storage/redis"
)

type loadMode string

const (
	modeReserve        loadMode = "reserve"
	modeReserveConfirm loadMode = "reserve-confirm"
	modeReserveRelease loadMode = "reserve-release"
)

const (
	outcomeReserved     = "reserved"
	outcomeInsufficient = "insufficient"
	outcomeBusy         = "busy"
	outcomeTimeout      = "timeout"
	outcomeError        = "error"
)

type config struct {
	attempts    int
	concurrency int
	products    int
	stock       int64
	qty         int64
	lockTimeout time.Duration
	timeout     time.Duration
	mode        loadMode
	redisAddr   string
	postgresDSN string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type productReport struct {
	InitialStock int64 `json:"initial_stock"`
	TotalStock   int64 `json:"total_stock"`
	Reserved     int64 `json:"reserved"`
	Granted      int64 `json:"granted"`
	Oversold     bool  `json:"oversold"`
}

type report struct {
	StartedAt       time.Time                `json:"started_at"`
	DurationSeconds float64                  `json:"duration_seconds"`
	Mode            loadMode                 `json:"mode"`
	Attempts        int64                    `json:"attempts"`
	Outcomes        map[string]int64         `json:"outcomes"`
	RPS             float64                  `json:"rps"`
	LatencyMs       latencySummary           `json:"latency_ms"`
	Products        map[string]productReport `json:"products"`
	Oversold        bool                     `json:"oversold"`
}

// collector собирает исходы попыток и их задержки.
type collector struct {
	mu        sync.Mutex
	outcomes  map[string]int64
	granted   map[string]int64
	latencies []float64
}

func newCollector() *collector {
	return &collector{
		outcomes: make(map[string]int64),
		granted:  make(map[string]int64),
	}
}

func (c *collector) record(key domain.StockKey, qty int64, latency time.Duration, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes[outcome]++
	if outcome == outcomeReserved {
		c.granted[key.String()] += qty
	}
	c.latencies = append(c.latencies, float64(latency.Microseconds())/1000.0)
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.attempts, "attempts", 400, "total reservation attempts")
	fs.IntVar(&cfg.concurrency, "concurrency", 64, "number of concurrent buyers")
	fs.IntVar(&cfg.products, "products", 1, "number of contended products")
	fs.Int64Var(&cfg.stock, "stock", 50, "initial stock per product")
	fs.Int64Var(&cfg.qty, "qty", 1, "units per reservation")
	fs.DurationVar(&cfg.lockTimeout, "lock-timeout", 250*time.Millisecond, "max wait for a stock lock")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Second, "per-attempt deadline")
	fs.StringVar(&modeValue, "mode", string(modeReserve), "load mode: reserve | reserve-confirm | reserve-release")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "use Redis stock locks at this address instead of in-process locks")
	fs.StringVar(&cfg.postgresDSN, "postgres-dsn", "", "use PostgreSQL inventory instead of memory")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	switch {
	case cfg.attempts <= 0:
		return cfg, errors.New("attempts must be > 0")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.products <= 0:
		return cfg, errors.New("products must be > 0")
	case cfg.stock < 0:
		return cfg, errors.New("stock must be >= 0")
	case cfg.qty <= 0:
		return cfg, errors.New("qty must be > 0")
	case cfg.lockTimeout <= 0:
		return cfg, errors.New("lock-timeout must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	}
	cfg.redisAddr = strings.TrimSpace(cfg.redisAddr)
	cfg.postgresDSN = strings.TrimSpace(cfg.postgresDSN)
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeReserve:
		return modeReserve, nil
	case modeReserveConfirm:
		return modeReserveConfirm, nil
	case modeReserveRelease:
		return modeReserveRelease, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// target — склад, на котором идёт нагрузка.
type target struct {
	repo   domain.InventoryRepository
	ledger *stock.Ledger
	close  func()
}

func newTarget(ctx context.Context, cfg config) (*target, error) {
	quiet := log.New()
	quiet.SetLevel(log.ErrorLevel)
	logger := quiet.WithField("component", "loadtest")

	t := &target{close: func() {}}
	var closers []func()

	if cfg.postgresDSN != "" {
		store, err := postgres.Open(ctx, cfg.postgresDSN)
		if err != nil {
			return nil, err
		}
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, err
		}
		closers = append(closers, func() { _ = store.Close() })
		t.repo = postgres.NewInventoryRepository(store)
	} else {
		t.repo = memory.NewInventoryRepository()
	}

	var locker stock.Locker = memory.NewKeyedLocker(cfg.lockTimeout)
	if cfg.redisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			for _, c := range closers {
				c()
			}
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		locker = redisstore.NewLocker(client, cfg.lockTimeout, redisstore.WithLockLogger(logger))
	}

	t.ledger = stock.NewLedger(t.repo, locker, stock.WithLogger(logger))
	t.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return t, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	tgt, err := newTarget(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to prepare stock: %v\n", err)
		os.Exit(1)
	}
	defer tgt.close()

	result, err := run(ctx, cfg, tgt)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.Oversold {
		os.Exit(1)
	}
}

func productKeys(cfg config, runID string) []domain.StockKey {
	keys := make([]domain.StockKey, cfg.products)
	for i := range keys {
		keys[i] = domain.StockKey{ProductID: fmt.Sprintf("lt-%s-%d", runID, i)}
	}
	return keys
}

// run заводит остатки, запускает конкурентные попытки резерва и сверяет
// итоговые остатки с числом выданных резервов.
func run(ctx context.Context, cfg config, tgt *target) (report, error) {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d", startedAt.UnixNano())
	keys := productKeys(cfg, runID)

	for _, key := range keys {
		if _, err := tgt.repo.SetStock(ctx, key, cfg.stock); err != nil {
			return report{}, fmt.Errorf("set stock %s: %w", key, err)
		}
	}

	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	var failMu sync.Mutex
	var firstErr error

	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := attempt(ctx, cfg, tgt.ledger, keys[i%len(keys)], runID, i, col); err != nil {
					failMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					failMu.Unlock()
				}
			}
		}()
	}

	for i := 0; i < cfg.attempts; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return report{}, firstErr
	}

	duration := time.Since(startedAt)
	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Mode:            cfg.mode,
		Attempts:        int64(cfg.attempts),
		Outcomes:        col.outcomes,
		LatencyMs:       buildLatencySummary(col.latencies),
		Products:        make(map[string]productReport, len(keys)),
	}
	if duration > 0 {
		result.RPS = float64(result.Attempts) / duration.Seconds()
	}

	for _, key := range keys {
		rec, err := tgt.repo.GetStock(ctx, key)
		if err != nil {
			return report{}, fmt.Errorf("get stock %s: %w", key, err)
		}
		pr := productReport{
			InitialStock: cfg.stock,
			TotalStock:   rec.TotalStock,
			Reserved:     rec.Reserved,
			Granted:      col.granted[key.String()],
		}
		pr.Oversold = oversold(cfg, pr)
		result.Oversold = result.Oversold || pr.Oversold
		result.Products[key.String()] = pr
	}
	return result, nil
}

// oversold проверяет итог по товару: остаток согласован с режимом нагрузки,
// а без возврата резервов выдано не больше начального остатка.
func oversold(cfg config, pr productReport) bool {
	if pr.TotalStock < pr.Reserved {
		return true
	}
	switch cfg.mode {
	case modeReserve:
		return pr.Granted > pr.InitialStock || pr.Reserved != pr.Granted || pr.TotalStock != pr.InitialStock
	case modeReserveConfirm:
		return pr.Granted > pr.InitialStock || pr.Reserved != 0 || pr.TotalStock != pr.InitialStock-pr.Granted
	case modeReserveRelease:
		return pr.Reserved != 0 || pr.TotalStock != pr.InitialStock
	}
	return false
}

// attempt выполняет одну попытку; ошибка возвращается только для сбоев,
// не относящихся к конкуренции за остаток.
func attempt(ctx context.Context, cfg config, ledger *stock.Ledger, key domain.StockKey, runID string, index int, col *collector) error {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	start := time.Now()
	res, err := ledger.Reserve(attemptCtx, fmt.Sprintf("lt-order-%s-%d", runID, index), key, cfg.qty)
	outcome := classify(err)
	if outcome == outcomeReserved {
		switch cfg.mode {
		case modeReserveConfirm:
			_, _, err = ledger.Confirm(context.WithoutCancel(attemptCtx), res.ID)
		case modeReserveRelease:
			_, _, err = ledger.Release(context.WithoutCancel(attemptCtx), res.ID)
		}
		if err != nil {
			col.record(key, 0, time.Since(start), outcomeError)
			return fmt.Errorf("%s reservation %s: %w", cfg.mode, res.ID, err)
		}
	}
	qty := int64(0)
	if outcome == outcomeReserved {
		qty = cfg.qty
	}
	col.record(key, qty, time.Since(start), outcome)
	if outcome == outcomeError {
		return err
	}
	return nil
}

func classify(err error) string {
	switch {
	case err == nil:
		return outcomeReserved
	case errors.Is(err, domain.ErrInsufficientStock):
		return outcomeInsufficient
	case errors.Is(err, domain.ErrBusy):
		return outcomeBusy
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	default:
		return outcomeError
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report) {
	_, _ = fmt.Fprintln(w, "Stock contention summary")
	_, _ = fmt.Fprintf(w, "mode=%s attempts=%d duration=%.2fs rps=%.2f oversold=%t\n",
		result.Mode, result.Attempts, result.DurationSeconds, result.RPS, result.Oversold)

	outcomes := make([]string, 0, len(result.Outcomes))
	for name := range result.Outcomes {
		outcomes = append(outcomes, name)
	}
	sort.Strings(outcomes)
	for _, name := range outcomes {
		_, _ = fmt.Fprintf(w, "%s=%d\n", name, result.Outcomes[name])
	}

	_, _ = fmt.Fprintf(w, "latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.LatencyMs.Min,
		result.LatencyMs.Avg,
		result.LatencyMs.P50,
		result.LatencyMs.P95,
		result.LatencyMs.P99,
		result.LatencyMs.Max,
	)

	products := make([]string, 0, len(result.Products))
	for name := range result.Products {
		products = append(products, name)
	}
	sort.Strings(products)
	for _, name := range products {
		pr := result.Products[name]
		_, _ = fmt.Fprintf(w, "%s: initial=%d total=%d reserved=%d granted=%d oversold=%t\n",
			name, pr.InitialStock, pr.TotalStock, pr.Reserved, pr.Granted, pr.Oversold)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
