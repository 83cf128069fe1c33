package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	users       int
	amount      string
	password    string
	adminEmail  string
)

// Metrics
var (
	totalRequests uint64
	requested201  uint64 // Transfer requests accepted
	replayed200   uint64 // Idempotent replays
	approved200   uint64
	fail409       uint64 // Already disposed / in-flight key
	fail422       uint64 // Insufficient spendable, bad recipient
	fail503       uint64 // Lock timeouts
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&users, "users", 1000, "Number of seeded users (user1..userN@seed.local)")
	flag.StringVar(&amount, "amount", "1.00", "Amount per transfer")
	flag.StringVar(&password, "password", "password", "Password shared by seeded users")
	flag.StringVar(&adminEmail, "admin", "admin@seed.local", "Admin email used for approvals")
}

type tokenCache struct {
	mu     sync.Mutex
	client *http.Client
	tokens map[string]string
}

func (c *tokenCache) get(email string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok, ok := c.tokens[email]; ok {
		return tok, nil
	}
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := c.client.Post(targetURL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login %s: status %d", email, resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	c.tokens[email] = out.Token
	return out.Token, nil
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	cache := &tokenCache{client: &http.Client{Timeout: 5 * time.Second}, tokens: make(map[string]string)}
	adminToken, err := cache.get(adminEmail)
	if err != nil {
		log.Fatalf("Admin login failed: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, cache, adminToken)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// worker requests a transfer as a seeded user and immediately approves it as
// the admin, so every iteration takes the row locks of both accounts.
func worker(wg *sync.WaitGroup, start time.Time, cache *tokenCache, adminToken string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		from, to := generateUsers()
		token, err := cache.get(seedEmail(from))
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		key := fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())
		body, _ := json.Marshal(map[string]string{
			"toEmail": seedEmail(to),
			"amount":  amount,
		})
		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/transfer", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		var created struct {
			Transaction struct {
				ID int64 `json:"id"`
			} `json:"transaction"`
		}
		status, err := do(client, req, &created)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&totalRequests, 1)
		if !count(status, &requested201, &replayed200) || status != http.StatusCreated {
			continue
		}

		url := fmt.Sprintf("%s/api/admin/transactions/%d/approve", targetURL, created.Transaction.ID)
		req, _ = http.NewRequest(http.MethodPost, url, nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		status, err = do(client, req, nil)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&totalRequests, 1)
		count(status, nil, &approved200)
	}
}

// count tallies status and reports whether it was a success.
func count(status int, created, ok *uint64) bool {
	switch status {
	case http.StatusCreated:
		if created != nil {
			atomic.AddUint64(created, 1)
		}
		return true
	case http.StatusOK:
		atomic.AddUint64(ok, 1)
		return true
	case http.StatusConflict:
		atomic.AddUint64(&fail409, 1)
	case http.StatusUnprocessableEntity:
		atomic.AddUint64(&fail422, 1)
	case http.StatusServiceUnavailable:
		atomic.AddUint64(&fail503, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
	return false
}

func do(client *http.Client, req *http.Request, out any) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func seedEmail(n int) string {
	return fmt.Sprintf("user%d@seed.local", n)
}

func generateUsers() (int, int) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves between users 1 & 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	// Uniform Random
	a := rand.Intn(users) + 1
	b := rand.Intn(users) + 1
	for a == b {
		b = rand.Intn(users) + 1
	}
	return a, b
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	r201 := atomic.LoadUint64(&requested201)
	r200 := atomic.LoadUint64(&replayed200)
	a200 := atomic.LoadUint64(&approved200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var timeoutRate float64
	if total > 0 {
		timeoutRate = float64(f503) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":              workload,
		"duration_sec":          d.Seconds(),
		"total_requests":        total,
		"throughput_tps":        tps,
		"transfers_requested":   r201,
		"requests_replayed":     r200,
		"transfers_approved":    a200,
		"conflicts":             f409,
		"insufficient":          f422,
		"lock_timeouts":         f503,
		"lock_timeout_rate_pct": timeoutRate,
		"errors":                fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
