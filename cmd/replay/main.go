// Replay tool for driving Kestrel with recorded transactions.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//  1. Reads transactions from a CSV file (optionally labelled with is_fraud)
//  2. Sends each one to Kestrel, keeping per-account order
//  3. Prints the decision and severity breakdown and latency
//  4. Prints a confusion matrix when fraud labels are present
//
// Expected columns (header, any order): id, account_id, amount, currency,
// type, merchant, merchant_category, timestamp (RFC 3339), latitude,
// longitude, city, country, device_id, is_fraud.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Replay modes.
const (
	modeEvaluate = "evaluate"
	modeScore    = "score"
	modeSubmit   = "submit"
)

// labelledTransaction is one CSV row.
type labelledTransaction struct {
	Tx       *domain.Transaction
	Labelled bool
	IsFraud  bool
}

// Stats tracks replay results.
type Stats struct {
	mu         sync.Mutex
	Decisions  map[domain.Decision]int
	Severities map[domain.Severity]int
	Latencies  []time.Duration

	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalSent     int64
	TotalAccepted int64
	TotalErrors   int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to transactions CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	mode := flag.String("mode", modeEvaluate, "evaluate (record+score), score (dry run) or submit (stream)")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	lanes := flag.Int("lanes", 10, "Number of concurrent lanes; one account always uses the same lane")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	switch *mode {
	case modeEvaluate, modeScore, modeSubmit:
	default:
		fmt.Printf("ERROR: unknown mode %q\n", *mode)
		os.Exit(1)
	}
	if *lanes <= 0 {
		*lanes = 1
	}

	fmt.Println("KESTREL REPLAY")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Mode:        %s\n", *mode)
	fmt.Printf("Lanes:       %d\n", *lanes)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	transactions, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))

	fmt.Printf("\nReplaying with %d lanes...\n", *lanes)
	start := time.Now()
	stats := replay(transactions, *baseURL, *mode, *lanes, *verbose)
	printResults(stats, *mode, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCSV(path string, limit int) ([]labelledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"account_id", "amount", "timestamp"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %s", required)
		}
	}

	var out []labelledTransaction
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		field := func(name string) string {
			if i, ok := colIndex[name]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}

		amount, err := decimal.NewFromString(field("amount"))
		if err != nil {
			fmt.Printf("skipping row %d: bad amount %q\n", row, field("amount"))
			continue
		}
		ts, err := time.Parse(time.RFC3339, field("timestamp"))
		if err != nil {
			fmt.Printf("skipping row %d: bad timestamp %q\n", row, field("timestamp"))
			continue
		}

		tx := &domain.Transaction{
			ID:               field("id"),
			AccountID:        field("account_id"),
			Amount:           amount,
			Currency:         orDefault(field("currency"), "USD"),
			Type:             domain.TransactionType(strings.ToUpper(orDefault(field("type"), string(domain.TransactionPurchase)))),
			Merchant:         field("merchant"),
			MerchantCategory: field("merchant_category"),
			Timestamp:        ts,
		}
		if tx.ID == "" {
			tx.ID = uuid.New().String()
		}
		if loc := parseLocation(field); loc != nil {
			tx.Location = loc
		}
		if id := field("device_id"); id != "" {
			tx.Device = &domain.Device{DeviceID: id}
		}

		lt := labelledTransaction{Tx: tx}
		if label := field("is_fraud"); label != "" {
			lt.Labelled = true
			lt.IsFraud = label == "1" || strings.EqualFold(label, "true")
		}
		out = append(out, lt)

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parseLocation(field func(string) string) *domain.Location {
	loc := &domain.Location{
		City:    field("city"),
		Country: field("country"),
	}
	if lat, err := strconv.ParseFloat(field("latitude"), 64); err == nil {
		loc.Latitude = &lat
	}
	if lon, err := strconv.ParseFloat(field("longitude"), 64); err == nil {
		loc.Longitude = &lon
	}
	if loc.City == "" && loc.Country == "" && !loc.HasCoordinates() {
		return nil
	}
	return loc
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// replay sends transactions through per-account lanes so that each
// account's transactions arrive in file order.
func replay(transactions []labelledTransaction, baseURL, mode string, numLanes int, verbose bool) *Stats {
	stats := &Stats{
		Decisions:  make(map[domain.Decision]int),
		Severities: make(map[domain.Severity]int),
	}

	lanes := make([]chan labelledTransaction, numLanes)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan labelledTransaction, 100)
		wg.Add(1)
		go func(work <-chan labelledTransaction) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			for lt := range work {
				send(client, baseURL, mode, lt, stats, verbose)
			}
		}(lanes[i])
	}

	for _, lt := range transactions {
		lanes[xxhash.Sum64String(lt.Tx.AccountID)%uint64(numLanes)] <- lt
	}
	for _, lane := range lanes {
		close(lane)
	}
	wg.Wait()

	return stats
}

func send(client *http.Client, baseURL, mode string, lt labelledTransaction, stats *Stats, verbose bool) {
	atomic.AddInt64(&stats.TotalSent, 1)

	path := "/transactions/" + mode
	wantStatus := http.StatusOK
	if mode == modeSubmit {
		path = "/transactions"
		wantStatus = http.StatusAccepted
	}

	body, err := json.Marshal(lt.Tx)
	if err != nil {
		atomic.AddInt64(&stats.TotalErrors, 1)
		return
	}

	start := time.Now()
	resp, err := client.Post(baseURL+path, "application/json", bytes.NewReader(body))
	elapsed := time.Since(start)
	if err != nil {
		atomic.AddInt64(&stats.TotalErrors, 1)
		if verbose {
			fmt.Printf("ERROR: %s -> %v\n", lt.Tx.ID, err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		atomic.AddInt64(&stats.TotalErrors, 1)
		if verbose {
			fmt.Printf("ERROR: %s -> status %d\n", lt.Tx.ID, resp.StatusCode)
		}
		return
	}

	stats.mu.Lock()
	stats.Latencies = append(stats.Latencies, elapsed)
	stats.mu.Unlock()

	if mode == modeSubmit {
		atomic.AddInt64(&stats.TotalAccepted, 1)
		return
	}

	var outcome domain.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		atomic.AddInt64(&stats.TotalErrors, 1)
		return
	}

	stats.mu.Lock()
	stats.Decisions[outcome.Decision]++
	stats.Severities[outcome.Severity]++
	stats.mu.Unlock()

	if lt.Labelled {
		predicted := outcome.Alerted()
		switch {
		case predicted && lt.IsFraud:
			atomic.AddInt64(&stats.TruePositives, 1)
		case predicted && !lt.IsFraud:
			atomic.AddInt64(&stats.FalsePositives, 1)
		case !predicted && !lt.IsFraud:
			atomic.AddInt64(&stats.TrueNegatives, 1)
		default:
			atomic.AddInt64(&stats.FalseNegatives, 1)
		}
	}

	if verbose {
		fmt.Printf("%-36s | %-10s | %12s | %-7s | %6.2f %-8s | %s\n",
			lt.Tx.ID,
			lt.Tx.AccountID,
			lt.Tx.Amount.StringFixed(2),
			outcome.Decision,
			outcome.RiskScore,
			outcome.Severity,
			strings.Join(outcome.TriggeredRules, ","),
		)
	}
}

func printResults(s *Stats, mode string, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nTRANSACTIONS\n")
	fmt.Printf("   Sent:     %d\n", s.TotalSent)
	fmt.Printf("   Errors:   %d\n", s.TotalErrors)

	if mode == modeSubmit {
		fmt.Printf("   Accepted: %d (scored asynchronously; see the kestrel.decisions topic)\n", s.TotalAccepted)
	} else {
		fmt.Printf("\nDECISIONS\n")
		for _, d := range []domain.Decision{domain.DecisionAlerted, domain.DecisionClean} {
			fmt.Printf("   %-8s %d\n", d, s.Decisions[d])
		}
		fmt.Printf("\nSEVERITY\n")
		for _, sev := range []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical} {
			fmt.Printf("   %-8s %d\n", sev, s.Severities[sev])
		}
	}

	if labelled := s.TruePositives + s.FalsePositives + s.TrueNegatives + s.FalseNegatives; labelled > 0 {
		fmt.Printf("\nCONFUSION MATRIX\n")
		fmt.Println("                 ALERTED    CLEAN")
		fmt.Printf("   Fraud      %10d %8d  (TP, FN)\n", s.TruePositives, s.FalseNegatives)
		fmt.Printf("   Legitimate %10d %8d  (FP, TN)\n", s.FalsePositives, s.TrueNegatives)

		precision := ratio(s.TruePositives, s.TruePositives+s.FalsePositives)
		recall := ratio(s.TruePositives, s.TruePositives+s.FalseNegatives)
		f1 := float64(0)
		if precision+recall > 0 {
			f1 = 2 * (precision * recall) / (precision + recall)
		}
		fmt.Printf("   Precision:  %.4f\n", precision)
		fmt.Printf("   Recall:     %.4f\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if n := len(s.Latencies); n > 0 {
		sort.Slice(s.Latencies, func(i, j int) bool { return s.Latencies[i] < s.Latencies[j] })
		var total time.Duration
		for _, l := range s.Latencies {
			total += l
		}
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(total.Microseconds())/float64(n)/1000)
		fmt.Printf("   p95 Latency:      %.2f ms\n", float64(s.Latencies[n*95/100].Microseconds())/1000)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
