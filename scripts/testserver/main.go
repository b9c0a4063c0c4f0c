// Webhook receiver for local testing. Verifies X-Courier-Signature when a
// secret is given and can simulate latency and failures.
//
//	go run ./scripts/testserver -secret s3cr3t-s3cr3t-16 -fail-rate 0.1
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/felipemaragno/courier/internal/sink/webhook"
)

var (
	requestCount   uint64
	successCount   uint64
	failureCount   uint64
	badSignatures  uint64
	duplicateCount uint64
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	secret := flag.String("secret", "", "subscription secret; empty skips signature checks")
	fail := flag.Bool("fail", false, "return 500 errors")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	status := flag.Int("fail-status", http.StatusInternalServerError, "status code for simulated failures")
	latency := flag.Int("latency", 100, "average response latency in ms")
	jitter := flag.Int("jitter", 20, "latency jitter in ms (+/-)")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	// entry ids already acknowledged, to spot at-least-once redeliveries
	var seen syncSet

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			total := atomic.SwapUint64(&requestCount, 0)
			if total == 0 {
				continue
			}
			fmt.Printf("[STATS] Total: %d | Success: %d | Failures: %d | Bad signatures: %d | Redeliveries: %d | Rate: %.1f req/s\n",
				total,
				atomic.SwapUint64(&successCount, 0),
				atomic.SwapUint64(&failureCount, 0),
				atomic.SwapUint64(&badSignatures, 0),
				atomic.SwapUint64(&duplicateCount, 0),
				float64(total)/5.0)
		}
	}()

	http.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&requestCount, 1)

		delay := time.Duration(*latency) * time.Millisecond
		if *jitter > 0 {
			delay += time.Duration(rand.Intn(*jitter*2)-*jitter) * time.Millisecond
		}
		time.Sleep(delay)

		body, _ := io.ReadAll(r.Body)
		entryID := r.Header.Get(webhook.HeaderEntryID)

		if *secret != "" && !webhook.Verify(body, *secret, r.Header.Get(webhook.HeaderSignature)) {
			atomic.AddUint64(&badSignatures, 1)
			if !*quiet {
				fmt.Printf("[REJ] Entry-ID: %s | invalid signature\n", entryID)
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		shouldFail := *fail || (*failRate > 0 && rand.Float64() < *failRate)

		if !*quiet {
			fmt.Printf("[REQ] Entry-ID: %s | Event-ID: %s | Type: %s | Latency: %v | Fail: %v\n",
				entryID,
				r.Header.Get(webhook.HeaderEventID),
				r.Header.Get(webhook.HeaderEventType),
				delay,
				shouldFail)
			if len(body) > 0 && len(body) < 200 {
				fmt.Printf("      Body: %s\n", string(body))
			}
		}

		if shouldFail {
			atomic.AddUint64(&failureCount, 1)
			w.WriteHeader(*status)
			_, _ = w.Write([]byte("simulated failure"))
			return
		}

		if entryID != "" && !seen.add(entryID) {
			atomic.AddUint64(&duplicateCount, 1)
		}
		atomic.AddUint64(&successCount, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("Webhook receiver listening on %s\n", addr)
	fmt.Printf("  Latency: %dms (+/- %dms)\n", *latency, *jitter)
	fmt.Printf("  Fail mode: %v | Fail rate: %.1f%% | Fail status: %d\n", *fail, *failRate*100, *status)
	fmt.Printf("  Signature check: %v\n", *secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}
