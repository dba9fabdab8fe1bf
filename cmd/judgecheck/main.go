package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kapu/codearena/internal/judge"
)

// judgecheck probes the execution service with every configured
// credential and reports which ones still work.
func main() {
	_ = godotenv.Load()

	baseURL := strings.TrimSpace(os.Getenv("JUDGE_BASE_URL"))
	if baseURL == "" {
		log.Fatal("JUDGE_BASE_URL is required")
	}
	var keys []string
	for _, p := range strings.Split(os.Getenv("JUDGE_API_KEYS"), ",") {
		if s := strings.TrimSpace(p); s != "" {
			keys = append(keys, s)
		}
	}
	if len(keys) == 0 {
		log.Fatal("JUDGE_API_KEYS is required")
	}

	// One run per credential so a broken key cannot hide behind
	// failover to a healthy one.
	for i, key := range keys {
		gw := judge.New(baseURL, []string{key},
			judge.WithPollInterval(time.Second),
			judge.WithPollMaxAttempts(20),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		exec, err := gw.Execute(ctx, `print("ok")`, "71", "", "ok")
		cancel()
		if err != nil {
			log.Printf("credential %d: FAIL: %v", i, err)
			continue
		}
		if !exec.Passed {
			log.Printf("credential %d: ran but wrong output (status=%q stdout=%q)", i, exec.Status, exec.Stdout)
			continue
		}
		log.Printf("credential %d: ok (time=%s memory=%d)", i, exec.Time, exec.Memory)
	}
}
