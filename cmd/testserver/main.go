// testserver serves a fake ComfyUI engine for end-to-end runs of comfyflow.
// Usage: go run ./cmd/testserver -addr :8188 -polls 3
package main

import (
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/comfyflow/internal/comfytest"
)

func main() {
	addr := flag.String("addr", ":8188", "listen address")
	polls := flag.Int("polls", 3, "queue reads each job stays queued for")
	fail := flag.Bool("fail", false, "record every job as failed")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	fake := comfytest.New()
	fake.Polls = *polls
	fake.FailJobs = *fail

	srv := &http.Server{
		Addr:              *addr,
		Handler:           middleware.Logger(fake.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("fake engine listening", "addr", *addr, "polls", *polls, "fail", *fail)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
