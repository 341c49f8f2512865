// Command consume is a thin demo wrapper around fixedqueue: it reads and
// commits fixed-size records from a store directory forever, printing each
// one, and runs the retention worker alongside it so the two background
// concerns (consumption and pruning) are exercised together in one process.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fixedqueue/internal/obslog"
	"fixedqueue/internal/queue"
	"fixedqueue/internal/retention"
)

func main() {
	storePath := flag.String("store", "./data", "store directory shared with cmd/produce")
	payloadSize := flag.Int("payload-size", 64, "fixed record payload size in bytes")
	segmentSize := flag.Int64("segment-size", 1<<20, "nominal segment size in bytes")
	flag.Parse()

	obslog.Init("info", true)

	fmt.Println("[Init] Opening queue...")
	opts := queue.DefaultOptions(*storePath, *payloadSize, *segmentSize)
	opts.ExceptionObserver = func(n queue.Notification) {
		fmt.Printf("[Notify] kind=%d offset=%d message=%s err=%v\n", n.Kind, n.Offset, n.Message, n.Err)
	}
	q, err := queue.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()

	consumer, err := q.Consumer()
	if err != nil {
		log.Fatalf("Failed to acquire consumer: %v", err)
	}

	var worker *retention.Worker
	if opts.Retention.Enabled {
		fmt.Println("[Init] Starting retention worker...")
		worker = retention.NewWorker(q, opts.Retention.Interval, opts.Retention.MinRetentionSegments, func(msg string, err error) {
			fmt.Printf("[Retention] %s: %v\n", msg, err)
		}, opts.Logger)
		worker.Start()
		defer worker.Stop()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			payload, err := consumer.Consume()
			if err != nil {
				log.Printf("Consume failed: %v", err)
				return
			}
			fmt.Printf("[Consume] offset=%d payload=%q\n", consumer.Offset(), payload)

			if err := consumer.Commit(); err != nil {
				log.Printf("Commit failed: %v", err)
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
	}

	fmt.Println("\n[Main] Shutting down consumer...")
	time.Sleep(50 * time.Millisecond)
	fmt.Println("[Main] Bye!")
}
