// Command produce is a thin demo wrapper around fixedqueue: it appends
// fixed-size records read line by line from stdin to a store directory,
// so two OS processes (this one and cmd/consume) can exercise the queue
// across process boundaries against the same StorePath.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"fixedqueue/internal/obslog"
	"fixedqueue/internal/queue"
)

func main() {
	storePath := flag.String("store", "./data", "store directory shared with cmd/consume")
	payloadSize := flag.Int("payload-size", 64, "fixed record payload size in bytes")
	segmentSize := flag.Int64("segment-size", 1<<20, "nominal segment size in bytes")
	flag.Parse()

	obslog.Init("info", true)

	fmt.Println("[Init] Opening queue...")
	opts := queue.DefaultOptions(*storePath, *payloadSize, *segmentSize)
	q, err := queue.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()

	producer, err := q.Producer()
	if err != nil {
		log.Fatalf("Failed to acquire producer: %v", err)
	}

	fmt.Println("[Init] Ready. Reading lines from stdin, one record per line...")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		record := make([]byte, *payloadSize)
		copy(record, scanner.Bytes())

		if err := producer.Produce(record); err != nil {
			log.Fatalf("Produce failed: %v", err)
		}
		fmt.Printf("[Produce] offset=%d confirmed=%d\n", producer.Offset(), producer.ConfirmedOffset())
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Reading stdin: %v", err)
	}

	fmt.Println("[Main] Done. Bye!")
}
