// Package main provides qsend, a small producer for pushing messages
// onto a pollerd queue. Useful for smoke tests and load generation.
//
// Usage:
//
//	qsend -queue jobs -body '{"kind":"resize","path":"a.png"}'
//	qsend -queue jobs -body stress -count 10000 -senders 10
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/pollerd/pkg/queue"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "Queue Redis address")
	name := flag.String("queue", "default", "Queue name")
	body := flag.String("body", "", "Message body")
	count := flag.Int("count", 1, "Number of messages to enqueue")
	senders := flag.Int("senders", 1, "Number of concurrent senders")
	flag.Parse()

	client := queue.NewRedisClient(*addr, *name)
	defer client.Close()
	ctx := context.Background()

	start := time.Now()
	var sent atomic.Int64
	var wg sync.WaitGroup
	perSender := *count / *senders
	if perSender < 1 {
		perSender = 1
		*senders = *count
	}

	for i := 0; i < *senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := client.Enqueue(ctx, uuid.New().String(), *body); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				sent.Add(1)
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("Enqueued %d messages to %q in %s (%.2f msg/sec)\n",
		sent.Load(), *name, elapsed, float64(sent.Load())/elapsed.Seconds())
}
