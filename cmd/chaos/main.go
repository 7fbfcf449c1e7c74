// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"gatorlibrary/internal/chaos"
)

func main() {
	books := flag.Int("books", 64, "books in the catalog under test")
	attempts := flag.Int("attempts", 4, "store attempts per mutation")
	duration := flag.Duration("duration", 5*time.Second, "length of each experiment")
	pause := flag.Duration("pause", time.Second, "pause between experiments")
	seed := flag.Int64("seed", time.Now().UnixNano(), "fault injection seed")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	target, err := chaos.NewTarget(ctx, *books, *attempts, *seed)
	if err != nil {
		log.Fatalf("Failed to build catalog under test: %v", err)
	}

	engine := chaos.NewEngine()
	gameDay := chaos.GameDay{
		Name:      "Catalog Chaos Game Day",
		Scenarios: target.Scenarios(*duration),
		Pause:     *pause,
	}
	violated, err := engine.ExecuteGameDay(ctx, os.Stdout, gameDay)
	if err != nil {
		log.Fatalf("Chaos Game Day failed: %v", err)
	}
	log.Printf("%d calls reached the store, %d failed on purpose", target.Faults.Calls(), target.Faults.Injected())
	if violated > 0 {
		log.Printf("%d hypotheses violated", violated)
		os.Exit(1)
	}
}
