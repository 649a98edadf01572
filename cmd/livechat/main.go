// Command livechat is a terminal demo client: it opens a live session
// against a running gateway, sends one chat turn, drains the assistant's
// audio into a WAV file and prints the transcript plus budget status.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/lmoretti/concierge/internal/audio"
	"github.com/lmoretti/concierge/internal/budget"
	"github.com/lmoretti/concierge/internal/livesession"
	"github.com/lmoretti/concierge/internal/orchestrator"
	"github.com/lmoretti/concierge/internal/playback"
	"github.com/lmoretti/concierge/internal/protocol"
)

func main() {
	var (
		urlFlag  = flag.String("url", "ws://localhost:8080/v1/live/ws", "gateway websocket URL")
		name     = flag.String("name", "", "lead name sent with session start")
		company  = flag.String("company", "", "lead company sent with session start")
		message  = flag.String("message", "What does a typical engagement look like?", "chat message to send")
		wavPath  = flag.String("wav", "", "write assistant audio to this WAV file")
		waitFlag = flag.Duration("wait", 10*time.Second, "how long to wait for the turn to complete")
	)
	flag.Parse()

	var pcm bytes.Buffer
	sink := playback.NewWriterSink(&pcm, 24000, false)
	queue := playback.NewQueue(playback.PCM16Decoder{}, func() (playback.Sink, error) {
		return sink, nil
	})

	tracker := budget.NewTracker(budget.NewMemoryStore(), budget.TrackerConfig{})

	orch := orchestrator.New(tracker, queue, nil, func(cb livesession.Callbacks) orchestrator.LiveConn {
		return livesession.New(livesession.Config{URL: *urlFlag}, cb)
	})

	ctx, cancel := context.WithTimeout(context.Background(), *waitFlag+15*time.Second)
	defer cancel()

	var lead *protocol.LeadContext
	if *name != "" || *company != "" {
		lead = &protocol.LeadContext{Name: *name, Company: *company}
	}

	if err := orch.Start(ctx, lead); err != nil {
		log.Fatalf("start session: %v", err)
	}
	defer orch.Stop()

	if err := orch.SendText(ctx, *message); err != nil {
		log.Fatalf("send message: %v", err)
	}

	deadline := time.Now().Add(*waitFlag)
	for time.Now().Before(deadline) {
		snap := orch.Snapshot()
		if !snap.IsProcessing && snap.Transcript != "" && snap.AudioQueueDepth == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	snap := orch.Snapshot()
	fmt.Printf("connection: %s\n", snap.ConnectionID)
	fmt.Printf("transcript: %s\n", snap.Transcript)
	if snap.Err != "" {
		fmt.Printf("error: %s\n", snap.Err)
	}

	status, err := orch.BudgetStatus(ctx)
	if err != nil {
		log.Fatalf("budget status: %v", err)
	}
	fmt.Printf("budget: %s\n", status.CompletionMessage())
	for _, f := range budget.Features() {
		fs := status.FeatureStatus[f]
		if fs.Used == 0 {
			continue
		}
		fmt.Printf("  %-20s used=%d remaining=%d\n", f, fs.Used, fs.Remaining)
	}

	if *wavPath != "" && pcm.Len() > 0 {
		if err := audio.WriteWAVFile(*wavPath, pcm.Bytes(), 24000); err != nil {
			log.Fatalf("write wav: %v", err)
		}
		fmt.Printf("audio: wrote %d PCM bytes to %s\n", pcm.Len(), *wavPath)
	}
}
