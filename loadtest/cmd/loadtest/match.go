package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peerprep/practice-server/loadtest/client"
	"github.com/peerprep/practice-server/loadtest/stats"
)

// runMatch implements the matching flow load test. It creates pairs of
// simulated users who join a practice room, get matched by the server, run an
// offer/answer signaling round-trip, exchange a chat message, and leave.
// Each pair gets a unique tech interest and goal set so that cross-pair
// scores stay below the matching threshold and pairs find each other.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	rooms := fs.Int("rooms", 4, "Number of practice rooms to spread pairs across")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair launches")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for user_matched")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneously running pairs during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Match test: %d pairs to %s (rooms=%d, ramp=%s, match-timeout=%s, concurrency=%d)\n",
		*pairs, *url, *rooms, *rampUp, *matchTimeout, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var matched atomic.Int64
	var signalRTTs atomic.Int64
	var chatDelivered atomic.Int64

	// Progress reporting.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [match] connections: %d  matched: %d  signal-rtts: %d  chats: %d  errors: %d\n",
					collector.ConnectionCount(), matched.Load(), signalRTTs.Load(),
					chatDelivered.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	rampTicker := time.NewTicker(interval)
	launched := 0
launchLoop:
	for launched < *pairs {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launchLoop
		case <-rampTicker.C:
			pairIdx := launched
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				runPair(ctx, *url, pairIdx, *rooms, *matchTimeout, collector,
					&matched, &signalRTTs, &chatDelivered)
			}()
		}
	}
	rampTicker.Stop()

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	scraper.Stop()

	fmt.Printf("\nMatch test complete: %d/%d pairs matched, %d signal round-trips, %d chats delivered\n",
		matched.Load()/2, *pairs, signalRTTs.Load(), chatDelivered.Load())
	collector.Report()
}

// pairProfile builds the join profile for one member of a pair. Interest,
// goals, university, and year are unique per pair so only its twin scores
// above the threshold.
func pairProfile(pairIdx, member int) client.Profile {
	return client.Profile{
		Name:          fmt.Sprintf("lt-%d-%d", pairIdx, member),
		TechInterest:  fmt.Sprintf("topic-%d", pairIdx),
		PracticeGoals: []string{fmt.Sprintf("goal-%d", pairIdx)},
		University:    fmt.Sprintf("uni-%d", pairIdx),
		Year:          fmt.Sprintf("%d", 2024+pairIdx%4),
	}
}

// runPair drives one pair through the full lifecycle: connect, join, match,
// offer/answer round-trip, chat message, leave.
func runPair(ctx context.Context, url string, pairIdx, rooms int, matchTimeout time.Duration,
	collector *stats.Collector, matched, signalRTTs, chatDelivered *atomic.Int64) {

	roomID := fmt.Sprintf("room-%d", pairIdx%rooms)

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a, err := client.New(connCtx, url)
	if err != nil {
		collector.AddError()
		return
	}
	defer a.Close()
	b, err := client.New(connCtx, url)
	if err != nil {
		collector.AddError()
		return
	}
	defer b.Close()

	if err := a.WaitForSession(connCtx); err != nil {
		collector.AddError()
		return
	}
	if err := b.WaitForSession(connCtx); err != nil {
		collector.AddError()
		return
	}
	collector.AddConnect(a.GetMetrics().ConnectLatency)
	collector.AddConnect(b.GetMetrics().ConnectLatency)

	type matchResult struct {
		peerID string
	}
	aMatched := make(chan matchResult, 1)
	bMatched := make(chan matchResult, 1)
	answerRecv := make(chan struct{}, 1)
	chatRecv := make(chan struct{}, 1)

	var joinTime time.Time

	onMatched := func(ch chan matchResult) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				Peer struct {
					ID string `json:"id"`
				} `json:"peer"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Peer.ID == "" {
				return
			}
			collector.AddMatchLatency(time.Since(joinTime))
			matched.Add(1)
			select {
			case ch <- matchResult{peerID: msg.Peer.ID}:
			default:
			}
		}
	}
	a.On(client.TypeUserMatched, onMatched(aMatched))
	b.On(client.TypeUserMatched, onMatched(bMatched))

	// B answers any offer it receives; A records the answer round-trip.
	b.On(client.TypeOffer, func(raw json.RawMessage) {
		var msg struct {
			SenderID string `json:"sender_id"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.SenderID == "" {
			return
		}
		_ = b.SendSignal(client.TypeAnswer, msg.SenderID, map[string]string{"sdp": "answer"})
	})
	a.On(client.TypeAnswer, func(json.RawMessage) {
		select {
		case answerRecv <- struct{}{}:
		default:
		}
	})
	b.On(client.TypeChatMessage, func(json.RawMessage) {
		chatDelivered.Add(1)
		select {
		case chatRecv <- struct{}{}:
		default:
		}
	})

	// Join both members; the server pairs them.
	joinTime = time.Now()
	if err := a.JoinRoom(roomID, pairProfile(pairIdx, 0)); err != nil {
		collector.AddError()
		return
	}
	if err := b.JoinRoom(roomID, pairProfile(pairIdx, 1)); err != nil {
		collector.AddError()
		return
	}

	// Wait for both sides to be matched.
	matchTimer := time.NewTimer(matchTimeout)
	defer matchTimer.Stop()

	var aPeer string
	for i := 0; i < 2; i++ {
		select {
		case res := <-aMatched:
			aPeer = res.peerID
		case <-bMatched:
		case <-matchTimer.C:
			collector.AddError()
			return
		case <-ctx.Done():
			return
		}
	}

	// Offer/answer round-trip through the relay.
	signalStart := time.Now()
	if err := a.SendSignal(client.TypeOffer, aPeer, map[string]string{"sdp": "offer"}); err != nil {
		collector.AddError()
		return
	}
	select {
	case <-answerRecv:
		collector.AddSignalLatency(time.Since(signalStart))
		signalRTTs.Add(1)
	case <-time.After(10 * time.Second):
		collector.AddError()
		return
	case <-ctx.Done():
		return
	}

	// One chat message through the room broadcast.
	if err := a.SendChat("hello from " + a.ConnID()); err != nil {
		collector.AddError()
		return
	}
	select {
	case <-chatRecv:
	case <-time.After(10 * time.Second):
		collector.AddError()
		return
	case <-ctx.Done():
		return
	}

	// Clean exit: both leave so the peer gets user_left, then sockets close.
	_ = a.LeaveRoom()
	_ = b.LeaveRoom()
}
