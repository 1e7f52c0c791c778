package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"

	"crewlink/auth"
	"crewlink/client"
	"crewlink/domain/event"
)

// Smoke and load driver for a running gateway: one fixture account opens
// several sockets in the same channel, one of them talks, and every
// delivery is timed end to end.
func main() {
	addr := flag.String("addr", "localhost:8443", "Gateway host:port")
	email := flag.String("email", "amara@crewlink.local", "Fixture account email")
	password := flag.String("password", "crewlink-dev", "Fixture account password")
	clients := flag.Int("clients", 5, "Sockets to open")
	messages := flag.Int("messages", 20, "Messages to send")
	interval := flag.Duration("interval", 50*time.Millisecond, "Delay between sends")
	flag.Parse()

	// 1. One login, shared by every socket
	pair, err := login(*addr, *email, *password)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}

	channel := fmt.Sprintf("smoke-%d", time.Now().Unix())
	expected := *clients * *messages

	var mu sync.Mutex
	latencies := make([]time.Duration, 0, expected)
	done := make(chan struct{})

	// 2. Open the sockets and join them all to one channel
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conns := make([]*client.Client, 0, *clients)
	for i := 0; i < *clients; i++ {
		c, err := client.Dial(ctx, client.Options{
			URL:         fmt.Sprintf("ws://%s/ws", *addr),
			AccessToken: pair.AccessToken,
		})
		if err != nil {
			log.Fatalf("Dial %d failed: %v", i, err)
		}
		defer c.Close()

		c.On(event.ChatMessage, func(evt event.Event) {
			sentAt, ok := sentTime(evt)
			if !ok {
				return
			}
			mu.Lock()
			latencies = append(latencies, time.Since(sentAt))
			if len(latencies) == expected {
				close(done)
			}
			mu.Unlock()
		})

		if _, err := c.Request(ctx, event.JoinChannel, event.JoinChannelRequest{Channel: channel}); err != nil {
			log.Fatalf("Join %d failed: %v", i, err)
		}
		conns = append(conns, c)
	}
	fmt.Printf("Opened %d sockets in %s\n", len(conns), channel)

	// 3. The first socket talks, everyone listens
	start := time.Now()
	sender := conns[0]
	for seq := 0; seq < *messages; seq++ {
		content := fmt.Sprintf("lat:%d:%d", time.Now().UnixNano(), seq)
		if err := sender.Send(event.ChatMessage, event.ChatSendRequest{
			Channel: channel,
			Content: content,
		}); err != nil {
			log.Fatalf("Send %d failed: %v", seq, err)
		}
		time.Sleep(*interval)
	}

	// 4. Wait for the last delivery, then report
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		mu.Lock()
		got := len(latencies)
		mu.Unlock()
		log.Fatalf("Timeout: %d of %d deliveries arrived", got, expected)
	}
	elapsed := time.Since(start)

	mu.Lock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50 := latencies[len(latencies)/2]
	p95 := latencies[len(latencies)*95/100]
	max := latencies[len(latencies)-1]
	mu.Unlock()

	color.New(color.FgGreen).Printf(
		"%d deliveries in %v (%.0f/s)  p50=%v  p95=%v  max=%v\n",
		expected, elapsed.Round(time.Millisecond),
		float64(expected)/elapsed.Seconds(), p50, p95, max)
}

func login(addr, email, password string) (auth.TokenPair, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return auth.TokenPair{}, err
	}
	resp, err := http.Post(fmt.Sprintf("http://%s/v1/login", addr), "application/json", bytes.NewReader(body))
	if err != nil {
		return auth.TokenPair{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return auth.TokenPair{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return auth.TokenPair{}, err
	}
	return pair, nil
}

// sentTime pulls the embedded send instant out of a "lat:<nanos>:<seq>"
// payload. Foreign traffic in the channel is ignored.
func sentTime(evt event.Event) (time.Time, bool) {
	chat, ok := event.DecodePayload[event.ChatPayload](evt)
	if !ok {
		return time.Time{}, false
	}
	parts := strings.SplitN(chat.Content, ":", 3)
	if len(parts) != 3 || parts[0] != "lat" {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
