package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/api"
	"relaychat/pkg/protocol"
)

var (
	baseURL   = flag.String("server", "http://localhost:8080", "relay base URL")
	userCount = flag.Int("pairs", 50, "number of user pairs (max 9999)")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

var delivered, confirmed, rejected atomic.Int64

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *userCount*2, *msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: %d confirmed, %d delivered, %d rejected",
		time.Since(start).Round(time.Millisecond), confirmed.Load(), delivered.Load(), rejected.Load())
}

func runPair(pairID int) {
	ctx := context.Background()
	a := api.New(*baseURL)
	b := api.New(*baseURL)

	idA, err := authenticate(ctx, a, fmt.Sprintf("u_%d_a", pairID), phone(pairID, 0))
	if err != nil {
		log.Printf("❌ Auth Failed [pair %d a]: %v", pairID, err)
		return
	}
	idB, err := authenticate(ctx, b, fmt.Sprintf("u_%d_b", pairID), phone(pairID, 1))
	if err != nil {
		log.Printf("❌ Auth Failed [pair %d b]: %v", pairID, err)
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, a, idA, idB.ID)
	go spamChat(&wsWg, b, idB, idA.ID)
	wsWg.Wait()
}

func phone(pairID, side int) string {
	return fmt.Sprintf("+55 11 9%04d-%04d", pairID, side)
}

// authenticate registers (ignores error if exists) and logs in.
func authenticate(ctx context.Context, c *api.Client, username, phone string) (protocol.Identity, error) {
	c.Register(ctx, username, phone, "password123")
	return c.Login(ctx, phone, "password123")
}

func spamChat(wg *sync.WaitGroup, c *api.Client, me protocol.Identity, peer int64) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", c.WebsocketURL(), c.Token()), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", me.Username, err)
		return
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			switch ev.(type) {
			case protocol.NewMessage:
				delivered.Add(1)
			case protocol.MessageSent:
				confirmed.Add(1)
			case protocol.Error:
				rejected.Add(1)
			}
		}
	}()

	send := func(ev protocol.Event) error {
		data, err := protocol.Encode(ev)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := send(protocol.Join{UserID: me.ID}); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", me.Username, err)
		return
	}

	for i := 0; i < *msgCount; i++ {
		err := send(protocol.SendMessage{
			SenderID:   me.ID,
			ReceiverID: peer,
			Content:    fmt.Sprintf("LoadTest Msg %d from %s", i, me.Username),
		})
		if err != nil {
			log.Printf("❌ Send Fail [%s]: %v", me.Username, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	// Let the last confirmations and deliveries arrive.
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-readDone:
	case <-time.After(time.Second):
	}
	log.Printf("✅ %s finished sending %d msgs", me.Username, *msgCount)
}
