package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"relaychat/internal/api"
	"relaychat/internal/engine"
	"relaychat/internal/session"
	"relaychat/pkg/protocol"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	server := flag.String("server", envOr("CHAT_SERVER", "http://localhost:8080"), "relay base URL")
	phone := flag.String("phone", os.Getenv("CHAT_PHONE"), "phone number, e.g. +55 11 99999-9999")
	password := flag.String("password", os.Getenv("CHAT_PASSWORD"), "password")
	register := flag.String("register", "", "register this username before logging in")
	flag.Parse()

	if *phone == "" || *password == "" {
		log.Fatal("❌ -phone and -password (or CHAT_PHONE and CHAT_PASSWORD) are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := api.New(*server)
	if *register != "" {
		if _, err := client.Register(ctx, *register, *phone, *password); err != nil {
			log.Fatalf("❌ Register failed: %v", err)
		}
		log.Printf("✅ Registered %s", *register)
	}

	me, err := client.Login(ctx, *phone, *password)
	if err != nil {
		log.Fatalf("❌ Login failed: %v", err)
	}
	log.Printf("✅ Logged in as %s (#%d)", me.Username, me.ID)

	changes := make(chan engine.Change, 64)
	transport := session.New(client.WebsocketURL(), session.WithToken(client.Token()))
	eng := engine.New(transport, client, engine.WithOnChange(func(c engine.Change) {
		select {
		case changes <- c:
		default:
		}
	}))

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	eng.Start(me)
	if err := eng.RefreshConversations(ctx); err != nil {
		log.Printf("❌ Could not load conversations: %v", err)
	}

	v := &view{eng: eng, api: client, self: me.ID, printed: map[string]bool{}}
	go v.render(ctx, changes)

	fmt.Println("Commands: /list, /search <text>, /open <user id>, /close, /reconnect, /quit. Anything else is sent.")
	v.listConversations()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !v.handle(ctx, strings.TrimSpace(line)) {
				break loop
			}
		}
	}

	logoutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := client.Logout(logoutCtx); err != nil {
		log.Printf("logout: %v", err)
	}
	cancel()

	eng.Stop()
	stop()
	<-done
}

type view struct {
	eng   *engine.Engine
	api   *api.Client
	self  int64
	found []protocol.User

	mu      sync.Mutex
	printed map[string]bool
}

// handle runs one input line and reports whether to keep going.
func (v *view) handle(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		v.send(line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return false
	case "/list":
		if err := v.eng.RefreshConversations(ctx); err != nil {
			fmt.Println("refresh failed:", err)
		}
		v.listConversations()
	case "/search":
		users, err := v.api.Search(ctx, arg)
		if err != nil {
			fmt.Println("search failed:", err)
			return true
		}
		v.found = users
		for _, u := range users {
			fmt.Printf("  #%d %s %s\n", u.ID, u.Username, u.Phone)
		}
	case "/open":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Println("usage: /open <user id>")
			return true
		}
		v.open(id)
	case "/close":
		v.eng.CloseConversation()
	case "/reconnect":
		if id, ok := v.eng.Identity(); ok {
			v.eng.Start(id)
		}
	default:
		fmt.Println("unknown command", cmd)
	}
	return true
}

func (v *view) send(line string) {
	active := v.eng.Active()
	if active == 0 {
		fmt.Println("open a conversation first: /open <user id>")
		return
	}
	v.eng.Keystroke()
	if err := v.eng.Send(active, line); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			fmt.Println("not connected; try /reconnect")
			return
		}
		fmt.Println("send failed:", err)
	}
}

func (v *view) open(id int64) {
	summary := protocol.ConversationSummary{ContactID: id}
	for _, c := range v.eng.Conversations() {
		if c.ContactID == id {
			summary = c
		}
	}
	for _, u := range v.found {
		if u.ID == id && summary.Username == "" {
			summary.Username, summary.Phone, summary.IsOnline = u.Username, u.Phone, u.IsOnline
		}
	}

	v.mu.Lock()
	clear(v.printed)
	v.mu.Unlock()
	if err := v.eng.SwitchConversation(summary); err != nil {
		fmt.Println("open failed:", err)
		return
	}
	fmt.Printf("--- %s ---\n", label(summary))
}

func (v *view) listConversations() {
	typing := v.eng.TypingFlags()
	for _, c := range v.eng.Conversations() {
		status := "offline"
		if c.IsOnline {
			status = "online"
		}
		if typing[c.ContactID] {
			status = "typing..."
		}
		fmt.Printf("  #%d %s [%s] %s\n", c.ContactID, label(c), status, c.LastMessagePreview)
	}
}

func (v *view) render(ctx context.Context, changes <-chan engine.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			switch c.Kind {
			case engine.ChangeStatus:
				fmt.Printf("[%s]\n", v.eng.Status())
			case engine.ChangeMessages:
				v.printMessages()
			case engine.ChangeTyping:
				if c.ContactID == v.eng.Active() && v.eng.TypingFlags()[c.ContactID] {
					fmt.Println("  ...typing")
				}
			}
		}
	}
}

func (v *view) printMessages() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.eng.Messages() {
		if v.printed[m.ID] {
			continue
		}
		v.printed[m.ID] = true
		who := "them"
		if m.SenderID == v.self {
			who = "me"
		}
		fmt.Printf("%s %4s: %s\n", m.Timestamp.Local().Format("15:04"), who, m.Content)
	}
}

func label(c protocol.ConversationSummary) string {
	if c.Username != "" {
		return c.Username
	}
	return "#" + strconv.FormatInt(c.ContactID, 10)
}
