package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"peerlink/channel"
	"peerlink/config"
	"peerlink/discovery"
	"peerlink/rendezvous"
	"peerlink/session"
	"peerlink/storage"
	"peerlink/transfer"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Rendezvous URL:  %s\n", cfg.RendezvousURL)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	rendezvousClient, err := rendezvous.NewClient(cfg.RendezvousURL)
	if err != nil {
		log.Fatalf("startup failed while creating rendezvous client: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	controller, err := session.NewController(session.Options{
		Rendezvous: rendezvousClient,
		NewLink: func(role channel.Role) (session.Link, error) {
			return channel.NewLink(channel.LinkConfig{
				Role:       role,
				ICEServers: cfg.ICEServers,
				Logger:     logger,
			})
		},
		Store:     store,
		FilesDir:  cfg.FilesDir,
		Logger:    logger,
		ChunkSize: cfg.ChunkSize,
		OnChatEntry: func(entry session.Entry) {
			printChatEntry(entry)
		},
		OnTransferProgress: func(snapshot transfer.Snapshot) {
			fmt.Printf("[transfer] %s %s %.0f%%\n", snapshot.Direction, snapshot.Name, snapshot.Progress)
		},
		OnStateChange: func(state session.State) {
			fmt.Printf("[session] %s\n", state)
		},
		OnPeerConnected: func() {
			fmt.Println("[session] peer accepted the handshake, use /connect <their-code>")
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating session controller: %v", err)
	}
	defer controller.Close()

	go logSessionErrors(controller.Errors())

	advertiser := startDiscovery(cfg, controller)
	if advertiser != nil {
		defer advertiser.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (/help for commands, Ctrl+C to stop)")
	runCommandLoop(ctx, controller, advertiser)
}

// startDiscovery advertises the session's rendezvous code on the LAN.
// Failure is non-fatal; sessions work without discovery.
func startDiscovery(cfg *config.AppConfig, controller *session.Controller) *discovery.Service {
	service, err := discovery.Start(discovery.Config{
		SelfDeviceID: cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		Code:         "none",
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
		return nil
	}

	go func() {
		for event := range service.Scanner.Events() {
			switch event.Type {
			case discovery.EventCodeUpserted:
				log.Printf("discovery: %q advertises code %s", event.Peer.DeviceName, event.Peer.Code)
			case discovery.EventCodeRemoved:
				log.Printf("discovery: %q gone", event.Peer.DeviceName)
			}
		}
	}()
	return service
}

func runCommandLoop(ctx context.Context, controller *session.Controller, disc *discovery.Service) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleCommand(controller, disc, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleCommand(controller *session.Controller, disc *discovery.Service, line string) bool {
	if line == "" {
		return false
	}
	command, argument, _ := strings.Cut(line, " ")
	argument = strings.TrimSpace(argument)

	switch command {
	case "/help":
		fmt.Println(`Commands:
  /start            start a session and publish a code
  /join             prepare to join a session
  /connect <code>   supply the peer's rendezvous code
  /send <text>      send chat text
  /file <path>      queue a file for transfer
  /cancel <fileId>  cancel a transfer
  /transfers        list transfers
  /peers            list LAN-advertised codes
  /disconnect       end the session
  /quit             exit`)

	case "/start":
		if err := controller.SetMode(session.ModeStart); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Printf("your code: %s\n", controller.LocalCode())
		advertiseCode(disc, controller.LocalCode())

	case "/join":
		if err := controller.SetMode(session.ModeJoin); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println("enter the other side's code with /connect <code>")

	case "/connect":
		if argument == "" {
			fmt.Println("usage: /connect <code>")
			return false
		}
		if err := controller.Connect(argument); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		if code := controller.LocalCode(); code != "" && controller.Mode() == session.ModeJoin {
			fmt.Printf("your code: %s (the other side connects with it)\n", code)
			advertiseCode(disc, code)
		}

	case "/send":
		if argument == "" {
			fmt.Println("usage: /send <text>")
			return false
		}
		if err := controller.SendText(argument); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/file":
		if argument == "" {
			fmt.Println("usage: /file <path>")
			return false
		}
		fileID, err := controller.SendFile(argument)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Printf("queued %s as %s\n", filepath.Base(argument), fileID)

	case "/cancel":
		if argument == "" {
			fmt.Println("usage: /cancel <fileId>")
			return false
		}
		if err := controller.CancelTransfer(argument); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/transfers":
		snapshots := controller.Transfers()
		if len(snapshots) == 0 {
			fmt.Println("no transfers")
			return false
		}
		for _, snapshot := range snapshots {
			fmt.Printf("  %s  %-8s %-11s %.0f%%  %s\n",
				snapshot.FileID, snapshot.Direction, snapshot.Status, snapshot.Progress, snapshot.Name)
		}

	case "/peers":
		if disc == nil {
			fmt.Println("discovery not running")
			return false
		}
		codes := disc.Scanner.ListCodes()
		if len(codes) == 0 {
			fmt.Println("no nearby codes")
			return false
		}
		for _, code := range codes {
			fmt.Printf("  %-20s %s\n", code.DeviceName, code.Code)
		}

	case "/disconnect":
		if err := controller.Disconnect(); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/quit":
		return true

	default:
		fmt.Printf("unknown command %q, try /help\n", command)
	}
	return false
}

func advertiseCode(disc *discovery.Service, code string) {
	if disc == nil || code == "" {
		return
	}
	if err := disc.Advertiser.UpdateCode(code); err != nil {
		log.Printf("discovery: advertise code: %v", err)
	}
}

func printChatEntry(entry session.Entry) {
	tag := "you"
	if entry.Sender == session.SenderRemote {
		tag = "peer"
	}
	fmt.Printf("[%s] %s\n", tag, entry.Text)
}

func logSessionErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("session error: %v", err)
	}
}
