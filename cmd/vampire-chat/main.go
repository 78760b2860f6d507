// Vampire Chat: a friendly vampire companion with long-term memory.
// Every message is stored in a conversation ledger and indexed by meaning,
// so Lilly can bring up things said in earlier conversations.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmsegret/vampire-chat/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config.Load).ExecuteContext(ctx); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func printBanner(port, grpcAddr string) {
	log.Println("=============================================================")
	log.Println("  🦇 Vampire Chat Server Running")
	log.Println("=============================================================")
	log.Println()
	log.Printf("WebSocket: ws://localhost:%s/ws", port)
	log.Printf("Health:    http://localhost:%s/health", port)
	if grpcAddr != "" {
		log.Printf("gRPC:      %s (grpc.health.v1.Health)", grpcAddr)
	}
	log.Println()
	log.Println("Lilly remembers earlier conversations!")
	log.Println("Try: 'I love dragons' then, in a new conversation,")
	log.Println("     'Tell me about dragons'")
	log.Println()
	log.Println("Press Ctrl+C to stop")
	log.Println("=============================================================")
}
