package main

import (
	"log"

	"vtt/internal/server"
)

func main() {
	cfg := server.LoadConfig()

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer srv.Close()

	if err := srv.Run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
