package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quanta-kt/sanddb/internal/api"
	"github.com/quanta-kt/sanddb/internal/engine"
	"github.com/quanta-kt/sanddb/internal/sstable"
)

func main() {
	var (
		port        = flag.String("port", "8080", "Port to run the server on")
		dir         = flag.String("dir", "data", "Database directory")
		compression = flag.String("compression", "none", "SSTable compression: none, lz4, or zstd")
		help        = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		fmt.Println("sanddb-server - REST API server for SandDB")
		fmt.Println("\nUsage:")
		fmt.Println("  sanddb-server [options]")
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg := engine.DefaultConfig()
	comp, err := sstable.ParseCompression(*compression)
	if err != nil {
		log.Fatalf("Invalid compression: %v", err)
	}
	cfg.Compression = comp

	eng, err := engine.Open(*dir, cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	// Flush and sync on SIGINT/SIGTERM before exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down")
		if err := eng.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
		os.Exit(0)
	}()

	server := api.NewServer(eng, *port)
	if err := server.Start(); err != nil {
		_ = eng.Close()
		log.Fatalf("Failed to start server: %v", err)
	}
}
