package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/quanta-kt/sanddb/internal/engine"
	"github.com/quanta-kt/sanddb/internal/sstable"
)

func main() {
	var (
		dir         = flag.String("dir", "data", "Database directory")
		compression = flag.String("compression", "none", "SSTable compression: none, lz4, or zstd")
		flushBytes  = flag.Int64("flush-bytes", 0, "Memtable flush threshold in bytes (0 = default)")
		help        = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		printUsage()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg := engine.DefaultConfig()
	comp, err := sstable.ParseCompression(*compression)
	if err != nil {
		log.Fatalf("Invalid compression: %v", err)
	}
	cfg.Compression = comp
	if *flushBytes > 0 {
		cfg.MemtableFlushBytes = *flushBytes
	}

	eng, err := engine.Open(*dir, cfg)
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	switch command := args[0]; command {
	case "set", "put":
		if len(args) != 3 {
			fmt.Println("Usage: sanddb set <key> <value>")
			os.Exit(1)
		}
		if err := eng.Put([]byte(args[1]), []byte(args[2])); err != nil {
			log.Fatalf("Error setting key: %v", err)
		}
		fmt.Printf("OK\n")

	case "get":
		if len(args) != 2 {
			fmt.Println("Usage: sanddb get <key>")
			os.Exit(1)
		}
		value, ok, err := eng.Get([]byte(args[1]))
		if err != nil {
			log.Fatalf("Error getting key: %v", err)
		}
		if !ok {
			fmt.Println("(not found)")
			os.Exit(1)
		}
		fmt.Printf("%s\n", value)

	case "del", "delete":
		if len(args) != 2 {
			fmt.Println("Usage: sanddb del <key>")
			os.Exit(1)
		}
		if err := eng.Delete([]byte(args[1])); err != nil {
			log.Fatalf("Error deleting key: %v", err)
		}
		fmt.Printf("OK\n")

	case "stats":
		printStats(eng)

	case "shell":
		runShell(eng)

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// runShell reads commands from stdin until exit or EOF.
func runShell(eng *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	fmt.Println("sanddb shell (set <k> <v> | get <k> | del <k> | stats | exit)")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "set", "put":
			if len(fields) < 3 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			value := strings.Join(fields[2:], " ")
			if err := eng.Put([]byte(fields[1]), []byte(value)); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("OK")

		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			value, ok, err := eng.Get([]byte(fields[1]))
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if !ok {
				fmt.Println("(not found)")
				continue
			}
			fmt.Printf("%s\n", value)

		case "del", "delete":
			if len(fields) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			if err := eng.Delete([]byte(fields[1])); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("OK")

		case "stats":
			printStats(eng)

		case "exit", "quit":
			return

		default:
			fmt.Printf("unknown command: %s\n", fields[0])
		}
	}
}

func printStats(eng *engine.Engine) {
	stats := eng.Stats()
	fmt.Printf("puts:                  %d\n", stats.Puts)
	fmt.Printf("gets:                  %d\n", stats.Gets)
	fmt.Printf("deletes:               %d\n", stats.Deletes)
	fmt.Printf("flushes:               %d\n", stats.Flushes)
	fmt.Printf("compactions:           %d\n", stats.Compactions)
	fmt.Printf("active memtable bytes: %d\n", stats.ActiveMemtableBytes)
	fmt.Printf("sealed memtables:      %d\n", stats.SealedMemtables)
	for level, count := range stats.TablesPerLevel {
		if count > 0 {
			fmt.Printf("L%d tables:             %d\n", level, count)
		}
	}
}

func printUsage() {
	fmt.Println("sanddb - embedded LSM key-value store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sanddb [options] <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  set <key> <value>   Store a key-value pair")
	fmt.Println("  get <key>           Retrieve the value for a key")
	fmt.Println("  del <key>           Delete a key")
	fmt.Println("  stats               Print engine statistics")
	fmt.Println("  shell               Interactive session (set/get/del/stats/exit)")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}
