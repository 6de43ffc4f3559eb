package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/NorKV/norkv/pkg/config"
	"github.com/NorKV/norkv/pkg/flash"
	"github.com/NorKV/norkv/pkg/kvs"
	"github.com/NorKV/norkv/pkg/log"
	"github.com/NorKV/norkv/pkg/snapshot"
	"github.com/NorKV/norkv/pkg/stats"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".create"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".storage"),
	readline.PcItem(".sectors"),
	readline.PcItem(".keys"),
	readline.PcItem(".gc"),
	readline.PcItem(".maintenance"),
	readline.PcItem(".repair"),
	readline.PcItem(".snapshot"),
	readline.PcItem(".restore"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
	readline.PcItem("SCAN"),
)

const helpText = `
norkv - a flash-backed key-value store for partition images.

Usage:
  norkv [options] [image_path]      - Start with an optional partition image

Options:
  -create                 - Create a new image at image_path before opening
  -sector-size int        - Sector size for -create (default 4096)
  -sectors int            - Sector count for -create (default 4)
  -redundancy int         - Copies kept per key for -create (default 1)
  -verbose                - Log store internals to stderr

Commands (interactive mode):
  .help                   - Show this help message
  .open PATH              - Open a partition image (geometry from its manifest)
  .create PATH            - Create and open a new partition image
  .close                  - Close the current image
  .exit                   - Exit the program
  .stats                  - Show operation statistics
  .storage                - Show space accounting
  .sectors                - Dump the sector table
  .keys                   - Dump the key descriptors
  .gc                     - Garbage collect one sector
  .maintenance            - Repair and collect every reclaimable sector
  .repair                 - Repair corruption and restore redundancy
  .snapshot PATH [CODEC]  - Save a compressed image snapshot (none, snappy, zstd)
  .restore PATH           - Restore the image from a snapshot and reinitialize

  PUT key value           - Store a key-value pair
  GET key                 - Retrieve a value by key
  DELETE key              - Delete a key-value pair
  SCAN                    - List all live keys and values
`

// session is the CLI's view of one open partition image.
type session struct {
	imagePath string
	cfg       *config.Config
	partition *flash.FilePartition
	store     *kvs.KVS
	collector *stats.AtomicCollector
}

func main() {
	create := flag.Bool("create", false, "Create a new image before opening")
	sectorSize := flag.Int("sector-size", 4096, "Sector size in bytes for -create")
	sectorCount := flag.Int("sectors", 4, "Sector count for -create")
	redundancy := flag.Int("redundancy", 1, "Copies kept per key for -create")
	verbose := flag.Bool("verbose", false, "Log store internals to stderr")
	flag.Parse()

	logger := log.Logger(log.NewNoop())
	if *verbose {
		logger = log.NewStandardLogger(log.WithLevel(log.LevelDebug))
	}

	var sess *session
	if flag.NArg() > 0 {
		imagePath := flag.Arg(0)
		var err error
		if *create {
			cfg := config.NewDefaultConfig()
			cfg.SectorSize = *sectorSize
			cfg.SectorCount = *sectorCount
			cfg.Redundancy = *redundancy
			sess, err = createImage(imagePath, cfg, logger)
		} else {
			sess, err = openImage(imagePath, logger)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening image: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("Opened %s: %d sectors of %d bytes, %d live keys\n",
			imagePath, sess.cfg.SectorCount, sess.cfg.SectorSize, sess.store.Size())
	}

	runInteractive(sess, logger)
}

func openImage(imagePath string, logger log.Logger) (*session, error) {
	cfg, err := config.LoadConfigFromManifest(imagePath)
	if err != nil {
		return nil, err
	}
	partition, err := flash.OpenFilePartition(imagePath, cfg.SectorSize, cfg.SectorCount, cfg.Alignment)
	if err != nil {
		return nil, err
	}
	return newSession(imagePath, cfg, partition, logger)
}

func createImage(imagePath string, cfg *config.Config, logger log.Logger) (*session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	partition, err := flash.CreateFilePartition(imagePath, cfg.SectorSize, cfg.SectorCount, cfg.Alignment)
	if err != nil {
		return nil, err
	}
	if err := cfg.SaveManifest(imagePath); err != nil {
		partition.Close()
		return nil, err
	}
	return newSession(imagePath, cfg, partition, logger)
}

func newSession(imagePath string, cfg *config.Config, partition *flash.FilePartition, logger log.Logger) (*session, error) {
	collector := stats.NewAtomicCollector()
	store, err := kvs.New(partition, storeOptions(cfg, logger, collector))
	if err != nil {
		partition.Close()
		return nil, err
	}
	if err := store.Init(); err != nil && !errors.Is(err, kvs.ErrDataLoss) {
		partition.Close()
		return nil, err
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", err)
	}
	return &session{
		imagePath: imagePath,
		cfg:       cfg,
		partition: partition,
		store:     store,
		collector: collector,
	}, nil
}

// storeOptions maps a manifest onto store options.
func storeOptions(cfg *config.Config, logger log.Logger, collector stats.Collector) kvs.Options {
	opts := kvs.DefaultOptions()
	opts.Redundancy = cfg.Redundancy
	opts.MaxEntries = cfg.MaxEntries
	opts.VerifyOnWrite = cfg.VerifyOnWrite
	opts.VerifyOnRead = cfg.VerifyOnRead
	opts.Logger = logger
	opts.Stats = collector

	switch cfg.Recovery {
	case "manual":
		opts.Recovery = kvs.RecoveryManual
	case "eager":
		opts.Recovery = kvs.RecoveryEager
	default:
		opts.Recovery = kvs.RecoveryLazy
	}

	switch cfg.GCOnWrite {
	case "disabled":
		opts.GCOnWrite = kvs.GCDisabled
	case "as-needed":
		opts.GCOnWrite = kvs.GCAsNeeded
	default:
		opts.GCOnWrite = kvs.GCOneSector
	}

	return opts
}

func (s *session) close() {
	if s == nil {
		return
	}
	if err := s.partition.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing image: %s\n", err)
	}
}

// runInteractive drives the readline loop.
func runInteractive(sess *session, logger log.Logger) {
	fmt.Println("norkv flash key-value store")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".norkv_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "norkv> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		if sess != nil {
			rl.SetPrompt(fmt.Sprintf("norkv:%s> ", filepath.Base(sess.imagePath)))
		} else {
			rl.SetPrompt("norkv> ")
		}

		line, err := rl.Readline()
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		cmd := fields[0]

		if cmd == ".exit" {
			break
		}

		if done := runDotCommand(&sess, cmd, fields[1:], logger); done {
			continue
		}

		if sess == nil {
			fmt.Println("No image open; use .open PATH or .create PATH")
			continue
		}
		runStatement(sess, cmd, fields[1:])
	}

	sess.close()
}

// runDotCommand handles the session-level dot commands. It reports
// whether the input was consumed.
func runDotCommand(sess **session, cmd string, args []string, logger log.Logger) bool {
	switch cmd {
	case ".help":
		fmt.Print(helpText)

	case ".open", ".create":
		if len(args) != 1 {
			fmt.Printf("Usage: %s PATH\n", cmd)
			return true
		}
		(*sess).close()
		var next *session
		var err error
		if cmd == ".create" {
			next, err = createImage(args[0], config.NewDefaultConfig(), logger)
		} else {
			next, err = openImage(args[0], logger)
		}
		if err != nil {
			fmt.Printf("Error: %s\n", err)
			*sess = nil
			return true
		}
		*sess = next
		fmt.Printf("Opened %s with %d live keys\n", args[0], next.store.Size())

	case ".close":
		(*sess).close()
		*sess = nil

	case ".stats":
		if *sess == nil {
			fmt.Println("No image open")
			return true
		}
		for k, v := range (*sess).collector.GetStats() {
			fmt.Printf("  %s: %v\n", k, v)
		}

	case ".storage":
		if *sess == nil {
			fmt.Println("No image open")
			return true
		}
		st := (*sess).store.StorageStats()
		fmt.Printf("  in use:       %d bytes\n", st.InUseBytes)
		fmt.Printf("  reclaimable:  %d bytes\n", st.ReclaimableBytes)
		fmt.Printf("  writable:     %d bytes\n", st.WritableBytes)
		fmt.Printf("  corrupt sectors recovered:  %d\n", st.CorruptSectorsRecovered)
		fmt.Printf("  missing copies recovered:   %d\n", st.MissingRedundantEntriesRecovered)

	case ".sectors":
		if *sess == nil {
			fmt.Println("No image open")
			return true
		}
		(*sess).store.LogSectors()

	case ".keys":
		if *sess == nil {
			fmt.Println("No image open")
			return true
		}
		(*sess).store.LogKeyDescriptors()

	case ".gc":
		if *sess == nil {
			fmt.Println("No image open")
			return true
		}
		reportErr((*sess).store.GarbageCollect())

	case ".maintenance":
		if *sess == nil {
			fmt.Println("No image open")
			return true
		}
		reportErr((*sess).store.FullMaintenance())

	case ".repair":
		if *sess == nil {
			fmt.Println("No image open")
			return true
		}
		reportErr((*sess).store.Repair())

	case ".snapshot":
		if *sess == nil || len(args) < 1 {
			fmt.Println("Usage: .snapshot PATH [none|snappy|zstd]")
			return true
		}
		codec := snapshot.CodecZstd
		if len(args) > 1 {
			var err error
			if codec, err = snapshot.ParseCodec(args[1]); err != nil {
				fmt.Printf("Error: %s\n", err)
				return true
			}
		}
		reportErr(snapshot.Save(args[0], (*sess).partition, codec))

	case ".restore":
		if *sess == nil || len(args) != 1 {
			fmt.Println("Usage: .restore PATH")
			return true
		}
		if err := snapshot.Restore(args[0], (*sess).partition); err != nil {
			fmt.Printf("Error: %s\n", err)
			return true
		}
		reportErr((*sess).store.Init())

	default:
		return false
	}
	return true
}

// runStatement handles PUT/GET/DELETE/SCAN against the open store.
func runStatement(sess *session, cmd string, args []string) {
	switch strings.ToUpper(cmd) {
	case "PUT":
		if len(args) < 2 {
			fmt.Println("Usage: PUT key value")
			return
		}
		reportErr(sess.store.Put(args[0], []byte(strings.Join(args[1:], " "))))

	case "GET":
		if len(args) != 1 {
			fmt.Println("Usage: GET key")
			return
		}
		size, err := sess.store.ValueSize(args[0])
		if err != nil {
			fmt.Printf("Error: %s\n", err)
			return
		}
		buf := make([]byte, size)
		if _, err := sess.store.Get(args[0], buf, 0); err != nil {
			fmt.Printf("Error: %s\n", err)
			return
		}
		fmt.Printf("%s\n", buf)

	case "DELETE":
		if len(args) != 1 {
			fmt.Println("Usage: DELETE key")
			return
		}
		reportErr(sess.store.Delete(args[0]))

	case "SCAN":
		it := sess.store.Iter()
		count := 0
		for it.Next() {
			size, err := it.ValueSize()
			if err != nil {
				fmt.Printf("  %s: <unreadable: %s>\n", it.Key(), err)
				continue
			}
			buf := make([]byte, size)
			if _, err := it.Value(buf); err != nil {
				fmt.Printf("  %s: <unreadable: %s>\n", it.Key(), err)
				continue
			}
			fmt.Printf("  %s: %s\n", it.Key(), buf)
			count++
		}
		fmt.Printf("%d keys\n", count)

	default:
		fmt.Printf("Unknown command: %s (try .help)\n", cmd)
	}
}

func reportErr(err error) {
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return
	}
	fmt.Println("OK")
}
