// shmctl is a small CLI for inspecting and driving shared-memory object
// pool segments.
//
// Usage:
//
//	shmctl new [opts] <segment>    Create a new pool segment
//	shmctl [opts] <segment>        Open an existing segment
//
// Options:
//
//	-s, --slots       Slot count for 'new' (default from config)
//	-d, --data-size   Data region size in bytes for 'new'
//	-f, --file-lock   Use the flock sidecar instead of the in-segment spin lock
//	-c, --config      Config file path (HuJSON; default ./.shmctl.json)
//
// Commands (in REPL):
//
//	add <id> <size>                 Allocate a blob
//	addarray <id> <dtype> <dims..>  Allocate an array blob with a metadata header
//	attach <id>                     Acquire a reference to a blob
//	detach <id>                     Drop a reference
//	release <id>                    Mark a blob releasable
//	info <id>                       Show size of a blob
//	arrayinfo <id>                  Decode a blob's array metadata header
//	read <id> <offset> <len>        Hex-dump blob bytes
//	write <id> <offset> <hex>       Write hex bytes into a blob
//	dump [file]                     Print (or atomically write) the slot dump
//	help                            Show this help
//	exit / quit / q                 Exit
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/arthurlm/pyarraypool/pkg/ndmeta"
	"github.com/arthurlm/pyarraypool/pkg/shmpool"
)

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()

		return errors.New("missing command or segment path")
	}

	if args[0] == "new" {
		return runNew(args[1:])
	}

	return runOpen(args)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  shmctl new [opts] <segment>    Create a new pool segment\n")
	fmt.Fprintf(os.Stderr, "  shmctl [opts] <segment>        Open an existing segment\n")
	fmt.Fprintf(os.Stderr, "\nRun 'shmctl new --help' for creation options.\n")
}

// addCommonFlags registers the flags shared by every subcommand.
func addCommonFlags(fs *flag.FlagSet) (configPath *string, fileLock *bool) {
	configPath = fs.StringP("config", "c", "", "config file path (HuJSON)")
	fileLock = fs.BoolP("file-lock", "f", false, "use the flock sidecar instead of the spin lock")

	return configPath, fileLock
}

func runNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)

	slots := fs.Uint64P("slots", "s", 0, "slot count")
	dataSize := fs.Uint64P("data-size", "d", 0, "data region size in bytes")
	configPath, fileLock := addCommonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: shmctl new [options] <segment>\n\n")
		fmt.Fprintf(os.Stderr, "Create a new pool segment.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing segment path")
	}

	segmentPath := fs.Arg(0)

	if _, err := os.Stat(segmentPath); err == nil {
		return fmt.Errorf("segment already exists: %s (use 'shmctl %s' to open it)", segmentPath, segmentPath)
	}

	workDir, _ := os.Getwd()

	cfg, cfgPath, err := LoadConfig(workDir, *configPath)
	if err != nil {
		return err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "using config %s\n", cfgPath)
	}

	// CLI flags win over the config file.
	if *slots != 0 {
		cfg.SlotCount = *slots
	}

	if *dataSize != 0 {
		cfg.DataSize = *dataSize
	}

	if *fileLock {
		cfg.FileLock = true
	}

	pool, err := shmpool.Create(shmpool.Options{
		Path:      segmentPath,
		SlotCount: cfg.SlotCount,
		DataSize:  cfg.DataSize,
		FileLock:  cfg.FileLock,
	})
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	defer pool.Close()

	fmt.Printf("Created pool with:\n")
	fmt.Printf("  Path:       %s\n", segmentPath)
	fmt.Printf("  Slots:      %d\n", cfg.SlotCount)
	fmt.Printf("  Data size:  %d bytes\n", cfg.DataSize)
	fmt.Printf("  Lock:       %s\n", lockModeName(cfg.FileLock))
	fmt.Println()

	repl := &REPL{pool: pool, path: segmentPath}

	return repl.Run()
}

func runOpen(args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	configPath, fileLock := addCommonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: shmctl [options] <segment>\n\n")
		fmt.Fprintf(os.Stderr, "Open an existing pool segment.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing segment path")
	}

	segmentPath := fs.Arg(0)

	if _, err := os.Stat(segmentPath); os.IsNotExist(err) {
		return fmt.Errorf("segment does not exist: %s (use 'shmctl new %s' to create it)", segmentPath, segmentPath)
	}

	workDir, _ := os.Getwd()

	cfg, _, err := LoadConfig(workDir, *configPath)
	if err != nil {
		return err
	}

	if *fileLock {
		cfg.FileLock = true
	}

	pool, err := shmpool.Open(shmpool.Options{
		Path:     segmentPath,
		FileLock: cfg.FileLock,
	})
	if err != nil {
		return fmt.Errorf("opening pool: %w", err)
	}
	defer pool.Close()

	repl := &REPL{pool: pool, path: segmentPath}

	return repl.Run()
}

func lockModeName(fileLock bool) string {
	if fileLock {
		return "flock sidecar"
	}

	return "in-segment spin lock"
}

// REPL is the interactive command loop.
type REPL struct {
	pool  *shmpool.ObjectPool
	path  string
	liner *liner.State
}

// replCommands drives tab completion.
var replCommands = []string{
	"add", "addarray", "attach", "detach", "release", "info",
	"arrayinfo", "read", "write", "dump", "help", "exit", "quit",
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".shmctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string

		for _, cmd := range replCommands {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				out = append(out, cmd+" ")
			}
		}

		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("shmctl - shared-memory pool CLI (%s)\n", r.path)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("shmctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Println("Bye!")

			r.saveHistory()

			return nil
		}

		if err := r.dispatch(cmd, args); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path) //nolint:gosec // fixed path under $HOME
	if err != nil {
		return
	}

	_, _ = r.liner.WriteHistory(f)
	_ = f.Close()
}

func (r *REPL) dispatch(cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		r.printHelp()

		return nil
	case "add":
		return r.cmdAdd(args)
	case "addarray":
		return r.cmdAddArray(args)
	case "attach":
		return r.cmdAttach(args)
	case "detach":
		return r.cmdDetach(args)
	case "release":
		return r.cmdRelease(args)
	case "info":
		return r.cmdInfo(args)
	case "arrayinfo":
		return r.cmdArrayInfo(args)
	case "read":
		return r.cmdRead(args)
	case "write":
		return r.cmdWrite(args)
	case "dump":
		return r.cmdDump(args)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add <id> <size>                 Allocate a blob")
	fmt.Println("  addarray <id> <dtype> <dims..>  Allocate an array blob with a metadata header")
	fmt.Println("  attach <id>                     Acquire a reference to a blob")
	fmt.Println("  detach <id>                     Drop a reference")
	fmt.Println("  release <id>                    Mark a blob releasable")
	fmt.Println("  info <id>                       Show size of a blob")
	fmt.Println("  arrayinfo <id>                  Decode a blob's array metadata header")
	fmt.Println("  read <id> <offset> <len>        Hex-dump blob bytes")
	fmt.Println("  write <id> <offset> <hex>       Write hex bytes into a blob")
	fmt.Println("  dump [file]                     Print (or atomically write) the slot dump")
	fmt.Println("  exit / quit / q                 Exit")
}

func parseID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", arg, err)
	}

	return id, nil
}

func (r *REPL) cmdAdd(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: add <id> <size>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", args[1], err)
	}

	buf, err := r.pool.AddObject(id, size)
	if err != nil {
		return err
	}

	fmt.Printf("added blob %d (%d bytes)\n", id, len(buf))

	return nil
}

func (r *REPL) cmdAddArray(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: addarray <id> <dtype> <dims..>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	shape := make([]uint64, 0, len(args)-2)

	for _, arg := range args[2:] {
		dim, dimErr := strconv.ParseUint(arg, 10, 64)
		if dimErr != nil {
			return fmt.Errorf("invalid dim %q: %w", arg, dimErr)
		}

		shape = append(shape, dim)
	}

	meta, err := ndmeta.New(id, args[1], shape)
	if err != nil {
		return err
	}

	record, err := meta.MarshalBinary()
	if err != nil {
		return err
	}

	// The blob holds the metadata record followed by ByteCount() bytes, one
	// per element.
	buf, err := r.pool.AddObject(id, uint64(len(record))+meta.ByteCount())
	if err != nil {
		return err
	}

	copy(buf, record)

	fmt.Printf("added array blob %d (%s, %d elements, %d bytes total)\n",
		id, meta.DType, meta.ByteCount(), len(buf))

	return nil
}

func (r *REPL) cmdAttach(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: attach <id>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	buf, err := r.pool.AttachObject(id)
	if err != nil {
		return err
	}

	fmt.Printf("attached blob %d (%d bytes)\n", id, len(buf))

	return nil
}

func (r *REPL) cmdDetach(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: detach <id>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	if err := r.pool.DetachObject(id); err != nil {
		return err
	}

	fmt.Printf("detached blob %d\n", id)

	return nil
}

func (r *REPL) cmdRelease(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: release <id>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	if err := r.pool.MarkReleasable(id); err != nil {
		return err
	}

	fmt.Printf("marked blob %d releasable\n", id)

	return nil
}

func (r *REPL) cmdInfo(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: info <id>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	buf := r.pool.SliceOf(id)
	if buf == nil {
		fmt.Printf("blob %d: not found\n", id)

		return nil
	}

	fmt.Printf("blob %d: %d bytes\n", id, len(buf))

	return nil
}

func (r *REPL) cmdArrayInfo(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: arrayinfo <id>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	buf := r.pool.SliceOf(id)
	if buf == nil {
		fmt.Printf("blob %d: not found\n", id)

		return nil
	}

	var meta ndmeta.Meta
	if err := meta.UnmarshalBinary(buf); err != nil {
		return fmt.Errorf("blob %d has no array header: %w", id, err)
	}

	fmt.Printf("blob %d: dtype=%s shape=%v elements=%d\n",
		id, meta.DType, meta.Shape, meta.ByteCount())

	return nil
}

func (r *REPL) cmdRead(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: read <id> <offset> <len>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[1], err)
	}

	length, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid length %q: %w", args[2], err)
	}

	buf := r.pool.SliceOf(id)
	if buf == nil {
		return fmt.Errorf("blob %d not found", id)
	}

	if offset+length > uint64(len(buf)) {
		return fmt.Errorf("range [%d, %d) exceeds blob of %d bytes", offset, offset+length, len(buf))
	}

	fmt.Println(hex.Dump(buf[offset : offset+length]))

	return nil
}

func (r *REPL) cmdWrite(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: write <id> <offset> <hex>")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[1], err)
	}

	payload, err := hex.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("invalid hex %q: %w", args[2], err)
	}

	buf := r.pool.SliceOf(id)
	if buf == nil {
		return fmt.Errorf("blob %d not found", id)
	}

	if offset+uint64(len(payload)) > uint64(len(buf)) {
		return fmt.Errorf("write of %d bytes at %d exceeds blob of %d bytes", len(payload), offset, len(buf))
	}

	copy(buf[offset:], payload)

	fmt.Printf("wrote %d bytes at offset %d\n", len(payload), offset)

	return nil
}

func (r *REPL) cmdDump(args []string) error {
	dump := r.pool.Dump()

	if len(args) == 0 {
		if dump == "" {
			fmt.Println("(no occupied slots)")
		} else {
			fmt.Println(dump)
		}

		return nil
	}

	writeErr := atomic.WriteFile(args[0], strings.NewReader(dump+"\n"))
	if writeErr != nil {
		return fmt.Errorf("writing dump: %w", writeErr)
	}

	fmt.Printf("wrote dump to %s\n", args[0])

	return nil
}
