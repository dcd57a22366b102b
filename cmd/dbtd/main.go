// Command dbtd loads a raw x86-64 binary image and runs it through the
// dynamic binary translator, logging each block as it is translated.
// It has no real execution backend: it stands in the out-of-scope
// Executor boundary with a dry-run implementation that decodes and
// logs a translated block without actually running it on hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/arcrosse/dbt/internal/guest"
	"github.com/arcrosse/dbt/pkg/config"
	"github.com/arcrosse/dbt/pkg/notify"
	"github.com/arcrosse/dbt/pkg/orchestrator"
	"github.com/arcrosse/dbt/pkg/persist"
	"github.com/arcrosse/dbt/pkg/ruletables"
	"github.com/arcrosse/dbt/pkg/signature"
	"github.com/arcrosse/dbt/pkg/x86decode"
	"google.golang.org/grpc"
)

var (
	configPath  = flag.String("config", "", "path to a JSON config document")
	binaryPath  = flag.String("binary", "", "path to a raw x86-64 binary image to translate and run")
	entryPoint  = flag.String("entry", "0x1000", "guest entry point address, hex or decimal")
	showVersion = flag.Bool("version", false, "print version and exit")
)

var version = "0.1.0"

func main() {
	cfg := config.Default()
	config.FlagSet(flag.CommandLine, &cfg)
	flag.Parse()

	if *showVersion {
		fmt.Printf("dbtd %s\n", version)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// A config file's values take precedence over the flag defaults but
	// not over flags the user actually set on the command line, so
	// re-apply those after loading the file.
	if *configPath != "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		explicit := make(map[string]string)
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
		cfg = fileCfg
		for name, value := range explicit {
			flag.Set(name, value)
		}
	}

	if *binaryPath == "" {
		log.Fatal("missing required -binary flag")
	}
	entry, err := parseAddr(*entryPoint)
	if err != nil {
		log.Fatalf("parsing -entry: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, cfg, *binaryPath, entry); err != nil {
		log.Fatalf("dbtd: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, binaryPath string, entry guest.Addr) error {
	binary, err := os.ReadFile(binaryPath)
	if err != nil {
		return fmt.Errorf("reading binary: %w", err)
	}

	rules, err := ruletables.Load(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("loading rule tables: %w", err)
	}

	sigStore, err := signature.OpenStore(cfg.CacheDir + "/signatures.db")
	if err != nil {
		return fmt.Errorf("opening signature store: %w", err)
	}
	defer sigStore.Close()

	sigEngine := signature.New()
	if err := sigStore.Load(sigEngine); err != nil {
		log.Printf("loading signature store: %v", err)
	}
	defer sigStore.Save(sigEngine)

	persistMgr, err := persist.NewManager(persist.Config{
		Dir:                cfg.CacheDir + "/l2",
		MaxCacheSize:       cfg.L2MaxBytes,
		CompressionEnabled: cfg.CompressionEnabled,
	})
	if err != nil {
		return fmt.Errorf("creating persistence manager: %w", err)
	}
	persistMgr.Start(ctx)
	defer persistMgr.Close()

	var notifier *notify.Server
	if cfg.NotifyAddr != "" {
		notifier = notify.NewServer()
		lis, err := net.Listen("tcp", cfg.NotifyAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.NotifyAddr, err)
		}
		grpcServer := grpc.NewServer()
		notify.Register(grpcServer, notifier)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("notify server stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			grpcServer.GracefulStop()
		}()
		log.Printf("hot-block notifications listening on %s", cfg.NotifyAddr)
	}

	arena := &flatArena{base: entry, code: binary}
	exec := &dryRunExecutor{rules: rules, arena: arena}

	orc, err := orchestrator.New(orchestrator.Config{
		Rules:      rules,
		L1Capacity: cfg.L1Capacity,
		Persist:    persistMgr,
		Signatures: sigEngine,
		Notifier:   notifier,
		Executor:   exec,
		Arena:      arena,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	if err := orc.Load(binary, entry, 0); err != nil {
		return fmt.Errorf("loading binary: %w", err)
	}

	log.Printf("running %s from entry %s (%d bytes)", binaryPath, entry, len(binary))
	return orc.Run(ctx)
}

// flatArena serves guest memory reads directly out of a flat byte
// slice, as if the whole binary image were mapped starting at base.
type flatArena struct {
	base guest.Addr
	code []byte
}

func (a *flatArena) ReadAt(addr guest.Addr, length int) ([]byte, error) {
	start := int(addr - a.base)
	if start < 0 || start >= len(a.code) {
		return nil, fmt.Errorf("dbtd: address %s out of range", addr)
	}
	end := start + length
	if end > len(a.code) {
		end = len(a.code)
	}
	return a.code[start:end], nil
}

// dryRunExecutor logs each translated block instead of running it, and
// advances rip past the block it was given, so Run's loop still
// terminates at the end of the loaded image.
type dryRunExecutor struct {
	rules *ruletables.Store
	arena *flatArena
}

func (e *dryRunExecutor) Execute(addr guest.Addr, words []uint32) (guest.Addr, error) {
	code, err := e.arena.ReadAt(addr, guest.MaxBlockBytes)
	if err != nil {
		return 0, err
	}
	blockLen := x86decode.AnalyseBlock(code, len(code), e.rules)
	log.Printf("dry-run: %s -> %d host words (block length %d)", addr, len(words), blockLen)
	return addr + guest.Addr(blockLen), nil
}

func parseAddr(s string) (guest.Addr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return guest.Addr(v), nil
}
