package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojograph/config"
	"github.com/sushant-115/gojograph/core/storage_engine/memstore"
	"github.com/sushant-115/gojograph/core/transaction"
	decisionlog "github.com/sushant-115/gojograph/core/transaction/decision_log"
	internaltelemetry "github.com/sushant-115/gojograph/internal/telemetry"
	"github.com/sushant-115/gojograph/pkg/logger"
	"github.com/sushant-115/gojograph/pkg/telemetry"
)

// shell is the interactive session state: one manager, at most one
// transaction being driven by the operator at a time.
type shell struct {
	mgr     *transaction.Manager
	current transaction.ID
	open    bool
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	tel, shutdownTel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("init telemetry", zap.Error(err))
	}
	defer shutdownTel(context.Background())

	var metrics *internaltelemetry.TransactionMetrics
	if cfg.Telemetry.Enabled {
		metrics, err = internaltelemetry.NewTransactionMetrics(tel.Meter)
		if err != nil {
			zlog.Fatal("init metrics", zap.Error(err))
		}
	}

	store := memstore.New(cfg.Storage)

	var coordinator *transaction.Coordinator
	if cfg.Transactions.Enable2PC {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			zlog.Fatal("create data dir", zap.Error(err))
		}
		dlog, err := decisionlog.Open(filepath.Join(cfg.DataDir, "decisions"), zlog, cfg.DecisionLog.Options())
		if err != nil {
			zlog.Fatal("open decision log", zap.Error(err))
		}
		defer dlog.Close()
		coordinator = transaction.NewCoordinator(dlog, cfg.Transactions.DefaultTimeout, zlog)
		if err := coordinator.Recover(context.Background(), nil); err != nil {
			zlog.Fatal("decision log recovery", zap.Error(err))
		}
	}

	mgr, err := transaction.NewManager(cfg.Transactions, store, coordinator, zlog, metrics)
	if err != nil {
		zlog.Fatal("start transaction manager", zap.Error(err))
	}
	defer mgr.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojograph> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".gojograph_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		zlog.Fatal("init readline", zap.Error(err))
	}
	defer rl.Close()

	sh := &shell{mgr: mgr}
	fmt.Println("GojoGraph transaction shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}
		if strings.EqualFold(args[0], "exit") || strings.EqualFold(args[0], "quit") {
			break
		}
		sh.process(args)
	}
}

func (s *shell) process(args []string) {
	switch strings.ToLower(args[0]) {
	case "begin":
		if s.open {
			fmt.Printf("Error: transaction %d is already open.\n", s.current)
			return
		}
		opts := transaction.Options{}
		if len(args) > 1 && strings.EqualFold(args[1], "ro") {
			opts.ReadOnly = true
		}
		id, err := s.mgr.Begin(opts)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		s.current, s.open = id, true
		fmt.Printf("Transaction %d begun.\n", id)
	case "put":
		if len(args) < 3 {
			fmt.Println("Error: put requires a key and a value.")
			return
		}
		s.withTxn(func(ctx *transaction.Context) error {
			return ctx.Put([]byte(args[1]), []byte(strings.Join(args[2:], " ")))
		})
	case "get":
		if len(args) < 2 {
			fmt.Println("Error: get requires a key.")
			return
		}
		s.withTxn(func(ctx *transaction.Context) error {
			value, found, err := ctx.Get([]byte(args[1]))
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Printf("%s\n", value)
			return nil
		})
	case "del", "delete":
		if len(args) < 2 {
			fmt.Println("Error: delete requires a key.")
			return
		}
		s.withTxn(func(ctx *transaction.Context) error {
			return ctx.Delete([]byte(args[1]))
		})
	case "savepoint":
		if len(args) < 2 {
			fmt.Println("Error: savepoint requires a name.")
			return
		}
		if !s.open {
			fmt.Println("Error: no open transaction.")
			return
		}
		sp, err := s.mgr.CreateSavepoint(s.current, args[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Savepoint %d (%s) created.\n", sp, args[1])
	case "rollback":
		if len(args) < 2 {
			fmt.Println("Error: rollback requires a savepoint id.")
			return
		}
		s.savepointOp(args[1], s.mgr.RollbackToSavepoint, "Rolled back to savepoint %d.\n")
	case "release":
		if len(args) < 2 {
			fmt.Println("Error: release requires a savepoint id.")
			return
		}
		s.savepointOp(args[1], s.mgr.ReleaseSavepoint, "Savepoint %d released.\n")
	case "commit":
		if !s.open {
			fmt.Println("Error: no open transaction.")
			return
		}
		if err := s.mgr.Commit(s.current); err != nil {
			fmt.Printf("Error: %v\n", err)
		} else {
			fmt.Printf("Transaction %d committed.\n", s.current)
		}
		s.open = false
	case "abort":
		if !s.open {
			fmt.Println("Error: no open transaction.")
			return
		}
		if err := s.mgr.Abort(s.current); err != nil {
			fmt.Printf("Error: %v\n", err)
		} else {
			fmt.Printf("Transaction %d aborted.\n", s.current)
		}
		s.open = false
	case "txns":
		infos := s.mgr.List()
		if len(infos) == 0 {
			fmt.Println("No live transactions.")
			return
		}
		for _, info := range infos {
			fmt.Printf("txn %d: state=%s read_only=%t ops=%d savepoints=%d elapsed=%s\n",
				info.ID, info.State, info.ReadOnly, info.OpLogLen, info.Savepoints, info.Elapsed)
		}
	case "stats":
		st := s.mgr.Stats()
		fmt.Printf("begun=%d active=%d committed=%d aborted=%d timed_out=%d\n",
			st.Begun.Load(), st.Active.Load(), st.Committed.Load(),
			st.Aborted.Load(), st.TimedOut.Load())
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  begin [ro]             open a transaction (ro = read-only)")
		fmt.Println("  put <key> <value>      write a key in the open transaction")
		fmt.Println("  get <key>              read a key")
		fmt.Println("  del <key>              delete a key")
		fmt.Println("  savepoint <name>       record a rollback point")
		fmt.Println("  rollback <id>          undo back to a savepoint")
		fmt.Println("  release <id>           discard a savepoint")
		fmt.Println("  commit / abort         finish the open transaction")
		fmt.Println("  txns / stats           inspect the manager")
		fmt.Println("  exit / quit")
	default:
		fmt.Println("Error: unknown command. Type 'help' for a list of commands.")
	}
}

func (s *shell) withTxn(fn func(*transaction.Context) error) {
	if !s.open {
		fmt.Println("Error: no open transaction. Run 'begin' first.")
		return
	}
	ctx, err := s.mgr.Get(s.current)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		s.open = false
		return
	}
	if err := fn(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func (s *shell) savepointOp(arg string, op func(transaction.ID, transaction.SavepointID) error, okFormat string) {
	if !s.open {
		fmt.Println("Error: no open transaction.")
		return
	}
	raw, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		fmt.Printf("Error: bad savepoint id %q.\n", arg)
		return
	}
	sp := transaction.SavepointID(raw)
	if err := op(s.current, sp); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf(okFormat, sp)
}
