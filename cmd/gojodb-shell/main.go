// Command gojodb-shell is an interactive REPL for poking at a B+Tree
// index file directly: get/put/delete/scan/dump, useful for manually
// exercising the storage core during development. It is not part of the
// core storage engine itself.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dblab/storagecore/config"
	"github.com/dblab/storagecore/internal/btree"
	"github.com/dblab/storagecore/internal/buffer"
	"github.com/dblab/storagecore/internal/disk"
	"github.com/dblab/storagecore/pkg/logger"
)

func main() {
	dbFile := flag.String("db", "gojodb.db", "path to the database file")
	configFile := flag.String("config", "", "path to a YAML config file (optional)")
	create := flag.Bool("create", false, "create the database file if it does not exist")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	mgr := disk.NewManager(*dbFile)
	if _, err := mgr.OpenOrCreate(*create); err != nil {
		log.Fatalf("opening %s: %v", *dbFile, err)
	}
	pool := buffer.NewPoolManager(mgr, cfg.Storage.PoolSize, cfg.Storage.ReplacerK, zlog, nil)
	tree := btree.New[int64, string](pool, mgr, btree.Options[int64, string]{
		Comparator:      btree.Int64Comparator,
		KeyCodec:        btree.Int64Codec,
		ValueCodec:      btree.FixedStringCodec(256),
		InternalMaxSize: cfg.BTree.InternalMaxSize,
		LeafMaxSize:     cfg.BTree.LeafMaxSize,
		Logger:          zlog,
	})

	rl, err := readline.New("gojodb> ")
	if err != nil {
		log.Fatalf("starting shell: %v", err)
	}
	defer rl.Close()

	fmt.Println("gojodb-shell: get/put/delete/scan/dump/height/quit")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				break
			}
			log.Printf("readline: %v", err)
			continue
		}
		err = dispatch(tree, strings.TrimSpace(line))
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}

	if err := pool.Close(); err != nil {
		log.Printf("closing pool: %v", err)
	}
}

var errQuit = errors.New("quit")

func dispatch(tree *btree.BTree[int64, string], line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "get":
		if len(fields) != 2 {
			return errors.New("usage: get <key>")
		}
		key, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return err
		}
		val, err := tree.Get(key)
		if err != nil {
			return err
		}
		fmt.Println(val)
	case "put":
		if len(fields) != 3 {
			return errors.New("usage: put <key> <value>")
		}
		key, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return err
		}
		return tree.Insert(key, fields[2])
	case "delete":
		if len(fields) != 2 {
			return errors.New("usage: delete <key>")
		}
		key, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return err
		}
		return tree.Delete(key)
	case "scan":
		it := tree.Begin()
		for it.Valid() {
			fmt.Printf("%d = %s\n", it.Key(), it.Value())
			it.Next()
		}
		return it.Err()
	case "dump":
		fmt.Println(tree.String())
	case "height":
		fmt.Println(tree.Height())
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}
