// Package main provides the btdump CLI tool for inspecting database files.
//
// Usage:
//
//	btdump --file=<path> [options]
//
// Commands:
//
//	stat  — print the page size and the counters of the current revision
//	scan  — print every key/value pair in order
//	tree  — render the page tree
//	seed  — fill the database with random word keys (for manual testing)
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-faker/faker/v4"

	"github.com/dpeckett/screwdb"
	"github.com/dpeckett/screwdb/internal/btree"
)

var (
	filePath  = flag.String("file", "", "Path to the database file (required)")
	command   = flag.String("command", "stat", "Command: stat, scan, tree, seed")
	hexOutput = flag.Bool("hex", false, "Output keys and values in hex format")
	limit     = flag.Int("limit", 0, "Limit number of entries (0 = unlimited)")
	seedCount = flag.Int("count", 1000, "Number of entries to seed")
	noColor   = flag.Bool("no-color", false, "Disable colored tree output")
)

func main() {
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "btdump: --file is required")
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch *command {
	case "stat":
		err = cmdStat()
	case "scan":
		err = cmdScan()
	case "tree":
		err = cmdTree()
	case "seed":
		err = cmdSeed()
	default:
		err = fmt.Errorf("unknown command %q", *command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "btdump: %v\n", err)
		os.Exit(1)
	}
}

func cmdStat() error {
	bt, err := btree.Open(*filePath, btree.ReadOnly, 0, nil)
	if err != nil {
		return err
	}
	defer bt.Close()

	st := bt.Stat()
	fmt.Printf("page size:      %d\n", bt.PageSize())
	fmt.Printf("revisions:      %d\n", st.Revisions)
	fmt.Printf("entries:        %d\n", st.Entries)
	fmt.Printf("depth:          %d\n", st.Depth)
	fmt.Printf("branch pages:   %d\n", st.BranchPages)
	fmt.Printf("leaf pages:     %d\n", st.LeafPages)
	fmt.Printf("overflow pages: %d\n", st.OverflowPages)

	return nil
}

func format(b []byte) string {
	if *hexOutput {
		return fmt.Sprintf("%x", b)
	}

	return fmt.Sprintf("%q", b)
}

func cmdScan() error {
	db, err := screwdb.Open(*filePath, screwdb.ReadOnly, 0)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *screwdb.Tx) error {
		c, err := tx.Cursor()
		if err != nil {
			return err
		}
		defer c.Close()

		n := 0
		for k, v, err := c.First(); ; k, v, err = c.Next() {
			if err != nil {
				if screwdb.IsNotFound(err) {
					break
				}
				return err
			}

			fmt.Printf("%s => %s\n", format(k), format(v))

			n++
			if *limit > 0 && n >= *limit {
				break
			}
		}

		fmt.Printf("%d entries\n", n)

		return nil
	})
}

func cmdTree() error {
	if *noColor {
		color.NoColor = true
	}

	branchColor := color.New(color.FgCyan, color.Bold)
	leafColor := color.New(color.FgGreen)

	bt, err := btree.Open(*filePath, btree.ReadOnly, 0, nil)
	if err != nil {
		return err
	}
	defer bt.Close()

	txn, err := bt.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Abort()

	return txn.WalkTree(func(info btree.PageInfo) error {
		indent := strings.Repeat("  ", info.Level)

		c := leafColor
		kind := "leaf"
		if info.Branch {
			c = branchColor
			kind = "branch"
		}

		c.Printf("%s%s %d", indent, kind, info.Pgno)
		fmt.Printf(" keys=%d fill=%d‰", info.NumKeys, info.Fill)
		if len(info.Prefix) > 0 {
			fmt.Printf(" prefix=%s", format(info.Prefix))
		}
		if info.NumKeys > 0 && !info.Branch {
			fmt.Printf(" [%s..%s]", format(info.Keys[0]), format(info.Keys[info.NumKeys-1]))
		}
		fmt.Println()

		return nil
	})
}

func cmdSeed() error {
	db, err := screwdb.Open(*filePath, 0, 0o644)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *screwdb.Tx) error {
		for i := 0; i < *seedCount; i++ {
			k := []byte(faker.Word() + faker.Word())

			var v [8]byte
			binary.LittleEndian.PutUint64(v[:], uint64(i))

			if err := tx.Put(k, v[:]); err != nil {
				return err
			}
		}

		return nil
	})
}
