// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// pagestoretool is a small administrative CLI over the page store:
// enough to put/get/remove individual keys, inspect chunk stats,
// force a compaction, and run an MVCC smoke test, for poking at a
// store file by hand during development.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kv-storeng/pagestore/mvcc"
	"github.com/kv-storeng/pagestore/store"
)

var dashv bool

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if !dashv {
		return
	}
	if f[len(f)-1] != '\n' {
		f += "\n"
	}
	fmt.Fprintf(os.Stderr, f, args...)
}

func openStore(path string) *store.Store {
	s, err := store.Open(path, store.Options{})
	if err != nil {
		exitf("opening %s: %s\n", path, err)
	}
	return s
}

func put(path, mapName, key, value string) {
	s := openStore(path)
	defer s.Close()
	m, err := s.OpenMap(mapName)
	if err != nil {
		exitf("opening map %q: %s\n", mapName, err)
	}
	if err := m.Put([]byte(key), []byte(value)); err != nil {
		exitf("put: %s\n", err)
	}
	if err := s.Commit(); err != nil {
		exitf("commit: %s\n", err)
	}
	logf("put %q = %q in %q at version %d\n", key, value, mapName, s.Stats().Version)
}

func get(path, mapName, key string) {
	s := openStore(path)
	defer s.Close()
	m, err := s.OpenMap(mapName)
	if err != nil {
		exitf("opening map %q: %s\n", mapName, err)
	}
	v, ok, err := m.Get([]byte(key))
	if err != nil {
		exitf("get: %s\n", err)
	}
	if !ok {
		exitf("key %q not found in %q\n", key, mapName)
	}
	fmt.Println(string(v))
}

func remove(path, mapName, key string) {
	s := openStore(path)
	defer s.Close()
	m, err := s.OpenMap(mapName)
	if err != nil {
		exitf("opening map %q: %s\n", mapName, err)
	}
	removed, err := m.Remove([]byte(key))
	if err != nil {
		exitf("remove: %s\n", err)
	}
	if !removed {
		exitf("key %q not found in %q\n", key, mapName)
	}
	if err := s.Commit(); err != nil {
		exitf("commit: %s\n", err)
	}
}

func stats(path string) {
	s := openStore(path)
	defer s.Close()
	st := s.Stats()
	fmt.Printf("version: %d\n", st.Version)
	fmt.Printf("chunks live: %d\n", st.ChunksLive)
	fmt.Printf("chunks dead: %d\n", st.ChunksDead)
	fmt.Printf("bytes reclaimable: %d\n", st.BytesReclaimable)
	fmt.Printf("cached pages: %d\n", st.CachedPages)
}

func compact(path string, maxMillis int) {
	s := openStore(path)
	defer s.Close()
	before := s.Stats()
	if err := s.CompactFile(maxMillis); err != nil {
		exitf("compact: %s\n", err)
	}
	after := s.Stats()
	logf("chunks before: %d live, %d dead\n", before.ChunksLive, before.ChunksDead)
	logf("chunks after:  %d live, %d dead\n", after.ChunksLive, after.ChunksDead)
}

// txdemo exercises the transaction layer end to end: begin, write,
// read-your-own-write, commit, then a second transaction confirming
// the write is visible -- a smoke test for the MVCC layer rather than
// a real administrative operation.
func txdemo(path string) {
	s := openStore(path)
	defer s.Close()
	ts := mvcc.Open(s)
	defer ts.Close()

	tx := ts.Begin()
	m, err := tx.OpenMap("txdemo")
	if err != nil {
		exitf("open map: %s\n", err)
	}
	if err := m.Put([]byte("smoke"), []byte("ok")); err != nil {
		exitf("put: %s\n", err)
	}
	v, ok, err := m.Get([]byte("smoke"))
	if err != nil || !ok {
		exitf("read-your-own-write failed: ok=%v err=%v\n", ok, err)
	}
	logf("tx %s (id %d) read back %q before commit\n", tx.UUID(), tx.ID(), v)
	if err := tx.Commit(); err != nil {
		exitf("commit: %s\n", err)
	}

	tx2 := ts.Begin()
	defer tx2.Rollback()
	m2, err := tx2.OpenMap("txdemo")
	if err != nil {
		exitf("open map: %s\n", err)
	}
	v2, ok, err := m2.Get([]byte("smoke"))
	if err != nil || !ok || string(v2) != "ok" {
		exitf("committed write not visible to new transaction: %q %v %v\n", v2, ok, err)
	}
	fmt.Println("ok")
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s [-v] put <path> <map> <key> <value>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s [-v] get <path> <map> <key>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s [-v] remove <path> <map> <key>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s stats <path>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s [-v] compact <path> <max-millis>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s [-v] txdemo <path>\n", os.Args[0])
		os.Exit(1)
	}

	switch args[0] {
	case "put":
		if len(args) != 5 {
			exitf("usage: put <path> <map> <key> <value>\n")
		}
		put(args[1], args[2], args[3], args[4])
	case "get":
		if len(args) != 4 {
			exitf("usage: get <path> <map> <key>\n")
		}
		get(args[1], args[2], args[3])
	case "remove":
		if len(args) != 4 {
			exitf("usage: remove <path> <map> <key>\n")
		}
		remove(args[1], args[2], args[3])
	case "stats":
		if len(args) != 2 {
			exitf("usage: stats <path>\n")
		}
		stats(args[1])
	case "compact":
		if len(args) != 3 {
			exitf("usage: compact <path> <max-millis>\n")
		}
		var maxMillis int
		if _, err := fmt.Sscanf(args[2], "%d", &maxMillis); err != nil {
			exitf("invalid max-millis %q: %s\n", args[2], err)
		}
		compact(args[1], maxMillis)
	case "txdemo":
		if len(args) != 2 {
			exitf("usage: txdemo <path>\n")
		}
		txdemo(args[1])
	default:
		exitf("commands: put, get, remove, stats, compact, txdemo\n")
	}
}
