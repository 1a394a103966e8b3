package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/log"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/snapshot"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/tilestore"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "tiles":
			tilesCmd(os.Args[2:])
			return
		case "stats":
			statsCmd(os.Args[2:])
			return
		case "mirror":
			mirrorCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "invalidate":
			invalidateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name() + "/")
			continue
		}
		fmt.Println(e.Name())
	}
}

func tilesCmd(args []string) {
	fs := flag.NewFlagSet("tiles", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	storePath := fs.String("store", "", "tile store path (optional; defaults to <data>/tiles.bolt)")
	level := fs.Int("level", -1, "list stored tiles of this level")
	limit := fs.Int("limit", 50, "listing limit")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*storePath)
	if path == "" {
		path = filepath.Join(*dataDir, "tiles.bolt")
	}
	st, err := tilestore.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open (is the server still running?):", err)
		os.Exit(1)
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		fmt.Fprintln(os.Stderr, "stats:", err)
		os.Exit(1)
	}
	maxTS, _ := st.MaxTimestamp()
	printJSON(map[string]any{"path": path, "tiles": stats.Tiles, "bytes": stats.Bytes, "max_timestamp": maxTS})

	if *level < 0 {
		return
	}
	if *level >= tile.MaxLevels {
		fmt.Fprintf(os.Stderr, "level must be < %d\n", tile.MaxLevels)
		os.Exit(2)
	}
	n := 0
	err = st.Range(uint8(*level), func(e tilestore.Entry) bool {
		printJSON(e)
		n++
		return *limit <= 0 || n < *limit
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "range:", err)
		os.Exit(1)
	}
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	session := fs.String("session", "", "only reports of this session id")
	last := fs.Int("last", 0, "only the newest N files (0 = all)")
	_ = fs.Parse(args)

	files, err := statsFiles(filepath.Join(*dataDir, "stats"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	if *last > 0 && len(files) > *last {
		files = files[len(files)-*last:]
	}
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line json.RawMessage) error {
			if *session != "" {
				var head struct {
					SessionID string `json:"session_id"`
				}
				if err := json.Unmarshal(line, &head); err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(path), err)
				}
				if head.SessionID != *session {
					return nil
				}
			}
			fmt.Println(string(line))
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
}

// statsFiles lists the hourly stats logs in dir, oldest first.
func statsFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "stats-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}

func mirrorCmd(args []string) {
	fs := flag.NewFlagSet("mirror", flag.ExitOnError)
	headerOnly := fs.Bool("header", false, "print only the header")
	listTiles := fs.Bool("tiles", false, "print every tile")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin mirror [-header] [-tiles] <dump.snap.zst>")
		os.Exit(2)
	}
	path := fs.Arg(0)

	if *headerOnly {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read header:", err)
			os.Exit(1)
		}
		printJSON(h)
		return
	}
	dump, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printJSON(dump.Header)
	for _, l := range summarizeDump(dump) {
		printJSON(l)
	}
	if *listTiles {
		for _, t := range dump.Tiles {
			printJSON(map[string]any{
				"level": t.Level, "x": t.X, "y": t.Y, "z": t.Z,
				"timestamp": t.Timestamp, "empty": t.Empty, "bytes": len(t.Payload),
			})
		}
	}
}

type levelSummary struct {
	Level    uint8 `json:"level"`
	Tiles    int   `json:"tiles"`
	WithData int   `json:"with_data"`
	Bytes    int   `json:"bytes"`
	MaxTS    int64 `json:"max_timestamp"`
}

func summarizeDump(dump snapshot.MirrorV1) []levelSummary {
	by := map[uint8]*levelSummary{}
	for _, t := range dump.Tiles {
		s := by[t.Level]
		if s == nil {
			s = &levelSummary{Level: t.Level}
			by[t.Level] = s
		}
		s.Tiles++
		if !t.Empty {
			s.WithData++
			s.Bytes += len(t.Payload)
		}
		if t.Timestamp > s.MaxTS {
			s.MaxTS = t.Timestamp
		}
	}
	out := make([]levelSummary, 0, len(by))
	for _, s := range by {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}
