package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	what := fs.String("what", "state", "state|tiles")
	_ = fs.Parse(args)

	var path string
	switch *what {
	case "state":
		path = "/admin/v1/state"
	case "tiles":
		path = "/admin/v1/tiles"
	default:
		fmt.Fprintln(os.Stderr, "unknown -what:", *what)
		os.Exit(2)
	}

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + path
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func invalidateCmd(args []string) {
	fs := flag.NewFlagSet("invalidate", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	level := fs.Uint("level", 0, "tile level")
	x := fs.Int("x", 0, "tile x")
	y := fs.Int("y", 0, "tile y")
	z := fs.Int("z", 0, "tile z")
	_ = fs.Parse(args)

	q := url.Values{}
	q.Set("level", strconv.FormatUint(uint64(*level), 10))
	q.Set("x", strconv.Itoa(*x))
	q.Set("y", strconv.Itoa(*y))
	q.Set("z", strconv.Itoa(*z))
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/invalidate?" + q.Encode()
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Post(u, "application/json", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
