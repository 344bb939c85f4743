package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/alimasry/go-canvas-sync/bridge"
	"github.com/alimasry/go-canvas-sync/cache"
	"github.com/alimasry/go-canvas-sync/records"
	"github.com/alimasry/go-canvas-sync/session"
)

const CanvasCtlVersion = "0.1.0"

func main() {
	usage := `Canvas control.

Edits a shared canvas room from the command line. Without --relay the room
lives only in the local cache.

Usage:
    canvasctl rooms [--cache=<path>]
    canvasctl list --room=<room> [--relay=<url>] [--cache=<path>] [--wait=<duration>]
    canvasctl add --room=<room> [--relay=<url>] [--cache=<path>] [--wait=<duration>]
        [--geo=<geo>] [--w=<w>] [--h=<h>] <x> <y>
    canvasctl move --room=<room> [--relay=<url>] [--cache=<path>] [--wait=<duration>] <id> <x> <y>
    canvasctl remove --room=<room> [--relay=<url>] [--cache=<path>] [--wait=<duration>] <id>...
    canvasctl watch --room=<room> [--relay=<url>] [--cache=<path>]

Options:
    -h --help             Show this screen.
    --version             Show version.
    --room=<room>         Room id.
    --relay=<url>         Relay url, e.g. ws://localhost:8080
    --cache=<path>        Local cache file [default: ~/.canvasctl/cache.db].
    --wait=<duration>     How long to wait for the relay snapshot [default: 5s].
    --geo=<geo>           Shape geometry [default: rectangle].
    --w=<w>               Shape width [default: 100].
    --h=<h>               Shape height [default: 100].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasCtlVersion)
	if err != nil {
		panic(err)
	}
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	var cmdErr error
	if rooms_, _ := opts.Bool("rooms"); rooms_ {
		cmdErr = listRooms(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		cmdErr = withSession(opts, list)
	} else if add_, _ := opts.Bool("add"); add_ {
		cmdErr = withSession(opts, add)
	} else if move_, _ := opts.Bool("move"); move_ {
		cmdErr = withSession(opts, move)
	} else if remove_, _ := opts.Bool("remove"); remove_ {
		cmdErr = withSession(opts, remove)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		cmdErr = withSession(opts, watch)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "canvasctl: %v\n", cmdErr)
		glog.Flush()
		os.Exit(1)
	}
}

func openCache(opts docopt.Opts) (*cache.Cache, error) {
	path, _ := opts.String("--cache")
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, path[2:])
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return cache.Open(path)
}

func listRooms(opts docopt.Opts) error {
	c, err := openCache(opts)
	if err != nil {
		return err
	}
	defer c.Close()
	rooms, err := c.Rooms()
	if err != nil {
		return err
	}
	for _, r := range rooms {
		fmt.Printf("%s\t%s\t%d bytes\n", r.RoomID, r.DocumentID, r.Size)
	}
	return nil
}

func withSession(opts docopt.Opts, fn func(docopt.Opts, *session.Session) error) error {
	c, err := openCache(opts)
	if err != nil {
		return err
	}
	defer c.Close()

	roomID, _ := opts.String("--room")
	relay, _ := opts.String("--relay")
	s, err := session.Join(context.Background(), session.Config{
		RoomID:   roomID,
		RelayURL: relay,
		Cache:    c,
		Metadata: map[string]any{"client": "canvasctl"},
	}, records.NewStore(nil), nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if relay != "" {
		wait := 5 * time.Second
		if w, _ := opts.String("--wait"); w != "" {
			if wait, err = time.ParseDuration(w); err != nil {
				return fmt.Errorf("--wait: %w", err)
			}
		}
		waitSettled(s, wait)
	}
	if status := s.Status(); status.State == bridge.StateNotSynced {
		return fmt.Errorf("room %s not synced: %v", roomID, status.Err)
	}
	return fn(opts, s)
}

// waitSettled waits for the relay snapshot to be merged, or gives up and
// carries on with the local copy.
func waitSettled(s *session.Session, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch s.Status().State {
		case bridge.StateSynced, bridge.StateNotSynced:
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	glog.Infof("[canvasctl]relay not reached within %s, using the local copy", timeout)
}

func list(opts docopt.Opts, s *session.Session) error {
	all := s.Store().AllRecords()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, r := range all {
		fmt.Println(describe(r))
	}
	return nil
}

func add(opts docopt.Opts, s *session.Session) error {
	x, y, err := coords(opts)
	if err != nil {
		return err
	}
	geo, _ := opts.String("--geo")
	w, err := number(opts, "--w")
	if err != nil {
		return err
	}
	h, err := number(opts, "--h")
	if err != nil {
		return err
	}

	id := records.NewID("shape", ulid.Make().String())
	r := records.New(id, "shape", map[string]any{
		"type": "geo", "x": x, "y": y, "rotation": 0, "isLocked": false, "opacity": 1,
		"parentId": pageOf(s), "index": "a1",
		"props": map[string]any{"geo": geo, "w": w, "h": h, "color": "black", "fill": "none", "text": ""},
		"meta":  map[string]any{},
	})
	s.Store().Put(r)
	s.Bridge().Flush()
	fmt.Println(id)
	return nil
}

func move(opts docopt.Opts, s *session.Session) error {
	ids := idArgs(opts)
	if len(ids) != 1 {
		return fmt.Errorf("move takes one id")
	}
	x, y, err := coords(opts)
	if err != nil {
		return err
	}
	id := ids[0]
	r, ok := s.Store().Get(id)
	if !ok {
		return fmt.Errorf("no record %s", id)
	}
	s.Store().Put(r.With("x", x).With("y", y))
	s.Bridge().Flush()
	return nil
}

func remove(opts docopt.Opts, s *session.Session) error {
	ids := idArgs(opts)
	for _, id := range ids {
		if !s.Store().Has(id) {
			return fmt.Errorf("no record %s", id)
		}
	}
	s.Store().Remove(ids...)
	s.Bridge().Flush()
	return nil
}

func watch(opts docopt.Opts, s *session.Session) error {
	s.OnStatus(func(status bridge.Status) {
		fmt.Printf("# status %s (%s)\n", status.State, status.Connection)
	})
	stop := s.Store().Listen(func(ev records.ChangeEvent) {
		for _, r := range ev.Changes.Added {
			fmt.Printf("+ %s\n", describe(r))
		}
		for _, u := range ev.Changes.Updated {
			fmt.Printf("~ %s\n", describe(u.After))
		}
		for id := range ev.Changes.Removed {
			fmt.Printf("- %s\n", id)
		}
	}, records.ListenOptions{Scope: records.ScopeDocument, Source: records.SourceRemote})
	defer stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func describe(r records.Record) string {
	x, okX := r.Number("x")
	y, okY := r.Number("y")
	if okX && okY {
		return fmt.Sprintf("%s\t%s\t(%g, %g)", r.ID, r.TypeName, x, y)
	}
	data, _ := json.Marshal(r.Fields)
	return fmt.Sprintf("%s\t%s\t%s", r.ID, r.TypeName, data)
}

// pageOf returns the first page in the room, or the default page id.
func pageOf(s *session.Session) string {
	var pages []string
	for _, r := range s.Store().AllRecords() {
		if r.ID.Collection() == "page" {
			pages = append(pages, string(r.ID))
		}
	}
	if len(pages) == 0 {
		return "page:page"
	}
	sort.Strings(pages)
	return pages[0]
}

// idArgs reads <id>, which docopt returns as a list because remove repeats it.
func idArgs(opts docopt.Opts) []records.ID {
	var raw []string
	switch v := opts["<id>"].(type) {
	case []string:
		raw = v
	case string:
		raw = []string{v}
	}
	ids := make([]records.ID, 0, len(raw))
	for _, r := range raw {
		ids = append(ids, records.ID(r))
	}
	return ids
}

func coords(opts docopt.Opts) (float64, float64, error) {
	x, err := number(opts, "<x>")
	if err != nil {
		return 0, 0, err
	}
	y, err := number(opts, "<y>")
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func number(opts docopt.Opts, key string) (float64, error) {
	raw, _ := opts.String(key)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
