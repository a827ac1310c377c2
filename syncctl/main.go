package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/Riko5652/geneva-guide-main-sub001/guidesync"
)

const SyncCtlVersion = "0.0.1"

const DefaultApiUrl = "https://api.geneva-guide.app"
const DefaultConnectUrl = "wss://sync.geneva-guide.app"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Guide sync control.

The default urls are:
    api_url: %s
    connect_url: %s

Send SIGHUP to a running watch to force an immediate reconnect
(the same path the app takes on an "online" signal).

Usage:
    syncctl identity [--api_url=<api_url>]
    syncctl watch [--api_url=<api_url>] [--connect_url=<connect_url>]
        [--jwt=<jwt>]
        --guide=<guide_id>
    syncctl write [--api_url=<api_url>] [--jwt=<jwt>]
        --guide=<guide_id>
        <section> <json>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --guide=<guide_id>               Guide document id.
    --jwt=<jwt>                      Guide token. Use - to paste it hidden.`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if identity_, _ := opts.Bool("identity"); identity_ {
		identity(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if write_, _ := opts.Bool("write"); write_ {
		write(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return DefaultApiUrl
}

func connectUrl(opts docopt.Opts) string {
	if connectUrl, err := opts.String("--connect_url"); err == nil && connectUrl != "" {
		return connectUrl
	}
	return DefaultConnectUrl
}

func jwt(opts docopt.Opts) string {
	byJwt, err := opts.String("--jwt")
	if err != nil || byJwt == "" {
		return ""
	}
	if byJwt == "-" {
		fmt.Print("Guide token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		return strings.TrimSpace(string(tokenBytes))
	}
	return byJwt
}

func newStore(ctx context.Context, opts docopt.Opts) *guidesync.WsStore {
	api := guidesync.NewGuideApiWithContext(ctx, apiUrl(opts))
	store := guidesync.NewWsStoreWithDefaults(ctx, api, connectUrl(opts))
	if byJwt := jwt(opts); byJwt != "" {
		store.SetIdentity(&guidesync.Identity{
			ByJwt:      byJwt,
			InstanceId: guidesync.NewId(),
		})
	}
	return store
}

func identity(opts docopt.Opts) {
	ctx := context.Background()
	store := newStore(ctx, opts)

	identity, err := store.AcquireIdentity(ctx)
	if err != nil {
		Err.Fatalf("identity error = %s", err)
	}

	Out.Printf("%s", identity.ByJwt)
	if guideJwt, err := guidesync.ParseGuideJwtUnverified(identity.ByJwt); err == nil {
		Err.Printf("guide_id=%s anonymous=%t", guideJwt.GuideId, guideJwt.Anonymous)
	}
}

func watch(opts docopt.Opts) {
	guideId, err := opts.String("--guide")
	if err != nil {
		panic(err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newStore(cancelCtx, opts)

	monitor := guidesync.NewConnectivityMonitor()
	settings := guidesync.DefaultSyncControllerSettings()
	settings.Connectivity = monitor
	settings.Notice = func(level guidesync.NoticeLevel, message string) {
		Err.Printf("[%s] %s", level, message)
	}

	controller := guidesync.NewSyncController(
		cancelCtx,
		store,
		guideId,
		func(doc guidesync.Document) {
			docJson, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				Err.Printf("render error = %s", err)
				return
			}
			Out.Printf("%s", docJson)
		},
		settings,
	)
	controller.Start()
	defer controller.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			monitor.SignalOnline()
			continue
		}
		return
	}
}

func write(opts docopt.Opts) {
	guideId, err := opts.String("--guide")
	if err != nil {
		panic(err)
	}
	section, err := opts.String("<section>")
	if err != nil {
		panic(err)
	}
	valueJson, err := opts.String("<json>")
	if err != nil {
		panic(err)
	}

	var value any
	if err := json.Unmarshal([]byte(valueJson), &value); err != nil {
		Err.Fatalf("bad json for section %s = %s", section, err)
	}

	ctx := context.Background()
	store := newStore(ctx, opts)

	if _, err := store.AcquireIdentity(ctx); err != nil {
		Err.Fatalf("identity error = %s", err)
	}

	if err := store.WriteFields(ctx, guideId, guidesync.Document{section: value}); err != nil {
		Err.Fatalf("write error = %s", err)
	}
	Out.Printf("wrote %s.%s", guideId, section)
}
