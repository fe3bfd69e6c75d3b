package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/2bc4/twitchls"
	"github.com/2bc4/twitchls/ctxdebugfs"
	"github.com/2bc4/twitchls/ctxlogger"
	"github.com/2bc4/twitchls/output"
	"github.com/2bc4/twitchls/usher"
)

type cliArgs struct {
	servers          string
	player           string
	playerArgs       string
	record           string
	overwrite        bool
	tcpAddr          string
	tcpClientTimeout time.Duration
	clientID         string
	authToken        string
	neverProxy       string
	codecs           string
	noLowLatency     bool
	noKill           bool
	passthrough      bool
	quiet            bool
	debug            bool
	debugDir         string
	httpRetries      int
	httpTimeout      time.Duration
	configPath       string
	noConfig         bool
	printVersion     bool

	channel string
	quality string
}

func parseArgs() (*cliArgs, error) {
	a := &cliArgs{}
	fs := flag.NewFlagSet("twitchls", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: twitchls [options] <channel> [quality]\n\n")
		fs.PrintDefaults()
	}

	fs.StringVar(&a.servers, "s", "", "comma separated playlist proxy servers, [channel] is substituted")
	fs.StringVar(&a.player, "p", "", "player command to spawn")
	fs.StringVar(&a.playerArgs, "a", "-", "arguments passed to the player")
	fs.StringVar(&a.record, "r", "", "record the raw stream to this file")
	fs.BoolVar(&a.overwrite, "overwrite", false, "overwrite the record file if it exists")
	fs.StringVar(&a.tcpAddr, "t", "", "serve the raw stream to TCP clients on this address")
	fs.DurationVar(&a.tcpClientTimeout, "tcp-client-timeout", 30*time.Second, "write timeout before a TCP client is dropped")
	fs.StringVar(&a.clientID, "client-id", "", "client id used for the access token request")
	fs.StringVar(&a.authToken, "auth-token", "", "user OAuth token")
	fs.StringVar(&a.neverProxy, "never-proxy", "", "comma separated channels that never use proxy servers")
	fs.StringVar(&a.codecs, "codecs", "av1,h265,h264", "supported codecs")
	fs.BoolVar(&a.noLowLatency, "no-low-latency", false, "disable low latency streaming")
	fs.BoolVar(&a.noKill, "no-kill", false, "leave the player running on exit")
	fs.BoolVar(&a.passthrough, "passthrough", false, "pass the variant playlist URL to the player (or print it without -p) and exit")
	fs.BoolVar(&a.quiet, "q", false, "silence player output")
	fs.BoolVar(&a.debug, "d", false, "enable debug logging")
	fs.StringVar(&a.debugDir, "debug-dir", "", "dump fetched playlists into this directory")
	fs.IntVar(&a.httpRetries, "http-retries", 3, "total attempts per fetch, the first one included")
	fs.DurationVar(&a.httpTimeout, "http-timeout", 10*time.Second, "timeout for a single HTTP request")
	fs.StringVar(&a.configPath, "c", "", "config file path")
	fs.BoolVar(&a.noConfig, "no-config", false, "skip loading the config file")
	fs.BoolVar(&a.printVersion, "V", false, "print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	if a.printVersion {
		fmt.Printf("twitchls %s\n", version())
		os.Exit(0)
	}

	if !a.noConfig {
		if err := applyConfig(fs, a.configPath); err != nil {
			return nil, err
		}
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return nil, fmt.Errorf("missing channel argument")
	}
	a.channel = strings.ToLower(strings.TrimPrefix(fs.Arg(0), "twitch.tv/"))
	a.quality = fs.Arg(1)
	if a.quality == "" {
		a.quality = "best"
	}
	return a, nil
}

// applyConfig loads KEY=value defaults from the config file. Flags given on
// the command line always win over the file.
func applyConfig(fs *flag.FlagSet, path string) error {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(dir, "twitchls", "config")
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var applyErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || applyErr != nil {
			return
		}
		if v, ok := values[f.Name]; ok {
			if err := fs.Set(f.Name, v); err != nil {
				applyErr = fmt.Errorf("config %s: %w", f.Name, err)
			}
		}
	})
	return applyErr
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func run() int {
	a, err := parseArgs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := ctxlogger.NewStdIOLogger(a.debug)
	ctx := ctxlogger.WithLogger(context.Background(), log)
	if a.debugDir != "" {
		if err := os.MkdirAll(a.debugDir, 0o755); err != nil {
			log.Errorf("%v", err)
			return 1
		}
		ctx = ctxdebugfs.WithDebugFS(ctx, ctxdebugfs.NewOSDebugFS(a.debugDir))
	}

	servers := splitComma(a.servers)
	for _, never := range splitComma(a.neverProxy) {
		if never == a.channel {
			servers = nil
			break
		}
	}

	hc := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: a.httpTimeout,
		},
	}

	variant, err := usher.Resolve(ctx, hc, a.channel, usher.Options{
		ClientID:    a.clientID,
		AuthToken:   a.authToken,
		Servers:     servers,
		Codecs:      a.codecs,
		Quality:     a.quality,
		LowLatency:  !a.noLowLatency,
		HTTPRetries: a.httpRetries,
		HTTPTimeout: a.httpTimeout,
	})
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	if variant.LowLatency {
		log.Printf("low latency streaming")
	}

	if a.passthrough {
		if a.player != "" {
			if err := output.Passthrough(log, a.player, a.playerArgs, a.quiet, variant.URL.String()); err != nil {
				log.Errorf("%v", err)
				return 1
			}
			return 0
		}
		fmt.Println(variant.URL)
		return 0
	}

	bus, tcpServer, err := buildOutputs(log, a)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}

	session := twitchls.Start(ctx, hc, variant.URL, bus, twitchls.Options{
		LowLatency:       variant.LowLatency,
		HTTPRetries:      a.httpRetries,
		HTTPTimeout:      a.httpTimeout,
		TCPClientTimeout: a.tcpClientTimeout,
		NoKill:           a.noKill,
		RecordOverwrite:  a.overwrite,
	})

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	if tcpServer != nil {
		go func() {
			if err := tcpServer.Serve(serveCtx, bus); err != nil {
				log.Errorf("TCP server: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("interrupted, shutting down")
		session.Stop()
	}()

	reason := session.Wait()
	stopServe()
	if err := session.Err(); err != nil && reason != twitchls.ExitInterrupted {
		log.Errorf("%v", err)
	}
	log.Printf("exiting: %s", reason)
	return reason.Code()
}

// buildOutputs wires the sinks the user asked for into a bus. At least one
// output must be configured.
func buildOutputs(log ctxlogger.Logger, a *cliArgs) (*output.Bus, *output.TCPServer, error) {
	bus := output.NewBus(log)
	configured := false

	if a.player != "" {
		player, err := output.SpawnPlayer(log, a.player, a.playerArgs, a.quiet, a.noKill)
		if err != nil {
			return nil, nil, err
		}
		bus.Attach(player)
		configured = true
	}
	if a.record != "" {
		rec, err := output.OpenRecorder(log, a.record, a.overwrite)
		if err != nil {
			return nil, nil, err
		}
		bus.Attach(rec)
		configured = true
	}

	var tcpServer *output.TCPServer
	if a.tcpAddr != "" {
		var err error
		tcpServer, err = output.ListenTCP(log, a.tcpAddr, a.tcpClientTimeout)
		if err != nil {
			return nil, nil, err
		}
		// must happen before the session starts so an empty bus pauses
		// instead of closing
		bus.ExpectClients()
		configured = true
	}

	if !configured {
		return nil, nil, fmt.Errorf("no output configured, set -p, -r or -t")
	}
	return bus, tcpServer, nil
}

func main() {
	os.Exit(run())
}
