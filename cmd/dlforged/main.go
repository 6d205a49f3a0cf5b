// dlforged is the reference CLI for the download engine: it wires a
// StateStore, the protocol adapters, and the DownloadEngine together,
// queues whatever URLs are given on the command line, and observes
// them to completion the way any external caller of the engine's
// public operations would.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dlforge/engine/internal/chunkfs"
	"github.com/dlforge/engine/internal/collab"
	"github.com/dlforge/engine/internal/config"
	"github.com/dlforge/engine/internal/eventbus"
	"github.com/dlforge/engine/internal/hooks"
	"github.com/dlforge/engine/internal/model"
	"github.com/dlforge/engine/internal/orchestrator"
	"github.com/dlforge/engine/internal/protocol"
	"github.com/dlforge/engine/internal/store"
	btorrent "github.com/dlforge/engine/internal/torrent"
	"github.com/dlforge/engine/internal/tui"
	"github.com/dlforge/engine/internal/ui"
	"github.com/dlforge/engine/internal/version"
)

const (
	exitSuccess      = 0
	exitGeneralError = 1
	exitParseError   = 2
	exitInterrupted  = 8
)

type cliFlags struct {
	configFile  string
	outputDir   string
	timeout     time.Duration
	proxy       string
	noCheckCert bool
	useTUI      bool
	quiet       bool
	onComplete  string
	onError     string
	webhookURL  string
	showVersion bool
	showHelp    bool
}

func main() {
	flags, urls := parseFlags()

	if flags.showVersion {
		fmt.Println(version.Full())
		os.Exit(exitSuccess)
	}
	if flags.showHelp || len(urls) == 0 {
		printUsage()
		if len(urls) == 0 && !flags.showHelp {
			os.Exit(exitParseError)
		}
		os.Exit(exitSuccess)
	}

	if len(urls) == 1 && (btorrent.IsMagnetURI(urls[0]) || btorrent.IsTorrentFile(urls[0])) {
		os.Exit(runTorrentDownload(flags, urls[0]))
	}

	os.Exit(run(flags, urls))
}

// runTorrentDownload drives a magnet/torrent-file source directly
// through the BitTorrent client, bypassing the StateStore-backed
// engine: a swarm has no single Range-addressable stream for a
// SourceAdapter to serve.
func runTorrentDownload(flags cliFlags, source string) int {
	cfg, err := config.LoadConfig(flags.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitParseError
	}

	outputDir := flags.outputDir
	if cfg.Protocol.Torrent.DataDir != "" {
		outputDir = cfg.Protocol.Torrent.DataDir
	}
	outputDir, err = filepath.Abs(outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving output directory: %v\n", err)
		return exitGeneralError
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		return exitGeneralError
	}

	tcfg := btorrent.DefaultConfig()
	tcfg.DownloadDir = outputDir
	tcfg.UserAgent = fmt.Sprintf("dlforge/%s", version.Version)

	client, err := btorrent.NewClient(tcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting torrent client: %v\n", err)
		return exitGeneralError
	}
	defer client.Close()

	var dl *btorrent.Download
	if btorrent.IsMagnetURI(source) {
		dl, err = client.AddMagnet(source)
	} else {
		dl, err = client.AddTorrentFile(source)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding torrent: %v\n", err)
		return exitGeneralError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err = client.Download(ctx, dl, func(p btorrent.Progress) {
		if !flags.quiet {
			fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%d peers, %d seeds)", p.Name, p.Percent, p.Peers, p.Seeds)
		}
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Torrent download error: %v\n", err)
		return exitGeneralError
	}
	return exitSuccess
}

func parseFlags() (cliFlags, []string) {
	var f cliFlags
	flag.StringVar(&f.configFile, "config", "", "Path to a YAML config file")
	flag.StringVar(&f.outputDir, "P", ".", "Output directory")
	flag.StringVar(&f.outputDir, "output-dir", ".", "Output directory")
	flag.DurationVar(&f.timeout, "timeout", 30*time.Second, "Connection timeout")
	flag.StringVar(&f.proxy, "proxy", "", "Proxy URL (http://host:port or socks5://host:port)")
	flag.BoolVar(&f.noCheckCert, "no-check-certificate", false, "Skip TLS certificate verification")
	flag.BoolVar(&f.useTUI, "tui", false, "Use the interactive TUI observer (single download only)")
	flag.BoolVar(&f.quiet, "q", false, "Suppress progress output")
	flag.BoolVar(&f.quiet, "quiet", false, "Suppress progress output")
	flag.StringVar(&f.onComplete, "on-complete", "", "Command to run after a successful download")
	flag.StringVar(&f.onError, "on-error", "", "Command to run after a failed download")
	flag.StringVar(&f.webhookURL, "webhook", "", "Webhook URL for download lifecycle notifications")
	flag.BoolVar(&f.showVersion, "V", false, "Show version")
	flag.BoolVar(&f.showVersion, "version", false, "Show version")
	flag.BoolVar(&f.showHelp, "h", false, "Show help")
	flag.BoolVar(&f.showHelp, "help", false, "Show help")
	flag.Usage = printUsage
	flag.Parse()
	return f, flag.Args()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] URL [URL...]\n\n", os.Args[0])
	flag.PrintDefaults()
}

func run(flags cliFlags, urls []string) int {
	cfg, err := config.LoadConfig(flags.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitParseError
	}
	applyCLIOverrides(cfg, flags)

	if cfg.Logging.File != "" {
		logFile, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			return exitGeneralError
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	baseDir, err := filepath.Abs(flags.outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving output directory: %v\n", err)
		return exitGeneralError
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		return exitGeneralError
	}

	st, err := store.Open(filepath.Join(baseDir, ".dlforge", "state.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state store: %v\n", err)
		return exitGeneralError
	}
	defer st.Close()

	registry := buildRegistry(cfg, flags)
	bus := eventbus.New(100 * time.Millisecond)
	bindHooks(cfg, bus, st)

	eng := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Store:    st,
		Chunks:   chunkfs.New(filepath.Join(baseDir, ".dlforge", "chunks")),
		Registry: registry,
		Bus:      bus,
		Catalog:  collab.NewStaticCatalogProvider(nil),
		Resolver: collab.DefaultSavePathResolver{},
		BaseDir:  baseDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, pausing active downloads...")
		eng.PauseAll()
		cancel()
	}()

	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
		return exitGeneralError
	}
	defer eng.Stop()

	ids := make([]int64, 0, len(urls))
	for _, u := range urls {
		dl, err := eng.AddDownload(store.AddDownloadInput{
			Title: filepath.Base(strings.TrimRight(u, "/")),
			URL:   u,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error queuing %s: %v\n", u, err)
			continue
		}
		ids = append(ids, dl.ID)
	}
	if len(ids) == 0 {
		return exitGeneralError
	}

	if flags.useTUI && len(ids) == 1 {
		return runTUI(bus, st, ids[0])
	}
	return watch(ctx, st, ids, flags.quiet, cfg.Output)
}

func applyCLIOverrides(cfg *config.Config, flags cliFlags) {
	if flags.timeout > 0 {
		cfg.Network.Timeout = flags.timeout
	}
	if flags.proxy != "" {
		cfg.Proxy.HTTP = flags.proxy
	}
	if flags.noCheckCert {
		cfg.TLS.Verify = false
	}
	if flags.onComplete != "" {
		cfg.Hooks.OnComplete = flags.onComplete
	}
	if flags.onError != "" {
		cfg.Hooks.OnError = flags.onError
	}
	if flags.webhookURL != "" {
		cfg.Hooks.WebhookURL = flags.webhookURL
	}
}

func buildRegistry(cfg *config.Config, flags cliFlags) *protocol.Registry {
	userAgent := cfg.General.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("dlforge/%s", version.Version)
	}
	httpOpts := []protocol.HTTPClientOption{
		protocol.WithTimeout(cfg.Network.Timeout),
		protocol.WithUserAgent(userAgent),
	}
	if strings.HasPrefix(cfg.Proxy.HTTP, "socks5://") {
		httpOpts = append(httpOpts, protocol.WithSOCKS5Proxy(cfg.Proxy.HTTP, nil))
	} else if cfg.Proxy.HTTP != "" || cfg.Proxy.HTTPS != "" {
		httpOpts = append(httpOpts, protocol.WithProxyConfig(cfg.Proxy.HTTP, cfg.Proxy.HTTPS, cfg.Proxy.NoProxy))
	}
	if !cfg.TLS.Verify {
		httpOpts = append(httpOpts, protocol.WithInsecureSkipVerify(true))
	} else if tlsCfg, err := buildTLSConfig(cfg.TLS); err == nil && tlsCfg != nil {
		httpOpts = append(httpOpts, protocol.WithTLSConfig(tlsCfg))
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring invalid TLS config: %v\n", err)
	}

	httpClient := protocol.NewHTTPClient(httpOpts...)
	ftpClient := protocol.NewFTPClient(protocol.WithFTPPassive(cfg.Protocol.FTP.Passive))

	var sftpOpts []protocol.SFTPClientOption
	if cfg.Protocol.SFTP.KnownHostsPath != "" {
		sftpOpts = append(sftpOpts, protocol.WithSFTPInsecure(false), protocol.WithSFTPKnownHosts(cfg.Protocol.SFTP.KnownHostsPath))
	}
	sftpClient := protocol.NewSFTPClient(sftpOpts...)

	adapters := []protocol.SourceAdapter{}
	if cfg.Protocol.HTTP3.Enabled {
		http3Client := protocol.NewHTTP3Client(
			protocol.WithHTTP3Timeout(cfg.Network.Timeout),
			protocol.WithHTTP3UserAgent(userAgent),
		)
		adapters = append(adapters, &protocol.HTTP3Adapter{Client: http3Client})
	}
	adapters = append(adapters,
		&protocol.HTTPAdapter{Client: httpClient},
		&protocol.FTPAdapter{Client: ftpClient},
		&protocol.SFTPAdapter{Client: sftpClient},
	)

	return protocol.NewRegistry(adapters...)
}

// buildTLSConfig translates the TLS config section into a *tls.Config,
// returning (nil, nil) when nothing beyond the default is requested.
func buildTLSConfig(tc config.TLSConfig) (*tls.Config, error) {
	if tc.MinVersion == "" && tc.CABundle == "" && tc.ClientCert == "" {
		return nil, nil
	}

	out := &tls.Config{}
	switch tc.MinVersion {
	case "", "1.2":
		out.MinVersion = tls.VersionTLS12
	case "1.3":
		out.MinVersion = tls.VersionTLS13
	case "1.0":
		out.MinVersion = tls.VersionTLS10
	case "1.1":
		out.MinVersion = tls.VersionTLS11
	default:
		return nil, fmt.Errorf("unknown tls.min_version %q", tc.MinVersion)
	}

	if tc.CABundle != "" {
		pem, err := os.ReadFile(tc.CABundle)
		if err != nil {
			return nil, fmt.Errorf("reading ca_bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_bundle %s contains no usable certificates", tc.CABundle)
		}
		out.RootCAs = pool
	}

	if tc.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(tc.ClientCert, tc.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client cert/key: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}

	return out, nil
}

func bindHooks(cfg *config.Config, bus *eventbus.Bus, st *store.StateStore) {
	mgr := hooks.NewManager()
	if cfg.Hooks.OnComplete != "" {
		mgr.AddCommand(cfg.Hooks.OnComplete, hooks.EventComplete)
	}
	if cfg.Hooks.OnError != "" {
		mgr.AddCommand(cfg.Hooks.OnError, hooks.EventError)
	}
	if cfg.Hooks.WebhookURL != "" {
		mgr.AddWebhook(cfg.Hooks.WebhookURL, hooks.EventComplete, hooks.EventError)
	}
	mgr.Bind(bus, st)
}

func runTUI(bus *eventbus.Bus, st *store.StateStore, id int64) int {
	dl, ok := st.GetDownload(id)
	if !ok {
		return exitGeneralError
	}
	runner := tui.NewRunner(dl.URL, filepath.Base(dl.SavePath), dl.TotalBytes, 1)
	runner.Bind(bus, st, id)
	if err := runner.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return exitGeneralError
	}
	final, _ := st.GetDownload(id)
	if final.State == model.StateCompleted {
		return exitSuccess
	}
	return exitGeneralError
}

// watch polls the snapshot at a fixed interval, printing each tracked
// download's progress, until every id reaches a terminal state or ctx
// is cancelled.
func watch(ctx context.Context, st *store.StateStore, ids []int64, quiet bool, out config.OutputConfig) int {
	bar := ui.NewProgressBar(ui.WithChunks(true), ui.WithNoColor(!out.Colors))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	pending := make(map[int64]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	for {
		select {
		case <-ctx.Done():
			return exitInterrupted
		case <-ticker.C:
			for id := range pending {
				dl, ok := st.GetDownload(id)
				if !ok {
					delete(pending, id)
					continue
				}
				if !quiet {
					printProgress(bar, dl)
				}
				if dl.State.IsTerminal() {
					delete(pending, id)
				}
			}
			if len(pending) == 0 {
				return exitStatusFor(st, ids)
			}
		}
	}
}

func printProgress(bar *ui.ProgressBar, dl model.Download) {
	percent := float64(0)
	if dl.TotalBytes > 0 {
		percent = float64(dl.DownloadedBytes) / float64(dl.TotalBytes) * 100
	}
	p := ui.Progress{
		Percent:    percent,
		Downloaded: dl.DownloadedBytes,
		TotalSize:  dl.TotalBytes,
	}
	switch dl.State {
	case model.StateCompleted:
		bar.RenderComplete(os.Stdout, p, dl.Title)
	case model.StateFailed:
		bar.RenderError(os.Stdout, dl.Title, fmt.Errorf("%s", dl.LastError))
	default:
		bar.Render(os.Stdout, p, dl.Title)
	}
}

func exitStatusFor(st *store.StateStore, ids []int64) int {
	for _, id := range ids {
		dl, ok := st.GetDownload(id)
		if !ok || dl.State != model.StateCompleted {
			return exitGeneralError
		}
	}
	return exitSuccess
}
