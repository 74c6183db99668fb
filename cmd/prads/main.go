package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"prads/internal/assets"
	"prads/internal/config"
	"prads/internal/dissect"
	"prads/internal/output"
	"prads/internal/receiver"
	"prads/internal/service"
	"prads/internal/store"
	"prads/internal/ui"
	"prads/internal/version"
)

var running int32 = 1

func main() {
	// ── CLI flags (long forms and their short aliases) ────────────────
	var dev string
	flag.StringVar(&dev, "d", "", "Capture interface")
	flag.StringVar(&dev, "dev", "", "Capture interface")
	flag.StringVar(&dev, "iface", "", "Capture interface (alias)")

	var configFile string
	flag.StringVar(&configFile, "c", "", "Configuration file (prads.conf or YAML)")
	flag.StringVar(&configFile, "config", "", "Configuration file")

	confDir := flag.String("confdir", "", "Directory holding configuration and signature files")

	var serviceSigs string
	flag.StringVar(&serviceSigs, "s", "", "TCP service signature file")
	flag.StringVar(&serviceSigs, "service-signatures", "", "TCP service signature file")

	var osSigs string
	flag.StringVar(&osSigs, "o", "", "OS fingerprint file (SYN)")
	flag.StringVar(&osSigs, "os-fingerprints", "", "OS fingerprint file (SYN)")

	pcapFile := flag.String("r", "", "Read packets from a pcap file instead of the wire")

	debugLevel := flag.Int("debug", 0, "Debug level (0-2)")
	verbose := flag.Bool("verbose", false, "Verbose output")
	dumpFlag := flag.Bool("dump", false, "Load all signature files, print them, exit")
	dumpDB := flag.Bool("dumpdb", false, "Print the persisted asset table, exit")
	daemonFlag := flag.Bool("daemon", false, "Turn terminal output off (the process does not detach)")
	arpFlag := flag.Bool("arp", true, "Track ARP assets")
	serviceTCPFlag := flag.Bool("service-tcp", true, "Match TCP service signatures")
	serviceUDPFlag := flag.Bool("service-udp", true, "Match UDP service signatures")
	osFlag := flag.Bool("os", true, "OS fingerprinting (SYN, SYN+ACK, ICMP, UDP)")
	dbSpec := flag.String("db", "", "Asset database, driver:dsn (sqlite:path, postgres:dsn)")
	bpfFlag := flag.String("bpfilter", "", "BPF filter expression")
	tuiFlag := flag.Bool("tui", false, "Live terminal view")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("prads version %s\n", version.Version)
		return
	}

	// ── Logging ───────────────────────────────────────────────────────
	level := zerolog.InfoLevel
	switch {
	case *debugLevel >= 2:
		level = zerolog.TraceLevel
	case *debugLevel == 1, *verbose:
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	// ── Configuration: defaults ← file ← flags ────────────────────────
	cfg := config.New(*confDir)
	if configFile == "" && *confDir != "" {
		if p := filepath.Join(*confDir, "prads.conf"); fileExists(p) {
			configFile = p
		}
	}
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			log.Fatal().Err(err).Msg("cannot load configuration")
		}
	}

	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if dev != "" {
		cfg.Interface = dev
	}
	if serviceSigs != "" {
		cfg.SigFileServTCP = serviceSigs
	}
	if osSigs != "" {
		cfg.SigFileSyn = osSigs
	}
	if *dbSpec != "" {
		cfg.DB = *dbSpec
	}
	if *bpfFlag != "" {
		cfg.BPFilter = *bpfFlag
	}
	if setFlags["daemon"] {
		cfg.Daemon = *daemonFlag
	}
	if setFlags["arp"] {
		cfg.ARP = *arpFlag
	}
	if setFlags["service-tcp"] {
		cfg.ServiceTCP = *serviceTCPFlag
	}
	if setFlags["service-udp"] {
		cfg.ServiceUDP = *serviceUDPFlag
	}
	if setFlags["os"] && !*osFlag {
		cfg.OSSynFingerprint = false
		cfg.OSSynAckFingerprint = false
		cfg.OSICMP = false
		cfg.OSUDP = false
	}

	if cfg.LogFile != "" {
		lf, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.LogFile).Msg("cannot open log file")
		}
		defer lf.Close()
		log = log.Output(lf)
	}

	// ── Early exits ───────────────────────────────────────────────────
	if *dumpDB {
		if cfg.DB == "" {
			log.Fatal().Msg("--dumpdb needs a db spec")
		}
		db, err := store.Open(cfg.DB, cfg.DBUsername, cfg.DBPassword, log)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open asset database")
		}
		defer db.Close()
		if err := db.Dump(os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("dump failed")
		}
		return
	}

	sigs, err := loadSignatures(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load signatures")
	}
	if *dumpFlag {
		dumpSignatures(os.Stdout, sigs)
		return
	}

	hostname, _ := os.Hostname()

	// ── Capture handle ────────────────────────────────────────────────
	var listener *receiver.Listener
	offline := *pcapFile != ""
	if offline {
		listener, err = receiver.NewFileListener(*pcapFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", *pcapFile).Msg("cannot open capture file")
		}
	} else {
		listener, err = receiver.NewListener(cfg.Interface)
		if err != nil {
			log.Warn().Err(err).Msg("fast capture path failed, falling back to pcap")
			listener, err = receiver.NewPcapListener(cfg.Interface)
			if err != nil {
				log.Fatal().Err(err).Str("iface", cfg.Interface).Msg("cannot open capture device")
			}
		}
		if err := listener.SetBPF(cfg.Interface, cfg.BPFilter); err != nil {
			log.Fatal().Err(err).Str("filter", cfg.BPFilter).Msg("cannot install BPF filter")
		}
	}
	defer listener.Close()

	// ── PID file + privilege drop (live capture only) ─────────────────
	if !offline {
		if cfg.PidFile != "" {
			if err := writePidFile(cfg.PidFile); err != nil {
				log.Warn().Err(err).Str("file", cfg.PidFile).Msg("cannot write pid file")
			} else {
				defer os.Remove(cfg.PidFile)
			}
		}
		if cfg.User != "" {
			if err := dropPrivileges(cfg.User, cfg.Group); err != nil {
				log.Fatal().Err(err).Msg("cannot drop privileges")
			}
			log.Info().Str("user", cfg.User).Msg("dropped privileges")
		}
	}

	// ── Persistence ───────────────────────────────────────────────────
	var db *store.DB
	if cfg.DB != "" {
		db, err = store.Open(cfg.DB, cfg.DBUsername, cfg.DBPassword, log)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open asset database")
		}
		defer db.Close()
	}

	// ── UI mode ───────────────────────────────────────────────────────
	uiMode := ui.ModeText
	switch {
	case cfg.Daemon:
		uiMode = ui.ModeSilent
	case *tuiFlag && isatty.IsTerminal(os.Stdout.Fd()):
		uiMode = ui.ModeTUI
	}

	events := make(chan ui.Event, 4096)
	emitEvent := func(ev ui.Event) {
		select {
		case events <- ev:
		default: // drop when the UI cannot keep up
		}
	}

	// ── Asset sinks and store ─────────────────────────────────────────
	sink := output.NewSink()
	if cfg.AssetLog != "" {
		fw, err := output.NewFileWriter(cfg.AssetLog)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.AssetLog).Msg("cannot open asset log")
		}
		sink.Add(fw)
	}
	if uiMode == ui.ModeText {
		sink.Add(output.NewLineWriter(os.Stdout))
	}

	assetStore := assets.NewStore(hostname, func(a *assets.Asset) {
		if err := sink.Write(a); err != nil {
			log.Error().Err(err).Msg("asset log write failed")
		}
		if uiMode == ui.ModeTUI {
			emitEvent(ui.Event{Type: ui.EvtAsset, Line: output.AssetLine(a)})
		}
	})

	sens := newSensor(cfg, sigs, assetStore, log)
	dissector := dissect.New(sens.hooks())

	// ── Signals and timers ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	var flushC <-chan time.Time
	if db != nil {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		flushC = ticker.C
	}

	start := time.Now()
	collectStats := func() ui.Stats {
		st := dissector.Stats()
		_, drops := listener.SocketStats()
		return ui.Stats{
			Frames: st.Frames, ARP: st.ARP, TCP: st.TCP, UDP: st.UDP, ICMP: st.ICMP,
			Drops: drops, Assets: assetStore.Len(), Elapsed: time.Since(start),
		}
	}
	dumpStats := func() {
		st := dissector.Stats()
		recv, drops := listener.SocketStats()
		log.Info().
			Uint64("frames", st.Frames).
			Uint64("arp", st.ARP).Uint64("ipv4", st.IPv4).
			Uint64("tcp", st.TCP).Uint64("udp", st.UDP).Uint64("icmp", st.ICMP).
			Uint64("other_ether", st.OtherEther).Uint64("other_proto", st.OtherProto).
			Uint64("fragments", st.Fragments).Uint64("truncated", st.Truncated).
			Uint64("sock_recv", recv).Uint64("sock_drop", drops).
			Int("assets", assetStore.Len()).
			Msg("capture statistics")
	}

	// ── UI ────────────────────────────────────────────────────────────
	var program *tea.Program
	if uiMode == ui.ModeTUI {
		model := ui.NewModel(cfg.Interface, cfg.BPFilter, &running)
		program = tea.NewProgram(model, tea.WithAltScreen())
		go func() {
			for ev := range events {
				program.Send(ev)
			}
		}()
		go func() {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for range t.C {
				if atomic.LoadInt32(&running) != 1 {
					return
				}
				program.Send(collectStats())
			}
		}()
	} else {
		go func() {
			for range events {
			}
		}()
	}

	if offline {
		log.Info().Str("file", *pcapFile).Msg("replaying capture file")
	} else {
		log.Info().Str("iface", cfg.Interface).Str("filter", cfg.BPFilter).
			Msgf("prads %s listening", version.Version)
	}

	// ── Capture loop ──────────────────────────────────────────────────
	// Signals never interrupt a frame: they queue on sigCh and the loop
	// drains them between reads, so matchers and the store need no
	// locking. The 500ms read timeout bounds signal latency when the
	// wire is quiet.
	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		for atomic.LoadInt32(&running) == 1 {
			select {
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					dumpStats()
				default:
					log.Info().Str("signal", sig.String()).Msg("shutting down")
					atomic.StoreInt32(&running, 0)
					continue
				}
			case <-flushC:
				if err := db.Flush(assetStore, time.Now().Unix()); err != nil {
					log.Error().Err(err).Msg("asset flush failed")
				}
			default:
			}

			data, ci, err := listener.Handle.ReadPacket()
			if err != nil {
				if errors.Is(err, io.EOF) {
					atomic.StoreInt32(&running, 0)
					break
				}
				continue // read timeout or transient error
			}
			dissector.Process(data, ci)
		}
	}()

	if program != nil {
		if _, err := program.Run(); err != nil {
			log.Error().Err(err).Msg("ui error")
		}
		atomic.StoreInt32(&running, 0)
	}
	<-captureDone

	// ── Shutdown: one final flush and commit ──────────────────────────
	if db != nil {
		if err := db.Flush(assetStore, time.Now().Unix()); err != nil {
			log.Error().Err(err).Msg("final asset flush failed")
		}
	}
	dumpStats()
	if err := sink.Close(); err != nil {
		log.Error().Err(err).Msg("closing asset log failed")
	}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// dumpSignatures prints every loaded database for --dump.
func dumpSignatures(w io.Writer, ss *sigSet) {
	dumpFP := func(name string, lines []string) {
		fmt.Fprintf(w, "# %s: %d signatures\n", name, len(lines))
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}
	if ss.syn != nil {
		dumpFP("tcp-syn", ss.syn.Lines)
	}
	if ss.synack != nil {
		dumpFP("tcp-synack", ss.synack.Lines)
	}
	if ss.icmp != nil {
		dumpFP("icmp", ss.icmp.Lines)
	}
	if ss.udpOS != nil {
		dumpFP("udp-os", ss.udpOS.Lines)
	}
	if ss.servTCP != nil {
		fmt.Fprintf(w, "# tcp services: %d signatures\n", ss.servTCP.Count())
		ss.servTCP.Each(func(s service.Sig) {
			fmt.Fprintf(w, "%s,v/%s,%s\n", s.Service, s.Template, s.Re.String())
		})
	}
	if ss.servUDP != nil && ss.servUDP != ss.servTCP {
		fmt.Fprintf(w, "# udp services: %d signatures\n", ss.servUDP.Count())
		ss.servUDP.Each(func(s service.Sig) {
			fmt.Fprintf(w, "%s,v/%s,%s\n", s.Service, s.Template, s.Re.String())
		})
	}
	if ss.mac != nil {
		fmt.Fprintf(w, "# mac prefixes: %d\n", ss.mac.Count)
	}
	fmt.Fprintf(w, "# mtu entries: %d\n", len(ss.mtu))
}
