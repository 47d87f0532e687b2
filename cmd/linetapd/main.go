package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/linetap/internal/bridge"
	"example.com/linetap/internal/common"
	"example.com/linetap/internal/logcsv"
	"example.com/linetap/internal/rules"
	"example.com/linetap/internal/serialio"
	"example.com/linetap/internal/server"
	"example.com/linetap/internal/sink"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type sinkConfig struct {
	RingSize         int           `yaml:"ringSize"`
	EnqueueTimeout   time.Duration `yaml:"enqueueTimeout"`
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
}

type trafficLogConfig struct {
	Directory string `yaml:"directory"`
	MaxFiles  int    `yaml:"maxFiles"`
}

type config struct {
	Port       int              `yaml:"port"`
	StorageDir string           `yaml:"storageDir"`
	RulesFile  string           `yaml:"rulesFile"`
	AuditFile  string           `yaml:"auditFile"`
	AutoStart  bool             `yaml:"autoStart"`
	Loopback   bool             `yaml:"loopback"`
	Bridge     bridge.Config    `yaml:"bridge"`
	Sink       sinkConfig       `yaml:"sink"`
	TrafficLog trafficLogConfig `yaml:"trafficLog"`
	Logs       logConfig        `yaml:"logs"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(".", "data")
	}
	if cfg.RulesFile == "" {
		cfg.RulesFile = filepath.Join(cfg.StorageDir, "rules.json")
	}
	if cfg.AuditFile == "" {
		cfg.AuditFile = filepath.Join(cfg.StorageDir, "audit.jsonl")
	}
	cfg.Bridge.ApplyDefaults()
	if err := cfg.Bridge.Validate(); err != nil {
		return cfg, fmt.Errorf("bridge config: %w", err)
	}
	if cfg.Sink.RingSize == 0 {
		cfg.Sink.RingSize = sink.DefaultRingSize
	}
	if cfg.Sink.EnqueueTimeout == 0 {
		cfg.Sink.EnqueueTimeout = sink.DefaultEnqueueTimeout
	}
	if cfg.Sink.SubscriberBuffer == 0 {
		cfg.Sink.SubscriberBuffer = 256
	}
	if cfg.TrafficLog.Directory == "" {
		cfg.TrafficLog.Directory = filepath.Join(cfg.StorageDir, "traffic")
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.StorageDir, "logs")
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

func setupLogging(cfg config) error {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile := filepath.Join(cfg.Logs.Directory, "linetapd.log")
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return nil
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	addr := flag.String("addr", "", "listen address (overrides config port)")
	readTimeout := flag.Duration("read-timeout", 60*time.Second, "HTTP read timeout")
	writeTimeout := flag.Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		log.Fatalf("storage dir: %v", err)
	}
	if err := setupLogging(cfg); err != nil {
		log.Fatalf("setup logging: %v", err)
	}

	store := rules.NewStore()
	if _, err := os.Stat(cfg.RulesFile); err == nil {
		if err := store.LoadFile(cfg.RulesFile); err != nil {
			log.Fatalf("load rules: %v", err)
		}
		log.Printf("loaded %d rules from %s", len(store.List()), cfg.RulesFile)
	}

	logs := sink.New(cfg.Sink.RingSize, cfg.Sink.EnqueueTimeout)
	stats := sink.NewStats()

	writer, err := logcsv.NewWriter(cfg.TrafficLog.Directory, cfg.TrafficLog.MaxFiles)
	if err != nil {
		log.Fatalf("traffic log: %v", err)
	}
	writerDone := make(chan struct{})
	go func() {
		writer.Run(logs.Subscribe(cfg.Sink.SubscriberBuffer))
		close(writerDone)
	}()

	audit := common.NewAuditLog(cfg.AuditFile)
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		sub := logs.Subscribe(cfg.Sink.SubscriberBuffer)
		for e := range sub.C {
			if !e.Modified() {
				continue
			}
			err := audit.Append(common.AuditEntry{
				Seq:       e.Seq,
				RuleID:    e.RuleID,
				Direction: string(e.Direction),
				BeforeHex: common.CompactHex(e.Before),
				AfterHex:  common.CompactHex(e.After),
				Ts:        e.Time,
			})
			if err != nil {
				log.Printf("audit log: %v", err)
			}
		}
	}()

	br, err := bridge.New(cfg.Bridge, store, logs, stats)
	if err != nil {
		log.Fatalf("bridge init: %v", err)
	}

	var open server.ChannelOpener
	if cfg.Loopback {
		open = func(bc bridge.Config) (serialio.Channel, serialio.Channel, error) {
			a, aFar := serialio.Pipe(bc.A.ReadTimeout)
			b, bFar := serialio.Pipe(bc.B.ReadTimeout)
			go discard(aFar)
			go discard(bFar)
			return a, b, nil
		}
		log.Printf("loopback mode: in-memory channels, no physical ports")
	}

	srv := server.NewServer(server.Options{
		Bridge:    br,
		Rules:     store,
		Logs:      logs,
		Stats:     stats,
		LogWriter: writer,
		Open:      open,
	})

	if cfg.AutoStart {
		a, b, err := openChannels(cfg, open)
		if err != nil {
			log.Fatalf("open channels: %v", err)
		}
		if err := br.Start(a, b); err != nil {
			log.Fatalf("start bridge: %v", err)
		}
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if *addr != "" {
		listenAddr = *addr
	}
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(srv),
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	}

	log.Printf("linetapd listening on %s", listenAddr)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if br.State() == bridge.StateRunning {
		if err := br.Stop(); err != nil {
			log.Printf("stop bridge: %v", err)
		}
	}
	if err := store.SaveFile(cfg.RulesFile); err != nil {
		log.Printf("save rules: %v", err)
	}
	logs.Close()
	<-writerDone
	<-auditDone
	log.Println("linetapd stopped")
}

// discard consumes a dangling loopback end so the bridge's writes never
// back up. Traffic in loopback mode comes from the inject API.
func discard(ch serialio.Channel) {
	buf := make([]byte, 1024)
	for {
		if _, err := ch.Read(buf); err != nil {
			return
		}
	}
}

func openChannels(cfg config, open server.ChannelOpener) (serialio.Channel, serialio.Channel, error) {
	if open != nil {
		return open(cfg.Bridge)
	}
	a, err := serialio.Open(cfg.Bridge.A)
	if err != nil {
		return nil, nil, err
	}
	b, err := serialio.Open(cfg.Bridge.B)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}
