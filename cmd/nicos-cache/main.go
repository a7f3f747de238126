package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcrowley/go-metrics"

	"github.com/frm2/nicoscache"
	"github.com/frm2/nicoscache/cmd/nicos-cache/config"
	"github.com/frm2/nicoscache/log"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) env file and NICOS_CACHE_* environment value overrides config file
3) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

func main() {
	conf, flg := readConfig()
	if flg.PrintConfig {
		os.Stdout.Write(config.Marshal(conf))
		fmt.Println()
		return
	}
	l := log.NewLogger(log.DebugLevel, os.Stderr)
	nconf, err := config.Parse(*conf)
	if err != nil {
		l.Fatal("Config error: ", err)
	}
	registry := metrics.NewRegistry()
	s := nicoscache.NewServer(nconf, registry)
	l = s.Log
	l.Debugf("Config: %s", config.Marshal(conf))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	if err := s.Start(); err != nil {
		l.Fatal("Start error: ", err)
	}
	if conf.MetricsInterval > 0 {
		go metrics.Log(registry, conf.MetricsInterval, metricsLogger{l})
	}
	sig := <-signals
	s.Quit(sig)
	s.Wait()
	metrics.WriteOnce(registry, nconf.LogDestination)
}

// metricsLogger adapts log.Logger to metrics.Logger.
type metricsLogger struct {
	log.Logger
}

func (l metricsLogger) Printf(format string, v ...interface{}) {
	l.Infof(format, v...)
}

type Flags struct {
	ConfigPath  string
	EnvPath     string
	PrintConfig bool
	config.Config
}

// readConfig parses command flags, reads config and env files if any, returns merged config.
func readConfig() (*config.Config, Flags) {
	l := log.NewLogger(log.DebugLevel, os.Stderr)
	flg := parseFlags()
	conf := config.Default()
	if flg.ConfigPath != "" {
		fileConf, err := config.Read(flg.ConfigPath)
		if err != nil {
			l.Fatal("Config file read error: ", err)
		}
		config.Merge(conf, fileConf)
	}
	env, err := config.Env(flg.EnvPath)
	if err != nil {
		l.Fatal(err)
	}
	envConf, err := config.FromEnv(env)
	if err != nil {
		l.Fatal(err)
	}
	config.Merge(conf, envConf)
	config.Merge(conf, &flg.Config)
	return conf, flg
}

func parseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to json config")
	flag.StringVar(&f.EnvPath, "env", ".env", "path to env file")
	flag.BoolVar(&f.PrintConfig, "print-config", false, "print merged config and exit")

	def := config.Default()
	usage := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			usage += fmt.Sprintf(" (default %q)", defVal)
		} else {
			usage += fmt.Sprintf(" (default %v)", defVal)
		}
		return usage
	}
	flag.StringVar(&f.Server, "server", "", usage("TCP address to bind: host or host:port", def.Server))
	flag.StringVar(&f.UDP, "udp", "", usage("UDP address to bind", ":14869"))
	flag.BoolVar(&f.DisableUDP, "disable-udp", false, "do not listen UDP")
	flag.StringVar(&f.LogDestination, "log-destination", "", usage("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usage("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.IntVar(&f.MaxEntries, "max-entries", 0, usage("history entries kept per key", def.MaxEntries))
	flag.DurationVar(&f.CleanInterval, "clean-interval", 0, usage("expired values check period", def.CleanInterval))
	flag.DurationVar(&f.MetricsInterval, "metrics-interval", 0, usage("metrics log period", def.MetricsInterval))
	flag.StringVar(&f.Journal.Name, "journal", "", "journal file path; values are kept only in memory if empty")
	flag.DurationVar(&f.Journal.Sync, "journal-sync", 0, "journal sync period; every write is synced if less than 100ms")
	flag.StringVar(&f.Journal.BufSize, "journal-buf-size", "", usage("journal write buffer size", def.Journal.BufSize))
	flag.StringVar(&f.Journal.RotateSize, "journal-rotate-size", "", usage("journal size which triggers compaction", def.Journal.RotateSize))
	flag.BoolVar(&f.Journal.FixCorrupted, "fix-corrupted", false, "truncate corrupted journal tail instead of failing")
	flag.Parse()
	return f
}
