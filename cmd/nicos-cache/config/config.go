// Package config reads nicos-cache configuration from json file, env file,
// environment and flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/joho/godotenv"

	"github.com/frm2/nicoscache"
	"github.com/frm2/nicoscache/aof"
	"github.com/frm2/nicoscache/internal/util"
	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/store"
)

const EnvPrefix = "NICOS_CACHE_"

func Parse(conf Config) (nconf nicoscache.Config, err error) {
	nconf.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	nconf.LogLevel, err = log.LevelFromString(conf.LogLevel)
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}
	nconf.Addr = conf.Server
	nconf.UDPAddr = conf.UDP
	nconf.DisableUDP = conf.DisableUDP
	nconf.Store = store.Config{
		MaxEntries:    conf.MaxEntries,
		CleanInterval: conf.CleanInterval,
	}
	j := conf.Journal
	nconf.Journal = store.JournalConfig{
		AOF: aof.Config{
			Name:       j.Name,
			SyncPeriod: j.Sync,
		},
		FixCorrupted: j.FixCorrupted,
	}
	if j.BufSize != "" {
		var bufSize int64
		bufSize, err = parseSize(j.BufSize)
		if err != nil {
			err = stackerr.Newf("BufSize parse error: %v", err)
			return
		}
		nconf.Journal.AOF.BufSize = int(bufSize)
	}
	if j.RotateSize != "" {
		nconf.Journal.AOF.RotateSize, err = parseSize(j.RotateSize)
		if err != nil {
			err = stackerr.Newf("RotateSize parse error: %v", err)
			return
		}
	}
	return
}

func Default() *Config {
	return &Config{
		Server:          "localhost",
		LogDestination:  "stderr",
		LogLevel:        "info",
		MaxEntries:      1,
		CleanInterval:   time.Second,
		MetricsInterval: time.Minute,
		Journal: JournalConfig{
			BufSize:    "4k",
			RotateSize: "64m",
		},
	}
}

type Config struct {
	// Server is TCP address to bind: host or host:port.
	Server         string `json:"server,omitempty"`
	UDP            string `json:"udp,omitempty"`
	DisableUDP     bool   `json:"disable-udp,omitempty"`
	LogDestination string `json:"log-destination,omitempty"` // Stdout, stderr, or filepath.
	LogLevel       string `json:"log-level,omitempty"`
	// MaxEntries is history length kept per key.
	MaxEntries      int           `json:"max-entries,omitempty"`
	CleanInterval   time.Duration `json:"clean-interval,omitempty"`
	MetricsInterval time.Duration `json:"metrics-interval,omitempty"`
	Journal         JournalConfig `json:"journal,omitempty"`
}

type JournalConfig struct {
	// Name is journal file path. Database is not persisted if empty.
	Name string        `json:"name,omitempty"`
	Sync time.Duration `json:"sync,omitempty"`
	// Size values 10g, 128m, 1024k, 1000000b
	BufSize      string `json:"buf-size,omitempty"`
	RotateSize   string `json:"rotate-size,omitempty"`
	FixCorrupted bool   `json:"fix-corrupted,omitempty"`
}

// Read reads json config file.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	conf := &Config{}
	err = json.Unmarshal(data, conf)
	if err != nil {
		return nil, stackerr.Newf("Config parse error: %v", err)
	}
	return conf, nil
}

// Env returns prefixed variables from env files overridden by process environment.
// Missing env files are skipped.
func Env(files ...string) (map[string]string, error) {
	env := make(map[string]string)
	for _, f := range files {
		vars, err := godotenv.Read(f)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, stackerr.Newf("Env file %s read error: %v", f, err)
		}
		for k, v := range vars {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for k := range env {
		if !strings.HasPrefix(k, EnvPrefix) {
			delete(env, k)
		}
	}
	return env, nil
}

// FromEnv makes config from NICOS_CACHE_* variables.
func FromEnv(env map[string]string) (*Config, error) {
	conf := &Config{}
	var err error
	str := func(name string, dst *string) {
		if v, ok := env[EnvPrefix+name]; ok {
			*dst = v
		}
	}
	parse := func(name string, parse func(string) error) {
		v, ok := env[EnvPrefix+name]
		if !ok || err != nil {
			return
		}
		if perr := parse(v); perr != nil {
			err = stackerr.Newf("%s%s parse error: %v", EnvPrefix, name, perr)
		}
	}
	duration := func(name string, dst *time.Duration) {
		parse(name, func(v string) (perr error) {
			*dst, perr = time.ParseDuration(v)
			return
		})
	}
	boolean := func(name string, dst *bool) {
		parse(name, func(v string) (perr error) {
			*dst, perr = strconv.ParseBool(v)
			return
		})
	}
	str("SERVER", &conf.Server)
	str("UDP", &conf.UDP)
	boolean("DISABLE_UDP", &conf.DisableUDP)
	str("LOG_DESTINATION", &conf.LogDestination)
	str("LOG_LEVEL", &conf.LogLevel)
	parse("MAX_ENTRIES", func(v string) (perr error) {
		conf.MaxEntries, perr = strconv.Atoi(v)
		return
	})
	duration("CLEAN_INTERVAL", &conf.CleanInterval)
	duration("METRICS_INTERVAL", &conf.MetricsInterval)
	str("JOURNAL", &conf.Journal.Name)
	duration("JOURNAL_SYNC", &conf.Journal.Sync)
	str("JOURNAL_BUF_SIZE", &conf.Journal.BufSize)
	str("JOURNAL_ROTATE_SIZE", &conf.Journal.RotateSize)
	boolean("JOURNAL_FIX_CORRUPTED", &conf.Journal.FixCorrupted)
	return conf, err
}

// Merge overwrites def values with non zero override values.
func Merge(def, override *Config) {
	defJournal := def.Journal
	merge(def, override)

	// HACK: manual recursion. Some third party high level reflection package should be used here.
	merge(&defJournal, &override.Journal)
	def.Journal = defJournal
}

func merge(def, override interface{}) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		overrideVal := overrideVal.Field(i)
		if !util.IsZeroVal(overrideVal) {
			defVal.Field(i).Set(overrideVal)
		}
	}
}

func Marshal(conf *Config) []byte {
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("Invalid size format.")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("Invalid exponent. Only 'b', 'k', 'm', 'g' allowed.")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = fmt.Errorf("Size parse error: %s", err)
		return
	}
	size <<= exponent
	return
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	}
	return
}
