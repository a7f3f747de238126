package nicoscache

import (
	"io"
	"os"

	"github.com/rcrowley/go-metrics"

	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/store"
)

type Config struct {
	Addr       string
	UDPAddr    string
	DisableUDP bool

	LogDestination io.Writer
	LogLevel       log.Level

	Store store.Config
	// Journal makes database persistent if Journal.AOF.Name is set.
	Journal store.JournalConfig
}

// NewServer creates server with database and metrics described by conf.
func NewServer(conf Config, r metrics.Registry) *Server {
	if conf.LogDestination == nil {
		conf.LogDestination = os.Stderr
	}
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	var db store.Database
	if conf.Journal.AOF.Name != "" {
		db = store.NewJournaled(l, conf.Store, conf.Journal)
	} else {
		db = store.NewMemory(l, conf.Store)
	}
	return &Server{
		Addr:       conf.Addr,
		UDPAddr:    conf.UDPAddr,
		DisableUDP: conf.DisableUDP,
		DB:         db,
		Log:        l,
		Metrics:    NewMetrics(r),
	}
}
