// Package aof implements append only file with background compaction.
package aof

import (
	"bufio"
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/frm2/nicoscache/log"
)

const MinSyncPeriod = 100 * time.Millisecond
const Perm = 0664

type Config struct {
	Name string
	// SyncPeriod less than MinSyncPeriod means sync after every transaction.
	SyncPeriod time.Duration
	// RotateSize is file size after which Rotator is called. Zero disables rotation.
	RotateSize int64
	// BufSize is write buffer size. Zero disables buffering.
	BufSize int
}

// AOF represents Append Only File.
type AOF struct {
	config  Config
	rotator Rotator
	log     log.Logger

	stop      chan struct{}
	closeOnce sync.Once
	// bg tracks sync and rotation goroutines.
	bg sync.WaitGroup

	// lock protects fields bellow.
	lock sync.Mutex
	// writer is current destination of transactions.
	// It is file, *bufio.Writer or io.MultiWriter while rotation in process.
	writer   io.Writer
	flusher  flusher
	file     *os.File
	size     int64
	rotating bool
	// rotateAt is size at which next rotation starts.
	rotateAt int64
}

type flusher interface {
	Flush() error
}

type nopFlusher struct{}

func (nopFlusher) Flush() error { return nil }

func Open(l log.Logger, r Rotator, conf Config) (f *AOF, err error) {
	if r == nil {
		panic("nil rotator")
	}
	f = &AOF{
		log:     l,
		rotator: r,
		config:  conf,
		stop:    make(chan struct{}),
	}
	err = f.open()
	if err != nil {
		return
	}
	if !f.isSyncEveryTransaction() {
		f.bg.Add(1)
		go f.syncLoop()
	}
	return
}

func (f *AOF) open() error {
	file, err := os.OpenFile(f.config.Name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, Perm)
	if err != nil {
		return stackerr.Wrap(err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return stackerr.Wrap(err)
	}
	f.size = stat.Size()
	f.file = file
	f.rotateAt = f.config.RotateSize
	if compacted := 2 * f.size; compacted > f.rotateAt {
		f.rotateAt = compacted
	}
	if f.config.BufSize == 0 {
		f.writer = file
		f.flusher = nopFlusher{}
	} else {
		w := bufio.NewWriterSize(file, f.config.BufSize)
		f.writer = w
		f.flusher = w
	}
	f.log.Debugf("AOF %s opened. Size %v.", f.config.Name, f.size)
	return nil
}

func (f *AOF) Name() string { return f.config.Name }

func (f *AOF) Size() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.size
}

func (f *AOF) isSyncEveryTransaction() bool {
	return f.config.SyncPeriod < MinSyncPeriod
}

func (f *AOF) isClosed() bool { return f.file == nil }

// sync requires lock be acquired.
func (f *AOF) sync() error {
	err := f.flusher.Flush()
	if err != nil {
		return stackerr.Wrap(err)
	}
	return stackerr.Wrap(f.file.Sync())
}

// Close waits for background rotation, flushes and closes file.
func (f *AOF) Close() error {
	f.closeOnce.Do(func() { close(f.stop) })
	f.bg.Wait()
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.isClosed() {
		return nil
	}
	err := f.sync()
	cerr := f.file.Close()
	f.file = nil
	if err != nil {
		return err
	}
	return stackerr.Wrap(cerr)
}

// NewTransaction create new AOF transaction.
// Returned transaction hold AOF lock until close,
// so caller should write data and close it, as soon as possible.
func (f *AOF) NewTransaction() io.WriteCloser {
	f.lock.Lock()
	return &transaction{f}
}

func (f *AOF) syncLoop() {
	defer f.bg.Done()
	ticker := time.NewTicker(f.config.SyncPeriod)
	defer ticker.Stop()
	var prevSize int64
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
		}
		f.lock.Lock()
		if !f.isClosed() && f.size != prevSize {
			prevSize = f.size
			if err := f.sync(); err != nil {
				f.log.Error("AOF sync error: ", err)
			}
		}
		f.lock.Unlock()
	}
}

var (
	afterSnapshotTestHook = func() {}
	afterRotateTestHook   = func() {}
)

// rotate compacts file prefix written before rotation start into new file.
// Data appended while rotation is in process is buffered in memory and
// appended to new file. New file atomically replaces old.
func (f *AOF) rotate() {
	defer f.bg.Done()
	defer afterRotateTestHook()
	f.log.Info("AOF rotation started.")
	err := f.doRotate()
	f.lock.Lock()
	f.rotating = false
	f.lock.Unlock()
	if err != nil {
		f.log.Error("AOF rotation failed: ", err)
		return
	}
	f.log.Infof("AOF rotation finished. New size %v.", f.Size())
}

func (f *AOF) doRotate() (err error) {
	dir, base := filepath.Split(f.config.Name)
	tmp, err := ioutil.TempFile(dir, "."+base+".rotating_")
	if err != nil {
		return stackerr.Wrap(err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	f.lock.Lock()
	err = f.flusher.Flush()
	if err != nil {
		f.lock.Unlock()
		return stackerr.Wrap(err)
	}
	extra := &bytes.Buffer{}
	prevWriter := f.writer
	f.writer = io.MultiWriter(prevWriter, extra)
	snapshotSize := f.size
	f.lock.Unlock()

	afterSnapshotTestHook()

	err = RotateFile(f.rotator, f.config.Name, snapshotSize, tmp)

	f.lock.Lock()
	defer f.lock.Unlock()
	if err != nil {
		f.writer = prevWriter
		return
	}
	if _, err = extra.WriteTo(tmp); err != nil {
		f.writer = prevWriter
		return stackerr.Wrap(err)
	}
	if err = tmp.Sync(); err != nil {
		f.writer = prevWriter
		return stackerr.Wrap(err)
	}
	if err = tmp.Chmod(Perm); err != nil {
		f.writer = prevWriter
		return stackerr.Wrap(err)
	}
	if err = tmp.Close(); err != nil {
		f.writer = prevWriter
		return stackerr.Wrap(err)
	}
	f.flusher.Flush()
	f.file.Close()
	f.file = nil
	err = os.Rename(tmp.Name(), f.config.Name) // Atomic. Old file stays on fail.
	if err != nil {
		err = stackerr.Wrap(err)
		if oerr := f.open(); oerr != nil {
			f.log.Error("AOF reopen error: ", oerr)
		}
		return
	}
	return f.open()
}
