package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/facebookgo/stackerr"

	"github.com/frm2/nicoscache/aof"
	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/protocol"
)

type JournalConfig struct {
	AOF aof.Config
	// FixCorrupted makes Init truncate journal to valid prefix instead of failing.
	FixCorrupted bool
}

// Journaled is Memory database which persists stored values in append only journal.
// Journal lines are protocol tell lines with timestamps. Values told with
// no store flag are not journaled.
//
// General schema of tell:
// 1) Acquire db lock.
// 2) Store value.
// 3) Acquire journal lock.
// 4) Release db lock.
// 5) Write journal line.
// 6) Release journal lock.
// So journal lines have same order as values applied to db.
type Journaled struct {
	*Memory
	conf JournalConfig
	aof  *aof.AOF
}

var _ Database = (*Journaled)(nil)

func NewJournaled(l log.Logger, conf Config, jconf JournalConfig) *Journaled {
	return &Journaled{
		Memory: NewMemory(l, conf),
		conf:   jconf,
	}
}

type CorruptedError struct {
	Err error
	// Pos is size of valid journal prefix.
	Pos int64
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("journal is corrupted at %v: %v", e.Pos, e.Err)
}

func (j *Journaled) Init() error {
	err := j.replay()
	if err != nil {
		return err
	}
	rotator := aof.RotatorFunc(func(r io.Reader, w io.Writer) error {
		return compact(r, w, j.Memory.conf.MaxEntries)
	})
	j.aof, err = aof.Open(j.log, rotator, j.conf.AOF)
	if err != nil {
		return err
	}
	j.journal = j.aof
	return j.Memory.Init()
}

func (j *Journaled) Close() error {
	err := j.Memory.Close()
	if j.aof != nil {
		if aerr := j.aof.Close(); err == nil {
			err = aerr
		}
	}
	return err
}

// replay reads journal into memory.
func (j *Journaled) replay() error {
	name := j.conf.AOF.Name
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		j.log.Info("Journal is not exists. New will be created.")
		return nil
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	defer f.Close()
	n, pos, err := j.readJournal(bufio.NewReader(f))
	if err == nil {
		j.log.Infof("Loaded %v values from journal %s.", n, name)
		return nil
	}
	if !j.conf.FixCorrupted {
		return &CorruptedError{err, pos}
	}
	j.log.Errorf("Journal is corrupted: %v. Truncating to %v bytes.", err, pos)
	f.Close()
	return stackerr.Wrap(os.Truncate(name, pos))
}

func (j *Journaled) readJournal(r *bufio.Reader) (n int, validPos int64, err error) {
	for {
		var line string
		line, err = r.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				err = stackerr.Newf("incomplete line %q", line)
				return
			}
			err = nil
			return
		}
		if err != nil {
			err = stackerr.Wrap(err)
			return
		}
		var m protocol.Message
		m, err = protocol.ParseMessage(line[:len(line)-1], 0)
		if err != nil {
			return
		}
		if m.Op != protocol.OpTell {
			err = stackerr.Newf("unexpected journal line %q", line)
			return
		}
		j.mu.Lock()
		j.store(m.Key, &entry{time: m.Time, ttl: m.TTL, value: m.Value})
		j.mu.Unlock()
		n++
		validPos += int64(len(line))
	}
}

// compact keeps maxEntries last journal lines for every key.
func compact(r io.Reader, w io.Writer, maxEntries int) error {
	if maxEntries < 1 {
		maxEntries = 1
	}
	history := make(map[string][]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, protocol.BufSize), 1<<20)
	for scanner.Scan() {
		m, err := protocol.ParseMessage(scanner.Text(), 0)
		if err != nil {
			return err
		}
		lines := append(history[m.Key], scanner.Text()+"\n")
		if len(lines) > maxEntries {
			lines = lines[len(lines)-maxEntries:]
		}
		if !m.HasValue() && maxEntries == 1 {
			// Deleted key without history.
			lines = nil
		}
		history[m.Key] = lines
	}
	if err := scanner.Err(); err != nil {
		return stackerr.Wrap(err)
	}
	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, line := range history[k] {
			if _, err := io.WriteString(w, line); err != nil {
				return stackerr.Wrap(err)
			}
		}
	}
	return nil
}
