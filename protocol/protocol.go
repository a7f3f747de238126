package protocol

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type Op byte

const (
	OpTell      Op = '='
	OpAsk       Op = '?'
	OpWildcard  Op = '*'
	OpSubscribe Op = ':'
	OpTellOld   Op = '!'
	OpLock      Op = '$'
	OpRewrite   Op = '~'
)

func (o Op) String() string { return string(o) }

const (
	LockLock   = '+'
	LockUnlock = '-'

	// FlagNoStore is put between key and op.
	FlagNoStore = "#"

	TSMark = '@'
)

const (
	DefaultPort = 14869

	// CycleTime is the client side keepalive interval.
	// Blocking operations use 3*CycleTime timeouts.
	CycleTime = 100 * time.Millisecond

	BufSize      = 8192
	MaxUDPPacket = 1496
	UDPReadSize  = 3072

	// DefaultLockTTL is used for lock requests without ttl.
	DefaultLockTTL = 1800

	// ExpiredTTL replaces non positive ttl of expiration time given before value time.
	// Such value is expired at once, but still has ttl.
	ExpiredTTL = 1e-6
)

var (
	ErrEmptyLine = errors.New("empty line")

	msgPattern = regexp.MustCompile(`^(?:` +
		`\s*(?P<time>\d+\.?\d*)?` +
		`\s*(?P<ttlop>[+-]?)` +
		`\s*(?P<ttl>\d+\.?\d*(?:[eE][+-]?\d+)?)?` +
		`\s*(?P<tsop>@)` +
		`)?` +
		`\s*(?P<key>[^=!?:*$]*?)` +
		`\s*(?P<op>[=!?:*$~])` +
		`\s*(?P<value>[^\r\n]*?)` +
		`\s*$`)

	groupTime  = msgPattern.SubexpIndex("time")
	groupTTLOp = msgPattern.SubexpIndex("ttlop")
	groupTTL   = msgPattern.SubexpIndex("ttl")
	groupTSOp  = msgPattern.SubexpIndex("tsop")
	groupKey   = msgPattern.SubexpIndex("key")
	groupOp    = msgPattern.SubexpIndex("op")
	groupValue = msgPattern.SubexpIndex("value")
)

// GarbledError is returned for lines not matching message grammar.
type GarbledError struct {
	Line string
}

func (e *GarbledError) Error() string {
	return fmt.Sprintf("garbled line: %q", e.Line)
}

func IsGarbled(err error) bool {
	_, ok := err.(*GarbledError)
	return ok
}

// EncodingError is returned for lines that are not valid UTF-8.
type EncodingError struct {
	Line string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("line is not valid UTF-8: %q", e.Line)
}

func IsEncoding(err error) bool {
	_, ok := err.(*EncodingError)
	return ok
}

// Message is a single parsed protocol line.
type Message struct {
	// Time is absolute unix time of value.
	Time float64
	// TTL in seconds. Zero means no expiry.
	TTL float64
	// TSOp is set when line contains '@' mark. Replies should include timestamp then.
	TSOp  bool
	Key   string
	Op    Op
	Value string
}

// HasValue returns false for valueless messages. Valueless tell means delete.
func (m Message) HasValue() bool { return m.Value != "" }

func (m Message) String() string {
	return strings.TrimSuffix(Encode(m), "\n")
}

// ParseMessage parses line without line separator.
// Key is lowercased. Absent time is replaced by now.
func ParseMessage(line string, now float64) (m Message, err error) {
	match := msgPattern.FindStringSubmatch(line)
	if match == nil {
		err = &GarbledError{line}
		return
	}
	m.Key = strings.ToLower(match[groupKey])
	m.Op = Op(match[groupOp][0])
	m.Value = match[groupValue]
	m.TSOp = match[groupTSOp] != ""
	m.Time, err = strconv.ParseFloat(match[groupTime], 64)
	if err != nil {
		// Assumes client and server clocks are not too far out of sync.
		m.Time = now
		err = nil
	}
	m.TTL, err = strconv.ParseFloat(match[groupTTL], 64)
	if err != nil {
		m.TTL = 0
		err = nil
	}
	if match[groupTTLOp] == "-" && m.TTL != 0 {
		m.TTL -= m.Time
		if m.TTL <= 0 {
			m.TTL = ExpiredTTL
		}
	}
	return
}

// NextLine returns first complete line in buf without separator, and rest of buf.
// ok is false if buf contains no complete line.
func NextLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	line = buf[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, buf[i+1:], true
}

// Decode parses all complete lines in buf. Incomplete tail is returned as rest.
// On empty line ErrEmptyLine is returned, on bad line *GarbledError.
// On not UTF-8 line *EncodingError is returned, and rest starts after that line.
// Messages parsed before error are returned too.
func Decode(buf []byte, now float64) (msgs []Message, rest []byte, err error) {
	rest = buf
	for {
		var line []byte
		var ok bool
		line, rest, ok = NextLine(rest)
		if !ok {
			return
		}
		if len(line) == 0 {
			err = ErrEmptyLine
			return
		}
		if !utf8.Valid(line) {
			err = &EncodingError{string(line)}
			return
		}
		var m Message
		m, err = ParseMessage(string(line), now)
		if err != nil {
			return
		}
		msgs = append(msgs, m)
	}
}

// Encode renders message as protocol line. Time and TTL are written only with TSOp.
func Encode(m Message) string {
	var b strings.Builder
	if m.TSOp {
		b.WriteString(FormatTime(m.Time))
		if ttl := m.TTL; ttl != 0 {
			if ttl < 0 {
				ttl = ExpiredTTL
			}
			b.WriteByte('+')
			b.WriteString(FormatTime(ttl))
		}
		b.WriteByte(TSMark)
	}
	b.WriteString(m.Key)
	b.WriteByte(byte(m.Op))
	b.WriteString(m.Value)
	b.WriteByte('\n')
	return b.String()
}

// Reply renders reply line without timestamp.
func Reply(key string, op Op, value string) string {
	return key + string(op) + value + "\n"
}

// TimedReply renders reply line with timestamp, and ttl if non zero.
func TimedReply(t, ttl float64, key string, op Op, value string) string {
	return Encode(Message{Time: t, TTL: ttl, TSOp: true, Key: key, Op: op, Value: value})
}

func FormatTime(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// Now returns current time as protocol timestamp.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// SplitPackets splits data into chunks not larger than max.
// Splits happen at line boundaries. Line longer than max is split at max.
func SplitPackets(data []byte, max int) (packets [][]byte) {
	if max <= 0 {
		panic("non positive packet size")
	}
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
		}
		p := bytes.LastIndexByte(data[:n], '\n')
		if p == -1 {
			p = n - 1
		}
		packets = append(packets, data[:p+1])
		data = data[p+1:]
	}
	return
}
