package aof

import (
	"bufio"
	"io"
	"os"

	"github.com/facebookgo/stackerr"
)

// Rotator writes compacted content of r into w.
type Rotator interface {
	Rotate(r io.Reader, w io.Writer) error
}

type RotatorFunc func(r io.Reader, w io.Writer) error

func (f RotatorFunc) Rotate(r io.Reader, w io.Writer) error {
	return f(r, w)
}

// RotateFile rotates fname file prefix size of limit into w.
func RotateFile(rot Rotator, fname string, limit int64, w io.Writer) (err error) {
	file, err := os.Open(fname)
	if err != nil {
		return stackerr.Wrap(err)
	}
	defer file.Close()
	bufW := bufio.NewWriter(w)
	r := bufio.NewReader(io.LimitReader(file, limit))
	err = rot.Rotate(r, bufW)
	if err != nil {
		return stackerr.Wrap(err)
	}
	return stackerr.Wrap(bufW.Flush())
}
