package aof

import "github.com/facebookgo/stackerr"

type transaction struct{ *AOF }

func (t *transaction) Write(p []byte) (n int, err error) {
	if t.isClosed() {
		return 0, stackerr.New("write to closed AOF")
	}
	n, err = t.writer.Write(p)
	t.size += int64(n)
	return n, stackerr.Wrap(err)
}

func (t *transaction) Close() (err error) {
	if t.AOF == nil {
		return
	}
	f := t.AOF
	t.AOF = nil
	if f.isSyncEveryTransaction() && !f.isClosed() {
		err = f.sync()
	}
	startRotate := f.config.RotateSize > 0 && f.size > f.rotateAt && !f.rotating
	if startRotate {
		f.rotating = true
		f.bg.Add(1)
	}
	f.lock.Unlock()
	if startRotate {
		go f.rotate()
	}
	return
}
