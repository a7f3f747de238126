package testutil

import (
	"math/rand"

	"github.com/google/gofuzz"
	. "github.com/onsi/ginkgo"
)

var RandSource = rand.NewSource(GinkgoRandomSeed())
var Rand = rand.New(RandSource)
var Fuzzer = func() *fuzz.Fuzzer {
	f := fuzz.New()
	f.RandSource(RandSource)
	return f
}()
var Fuzz = Fuzzer.Fuzz

const keyChars = "abcdefghijklmnopqrstuvwxyz0123456789_/."

// RandKey returns random lowercase cache key.
func RandKey() string {
	n := 1 + Rand.Intn(32)
	b := make([]byte, n)
	for i := range b {
		b[i] = keyChars[Rand.Intn(len(keyChars))]
	}
	return string(b)
}

// FuzzValue returns fuzzed value that survives protocol line round trip:
// printable, no surrounding spaces.
func FuzzValue() string {
	var s string
	Fuzz(&s)
	b := make([]byte, 0, len(s)+1)
	for _, r := range []byte(s) {
		if r > ' ' && r < 127 {
			b = append(b, r)
		}
	}
	if len(b) == 0 {
		b = append(b, 'v')
	}
	return string(b)
}
