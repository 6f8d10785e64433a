// Package util contains small helpers used across the application that don't
// belong to any other package
package util

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
const (
	letterIdxBits = 6                    // 6 bits to represent a letter index
	letterIdxMask = 1<<letterIdxBits - 1 // All 1-bits, as many as letterIdxBits
	letterIdxMax  = 63 / letterIdxBits   // # of letter indices fitting in 63 bits
)

var (
	srcMu sync.Mutex
	src   = rand.NewSource(time.Now().UnixNano())
)

// RandStr returns n random letters. Not suitable for anything secret, use it
// for temp file names and IDs that only need to avoid collisions.
func RandStr(n int) string {
	srcMu.Lock()
	defer srcMu.Unlock()

	b := make([]byte, n)
	for i, cache, remain := n-1, src.Int63(), letterIdxMax; i >= 0; {
		if remain == 0 {
			cache, remain = src.Int63(), letterIdxMax
		}
		if idx := int(cache & letterIdxMask); idx < len(charset) {
			b[i] = charset[idx]
			i--
		}
		cache >>= letterIdxBits
		remain--
	}

	return string(b)
}

// TempPath returns a fresh path in the OS temp dir with the given extension.
// Nothing is created.
func TempPath(ext string) string {
	name := "attachment-" + RandStr(16)
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	return filepath.Join(os.TempDir(), name)
}
