/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bodybuffer holds a request body in memory up to a threshold and
// spills the remainder to a temporary file.
package bodybuffer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
)

// DefaultThreshold is the number of bytes kept in memory before spilling.
const DefaultThreshold = 128 * 1024

const copyChunkSize = 32 * 1024

var (
	// ErrTooLarge is returned when the body exceeds the configured maximum size.
	ErrTooLarge = errors.New("request body too large")
	// ErrSpillUnavailable is returned when the temporary file cannot be created or written.
	ErrSpillUnavailable = errors.New("body spill storage unavailable")
	// ErrAlreadyConsumed is returned by Reader on the second call and by writes after it.
	ErrAlreadyConsumed = errors.New("body buffer already consumed")
	// ErrClosed is returned when the buffer is used after Close.
	ErrClosed = errors.New("body buffer closed")
)

// Config configures a Buffer.
type Config struct {
	// Threshold is the in-memory capacity. Zero selects DefaultThreshold.
	Threshold int64
	// TempDir is where spill files are created. Empty uses os.TempDir().
	TempDir string
	// MaxSize bounds the total body size. Zero means unlimited.
	MaxSize int64
}

// Buffer accumulates a request body and replays it once, in reception order.
// It is not safe for concurrent use.
type Buffer struct {
	cfg    Config
	logger logr.Logger

	mem     bytes.Buffer
	file    *os.File
	size    int64
	spilled bool
	taken   bool
	closed  bool
}

// New returns an empty Buffer.
func New(cfg Config, logger logr.Logger) *Buffer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Buffer{cfg: cfg, logger: logger}
}

// BytesBuffered returns the number of body bytes accepted so far.
func (b *Buffer) BytesBuffered() int64 {
	return b.size
}

// Spilled reports whether part of the body lives in a temporary file.
func (b *Buffer) Spilled() bool {
	return b.spilled
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if b.taken {
		return 0, ErrAlreadyConsumed
	}
	if b.cfg.MaxSize > 0 && b.size+int64(len(p)) > b.cfg.MaxSize {
		return 0, fmt.Errorf("%w: limit is %s", ErrTooLarge, humanize.IBytes(uint64(b.cfg.MaxSize)))
	}

	written := 0
	if b.file == nil {
		room := b.cfg.Threshold - int64(b.mem.Len())
		n := len(p)
		if int64(n) > room {
			n = int(room)
		}
		b.mem.Write(p[:n])
		written = n
		b.size += int64(n)
		p = p[n:]
		if len(p) == 0 {
			return written, nil
		}
		if err := b.spill(); err != nil {
			return written, err
		}
	}

	n, err := b.file.Write(p)
	written += n
	b.size += int64(n)
	if err != nil {
		return written, fmt.Errorf("%w: %v", ErrSpillUnavailable, err)
	}
	return written, nil
}

// ReadFrom drains r into the buffer. Errors from r are returned unwrapped.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	chunk := make([]byte, copyChunkSize)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			wn, werr := b.Write(chunk[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp(b.cfg.TempDir, "passenger-body-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpillUnavailable, err)
	}
	b.file = f
	b.spilled = true
	b.logger.V(logutil.DEBUG).Info("Spilling request body to disk",
		"path", f.Name(), "inMemory", humanize.IBytes(uint64(b.mem.Len())))
	return nil
}

// Reader returns a reader over the buffered body. It can be called once; the
// buffer accepts no more writes afterwards.
func (b *Buffer) Reader() (io.Reader, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.taken {
		return nil, ErrAlreadyConsumed
	}
	b.taken = true

	mem := bytes.NewReader(b.mem.Bytes())
	if b.file == nil {
		return mem, nil
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpillUnavailable, err)
	}
	b.logger.V(logutil.TRACE).Info("Replaying buffered body", "size", humanize.IBytes(uint64(b.size)))
	return io.MultiReader(mem, b.file), nil
}

// Close releases the memory and removes the spill file. It is idempotent.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = bytes.Buffer{}
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	cerr := b.file.Close()
	rerr := os.Remove(name)
	b.file = nil
	if rerr != nil && !os.IsNotExist(rerr) {
		return rerr
	}
	return cerr
}
