// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package iobuf

import (
	"bytes"
	"sync"
)

// Buffer is a byte FIFO shared between a protocol loop and a socket
// goroutine. Append and Remove may be called from different goroutines.
type Buffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Len()
}

func (b *Buffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b.Write(p)
}

func (b *Buffer) AppendString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b.WriteString(s)
}

// Remove moves up to len(p) bytes from the front of the FIFO into p and
// returns the number of bytes moved. Returns 0 when the FIFO is empty.
func (b *Buffer) Remove(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.b.Read(p)
	return n
}

// RemoveAll drains the FIFO and returns its whole content as a fresh slice.
func (b *Buffer) RemoveAll() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.b.Len() == 0 {
		return nil
	}
	p := make([]byte, b.b.Len())
	b.b.Read(p)
	return p
}
