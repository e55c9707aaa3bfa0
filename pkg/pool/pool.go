// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool recycles forwarding buffers between connections.
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out byte buffers grouped by size. Each route may use its own
// buffer size, so there is one free list per size.
type Pool struct {
	mu        sync.Mutex
	sizes     map[int]*sync.Pool
	allocated atomic.Int64
	active    atomic.Int64
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{sizes: make(map[int]*sync.Pool)}
}

// Get returns a buffer of exactly size bytes. Return it with Put.
func (p *Pool) Get(size int) *[]byte {
	p.active.Add(1)
	return p.list(size).Get().(*[]byte)
}

// Put returns a buffer obtained from Get.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	p.active.Add(-1)
	p.list(len(*buf)).Put(buf)
}

// Stats returns how many buffers were ever allocated and how many are in use.
func (p *Pool) Stats() (allocated, active int64) {
	return p.allocated.Load(), p.active.Load()
}

func (p *Pool) list(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp, ok := p.sizes[size]
	if !ok {
		sp = &sync.Pool{
			New: func() any {
				p.allocated.Add(1)
				buf := make([]byte, size)
				return &buf
			},
		}
		p.sizes[size] = sp
	}
	return sp
}
