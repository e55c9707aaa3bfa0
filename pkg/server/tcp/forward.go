// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Direction labels for forwarded bytes.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

var errPipePanic = errors.New("forwarding panicked")

type closeWriter interface {
	CloseWrite() error
}

// rawConn is implemented by wrappers such as proxyproto.Conn.
type rawConn interface {
	Raw() net.Conn
}

// forward copies bytes in both directions until each side reaches EOF or
// fails. It returns the bytes written to the backend and to the client.
// A panic in either direction closes both connections, so the other
// direction stops too.
func (s *Server) forward(client net.Conn, closeClient func() error, backend net.Conn, closeBackend func() error, size int) (up, down int64, err error) {
	var (
		wg             sync.WaitGroup
		upErr, downErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer s.recoverPipe(Upstream, &upErr, closeClient, closeBackend)
		up, upErr = s.pipe(backend, closeBackend, client, size, Upstream)
	}()
	go func() {
		defer wg.Done()
		defer s.recoverPipe(Downstream, &downErr, closeClient, closeBackend)
		down, downErr = s.pipe(client, closeClient, backend, size, Downstream)
	}()
	wg.Wait()
	return up, down, errors.Join(upErr, downErr)
}

// recoverPipe must be deferred directly by a forwarding goroutine.
func (s *Server) recoverPipe(direction string, err *error, closers ...func() error) {
	r := recover()
	if r == nil {
		return
	}
	s.config.Logger.Error("forwarding panic",
		slog.String("direction", direction),
		slog.Any("panic", r))
	for _, c := range closers {
		_ = c()
	}
	*err = fmt.Errorf("%w: %s: %v", errPipePanic, direction, r)
}

// pipe copies src into dst and then shuts down the write side of dst, so the
// peer behind dst sees EOF while the opposite direction keeps flowing.
func (s *Server) pipe(dst net.Conn, closeDst func() error, src net.Conn, size int, direction string) (int64, error) {
	bufp := s.config.Buffers.Get(size)
	defer s.config.Buffers.Put(bufp)
	buf := *bufp

	var written int64
	var err error
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				err = werr
				break
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				err = rerr
			}
			break
		}
	}

	s.config.Metrics.AddBytes(direction, written)
	closeWrite(dst, closeDst)
	return written, err
}

// closeWrite half-closes c. Connections without half-close support, or whose
// half-close fails, are closed with closeFn.
func closeWrite(c net.Conn, closeFn func() error) {
	for {
		switch v := c.(type) {
		case closeWriter:
			if err := v.CloseWrite(); err != nil {
				_ = closeFn()
			}
			return
		case rawConn:
			c = v.Raw()
		default:
			_ = closeFn()
			return
		}
	}
}
