// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/mcproxy"
	"github.com/absmach/mcproxy/pkg/mcproto"
	"github.com/caarlos0/env/v11"
)

func freeAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestRun_ShutdownWithLiveConnection(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create backend listener: %v", err)
	}
	defer backend.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	listen := freeAddress(t)
	path := filepath.Join(t.TempDir(), "mcproxy.yaml")
	routes := fmt.Sprintf(`servers:
  - listen: %s
    server_names: [mc.example.com]
    proxy_pass: %s
`, listen, backend.Addr())
	if err := os.WriteFile(path, []byte(routes), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := mcproxy.NewConfig(env.Options{Prefix: mcproxy.EnvPrefix, Environment: map[string]string{}})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	cfg.ConfigFile = path
	cfg.AdminAddress = mcproxy.AdminDisabled
	cfg.ShutdownTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- run(ctx, cfg, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	}()

	var client net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		if client, err = net.Dial("tcp", listen); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Failed to connect to proxy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer client.Close()

	frame, err := mcproto.MakeFrame(&mcproto.Handshake{
		ProtocolVersion: 763,
		Domain:          "mc.example.com",
		ServerPort:      25565,
		NextState:       int32(mcproto.StateLogin),
	})
	if err != nil {
		t.Fatalf("MakeFrame() error = %v", err)
	}
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received a connection")
	}
	defer conn.Close()
	got := make([]byte, len(frame))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("backend read error = %v", err)
	}

	// The player is still connected, so shutdown has to force close it.
	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("run() = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
