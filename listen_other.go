//go:build !unix

package main

import (
	"context"
	"fmt"
	"log"
	"net"
)

func listenTCP(ctx context.Context, addr string, reuseAddr bool) (net.Listener, error) {
	if reuseAddr {
		log.Printf("Warning: server.reuse_addr is not supported on this platform")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
