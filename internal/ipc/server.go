package ipc

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// serve runs the common accept loop shared by the push, session-agent
// and master-agent listeners: accept until ctx is cancelled or ln
// closes, handing each connection to handle in its own goroutine.
func serve(ctx context.Context, ln net.Listener, log *zap.Logger, handle func(context.Context, net.Conn)) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Debug("ipc accept failed, listener closing", zap.Error(err))
				return
			}
		}
		go handle(ctx, conn)
	}
}
