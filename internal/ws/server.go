package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const StreamPath = "/stream"

// Serve exposes b on ln until ctx ends.
func Serve(ctx context.Context, ln net.Listener, b *Broadcaster, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(StreamPath, b)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("streaming events", zap.String("addr", "ws://"+ln.Addr().String()+StreamPath))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
