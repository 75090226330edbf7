package report

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

func httpHandler(b *Broadcaster) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve exposes b on addr at /ws until ctx is cancelled.
func Serve(ctx context.Context, addr string, b *Broadcaster, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpHandler(b),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Close()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("dashboard feed listening", "addr", addr, "path", "/ws")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
