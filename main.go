package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sourcegraph/conc"

	"giftauction/api"
)

const shutdownTimeout = 10 * time.Second

func main() {
	args := ParseArgs()
	if !args.Validate() {
		panic("missing arguments")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: args.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := api.NewServer(args.ServerConfig, api.WithServerLogger(logger))
	if err != nil {
		panic(err)
	}
	defer server.Close()
	// 排行榜需要在接受出價前與帳本一致
	if err := server.Start(ctx); err != nil {
		panic(err)
	}

	router := gin.Default()
	server.RegisterHandlers(router)
	httpServer := &http.Server{
		Addr:              args.ServerURL,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// 收到中止訊號時結束仍在串流中的 SSE 連線
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", slog.Any("err", err))
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Fail to shutdown HTTP server", slog.Any("err", err))
	}
	lifecycle.Wait()
}
