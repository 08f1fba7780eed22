package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"lanbridge/internal/api"
	"lanbridge/internal/config"
	"lanbridge/internal/discovery"
	"lanbridge/internal/fileaccess"
	"lanbridge/internal/logging"
	"lanbridge/internal/orchestrator"
	"lanbridge/internal/storage"
	"lanbridge/internal/transfer"
	"lanbridge/internal/transport"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "send" {
		os.Exit(runSend(args[1:]))
	}
	os.Exit(run(args))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		logging.Default().Error(context.Background(), "invalid configuration", "error", err)
		return 2
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		logger.Error(ctx, "cannot create download dir", "dir", cfg.DownloadDir, "error", err)
		return 1
	}

	store, err := storage.Open(ctx, cfg.HistoryDSN)
	if err != nil {
		logger.Error(ctx, "cannot open history store", "dsn", cfg.HistoryDSN, "error", err)
		return 1
	}
	defer store.Close()

	files := fileaccess.NewLocal(cfg.DownloadDir)
	disc := discovery.NewService(cfg, discovery.Options{Logger: logger})
	client := transfer.NewClient(cfg, files, logger)
	server := transfer.NewServer(cfg, files, logger)
	orch := orchestrator.NewService(cfg, client, files, disc, store, orchestrator.Options{Logger: logger})

	if err := orch.LoadHistory(ctx); err != nil {
		logger.Warn(ctx, "starting with empty history", "error", err)
	}

	if err := server.Start(cfg.TransferPort); err != nil {
		logger.Error(ctx, "cannot start transfer server", "error", err)
		return 1
	}
	disc.Start(cfg.DeviceName)
	go orch.Run(ctx, server.Updates())

	var control *api.Server
	notices := []<-chan string{disc.Errors(), server.Errors(), orch.Messages()}
	if cfg.ControlPort > 0 {
		control = api.NewServer(disc, orch, files, logger)
		if err := control.Start(cfg.ControlPort); err != nil {
			logger.Error(ctx, "cannot start control api", "error", err)
			return 1
		}
		go control.Run(ctx, notices...)
	} else {
		for _, ch := range notices {
			go logNotices(ctx, logger, ch)
		}
	}

	printBanner(cfg, transport.GetLocalIP())
	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	disc.Stop()
	orch.Close()
	if control != nil {
		control.Stop(shutdownCtx)
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "transfer server shutdown", "error", err)
	}
	return 0
}

func logNotices(ctx context.Context, logger logging.Logger, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			logger.Warn(ctx, msg)
		}
	}
}

func printBanner(cfg config.Config, localIP string) {
	if localIP == "" {
		localIP = "127.0.0.1"
	}
	control := "disabled"
	if cfg.ControlPort > 0 {
		control = fmt.Sprintf("http://127.0.0.1:%d", cfg.ControlPort)
	}
	fmt.Printf("\n")
	fmt.Printf("╔══════════════════════════════════════════════════════╗\n")
	fmt.Printf("║                LanBridge  — Ready!                   ║\n")
	fmt.Printf("╠══════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Device   : %-41s║\n", cfg.DeviceName)
	fmt.Printf("║  Local IP : %-41s║\n", localIP)
	fmt.Printf("║  Transfer : %-41s║\n", fmt.Sprintf("http://%s:%d%s", localIP, cfg.TransferPort, transfer.Endpoint))
	fmt.Printf("║  Control  : %-41s║\n", control)
	fmt.Printf("║  Downloads: %-41s║\n", cfg.DownloadDir)
	fmt.Printf("║  Max file : %-41s║\n", humanize.Bytes(uint64(cfg.MaxUploadBytes)))
	fmt.Printf("╚══════════════════════════════════════════════════════╝\n\n")
}
