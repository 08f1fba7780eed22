package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"lanbridge/internal/config"
	"lanbridge/internal/fileaccess"
	"lanbridge/internal/logging"
	"lanbridge/internal/models"
	"lanbridge/internal/transfer"
)

// runSend uploads files to one peer without starting discovery:
//
//	app send -to 192.168.1.20:8294 report.pdf photo.jpg
func runSend(args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "peer address as ip:port")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *to == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: app send -to ip:port file...")
		return 2
	}
	device, err := parsePeer(*to)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(nil)
	if err != nil {
		logging.Default().Error(context.Background(), "invalid configuration", "error", err)
		return 2
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	files := fileaccess.NewLocal(cfg.DownloadDir)
	client := transfer.NewClient(cfg, files, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, path := range fs.Args() {
		if err := sendOne(ctx, client, files, device, path); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			if errors.Is(err, context.Canceled) {
				break
			}
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func sendOne(ctx context.Context, client *transfer.Client, files *fileaccess.Local, device models.Device, path string) error {
	meta, err := files.ReadMetadata(path)
	if err != nil {
		return err
	}
	fmt.Printf("Sending %s (%s) to %s:%d\n", meta.DisplayName, humanize.Bytes(uint64(meta.SizeBytes)), device.IP, device.ServerPort)

	onProgress := func(p float64) {}
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.DefaultBytes(meta.SizeBytes, "uploading "+meta.DisplayName)
		onProgress = func(p float64) { bar.Set64(int64(p * float64(meta.SizeBytes))) }
	}

	resp, err := client.SendFile(ctx, device, path, onProgress)
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return err
	}
	fmt.Printf("Saved on peer as %s\n", resp.SavedPath)
	return nil
}

func parsePeer(addr string) (models.Device, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return models.Device{}, fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return models.Device{}, fmt.Errorf("invalid peer port %q", portStr)
	}
	return models.Device{
		ID:         fmt.Sprintf("manual-%s-%d", host, port),
		Name:       host,
		IP:         host,
		Platform:   models.PlatformUnknown,
		ServerPort: port,
		IsManual:   true,
	}, nil
}
