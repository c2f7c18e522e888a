// pagesync_cloudsink is the development cloud endpoint: it terminates the
// HTTP/3 marker stream of pagesync servers and logs every page whose sync
// was requested. It stands in for the real cloud while testing sync flows
// end to end.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/pagesync/config/certs"
	cloudsync "github.com/sushant-115/pagesync/core/cloud_sync"
	"github.com/sushant-115/pagesync/pkg/logger"
)

var (
	addr       = flag.String("addr", ":8444", "UDP address to serve HTTP/3 on")
	urlPath    = flag.String("url_path", "/markers", "Marker stream path")
	certPath   = flag.String("cert", "", "Server certificate PEM")
	keyPath    = flag.String("key", "", "Server key PEM")
	devCertDir = flag.String("dev_cert_dir", "", "Generate a dev CA and server certificate into this directory and serve with them")
	logLevel   = flag.String("log_level", "info", "Log level")
)

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{
		Level:       *logLevel,
		Format:      "console",
		OutputFile:  "stderr",
		ServiceName: "pagesync-cloudsink",
	})
	if err != nil {
		log.Fatalf("CRITICAL: can't initialize logger: %v", err)
	}

	serverCert, serverKey := *certPath, *keyPath
	if *devCertDir != "" {
		if err := certs.WriteDev(*devCertDir, "localhost", "127.0.0.1"); err != nil {
			zlogger.Fatal("generating dev certificates failed", zap.Error(err))
		}
		serverCert = filepath.Join(*devCertDir, "server.crt")
		serverKey = filepath.Join(*devCertDir, "server.key")
		zlogger.Info("dev certificates written",
			zap.String("dir", *devCertDir),
			zap.String("clientCA", filepath.Join(*devCertDir, "ca.crt")))
	}
	if serverCert == "" || serverKey == "" {
		zlogger.Fatal("a server certificate is required: pass -cert/-key or -dev_cert_dir")
	}
	tlsCfg, err := certs.LoadServer(serverCert, serverKey)
	if err != nil {
		zlogger.Fatal("loading server certificate failed", zap.Error(err))
	}

	sink, err := cloudsync.NewSink(cloudsync.SinkConfig{
		Addr:    *addr,
		URLPath: *urlPath,
		TLS:     tlsCfg,
	}, zlogger)
	if err != nil {
		zlogger.Fatal("creating sink failed", zap.Error(err))
	}
	if err := sink.Start(); err != nil {
		zlogger.Fatal("starting sink failed", zap.Error(err))
	}
	zlogger.Info("cloud sink listening",
		zap.String("addr", sink.Addr()), zap.String("path", *urlPath))

	var wg sync.WaitGroup
	var received int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for marker := range sink.Markers() {
			received++
			zlogger.Info("page sync requested",
				zap.String("ledger", marker.Ledger),
				zap.String("page", marker.Page))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zlogger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		zlogger.Warn("sink shutdown incomplete", zap.Error(err))
	}
	wg.Wait()
	zlogger.Info("cloud sink shut down", zap.Int("markersReceived", received))
	_ = zlogger.Sync()
}
