package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/bringyour/remoteblock/connect"
	"github.com/bringyour/remoteblock/producer"
	"github.com/bringyour/remoteblock/session"
)

const BlockServerVersion = "0.0.1"

func main() {
	usage := `Remote block server.

Serves a demo text editor over the block protocol.

Usage:
    blockserver [--config=<config>]
        [--tcp=<tcp_addr>]
        [--http=<http_addr>]
        [--quic=<quic_addr>]
        [--log=<level>]
    blockserver print-config [--config=<config>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      Yaml config file. Missing keys keep their defaults.
    --tcp=<tcp_addr>       Tcp listen address.
    --http=<http_addr>     Websocket and status listen address.
    --quic=<quic_addr>     Quic listen address.
    --log=<level>          Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BlockServerVersion)
	if err != nil {
		panic(err)
	}

	config, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	if printConfig_, _ := opts.Bool("print-config"); printConfig_ {
		printConfig(config)
	} else {
		serve(opts, config)
	}
}

func loadConfig(opts docopt.Opts) (*Config, error) {
	config := DefaultConfig()
	if configPath, err := opts.String("--config"); err == nil {
		config, err = LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	if tcpAddr, err := opts.String("--tcp"); err == nil {
		config.TcpAddr = tcpAddr
	}
	if httpAddr, err := opts.String("--http"); err == nil {
		config.HttpAddr = httpAddr
	}
	if quicAddr, err := opts.String("--quic"); err == nil {
		config.QuicAddr = quicAddr
	}
	return config, config.Validate()
}

func printConfig(config *Config) {
	out, err := yamlString(config)
	if err != nil {
		panic(err)
	}
	fmt.Print(out)
}

func serve(opts docopt.Opts, config *Config) {
	// glog reads its flags from the standard flag set
	flag.Set("logtostderr", "true")
	if level, err := opts.String("--log"); err == nil {
		flag.Set("v", level)
	}
	flag.CommandLine.Parse([]string{})
	defer glog.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	shaper := producer.NewCachingShaper(ctx, producer.NewMonospaceShaper(), config.ShaperCacheSettings())
	font := config.DefaultFont()
	editorFactory := func(ctx context.Context, ids session.IdAllocator) session.Editor {
		return NewDocumentEditor(ids, shaper, font, config.Document)
	}

	server := session.NewServer(ctx, editorFactory, config.ServerSettings())
	defer server.Close(5 * time.Second)

	g, gctx := errgroup.WithContext(ctx)

	if config.TcpAddr != "" {
		listener, err := net.Listen("tcp", config.TcpAddr)
		if err != nil {
			glog.Errorf("[main]tcp listen %s = %s\n", config.TcpAddr, err)
			return
		}
		fmt.Printf("tcp on %s\n", listener.Addr())
		g.Go(func() error {
			return server.ServeTcp(listener)
		})
	}

	if config.QuicAddr != "" {
		listener, err := connect.ListenQuic(config.QuicAddr, config.QuicSettings())
		if err != nil {
			glog.Errorf("[main]quic listen %s = %s\n", config.QuicAddr, err)
			return
		}
		fmt.Printf("quic on %s\n", listener.Addr())
		g.Go(func() error {
			return server.ServeQuic(listener)
		})
	}

	if config.HttpAddr != "" {
		httpServer := &http.Server{
			Addr:    config.HttpAddr,
			Handler: session.NewRouter(server),
		}
		fmt.Printf("ws and status on %s\n", config.HttpAddr)
		g.Go(func() error {
			err := httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		server.Close(5 * time.Second)
		return nil
	})

	if err := g.Wait(); err != nil {
		glog.Errorf("[main]%s\n", err)
	}
	glog.Infof("[main]stats = %+v\n", shaper.Metrics())
}
