package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/term"

	"github.com/bringyour/remoteblock/cache"
	"github.com/bringyour/remoteblock/connect"
	"github.com/bringyour/remoteblock/protocol"
	"github.com/bringyour/remoteblock/session"
)

const BlockClientVersion = "0.0.1"

// terminal cell size in surface units
const cellWidth = 8
const cellHeight = 16

func main() {
	usage := `Remote block client.

Prints the text of each frame. Lines from stdin are sent as input.

Usage:
    blockclient tcp <addr> [--log=<level>]
    blockclient ws <url> [--log=<level>]
    blockclient quic <addr> [--insecure] [--log=<level>]

Options:
    -h --help        Show this screen.
    --version        Show version.
    --insecure       Skip server certificate verification.
    --log=<level>    Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BlockClientVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if level, err := opts.String("--log"); err == nil {
		flag.Set("v", level)
	}
	flag.CommandLine.Parse([]string{})
	defer glog.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	conn, err := connect.TraceWithReturnError("[main]dial", func() (io.ReadWriteCloser, error) {
		return dial(ctx, opts)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	transport := connect.NewStreamTransportWithDefaults(ctx, conn)
	clientSession := session.NewClientSessionWithDefaults(ctx, transport, &textRenderer{
		out: os.Stdout,
	})

	if err := clientSession.SendInput(viewportSize()); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	go forwardLines(ctx, clientSession, os.Stdin)

	err = clientSession.Run()
	if err != nil && !connect.IsDoneError(err) {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	}
	glog.Infof("[main]stats = %+v\n", clientSession.Stats())
}

func dial(ctx context.Context, opts docopt.Opts) (io.ReadWriteCloser, error) {
	if tcp_, _ := opts.Bool("tcp"); tcp_ {
		addr, _ := opts.String("<addr>")
		dialer := &net.Dialer{}
		return dialer.DialContext(ctx, "tcp", addr)
	} else if ws_, _ := opts.Bool("ws"); ws_ {
		url, _ := opts.String("<url>")
		return connect.DialWs(ctx, url, connect.DefaultWsSettings())
	} else {
		addr, _ := opts.String("<addr>")
		settings := connect.DefaultQuicSettings()
		settings.InsecureSkipVerify, _ = opts.Bool("--insecure")
		return connect.DialQuic(ctx, addr, settings)
	}
}

// the terminal size, or 80x24 when stdout is not a terminal
func viewportSize() *protocol.ResizeEvent {
	columns, rows := 80, 24
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if width, height, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			columns, rows = width, height
		}
	}
	return &protocol.ResizeEvent{
		Width:       uint32(columns * cellWidth),
		Height:      uint32(rows * cellHeight),
		ScaleFactor: 1,
	}
}

// each line is sent as chars followed by a newline
func forwardLines(ctx context.Context, clientSession *session.ClientSession, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		for _, c := range scanner.Text() + "\n" {
			if err := clientSession.SendInput(&protocol.CharEvent{Char: c}); err != nil {
				glog.Infof("[main]input = %s\n", err)
				return
			}
		}
	}
}

type textRenderer struct {
	out io.Writer
}

func (self *textRenderer) Render(tree *cache.Tree) {
	fmt.Fprintf(self.out, "--- frame %d\n", tree.SequenceNumber)
	for _, line := range TextLines(tree) {
		fmt.Fprintln(self.out, line)
	}
}
