package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"example/rockpaperscissors/gallery"
	p2pnode "example/rockpaperscissors/p2pNode"
	"example/rockpaperscissors/session"
)

// startupError marks failures the host refused us as permission errors.
func startupError(what string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%s: %w: %w", what, session.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func runPlay(cmd *cobra.Command, c *config) error {
	log, err := newLogger(c.logLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	g, err := gallery.Open(c.dataDir)
	if err != nil {
		return startupError("open gallery", err)
	}
	defer g.Close()

	node, err := p2pnode.New(p2pnode.Config{ListenAddrs: c.listen, Logger: log})
	if err != nil {
		return startupError("start node", err)
	}
	defer node.Close()

	accept, err := c.acceptPolicy()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	con := &console{out: out, log: log, gallery: g, sendPath: c.sendPath}
	coord, err := session.New(session.Options{
		Name:           c.name,
		ServiceID:      c.serviceID,
		Transport:      node,
		Observer:       con.observe,
		Accept:         accept,
		ConnectTimeout: c.connectTimeout,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	con.coord = coord

	printNodeAddress(out, coord.Name(), node)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if con.readCommands(ctx, cmd.InOrStdin()) {
			stop()
		}
	}()
	if c.search {
		coord.StartSearching()
	}
	return coord.Run(ctx)
}

// printNodeAddress prints our name and the full multiaddrs we listen on.
func printNodeAddress(out io.Writer, name string, node *p2pnode.Node) {
	fmt.Fprintf(out, "You are %s\n", name)
	fmt.Fprintln(out, "Listening on:")
	for _, addr := range node.FullAddrs() {
		fmt.Fprintf(out, "  %s\n", addr)
	}
	fmt.Fprintln(out, `Commands: find, send <path>, disconnect, quit`)
}

// console renders coordinator updates and turns typed commands into requests.
type console struct {
	out      io.Writer
	log      logrus.FieldLogger
	gallery  *gallery.Gallery
	coord    *session.Coordinator
	sendPath string

	mu  sync.Mutex
	bar *progressbar.ProgressBar
	dir session.Direction
}

func (c *console) observe(u session.Update) {
	switch u := u.(type) {
	case session.PhaseChanged:
		switch u.Phase {
		case session.Idle:
			fmt.Fprintln(c.out, "Idle. Type find to search again.")
		case session.Searching:
			fmt.Fprintln(c.out, "Searching for a peer...")
		case session.Connected:
			fmt.Fprintf(c.out, "Connected to %s\n", u.Peer.Name)
			if c.sendPath != "" {
				c.send(c.sendPath)
			}
		}

	case session.SessionEnded:
		c.finishBar()
		if u.Reason == session.EndedByPeer {
			fmt.Fprintf(c.out, "%s left the session\n", u.Peer.Name)
		} else {
			fmt.Fprintf(c.out, "Disconnected from %s\n", u.Peer.Name)
		}

	case session.ArtifactReceived:
		rec, err := c.gallery.Save(context.Background(), u.Peer, u.Artifact)
		if err != nil {
			c.log.WithError(err).Error("Failed to save received image")
			fmt.Fprintf(c.out, "Received a %s image from %s but could not save it: %v\n", u.Artifact.Format, u.Peer.Name, err)
			return
		}
		fmt.Fprintf(c.out, "Received %dx%d %s from %s: %s\n",
			rec.Width, rec.Height, rec.Format, u.Peer.Name, c.gallery.FilePath(rec))

	case session.TransferProgress:
		c.progress(u.Update)

	case session.Failure:
		fmt.Fprintf(c.out, "Error: %v\n", u.Err)
	}
}

// progress draws one bar per transfer.
func (c *console) progress(up session.TransferUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"direction": up.Direction,
		"status":    up.Status,
		"bytes":     up.Transferred,
		"total":     up.Total,
	}).Debug("Transfer update")

	switch up.Status {
	case session.TransferInProgress:
		if c.bar == nil || c.dir != up.Direction {
			c.bar = c.newBar(up.Total, up.Direction.String())
			c.dir = up.Direction
		}
		_ = c.bar.Set64(up.Transferred)
	case session.TransferSuccess:
		if c.bar != nil {
			_ = c.bar.Finish()
			c.bar = nil
		}
	case session.TransferFailure:
		if c.bar != nil {
			_ = c.bar.Exit()
			c.bar = nil
		}
		fmt.Fprintf(c.out, "%s transfer failed: %v\n", up.Direction, up.Err)
	}
}

// newBar is progressbar.DefaultBytes drawn on the console's writer.
func (c *console) newBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(c.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(c.out, "\n")
		}),
	)
}

func (c *console) finishBar() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar != nil {
		_ = c.bar.Exit()
		c.bar = nil
	}
}

func (c *console) send(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if err := c.coord.Send(data); err != nil {
		if errors.Is(err, session.ErrNoActivePeer) {
			fmt.Fprintln(c.out, "Not connected to anyone. Type find first.")
			return
		}
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Sending %s (%d bytes)\n", path, len(data))
}

// readCommands reads lines from in until EOF or ctx is done.
// It reports whether the user asked to quit.
func (c *console) readCommands(ctx context.Context, in io.Reader) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if !c.command(line) {
				return true
			}
		}
	}
}

// command runs one typed command and reports whether to keep reading.
func (c *console) command(line string) bool {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch verb {
	case "":
	case "find":
		if c.coord.Phase() != session.Idle {
			fmt.Fprintf(c.out, "Already %s\n", c.coord.Phase())
			break
		}
		c.coord.StartSearching()
	case "send":
		if arg == "" {
			fmt.Fprintln(c.out, "Usage: send <path>")
			break
		}
		c.send(arg)
	case "disconnect":
		if c.coord.Phase() == session.Idle {
			fmt.Fprintln(c.out, "Not connected to anyone.")
			break
		}
		c.coord.Disconnect()
	case "quit", "exit":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command %q. Commands: find, send <path>, disconnect, quit\n", verb)
	}
	return true
}
