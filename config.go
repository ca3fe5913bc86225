package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	multiaddr "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"example/rockpaperscissors/session"
)

// Defaults
const (
	defaultServiceID = "com.google.location.nearby.apps.rockpaperscissors"
	defaultDataDir   = "rps-gallery"
	defaultLogLevel  = "info"
)

var defaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
}

// config holds everything the flags can set.
type config struct {
	logLevel  string
	serviceID string
	dataDir   string

	name           string
	listen         []string
	connectTimeout time.Duration
	sendPath       string
	search         bool
	accept         string
}

var cfg = config{
	logLevel:  defaultLogLevel,
	serviceID: defaultServiceID,
	dataDir:   defaultDataDir,
	listen:    defaultListenAddrs,
	accept:    acceptAll,
}

// Accept modes for --accept.
const (
	acceptAll      = "all"
	acceptOutgoing = "outgoing"
)

func (c *config) validate() error {
	if _, err := logrus.ParseLevel(c.logLevel); err != nil {
		return err
	}
	if c.serviceID == "" {
		return errors.New("service id must not be empty")
	}
	// The service id becomes part of a protocol id.
	if strings.ContainsAny(c.serviceID, "/ \t\n") {
		return fmt.Errorf("invalid service id %q", c.serviceID)
	}
	if c.dataDir == "" {
		return errors.New("data directory must not be empty")
	}
	if _, err := c.acceptPolicy(); err != nil {
		return err
	}
	for _, addr := range c.listen {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
	}
	return nil
}

// acceptPolicy maps the --accept mode to a policy.
func (c *config) acceptPolicy() (session.AcceptPolicy, error) {
	switch c.accept {
	case "", acceptAll:
		return session.AcceptAll, nil
	case acceptOutgoing:
		return session.AcceptOutgoing, nil
	default:
		return nil, fmt.Errorf("invalid accept mode %q (want %s or %s)", c.accept, acceptAll, acceptOutgoing)
	}
}
