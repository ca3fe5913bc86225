package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"example/rockpaperscissors/session"
)

func validConfig() config {
	return config{
		logLevel:  defaultLogLevel,
		serviceID: defaultServiceID,
		dataDir:   defaultDataDir,
		listen:    defaultListenAddrs,
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := validConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestConfigRejectsBadValues(t *testing.T) {
	cases := map[string]func(*config){
		"log level":     func(c *config) { c.logLevel = "loud" },
		"empty service": func(c *config) { c.serviceID = "" },
		"slash service": func(c *config) { c.serviceID = "a/b" },
		"data dir":      func(c *config) { c.dataDir = "" },
		"listen":        func(c *config) { c.listen = []string{"tcp://0.0.0.0:0"} },
		"accept":        func(c *config) { c.accept = "everyone" },
	}
	for name, mutate := range cases {
		c := validConfig()
		mutate(&c)
		if err := c.validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestStartupErrorMapsPermission(t *testing.T) {
	err := startupError("open gallery", fmt.Errorf("mkdir: %w", os.ErrPermission))
	if !errors.Is(err, session.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "open gallery") {
		t.Errorf("unexpected message %q", err)
	}

	err = startupError("start node", errors.New("boom"))
	if errors.Is(err, session.ErrPermissionDenied) {
		t.Fatalf("unrelated error mapped to ErrPermissionDenied: %v", err)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	log, err := newLogger("debug", os.Stderr)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	if log.GetLevel().String() != "debug" {
		t.Errorf("level = %s", log.GetLevel())
	}
	if _, err := newLogger("nope", os.Stderr); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestAcceptPolicy(t *testing.T) {
	c := validConfig()
	incoming := session.ConnectionInitiated{EndpointID: "bar", Name: "Bar", Incoming: true}

	policy, err := c.acceptPolicy()
	if err != nil {
		t.Fatalf("acceptPolicy failed: %v", err)
	}
	if !policy(incoming) {
		t.Error("default policy refused an incoming proposal")
	}

	c.accept = acceptOutgoing
	policy, err = c.acceptPolicy()
	if err != nil {
		t.Fatalf("acceptPolicy failed: %v", err)
	}
	if policy(incoming) {
		t.Error("outgoing policy accepted an incoming proposal")
	}
	incoming.Incoming = false
	if !policy(incoming) {
		t.Error("outgoing policy refused a requested connection")
	}
}
