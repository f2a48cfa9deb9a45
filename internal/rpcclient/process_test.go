package rpcclient

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nugget/deckforge/internal/toolhost"
	"github.com/nugget/deckforge/internal/transport"
)

const helperEnv = "DECKFORGE_RPCCLIENT_HELPER"

// TestMain doubles as a tool host child when re-executed with helperEnv
// set.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		registry := toolhost.NewRegistry(&toolhost.Tool{
			Name: "pid",
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return os.Getpid(), nil
			},
		})
		if err := toolhost.NewServer(registry, os.Stdin, os.Stdout, discardLogger()).Serve(context.Background()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestCall_KillBetweenCallsIsTransparent(t *testing.T) {
	proc := transport.New(transport.Config{
		Command:       os.Args[0],
		Args:          []string{"-test.run=^$"},
		Env:           []string{helperEnv + "=1"},
		ShutdownGrace: time.Second,
		Logger:        discardLogger(),
	})
	t.Cleanup(func() { proc.Close() })
	c := New(proc, Options{Logger: discardLogger()})
	ctx := context.Background()

	var pid int
	if err := c.Call(ctx, "pid", nil, &pid); err != nil {
		t.Fatalf("first Call() error: %v", err)
	}

	for i := range 5 {
		child, err := os.FindProcess(pid)
		if err != nil {
			t.Fatalf("FindProcess: %v", err)
		}
		if err := child.Kill(); err != nil {
			t.Fatalf("Kill: %v", err)
		}

		// No wait for the child to be reaped: the next call races its death.
		var next int
		if err := c.Call(ctx, "pid", nil, &next, WithTimeout(10*time.Second)); err != nil {
			t.Fatalf("Call() after kill %d error: %v", i+1, err)
		}
		if next == pid {
			t.Fatalf("Call() after kill %d answered by the killed child %d", i+1, pid)
		}
		pid = next
	}
	if got := proc.Spawns(); got != 6 {
		t.Errorf("Spawns() = %d, want 6", got)
	}
}
