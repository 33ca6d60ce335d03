package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// calcServerEnv makes the test binary act as a stdio MCP calculator.
const calcServerEnv = "MCP_TEST_CALC_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(calcServerEnv) == "1" {
		serveCalcStdio()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// serveCalcStdio answers newline-delimited JSON-RPC on stdin with
// calcReply until stdin closes.
func serveCalcStdio() {
	fmt.Fprintln(os.Stderr, "calc server ready")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		resp, ok := calcReply(scanner.Bytes())
		if !ok {
			continue
		}
		data, _ := json.Marshal(resp)
		fmt.Fprintf(os.Stdout, "%s\n", data)
	}
}

func calcStdioConfig() StdioConfig {
	return StdioConfig{
		Command: os.Args[0],
		Env:     []string{calcServerEnv + "=1"},
	}
}

func TestStdioTransport_Calculator(t *testing.T) {
	exerciseCalc(t, NewStdioTransport(calcStdioConfig()))
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "/nonexistent/mcp-server"})
	defer tr.Close()

	_, err := tr.Send(context.Background(), NewRequest(1, "tools/list", nil))
	if err == nil {
		t.Fatal("expected error starting a missing command")
	}
}

func TestStdioTransport_Bridge(t *testing.T) {
	bridge := NewBridge(BridgeConfig{
		Servers: map[string]ServerConfig{
			"math": {
				Transport: TransportStdio,
				Command:   os.Args[0],
				Env:       map[string]string{calcServerEnv: "1"},
			},
		},
	})
	defer bridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry, release, err := bridge.OpenTools(ctx)
	if err != nil {
		t.Fatalf("OpenTools: %v", err)
	}
	defer release()

	out, err := registry.Execute(ctx, "add", map[string]any{"a": json.Number("2"), "b": json.Number("2")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, ok := out.(*CallResult)
	if !ok {
		t.Fatalf("result = %T, want *CallResult", out)
	}
	if got := res.Export(); got != "4" {
		t.Errorf("add(2,2) = %#v, want %q", got, "4")
	}
}

func TestStdioTransport_Semaphore(t *testing.T) {
	tests := []struct {
		name    string
		held    bool // another caller holds the pipe
		cancel  bool // context cancelled before the call
		wantErr error
	}{
		{name: "free", wantErr: nil},
		{name: "held until deadline", held: true, wantErr: context.DeadlineExceeded},
		{name: "held and cancelled", held: true, cancel: true, wantErr: context.Canceled},
		{name: "free but cancelled", cancel: true, wantErr: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewStdioTransport(StdioConfig{Command: "echo"})
			if tt.held {
				tr.sem <- struct{}{}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			if tt.cancel {
				cancel()
			}

			err := tr.acquire(ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("acquire() = %v, want %v", err, tt.wantErr)
			}
			if err == nil {
				tr.release()
			}

			// A failed acquire must not leave the slot taken.
			if !tt.held {
				select {
				case tr.sem <- struct{}{}:
				default:
					t.Fatal("semaphore left held")
				}
			}
		})
	}
}

func TestStdioTransport_CallsWaitForPipe(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(99, "ping", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() = %v, want context.DeadlineExceeded", err)
	}
	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Notify() = %v, want context.DeadlineExceeded", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- tr.Close() }()

	select {
	case <-closed:
		t.Fatal("Close() returned while the pipe was held")
	case <-time.After(100 * time.Millisecond):
	}

	tr.release()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() = %v, want nil for an unstarted transport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return after release")
	}
}
