package cli

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/api"
	"github.com/labgrid-project/labgrid-go/internal/config"
	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/logging"
)

func startCoordinator(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Env:                "test",
		DBPath:             filepath.Join(t.TempDir(), "test.db"),
		DBDriver:           "sqlite",
		ExporterTimeout:    90 * time.Second,
		ReservationTimeout: 60 * time.Second,
	}
	logger := logging.New(false)
	if err := db.Init(cfg, logger); err != nil {
		t.Fatalf("db init: %v", err)
	}
	ts := httptest.NewServer(api.Router(cfg, logger))
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--coordinator", url}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestCreateShowDelete(t *testing.T) {
	ts := startCoordinator(t)

	if _, err := run(t, ts.URL, "create", "board-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := run(t, ts.URL, "set-tags", "board-1", "board=ptx", "rev=2"); err != nil {
		t.Fatalf("set-tags: %v", err)
	}
	if _, err := run(t, ts.URL, "set-comment", "board-1", "bench", "3"); err != nil {
		t.Fatalf("set-comment: %v", err)
	}
	if _, err := run(t, ts.URL, "add-match", "board-1", "rack1/ptx1"); err != nil {
		t.Fatalf("add-match: %v", err)
	}

	out, err := run(t, ts.URL, "show", "board-1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{`Place "board-1"`, "board=ptx", "rev=2", "bench 3", "rack1/ptx1/*"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, ts.URL, "places")
	if err != nil {
		t.Fatalf("places: %v", err)
	}
	if !strings.Contains(out, "board-1") {
		t.Fatalf("places output missing board-1:\n%s", out)
	}

	if _, err := run(t, ts.URL, "delete", "board-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run(t, ts.URL, "show", "board-1"); err == nil {
		t.Fatal("show after delete should fail")
	}
}

func TestAcquireReleaseWho(t *testing.T) {
	ts := startCoordinator(t)
	if _, err := run(t, ts.URL, "create", "board-2"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, ts.URL, "acquire", "board-2")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !strings.Contains(out, "acquired place board-2") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = run(t, ts.URL, "who")
	if err != nil {
		t.Fatalf("who: %v", err)
	}
	if !strings.Contains(out, "board-2") {
		t.Fatalf("who output missing board-2:\n%s", out)
	}

	if _, err := run(t, ts.URL, "acquire", "board-2"); err == nil {
		t.Fatal("second acquire should fail")
	}
	if _, err := run(t, ts.URL, "release", "board-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestReserveWaitCancel(t *testing.T) {
	ts := startCoordinator(t)
	if _, err := run(t, ts.URL, "create", "board-3"); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, ts.URL, "set-tags", "board-3", "board=imx"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, ts.URL, "reserve", "board=imx")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !strings.Contains(out, "state: allocated") || !strings.Contains(out, "allocation: board-3") {
		t.Fatalf("unexpected reserve output:\n%s", out)
	}
	token := ""
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "token: "); ok {
			token = rest
		}
	}
	if token == "" {
		t.Fatalf("no token in output:\n%s", out)
	}

	out, err = run(t, ts.URL, "reservations")
	if err != nil {
		t.Fatalf("reservations: %v", err)
	}
	if !strings.Contains(out, token) {
		t.Fatalf("reservations output missing token:\n%s", out)
	}

	if _, err := run(t, ts.URL, "cancel-reservation", token); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestExitStatus(t *testing.T) {
	if got := exitStatus(nil); got != 0 {
		t.Fatalf("nil error: got %d", got)
	}
	if got := exitStatus(errors.New("boom")); got != 1 {
		t.Fatalf("plain error: got %d", got)
	}
	if got := exitStatus(exitCodeError(42)); got != 42 {
		t.Fatalf("remote exit code lost: got %d", got)
	}
	if got := exitStatus(fmt.Errorf("ssh: %w", exitCodeError(3))); got != 3 {
		t.Fatalf("wrapped remote exit code lost: got %d", got)
	}
}

func TestBadTagArgument(t *testing.T) {
	ts := startCoordinator(t)
	if _, err := run(t, ts.URL, "create", "board-4"); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, ts.URL, "set-tags", "board-4", "notakeyvalue"); err == nil {
		t.Fatal("malformed tag should fail")
	}
}

// promptShell emulates a login prompt on the attached terminal.
type promptShell struct {
	done chan struct{}
}

func (s *promptShell) Start(tty *os.File) error {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		fmt.Fprint(tty, "login: ")
		r := bufio.NewReader(tty)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		fmt.Fprint(tty, "# ")
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fmt.Fprintf(tty, "ran %s\n", strings.TrimSpace(line))
	}()
	return nil
}

func (s *promptShell) Wait() error {
	<-s.done
	return nil
}

func (s *promptShell) Close() error {
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	return nil
}

func TestConsoleScriptedSteps(t *testing.T) {
	var out bytes.Buffer
	steps := []string{"expect=login: ", "send=root", "expect=# ", "send=uname", "expect=ran uname"}
	if err := runConsoleScript(&promptShell{}, steps, &out, 5*time.Second); err != nil {
		t.Fatalf("console script: %v", err)
	}
	if !strings.Contains(out.String(), "ran uname") {
		t.Fatalf("expected command echo in output:\n%s", out.String())
	}
}

func TestConsoleScriptBadStep(t *testing.T) {
	err := runConsoleScript(&promptShell{}, []string{"poke=x"}, &bytes.Buffer{}, time.Second)
	if err == nil || !strings.Contains(err.Error(), "poke=x") {
		t.Fatalf("expected step error, got %v", err)
	}
}
