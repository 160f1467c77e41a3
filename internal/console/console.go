// Package console provides scripted interaction with an interactive shell
// on a target, built on go-expect. The transport hands over an attached
// terminal; the console drives it with expect/send steps.
package console

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	expect "github.com/Netflix/go-expect"
)

// Shell runs an interactive shell attached to a terminal.
type Shell interface {
	// Start wires the shell's stdio to tty and starts it.
	Start(tty *os.File) error
	// Wait blocks until the shell exits.
	Wait() error
	// Close terminates the shell.
	Close() error
}

// Console drives a Shell through expect/send steps.
type Console struct {
	con   *expect.Console
	shell Shell
}

// Attach starts sh on a fresh pseudo terminal and returns the console
// driving it.
func Attach(sh Shell, opts ...expect.ConsoleOpt) (*Console, error) {
	opts = append([]expect.ConsoleOpt{expect.WithDefaultTimeout(30 * time.Second)}, opts...)
	con, err := expect.NewConsole(opts...)
	if err != nil {
		return nil, err
	}
	if err := sh.Start(con.Tty()); err != nil {
		con.Close()
		return nil, err
	}
	return &Console{con: con, shell: sh}, nil
}

// Expect waits until the output matches the regular expression pattern and
// returns everything read up to and including the match.
func (c *Console) Expect(pattern string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return c.con.Expect(expect.Regexp(re))
}

// ExpectString waits until s appears in the output.
func (c *Console) ExpectString(s string) (string, error) {
	return c.con.ExpectString(s)
}

// SendLine writes s followed by a newline to the shell.
func (c *Console) SendLine(s string) error {
	_, err := c.con.SendLine(s)
	return err
}

// Send writes s to the shell as-is.
func (c *Console) Send(s string) error {
	_, err := c.con.Send(s)
	return err
}

// RunStep sends a command line and waits for pattern in its output.
func (c *Console) RunStep(command, pattern string) (string, error) {
	if err := c.SendLine(command); err != nil {
		return "", err
	}
	return c.Expect(pattern)
}

// Close terminates the shell and releases the terminal.
func (c *Console) Close() error {
	shellErr := c.shell.Close()
	// drain so the pty teardown does not race pending output
	go c.con.ExpectEOF()
	conErr := c.con.Close()
	if shellErr != nil && shellErr != io.EOF {
		return shellErr
	}
	return conErr
}
