package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// RawNetworkInterfaceDriver controls a network interface on the target
// through a CommandProtocol. Recording and replay need the transport to
// also support background processes, and replay needs file transfer to
// sync the capture onto the target first.
type RawNetworkInterfaceDriver struct {
	Ifname string

	cmd CommandProtocol
	bg  BackgroundProcessProtocol
	ft  FileTransferProtocol

	record     *BackgroundProcess
	recordFile *os.File
	recordDone chan struct{}
	replay     *BackgroundProcess
}

// NewRawNetworkInterfaceDriver binds the driver to ifname over cmd. bg and
// ft may be nil when record/replay are not needed.
func NewRawNetworkInterfaceDriver(ifname string, cmd CommandProtocol, bg BackgroundProcessProtocol, ft FileTransferProtocol) *RawNetworkInterfaceDriver {
	return &RawNetworkInterfaceDriver{Ifname: ifname, cmd: cmd, bg: bg, ft: ft}
}

// WaitForInterfaceState polls the interface operstate until it matches
// state or timeout expires.
func (d *RawNetworkInterfaceDriver) WaitForInterfaceState(ctx context.Context, state string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		lines, err := d.cmd.RunCheck(ctx, "cat /sys/class/net/"+d.Ifname+"/operstate")
		if err != nil {
			return err
		}
		if len(lines) > 0 && strings.TrimSpace(lines[0]) == state {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("interface %s did not go %s within %s", d.Ifname, state, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (d *RawNetworkInterfaceDriver) setInterface(ctx context.Context, state string, timeout time.Duration) error {
	if _, err := d.cmd.RunCheck(ctx, "ip link set "+d.Ifname+" "+state); err != nil {
		return err
	}
	return d.WaitForInterfaceState(ctx, state, timeout)
}

// SetInterfaceUp brings the bound interface up.
func (d *RawNetworkInterfaceDriver) SetInterfaceUp(ctx context.Context) error {
	return d.setInterface(ctx, "up", 3*time.Second)
}

// SetInterfaceDown takes the bound interface down.
func (d *RawNetworkInterfaceDriver) SetInterfaceDown(ctx context.Context) error {
	return d.setInterface(ctx, "down", 3*time.Second)
}

// SetInterfaceLinkMode forces speed (Mb/s) and duplex on the interface.
func (d *RawNetworkInterfaceDriver) SetInterfaceLinkMode(ctx context.Context, speed int, duplex string) error {
	if duplex == "" {
		duplex = "full"
	}
	if _, err := d.cmd.RunCheck(ctx, fmt.Sprintf("ethtool -s %s speed %d", d.Ifname, speed)); err != nil {
		return err
	}
	_, err := d.cmd.RunCheck(ctx, fmt.Sprintf("ethtool -s %s duplex %s", d.Ifname, duplex))
	return err
}

// Statistics returns the interface statistics from `ip --json` as a
// generic map.
func (d *RawNetworkInterfaceDriver) Statistics(ctx context.Context) (map[string]any, error) {
	lines, err := d.cmd.RunCheck(ctx, "ip --json -stats -stats link show "+d.Ifname)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal([]byte(strings.Join(lines, "\n")), &out); err != nil {
		return nil, fmt.Errorf("parse ip output: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("ip returned no interfaces")
	}
	return out[0], nil
}

// Address returns the MAC address of the bound interface.
func (d *RawNetworkInterfaceDriver) Address(ctx context.Context) (string, error) {
	stats, err := d.Statistics(ctx)
	if err != nil {
		return "", err
	}
	addr, _ := stats["address"].(string)
	if addr == "" {
		return "", errors.New("interface has no address")
	}
	return addr, nil
}

func (d *RawNetworkInterfaceDriver) ethtoolJSON(ctx context.Context, args string) (map[string]any, error) {
	lines, err := d.cmd.RunCheck(ctx, "ethtool --json "+args+d.Ifname)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal([]byte(strings.Join(lines, "\n")), &out); err != nil {
		return nil, fmt.Errorf("parse ethtool output: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("ethtool returned no settings")
	}
	return out[0], nil
}

// EthtoolSettings returns the link settings of the bound interface.
func (d *RawNetworkInterfaceDriver) EthtoolSettings(ctx context.Context) (map[string]any, error) {
	return d.ethtoolJSON(ctx, "")
}

// EthtoolEEESettings returns the Energy-Efficient Ethernet settings of the
// bound interface.
func (d *RawNetworkInterfaceDriver) EthtoolEEESettings(ctx context.Context) (map[string]any, error) {
	return d.ethtoolJSON(ctx, "--show-eee ")
}

// StartRecord starts a tcpdump capture on the interface, streaming the
// pcap data over stdout into localPath on the host. count limits the
// number of packets when > 0.
func (d *RawNetworkInterfaceDriver) StartRecord(ctx context.Context, localPath string, count int) error {
	if d.bg == nil {
		return errors.New("transport does not support background processes")
	}
	if d.record != nil {
		return errors.New("a capture is already running")
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("tcpdump -U -i %s -w -", d.Ifname)
	if count > 0 {
		cmd += fmt.Sprintf(" -c %d", count)
	}
	bp, err := d.bg.RunBackground(ctx, cmd)
	if err != nil {
		f.Close()
		os.Remove(localPath)
		return err
	}
	d.record = bp
	d.recordFile = f
	d.recordDone = make(chan struct{})
	go drainCapture(bp, f, d.recordDone)
	return nil
}

// drainCapture moves the streamed pcap data into f until bp exits.
func drainCapture(bp *BackgroundProcess, f *os.File, done chan struct{}) {
	defer close(done)
	for {
		stdout, _ := bp.Read()
		if stdout != "" {
			f.WriteString(stdout)
		}
		if _, exited := bp.Poll(); exited {
			stdout, _ = bp.Read()
			if stdout != "" {
				f.WriteString(stdout)
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// StopRecord terminates a running capture and flushes the remaining
// stream to the local file. tcpdump exits 0 on SIGTERM after a clean
// flush.
func (d *RawNetworkInterfaceDriver) StopRecord(ctx context.Context) error {
	if d.record == nil {
		return errors.New("no capture is running")
	}
	bp, f, done := d.record, d.recordFile, d.recordDone
	d.record, d.recordFile, d.recordDone = nil, nil, nil
	code, err := bp.Stop(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		f.Close()
		return ctx.Err()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if code != 0 {
		_, stderr := bp.Read()
		return &ExecutionError{Command: bp.Command, Stderr: splitLines([]byte(stderr)), ExitCode: code}
	}
	return nil
}

// Record captures packets on the interface into localPath for the
// duration of fn.
func (d *RawNetworkInterfaceDriver) Record(ctx context.Context, localPath string, count int, fn func() error) error {
	if err := d.StartRecord(ctx, localPath, count); err != nil {
		return err
	}
	fnErr := fn()
	stopErr := d.StopRecord(ctx)
	if fnErr != nil {
		return fnErr
	}
	return stopErr
}

// StartReplay syncs a local capture file onto the target and starts
// replaying it on the interface.
func (d *RawNetworkInterfaceDriver) StartReplay(ctx context.Context, localPath string) error {
	if d.bg == nil {
		return errors.New("transport does not support background processes")
	}
	if d.ft == nil {
		return errors.New("transport does not support file transfer")
	}
	if d.replay != nil {
		return errors.New("a replay is already running")
	}
	remotePath := path.Join("/tmp", filepath.Base(localPath))
	if err := d.ft.Put(ctx, localPath, remotePath); err != nil {
		return fmt.Errorf("sync capture to target: %w", err)
	}
	bp, err := d.bg.RunBackground(ctx, fmt.Sprintf("tcpreplay -i %s %s", d.Ifname, remotePath))
	if err != nil {
		return err
	}
	d.replay = bp
	return nil
}

// StopReplay waits for a running replay to finish.
func (d *RawNetworkInterfaceDriver) StopReplay(ctx context.Context) error {
	if d.replay == nil {
		return errors.New("no replay is running")
	}
	bp := d.replay
	d.replay = nil
	code, err := bp.Wait(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		_, stderr := bp.Read()
		return &ExecutionError{Command: bp.Command, Stderr: splitLines([]byte(stderr)), ExitCode: code}
	}
	return nil
}
