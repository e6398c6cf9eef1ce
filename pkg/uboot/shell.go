// Package uboot layers the U-Boot command vocabulary on top of a serial
// console session. Every operation is one shell transaction: send a
// command line, then wait for the prompt or a known error pattern.
package uboot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/uboot-tools/ubflash/pkg/serialconsole"
)

// Prompt is the shell prompt printed by U-Boot when it is ready for the
// next command.
const Prompt = "=> "

// autobootHint is printed while the boot countdown is still running.
const autobootHint = "Hit any key to stop autoboot"

// Output fragments U-Boot prints when a network load goes wrong.
var transferFailurePatterns = []string{
	"TFTP error",
	"Retry count exceeded",
	"File not found",
	"link down",
	"Abort",
}

var bytesTransferredRe = regexp.MustCompile(`Bytes transferred = (\d+)`)

const (
	defaultCommandTimeout  = 30 * time.Second
	defaultTransferTimeout = 120 * time.Second
)

var (
	// ErrBootInterrupt means the shell prompt never appeared while trying
	// to stop autoboot. The device may have booted an OS already, or is
	// not responding at all.
	ErrBootInterrupt = errors.New("cannot interrupt autoboot")
	// ErrEnvSet means the shell did not accept an environment change.
	ErrEnvSet = errors.New("cannot set environment variable")
	// ErrDeviceSelect means the target MMC device/partition could not be
	// selected.
	ErrDeviceSelect = errors.New("cannot select storage device")
)

// Reason classifies why a transfer or storage write transaction failed.
type Reason int

const (
	// ReasonNoResponse: the device never printed a recognizable outcome.
	ReasonNoResponse Reason = iota
	// ReasonDeviceError: the device printed an explicit error.
	ReasonDeviceError
	// ReasonSizeMismatch: the device reported a byte count different from
	// the expected chunk length.
	ReasonSizeMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonNoResponse:
		return "no response"
	case ReasonDeviceError:
		return "device reported error"
	case ReasonSizeMismatch:
		return "size mismatch"
	}
	return "unknown"
}

// TransferError reports a failed network load into device memory.
type TransferError struct {
	Reason Reason
	Detail string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (%s): %s", e.Reason, e.Detail)
}

// WriteError reports a failed write from device memory to storage.
type WriteError struct {
	Reason Reason
	Detail string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage write failed (%s): %s", e.Reason, e.Detail)
}

// State is the driver's belief about the device side of the session.
type State int

const (
	StateUnknown State = iota
	StateAtShell
	StateFaulted
)

// Console is the subset of serialconsole.Session the driver needs.
type Console interface {
	Send(line string) error
	Expect(ctx context.Context, patterns []string, timeout time.Duration) (int, string, error)
}

// Timeouts bounds shell transactions. Command covers prompt-only
// exchanges; Transfer covers network loads and storage writes, which can
// legitimately take much longer.
type Timeouts struct {
	Command  time.Duration
	Transfer time.Duration
}

// Shell drives one U-Boot console.
type Shell struct {
	con      Console
	state    State
	timeouts Timeouts
}

func NewShell(con Console, t Timeouts) *Shell {
	if t.Command <= 0 {
		t.Command = defaultCommandTimeout
	}
	if t.Transfer <= 0 {
		t.Transfer = defaultTransferTimeout
	}
	return &Shell{
		con:      con,
		state:    StateUnknown,
		timeouts: t,
	}
}

func (sh *Shell) State() State {
	return sh.state
}

// InterruptAutoboot brings the device to the shell prompt. A bare CR
// either echoes the prompt (console already active) or lands in the boot
// countdown, in which case a second CR stops it.
func (sh *Shell) InterruptAutoboot(ctx context.Context) error {
	glog.Info("Waiting for u-boot prompt...")
	if err := sh.con.Send(""); err != nil {
		sh.state = StateFaulted
		return fmt.Errorf("%w: %v", ErrBootInterrupt, err)
	}
	idx, _, err := sh.con.Expect(ctx, []string{Prompt, autobootHint}, sh.timeouts.Command)
	if err != nil {
		sh.fault(err)
		return fmt.Errorf("%w: %v", ErrBootInterrupt, err)
	}
	if idx == 1 {
		// Countdown is running; any key stops it.
		if err := sh.con.Send(""); err != nil {
			sh.state = StateFaulted
			return fmt.Errorf("%w: %v", ErrBootInterrupt, err)
		}
		if _, _, err := sh.con.Expect(ctx, []string{Prompt}, sh.timeouts.Command); err != nil {
			sh.fault(err)
			return fmt.Errorf("%w: %v", ErrBootInterrupt, err)
		}
	}
	sh.state = StateAtShell
	glog.Info("Device is at the boot shell")
	return nil
}

// SetEnv sets one boot environment variable.
func (sh *Shell) SetEnv(ctx context.Context, name, value string) error {
	if _, err := sh.command(ctx, fmt.Sprintf("env set %s %s", name, value), sh.timeouts.Command); err != nil {
		return fmt.Errorf("%w: %s=%s: %v", ErrEnvSet, name, value, err)
	}
	return nil
}

// SelectDevice switches the shell's current MMC device and partition.
func (sh *Shell) SelectDevice(ctx context.Context, dev, part int) error {
	out, err := sh.command(ctx, fmt.Sprintf("mmc dev %d %d", dev, part), sh.timeouts.Command)
	if err != nil {
		return fmt.Errorf("%w: mmc %d:%d: %v", ErrDeviceSelect, dev, part, err)
	}
	if strings.Contains(out, "Card did not respond") || strings.Contains(out, "no mmc device") {
		return fmt.Errorf("%w: mmc %d:%d: %s", ErrDeviceSelect, dev, part, firstLineMatching(out, "mmc"))
	}
	return nil
}

// LoadToMemory asks the device to fetch filename over TFTP into RAM at
// loadAddr and returns the byte count the device reported. wantLen is the
// expected chunk length; a differing report is a failure, not a success
// with a surprise size.
func (sh *Shell) LoadToMemory(ctx context.Context, loadAddr uint32, filename string, wantLen int64) (int64, error) {
	cmd := fmt.Sprintf("tftp 0x%X %s", loadAddr, filename)
	if err := sh.con.Send(cmd); err != nil {
		sh.state = StateFaulted
		return 0, err
	}
	_, out, err := sh.con.Expect(ctx, []string{Prompt}, sh.timeouts.Transfer)
	if err != nil {
		if errors.Is(err, serialconsole.ErrTimeout) {
			return 0, &TransferError{Reason: ReasonNoResponse, Detail: err.Error()}
		}
		sh.fault(err)
		return 0, err
	}

	m := bytesTransferredRe.FindStringSubmatch(out)
	if m == nil {
		return 0, &TransferError{
			Reason: ReasonDeviceError,
			Detail: transferFailureDetail(out),
		}
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, &TransferError{Reason: ReasonDeviceError, Detail: fmt.Sprintf("unparseable byte count %q", m[1])}
	}
	if n != wantLen {
		return n, &TransferError{
			Reason: ReasonSizeMismatch,
			Detail: fmt.Sprintf("device loaded %d bytes, want %d", n, wantLen),
		}
	}
	glog.V(1).Infof("Loaded %q: %d bytes at 0x%X", filename, n, loadAddr)
	return n, nil
}

// FillMemory fills length bytes of RAM at loadAddr with a single byte
// value. Used to reproduce all-zero chunks without a network transfer.
func (sh *Shell) FillMemory(ctx context.Context, loadAddr uint32, value byte, length int64) error {
	cmd := fmt.Sprintf("mw.b 0x%X 0x%02X 0x%X", loadAddr, value, length)
	if _, err := sh.command(ctx, cmd, sh.timeouts.Command); err != nil {
		return err
	}
	return nil
}

// WriteBlocks writes blockCount blocks from RAM at loadAddr to the
// currently selected MMC device, starting at startBlock. Success requires
// the device's own confirmation in the output.
func (sh *Shell) WriteBlocks(ctx context.Context, loadAddr uint32, startBlock, blockCount int64) error {
	cmd := fmt.Sprintf("mmc write 0x%X 0x%X 0x%X", loadAddr, startBlock, blockCount)
	if err := sh.con.Send(cmd); err != nil {
		sh.state = StateFaulted
		return err
	}
	_, out, err := sh.con.Expect(ctx, []string{Prompt}, sh.timeouts.Transfer)
	if err != nil {
		if errors.Is(err, serialconsole.ErrTimeout) {
			return &WriteError{Reason: ReasonNoResponse, Detail: err.Error()}
		}
		sh.fault(err)
		return err
	}
	if !strings.Contains(out, "blocks written: OK") {
		return &WriteError{
			Reason: ReasonDeviceError,
			Detail: firstLineMatching(out, "MMC write"),
		}
	}
	glog.V(1).Infof("Wrote 0x%X blocks at block offset 0x%X", blockCount, startBlock)
	return nil
}

// command runs one prompt-terminated transaction and returns the captured
// output.
func (sh *Shell) command(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if err := sh.con.Send(cmd); err != nil {
		sh.state = StateFaulted
		return "", err
	}
	_, out, err := sh.con.Expect(ctx, []string{Prompt}, timeout)
	if err != nil {
		sh.fault(err)
		return out, err
	}
	return out, nil
}

// fault downgrades the session state on errors that mean the device is no
// longer known to sit at the shell prompt.
func (sh *Shell) fault(err error) {
	if errors.Is(err, serialconsole.ErrDeviceIO) {
		sh.state = StateFaulted
	} else {
		sh.state = StateUnknown
	}
}

func transferFailureDetail(out string) string {
	for _, p := range transferFailurePatterns {
		if strings.Contains(out, p) {
			return firstLineMatching(out, p)
		}
	}
	return "no transfer report in device output"
}

// firstLineMatching returns the first output line containing sub, or a
// placeholder when nothing matches.
func firstLineMatching(out, sub string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, sub) {
			return strings.TrimSpace(line)
		}
	}
	return "device output gave no detail"
}
