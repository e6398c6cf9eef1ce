// Package flasher sequences image chunking, the boot shell session and
// the TFTP transfer service into one flashing run. It is the sole caller
// of every other component; nothing calls back into it.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"

	"github.com/uboot-tools/ubflash/pkg/chunker"
	"github.com/uboot-tools/ubflash/pkg/tftpserve"
	"github.com/uboot-tools/ubflash/pkg/uboot"
)

var (
	// ErrDeviceUnresponsive means the boot shell was never reached. The
	// run aborts before any chunk is published or written.
	ErrDeviceUnresponsive = errors.New("device unresponsive")
	// ErrConfigurationRejected means the device refused an environment
	// change required for the transfer.
	ErrConfigurationRejected = errors.New("device rejected configuration")
)

// Config is the typed configuration the thin CLI hands to Run.
type Config struct {
	SerialPath string
	BaudRate   int
	ImagePath  string

	// TFTPRoot selects the external-server variant when set; empty means
	// run the embedded server on ListenAddr.
	TFTPRoot   string
	ListenAddr string

	// ServerIP and BoardIP, when set, are pushed into the boot
	// environment before any transfer.
	ServerIP string
	BoardIP  string

	ChunkSize int64
	LoadAddr  uint32
	BaseAddr  int64
	MMCDev    int
	MMCPart   int
	BlockSize int64

	// Attempts bounds per-chunk retries of the load and write steps.
	Attempts        int
	CommandTimeout  time.Duration
	TransferTimeout time.Duration

	// Progress, when set, is called after every committed chunk.
	Progress func(written, total int64)
	// Echo, when set, receives the device's console output live.
	Echo io.Writer
}

func (c Config) withDefaults() Config {
	if c.BaudRate <= 0 {
		c.BaudRate = 115200
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 20 * 1024 * 1024
	}
	if c.LoadAddr == 0 {
		c.LoadAddr = 0x48000000
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 512
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	return c
}

// Outcome of a run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAborted
)

// RunResult reports how far a run got. After an abort, FinalCursor is the
// number of bytes that are known valid on the device, so an operator can
// decide whether to resume externally or re-flash from scratch.
type RunResult struct {
	BytesWritten int64
	FinalCursor  int64
	Outcome      Outcome
	// FailedChunk is the index of the chunk the run aborted on, -1 when
	// the abort happened outside any chunk (or the run succeeded).
	FailedChunk int
	Reason      string
}

// BootShell is what the orchestrator needs from the boot loader driver.
type BootShell interface {
	InterruptAutoboot(ctx context.Context) error
	SetEnv(ctx context.Context, name, value string) error
	SelectDevice(ctx context.Context, dev, part int) error
	LoadToMemory(ctx context.Context, loadAddr uint32, filename string, wantLen int64) (int64, error)
	FillMemory(ctx context.Context, loadAddr uint32, value byte, length int64) error
	WriteBlocks(ctx context.Context, loadAddr uint32, startBlock, blockCount int64) error
}

// Orchestrator drives one flashing run over already-constructed
// collaborators. Strictly sequential: the device has one serial shell and
// eMMC writes must land in offset order.
type Orchestrator struct {
	shell    BootShell
	pub      tftpserve.Publisher
	loadAddr uint32
	baseAddr int64
	blockSz  int64
	attempts int
	progress func(written, total int64)
}

func NewOrchestrator(shell BootShell, pub tftpserve.Publisher, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		shell:    shell,
		pub:      pub,
		loadAddr: cfg.LoadAddr,
		baseAddr: cfg.BaseAddr,
		blockSz:  cfg.BlockSize,
		attempts: cfg.Attempts,
		progress: cfg.Progress,
	}
}

// EnterShell brings the device to a known shell state and applies the
// requested environment. Any failure here is fatal for the run: without a
// confirmed prompt the device state is unknown.
func (o *Orchestrator) EnterShell(ctx context.Context, cfg Config) error {
	if err := o.shell.InterruptAutoboot(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnresponsive, err)
	}
	if cfg.ServerIP != "" {
		if err := o.shell.SetEnv(ctx, "serverip", cfg.ServerIP); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigurationRejected, err)
		}
	}
	if cfg.BoardIP != "" {
		if err := o.shell.SetEnv(ctx, "ipaddr", cfg.BoardIP); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigurationRejected, err)
		}
	}
	if err := o.shell.SelectDevice(ctx, cfg.MMCDev, cfg.MMCPart); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationRejected, err)
	}
	return nil
}

// FlashChunks writes every chunk in order, tracking the destination
// offset with a WriteCursor that only advances after the device confirmed
// the chunk's write.
func (o *Orchestrator) FlashChunks(ctx context.Context, chunks []chunker.Chunk) (RunResult, error) {
	cursor := NewWriteCursor(o.baseAddr, o.blockSz)
	total := chunker.TotalLength(chunks)

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return o.aborted(cursor, c.Index, err), err
		}
		if err := o.flashOne(ctx, c, cursor); err != nil {
			err = fmt.Errorf("chunk %d (offset %d): %w", c.Index, c.Offset, err)
			glog.Errorf("Aborting run: %v; %d bytes are valid on the device", err, cursor.Bytes())
			return o.aborted(cursor, c.Index, err), err
		}
		cursor.Advance(c.Length)
		if o.progress != nil {
			o.progress(cursor.Bytes(), total)
		}
		if total > 0 {
			glog.Infof("Progress: %d/%d (%d%%)", cursor.Bytes(), total, cursor.Bytes()*100/total)
		}
	}

	return RunResult{
		BytesWritten: cursor.Bytes(),
		FinalCursor:  cursor.Bytes(),
		Outcome:      OutcomeSuccess,
		FailedChunk:  -1,
	}, nil
}

func (o *Orchestrator) aborted(cursor *WriteCursor, chunkIndex int, err error) RunResult {
	return RunResult{
		BytesWritten: cursor.Bytes(),
		FinalCursor:  cursor.Bytes(),
		Outcome:      OutcomeAborted,
		FailedChunk:  chunkIndex,
		Reason:       err.Error(),
	}
}

// flashOne gets one chunk into device RAM and commits it to storage. The
// cursor is read here but advanced by the caller, so a retried or aborted
// chunk can never double-advance it.
func (o *Orchestrator) flashOne(ctx context.Context, c chunker.Chunk, cursor *WriteCursor) error {
	if c.Zero {
		// All-zero chunks are reproduced in RAM with a fill; no transfer.
		if err := o.withRetries(ctx, "fill", c.Index, func() error {
			return o.shell.FillMemory(ctx, o.loadAddr, 0x00, c.Length)
		}); err != nil {
			return err
		}
	} else {
		ep, err := o.pub.MakeFetchable(c)
		if err != nil {
			return err
		}
		if err := o.withRetries(ctx, "load", c.Index, func() error {
			_, lerr := o.shell.LoadToMemory(ctx, o.loadAddr, ep.Filename, c.Length)
			return lerr
		}); err != nil {
			return err
		}
	}

	return o.withRetries(ctx, "write", c.Index, func() error {
		return o.shell.WriteBlocks(ctx, o.loadAddr, cursor.NextBlock(), cursor.BlocksFor(c.Length))
	})
}

// withRetries runs op up to the attempt bound. Only failures the device
// itself reported or timed out on are retried; I/O loss of the serial
// session or cancellation aborts immediately.
func (o *Orchestrator) withRetries(ctx context.Context, stage string, chunkIndex int, op func() error) error {
	var err error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !retriable(err) || ctx.Err() != nil {
			return err
		}
		glog.Warningf("Chunk %d %s attempt %d/%d failed: %v", chunkIndex, stage, attempt, o.attempts, err)
	}
	return fmt.Errorf("after %d attempts: %w", o.attempts, err)
}

func retriable(err error) bool {
	var terr *uboot.TransferError
	var werr *uboot.WriteError
	return errors.As(err, &terr) || errors.As(err, &werr)
}
