package flasher

import (
	"context"
	"fmt"
	"os"

	"github.com/golang/glog"

	"github.com/uboot-tools/ubflash/pkg/chunker"
	"github.com/uboot-tools/ubflash/pkg/imageprep"
	"github.com/uboot-tools/ubflash/pkg/serialconsole"
	"github.com/uboot-tools/ubflash/pkg/tftpserve"
	"github.com/uboot-tools/ubflash/pkg/uboot"
)

// Run executes one complete flashing run: prepare and chunk the image,
// bring up the transfer service, drive the boot shell, flash every chunk,
// and report how far it got. Chunk files are transient; they are removed
// when the run ends.
func Run(ctx context.Context, cfg Config) (RunResult, error) {
	cfg = cfg.withDefaults()
	failed := func(err error) (RunResult, error) {
		return RunResult{Outcome: OutcomeAborted, FailedChunk: -1, Reason: err.Error()}, err
	}

	rawPath, cleanupImage, err := imageprep.PrepareRawImage(cfg.ImagePath)
	if err != nil {
		return failed(err)
	}
	defer cleanupImage()

	chunkDir, err := os.MkdirTemp("", "ubflash_chunks_")
	if err != nil {
		return failed(fmt.Errorf("%w: cannot create chunk directory: %v", chunker.ErrStorage, err))
	}
	defer os.RemoveAll(chunkDir)

	chunks, err := chunker.Split(rawPath, chunkDir, cfg.ChunkSize)
	if err != nil {
		return failed(err)
	}
	if len(chunks) == 0 {
		return failed(fmt.Errorf("%w: image %q is empty", chunker.ErrImageUnreadable, cfg.ImagePath))
	}
	glog.Infof("Flashing %q: %d bytes in %d chunks", cfg.ImagePath, chunker.TotalLength(chunks), len(chunks))

	// The embedded server binds its port before any serial interaction, so
	// a privilege problem surfaces before the device is touched at all.
	// It serves a root of its own, separate from the chunk directory: a
	// chunk becomes fetchable only once MakeFetchable stages it, which
	// does not happen until the shell is confirmed.
	var pub tftpserve.Publisher
	if cfg.TFTPRoot != "" {
		pub, err = tftpserve.NewExternal(cfg.TFTPRoot, cfg.ServerIP)
	} else {
		var serveRoot string
		serveRoot, err = os.MkdirTemp("", "ubflash_tftp_")
		if err != nil {
			return failed(fmt.Errorf("%w: cannot create TFTP root: %v", chunker.ErrStorage, err))
		}
		defer os.RemoveAll(serveRoot)
		pub, err = tftpserve.NewEmbedded(serveRoot, cfg.ListenAddr, cfg.ServerIP)
	}
	if err != nil {
		return failed(err)
	}
	defer pub.Close()

	sess, err := serialconsole.Open(cfg.SerialPath, cfg.BaudRate)
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrDeviceUnresponsive, err))
	}
	defer sess.Close()
	if cfg.Echo != nil {
		sess.SetEcho(cfg.Echo)
	}

	shell := uboot.NewShell(sess, uboot.Timeouts{
		Command:  cfg.CommandTimeout,
		Transfer: cfg.TransferTimeout,
	})

	orch := NewOrchestrator(shell, pub, cfg)
	if err := orch.EnterShell(ctx, cfg); err != nil {
		return failed(err)
	}

	res, err := orch.FlashChunks(ctx, chunks)
	if err != nil {
		return res, err
	}
	glog.Infof("Image was flashed successfully: %d bytes written", res.BytesWritten)
	return res, nil
}
