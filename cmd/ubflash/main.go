// ubflash flashes an image file onto a board's eMMC through the U-Boot
// console and TFTP.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/uboot-tools/ubflash/internal/config"
	"github.com/uboot-tools/ubflash/pkg/flasher"
)

var (
	serialPath string
	tftpRoot   string
	serverIP   string
	boardIP    string
	echoOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "ubflash <image>",
	Short: "Flash image files through u-boot and tftp",
	Long: `ubflash splits an image (optionally .xz compressed) into chunks,
serves them over TFTP and drives the board's u-boot console over the
serial port to load each chunk into RAM and commit it to eMMC.

Without --tftp an embedded TFTP server is started on the well-known
port, which usually needs elevated privilege. With --tftp <dir> the
chunks are staged into the root of an already-running server instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,

	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&serialPath, "serial", "s", "/dev/ttyUSB0", "Serial console to use")
	rootCmd.Flags().StringVarP(&tftpRoot, "tftp", "t", "", "Root directory of an external TFTP server (default: start our own)")
	rootCmd.Flags().StringVar(&serverIP, "serverip", "", "IP of the host that will be used for the TFTP transfer")
	rootCmd.Flags().StringVar(&boardIP, "ipaddr", "", "IP of the board that will be used for the TFTP transfer")
	rootCmd.Flags().BoolVar(&echoOutput, "echo", true, "Mirror the device console output to stdout")

	// glog flags (-v, -logtostderr, ...) stay reachable.
	rootCmd.Flags().AddGoFlagSet(flag.CommandLine)
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	runCfg := flasher.Config{
		SerialPath:      serialPath,
		BaudRate:        cfg.BaudRate,
		ImagePath:       args[0],
		TFTPRoot:        tftpRoot,
		ListenAddr:      cfg.ListenAddr,
		ServerIP:        serverIP,
		BoardIP:         boardIP,
		ChunkSize:       cfg.ChunkSize,
		LoadAddr:        uint32(cfg.LoadAddr),
		BaseAddr:        cfg.BaseAddr,
		MMCDev:          cfg.MMCDev,
		MMCPart:         cfg.MMCPart,
		BlockSize:       cfg.BlockSize,
		Attempts:        cfg.Attempts,
		CommandTimeout:  cfg.CommandTimeout,
		TransferTimeout: cfg.TransferTimeout,
	}
	if echoOutput {
		runCfg.Echo = os.Stdout
	}

	var bar *progressbar.ProgressBar
	runCfg.Progress = func(written, total int64) {
		if bar == nil {
			bar = progressbar.DefaultBytes(total, "flashing")
		}
		bar.Set64(written)
	}

	// An operator interrupt aborts the run; the deferred cleanups release
	// the serial port and stop the embedded server.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := flasher.Run(ctx, runCfg)
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}
	if err != nil {
		if res.FailedChunk >= 0 {
			fmt.Fprintf(os.Stderr, "Aborted at chunk %d: %s\n", res.FailedChunk, res.Reason)
		}
		fmt.Fprintf(os.Stderr, "Device contents are valid up to byte %d.\n", res.FinalCursor)
		return err
	}

	fmt.Printf("Image was flashed successfully: %d bytes written, final offset %d.\n", res.BytesWritten, res.FinalCursor)
	return nil
}

func main() {
	flag.Set("logtostderr", "true")
	defer glog.Flush()

	if err := rootCmd.Execute(); err != nil {
		glog.Errorf("%v", err)
		os.Exit(1)
	}
}
