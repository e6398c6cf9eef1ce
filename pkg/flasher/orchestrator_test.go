package flasher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/uboot-tools/ubflash/pkg/chunker"
	"github.com/uboot-tools/ubflash/pkg/tftpserve"
	"github.com/uboot-tools/ubflash/pkg/uboot"
)

// fakeShell records every transaction and lets a test inject per-call
// failures keyed by (stage, chunk write/load ordinal).
type fakeShell struct {
	interruptErr error
	envErr       error

	envSets []string
	loads   []string
	fills   []int64
	writes  []writeCall

	// failures maps an operation key ("load:<file>" or "write:<block>") to
	// a queue of errors returned before the operation finally succeeds.
	failures map[string][]error
}

type writeCall struct {
	startBlock int64
	blockCount int64
}

func newFakeShell() *fakeShell {
	return &fakeShell{failures: map[string][]error{}}
}

func (f *fakeShell) failNext(key string, errs ...error) {
	f.failures[key] = append(f.failures[key], errs...)
}

func (f *fakeShell) popFailure(key string) error {
	q := f.failures[key]
	if len(q) == 0 {
		return nil
	}
	f.failures[key] = q[1:]
	return q[0]
}

func (f *fakeShell) InterruptAutoboot(ctx context.Context) error {
	return f.interruptErr
}

func (f *fakeShell) SetEnv(ctx context.Context, name, value string) error {
	if f.envErr != nil {
		return f.envErr
	}
	f.envSets = append(f.envSets, name+"="+value)
	return nil
}

func (f *fakeShell) SelectDevice(ctx context.Context, dev, part int) error {
	return nil
}

func (f *fakeShell) LoadToMemory(ctx context.Context, loadAddr uint32, filename string, wantLen int64) (int64, error) {
	if err := f.popFailure("load:" + filename); err != nil {
		return 0, err
	}
	f.loads = append(f.loads, filename)
	return wantLen, nil
}

func (f *fakeShell) FillMemory(ctx context.Context, loadAddr uint32, value byte, length int64) error {
	f.fills = append(f.fills, length)
	return nil
}

func (f *fakeShell) WriteBlocks(ctx context.Context, loadAddr uint32, startBlock, blockCount int64) error {
	if err := f.popFailure(fmt.Sprintf("write:%d", startBlock)); err != nil {
		return err
	}
	f.writes = append(f.writes, writeCall{startBlock, blockCount})
	return nil
}

// fakePublisher hands out endpoints without any server behind them.
type fakePublisher struct {
	published []int
}

func (p *fakePublisher) MakeFetchable(c chunker.Chunk) (tftpserve.Endpoint, error) {
	p.published = append(p.published, c.Index)
	return tftpserve.Endpoint{Filename: fmt.Sprintf("chunk_%04d.bin", c.Index)}, nil
}

func (p *fakePublisher) Close() error { return nil }

func testChunks(n int, length int64) []chunker.Chunk {
	chunks := make([]chunker.Chunk, n)
	var offset int64
	for i := range chunks {
		chunks[i] = chunker.Chunk{
			Index:  i,
			Offset: offset,
			Length: length,
			Path:   fmt.Sprintf("/tmp/chunk_%04d.bin", i),
		}
		offset += length
	}
	return chunks
}

func testOrchestrator(shell BootShell, pub tftpserve.Publisher) *Orchestrator {
	return NewOrchestrator(shell, pub, Config{BlockSize: 512, Attempts: 3})
}

func TestFlashChunksHappyPath(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}
	chunks := testChunks(4, 1024)

	res, err := testOrchestrator(shell, pub).FlashChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("FlashChunks failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %v, want success", res.Outcome)
	}
	if res.FinalCursor != 4096 || res.BytesWritten != 4096 {
		t.Errorf("Cursor = %d, bytes = %d, want 4096 both", res.FinalCursor, res.BytesWritten)
	}
	// Writes must land at strictly increasing block offsets, 2 blocks each.
	for i, w := range shell.writes {
		if w.startBlock != int64(i*2) || w.blockCount != 2 {
			t.Errorf("Write %d = %+v, want start %d count 2", i, w, i*2)
		}
	}
}

func TestWriteTimesOutTwiceThenSucceeds(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}
	chunks := testChunks(10, 1024)

	// Chunk 6 starts at block 12. Its write fails twice, then succeeds on
	// the third and final attempt.
	timeout := &uboot.WriteError{Reason: uboot.ReasonNoResponse, Detail: "prompt never returned"}
	shell.failNext("write:12", timeout, timeout)

	res, err := testOrchestrator(shell, pub).FlashChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("FlashChunks failed: %v", err)
	}
	if res.FinalCursor != 10*1024 {
		t.Errorf("FinalCursor = %d, want %d", res.FinalCursor, 10*1024)
	}

	// No block offset may be committed twice: every recorded successful
	// write targets a distinct, strictly increasing offset.
	seen := map[int64]bool{}
	last := int64(-1)
	for _, w := range shell.writes {
		if seen[w.startBlock] {
			t.Errorf("Block offset %d written twice", w.startBlock)
		}
		seen[w.startBlock] = true
		if w.startBlock <= last {
			t.Errorf("Write at block %d not after block %d", w.startBlock, last)
		}
		last = w.startBlock
	}
	if len(shell.writes) != 10 {
		t.Errorf("%d successful writes, want 10", len(shell.writes))
	}
}

func TestLoadRetriesUntilBoundThenProceeds(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}
	chunks := testChunks(3, 1024)

	terr := &uboot.TransferError{Reason: uboot.ReasonDeviceError, Detail: "TFTP error"}
	shell.failNext("load:chunk_0001.bin", terr, terr)

	res, err := testOrchestrator(shell, pub).FlashChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("FlashChunks failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %v, want success after retry recovered", res.Outcome)
	}
}

func TestLoadExceedingBoundAbortsNamingChunk(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}
	chunks := testChunks(5, 1024)

	terr := &uboot.TransferError{Reason: uboot.ReasonNoResponse, Detail: "nothing on the wire"}
	shell.failNext("load:chunk_0002.bin", terr, terr, terr)

	res, err := testOrchestrator(shell, pub).FlashChunks(context.Background(), chunks)
	if err == nil {
		t.Fatal("FlashChunks should abort once the retry bound is exhausted")
	}
	var gotTerr *uboot.TransferError
	if !errors.As(err, &gotTerr) {
		t.Errorf("Error %v does not carry the TransferError", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Errorf("Outcome = %v, want aborted", res.Outcome)
	}
	if res.FailedChunk != 2 {
		t.Errorf("FailedChunk = %d, want 2", res.FailedChunk)
	}
	// Chunks 0 and 1 were committed, nothing after.
	if res.FinalCursor != 2048 {
		t.Errorf("FinalCursor = %d, want 2048", res.FinalCursor)
	}
	if len(shell.writes) != 2 {
		t.Errorf("%d writes happened, want 2", len(shell.writes))
	}
}

func TestDeviceIOErrorIsNotRetried(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}
	chunks := testChunks(2, 1024)

	fatal := errors.New("serial device I/O error: port gone")
	shell.failNext("load:chunk_0000.bin", fatal)

	res, err := testOrchestrator(shell, pub).FlashChunks(context.Background(), chunks)
	if err == nil {
		t.Fatal("FlashChunks should abort on a non-retriable error")
	}
	if res.FinalCursor != 0 {
		t.Errorf("FinalCursor = %d, want 0", res.FinalCursor)
	}
	// One failed attempt, no retries: the publisher saw exactly one chunk.
	if len(pub.published) != 1 {
		t.Errorf("Publisher saw %d chunks, want 1", len(pub.published))
	}
}

func TestZeroChunkUsesFillInsteadOfTransfer(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}
	chunks := testChunks(3, 1024)
	chunks[1].Zero = true

	res, err := testOrchestrator(shell, pub).FlashChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("FlashChunks failed: %v", err)
	}
	if res.FinalCursor != 3072 {
		t.Errorf("FinalCursor = %d, want 3072", res.FinalCursor)
	}
	if len(shell.fills) != 1 || shell.fills[0] != 1024 {
		t.Errorf("Fills = %v, want one fill of 1024 bytes", shell.fills)
	}
	if len(pub.published) != 2 {
		t.Errorf("Publisher saw chunks %v, the zero chunk must not be published", pub.published)
	}
	if len(shell.writes) != 3 {
		t.Errorf("%d writes, want 3 (zero chunk is still written)", len(shell.writes))
	}
}

func TestFlashChunksToleratesZeroLengthChunks(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}
	chunks := testChunks(1, 0)

	res, err := testOrchestrator(shell, pub).FlashChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("FlashChunks failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess || res.FinalCursor != 0 {
		t.Errorf("Result = %+v, want success with cursor 0", res)
	}
}

func TestEnterShellUnresponsiveDevice(t *testing.T) {
	shell := newFakeShell()
	shell.interruptErr = uboot.ErrBootInterrupt
	pub := &fakePublisher{}

	orch := testOrchestrator(shell, pub)
	err := orch.EnterShell(context.Background(), Config{ServerIP: "10.0.0.1"})
	if !errors.Is(err, ErrDeviceUnresponsive) {
		t.Fatalf("EnterShell error = %v, want ErrDeviceUnresponsive", err)
	}
	// The device never reached the shell: no env writes, no transfers.
	if len(shell.envSets) != 0 {
		t.Errorf("Env sets happened after a failed interrupt: %v", shell.envSets)
	}
	if len(pub.published) != 0 {
		t.Errorf("Chunks were published after a failed interrupt: %v", pub.published)
	}
}

func TestEnterShellEnvRejected(t *testing.T) {
	shell := newFakeShell()
	shell.envErr = uboot.ErrEnvSet
	pub := &fakePublisher{}

	err := testOrchestrator(shell, pub).EnterShell(context.Background(), Config{ServerIP: "10.0.0.1"})
	if !errors.Is(err, ErrConfigurationRejected) {
		t.Fatalf("EnterShell error = %v, want ErrConfigurationRejected", err)
	}
}

func TestEnterShellSetsRequestedEnvironment(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}

	err := testOrchestrator(shell, pub).EnterShell(context.Background(), Config{
		ServerIP: "10.0.0.1",
		BoardIP:  "10.0.0.2",
		MMCDev:   1,
	})
	if err != nil {
		t.Fatalf("EnterShell failed: %v", err)
	}
	want := []string{"serverip=10.0.0.1", "ipaddr=10.0.0.2"}
	if len(shell.envSets) != len(want) {
		t.Fatalf("Env sets = %v, want %v", shell.envSets, want)
	}
	for i := range want {
		if shell.envSets[i] != want[i] {
			t.Errorf("Env set %d = %q, want %q", i, shell.envSets[i], want[i])
		}
	}
}

func TestCancellationBetweenChunks(t *testing.T) {
	shell := newFakeShell()
	pub := &fakePublisher{}
	chunks := testChunks(3, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := testOrchestrator(shell, pub).FlashChunks(ctx, chunks)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("FlashChunks error = %v, want context.Canceled", err)
	}
	if res.FinalCursor != 0 {
		t.Errorf("FinalCursor = %d, want 0", res.FinalCursor)
	}
}
