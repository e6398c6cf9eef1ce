package flasher

// WriteCursor is the single piece of state that survives per-chunk
// retries: the running total of bytes fully committed to the target
// device. It converts that byte offset into eMMC block coordinates for
// the next write. Advance is only called after the device confirmed a
// write, so the cursor never gets ahead of the flash contents.
type WriteCursor struct {
	blockSize int64
	nextBlock int64
	bytes     int64
}

// NewWriteCursor starts a cursor at baseAddr (byte address on the target
// device) with the device's block size.
func NewWriteCursor(baseAddr, blockSize int64) *WriteCursor {
	return &WriteCursor{
		blockSize: blockSize,
		nextBlock: baseAddr / blockSize,
	}
}

// Bytes returns how many bytes have been committed so far.
func (w *WriteCursor) Bytes() int64 {
	return w.bytes
}

// NextBlock returns the block offset the next write must target.
func (w *WriteCursor) NextBlock() int64 {
	return w.nextBlock
}

// BlocksFor returns how many whole blocks cover n bytes. A short final
// chunk still occupies a full trailing block on the device.
func (w *WriteCursor) BlocksFor(n int64) int64 {
	return (n + w.blockSize - 1) / w.blockSize
}

// Advance commits n bytes: the byte total grows by exactly n, the block
// offset by the blocks the write occupied.
func (w *WriteCursor) Advance(n int64) {
	w.bytes += n
	w.nextBlock += w.BlocksFor(n)
}
