package afpacket

import (
	"fmt"
)

const (
	tpacketAlignment = 16 // TPACKET_ALIGNMENT
	tpacketHdrLen    = 52 // approximate TPACKET3 header
	maxBlockSize     = 4 << 20
)

// ringLayout is the PACKET_MMAP ring geometry.
type ringLayout struct {
	frameSize int
	blockSize int
	numBlocks int
}

// computeRing sizes the ring for a memory budget. Frames are aligned to
// TPACKET_ALIGNMENT, blocks are a multiple of the page size and hold whole
// frames.
func computeRing(bufferMB, snapLen, pageSize int) (ringLayout, error) {
	if bufferMB <= 0 {
		return ringLayout{}, fmt.Errorf("buffer size must be positive, got %d MB", bufferMB)
	}
	if snapLen <= 0 {
		return ringLayout{}, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return ringLayout{}, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	var l ringLayout
	l.frameSize = alignUp(tpacketHdrLen+snapLen, tpacketAlignment)

	l.blockSize = lcm(pageSize, l.frameSize)
	if l.blockSize < pageSize {
		l.blockSize = pageSize
	}
	if l.blockSize > maxBlockSize {
		l.blockSize = maxBlockSize / pageSize * pageSize
	}
	if l.blockSize%l.frameSize != 0 {
		frames := l.blockSize / l.frameSize
		if frames < 1 {
			frames = 1
		}
		l.blockSize = alignUp(frames*l.frameSize, pageSize)
	}

	l.numBlocks = bufferMB << 20 / l.blockSize
	if l.numBlocks < 1 {
		l.numBlocks = 1
	}
	return l, nil
}

func alignUp(n, to int) int {
	return (n + to - 1) / to * to
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
