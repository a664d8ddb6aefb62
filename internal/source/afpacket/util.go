package afpacket

import (
	"fmt"
)

const (
	tpacketAlignment = 16 // TPACKET_ALIGNMENT
	tpacketHdrLen    = 52 // TPACKET3_HDRLEN, rounded
	maxBlockSize     = 4 << 20
)

// recomputeSize derives a ring geometry that satisfies PACKET_MMAP alignment:
// frames aligned to TPACKET_ALIGNMENT, blocks a multiple of both the page size
// and the frame size, and blockSize*numBlocks close to ringBufferSizeMB.
func recomputeSize(ringBufferSizeMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	if ringBufferSizeMB <= 0 {
		return 0, 0, 0, fmt.Errorf("ring buffer size must be positive, got %d MB", ringBufferSizeMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = alignUp(tpacketHdrLen+snapLen, tpacketAlignment)

	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		// fall back to whole frames per page-aligned block
		framesPerBlock := max(maxBlockSize/frameSize, 1)
		blockSize = alignUp(framesPerBlock*frameSize, pageSize)
	}

	numBlocks = max((ringBufferSizeMB<<20)/blockSize, 1)
	return frameSize, blockSize, numBlocks, nil
}

// overrideBlockSize applies an explicit block size, rounded up to hold whole
// pages and at least one frame.
func overrideBlockSize(blockSizeKB, ringBufferSizeMB, frameSize, pageSize int) (blockSize, numBlocks int) {
	blockSize = alignUp(max(blockSizeKB<<10, frameSize), pageSize)
	numBlocks = max((ringBufferSizeMB<<20)/blockSize, 1)
	return blockSize, numBlocks
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
