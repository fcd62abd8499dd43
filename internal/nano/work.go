package nano

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"math/rand/v2"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Network work thresholds for state blocks.
const (
	ThresholdSend    uint64 = 0xfffffff800000000
	ThresholdReceive uint64 = 0xfffffe0000000000
)

// ThresholdFor returns the network threshold for a block subtype.
func ThresholdFor(subtype string) uint64 {
	if subtype == SubtypeSend {
		return ThresholdSend
	}
	return ThresholdReceive
}

// WorkValue returns the difficulty value of work against root.
func WorkValue(root, work string) (uint64, error) {
	rootBytes, err := decodeHash(root)
	if err != nil {
		return 0, fmt.Errorf("nano: work root: %w", err)
	}
	nonce, err := strconv.ParseUint(strings.TrimSpace(work), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("nano: work value %q: %w", work, err)
	}
	return difficulty(rootBytes, nonce), nil
}

// ValidateWork reports whether work meets threshold for root.
func ValidateWork(root, work string, threshold uint64) bool {
	v, err := WorkValue(root, work)
	if err != nil {
		return false
	}
	return v >= threshold
}

// ComputeWork searches for a nonce meeting threshold on workers goroutines.
// It blocks until a solution is found or ctx ends.
func ComputeWork(ctx context.Context, root string, threshold uint64, workers int) (string, error) {
	rootBytes, err := decodeHash(root)
	if err != nil {
		return "", fmt.Errorf("nano: work root: %w", err)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan uint64, 1)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(start uint64) {
			defer wg.Done()
			h, _ := blake2b.New(8, nil)
			nonce := start
			for {
				// Check for cancellation every 4096 attempts.
				for j := 0; j < 4096; j++ {
					if difficultyWith(h, rootBytes, nonce) >= threshold {
						select {
						case found <- nonce:
						default:
						}
						cancel()
						return
					}
					nonce++
				}
				if ctx.Err() != nil {
					return
				}
			}
		}(rand.Uint64())
	}

	wg.Wait()
	select {
	case nonce := <-found:
		return EncodeWork(nonce), nil
	default:
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return "", err
	}
	return "", fmt.Errorf("nano: work search cancelled: %w", context.Canceled)
}

func difficulty(root [32]byte, nonce uint64) uint64 {
	h, _ := blake2b.New(8, nil)
	return difficultyWith(h, root, nonce)
}

func difficultyWith(h hash.Hash, root [32]byte, nonce uint64) uint64 {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], nonce)
	h.Reset()
	h.Write(le[:])
	h.Write(root[:])
	return binary.LittleEndian.Uint64(h.Sum(nil))
}

// EncodeWork renders a nonce in the node's hex work format.
func EncodeWork(nonce uint64) string {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], nonce)
	return hex.EncodeToString(be[:])
}
