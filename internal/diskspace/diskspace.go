// Package diskspace guards download starts against filling the torrent
// volume.
package diskspace

import (
	"github.com/torreclou/torreclou/internal/faults"
)

// safetyMargin pads the requirement so piece-completion state and partial
// pieces fit alongside the payload.
const safetyMargin = 1.1

// Check returns an InsufficientDiskSpace fault when dir's filesystem cannot
// hold size more bytes plus margin. A filesystem that cannot be statted
// passes; the download fails naturally if space actually runs out.
func Check(dir string, size int64) error {
	avail, ok := available(dir)
	if !ok {
		return nil
	}
	need := int64(float64(size) * safetyMargin)
	if avail < need {
		return faults.New(faults.InsufficientDiskSpace,
			"%s: need %d bytes, %d available", dir, need, avail)
	}
	return nil
}

// Available returns the free bytes on dir's filesystem, or 0 when unknown.
func Available(dir string) int64 {
	avail, _ := available(dir)
	return avail
}
