// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buckettree

import (
	"fmt"

	"github.com/bureau-foundation/layerfs/lib/storage"
)

// ContinuousReadingInfo carries the result of a continuous-reading
// scan and the consumer-side countdown that decides when to scan
// again. The protocol: call CheckNeedScan once per visited entry and
// run ScanContinuousReading when it reports true; when CanDo reports
// true, one physical read of ReadSize bytes satisfies the current
// entry and the next SkipCount entries.
type ContinuousReadingInfo struct {
	readSize  int64
	skipCount int32
	done      bool
}

// Reset zeroes all fields.
func (i *ContinuousReadingInfo) Reset() {
	i.readSize = 0
	i.skipCount = 0
	i.done = false
}

// SetSkipCount stores a non-negative skip count.
func (i *ContinuousReadingInfo) SetSkipCount(count int32) {
	if count < 0 {
		panic("buckettree: negative skip count")
	}
	i.skipCount = count
}

// SkipCount returns how many subsequent entries the last scan folded
// into its fused read.
func (i *ContinuousReadingInfo) SkipCount() int32 { return i.skipCount }

// CheckNeedScan decrements the skip count and reports whether it has
// reached zero, meaning the consumer must scan again at the current
// entry.
func (i *ContinuousReadingInfo) CheckNeedScan() bool {
	i.skipCount--
	return i.skipCount <= 0
}

// Done clears the read size and marks the scan finished; a consumer
// that observes IsDone stops scanning for the rest of its operation.
func (i *ContinuousReadingInfo) Done() {
	i.readSize = 0
	i.done = true
}

// IsDone reports whether no further coalescing is possible.
func (i *ContinuousReadingInfo) IsDone() bool { return i.done }

// SetReadSize stores the fused read size.
func (i *ContinuousReadingInfo) SetReadSize(size int64) { i.readSize = size }

// ReadSize returns the fused read size in bytes; zero means "do not
// coalesce".
func (i *ContinuousReadingInfo) ReadSize() int64 { return i.readSize }

// CanDo reports whether the last scan produced a fused read.
func (i *ContinuousReadingInfo) CanDo() bool { return i.readSize > 0 }

// ContinuousEntry is implemented by pointer-to-struct entry types
// that the continuous-reading scan can decode and test for
// fusibility. The fusibility predicate belongs to the entry schema:
// the tree only knows that entries lead with their virtual offset.
type ContinuousEntry[E any] interface {
	*E

	// Unmarshal decodes the entry from its fixed-width on-storage
	// representation. raw is exactly the tree's entry size.
	Unmarshal(raw []byte)

	// Offset returns the entry's starting virtual offset.
	Offset() int64

	// Fusible reports whether the entry's physical backing directly
	// continues prev's, so that one physical read spanning both
	// satisfies them.
	Fusible(prev *E) bool
}

// ScanContinuousReading walks forward from the visitor's current
// entry and computes how far a read starting at offset may be fused
// into a single physical read of at most size bytes. The visible
// cursor is never mutated; the walk runs on a shadow of the
// visitor's position.
//
// The scan accepts subsequent entries while each is fusible with its
// predecessor and the accumulated payload stays within size. The
// result reports the fused byte count (zero when nothing beyond the
// current entry could be fused), how many subsequent entries the
// fused read covers, and whether anything remains to scan beyond the
// stop point.
func ScanContinuousReading[E any, P ContinuousEntry[E]](v *Visitor, info *ContinuousReadingInfo, offset, size int64) error {
	if !v.IsValid() {
		return fmt.Errorf("%w: visitor is not positioned", ErrOutOfRange)
	}

	info.Reset()
	if size == 0 {
		info.Done()
		return nil
	}

	t := v.tree
	var current E
	P(&current).Unmarshal(v.entry)
	if P(&current).Offset() > offset {
		return fmt.Errorf("%w: scan offset %d precedes entry at %d", ErrOutOfRange, offset, P(&current).Offset())
	}

	// Shadow cursor over the visitor's position.
	set := v.entrySet
	index := v.entryIndex

	currentEnd, err := v.entryRangeEnd(set, index)
	if err != nil {
		return err
	}

	// When the request ends inside the current entry there is
	// nothing to fuse, now or later.
	requestEnd := offset + size
	if currentEnd >= requestEnd {
		info.Done()
		return nil
	}

	accumulated := currentEnd - offset
	skip := int32(0)
	reachedEnd := false
	raw := make([]byte, t.entrySize)

	for {
		// Step the shadow cursor to the next entry.
		nextIndex := index + 1
		nextSet := set
		if nextIndex == set.count {
			nextSetIndex := set.index + 1
			if nextSetIndex >= t.entrySetCount {
				reachedEnd = true
				break
			}
			nextSet, err = v.readEntrySetHeader(nextSetIndex)
			if err != nil {
				return err
			}
			if nextSet.start != set.end {
				return fmt.Errorf("%w: entry set %d starts at %d, predecessor ends at %d",
					ErrInvalidNodeEntryOffset, nextSetIndex, nextSet.start, set.end)
			}
			nextIndex = 0
		}

		if err := storage.ReadFull(t.entryStorage, raw, t.entryOffset(nextSet.index, nextIndex)); err != nil {
			return fmt.Errorf("buckettree: reading entry %d of set %d: %w", nextIndex, nextSet.index, err)
		}
		var next E
		P(&next).Unmarshal(raw)

		if !P(&next).Fusible(&current) {
			break
		}

		nextEnd, err := v.entryRangeEnd(nextSet, nextIndex)
		if err != nil {
			return err
		}
		span := nextEnd - P(&next).Offset()
		if accumulated+span > size {
			break
		}

		accumulated += span
		skip++
		current = next
		set = nextSet
		index = nextIndex

		if accumulated == size {
			reachedEnd = true
			break
		}
	}

	if skip > 0 {
		info.SetReadSize(accumulated)
	}
	info.SetSkipCount(skip)
	info.done = reachedEnd
	return nil
}
