package closure

// CompressRebase turns a sorted, de-duplicated list of segment-relative
// rebase locations into the run-length RebasePattern sequence the closure
// stores (§4.D): adjacent pointer-sized rebases collapse into a single
// contig_count run, and rebases spaced at a constant stride collapse into
// a (repeat_count, skip_count) run.
func CompressRebase(locs []uint64, ptrSize uint64) []RebasePattern {
	var out []RebasePattern
	i := 0
	for i < len(locs) {
		j := i + 1
		for j < len(locs) && locs[j] == locs[j-1]+ptrSize {
			j++
		}
		if run := j - i; run > 1 {
			out = append(out, splitContigRuns(uint32(run))...)
			i = j
			continue
		}

		if i+1 < len(locs) {
			stride := locs[i+1] - locs[i]
			if stride >= ptrSize && stride%ptrSize == 0 {
				skip := stride/ptrSize - 1
				if skip < 16 {
					k := i + 1
					for k+1 < len(locs) && locs[k+1]-locs[k] == stride {
						k++
					}
					if repeats := k - i + 1; repeats > 1 {
						out = append(out, splitStridedRuns(uint32(repeats), uint8(skip))...)
						i = k + 1
						continue
					}
				}
			}
		}

		out = append(out, RebasePattern{RepeatCount: 1, ContigCount: 1, SkipCount: 0})
		i++
	}
	return out
}

// splitContigRuns breaks a contiguous run longer than the 8-bit
// contig_count field into as many full-width patterns as needed.
func splitContigRuns(count uint32) []RebasePattern {
	var out []RebasePattern
	for count > 0 {
		n := count
		if n > 255 {
			n = 255
		}
		out = append(out, RebasePattern{RepeatCount: 1, ContigCount: uint8(n), SkipCount: 0})
		count -= n
	}
	return out
}

// splitStridedRuns breaks a strided run longer than the 20-bit
// repeat_count field into as many full-width patterns as needed.
func splitStridedRuns(count uint32, skip uint8) []RebasePattern {
	var out []RebasePattern
	const maxRepeat = 1<<20 - 1
	for count > 0 {
		n := count
		if n > maxRepeat {
			n = maxRepeat
		}
		out = append(out, RebasePattern{RepeatCount: n, ContigCount: 1, SkipCount: skip})
		count -= n
	}
	return out
}

// ResetPattern is the sentinel record a packer emits between segments to
// reset the rebase expansion cursor back to the next segment's base.
func ResetPattern() RebasePattern { return RebasePattern{} }

// BindSite is a single (segment-relative vm offset, resolved target) pair
// awaiting compression into BindPattern runs.
type BindSite struct {
	VMOffset uint64
	Target   ResolvedSymbolTarget
}

// CompressBind groups bind sites by target and collapses each target's
// sites into BindPattern runs when they recur at a constant stride,
// matching §4.D's "binds merge when the same target appears at a
// constant stride" rule. Input must be sorted by VMOffset.
func CompressBind(sites []BindSite, ptrSize uint64) []BindPattern {
	var out []BindPattern
	i := 0
	for i < len(sites) {
		j := i + 1
		stride := ptrSize
		if j < len(sites) && sites[j].Target == sites[i].Target {
			stride = sites[j].VMOffset - sites[i].VMOffset
			for j+1 < len(sites) &&
				sites[j+1].Target == sites[i].Target &&
				sites[j+1].VMOffset-sites[j].VMOffset == stride {
				j++
			}
			j++ // one past the last site of the run
		}
		repeats := j - i
		if stride >= ptrSize && stride/ptrSize-1 < 256 {
			skip := uint8(stride/ptrSize - 1)
			out = append(out, splitBindRuns(sites[i].Target, sites[i].VMOffset, skip, uint32(repeats), ptrSize)...)
			i = j
			continue
		}
		out = append(out, BindPattern{Target: sites[i].Target, StartVMOffset: sites[i].VMOffset, SkipCount: 0, RepeatCount: 1})
		i++
	}
	return out
}

func splitBindRuns(target ResolvedSymbolTarget, start uint64, skip uint8, count uint32, ptrSize uint64) []BindPattern {
	var out []BindPattern
	const maxRepeat = 1<<16 - 1
	stride := uint64(skip+1) * ptrSize
	off := start
	for count > 0 {
		n := count
		if n > maxRepeat {
			n = maxRepeat
		}
		out = append(out, BindPattern{Target: target, StartVMOffset: off, SkipCount: skip, RepeatCount: uint16(n)})
		off += uint64(n) * stride
		count -= n
	}
	return out
}
