package memory

// Memcpy implements §6/§4.6's array-to-array memcpy: decomposed into
// per-range chunks where a source range that is local uses a non-blocking
// put into the destination, a destination range that is local uses a
// non-blocking get from the source, and otherwise a small execute runs on
// the node owning the source range to put into the destination. The
// execute-dispatch case is represented here by the Executor callback,
// since it requires spawning a remote task rather than a plain data
// operation; memory does not own task dispatch (mtask/scheduler do).
type Executor interface {
	// ExecuteMemcpyChunk runs, on srcNode, a small task that puts n elements
	// starting at element srcOff of src into dst at element dstOff.
	ExecuteMemcpyChunk(srcNode int, src Handle, srcOff uint64, dst Handle, dstOff uint64, n uint64) error
}

// Memcpy chunks [srcOff, srcOff+n) against src's distribution and, for
// each contiguous sub-range, picks the cheapest path available: local
// byte copy if both ends are on this node, a put if the source chunk is
// local, a get if the destination chunk is local, or a remote execute
// otherwise.
func (m *Manager) Memcpy(src Handle, srcOff uint64, dst Handle, dstOff uint64, n uint64, exec Executor) error {
	se, err := m.entry(src)
	if err != nil {
		return err
	}
	de, err := m.entry(dst)
	if err != nil {
		return err
	}

	srcByteOff := srcOff * uint64(se.ElemBytes)
	dstByteOff := dstOff * uint64(de.ElemBytes)
	remaining := n * uint64(se.ElemBytes)

	for remaining > 0 {
		srcNode, _ := m.ownerFor(se, srcByteOff)
		dstNode, _ := m.ownerFor(de, dstByteOff)

		chunk := m.chunkBound(se, srcByteOff, remaining)
		if c := m.chunkBound(de, dstByteOff, remaining); c < chunk {
			chunk = c
		}

		switch {
		case srcNode == m.node && dstNode == m.node:
			buf := make([]byte, chunk)
			if err := m.localCopyAt(src, srcByteOff, buf, false); err != nil {
				return err
			}
			if err := m.localCopyAt(dst, dstByteOff, buf, true); err != nil {
				return err
			}
		case srcNode == m.node:
			buf := make([]byte, chunk)
			if err := m.localCopyAt(src, srcByteOff, buf, false); err != nil {
				return err
			}
			if err := m.router.RemotePut(dstNode, dst, dstByteOff/uint64(de.ElemBytes), buf); err != nil {
				return err
			}
		case dstNode == m.node:
			buf := make([]byte, chunk)
			if err := m.router.RemoteGet(srcNode, src, srcByteOff/uint64(se.ElemBytes), buf); err != nil {
				return err
			}
			if err := m.localCopyAt(dst, dstByteOff, buf, true); err != nil {
				return err
			}
		default:
			elemN := chunk / uint64(se.ElemBytes)
			if elemN == 0 {
				elemN = 1
			}
			if err := exec.ExecuteMemcpyChunk(srcNode, src, srcByteOff/uint64(se.ElemBytes), dst, dstByteOff/uint64(de.ElemBytes), elemN); err != nil {
				return err
			}
		}

		srcByteOff += chunk
		dstByteOff += chunk
		remaining -= chunk
	}
	return nil
}

// chunkBound returns how many bytes starting at off in e can be moved
// before crossing into the next node's slab (or exceeding remaining).
func (m *Manager) chunkBound(e *Entry, off uint64, remaining uint64) uint64 {
	block := e.BlockBytes
	if block == 0 {
		return remaining
	}
	nextBoundary := (off/block + 1) * block
	bound := nextBoundary - off
	if bound > remaining {
		bound = remaining
	}
	return bound
}
