package encoding

import (
	"io"
	"os"
	"sync"
	"time"
)

// tailPollInterval bounds how often a starved TailReader rechecks the file.
const tailPollInterval = 200 * time.Millisecond

// TailReader exposes a continuously growing file as a byte stream. Reads
// yield whatever bytes have appeared past the current offset and block while
// the writer is still running; io.EOF is returned only after the done signal
// has fired and every byte has been drained.
//
// A transient read failure is surfaced to the caller but leaves the reader
// restartable at the same offset. After EOF the reader is finished for good,
// even if the file grows again.
type TailReader struct {
	path string
	done <-chan struct{}

	mu     sync.Mutex
	file   *os.File
	offset int64
	eof    bool
}

// NewTailReader follows path until done fires and the tail is drained.
func NewTailReader(path string, done <-chan struct{}) *TailReader {
	return &TailReader{path: path, done: done}
}

// Read implements io.Reader with tail-follow semantics.
func (r *TailReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := r.readAvailable(p)
		if n > 0 || err != nil {
			return n, err
		}

		// Nothing new. If the writer has finished and a recheck still finds
		// nothing, the stream is complete.
		select {
		case <-r.done:
			n, err := r.readAvailable(p)
			if n > 0 || err != nil {
				return n, err
			}
			r.eof = true
			r.closeFile()
			return 0, io.EOF
		case <-time.After(tailPollInterval):
		}
	}
}

// readAvailable returns bytes past the offset, zero when the file has not
// grown. Errors close the handle so the next call reopens from the same
// offset.
func (r *TailReader) readAvailable(p []byte) (int, error) {
	if r.file == nil {
		file, err := os.Open(r.path)
		if err != nil {
			return 0, err
		}
		r.file = file
	}

	info, err := r.file.Stat()
	if err != nil {
		r.closeFile()
		return 0, err
	}
	if info.Size() <= r.offset {
		return 0, nil
	}

	n, err := r.file.ReadAt(p, r.offset)
	if n > 0 {
		r.offset += int64(n)
		return n, nil
	}
	if err != nil && err != io.EOF {
		r.closeFile()
		return 0, err
	}
	return 0, nil
}

// Close releases the underlying file handle.
func (r *TailReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
	return nil
}

func (r *TailReader) closeFile() {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
}

// Offset reports how many bytes have been consumed so far.
func (r *TailReader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}
