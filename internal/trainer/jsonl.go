package trainer

import (
	"bufio"
	"encoding/json"
	"io"
)

// Row is one inference result keyed by record key.
type Row map[string]any

// StartRowWriter streams each Row as one JSON line to out. Close the
// returned channel and read the error channel to flush.
func StartRowWriter(out io.Writer, bufSize int) (chan<- Row, <-chan error) {
	if bufSize <= 0 {
		bufSize = 64
	}
	in := make(chan Row, bufSize)
	done := make(chan error, 1)

	go func() {
		bw := bufio.NewWriterSize(out, 64<<10)
		enc := json.NewEncoder(bw)
		for row := range in {
			if err := enc.Encode(row); err != nil {
				for range in {
				}
				done <- err
				return
			}
		}
		done <- bw.Flush()
	}()

	return in, done
}
