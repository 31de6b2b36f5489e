// Package iomux implements the background stream readers of spec.md §4.2:
// one goroutine per (task, stream) that repeatedly reads the next line from
// a child's pipe and overwrites the task slot's line buffer with it.
package iomux

import (
	"bufio"
	"errors"
	"io"
)

// Run drains pipe line by line, calling overwrite with each line (stripped
// of its trailing newline, truncated to maxLine bytes) until pipe reaches
// EOF. On return, pipe has been closed. A non-EOF read error is treated the
// same as EOF, since spec.md has no recovery path for a misbehaving pipe
// short of the child exiting.
func Run(pipe io.ReadCloser, maxLine int, overwrite func(line []byte)) {
	defer pipe.Close()

	br := bufio.NewReaderSize(pipe, maxLine+1)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			line = stripNewline(line)
			if len(line) > maxLine {
				line = line[:maxLine]
			}
			overwrite(line)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			// Line exceeds maxLine: discard the residue up to the next
			// newline (spec.md §4.2's edge case), then resume.
			discardToNewline(br)
			continue
		}
		// io.EOF or any other read error: the child has closed this stream.
		return
	}
}

func stripNewline(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

func discardToNewline(br *bufio.Reader) {
	for {
		_, err := br.ReadSlice('\n')
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			if err == nil {
				return
			}
			continue
		}
		return
	}
}
