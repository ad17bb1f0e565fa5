// Package asyncbufio provides an io.Writer that never blocks its callers.
// Writes are queued on a channel and a single goroutine moves them into a
// bufio.Writer, flushing it periodically.
package asyncbufio

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
type Writer struct {
	writer        *bufio.Writer // does the writing
	flushNow      chan struct{} // asks the write loop to flush
	flushComplete chan struct{} // write loop's answer to flushNow
	datachannel   chan []byte   // data waiting to be written
	flushInterval time.Duration
	dropped       atomic.Int64
}

// NewWriter creates a new Writer that holds up to channelDepth pending
// writes and flushes every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p for writing. When the queue is full, p is
// dropped and Write returns io.ErrShortWrite.
func (aw *Writer) Write(p []byte) (int, error) {
	// log.Logger reuses p after Write returns.
	data := append([]byte(nil), p...)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// WriteString queues s for writing.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Dropped counts the writes lost to a full queue.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

// Flush writes all queued data to the underlying writer, and blocks until done.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return nil
}

// Close flushes queued data and stops the write loop. Calling Write, Flush
// or Close after Close panics.
func (aw *Writer) Close() {
	close(aw.flushNow)
	<-aw.flushComplete
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.writer.Write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the queue, then flushes the bufio.Writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			aw.writer.Write(data)
		default:
			aw.writer.Flush()
			return
		}
	}
}
