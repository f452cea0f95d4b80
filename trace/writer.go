package trace

import (
	"bufio"
	"fmt"
	"io"
)

// Writer emits the textual trace grammar one line at a time, buffered
// the way the original implementation's output.rs wraps its File in a
// BufWriter.
type Writer struct {
	buf *bufio.Writer
}

// NewWriter returns a Writer that buffers onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriterSize(w, 4096)}
}

func (w *Writer) WriteVersion(version uint16) error {
	_, err := fmt.Fprintf(w.buf, "v %x %x\n", version, FileVersion)
	return err
}

func (w *Writer) WritePageInfo(size, pages uint64) error {
	_, err := fmt.Fprintf(w.buf, "I %x %x\n", size, pages)
	return err
}

func (w *Writer) WriteExec(command string) error {
	_, err := fmt.Fprintf(w.buf, "X %s\n", command)
	return err
}

// WriteString emits a length-prefixed string line. The length prefix
// is a byte count so the parser can recover embedded whitespace by
// taking a byte-length suffix of the line instead of splitting on
// whitespace.
func (w *Writer) WriteString(value string) error {
	_, err := fmt.Fprintf(w.buf, "s %x %s\n", len(value), value)
	return err
}

// WriteInstruction emits one "i" line for a newly seen IP: its module
// and each frame, single frames as one token, frames with a location
// as three tokens. The emitter does not self-delimit per-frame arity;
// the parser disambiguates by reading one token then attempting two
// more.
func (w *Writer) WriteInstruction(ip uint64, moduleIdx int, frames []Frame) error {
	if _, err := fmt.Fprintf(w.buf, "i %x %x", ip, moduleIdx); err != nil {
		return err
	}
	for _, f := range frames {
		if f.HasLocation {
			if _, err := fmt.Fprintf(w.buf, " %x %x %x", f.FunctionIdx, f.FileIdx, f.LineNumber); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w.buf, " %x", f.FunctionIdx); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w.buf)
	return err
}

func (w *Writer) WriteTrace(ipID int, parentIdx uint64) error {
	_, err := fmt.Fprintf(w.buf, "t %x %x\n", ipID, parentIdx)
	return err
}

func (w *Writer) WriteTraceAlloc(size uint64, parentIdx uint64) error {
	_, err := fmt.Fprintf(w.buf, "a %x %x\n", size, parentIdx)
	return err
}

func (w *Writer) WriteAlloc(infoIdx int) error {
	_, err := fmt.Fprintf(w.buf, "+ %x\n", infoIdx)
	return err
}

func (w *Writer) WriteFree(infoIdx int) error {
	_, err := fmt.Fprintf(w.buf, "- %x\n", infoIdx)
	return err
}

func (w *Writer) WriteDuration(ms uint64) error {
	_, err := fmt.Fprintf(w.buf, "c %x\n", ms)
	return err
}

func (w *Writer) WriteRSS(rss uint64) error {
	_, err := fmt.Fprintf(w.buf, "R %x\n", rss)
	return err
}

// WriteBlank writes an empty line, used as the sentinel before the
// trailing comment lines.
func (w *Writer) WriteBlank() error {
	_, err := fmt.Fprintln(w.buf)
	return err
}

func (w *Writer) WriteComment(comment string) error {
	_, err := fmt.Fprintf(w.buf, "# %s\n", comment)
	return err
}

// Flush flushes any buffered output to the underlying writer.
func (w *Writer) Flush() error {
	return w.buf.Flush()
}
