package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Frames travel newline-delimited over the stream. A single frame may not
// exceed MaxFrameSize bytes; workflow documents ride inside job_assign, so
// the ceiling is generous.
const MaxFrameSize = 8 << 20

// Encoder writes frames to a stream.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Encode(f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(raw) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(raw))
	}
	if _, err := e.w.Write(raw); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads frames from a stream.
type Decoder struct {
	r *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &Decoder{r: sc}
}

func (d *Decoder) Decode() (Frame, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return Frame{}, err
			}
			return Frame{}, io.EOF
		}
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		if f.Type == "" {
			return Frame{}, fmt.Errorf("frame missing type")
		}
		return f, nil
	}
}
