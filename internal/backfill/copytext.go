package backfill

import (
	"bufio"
	"io"
)

// copyTextReader splits PostgreSQL COPY TEXT format output into rows of
// raw field bytes, applying the format's backslash escaping and NULL
// marker so each field can be handed straight to internal/decode as if it
// were a wire.ColumnText tuple payload (nil for \N, the unescaped bytes
// otherwise).
type copyTextReader struct {
	scanner *bufio.Scanner
}

func newCopyTextReader(r io.Reader) *copyTextReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &copyTextReader{scanner: scanner}
}

// Next returns the next row's fields, or io.EOF when the stream is done. A
// nil field slice element denotes SQL NULL (the \N marker); any other
// element, including an empty one, is a present value.
func (r *copyTextReader) Next() ([][]byte, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := r.scanner.Bytes()
	if len(line) == 2 && line[0] == '\\' && line[1] == '.' {
		return nil, io.EOF
	}
	return splitCopyLine(line), nil
}

func splitCopyLine(line []byte) [][]byte {
	fields := make([][]byte, 0, 8)
	var cur []byte
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b == '\t' {
			fields = append(fields, unescapeField(cur))
			cur = nil
			continue
		}
		cur = append(cur, b)
	}
	fields = append(fields, unescapeField(cur))
	return fields
}

func unescapeField(raw []byte) []byte {
	if len(raw) == 2 && raw[0] == '\\' && raw[1] == 'N' {
		return nil
	}
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i == len(raw)-1 {
			out = append(out, raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case '\\':
			out = append(out, '\\')
		default:
			out = append(out, raw[i])
		}
	}
	return out
}
