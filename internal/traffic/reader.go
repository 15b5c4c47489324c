package traffic

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Reader parses samples from text: numbers separated by whitespace, commas
// or newlines. Everything after '#' on a line is ignored.
type Reader struct {
	scanner *bufio.Scanner
	pending []string
	line    int
	count   int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: sc}
}

// Next returns the next parsed sample or io.EOF.
func (r *Reader) Next(ctx context.Context) (float64, error) {
	for len(r.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return 0, fmt.Errorf("read samples: %w", err)
			}
			return 0, io.EOF
		}
		r.line++
		text := r.scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		r.pending = strings.FieldsFunc(text, isSeparator)
	}

	field := r.pending[0]
	r.pending = r.pending[1:]
	x, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: sample %d: parse %q: %w", r.line, r.count, field, err)
	}
	r.count++
	return x, nil
}

func isSeparator(r rune) bool {
	return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\r'
}
