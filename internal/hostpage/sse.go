package hostpage

import (
	"bufio"
	"io"
	"strings"
)

type sseEvent struct {
	Name string
	Data string
}

// sseReader reads server-sent events. Comment lines and fields other than
// event and data are skipped; multiple data lines are joined with "\n".
type sseReader struct {
	r   *bufio.Reader
	cur sseEvent
	err error
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (s *sseReader) Next() bool {
	if s.err != nil {
		return false
	}
	s.cur = sseEvent{}
	var data []string
	var name string
	hasData := false

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				s.cur = sseEvent{Name: name, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.cur = sseEvent{Name: name, Data: strings.Join(data, "\n")}
				return true
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			name = value
		}
	}
}

func (s *sseReader) Event() sseEvent { return s.cur }

// Err is nil after a clean end of stream.
func (s *sseReader) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
