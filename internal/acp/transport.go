package acp

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// transport frames JSON-RPC 2.0 messages as newline-delimited JSON over
// a pair of byte streams: one JSON object per line.
type transport struct {
	r *bufio.Reader

	writeMu sync.Mutex
	w       io.Writer
}

func newTransport(r io.Reader, w io.Writer) *transport {
	return &transport{r: bufio.NewReader(r), w: w}
}

// readRequest blocks for the next newline-terminated JSON-RPC message.
func (t *transport) readRequest() (*Request, error) {
	line, err := t.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (t *transport) writeResponse(resp Response) error {
	return t.write(resp)
}

func (t *transport) writeNotification(n Notification) error {
	return t.write(n)
}

func (t *transport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.w.Write(data)
	return err
}
