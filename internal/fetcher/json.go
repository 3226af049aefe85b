package fetcher

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONObjects decodes either a JSON array of objects or a stream of
// whitespace-separated objects (JSON Lines), sending each element on the
// returned channel. Numbers are kept as json.Number. Both channels are
// closed when processing completes.
func DecodeJSONObjects[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		br := bufio.NewReader(r)
		first, err := firstNonSpace(br)
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "json: read input")
			return
		}
		dec := json.NewDecoder(br)
		dec.UseNumber()

		send := func(i int) bool {
			var item T
			if err := dec.Decode(&item); err != nil {
				errCh <- eris.Wrapf(err, "json: decode element %d", i)
				return false
			}
			select {
			case outCh <- item:
				return true
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return false
			}
		}

		if first != '[' {
			for i := 0; dec.More(); i++ {
				if !send(i) {
					return
				}
			}
			return
		}

		if _, err := dec.Token(); err != nil {
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		for i := 0; dec.More(); i++ {
			if !send(i) {
				return
			}
		}
		if _, err := dec.Token(); err != nil {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
