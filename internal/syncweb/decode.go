package syncweb

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/mozilla-services/syncstore/internal/apperror"
	"github.com/mozilla-services/syncstore/internal/bso"
)

// routeVar reads a gorilla/mux path variable.
func routeVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// wireBSO is the shape a client sends in a POST batch or PUT body: fields
// are pointers so omission is distinguishable from an explicit zero value,
// matching bso.WriteInput's own pointer-field convention.
type wireBSO struct {
	Id        string  `json:"id"`
	Payload   *string `json:"payload"`
	SortIndex *int    `json:"sortindex"`
	TTL       *int    `json:"ttl"`
}

func (w wireBSO) toWriteInput(id string) bso.WriteInput {
	return bso.WriteInput{Id: id, Payload: w.Payload, SortIndex: w.SortIndex, TTL: w.TTL}
}

// decodeWriteInputs parses a POST body as either a JSON array of BSOs or
// newline-delimited JSON, enforcing maxRecords/maxBytes before any row is
// validated individually.
func decodeWriteInputs(r *http.Request, maxRecords, maxBytes int) ([]bso.WriteInput, error) {
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, errors.Wrap(apperror.ErrInvalidPayload, "read request body")
	}
	if len(body) > maxBytes {
		return nil, apperror.ErrPayloadTooBig
	}

	var wires []wireBSO
	if getMediaType(r.Header.Get("Content-Type")) == "application/newlines" {
		for _, line := range splitNonEmptyLines(body) {
			var w wireBSO
			if err := json.Unmarshal(line, &w); err != nil {
				return nil, errors.Wrap(apperror.ErrInvalidPayload, "malformed newline record")
			}
			wires = append(wires, w)
		}
	} else {
		if err := json.Unmarshal(body, &wires); err != nil {
			return nil, errors.Wrap(apperror.ErrInvalidPayload, "malformed JSON batch")
		}
	}

	if len(wires) > maxRecords {
		return nil, errors.Wrap(apperror.ErrInvalidLimit, "batch exceeds max record count")
	}

	items := make([]bso.WriteInput, len(wires))
	for i, w := range wires {
		items[i] = w.toWriteInput(w.Id)
	}
	return items, nil
}

func splitNonEmptyLines(body []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range body {
		if b == '\n' {
			if i > start {
				lines = append(lines, body[start:i])
			}
			start = i + 1
		}
	}
	if start < len(body) {
		lines = append(lines, body[start:])
	}
	return lines
}

// decodeSingleWriteInput parses a PUT body as one BSO, enforcing maxBytes.
func decodeSingleWriteInput(r *http.Request, id string, maxBytes int) (bso.WriteInput, error) {
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
	if err != nil {
		return bso.WriteInput{}, errors.Wrap(apperror.ErrInvalidPayload, "read request body")
	}
	if len(body) > maxBytes {
		return bso.WriteInput{}, apperror.ErrPayloadTooBig
	}

	var w wireBSO
	if err := json.Unmarshal(body, &w); err != nil {
		return bso.WriteInput{}, errors.Wrap(apperror.ErrInvalidPayload, "malformed JSON body")
	}

	in := w.toWriteInput(id)
	if err := bso.ValidateWrite(in); err != nil {
		return bso.WriteInput{}, err
	}
	return in, nil
}
