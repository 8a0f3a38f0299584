package jsonrepair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var bom = []byte("\xef\xbb\xbf")

// contextRadius is how many bytes of surrounding text a SyntaxError keeps on
// each side of the failing offset.
const contextRadius = 50

// SyntaxError describes the first syntax error found in a JSON document.
type SyntaxError struct {
	Offset  int64  // byte offset of the failing byte, BOM excluded
	Line    int    // 1-based
	Column  int    // 1-based, in bytes
	Context string // surrounding text
	Caret   int    // position of the failing byte within Context
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("json syntax error at line %d, column %d (offset %d): %s", e.Line, e.Column, e.Offset, e.Message)
}

// TrimBOM strips a leading UTF-8 byte order mark.
func TrimBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, bom)
}

// Locate returns nil when data is valid JSON, otherwise the position and
// context of the first syntax error. A leading byte order mark is ignored.
func Locate(data []byte) *SyntaxError {
	data = TrimBOM(data)

	var v any
	err := json.Unmarshal(data, &v)
	if err == nil {
		return nil
	}

	offset := int64(len(data))
	var se *json.SyntaxError
	if errors.As(err, &se) {
		// Offset counts the bytes read before the error, so the culprit is
		// the byte just before it.
		offset = se.Offset - 1
		if offset < 0 {
			offset = 0
		}
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return describe(data, offset, err.Error())
}

func describe(data []byte, offset int64, msg string) *SyntaxError {
	head := data[:offset]
	line := bytes.Count(head, []byte("\n")) + 1
	col := int(offset) + 1
	if nl := bytes.LastIndexByte(head, '\n'); nl >= 0 {
		col = int(offset) - nl
	}

	start := int(offset) - contextRadius
	if start < 0 {
		start = 0
	}
	end := int(offset) + contextRadius
	if end > len(data) {
		end = len(data)
	}

	return &SyntaxError{
		Offset:  offset,
		Line:    line,
		Column:  col,
		Context: string(data[start:end]),
		Caret:   int(offset) - start,
		Message: msg,
	}
}
