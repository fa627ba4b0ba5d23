// Package recipients reads recipient lists from CSV, JSON and plain text
// sources, locally or from S3.
package recipients

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Header names accepted for the address column.
var emailHeaders = []string{"email", "email_address", "e-mail", "emailaddress", "mail"}

// ErrMissingEmailColumn is returned for a CSV without an address column.
var ErrMissingEmailColumn = errors.New("recipients: csv has no email column")

// ParseError reports one rejected input line. Line is 1-based; for JSON it is
// the 1-based array position.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ValidAddress reports whether addr looks like a deliverable address.
func ValidAddress(addr string) bool {
	return emailRegex.MatchString(addr)
}

func checkAddress(line int, addr string) error {
	if addr == "" {
		return &ParseError{Line: line, Reason: "empty email address"}
	}
	if !ValidAddress(addr) {
		return &ParseError{Line: line, Reason: fmt.Sprintf("invalid email address %q", addr)}
	}
	return nil
}

// ParseCSV reads a CSV with a header row. Columns other than the address
// become template fields. Valid rows are returned even when some rows fail;
// the failures are joined into the error.
func ParseCSV(r io.Reader) ([]dispatch.Recipient, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	emailCol := -1
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		header[i] = h
		for _, alias := range emailHeaders {
			if h == alias && emailCol < 0 {
				emailCol = i
			}
		}
	}
	if emailCol < 0 {
		return nil, ErrMissingEmailColumn
	}

	var (
		out  []dispatch.Recipient
		errs []error
	)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				errs = append(errs, &ParseError{Line: pe.Line, Reason: pe.Err.Error()})
				continue
			}
			return out, fmt.Errorf("reading csv: %w", err)
		}
		line, _ := cr.FieldPos(0)

		addr := ""
		if emailCol < len(record) {
			addr = strings.TrimSpace(record[emailCol])
		}
		if err := checkAddress(line, addr); err != nil {
			errs = append(errs, err)
			continue
		}

		rc := dispatch.Recipient{Address: addr}
		for i, v := range record {
			if i == emailCol || i >= len(header) || header[i] == "" {
				continue
			}
			if rc.TemplateFields == nil {
				rc.TemplateFields = make(map[string]string, len(record)-1)
			}
			rc.TemplateFields[header[i]] = strings.TrimSpace(v)
		}
		out = append(out, rc)
	}
	return out, errors.Join(errs...)
}

// ParseJSON reads an array of {"email": ..., "data": {...}}. An element
// without "data" uses its other top-level keys as fields.
func ParseJSON(r io.Reader) ([]dispatch.Recipient, error) {
	var raw []map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding recipients json: %w", err)
	}

	var (
		out  []dispatch.Recipient
		errs []error
	)
	for i, obj := range raw {
		line := i + 1

		var addr string
		if v, ok := obj["email"]; ok {
			if err := json.Unmarshal(v, &addr); err != nil {
				errs = append(errs, &ParseError{Line: line, Reason: "email must be a string"})
				continue
			}
		}
		addr = strings.TrimSpace(addr)
		if err := checkAddress(line, addr); err != nil {
			errs = append(errs, err)
			continue
		}

		fields, skipEmail := obj, true
		if data, ok := obj["data"]; ok {
			fields, skipEmail = nil, false
			if err := json.Unmarshal(data, &fields); err != nil {
				errs = append(errs, &ParseError{Line: line, Reason: "data must be an object"})
				continue
			}
		}

		rc := dispatch.Recipient{Address: addr}
		for k, v := range fields {
			if skipEmail && k == "email" {
				continue
			}
			if rc.TemplateFields == nil {
				rc.TemplateFields = make(map[string]string, len(fields))
			}
			rc.TemplateFields[k] = fieldString(v)
		}
		out = append(out, rc)
	}
	return out, errors.Join(errs...)
}

// fieldString keeps strings as-is and other JSON values in their text form.
func fieldString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	if string(v) == "null" {
		return ""
	}
	return string(v)
}

// ParseText reads one address per line. Blank lines and lines starting with
// '#' are skipped. Each recipient gets a "name" field from the local part.
func ParseText(r io.Reader) ([]dispatch.Recipient, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		out  []dispatch.Recipient
		errs []error
		line int
	)
	for sc.Scan() {
		line++
		addr := strings.TrimSpace(sc.Text())
		if addr == "" || strings.HasPrefix(addr, "#") {
			continue
		}
		if err := checkAddress(line, addr); err != nil {
			errs = append(errs, err)
			continue
		}
		local, _, _ := strings.Cut(addr, "@")
		out = append(out, dispatch.Recipient{
			Address:        addr,
			TemplateFields: map[string]string{"name": local},
		})
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("reading text recipients: %w", err)
	}
	return out, errors.Join(errs...)
}
