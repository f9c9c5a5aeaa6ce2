// Package features defines the connection record the models are trained on
// and validates it at the service boundary.
package features

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
)

// Field names as they appear in JSON bodies and CSV headers.
const (
	FieldProtocolType = "protocoltype"
	FieldService      = "service"
	FieldFlag         = "flag"
	FieldSrcBytes     = "srcbytes"
	FieldDstBytes     = "dstbytes"
	FieldLoggedIn     = "loggedin"
	FieldCount        = "count"
	FieldSrvCount     = "srvcount"
)

var names = []string{
	FieldProtocolType, FieldService, FieldFlag,
	FieldSrcBytes, FieldDstBytes, FieldLoggedIn,
	FieldCount, FieldSrvCount,
}

// Names returns every required field in canonical order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Protocols accepted for protocoltype.
var Protocols = []string{"tcp", "udp", "icmp"}

// Record is one network connection summary.
type Record struct {
	ProtocolType string  `json:"protocoltype"`
	Service      string  `json:"service"`
	Flag         string  `json:"flag"`
	SrcBytes     float64 `json:"srcbytes"`
	DstBytes     float64 `json:"dstbytes"`
	LoggedIn     int     `json:"loggedin"`
	Count        float64 `json:"count"`
	SrvCount     float64 `json:"srvcount"`
}

// ValidationError lists every problem found in a record.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid record: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// Decode reads exactly one JSON record. Unknown keys are rejected and every
// field must be present.
func Decode(r io.Reader) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return FromRaw(raw)
}

// FromRaw builds a record from already-split JSON members. Keys that are not
// record fields are rejected.
func FromRaw(raw map[string]json.RawMessage) (Record, error) {
	return fromRaw(raw, true)
}

// FromBatchElement builds a record from one element of a JSON batch. Keys
// that are not record fields are ignored, as extra CSV columns are.
func FromBatchElement(raw map[string]json.RawMessage) (Record, error) {
	return fromRaw(raw, false)
}

// wireRecord accepts loggedin as any JSON number so 1.0 decodes like 1.
type wireRecord struct {
	ProtocolType string  `json:"protocoltype"`
	Service      string  `json:"service"`
	Flag         string  `json:"flag"`
	SrcBytes     float64 `json:"srcbytes"`
	DstBytes     float64 `json:"dstbytes"`
	LoggedIn     float64 `json:"loggedin"`
	Count        float64 `json:"count"`
	SrvCount     float64 `json:"srvcount"`
}

func fromRaw(raw map[string]json.RawMessage, strict bool) (Record, error) {
	if raw == nil {
		return Record{}, &ValidationError{Problems: []string{"record must be a JSON object"}}
	}

	verr := &ValidationError{}
	known := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		v, ok := raw[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			verr.add("missing field %q", name)
			continue
		}
		known[name] = v
	}
	if strict {
		var unknown []string
		for key := range raw {
			if !isField(key) {
				unknown = append(unknown, key)
			}
		}
		sort.Strings(unknown)
		for _, key := range unknown {
			verr.add("unknown field %q", key)
		}
	}
	if err := verr.orNil(); err != nil {
		return Record{}, err
	}

	buf, err := json.Marshal(known)
	if err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	var w wireRecord
	if err := json.Unmarshal(buf, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Record{}, &ValidationError{Problems: []string{
				fmt.Sprintf("field %q must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value),
			}}
		}
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if w.LoggedIn != 0 && w.LoggedIn != 1 {
		return Record{}, &ValidationError{Problems: []string{fmt.Sprintf("loggedin must be 0 or 1, got %v", w.LoggedIn)}}
	}

	rec := Record{
		ProtocolType: w.ProtocolType,
		Service:      w.Service,
		Flag:         w.Flag,
		SrcBytes:     w.SrcBytes,
		DstBytes:     w.DstBytes,
		LoggedIn:     int(w.LoggedIn),
		Count:        w.Count,
		SrvCount:     w.SrvCount,
	}
	return rec, rec.Validate()
}

func isField(key string) bool {
	for _, n := range names {
		if n == key {
			return true
		}
	}
	return false
}

// Validate checks field domains.
func (r Record) Validate() error {
	verr := &ValidationError{}

	if !contains(Protocols, r.ProtocolType) {
		verr.add("protocoltype must be one of %s, got %q", strings.Join(Protocols, "/"), r.ProtocolType)
	}
	if strings.TrimSpace(r.Service) == "" {
		verr.add("service must not be empty")
	}
	if strings.TrimSpace(r.Flag) == "" {
		verr.add("flag must not be empty")
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{FieldSrcBytes, r.SrcBytes},
		{FieldDstBytes, r.DstBytes},
		{FieldCount, r.Count},
		{FieldSrvCount, r.SrvCount},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			verr.add("%s must be finite", f.name)
		} else if f.v < 0 {
			verr.add("%s must be >= 0, got %v", f.name, f.v)
		}
	}
	if r.LoggedIn != 0 && r.LoggedIn != 1 {
		verr.add("loggedin must be 0 or 1, got %d", r.LoggedIn)
	}

	return verr.orNil()
}

// Categorical returns the value of a string-typed feature.
func (r Record) Categorical(name string) (string, bool) {
	switch name {
	case FieldProtocolType:
		return r.ProtocolType, true
	case FieldService:
		return r.Service, true
	case FieldFlag:
		return r.Flag, true
	}
	return "", false
}

// Numeric returns the value of a number-typed feature.
func (r Record) Numeric(name string) (float64, bool) {
	switch name {
	case FieldSrcBytes:
		return r.SrcBytes, true
	case FieldDstBytes:
		return r.DstBytes, true
	case FieldLoggedIn:
		return float64(r.LoggedIn), true
	case FieldCount:
		return r.Count, true
	case FieldSrvCount:
		return r.SrvCount, true
	}
	return 0, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
