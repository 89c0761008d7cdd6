// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package kernel

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/samber/lo"
)

// MimeJSON is the structured rendering offered for maps, slices and structs.
const MimeJSON = "application/json"

// Formatter renders values for display.
type Formatter interface {
	Format(value any) []protocol.FormattedValue
}

// DefaultFormatter renders every value as text/plain and composite values
// additionally as application/json.
type DefaultFormatter struct {
	// MimeTypes restricts output to these types when non-empty.
	MimeTypes []string
}

// Format implements Formatter.
func (f DefaultFormatter) Format(value any) []protocol.FormattedValue {
	if fv, ok := value.(protocol.FormattedValue); ok {
		return []protocol.FormattedValue{fv}
	}

	values := []protocol.FormattedValue{{MimeType: protocol.PlainText, Value: plainText(value)}}
	if isComposite(value) {
		if data, err := json.Marshal(value); err == nil {
			values = append(values, protocol.FormattedValue{MimeType: MimeJSON, Value: string(data)})
		}
	}

	if len(f.MimeTypes) == 0 {
		return values
	}
	return lo.Filter(values, func(v protocol.FormattedValue, _ int) bool {
		return lo.Contains(f.MimeTypes, v.MimeType)
	})
}

func plainText(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	default:
		return fmt.Sprint(v)
	}
}

func isComposite(value any) bool {
	switch value.(type) {
	case nil, error, fmt.Stringer:
		return false
	}
	switch reflect.Indirect(reflect.ValueOf(value)).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	default:
		return false
	}
}
