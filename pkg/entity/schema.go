package entity

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wurt83ow/orgkeeper/pkg/models"
)

// Kind is the stored type of a column.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindReal
	// KindDate is a calendar date stored as 2006-01-02.
	KindDate
	// KindTimestamp is stored in models.TimeLayout.
	KindTimestamp
)

const dateLayout = "2006-01-02"

// Column describes one domain column and its rules.
type Column struct {
	Name     string
	Kind     Kind
	Required bool
	// Default replaces a missing value.
	Default any
	// Enum restricts text values.
	Enum []string
	// Pattern restricts text values.
	Pattern *regexp.Regexp
	// NonNegative restricts numeric values.
	NonNegative bool
}

// Schema describes a table. Check runs after the per-column rules.
type Schema struct {
	Table   string
	Columns []Column
	Check   func(rec models.Record) error
}

func (s Schema) columnNames() []string {
	names := []string{models.ColID, models.ColOwnerID, models.ColUpdatedAt}
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

// normalize coerces the domain columns of rec. Key columns are copied as
// they are; the adapter fills them in.
func (s Schema) normalize(rec models.Record) (models.Record, error) {
	out := make(models.Record, len(s.Columns)+3)
	for _, key := range []string{models.ColID, models.ColOwnerID, models.ColUpdatedAt} {
		if v, ok := rec[key]; ok {
			out[key] = v
		}
	}

	for _, c := range s.Columns {
		v, present := rec[c.Name]
		if !present || v == nil || v == "" {
			if c.Default != nil {
				v = c.Default
			} else if c.Required {
				return nil, invalid(s.Table, "%s is required", c.Name)
			} else {
				out[c.Name] = nil
				continue
			}
		}
		coerced, err := c.coerce(v)
		if err != nil {
			return nil, invalid(s.Table, "%s: %v", c.Name, err)
		}
		out[c.Name] = coerced
	}

	if s.Check != nil {
		if err := s.Check(out); err != nil {
			return nil, invalid(s.Table, "%v", err)
		}
	}
	return out, nil
}

func (c Column) coerce(v any) (any, error) {
	switch c.Kind {
	case KindText:
		s, err := asText(v)
		if err != nil {
			return nil, err
		}
		if len(c.Enum) > 0 && !contains(c.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(c.Enum, ", "))
		}
		if c.Pattern != nil && !c.Pattern.MatchString(s) {
			return nil, fmt.Errorf("%q has an invalid format", s)
		}
		return s, nil

	case KindInt:
		n, ok := models.AsInt64(v)
		if !ok {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		if c.NonNegative && n < 0 {
			return nil, fmt.Errorf("%d is negative", n)
		}
		return n, nil

	case KindReal:
		f, ok := models.AsFloat64(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		if c.NonNegative && f < 0 {
			return nil, fmt.Errorf("%v is negative", f)
		}
		return f, nil

	case KindDate:
		s, err := asText(v)
		if err != nil {
			return nil, err
		}
		if d, err := time.Parse(dateLayout, s); err == nil {
			return d.Format(dateLayout), nil
		}
		t, err := models.AsTime(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not a date", s)
		}
		return t.Format(dateLayout), nil

	case KindTimestamp:
		t, err := models.AsTime(v)
		if err != nil {
			return nil, err
		}
		return models.FormatTime(t), nil
	}
	return nil, fmt.Errorf("unsupported column kind %d", c.Kind)
}

func asText(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case json.Number:
		return s.String(), nil
	case int64, float64, int:
		return fmt.Sprint(s), nil
	}
	return "", fmt.Errorf("%v is not text", v)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func invalid(table, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidRecord, table, fmt.Sprintf(format, args...))
}
