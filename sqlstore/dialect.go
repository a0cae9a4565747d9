package sqlstore

import (
	"strconv"
	"strings"
	"time"
)

// Dialect describes how a SQL engine differs from the common query text.
// Queries are written with '?' placeholders.
type Dialect struct {
	// Name is used in error messages ("mysql", "sqlite", "postgres").
	Name string
	// NumberedParams rewrites '?' into $1, $2, ...
	NumberedParams bool
	// Returning retrieves the sequence with INSERT ... RETURNING instead of LastInsertId.
	Returning bool
	// Greatest is the SQL function returning the larger of its arguments.
	Greatest string
	// DeleteOrderLimit supports DELETE ... ORDER BY ... LIMIT directly.
	DeleteOrderLimit bool
	// TimeLayout stores timestamps as text in this layout when set.
	TimeLayout string
}

func (d Dialect) valid() bool {
	return d.Name != "" && d.Greatest != ""
}

func (d Dialect) rebind(query string) string {
	if !d.NumberedParams {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)

			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}

	return b.String()
}

func (d Dialect) encodeTime(t time.Time) any {
	t = t.UTC()
	if d.TimeLayout != "" {
		return t.Format(d.TimeLayout)
	}

	return t
}

func (d Dialect) decodeTime(src any) (time.Time, bool, error) {
	switch v := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v.UTC(), true, nil
	case string:
		return d.parseTime(v)
	case []byte:
		return d.parseTime(string(v))
	default:
		return time.Time{}, false, ErrInvalidTime
	}
}

var fallbackLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.RFC3339Nano,
}

func (d Dialect) parseTime(s string) (time.Time, bool, error) {
	layouts := fallbackLayouts
	if d.TimeLayout != "" {
		layouts = append([]string{d.TimeLayout}, fallbackLayouts...)
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true, nil
		}
	}

	return time.Time{}, false, ErrInvalidTime
}
