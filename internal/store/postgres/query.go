package postgres

import (
	"fmt"
	"strings"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// listQuery appends the ListOpts time window on timeCol, newest-first
// ordering and pagination to base, which must end in a WHERE clause.
func listQuery(base, timeCol string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(base)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Since != nil {
		b.WriteString(" AND " + timeCol + " >= " + arg(*opts.Since))
	}
	if opts.Until != nil {
		b.WriteString(" AND " + timeCol + " < " + arg(*opts.Until))
	}
	b.WriteString(" ORDER BY " + timeCol + " DESC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT " + arg(opts.Limit))
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET " + arg(opts.Offset))
	}
	return b.String(), args
}
