package compile

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// fingerprint computes a deterministic hash over the tenant id and the
// canonical form of a query. Order-insensitive parts (dimensions, filters,
// time dimensions) are sorted first so that two semantically identical
// queries hash identically regardless of input ordering. The schema version
// participates so a reload naturally invalidates cached results.
func fingerprint(tenantID, schemaVersion string, d Dialect, q Query) string {
	h := xxhash.New()

	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
			_, _ = h.WriteString("\x1f")
		}
	}

	write("tenant", tenantID)
	write("schema", schemaVersion)
	write("dialect", string(d))

	measures := append([]string(nil), q.Measures...)
	sort.Strings(measures)
	write("measures")
	write(measures...)

	dims := append([]string(nil), q.Dimensions...)
	sort.Strings(dims)
	write("dimensions")
	write(dims...)

	tds := make([]string, 0, len(q.TimeDimensions))
	for _, td := range q.TimeDimensions {
		tds = append(tds, td.Dimension+"|"+td.Granularity+"|"+strings.Join(td.DateRange, ".."))
	}
	sort.Strings(tds)
	write("time")
	write(tds...)

	filters := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		vals := append([]string(nil), f.Values...)
		sort.Strings(vals)
		filters = append(filters, f.Member+"|"+f.Operator+"|"+strings.Join(vals, ","))
	}
	sort.Strings(filters)
	write("filters")
	write(filters...)

	// Order and limit change the result shape, so they are part of the key,
	// but order here is order-sensitive by nature.
	write("order")
	for _, o := range q.Order {
		write(o.Member + "|" + o.Direction)
	}
	write("limit", strconv.Itoa(q.Limit))

	return strconv.FormatUint(h.Sum64(), 16)
}
