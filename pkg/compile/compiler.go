package compile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/semlayer/semlayer/pkg/authcontext"
	"github.com/semlayer/semlayer/pkg/logger"
	"github.com/semlayer/semlayer/pkg/schema"
)

var tracer = otel.Tracer("pkg/compile")

// DefaultRowLimit bounds result sets when the query does not set a limit.
const DefaultRowLimit = 10000

// Column maps an output column alias back to the member it was selected for.
type Column struct {
	Member string
	Alias  string
}

// CompiledStatement is the rendered, executable form of a query. All
// user-supplied values travel in Args as bind parameters.
type CompiledStatement struct {
	Dialect     Dialect
	SQL         string
	Args        []any
	Fingerprint string

	// Cube is the anchor cube the statement selects from.
	Cube string

	Columns []Column

	// FromPreAggregation is true when the statement was rewritten to read a
	// summary table instead of the raw source.
	FromPreAggregation bool
}

// PreAggTarget describes a summary table the compiler may rewrite a query to.
type PreAggTarget struct {
	Table        string
	TenantColumn string
	BucketColumn string

	// MeasureColumns maps measure field names to summary columns holding
	// partial aggregates, together with the aggregation used to combine them.
	MeasureColumns map[string]string
	MeasureAggs    map[string]string

	// DimensionColumns maps dimension field names to summary columns.
	DimensionColumns map[string]string
}

// PreAggMatcher is consulted before SQL emission. It reports whether a
// maintained, non-stale pre-aggregation fully covers the requested shape for
// the tenant.
type PreAggMatcher interface {
	Match(tenantID, cube string, measures, dimensions []string, timeDimension, granularity string) (*PreAggTarget, bool)
}

// Compiler compiles queries against the active schema.
type Compiler struct {
	registry     *schema.Registry
	preaggs      PreAggMatcher
	defaultLimit int
	logger       logger.Logger
}

type Option func(*Compiler)

func WithPreAggregations(m PreAggMatcher) Option {
	return func(c *Compiler) {
		c.preaggs = m
	}
}

func WithDefaultLimit(n int) Option {
	return func(c *Compiler) {
		c.defaultLimit = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Compiler) {
		c.logger = l
	}
}

func NewCompiler(registry *schema.Registry, opts ...Option) *Compiler {
	c := &Compiler{
		registry:     registry,
		defaultLimit: DefaultRowLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewNoopLogger()
	}
	return c
}

// CompileOption alters a single Compile call.
type CompileOption func(*compileSettings)

type compileSettings struct {
	skipRewrite bool
}

// WithoutPreAggRewrite forces compilation against the raw source tables.
// The pre-aggregation scheduler uses it when materializing summaries.
func WithoutPreAggRewrite() CompileOption {
	return func(s *compileSettings) {
		s.skipRewrite = true
	}
}

// resolved carries a member resolved against the schema.
type resolvedMember struct {
	member
	cube *schema.CubeDefinition
}

// Compile renders the query for the given dialect, scoped to the tenant in
// sctx. See the package comment for the isolation guarantee.
func (c *Compiler) Compile(ctx context.Context, q Query, sctx *authcontext.SecurityContext, dialect Dialect, opts ...CompileOption) (*CompiledStatement, error) {
	ctx, span := tracer.Start(ctx, "compile.Compile")
	defer span.End()
	_ = ctx

	var settings compileSettings
	for _, opt := range opts {
		opt(&settings)
	}

	if !dialect.Valid() {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if len(q.Measures) == 0 && len(q.Dimensions) == 0 && len(q.TimeDimensions) == 0 {
		return nil, fmt.Errorf("%w: query selects nothing", ErrInvalidQuery)
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}

	// Every lookup below resolves against one pinned schema generation, so
	// a concurrent reload can not mix definitions inside a single compile.
	snap := c.registry.Snapshot()

	measures, err := c.resolveMeasures(snap, q.Measures)
	if err != nil {
		return nil, err
	}
	dims, err := c.resolveDimensions(snap, q.Dimensions)
	if err != nil {
		return nil, err
	}
	tds, err := c.resolveTimeDimensions(snap, q.TimeDimensions)
	if err != nil {
		return nil, err
	}
	filters, err := c.resolveFilters(snap, q.Filters)
	if err != nil {
		return nil, err
	}

	plan, err := c.planJoins(snap, measures, dims, tds, filters)
	if err != nil {
		return nil, err
	}

	fp := fingerprint(sctx.TenantID(), snap.Version(), dialect, q)

	if !settings.skipRewrite && c.preaggs != nil {
		stmt, ok, err := c.tryRewrite(q, sctx, dialect, plan, measures, dims, tds, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			stmt.Fingerprint = fp
			return stmt, nil
		}
	}

	stmt, err := c.render(q, sctx, dialect, plan, measures, dims, tds, filters)
	if err != nil {
		return nil, err
	}
	stmt.Fingerprint = fp
	return stmt, nil
}

func (c *Compiler) resolveMember(snap schema.Snapshot, ref string) (resolvedMember, error) {
	m, err := parseMember(ref)
	if err != nil {
		return resolvedMember{}, err
	}

	if m.cube == "" {
		// A bare member never resolves, but a bare tenant column is an
		// override attempt and gets the security error, not a lookup error.
		if isTenantColumn(snap, m.field) {
			return resolvedMember{}, fmt.Errorf("%w: %q", ErrIllegalTenantOverride, ref)
		}
		return resolvedMember{}, fmt.Errorf("%w: %q", ErrUnknownField, ref)
	}

	cube, err := snap.GetCube(m.cube)
	if err != nil {
		return resolvedMember{}, fmt.Errorf("%w: %q", ErrUnknownField, ref)
	}
	if m.field == cube.TenantColumnName() {
		return resolvedMember{}, fmt.Errorf("%w: %q", ErrIllegalTenantOverride, ref)
	}
	return resolvedMember{member: m, cube: cube}, nil
}

// isTenantColumn reports whether field names the tenant column of any cube
// in the schema generation.
func isTenantColumn(snap schema.Snapshot, field string) bool {
	if field == schema.DefaultTenantColumn {
		return true
	}
	for _, cube := range snap.Cubes() {
		if field == cube.TenantColumnName() {
			return true
		}
	}
	return false
}

type resolvedMeasure struct {
	resolvedMember
	def schema.Measure
}

type resolvedDimension struct {
	resolvedMember
	def schema.Dimension
}

type resolvedTimeDimension struct {
	resolvedDimension
	granularity string
	dateRange   []string
}

type resolvedFilter struct {
	resolvedDimension
	op     string
	values []string
}

func (c *Compiler) resolveMeasures(snap schema.Snapshot, refs []string) ([]resolvedMeasure, error) {
	out := make([]resolvedMeasure, 0, len(refs))
	for _, ref := range refs {
		rm, err := c.resolveMember(snap, ref)
		if err != nil {
			return nil, err
		}
		def, ok := rm.cube.Measure(rm.field)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a measure", ErrUnknownField, ref)
		}
		out = append(out, resolvedMeasure{resolvedMember: rm, def: def})
	}
	return out, nil
}

func (c *Compiler) resolveDimensions(snap schema.Snapshot, refs []string) ([]resolvedDimension, error) {
	out := make([]resolvedDimension, 0, len(refs))
	for _, ref := range refs {
		rd, err := c.resolveDimension(snap, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, rd)
	}
	return out, nil
}

func (c *Compiler) resolveDimension(snap schema.Snapshot, ref string) (resolvedDimension, error) {
	rm, err := c.resolveMember(snap, ref)
	if err != nil {
		return resolvedDimension{}, err
	}
	def, ok := rm.cube.Dimension(rm.field)
	if !ok {
		return resolvedDimension{}, fmt.Errorf("%w: %q is not a dimension", ErrUnknownField, ref)
	}
	return resolvedDimension{resolvedMember: rm, def: def}, nil
}

func (c *Compiler) resolveTimeDimensions(snap schema.Snapshot, tds []TimeDimension) ([]resolvedTimeDimension, error) {
	out := make([]resolvedTimeDimension, 0, len(tds))
	for _, td := range tds {
		rd, err := c.resolveDimension(snap, td.Dimension)
		if err != nil {
			return nil, err
		}
		if rd.def.Type != "time" {
			return nil, fmt.Errorf("%w: %q is not a time dimension", ErrInvalidQuery, td.Dimension)
		}
		if !schema.ValidGranularity(td.Granularity) {
			return nil, fmt.Errorf("%w: unsupported granularity %q", ErrInvalidQuery, td.Granularity)
		}
		if len(td.DateRange) != 0 && len(td.DateRange) != 2 {
			return nil, fmt.Errorf("%w: dateRange must be [from, to]", ErrInvalidQuery)
		}
		out = append(out, resolvedTimeDimension{
			resolvedDimension: rd,
			granularity:       td.Granularity,
			dateRange:         td.DateRange,
		})
	}
	return out, nil
}

func (c *Compiler) resolveFilters(snap schema.Snapshot, filters []Filter) ([]resolvedFilter, error) {
	out := make([]resolvedFilter, 0, len(filters))
	for _, f := range filters {
		if !validOperator(f.Operator) {
			return nil, fmt.Errorf("%w: unsupported filter operator %q", ErrInvalidQuery, f.Operator)
		}
		// Comparison operators take exactly one value. Allowing more would
		// leave the extras out of the SQL while the fingerprint still
		// covers them, so distinct queries would share a cache entry.
		switch f.Operator {
		case OpGt, OpGte, OpLt, OpLte:
			if len(f.Values) != 1 {
				return nil, fmt.Errorf("%w: operator %q takes exactly one value", ErrInvalidQuery, f.Operator)
			}
		}
		rd, err := c.resolveDimension(snap, f.Member)
		if err != nil {
			return nil, err
		}
		out = append(out, resolvedFilter{resolvedDimension: rd, op: f.Operator, values: f.Values})
	}
	return out, nil
}

// joinPlan is the ordered set of join edges needed to reach every referenced
// cube from the anchor.
type joinPlan struct {
	anchor *schema.CubeDefinition
	joins  []joinEdge
}

type joinEdge struct {
	from *schema.CubeDefinition
	join schema.Join
	to   *schema.CubeDefinition
}

func (c *Compiler) planJoins(snap schema.Snapshot, measures []resolvedMeasure, dims []resolvedDimension, tds []resolvedTimeDimension, filters []resolvedFilter) (*joinPlan, error) {
	var ordered []*schema.CubeDefinition
	seen := map[string]struct{}{}
	add := func(cube *schema.CubeDefinition) {
		if _, ok := seen[cube.Name]; !ok {
			seen[cube.Name] = struct{}{}
			ordered = append(ordered, cube)
		}
	}
	for _, m := range measures {
		add(m.cube)
	}
	for _, d := range dims {
		add(d.cube)
	}
	for _, td := range tds {
		add(td.cube)
	}
	for _, f := range filters {
		add(f.cube)
	}

	plan := &joinPlan{anchor: ordered[0]}
	joined := map[string]struct{}{plan.anchor.Name: {}}

	for _, target := range ordered[1:] {
		if _, ok := joined[target.Name]; ok {
			continue
		}
		path, err := c.shortestJoinPath(snap, plan.anchor, target)
		if err != nil {
			return nil, err
		}
		for _, edge := range path {
			if _, ok := joined[edge.to.Name]; ok {
				continue
			}
			joined[edge.to.Name] = struct{}{}
			plan.joins = append(plan.joins, edge)
		}
	}

	return plan, nil
}

// shortestJoinPath runs a BFS over declared joins from anchor to target.
// Neighbors are visited in lexical order so that when several equal-length
// paths exist the chosen one is deterministic.
func (c *Compiler) shortestJoinPath(snap schema.Snapshot, anchor, target *schema.CubeDefinition) ([]joinEdge, error) {
	type queueItem struct {
		cube *schema.CubeDefinition
		path []joinEdge
	}

	queue := []queueItem{{cube: anchor}}
	visited := map[string]struct{}{anchor.Name: {}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		joins := append([]schema.Join(nil), item.cube.Joins...)
		sort.Slice(joins, func(i, j int) bool { return joins[i].Cube < joins[j].Cube })

		for _, j := range joins {
			if _, ok := visited[j.Cube]; ok {
				continue
			}
			next, err := snap.GetCube(j.Cube)
			if err != nil {
				return nil, err
			}
			edge := joinEdge{from: item.cube, join: j, to: next}
			path := append(append([]joinEdge(nil), item.path...), edge)
			if next.Name == target.Name {
				return path, nil
			}
			visited[next.Name] = struct{}{}
			queue = append(queue, queueItem{cube: next, path: path})
		}
	}

	return nil, fmt.Errorf("%w: %s and %s", ErrNoJoinPath, anchor.Name, target.Name)
}

// sourceTable resolves a cube's physical table for a tenant, expanding the
// {tenant} placeholder when present.
func sourceTable(cube *schema.CubeDefinition, tenantID string) (string, error) {
	if !strings.Contains(cube.Table, "{tenant}") {
		return cube.Table, nil
	}
	for _, r := range tenantID {
		if r != '_' && r != '-' && !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9') {
			return "", fmt.Errorf("tenant id %q can not parameterize a table name", tenantID)
		}
	}
	return strings.ReplaceAll(cube.Table, "{tenant}", strings.ReplaceAll(tenantID, "-", "_")), nil
}

// render emits the raw-source SQL for the query.
func (c *Compiler) render(q Query, sctx *authcontext.SecurityContext, dialect Dialect, plan *joinPlan, measures []resolvedMeasure, dims []resolvedDimension, tds []resolvedTimeDimension, filters []resolvedFilter) (*CompiledStatement, error) {
	tenantID := sctx.TenantID()

	var columns []Column
	var selects []string
	var groupBy []string

	for _, d := range dims {
		expr := schema.QualifyColumns(d.def.SQL, d.cube.Name)
		alias := columnAlias(d.String())
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, alias))
		groupBy = append(groupBy, expr)
		columns = append(columns, Column{Member: d.String(), Alias: alias})
	}

	for _, td := range tds {
		expr := schema.QualifyColumns(td.def.SQL, td.cube.Name)
		trunc, err := dialect.DateTrunc(td.granularity, expr)
		if err != nil {
			return nil, err
		}
		alias := columnAlias(td.String() + "." + td.granularity)
		selects = append(selects, fmt.Sprintf("%s AS %s", trunc, alias))
		groupBy = append(groupBy, trunc)
		columns = append(columns, Column{Member: td.String(), Alias: alias})
	}

	for _, m := range measures {
		expr := schema.QualifyColumns(m.def.SQL, m.cube.Name)
		agg, err := AggregateExpr(m.def.Agg, expr)
		if err != nil {
			return nil, err
		}
		alias := columnAlias(m.String())
		selects = append(selects, fmt.Sprintf("%s AS %s", agg, alias))
		columns = append(columns, Column{Member: m.String(), Alias: alias})
	}

	anchorTable, err := sourceTable(plan.anchor, tenantID)
	if err != nil {
		return nil, err
	}

	builder := sq.StatementBuilder.
		PlaceholderFormat(dialect.PlaceholderFormat()).
		Select(selects...).
		From(fmt.Sprintf("%s AS %s", anchorTable, plan.anchor.Name))

	// Joined tables carry their tenant predicate in the ON clause so the
	// scoping survives any join type.
	for _, edge := range plan.joins {
		joinTable, err := sourceTable(edge.to, tenantID)
		if err != nil {
			return nil, err
		}
		builder = builder.Join(
			fmt.Sprintf("%s AS %s ON (%s) AND %s.%s = ?",
				joinTable, edge.to.Name, edge.join.On, edge.to.Name, edge.to.TenantColumnName()),
			tenantID,
		)
	}

	// The anchor's tenant predicate. Unconditional.
	builder = builder.Where(sq.Expr(
		fmt.Sprintf("%s.%s = ?", plan.anchor.Name, plan.anchor.TenantColumnName()), tenantID))

	for _, td := range tds {
		if len(td.dateRange) == 2 {
			expr := schema.QualifyColumns(td.def.SQL, td.cube.Name)
			builder = builder.Where(sq.Expr(fmt.Sprintf("%s >= ?", expr), td.dateRange[0]))
			builder = builder.Where(sq.Expr(fmt.Sprintf("%s <= ?", expr), td.dateRange[1]))
		}
	}

	for _, f := range filters {
		expr := schema.QualifyColumns(f.def.SQL, f.cube.Name)
		pred, err := filterPredicate(expr, f.op, f.values)
		if err != nil {
			return nil, err
		}
		builder = builder.Where(pred)
	}

	if len(measures) > 0 && len(groupBy) > 0 {
		builder = builder.GroupBy(groupBy...)
	}

	builder, err = applyOrder(builder, q.Order, columns)
	if err != nil {
		return nil, err
	}
	builder = builder.Limit(uint64(effectiveLimit(q.Limit, c.defaultLimit)))

	sqlText, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("render sql: %w", err)
	}

	return &CompiledStatement{
		Dialect: dialect,
		SQL:     sqlText,
		Args:    args,
		Cube:    plan.anchor.Name,
		Columns: columns,
	}, nil
}

func filterPredicate(expr, op string, values []string) (sq.Sqlizer, error) {
	needsValues := op != OpSet && op != OpNotSet
	if needsValues && len(values) == 0 {
		return nil, fmt.Errorf("%w: operator %q needs at least one value", ErrInvalidQuery, op)
	}

	switch op {
	case OpEquals, OpIn:
		return sq.Eq{expr: values}, nil
	case OpNotEquals:
		return sq.NotEq{expr: values}, nil
	case OpContains:
		var ors sq.Or
		for _, v := range values {
			// Filter values are literals, so % and _ in them must not act
			// as LIKE wildcards.
			ors = append(ors, sq.Expr(expr+` LIKE ? ESCAPE '\'`, "%"+escapeLike(v)+"%"))
		}
		return ors, nil
	case OpGt:
		return sq.Gt{expr: values[0]}, nil
	case OpGte:
		return sq.GtOrEq{expr: values[0]}, nil
	case OpLt:
		return sq.Lt{expr: values[0]}, nil
	case OpLte:
		return sq.LtOrEq{expr: values[0]}, nil
	case OpSet:
		return sq.NotEq{expr: nil}, nil
	case OpNotSet:
		return sq.Eq{expr: nil}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported filter operator %q", ErrInvalidQuery, op)
	}
}

var dateRangeLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339}

// bucketAligned reports whether value sits exactly on a bucket boundary for
// the granularity. Values that do not parse count as unaligned.
func bucketAligned(value, granularity string) bool {
	var ts time.Time
	parsed := false
	for _, layout := range dateRangeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			ts = t
			parsed = true
			break
		}
	}
	if !parsed {
		return false
	}
	if ts.Nanosecond() != 0 || ts.Second() != 0 || ts.Minute() != 0 {
		return false
	}
	switch granularity {
	case schema.GranularityHour:
		return true
	case schema.GranularityDay:
		return ts.Hour() == 0
	case schema.GranularityWeek:
		return ts.Hour() == 0 && ts.Weekday() == time.Monday
	case schema.GranularityMonth:
		return ts.Hour() == 0 && ts.Day() == 1
	case schema.GranularityYear:
		return ts.Hour() == 0 && ts.Day() == 1 && ts.Month() == time.January
	default:
		return false
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func escapeLike(v string) string {
	return likeEscaper.Replace(v)
}

func applyOrder(builder sq.SelectBuilder, order []Order, columns []Column) (sq.SelectBuilder, error) {
	for _, o := range order {
		dir := strings.ToUpper(o.Direction)
		if dir == "" {
			dir = "ASC"
		}
		if dir != "ASC" && dir != "DESC" {
			return builder, fmt.Errorf("%w: order direction %q", ErrInvalidQuery, o.Direction)
		}
		var alias string
		for _, col := range columns {
			if col.Member == o.Member {
				alias = col.Alias
				break
			}
		}
		if alias == "" {
			return builder, fmt.Errorf("%w: order member %q is not selected", ErrInvalidQuery, o.Member)
		}
		builder = builder.OrderBy(alias + " " + dir)
	}
	return builder, nil
}

func effectiveLimit(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	return fallback
}

// tryRewrite checks the pre-aggregation metadata and, on a full cover,
// emits SQL against the summary table instead of the raw source.
func (c *Compiler) tryRewrite(q Query, sctx *authcontext.SecurityContext, dialect Dialect, plan *joinPlan, measures []resolvedMeasure, dims []resolvedDimension, tds []resolvedTimeDimension, filters []resolvedFilter) (*CompiledStatement, bool, error) {
	// Summaries materialize one cube at a time.
	if len(plan.joins) > 0 || len(tds) > 1 {
		return nil, false, nil
	}

	// A summary row is one pre-grouped bucket; a measure-less query over the
	// raw source returns one row per source row, so row multiplicity differs.
	if len(measures) == 0 {
		return nil, false, nil
	}

	// A date range restricts raw timestamps, but the summary only carries
	// truncated buckets. Unless both bounds sit exactly on bucket
	// boundaries, filtering buckets drops or adds partial-bucket rows.
	for _, td := range tds {
		if len(td.dateRange) == 2 {
			if !bucketAligned(td.dateRange[0], td.granularity) || !bucketAligned(td.dateRange[1], td.granularity) {
				return nil, false, nil
			}
		}
	}

	var timeDim, granularity string
	if len(tds) == 1 {
		timeDim = tds[0].field
		granularity = tds[0].granularity
	}

	measureFields := make([]string, 0, len(measures))
	for _, m := range measures {
		measureFields = append(measureFields, m.field)
	}
	dimFields := make([]string, 0, len(dims)+len(filters))
	for _, d := range dims {
		dimFields = append(dimFields, d.field)
	}
	for _, f := range filters {
		dimFields = append(dimFields, f.field)
	}

	target, ok := c.preaggs.Match(sctx.TenantID(), plan.anchor.Name, measureFields, dimFields, timeDim, granularity)
	if !ok {
		return nil, false, nil
	}

	c.logger.Debug("query rewritten to pre-aggregation",
		zap.String("cube", plan.anchor.Name),
		zap.String("summary_table", target.Table),
	)

	var columns []Column
	var selects []string
	var groupBy []string

	for _, d := range dims {
		col := target.DimensionColumns[d.field]
		alias := columnAlias(d.String())
		selects = append(selects, fmt.Sprintf("%s AS %s", col, alias))
		groupBy = append(groupBy, col)
		columns = append(columns, Column{Member: d.String(), Alias: alias})
	}

	for _, td := range tds {
		alias := columnAlias(td.String() + "." + td.granularity)
		selects = append(selects, fmt.Sprintf("%s AS %s", target.BucketColumn, alias))
		groupBy = append(groupBy, target.BucketColumn)
		columns = append(columns, Column{Member: td.String(), Alias: alias})
	}

	for _, m := range measures {
		col := target.MeasureColumns[m.field]
		agg, err := AggregateExpr(target.MeasureAggs[m.field], col)
		if err != nil {
			return nil, false, err
		}
		alias := columnAlias(m.String())
		selects = append(selects, fmt.Sprintf("%s AS %s", agg, alias))
		columns = append(columns, Column{Member: m.String(), Alias: alias})
	}

	builder := sq.StatementBuilder.
		PlaceholderFormat(dialect.PlaceholderFormat()).
		Select(selects...).
		From(target.Table).
		Where(sq.Expr(fmt.Sprintf("%s = ?", target.TenantColumn), sctx.TenantID()))

	for _, td := range tds {
		if len(td.dateRange) == 2 {
			// Both bounds are bucket-aligned, so the range covers whole
			// buckets; the upper bound names the first excluded bucket.
			builder = builder.Where(sq.Expr(fmt.Sprintf("%s >= ?", target.BucketColumn), td.dateRange[0]))
			builder = builder.Where(sq.Expr(fmt.Sprintf("%s < ?", target.BucketColumn), td.dateRange[1]))
		}
	}

	for _, f := range filters {
		pred, err := filterPredicate(target.DimensionColumns[f.field], f.op, f.values)
		if err != nil {
			return nil, false, err
		}
		builder = builder.Where(pred)
	}

	if len(measures) > 0 && len(groupBy) > 0 {
		builder = builder.GroupBy(groupBy...)
	}

	builder, err := applyOrder(builder, q.Order, columns)
	if err != nil {
		return nil, false, err
	}
	builder = builder.Limit(uint64(effectiveLimit(q.Limit, c.defaultLimit)))

	sqlText, args, err := builder.ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("render sql: %w", err)
	}

	return &CompiledStatement{
		Dialect:            dialect,
		SQL:                sqlText,
		Args:               args,
		Cube:               plan.anchor.Name,
		Columns:            columns,
		FromPreAggregation: true,
	}, true, nil
}
