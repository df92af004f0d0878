// Package query implements the declarative read path. A filter document
// is translated into a single SQL statement; the translation keeps the
// structural SQL (identifiers, operators, bucket arithmetic) apart from
// user-supplied comparison values, which are always bound as parameters.
package query

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/edgewise/readingstore/internal/errors"
)

// Timestamp render formats used throughout the read path.
const (
	fmtSeconds = "%Y-%m-%d %H:%M:%S"
	fmtMillis  = "%Y-%m-%d %H:%M:%f"
)

const secondsPerDay = "86400.0"

// julianEpoch is the julian day of 1970-01-01 00:00 UTC; subtracting it
// converts julianday() output to fractional days since the unix epoch.
const julianEpoch = "2440587.5"

// allowedColumns are the identifiers a filter document may reference.
var allowedColumns = map[string]bool{
	"id":         true,
	"asset_code": true,
	"reading":    true,
	"user_ts":    true,
	"ts":         true,
}

// comparisons maps filter conditions onto SQL comparison operators.
var comparisons = map[string]string{
	"=":  "=",
	"!=": "!=",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
}

var aggregateOps = map[string]string{
	"min":   "MIN",
	"max":   "MAX",
	"avg":   "AVG",
	"sum":   "SUM",
	"count": "COUNT",
}

var allowedModifiers = map[string]string{
	"distinct": "DISTINCT",
	"all":      "ALL",
}

// Statement is a built SQL statement with its bound arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Builder translates filter documents for one shard table. The shard
// tables do not carry the asset code, so it is projected into results as
// a bound literal resolved from the catalogue.
type Builder struct {
	table string // alias-qualified
	bare  string // unqualified, for json_each references
	asset string
}

// NewBuilder creates a builder for one shard. table must be the
// alias-qualified name, bare the plain table name, asset the asset code
// bound to the shard (empty when none is allocated yet).
func NewBuilder(table, bare, asset string) *Builder {
	return &Builder{table: table, bare: bare, asset: asset}
}

type filterDoc struct {
	Where      *whereNode        `json:"where"`
	Aggregate  json.RawMessage   `json:"aggregate"`
	Timebucket *timebucketDoc    `json:"timebucket"`
	Return     []json.RawMessage `json:"return"`
	Modifier   string            `json:"modifier"`
	Group      string            `json:"group"`
	Sort       json.RawMessage   `json:"sort"`
	Limit      *int              `json:"limit"`
	Skip       *int              `json:"skip"`
}

type whereNode struct {
	Column    string          `json:"column"`
	Condition string          `json:"condition"`
	Value     json.RawMessage `json:"value"`
	And       *whereNode      `json:"and"`
	Or        *whereNode      `json:"or"`
}

type timebucketDoc struct {
	Timestamp string `json:"timestamp"`
	Size      string `json:"size"`
	Format    string `json:"format"`
	Alias     string `json:"alias"`
}

type aggregateDoc struct {
	Operation string `json:"operation"`
	Column    string `json:"column"`
	Alias     string `json:"alias"`
}

type sortDoc struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

type returnColumn struct {
	Column   string `json:"column"`
	Format   string `json:"format"`
	Timezone string `json:"timezone"`
	Alias    string `json:"alias"`
}

// Retrieve builds the statement for a filter document. An empty filter
// selects every row of the shard with timestamps rendered in local time.
func (b *Builder) Retrieve(filter []byte) (Statement, error) {
	if len(filter) == 0 {
		return Statement{
			SQL:  b.selectAll("localtime"),
			Args: []any{b.asset},
		}, nil
	}

	var doc filterDoc
	if err := json.Unmarshal(filter, &doc); err != nil {
		return Statement{}, fmt.Errorf("%w: %v", errors.ErrInvalidFilter, err)
	}

	if isAggregateAll(doc.Aggregate) {
		return b.bucketedAll(&doc)
	}

	var sql strings.Builder
	var args []any

	sql.WriteString("SELECT ")
	if doc.Modifier != "" {
		mod, ok := allowedModifiers[strings.ToLower(doc.Modifier)]
		if !ok {
			return Statement{}, fmt.Errorf("%w: modifier %q", errors.ErrInvalidFilter, doc.Modifier)
		}
		sql.WriteString(mod)
		sql.WriteByte(' ')
	}

	isAggregate := len(doc.Aggregate) > 0
	switch {
	case isAggregate:
		if err := b.writeAggregates(&sql, doc.Aggregate, doc.Timebucket); err != nil {
			return Statement{}, err
		}
	case len(doc.Return) > 0:
		if err := b.writeReturnColumns(&sql, &args, doc.Return); err != nil {
			return Statement{}, err
		}
	default:
		b.writeDefaultColumns(&sql, &args, "localtime")
	}

	sql.WriteString(" FROM ")
	sql.WriteString(b.table)

	switch {
	case doc.Where != nil:
		sql.WriteString(" WHERE ")
		if err := b.writeWhere(&sql, &args, doc.Where); err != nil {
			return Statement{}, err
		}
	case isAggregate:
		// Steer the planner onto the user_ts index when aggregating the
		// whole shard.
		sql.WriteString(" WHERE user_ts = user_ts")
	}

	if err := b.writeModifiers(&sql, &args, &doc, isAggregate); err != nil {
		return Statement{}, err
	}

	return Statement{SQL: sql.String(), Args: args}, nil
}

// Fetch builds the block-fetch statement used by the downstream sender:
// up to count rows starting at first, timestamps rendered in UTC.
func (b *Builder) Fetch(first int64, count int) Statement {
	return Statement{
		SQL:  b.selectAll("utc") + " WHERE id >= ? ORDER BY id ASC LIMIT ?",
		Args: []any{b.asset, first, count},
	}
}

func (b *Builder) selectAll(tz string) string {
	var sql strings.Builder
	sql.WriteString("SELECT ")
	var args []any
	b.writeDefaultColumns(&sql, &args, tz)
	sql.WriteString(" FROM ")
	sql.WriteString(b.table)
	return sql.String()
}

func (b *Builder) writeDefaultColumns(sql *strings.Builder, args *[]any, tz string) {
	fmt.Fprintf(sql,
		"id, ? AS asset_code, reading, "+
			"strftime('%s', user_ts, '%s') || substr(user_ts, instr(user_ts, '.'), 7) AS user_ts, "+
			"strftime('%s', ts, '%s') AS ts",
		fmtSeconds, tz, fmtMillis, tz)
	*args = append(*args, b.asset)
}

// writeReturnColumns renders an explicit return list. Plain strings take
// the default localtime rendering for the timestamp columns; objects may
// override timezone or apply a custom date format.
func (b *Builder) writeReturnColumns(sql *strings.Builder, args *[]any, cols []json.RawMessage) error {
	for i, raw := range cols {
		if i > 0 {
			sql.WriteString(", ")
		}

		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			if err := b.writeColumn(sql, args, returnColumn{Column: name}, false); err != nil {
				return err
			}
			continue
		}

		var col returnColumn
		if err := json.Unmarshal(raw, &col); err != nil {
			return fmt.Errorf("%w: return element: %v", errors.ErrInvalidFilter, err)
		}
		if col.Column == "" {
			return fmt.Errorf("%w: return object must name a column", errors.ErrInvalidFilter)
		}
		if err := b.writeColumn(sql, args, col, true); err != nil {
			return err
		}
		if col.Alias != "" {
			fmt.Fprintf(sql, " AS %q", col.Alias)
		}
	}
	return nil
}

func (b *Builder) writeColumn(sql *strings.Builder, args *[]any, col returnColumn, aliasable bool) error {
	if !allowedColumns[col.Column] {
		return fmt.Errorf("%w: unknown column %q", errors.ErrInvalidFilter, col.Column)
	}
	if col.Column == "asset_code" {
		sql.WriteString("? AS asset_code")
		*args = append(*args, b.asset)
		return nil
	}

	if col.Format != "" {
		expr, err := dateFormatExpr(col.Format, col.Column, "localtime")
		if err != nil {
			return err
		}
		sql.WriteString(expr)
		return nil
	}

	tz := "localtime"
	if col.Timezone != "" {
		switch strings.ToLower(col.Timezone) {
		case "utc":
			tz = "utc"
		case "localtime":
			tz = "localtime"
		default:
			return fmt.Errorf("%w: unsupported timezone %q", errors.ErrInvalidFilter, col.Timezone)
		}
	}

	withAlias := !aliasable // bare column names keep their own name
	switch col.Column {
	case "user_ts":
		fmt.Fprintf(sql, "strftime('%s', user_ts, '%s') || substr(user_ts, instr(user_ts, '.'), 7)", fmtSeconds, tz)
		withAlias = true
	case "ts":
		fmt.Fprintf(sql, "strftime('%s', ts, '%s')", fmtMillis, tz)
		withAlias = true
	default:
		sql.WriteString(col.Column)
		withAlias = false
	}
	if withAlias && col.Alias == "" {
		sql.WriteString(" AS ")
		sql.WriteString(col.Column)
	}
	return nil
}

// writeAggregates renders a single aggregate or a list of them, plus the
// bucket timestamp column when a timebucket accompanies the aggregates.
func (b *Builder) writeAggregates(sql *strings.Builder, raw json.RawMessage, bucket *timebucketDoc) error {
	var aggs []aggregateDoc
	var single aggregateDoc
	if err := json.Unmarshal(raw, &single); err == nil {
		aggs = []aggregateDoc{single}
	} else if err := json.Unmarshal(raw, &aggs); err != nil {
		return fmt.Errorf("%w: aggregate: %v", errors.ErrInvalidFilter, err)
	}

	if bucket != nil {
		expr, _, err := bucketExpr(bucket)
		if err != nil {
			return err
		}
		alias := bucket.Alias
		if alias == "" {
			alias = "timestamp"
		}
		fmt.Fprintf(sql, "%s AS %q, ", expr, alias)
	}

	for i, agg := range aggs {
		if i > 0 {
			sql.WriteString(", ")
		}
		op, ok := aggregateOps[strings.ToLower(agg.Operation)]
		if !ok {
			return fmt.Errorf("%w: aggregate operation %q", errors.ErrInvalidFilter, agg.Operation)
		}
		if !allowedColumns[agg.Column] {
			return fmt.Errorf("%w: aggregate column %q", errors.ErrInvalidFilter, agg.Column)
		}
		alias := agg.Alias
		if alias == "" {
			alias = strings.ToLower(agg.Operation) + "_" + agg.Column
		}
		fmt.Fprintf(sql, "%s(%s) AS %q", op, agg.Column, alias)
	}
	return nil
}

// writeWhere renders the predicate tree. Comparison values always bind
// as parameters; a reference to asset_code compares against the shard's
// bound asset literal since the column does not exist in shard tables.
func (b *Builder) writeWhere(sql *strings.Builder, args *[]any, node *whereNode) error {
	column := node.Column
	if !allowedColumns[column] {
		return fmt.Errorf("%w: where column %q", errors.ErrInvalidFilter, column)
	}
	if column == "asset_code" {
		column = "?"
		*args = append(*args, b.asset)
	}

	cond := strings.ToLower(node.Condition)
	switch {
	case comparisons[cond] != "":
		v, err := scalarValue(node.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(sql, "%s %s ?", column, comparisons[cond])
		*args = append(*args, v)

	case cond == "like":
		v, err := scalarValue(node.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(sql, "%s LIKE ?", column)
		*args = append(*args, v)

	case cond == "in":
		var vals []any
		if err := json.Unmarshal(node.Value, &vals); err != nil || len(vals) == 0 {
			return fmt.Errorf("%w: 'in' requires a non-empty array value", errors.ErrInvalidFilter)
		}
		fmt.Fprintf(sql, "%s IN (%s)", column, placeholders(len(vals)))
		*args = append(*args, vals...)

	case cond == "newer" || cond == "older":
		secs, err := numericValue(node.Value)
		if err != nil {
			return fmt.Errorf("%w: %q requires a numeric value", errors.ErrInvalidFilter, cond)
		}
		op := "<"
		if cond == "newer" {
			op = ">"
		}
		fmt.Fprintf(sql, "%s %s datetime('now', '-%d seconds')", column, op, int64(secs))

	case cond == "isnull":
		fmt.Fprintf(sql, "%s IS NULL", column)

	case cond == "notnull":
		fmt.Fprintf(sql, "%s IS NOT NULL", column)

	default:
		return fmt.Errorf("%w: condition %q", errors.ErrInvalidFilter, node.Condition)
	}

	if node.And != nil {
		sql.WriteString(" AND (")
		if err := b.writeWhere(sql, args, node.And); err != nil {
			return err
		}
		sql.WriteString(")")
	}
	if node.Or != nil {
		sql.WriteString(" OR (")
		if err := b.writeWhere(sql, args, node.Or); err != nil {
			return err
		}
		sql.WriteString(")")
	}
	return nil
}

// writeModifiers renders group, sort, skip and limit.
func (b *Builder) writeModifiers(sql *strings.Builder, args *[]any, doc *filterDoc, isAggregate bool) error {
	if doc.Group != "" {
		if !allowedColumns[doc.Group] {
			return fmt.Errorf("%w: group column %q", errors.ErrInvalidFilter, doc.Group)
		}
		sql.WriteString(" GROUP BY ")
		sql.WriteString(doc.Group)
	} else if doc.Timebucket != nil && isAggregate {
		_, groupBy, err := bucketExpr(doc.Timebucket)
		if err != nil {
			return err
		}
		sql.WriteString(" GROUP BY ")
		sql.WriteString(groupBy)
		sql.WriteString(" ORDER BY ")
		sql.WriteString(groupBy)
		sql.WriteString(" DESC")
	}

	if len(doc.Sort) > 0 && (doc.Timebucket == nil || !isAggregate) {
		var sorts []sortDoc
		var one sortDoc
		if err := json.Unmarshal(doc.Sort, &one); err == nil {
			sorts = []sortDoc{one}
		} else if err := json.Unmarshal(doc.Sort, &sorts); err != nil {
			return fmt.Errorf("%w: sort: %v", errors.ErrInvalidFilter, err)
		}
		sql.WriteString(" ORDER BY ")
		for i, s := range sorts {
			if i > 0 {
				sql.WriteString(", ")
			}
			if !allowedColumns[s.Column] {
				return fmt.Errorf("%w: sort column %q", errors.ErrInvalidFilter, s.Column)
			}
			dir := "ASC"
			if strings.EqualFold(s.Direction, "desc") {
				dir = "DESC"
			}
			sql.WriteString(s.Column)
			sql.WriteByte(' ')
			sql.WriteString(dir)
		}
	}

	if doc.Limit != nil {
		if *doc.Limit < 0 {
			return fmt.Errorf("%w: negative limit", errors.ErrInvalidFilter)
		}
		sql.WriteString(" LIMIT ?")
		*args = append(*args, *doc.Limit)
		if doc.Skip != nil {
			sql.WriteString(" OFFSET ?")
			*args = append(*args, *doc.Skip)
		}
	}
	return nil
}

// bucketedAll builds the time-bucketed aggregate over every payload
// datapoint: json_each explodes the payload, the inner query labels each
// row with its bucket, the middle query aggregates per datapoint per
// bucket into a JSON fragment and the outer query folds the fragments of
// one bucket into a single nested object via group_concat.
func (b *Builder) bucketedAll(doc *filterDoc) (Statement, error) {
	if doc.Where == nil || doc.Timebucket == nil {
		return Statement{}, fmt.Errorf(
			"%w: bucketed aggregate needs 'where' and 'timebucket'", errors.ErrInvalidFilter)
	}
	bucket := doc.Timebucket
	if bucket.Timestamp == "" {
		return Statement{}, fmt.Errorf("%w: timebucket needs 'timestamp'", errors.ErrInvalidFilter)
	}
	timeCol := bucket.Timestamp
	if !allowedColumns[timeCol] {
		return Statement{}, fmt.Errorf("%w: timebucket column %q", errors.ErrInvalidFilter, timeCol)
	}

	size := 1.0
	if bucket.Size != "" {
		size, _ = strconv.ParseFloat(bucket.Size, 64)
		if size == 0 {
			size = 1
		}
	}
	sizeFmt := formatBucketSize(size)

	var sql strings.Builder
	var args []any

	sql.WriteString("SELECT asset_code, ")
	switch {
	case bucket.Format != "" && size >= 1:
		expr, err := dateFormatExpr(bucket.Format, "timestamp", "localtime")
		if err != nil {
			return Statement{}, err
		}
		sql.WriteString(expr)
	case size < 1:
		// Sub-second buckets force microsecond output.
		fmt.Fprintf(&sql,
			"strftime('%s', %s, 'localtime') || substr(%s, instr(%s, '.'), 7)",
			fmtSeconds, timeCol, timeCol, timeCol)
	default:
		sql.WriteString("timestamp")
	}
	if bucket.Alias != "" {
		fmt.Fprintf(&sql, " AS %q", bucket.Alias)
	}

	sql.WriteString(`, '{' || group_concat('"' || x || '" : ' || resd, ', ') || '}' AS reading `)

	// Middle query: one JSON fragment per datapoint per bucket.
	sql.WriteString("FROM ( SELECT x, asset_code, max(timestamp) AS timestamp, ")
	sql.WriteString(`'{"min" : ' || min(theval) || ', `)
	sql.WriteString(`"max" : ' || max(theval) || ', `)
	sql.WriteString(`"average" : ' || avg(theval) || ', `)
	sql.WriteString(`"count" : ' || count(theval) || ', `)
	sql.WriteString(`"sum" : ' || sum(theval) || '}' AS resd `)
	if size < 1 {
		fmt.Fprintf(&sql, ", max(%s) AS %s ", timeCol, timeCol)
	}

	// Inner query: explode the payload and label each row with its
	// bucket anchor.
	fmt.Fprintf(&sql, "FROM ( SELECT ? AS asset_code, %s, ", timeCol)
	args = append(args, b.asset)
	bucketArith := fmt.Sprintf("round((julianday(%s) - %s) * %s / %s)",
		timeCol, julianEpoch, secondsPerDay, sizeFmt)
	if size >= 1 {
		if size != 1 {
			fmt.Fprintf(&sql, "datetime(%s * %s, 'unixepoch') AS \"timestamp\", ", sizeFmt, bucketArith)
		} else {
			fmt.Fprintf(&sql, "datetime(%s, 'unixepoch') AS \"timestamp\", ", bucketArith)
		}
	} else {
		fmt.Fprintf(&sql, "(%s) AS \"timestamp\", ", bucketArith)
	}
	fmt.Fprintf(&sql, "reading, json_each.key AS x, json_each.value AS theval FROM %s, json_each(%s.reading) ",
		b.table, b.bare)

	sql.WriteString("WHERE ")
	if err := b.writeWhere(&sql, &args, doc.Where); err != nil {
		return Statement{}, err
	}
	sql.WriteString(") tmp ")

	fmt.Fprintf(&sql, " GROUP BY x, asset_code, %s ", bucketArith)
	sql.WriteString(") tbl ")
	sql.WriteString("GROUP BY timestamp, asset_code ORDER BY timestamp DESC")

	if doc.Limit != nil {
		if *doc.Limit < 0 {
			return Statement{}, fmt.Errorf("%w: negative limit", errors.ErrInvalidFilter)
		}
		sql.WriteString(" LIMIT ?")
		args = append(args, *doc.Limit)
	}

	return Statement{SQL: sql.String(), Args: args}, nil
}

func isAggregateAll(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var agg aggregateDoc
	if err := json.Unmarshal(raw, &agg); err != nil {
		return false
	}
	return agg.Operation == "all"
}

// bucketExpr returns the select expression and the group-by arithmetic
// for a timebucket attached to plain aggregates.
func bucketExpr(bucket *timebucketDoc) (sel, groupBy string, err error) {
	timeCol := bucket.Timestamp
	if timeCol == "" || !allowedColumns[timeCol] {
		return "", "", fmt.Errorf("%w: timebucket column %q", errors.ErrInvalidFilter, timeCol)
	}
	size := 1.0
	if bucket.Size != "" {
		size, _ = strconv.ParseFloat(bucket.Size, 64)
		if size == 0 {
			size = 1
		}
	}
	sizeFmt := formatBucketSize(size)
	arith := fmt.Sprintf("round((julianday(%s) - %s) * %s / %s)",
		timeCol, julianEpoch, secondsPerDay, sizeFmt)
	if size != 1 {
		sel = fmt.Sprintf("datetime(%s * %s, 'unixepoch')", sizeFmt, arith)
	} else {
		sel = fmt.Sprintf("datetime(%s, 'unixepoch')", arith)
	}
	return sel, arith, nil
}

// formatBucketSize renders a bucket width without a trailing fraction
// when it is whole.
func formatBucketSize(size float64) string {
	if math.Mod(size, 1.0) == 0 {
		return strconv.Itoa(int(size))
	}
	return strconv.FormatFloat(size, 'f', -1, 64)
}

// dateFormatExpr translates a date format template (YYYY, MM, DD, HH24,
// MI, SS, MS tokens) into a strftime expression over the column.
func dateFormatExpr(format, column, tz string) (string, error) {
	if !allowedColumns[column] && column != "timestamp" {
		return "", fmt.Errorf("%w: format column %q", errors.ErrInvalidFilter, column)
	}
	r := strings.NewReplacer(
		"YYYY", "%Y",
		"HH24", "%H",
		"MI", "%M",
		"MM", "%m",
		"DD", "%d",
		"SS", "%S",
		"MS", "%f",
	)
	out := r.Replace(format)
	for _, c := range out {
		if !strings.ContainsRune("%YmdHMSf -:./", c) {
			return "", fmt.Errorf("%w: unsupported date format %q", errors.ErrInvalidFilter, format)
		}
	}
	return fmt.Sprintf("strftime('%s', %s, '%s')", out, column, tz), nil
}

func scalarValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: comparison needs a value", errors.ErrInvalidFilter)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: comparison value: %v", errors.ErrInvalidFilter, err)
	}
	switch v.(type) {
	case string, float64, bool, nil:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: comparison value must be scalar", errors.ErrInvalidFilter)
	}
}

func numericValue(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	return 0, fmt.Errorf("%w: numeric value expected", errors.ErrInvalidFilter)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
