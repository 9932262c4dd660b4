// Package queryclassifier implements the SQL query classifier:
// it parses SQL-like analytical requests far enough to decide OLTP vs OLAP
// routing, scores complexity, estimates cost from a rolling per-table
// statistics cache, and emits advisory optimization hints. The result is
// one flat Plan record plus enums, not a plan class hierarchy.
package queryclassifier

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// QueryType is the closed set of workload classes a query can be tagged
// with.
type QueryType string

const (
	TypeUserAuth       QueryType = "USER_AUTH"
	TypeProjectCRUD    QueryType = "PROJECT_CRUD"
	TypePageManagement QueryType = "PAGE_MANAGEMENT"
	TypeRealTime       QueryType = "REAL_TIME"
	TypeAnalytics      QueryType = "ANALYTICS"
	TypeTimeSeries     QueryType = "TIME_SERIES"
	TypeAggregation    QueryType = "AGGREGATION"
	TypeReporting      QueryType = "REPORTING"
	TypeBulkRead       QueryType = "BULK_READ"
	TypeHybrid         QueryType = "HYBRID"
)

// Complexity scores a query by join count + subquery count + aggregate
// count. Every "(select" opening counts once, so sibling subqueries add up
// and the score does not measure subquery nesting depth.
type Complexity string

const (
	ComplexitySimple      Complexity = "SIMPLE"
	ComplexityModerate    Complexity = "MODERATE"
	ComplexityComplex     Complexity = "COMPLEX"
	ComplexityVeryComplex Complexity = "VERY_COMPLEX"
)

// Target selects the engine a query should execute on.
type Target string

const (
	TargetOLTP   Target = "OLTP"
	TargetOLAP   Target = "OLAP"
	TargetHybrid Target = "HYBRID"
)

// Hint is an advisory optimization hint; the classifier never rewrites the
// query itself.
type Hint string

const (
	HintAddLimit          Hint = "ADD_LIMIT"
	HintPushdownPredicate Hint = "PUSHDOWN_PREDICATE"
	HintSubqueryToJoin    Hint = "SUBQUERY_TO_JOIN"
)

// Plan is the single flat query-plan record.
type Plan struct {
	ID            uuid.UUID
	Canonical     string
	QueryType     QueryType
	Complexity    Complexity
	EstRows       int64
	EstMemoryMB   int64
	EstDurationMs int64
	Target        Target
	Hints         []Hint

	// Tables is the compiled dependency set used by the hybrid router's
	// cache invalidation.
	Tables []string

	// Mutating marks INSERT/UPDATE/DELETE. Mutating plans and USER_AUTH
	// plans must never be served from cache.
	Mutating     bool
	CacheAllowed bool

	// Hybrid stage split, populated only when Target == TargetHybrid: the
	// classifier records the table partition; executing the two stages is
	// the router's job.
	OLTPTables []string
	OLAPTables []string
}

// Context carries per-call classification context.
type Context struct {
	// Key distinguishes result-cache entries for the same SQL issued under
	// different tenants/sessions.
	Key string
}

// Config bounds the classifier's routing decisions.
type Config struct {
	// OLAPRowThreshold routes any scan estimated at or above this many rows
	// to OLAP.
	OLAPRowThreshold int64
	// OLAPTables names tables served only by the analytical engine; any
	// table ending in _v2 is OLAP-only regardless of this set.
	OLAPTables []string
	// OLTPTables names tables served only by the transactional engine.
	// Tables in neither set may execute on either engine.
	OLTPTables []string
	// StatsCacheSize bounds the rolling per-table statistics cache.
	StatsCacheSize int
}

// Classifier analyzes SQL into Plans. Safe for concurrent use; the only
// mutable state is the internal statistics cache.
type Classifier struct {
	cfg        Config
	olapTables map[string]bool
	oltpTables map[string]bool
	stats      *StatsCache
}

// New builds a Classifier.
func New(cfg Config) (*Classifier, error) {
	if cfg.OLAPRowThreshold == 0 {
		cfg.OLAPRowThreshold = 100_000
	}
	if cfg.StatsCacheSize == 0 {
		cfg.StatsCacheSize = 1024
	}
	stats, err := NewStatsCache(cfg.StatsCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		cfg:        cfg,
		olapTables: make(map[string]bool, len(cfg.OLAPTables)),
		oltpTables: make(map[string]bool, len(cfg.OLTPTables)),
		stats:      stats,
	}
	for _, t := range cfg.OLAPTables {
		c.olapTables[t] = true
	}
	for _, t := range cfg.OLTPTables {
		c.oltpTables[t] = true
	}
	return c, nil
}

// Stats exposes the rolling statistics cache so the router can feed back
// successful execution measurements.
func (c *Classifier) Stats() *StatsCache { return c.stats }

var (
	reMutation     = regexp.MustCompile(`^\s*(insert|update|delete)\b`)
	reAuthTable    = regexp.MustCompile(`\b(?:from|update|into)\s+(?:users|sessions)\b`)
	reAuthPred     = regexp.MustCompile(`\bwhere\b[^;]*\b(?:id|email|session_id|token)\s*=`)
	reAggregate    = regexp.MustCompile(`\b(?:count|sum|avg|min|max)\s*\(`)
	reWindow       = regexp.MustCompile(`\bover\s*\(`)
	reGroupBy      = regexp.MustCompile(`\bgroup\s+by\b`)
	reTimeBucket   = regexp.MustCompile(`\b(?:date_trunc|time_bucket)\s*\(`)
	reV2View       = regexp.MustCompile(`\b[a-z_][a-z0-9_]*_v2\b`)
	reJoin         = regexp.MustCompile(`\bjoin\b`)
	reSubselect    = regexp.MustCompile(`\(\s*select\b`)
	reInSubquery   = regexp.MustCompile(`\bin\s*\(\s*select\b`)
	reLimit        = regexp.MustCompile(`\blimit\s+\d+`)
	reTableRef     = regexp.MustCompile(`\b(?:from|join|into|update)\s+([a-z_][a-z0-9_.]*)`)
	reWhitespace   = regexp.MustCompile(`\s+`)
)

// Canonicalize normalizes a SQL string for use as a cache key: lowercased,
// whitespace-collapsed, trailing semicolon stripped. Canonicalizing twice
// equals canonicalizing once.
func Canonicalize(sql string) string {
	s := strings.ToLower(strings.TrimSpace(sql))
	s = reWhitespace.ReplaceAllString(s, " ")
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

// Analyze classifies sql into a Plan. Classification rules are applied
// first-match-wins, most specific first.
func (c *Classifier) Analyze(sql string, qctx Context) *Plan {
	canonical := Canonicalize(sql)
	tables := extractTables(canonical)

	plan := &Plan{
		ID:        uuid.New(),
		Canonical: canonical,
		Tables:    tables,
	}

	aggregates := len(reAggregate.FindAllString(canonical, -1))
	joins := len(reJoin.FindAllString(canonical, -1))
	subqueries := len(reSubselect.FindAllString(canonical, -1))
	plan.Complexity = scoreComplexity(joins + subqueries + aggregates)
	plan.EstRows, plan.EstDurationMs = c.stats.Estimate(tables)
	plan.EstMemoryMB = estimateMemoryMB(plan.EstRows, aggregates, joins)

	oltpOnly, olapOnly := c.partitionTables(tables)

	switch {
	case reAuthTable.MatchString(canonical) && reAuthPred.MatchString(canonical):
		plan.QueryType = TypeUserAuth
		plan.Target = TargetOLTP

	case reMutation.MatchString(canonical):
		plan.Mutating = true
		plan.Target = TargetOLTP
		plan.QueryType = mutationType(tables)

	case (reGroupBy.MatchString(canonical) && aggregates > 1) ||
		reWindow.MatchString(canonical) ||
		reV2View.MatchString(canonical) ||
		plan.EstRows >= c.cfg.OLAPRowThreshold:
		plan.Target = TargetOLAP
		if reGroupBy.MatchString(canonical) {
			plan.QueryType = TypeAggregation
		} else {
			plan.QueryType = TypeAnalytics
		}

	case reGroupBy.MatchString(canonical) && reTimeBucket.MatchString(canonical):
		plan.QueryType = TypeTimeSeries
		plan.Target = TargetOLAP

	case len(oltpOnly) > 0 && len(olapOnly) > 0:
		plan.QueryType = TypeHybrid
		plan.Target = TargetHybrid
		plan.OLTPTables = oltpOnly
		plan.OLAPTables = olapOnly

	case referencesReporting(tables):
		plan.QueryType = TypeReporting
		plan.Target = TargetOLAP

	case !strings.Contains(canonical, "where") && plan.EstRows >= c.cfg.OLAPRowThreshold/10:
		plan.QueryType = TypeBulkRead
		plan.Target = TargetOLAP

	default:
		plan.QueryType = TypeRealTime
		plan.Complexity = ComplexityModerate
		plan.Target = TargetOLTP
	}

	// USER_AUTH and mutating queries are never cache-eligible regardless of
	// what the caller asks for.
	plan.CacheAllowed = !plan.Mutating && plan.QueryType != TypeUserAuth

	plan.Hints = c.hints(canonical, plan)
	return plan
}

// partitionTables splits the referenced tables into those only the OLTP
// engine serves and those only the OLAP engine serves. A _v2 suffix marks a
// table OLAP-only by convention.
func (c *Classifier) partitionTables(tables []string) (oltpOnly, olapOnly []string) {
	for _, t := range tables {
		switch {
		case c.olapTables[t] || strings.HasSuffix(t, "_v2"):
			olapOnly = append(olapOnly, t)
		case c.oltpTables[t]:
			oltpOnly = append(oltpOnly, t)
		}
	}
	return oltpOnly, olapOnly
}

// referencesReporting detects the reporting-view convention: a reports
// table or any *_report(s) view marks the query REPORTING, which is the one
// analytical class allowed to degrade to OLTP when OLAP is down.
func referencesReporting(tables []string) bool {
	for _, t := range tables {
		if t == "reports" || strings.HasSuffix(t, "_report") || strings.HasSuffix(t, "_reports") {
			return true
		}
	}
	return false
}

func mutationType(tables []string) QueryType {
	for _, t := range tables {
		switch t {
		case "pages", "captures", "page_contents":
			return TypePageManagement
		}
	}
	return TypeProjectCRUD
}

func scoreComplexity(score int) Complexity {
	switch {
	case score == 0:
		return ComplexitySimple
	case score <= 2:
		return ComplexityModerate
	case score <= 5:
		return ComplexityComplex
	default:
		return ComplexityVeryComplex
	}
}

// estimateMemoryMB is a coarse working-set estimate: row width assumed 1KB,
// aggregates and joins each add a hash-table share.
func estimateMemoryMB(rows int64, aggregates, joins int) int64 {
	base := rows / 1024
	overhead := int64(aggregates+joins) * 16
	if base+overhead < 1 {
		return 1
	}
	return base + overhead
}

func (c *Classifier) hints(canonical string, plan *Plan) []Hint {
	var hints []Hint
	if !plan.Mutating && !reLimit.MatchString(canonical) && plan.EstRows > c.cfg.OLAPRowThreshold/10 {
		hints = append(hints, HintAddLimit)
	}
	if reJoin.MatchString(canonical) && strings.Contains(canonical, "where") {
		hints = append(hints, HintPushdownPredicate)
	}
	if reInSubquery.MatchString(canonical) {
		hints = append(hints, HintSubqueryToJoin)
	}
	return hints
}

// extractTables pulls table names from FROM/JOIN/INTO/UPDATE clauses,
// deduplicated in first-seen order. Subquery aliases beginning with "(" are
// already excluded by the pattern.
func extractTables(canonical string) []string {
	matches := reTableRef.FindAllStringSubmatch(canonical, -1)
	seen := make(map[string]bool, len(matches))
	var tables []string
	for _, m := range matches {
		name := m[1]
		if name == "select" || seen[name] {
			continue
		}
		seen[name] = true
		tables = append(tables, name)
	}
	return tables
}
