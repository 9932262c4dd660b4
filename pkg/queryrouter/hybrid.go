package queryrouter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/archivecore/webarchive/pkg/queryclassifier"
)

// hybridStages is the two-stage execution form of a HYBRID plan: stage 1
// materializes correlation keys on OLTP, stage 2 is a parameterized IN-list
// against OLAP.
type hybridStages struct {
	stage1SQL  string
	stage2SQL  string // contains exactly one %s where the IN-list goes
	corrColumn string
}

var (
	reWhereClause = regexp.MustCompile(`\bwhere\b(.*?)(?:\bgroup\s+by\b|\border\s+by\b|\blimit\b|$)`)
	reAliasDef    = regexp.MustCompile(`\b(?:from|join)\s+([a-z_][a-z0-9_.]*)(?:\s+(?:as\s+)?([a-z_][a-z0-9_]*))?`)
)

// splitHybrid derives the two stages from the classified plan. The rewrite
// is deliberately conservative: stage 1 keeps only WHERE conjuncts that
// reference an OLTP-side table and no OLAP-side table, stage 2 keeps the
// rest, so anything the split cannot attribute stays on stage 2 where the
// joined result is narrowest.
func splitHybrid(plan *queryclassifier.Plan, pkColumns, corrColumns map[string]string) (hybridStages, error) {
	if len(plan.OLTPTables) == 0 || len(plan.OLAPTables) == 0 {
		return hybridStages{}, fmt.Errorf("hybrid plan missing a table partition")
	}
	oltpTable := plan.OLTPTables[0]
	olapTable := plan.OLAPTables[0]

	aliases := tableAliases(plan.Canonical)
	isOLAPRef := func(conjunct string) bool {
		for _, t := range plan.OLAPTables {
			if strings.Contains(conjunct, t+".") {
				return true
			}
			if a, ok := aliases[t]; ok && strings.Contains(conjunct, a+".") {
				return true
			}
		}
		return false
	}
	isOLTPRef := func(conjunct string) bool {
		for _, t := range plan.OLTPTables {
			if strings.Contains(conjunct, t+".") {
				return true
			}
			if a, ok := aliases[t]; ok && strings.Contains(conjunct, a+".") {
				return true
			}
		}
		return false
	}

	var stage1Conj, stage2Conj []string
	if m := reWhereClause.FindStringSubmatch(plan.Canonical); m != nil {
		for _, conj := range strings.Split(m[1], " and ") {
			conj = strings.TrimSpace(conj)
			if conj == "" {
				continue
			}
			if isOLAPRef(conj) || !isOLTPRef(conj) {
				stage2Conj = append(stage2Conj, stripAliasPrefix(conj, olapTable, aliases[olapTable]))
			} else {
				stage1Conj = append(stage1Conj, stripAliasPrefix(conj, oltpTable, aliases[oltpTable]))
			}
		}
	}

	pk := pkColumns[oltpTable]
	if pk == "" {
		pk = "id"
	}
	corr := corrColumns[olapTable]
	if corr == "" {
		corr = strings.TrimSuffix(oltpTable, "s") + "_id"
	}

	stage1 := "select " + pk + " from " + oltpTable
	if len(stage1Conj) > 0 {
		stage1 += " where " + strings.Join(stage1Conj, " and ")
	}

	stage2 := "select * from " + olapTable + " where " + corr + " in (%s)"
	if len(stage2Conj) > 0 {
		stage2 += " and " + strings.Join(stage2Conj, " and ")
	}

	return hybridStages{stage1SQL: stage1, stage2SQL: stage2, corrColumn: corr}, nil
}

// tableAliases maps table name -> alias for every FROM/JOIN reference that
// declared one.
func tableAliases(canonical string) map[string]string {
	aliases := make(map[string]string)
	for _, m := range reAliasDef.FindAllStringSubmatch(canonical, -1) {
		if len(m) > 2 && m[2] != "" && m[2] != "on" && m[2] != "where" && m[2] != "join" {
			aliases[m[1]] = m[2]
		}
	}
	return aliases
}

// stripAliasPrefix removes "table." / "alias." prefixes so a conjunct can
// run against the bare single-table stage query.
func stripAliasPrefix(conjunct, table, alias string) string {
	conjunct = strings.ReplaceAll(conjunct, table+".", "")
	if alias != "" {
		conjunct = strings.ReplaceAll(conjunct, alias+".", "")
	}
	return conjunct
}

// inListPlaceholders renders n comma-separated $k placeholders starting at
// $1, pgx/lib-pq positional style.
func inListPlaceholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}
