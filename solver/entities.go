package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/martinemde/sqlcrew/parse"
	"github.com/martinemde/sqlcrew/schema"
	"github.com/martinemde/sqlcrew/toolloop"
)

const noEntities = "No Entities"

const (
	extractName   = "extract_company"
	extractRole   = "You receive a passage from the user and extract the entities in it, such as company names, stock codes and pinyin abbreviations."
	extractFormat = "```json\n[\"entity_1\", \"entity_2\", ...]\n```\nThe result may be empty."
	extractPrompt = "Extract the entities (company names, stock codes, pinyin abbreviations and the like) " +
		"from the text below. If there are none, reply " + noEntities + ".\n\"%s\""

	entityExamplesSection = "ENTITY EXAMPLE"
	entityExamples        = "居然之家\nABCD"
)

// companyLookup matches a name against the A-share, Hong Kong and US
// security master tables. %[1]s is the escaped name.
const companyLookup = `SELECT 'constantdb.secumain' AS TableName, InnerCode, CompanyCode,
ChiName, EngName, SecuCode, ChiNameAbbr, EngNameAbbr, SecuAbbr, ChiSpelling
FROM constantdb.secumain
WHERE SecuCode = '%[1]s'
   OR ChiName LIKE '%%%[1]s%%'
   OR ChiNameAbbr LIKE '%%%[1]s%%'
   OR EngName LIKE '%%%[1]s%%'
   OR EngNameAbbr LIKE '%%%[1]s%%'
   OR SecuAbbr LIKE '%%%[1]s%%'
   OR ChiSpelling LIKE '%%%[1]s%%'
UNION ALL
SELECT 'constantdb.hk_secumain' AS TableName, InnerCode, CompanyCode,
ChiName, EngName, SecuCode, ChiNameAbbr, EngNameAbbr, SecuAbbr, ChiSpelling
FROM constantdb.hk_secumain
WHERE SecuCode = '%[1]s'
   OR ChiName LIKE '%%%[1]s%%'
   OR ChiNameAbbr LIKE '%%%[1]s%%'
   OR EngName LIKE '%%%[1]s%%'
   OR EngNameAbbr LIKE '%%%[1]s%%'
   OR SecuAbbr LIKE '%%%[1]s%%'
   OR FormerName LIKE '%%%[1]s%%'
   OR ChiSpelling LIKE '%%%[1]s%%'
UNION ALL
SELECT 'constantdb.us_secumain' AS TableName, InnerCode, CompanyCode,
ChiName, EngName, SecuCode, null AS ChiNameAbbr, null AS EngNameAbbr, SecuAbbr, ChiSpelling
FROM constantdb.us_secumain
WHERE SecuCode = '%[1]s'
   OR ChiName LIKE '%%%[1]s%%'
   OR EngName LIKE '%%%[1]s%%'
   OR SecuAbbr LIKE '%%%[1]s%%'
   OR ChiSpelling LIKE '%%%[1]s%%';`

// lookupSQL renders companyLookup for name. Quotes are doubled.
func lookupSQL(name string) string {
	return fmt.Sprintf(companyLookup, strings.ReplaceAll(name, "'", "''"))
}

// entityFacts resolves the entities named in an extraction reply to their
// security master rows and renders one fact line per matched entity. Lookup
// failures are logged and skipped.
func entityFacts(ctx context.Context, exec toolloop.Executor, catalog *schema.Catalog, reply string, logger *slog.Logger) string {
	payload, ok := parse.LastJSON(reply)
	if !ok {
		return ""
	}
	var names []string
	if err := parse.StringList.Decode(payload, &names); err != nil {
		logger.Debug("entity list rejected", "error", err)
		return ""
	}

	var lines []string
	for _, name := range names {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		data, err := exec.Execute(ctx, lookupSQL(name))
		if err != nil {
			logger.Debug("entity lookup failed", "entity", name, "error", err)
			continue
		}
		var rows []map[string]any
		if err := json.Unmarshal([]byte(data), &rows); err != nil {
			logger.Debug("entity lookup result unreadable", "entity", name, "error", err)
			continue
		}
		if len(rows) > 0 {
			lines = append(lines, describeEntity(catalog, name, rows))
		}
	}
	return strings.Join(lines, "\n")
}

// describeEntity renders rows as "name has related information:[...]",
// labelling each column with its description from the catalog.
func describeEntity(catalog *schema.Catalog, name string, rows []map[string]any) string {
	var sb strings.Builder
	sb.WriteString(name)
	if len(rows) == 1 {
		sb.WriteString(" has related information:[")
	} else {
		sb.WriteString(" has several groups of related information:[")
	}
	for i, row := range rows {
		table, _ := row["TableName"].(string)
		labels := catalog.ColumnMapping(table)
		if table != "" {
			fmt.Fprintf(&sb, "table is %s;", table)
		}
		for _, col := range rowColumns {
			v, ok := row[col]
			if !ok {
				continue
			}
			if label, ok := labels[col]; ok {
				fmt.Fprintf(&sb, "%s(%s) is %v;", col, label, display(v))
			} else {
				fmt.Fprintf(&sb, "%s is %v;", col, display(v))
			}
		}
		if i == len(rows)-1 {
			sb.WriteString("]")
		} else {
			sb.WriteString("],")
		}
	}
	return sb.String()
}

// rowColumns fixes the rendering order of lookup columns.
var rowColumns = []string{
	"InnerCode", "CompanyCode", "ChiName", "EngName", "SecuCode",
	"ChiNameAbbr", "EngNameAbbr", "SecuAbbr", "ChiSpelling",
}

func display(v any) any {
	switch x := v.(type) {
	case nil:
		return "None"
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
	}
	return v
}
