package toolloop

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/martinemde/sqlcrew/actor"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

// StructureSection is the system prompt section holding the schema the
// driver may use.
const StructureSection = "KNOWN DATABASE STRUCTURE"

const (
	singleActionInstruction = "Give exactly one SQL statement per reply, inside a single ```exec_sql ``` block."
	useBlockInstruction     = "The SQL to execute must be written inside a ```exec_sql ``` block."

	duplicateTemplate = "This SQL was already executed:\n%s\nThe result was:\n%s\n" +
		"Do not run it again. Consider another approach:\n" +
		"if a column does not exist, look at the table with `SELECT * FROM database_name.table_name LIMIT 1;`;\n" +
		"if the SQL is too complex, run simpler queries first and build up step by step.\n"

	observationTemplate = "Query SQL:\n%s\nQuery result:\n%s\n"
	failureTemplate     = "Query SQL:\n%s\nQuery failed: %s\n"
	failurePrefix       = "Query failed: "

	checkFilters = "\nCheck the filter conditions, for example whether date columns are formatted with DATE() or YEAR(). " +
		"If they are right, decide the next step from the result"

	truncatedTemplate = "\nThis may not be the complete result: at most %d rows are returned. " +
		"Use what you see here to continue with a subquery."

	enoughTemplate   = "; is the information gathered so far enough to answer \"%s\", or is another query needed?"
	interpretRequest = "\nExplain the query result."
	fixRequest       = "\nPlease fix it."
	previouslyFound  = "Previously found:\n%s\n\nQuestion: %s"
	finishTemplate   = "Fully respect the conclusions above and answer: \"%s\""
	notesHeading     = "\nSupplementary column notes:\n"
)

const structureSeparator = "\n\n---\n\n"

func notesBlock(notes string) string {
	if notes == "" {
		return ""
	}
	return notesHeading + notes
}

func withFacts(facts []string, question string) string {
	return fmt.Sprintf(previouslyFound, strings.Join(facts, "\n---\n"), question)
}

const (
	driverRole = "You are a careful database expert who gathers data step by step: run a basic query, " +
		"analyse the result, then run the next query.\n" +
		"Every reply contains exactly one ```exec_sql block with one statement. " +
		"Never repeat an approach that already failed; if nothing is left to try, explain and stop. " +
		"Never use unknown tables or columns. When fetching an entity that has a unique code in the same table, fetch the code too."

	driverConstraint = "- Filter dates through DATE(column) or YEAR(column).\n" +
		"- Always write table names as database_name.table_name.\n" +
		"- Search strings with LIKE and prefer shorter keywords.\n" +
		"- On an empty result check date formatting, mismatched codes, language of the column, " +
		"and try `SELECT * FROM database_name.table_name LIMIT 1;` to see the value format.\n" +
		"- Use DISTINCT when duplicates hide the expected number of rows.\n" +
		"- Use ORDER BY FIELD(column, v1, v2, ...) to keep the order of an IN list."

	driverOutputFormat = "Known facts:\n(every fact known so far)\n" +
		"Information needed next:\n(\"none\" if no more SQL is needed)\n" +
		"SQL plan:\n(\"none\" if no more SQL is needed)\n" +
		"SQL to execute:\n```exec_sql\nSELECT [columns]\nFROM [database.table]\nWHERE [conditions]\nLIMIT [rows]\n```\n" +
		"(write \"none\" instead of the block when no more SQL is needed)"

	interpreterRole = "You are a database expert and data analyst. Using the known database structure and the SQL " +
		"the user ran, explain what the query result says."

	interpreterOutputFormat = "The query result shows:\n(one paragraph, no markdown, nothing omitted or invented, " +
		"always cite the English column names)"

	finisherRole         = "You answer the user's question from the facts established so far."
	finisherConstraint   = "- Answer only from known facts; never invent any."
	finisherOutputFormat = "- One paragraph, no markdown, no line breaks."
)

// Actors are the three conversational roles of a loop.
type Actors struct {
	// Driver writes the SQL and decides when to stop.
	Driver *actor.Actor
	// Interpreter summarises non-empty results. Optional.
	Interpreter *actor.Actor
	// Finisher phrases the final answer. When nil the driver's last reply is
	// the answer.
	Finisher *actor.Actor
}

// ActorOptions configures NewActors.
type ActorOptions struct {
	RetryLimit int
	MaxHistory int
	Generate   unifiedllm.GenerateOptions
	// Interpret creates the interpreter.
	Interpret bool
	Logger    *slog.Logger
}

// NewActors builds the standard driver, interpreter and finisher for a loop
// called name.
func NewActors(backend unifiedllm.Backend, name string, opts ActorOptions) Actors {
	var aopts []actor.Option
	if opts.Logger != nil {
		aopts = append(aopts, actor.WithLogger(opts.Logger))
	}
	base := actor.Config{
		RetryLimit: opts.RetryLimit,
		MaxHistory: opts.MaxHistory,
		Options:    opts.Generate,
	}

	driver := base
	driver.Name = name + ".master"
	driver.Role = driverRole
	driver.Constraint = driverConstraint
	driver.OutputFormat = driverOutputFormat

	finisher := base
	finisher.Name = name + ".summary"
	finisher.Role = finisherRole
	finisher.Constraint = finisherConstraint
	finisher.OutputFormat = finisherOutputFormat
	finisher.DisableHistory = true

	actors := Actors{
		Driver:   actor.New(backend, driver, aopts...),
		Finisher: actor.New(backend, finisher, aopts...),
	}
	if opts.Interpret {
		interpreter := base
		interpreter.Name = name + ".understand_query_result"
		interpreter.Role = interpreterRole
		interpreter.OutputFormat = interpreterOutputFormat
		interpreter.DisableHistory = true
		actors.Interpreter = actor.New(backend, interpreter, aopts...)
	}
	return actors
}

func (a Actors) all() []*actor.Actor {
	var out []*actor.Actor
	for _, x := range []*actor.Actor{a.Driver, a.Interpreter, a.Finisher} {
		if x != nil {
			out = append(out, x)
		}
	}
	return out
}
