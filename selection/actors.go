package selection

import (
	"log/slog"

	"github.com/martinemde/sqlcrew/actor"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

const (
	databasesPrompt = "Choose the databases. Follow the output format strictly."
	tablesPrompt    = "\nChoose the tables. Follow the output format strictly."
	columnsPrompt   = "\nChoose the columns. Follow the output format strictly."
)

const (
	databasesRole = "You are a data analysis expert. From the known databases, choose the one or more databases " +
		"that hold the information the user's question needs. Prefer the databases that lead to the answer most " +
		"directly. Explain your reasoning briefly and name the databases."
	databasesOutputFormat = "Analysis:\n(analyse the question)\n" +
		"Chosen databases:\n(only what is needed)\n- database_name: what it contributes\n" +
		"Database list:\n```json\n[\"database_name\", \"database_name\"]\n```"

	tablesRole = "You are a data analysis expert. From the known tables, choose the one or more tables that best " +
		"answer the question."
	tablesOutputFormat = "Analysis:\n(analyse the question)\n" +
		"Chosen tables:\n(only what is needed)\n- database_name.table_name: what it contributes\n" +
		"Table list:\n```json\n[\"database_name.table_name\", \"database_name.table_name\"]\n```\n" +
		"Every name is database_name.table_name."

	columnsRole = "You are a data analysis expert. From the known table columns, find every column related to the " +
		"user's question. Do not leave any out."
	columnsOutputFormat = "Analysis:\n(analyse the question)\n" +
		"Join columns:\n(the columns that relate the chosen tables)\n" +
		"Information columns:\n- database_name.table_name.column_name: what it holds\n" +
		"Filter columns:\n(include columns linked to them by foreign keys)\n" +
		"- database_name.table_name.column_name: what it holds\n" +
		"Column list, grouped by table:\n```json\n" +
		"{\"database_name.table_name\": [\"column_name\", \"column_name\"]}\n```"
)

// Actors are the stage selectors.
type Actors struct {
	Databases *actor.Actor
	Tables    *actor.Actor
	Columns   *actor.Actor
}

// ActorOptions configures NewActors.
type ActorOptions struct {
	RetryLimit int
	Generate   unifiedllm.GenerateOptions
	Logger     *slog.Logger
}

// NewActors builds the three selectors for a pipeline called name. The
// database selector carries the database overview as its knowledge.
func NewActors(backend unifiedllm.Backend, name, databaseInfo string, opts ActorOptions) Actors {
	var aopts []actor.Option
	if opts.Logger != nil {
		aopts = append(aopts, actor.WithLogger(opts.Logger))
	}
	mk := func(suffix, role, format, knowledge string) *actor.Actor {
		return actor.New(backend, actor.Config{
			Name:           name + suffix,
			Role:           role,
			OutputFormat:   format,
			Knowledge:      knowledge,
			RetryLimit:     opts.RetryLimit,
			DisableHistory: true,
			Options:        opts.Generate,
		}, aopts...)
	}
	return Actors{
		Databases: mk(".db_selector", databasesRole, databasesOutputFormat, databaseInfo),
		Tables:    mk(".table_selector", tablesRole, tablesOutputFormat, ""),
		Columns:   mk(".columns_selector", columnsRole, columnsOutputFormat, ""),
	}
}

func (a Actors) all() []*actor.Actor {
	var out []*actor.Actor
	for _, x := range []*actor.Actor{a.Databases, a.Tables, a.Columns} {
		if x != nil {
			out = append(out, x)
		}
	}
	return out
}
