package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/martinemde/sqlcrew/config"
	"github.com/martinemde/sqlcrew/logging"
	"github.com/martinemde/sqlcrew/schema"
	"github.com/martinemde/sqlcrew/solver"
	"github.com/martinemde/sqlcrew/sqlexec"
	"github.com/martinemde/sqlcrew/store"
	"github.com/martinemde/sqlcrew/tracing"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "run":
		err = runBatch(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "teamwork":
		err = runTeamwork(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'sqlcrew --help' for usage information.\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`sqlcrew - answers financial questions by writing and running SQL

USAGE:
    sqlcrew COMMAND [FLAGS]

COMMANDS:
    run         Answer a question file team by team
    ask         Answer one question
    teamwork    Answer one question through the coordinator

FLAGS:
    --config PATH      Config file (default: ./sqlcrew.yaml)

CONFIGURATION:
    Environment: SQLCREW_* variables override the config file

EXAMPLES:
    sqlcrew run --input questions.json --output answers.json --workers 4
    sqlcrew run --start-team 3 --start-question 2
    sqlcrew ask "浦发银行的证券代码是多少？"
    sqlcrew ask --team t1 --id t1-3 "它的注册地址在哪里？"
    sqlcrew teamwork "浦发银行的证券代码是多少？"`)
}

// app holds what every command needs.
type app struct {
	solver *solver.Solver
	close  func()
}

func setup(ctx context.Context, cfg *config.Config, withStore bool) (*app, error) {
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	var closers []func()
	closers = append(closers, func() { _ = closeLog() })
	a := &app{}
	a.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	shutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("tracing: %w", err)
	}
	closers = append(closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Error("tracing shutdown", "error", err)
		}
	})

	catalog, err := schema.Load(cfg.Schema)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("schema: %w", err)
	}

	backend, closeBackend, err := solver.NewBackend(cfg.LLM, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	closers = append(closers, func() { _ = closeBackend() })

	opts := []solver.Option{solver.WithLogger(logger)}
	if withStore && cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("store: %w", err)
		}
		closers = append(closers, func() { _ = st.Close() })
		opts = append(opts, solver.WithStore(st))
	}

	exec := sqlexec.New(cfg.Executor, sqlexec.WithLogger(logger))
	a.solver = solver.New(backend, exec, catalog, solver.NewConfig(cfg), opts...)
	return a, nil
}

func loadConfig(fs *flag.FlagSet, args []string, path *string) (*config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func runBatch(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	path := fs.String("config", "sqlcrew.yaml", "config file")
	input := fs.String("input", "", "question file (overrides batch.input)")
	output := fs.String("output", "", "answer file (overrides batch.output)")
	workers := fs.Int("workers", 0, "teams answered at once (overrides batch.workers)")
	startTeam := fs.Int("start-team", -1, "first team index")
	startQuestion := fs.Int("start-question", -1, "first question index in the first team")
	endTeam := fs.Int("end-team", -2, "last team index, -1 for the last")
	endQuestion := fs.Int("end-question", -2, "last question index in the last team, -1 for the last")

	cfg, err := loadConfig(fs, args, path)
	if err != nil {
		return err
	}
	b := cfg.Batch
	if *input != "" {
		b.Input = *input
	}
	if *output != "" {
		b.Output = *output
	}
	if *workers > 0 {
		b.Workers = *workers
	}
	if *startTeam >= 0 {
		b.StartTeam = *startTeam
	}
	if *startQuestion >= 0 {
		b.StartQuestion = *startQuestion
	}
	if *endTeam >= -1 {
		b.EndTeam = *endTeam
	}
	if *endQuestion >= -1 {
		b.EndQuestion = *endQuestion
	}
	if b.Input == "" || b.Output == "" {
		return errors.New("both an input and an output file are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	a, err := setup(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	teams, err := solver.ReadTeams(b.Input)
	if err != nil {
		return err
	}
	report, runErr := a.solver.Batch(ctx, teams, b)
	// Answers gathered before an interruption are still written.
	if err := solver.WriteTeams(b.Output, teams); err != nil {
		return err
	}

	fmt.Printf("answered %d, skipped %d, failed %d\n", report.Answered, report.Skipped, len(report.Failed))
	for _, tid := range sortedKeys(report.Failed) {
		fmt.Printf("  team %s: %v\n", tid, report.Failed[tid])
	}
	printUsage(report.Usage, report.Total())
	return runErr
}

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	path := fs.String("config", "sqlcrew.yaml", "config file")
	id := fs.String("id", "", "question ID, used for the record and log file")
	team := fs.String("team", "", "continue the stored conversation of this team")
	cfg, err := loadConfig(fs, args, path)
	if err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return errors.New("no question given")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	a, err := setup(ctx, cfg, *id != "" || *team != "")
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := a.solver.Resume(ctx, *team)
	if err != nil {
		return err
	}
	rec, err := a.solver.Answer(ctx, sess, solver.Question{
		ID: *id, Team: *team, Position: len(sess.Exchanges), Text: question,
	})
	if err != nil {
		return err
	}
	fmt.Println(rec.Answer)
	total := 0
	for _, v := range rec.UsageTokens {
		total += v
	}
	printUsage(rec.UsageTokens, total)
	return nil
}

func runTeamwork(args []string) error {
	fs := flag.NewFlagSet("teamwork", flag.ContinueOnError)
	path := fs.String("config", "sqlcrew.yaml", "config file")
	cfg, err := loadConfig(fs, args, path)
	if err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return errors.New("no question given")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	a, err := setup(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	answer, iterations, err := a.solver.Teamwork(ctx, question)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	fmt.Printf("(%d coordinator turns)\n", iterations)
	return nil
}

func printUsage(usage map[string]int, total int) {
	for _, k := range sortedKeys(usage) {
		fmt.Printf("%s: %d tokens\n", k, usage[k])
	}
	fmt.Printf("total: %d tokens\n", total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
