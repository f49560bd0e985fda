package solver

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/sqlcrew/config"
	"github.com/martinemde/sqlcrew/parse"
	"github.com/martinemde/sqlcrew/schema"
	"github.com/martinemde/sqlcrew/selection"
	"github.com/martinemde/sqlcrew/store"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

func testCatalog() *schema.Catalog {
	return schema.New("constantdb holds security master data",
		map[string][]schema.Table{
			"constantdb": {{Name: "secumain", Summary: "A股证券代码"}},
		},
		map[string][]schema.Column{
			"secumain": {
				{Name: "InnerCode", Desc: "证券内部编码"},
				{Name: "SecuCode", Desc: "证券代码；六位数字"},
				{Name: "ChiNameAbbr", Desc: "中文名称缩写"},
			},
		})
}

func jsonBlock(payload string) string {
	return "Analysis: ...\n```json\n" + payload + "\n```"
}

// route answers a request whose system prompt contains match.
type route struct {
	match string
	reply func(req unifiedllm.GenerateRequest) string
}

// fakeModel tells the actors apart by their role text. Replies depend only
// on the request so concurrent teams can share it.
type fakeModel struct {
	mu     sync.Mutex
	routes []route
	reqs   map[string][]unifiedllm.GenerateRequest
}

func fixed(s string) func(unifiedllm.GenerateRequest) string {
	return func(unifiedllm.GenerateRequest) string { return s }
}

func lastText(req unifiedllm.GenerateRequest) string {
	return req.Messages[len(req.Messages)-1].TextContent()
}

func newFakeModel(overrides ...route) *fakeModel {
	routes := append(overrides,
		route{"meeting host", func(req unifiedllm.GenerateRequest) string {
			if strings.Contains(lastText(req), "sql_query said:") {
				return parse.FormatAgentCall("Teamwork.deliver", "")
			}
			return parse.FormatAgentCall("sql_query", "look up the code")
		}},
		route{"restate the replies", fixed("600000")},
		route{"extract the entities", fixed(jsonBlock(`["浦发银行"]`))},
		route{"You rewrite the user's question", func(req unifiedllm.GenerateRequest) string {
			_, q, _ := strings.Cut(lastText(req), "on its own: ")
			return q
		}},
		route{"From the known databases", fixed(jsonBlock(`["constantdb"]`))},
		route{"From the known tables", fixed(jsonBlock(`["constantdb.secumain"]`))},
		route{"From the known table columns", fixed(jsonBlock(`{"constantdb.secumain": ["SecuCode"]}`))},
		route{"data analyst", fixed("SecuCode is 600000.")},
		route{"answer the user's question from the facts", fixed("The code is 600000.")},
		route{"careful database expert", func(req unifiedllm.GenerateRequest) string {
			if strings.Contains(lastText(req), "Query result:") {
				return "Known facts: the code is 600000. No more SQL is needed."
			}
			return "SQL to execute:\n```exec_sql\nSELECT SecuCode FROM constantdb.secumain WHERE ChiNameAbbr LIKE '%浦发%'\n```"
		}},
	)
	return &fakeModel{routes: routes, reqs: make(map[string][]unifiedllm.GenerateRequest)}
}

func (m *fakeModel) Generate(_ context.Context, req unifiedllm.GenerateRequest) unifiedllm.Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.routes {
		if strings.Contains(req.System, r.match) {
			m.reqs[r.match] = append(m.reqs[r.match], req)
			return unifiedllm.Completion{Content: r.reply(req), Tokens: 1, OK: true}
		}
	}
	return unifiedllm.Completion{Content: "no route", Err: errors.New("no route")}
}

func (m *fakeModel) calls(match string) []unifiedllm.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[match]
}

type fakeExec struct {
	mu    sync.Mutex
	calls []string
}

func (e *fakeExec) Execute(_ context.Context, sql string) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, sql)
	e.mu.Unlock()
	if strings.Contains(sql, "UNION ALL") {
		if strings.Contains(sql, "浦发银行") {
			return `[{"TableName": "constantdb.secumain", "InnerCode": 1, "SecuCode": "600000", "ChiNameAbbr": "浦发银行"}]`, nil
		}
		return "[]", nil
	}
	return `[{"SecuCode": "600000"}]`, nil
}

func testConfig() Config {
	return Config{
		Agents:       config.Agents{RetryLimit: 2, MaxHistory: 30},
		Loop:         config.Loop{MaxIterations: 5, CacheFacts: true, Interpret: true},
		Selection:    config.Selection{Attempts: 2},
		Coordinator:  config.Coordinator{MaxIterations: 4},
		ResultLimit:  100,
		Replacements: map[string]string{"合并报表调整后": "合并报表"},
	}
}

const entityFact = "浦发银行 has related information:[table is constantdb.secumain;" +
	"InnerCode(证券内部编码) is 1;SecuCode(证券代码) is 600000;ChiNameAbbr(中文名称缩写) is 浦发银行;]"

func TestAnswerRunsPipeline(t *testing.T) {
	model := newFakeModel()
	exec := &fakeExec{}
	s := New(model, exec, testCatalog(), testConfig())
	sess := &Session{Team: "t1"}

	rec, err := s.Answer(context.Background(), sess, Question{ID: "q1", Team: "t1", Text: "浦发银行的证券代码是多少？"})
	require.NoError(t, err)

	assert.Equal(t, "The code is 600000.", rec.Answer)
	assert.Equal(t, "浦发银行的证券代码是多少？", rec.RewrittenQuestion)
	assert.Equal(t, []string{entityFact}, rec.Facts)
	assert.Equal(t, []string{"SecuCode is 600000."}, rec.SQLResults)
	assert.Equal(t, []string{"check_db_structure", "extract_company", "rewrite_question", "sql_query"}, sortedKeys(rec.UsageTokens))
	assert.Equal(t, 1, rec.UsageTokens["extract_company"])
	assert.Equal(t, 3, rec.UsageTokens["check_db_structure"])
	assert.Regexp(t, `^\d+m \d+s$`, rec.Elapsed)

	require.Len(t, exec.calls, 2)
	assert.Contains(t, exec.calls[0], "ChiName LIKE '%浦发银行%'")
	assert.Contains(t, exec.calls[1], "SELECT SecuCode FROM constantdb.secumain")

	driver := model.calls("careful database expert")[0]
	assert.Contains(t, driver.System, "## Known facts\n"+entityFact)
	assert.Contains(t, driver.System, "## "+"KNOWN DATABASE STRUCTURE")
	assert.NotContains(t, driver.System, "## Conversation history")
	assert.Contains(t, model.calls("From the known table columns")[0].System, "## Known facts")
	assert.NotContains(t, model.calls("From the known databases")[0].System, "## Known facts",
		"the database selector does not see the facts")

	assert.Equal(t, []Exchange{{Question: "浦发银行的证券代码是多少？", Answer: "The code is 600000."}}, sess.Exchanges)
	assert.Equal(t, rec.SQLResults, sess.SQLResults)
}

func TestAnswerUsesTeamHistory(t *testing.T) {
	model := newFakeModel(route{"extract the entities", fixed(noEntities)})
	s := New(model, &fakeExec{}, testCatalog(), testConfig())
	sess := &Session{
		Team:       "t1",
		SQLResults: []string{"earlier summary"},
	}
	sess.Remember("Who is the chairman?", "Zhang San")

	rec, err := s.Answer(context.Background(), sess, Question{ID: "q2", Team: "t1", Position: 1, Text: "他哪年出生？"})
	require.NoError(t, err)
	assert.Empty(t, rec.Facts)

	rewrite := model.calls("You rewrite the user's question")[0]
	assert.Contains(t, lastText(rewrite), "'''\nQuestion: Who is the chairman?\nAnswer: Zhang San\n'''")

	driver := model.calls("careful database expert")[0]
	assert.Contains(t, driver.System, "## Conversation history\nQuestion: Who is the chairman?\nAnswer: Zhang San")
	assert.NotContains(t, driver.System, "## Known facts")
	assert.True(t, strings.HasPrefix(lastText(driver), "Previously found:\nearlier summary"))
	assert.Equal(t, []string{"earlier summary", "SecuCode is 600000."}, rec.SQLResults)
	assert.Len(t, sess.Exchanges, 2)
}

func TestAnswerFailsWhenSelectionExhausted(t *testing.T) {
	model := newFakeModel(route{"From the known tables", fixed("no idea")})
	s := New(model, &fakeExec{}, testCatalog(), testConfig())
	sess := &Session{Team: "t1"}

	_, err := s.Answer(context.Background(), sess, Question{ID: "q1", Text: "?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, selection.ErrStageExhausted)
	assert.Empty(t, sess.Exchanges)
	assert.Empty(t, model.calls("careful database expert"))
}

func TestAnswerSavesRecord(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer st.Close()

	s := New(newFakeModel(), &fakeExec{}, testCatalog(), testConfig(), WithStore(st))
	_, err = s.Answer(context.Background(), &Session{Team: "t1"}, Question{ID: "q1", Team: "t1", Text: "浦发银行?"})
	require.NoError(t, err)

	got, err := st.Get(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, "The code is 600000.", got.Answer)
	assert.Equal(t, []string{entityFact}, got.Facts)
}

func TestAnswerWritesQuestionLog(t *testing.T) {
	cfg := testConfig()
	cfg.LogDir = t.TempDir()
	s := New(newFakeModel(), &fakeExec{}, testCatalog(), cfg)

	_, err := s.Answer(context.Background(), &Session{}, Question{ID: "q-log", Text: "浦发银行?"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.LogDir, "q-log.log"))
}

func TestNormalize(t *testing.T) {
	s := New(nil, nil, testCatalog(), testConfig())
	assert.Equal(t, "2020年合并报表的营业收入", s.Normalize("2020年合并报表调整后的营业收入"))
	assert.Equal(t, "unchanged", s.Normalize("unchanged"))
}

func TestLookupSQLEscapesQuotes(t *testing.T) {
	sql := lookupSQL("O'Neil")
	assert.Contains(t, sql, "SecuCode = 'O''Neil'")
	assert.Contains(t, sql, "ChiName LIKE '%O''Neil%'")
	assert.Equal(t, 3, strings.Count(sql, "FROM constantdb."))
}

func TestDescribeEntityWithSeveralRows(t *testing.T) {
	out := describeEntity(testCatalog(), "ABC", []map[string]any{
		{"TableName": "constantdb.secumain", "InnerCode": float64(7)},
		{"TableName": "constantdb.hk_secumain", "SecuCode": "00700", "ChiNameAbbr": nil},
	})
	assert.Equal(t, "ABC has several groups of related information:["+
		"table is constantdb.secumain;InnerCode(证券内部编码) is 7;],"+
		"table is constantdb.hk_secumain;SecuCode is 00700;ChiNameAbbr is None;]", out)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func TestResumeRebuildsTeamSession(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, &store.Record{ID: "b", Team: "t1", Position: 1, Question: "Q2合并报表调整后", Answer: "A2",
		Facts: []string{"f1", "f2"}, SQLResults: []string{"r1", "r2"}}))
	require.NoError(t, st.Save(ctx, &store.Record{ID: "a", Team: "t1", Position: 0, Question: "Q1", Answer: "A1",
		Facts: []string{"f1"}, SQLResults: []string{"r1"}}))

	s := New(nil, nil, testCatalog(), testConfig(), WithStore(st))
	sess, err := s.Resume(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []Exchange{{Question: "Q1", Answer: "A1"}, {Question: "Q2合并报表", Answer: "A2"}}, sess.Exchanges)
	assert.Equal(t, []string{"f1", "f2"}, sess.Facts)
	assert.Equal(t, []string{"r1", "r2"}, sess.SQLResults)

	fresh, err := s.Resume(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, &Session{Team: "t2"}, fresh)

	unstored, err := New(nil, nil, testCatalog(), testConfig()).Resume(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, unstored.Exchanges)
}
