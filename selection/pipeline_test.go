package selection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/sqlcrew/schema"
	"github.com/martinemde/sqlcrew/unifiedllm"
)

func testCatalog() *schema.Catalog {
	return schema.New(`[{"库名": "constantdb"}]`,
		map[string][]schema.Table{
			"constantdb": {
				{Name: "secumain", Summary: "A股证券代码"},
				{Name: "hk_secumain", Summary: "港股证券代码"},
			},
			"astockshareholderdb": {
				{Name: "lc_mainshlistnew", Summary: "主要股东名单"},
			},
		},
		map[string][]schema.Column{
			"secumain": {
				{Name: "InnerCode", Desc: "证券内部编码"},
				{Name: "SecuCode", Desc: "证券代码"},
				{Name: "ChiName", Desc: "中文名称"},
			},
			"hk_secumain": {
				{Name: "InnerCode", Desc: "证券内部编码"},
				{Name: "SecuAbbr", Desc: "证券简称"},
			},
			"lc_mainshlistnew": {
				{Name: "CompanyCode", Desc: "公司代码"},
				{Name: "SHKind", Desc: "股东类别"},
			},
		})
}

// stageModel answers each selector from its own script, repeating the last
// reply.
type stageModel struct {
	mu      sync.Mutex
	replies map[string][]string
	reqs    map[string][]unifiedllm.GenerateRequest
}

func newStageModel(dbs, tables, columns []string) *stageModel {
	return &stageModel{
		replies: map[string][]string{databasesRole: dbs, tablesRole: tables, columnsRole: columns},
		reqs:    make(map[string][]unifiedllm.GenerateRequest),
	}
}

func (m *stageModel) Generate(_ context.Context, req unifiedllm.GenerateRequest) unifiedllm.Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	for role, replies := range m.replies {
		if strings.Contains(req.System, role) {
			m.reqs[role] = append(m.reqs[role], req)
			n := len(m.reqs[role])
			return unifiedllm.Completion{Content: replies[min(n, len(replies))-1], Tokens: 2, OK: true}
		}
	}
	return unifiedllm.Completion{Content: "unexpected", Err: errors.New("unexpected actor")}
}

func (m *stageModel) calls(role string) []unifiedllm.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[role]
}

func jsonBlock(payload string) string {
	return "Analysis: ...\n```json\n" + payload + "\n```\n"
}

func newPipeline(model *stageModel, cfg Config) *Pipeline {
	return New(NewActors(model, "check", "db overview", ActorOptions{}), testCatalog(), cfg)
}

func TestRunSelectsColumns(t *testing.T) {
	model := newStageModel(
		[]string{jsonBlock(`["constantdb"]`)},
		[]string{jsonBlock(`["constantdb.secumain"]`)},
		[]string{jsonBlock(`{"constantdb.secumain": ["SecuCode"]}`)},
	)
	p := newPipeline(model, Config{
		ImportantColumns: []string{"InnerCode"},
		ForeignKeyHub:    map[string][]string{"constantdb.hk_secumain": {"SecuAbbr"}},
	})

	sel, err := p.Run(context.Background(), []unifiedllm.Message{
		unifiedllm.AssistantMessage("Retrieved " + schema.ColumnListMark + ":\n[]"),
		unifiedllm.UserMessage("What is the code of 浦发银行?"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"constantdb"}, sel.Databases)
	assert.Equal(t, []string{"constantdb.secumain"}, sel.Tables)
	assert.Equal(t, map[string][]string{"constantdb.secumain": {"SecuCode"}}, sel.Columns)
	assert.Contains(t, sel.Structure, schema.ColumnListMark)
	assert.Contains(t, sel.Structure, "SecuCode")
	assert.Contains(t, sel.Structure, "InnerCode")
	assert.NotContains(t, sel.Structure, "ChiName")
	assert.Contains(t, sel.Structure, "constantdb.hk_secumain")
	assert.Equal(t, 6, sel.Tokens)
	assert.Equal(t, 6, p.UsageTokens())

	dbReq := model.calls(databasesRole)[0]
	require.Len(t, dbReq.Messages, 2, "the column list message is dropped")
	assert.Equal(t, databasesPrompt, dbReq.Messages[1].TextContent())
	assert.Contains(t, dbReq.System, "## Knowledge\ndb overview")

	tableReq := model.calls(tablesRole)[0]
	assert.Contains(t, tableReq.Messages[1].TextContent(), "constantdb.hk_secumain")
	assert.NotContains(t, tableReq.Messages[1].TextContent(), "lc_mainshlistnew")

	colReq := model.calls(columnsRole)[0]
	assert.Contains(t, colReq.Messages[1].TextContent(), "ChiName", "the column stage sees every column of the chosen tables")
}

func TestRunLastJSONBlockWins(t *testing.T) {
	model := newStageModel(
		[]string{"first guess\n```json\n[\"astockshareholderdb\"]\n```\nrevised:\n```json\n[\"constantdb\"]\n```"},
		[]string{jsonBlock(`["constantdb.secumain"]`)},
		[]string{jsonBlock(`{"constantdb.secumain": ["SecuCode"]}`)},
	)
	sel, err := newPipeline(model, Config{}).Run(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage("q")})
	require.NoError(t, err)
	assert.Equal(t, []string{"constantdb"}, sel.Databases)
}

func TestRunRetriesInvalidPayloads(t *testing.T) {
	model := newStageModel(
		[]string{
			"no json at all",
			jsonBlock(`["nodb"]`),
			jsonBlock(`["constantdb"]`),
		},
		[]string{jsonBlock(`[1, 2]`), jsonBlock(`["constantdb.secumain"]`)},
		[]string{jsonBlock(`{"constantdb.secumain": ["SecuCode"]}`)},
	)
	sel, err := newPipeline(model, Config{}).Run(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage("q")})
	require.NoError(t, err)

	assert.Len(t, model.calls(databasesRole), 3)
	assert.Len(t, model.calls(tablesRole), 2)
	assert.Equal(t, []string{"constantdb.secumain"}, sel.Tables)
}

func TestRunStageExhausted(t *testing.T) {
	model := newStageModel(
		[]string{jsonBlock(`["constantdb"]`)},
		[]string{jsonBlock(`["secumain"]`)},
		[]string{jsonBlock(`{}`)},
	)
	_, err := newPipeline(model, Config{Attempts: 3}).Run(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage("q")})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageExhausted)
	assert.ErrorIs(t, err, schema.ErrBadTableName)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageTables, serr.Stage)
	assert.Equal(t, 3, serr.Attempts)
	assert.Len(t, model.calls(tablesRole), 3)
	assert.Empty(t, model.calls(columnsRole))
}

func TestRunAppliesHooks(t *testing.T) {
	model := newStageModel(
		[]string{jsonBlock(`["constantdb"]`)},
		[]string{jsonBlock(`["constantdb.secumain"]`)},
		[]string{jsonBlock(`{"constantdb.secumain": ["SecuCode"], "constantdb.hk_secumain": ["SecuAbbr"]}`)},
	)
	p := newPipeline(model, Config{
		DatabaseHook: RequireTogether([]string{"constantdb", "astockshareholderdb"}),
		TableHook:    RequireTogether([]string{"constantdb.secumain", "constantdb.hk_secumain"}),
	})

	sel, err := p.Run(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage("q")})
	require.NoError(t, err)

	assert.Equal(t, []string{"constantdb", "astockshareholderdb"}, sel.Databases)
	assert.Contains(t, model.calls(tablesRole)[0].Messages[1].TextContent(), "lc_mainshlistnew")
	assert.Equal(t, []string{"constantdb.secumain", "constantdb.hk_secumain"}, sel.Tables)
	assert.Contains(t, sel.Structure, "SecuAbbr")
}

func TestRunCancelled(t *testing.T) {
	model := newStageModel([]string{jsonBlock(`["constantdb"]`)}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newPipeline(model, Config{}).Run(ctx, []unifiedllm.Message{unifiedllm.UserMessage("q")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStageExhausted)
	assert.Empty(t, model.calls(databasesRole))
}

func TestSectionsAndClearHistory(t *testing.T) {
	model := newStageModel(
		[]string{jsonBlock(`["constantdb"]`)},
		[]string{jsonBlock(`["constantdb.secumain"]`)},
		[]string{jsonBlock(`{"constantdb.secumain": []}`)},
	)
	p := newPipeline(model, Config{})
	p.AddSection("Known facts", "F")

	_, err := p.Run(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage("q")})
	require.NoError(t, err)
	assert.Contains(t, model.calls(columnsRole)[0].System, "## Known facts\nF")

	p.RemoveSection("Known facts")
	p.ClearHistory()
	assert.Zero(t, p.UsageTokens())
}

func TestRequireTogether(t *testing.T) {
	hook := RequireTogether([]string{"b", "c"}, []string{"x", "y"})

	in := []string{"a", "b"}
	assert.Equal(t, []string{"a", "b", "c"}, hook(in))
	assert.Equal(t, []string{"a", "b"}, in, "the input is not modified")

	assert.Equal(t, []string{"a"}, hook([]string{"a"}), "an untouched group adds nothing")
	assert.Equal(t, []string{"b", "c"}, hook([]string{"b", "c"}))
	assert.Equal(t, []string{"y", "b", "c", "x"}, hook([]string{"y", "b"}))
}
