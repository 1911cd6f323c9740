package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

func newDefaultRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	r, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	return r
}

func TestRoute_Scenarios(t *testing.T) {
	r := newDefaultRouter(t)

	cases := []struct {
		name string
		item api.WorkItem
		want api.RoutingDecision
	}{
		{
			name: "order entity",
			item: api.WorkItem{Content: "ORD-20250201-0001 주문 확인해주세요"},
			want: api.RoutingDecision{TargetUnitID: "order", Confidence: 0.95, Reason: api.ReasonEntity},
		},
		{
			name: "safety keyword",
			item: api.WorkItem{Content: "제품 사용 후 부상을 입었습니다"},
			want: api.RoutingDecision{TargetUnitID: "crisis", Confidence: 1.0, Reason: api.ReasonSafety},
		},
		{
			name: "unrecognised",
			item: api.WorkItem{Content: "안녕하세요 좋은 하루 되세요"},
			want: api.RoutingDecision{TargetUnitID: "general", Confidence: 0.5, Reason: api.ReasonDefault},
		},
		{
			name: "customer entity",
			item: api.WorkItem{Content: "고객번호 cus-1234567 입니다"},
			want: api.RoutingDecision{TargetUnitID: "cs", Confidence: 0.95, Reason: api.ReasonEntity},
		},
		{
			name: "keyword",
			item: api.WorkItem{Content: "재고가 언제 들어오나요?"},
			want: api.RoutingDecision{TargetUnitID: "inventory", Confidence: 0.85, Reason: api.ReasonKeyword},
		},
		{
			name: "source fallback",
			item: api.WorkItem{Content: "안녕하세요", Source: "Kakao"},
			want: api.RoutingDecision{TargetUnitID: "cs", Confidence: 0.7, Reason: api.ReasonSource},
		},
		{
			name: "payload text",
			item: api.WorkItem{Payload: map[string]any{"message": "배송 언제 와요"}},
			want: api.RoutingDecision{TargetUnitID: "order", Confidence: 0.85, Reason: api.ReasonKeyword},
		},
		{
			name: "pre-extracted entity",
			item: api.WorkItem{Content: "확인 부탁", Entities: map[string][]string{"order_id": {"ORD-20250101-0002"}}},
			want: api.RoutingDecision{TargetUnitID: "order", Confidence: 0.95, Reason: api.ReasonEntity},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Route(tc.item)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRoute_SafetyOverridesEverything(t *testing.T) {
	r := newDefaultRouter(t)
	inputs := []string{
		"ORD-20250201-0001 주문했는데 아이가 화상을 입었어요",
		"환불 요청합니다. 알레르기 반응이 생겼어요",
		"CUS-123456 Emergency: child INJURED",
	}
	for _, in := range inputs {
		got, err := r.Route(api.WorkItem{Content: in, Source: "email"})
		require.NoError(t, err)
		assert.Equal(t, "crisis", got.TargetUnitID, in)
		assert.Equal(t, 1.0, got.Confidence, in)
		assert.Equal(t, api.ReasonSafety, got.Reason, in)
	}
}

func TestRoute_KeywordPriorityAndTies(t *testing.T) {
	cfg := Config{
		Keywords: []KeywordRule{
			{UnitID: "marketing", Priority: 5, Keywords: []string{"쿠폰"}},
			{UnitID: "cs", Priority: 2, Keywords: []string{"환불"}},
			{UnitID: "cs-dup", Priority: 2, Keywords: []string{"환불"}},
		},
		DefaultUnit: "general",
	}
	r, err := New(cfg)
	require.NoError(t, err)

	got, err := r.Route(api.WorkItem{Content: "쿠폰 환불 가능한가요"})
	require.NoError(t, err)
	assert.Equal(t, "cs", got.TargetUnitID)
}

func TestRoute_SourceFallbackFlag(t *testing.T) {
	set := flags.New(nil)
	r := newDefaultRouter(t, WithFlags(set))
	item := api.WorkItem{Content: "hello", Source: "naver"}

	got, err := r.Route(item)
	require.NoError(t, err)
	assert.Equal(t, api.ReasonSource, got.Reason)

	set.Override(flags.SourceFallback, false)
	got, err = r.Route(item)
	require.NoError(t, err)
	assert.Equal(t, api.ReasonDefault, got.Reason)
}

func TestRoute_NoDefaultIsRoutingError(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	_, err = r.Route(api.WorkItem{Content: "anything"})
	assert.ErrorIs(t, err, api.ErrRouting)
}

func TestExtractEntitiesAndAutoRespond(t *testing.T) {
	r := newDefaultRouter(t)
	ents := r.ExtractEntities("ORD-20250201-0001 and ORD-20250202-0002 for CUS-000123")
	assert.Equal(t, []string{"ORD-20250201-0001", "ORD-20250202-0002"}, ents["order_id"])
	assert.Equal(t, []string{"CUS-000123"}, ents["customer_id"])

	assert.True(t, r.CanAutoRespond(api.RoutingDecision{Confidence: 0.85}))
	assert.False(t, r.CanAutoRespond(api.RoutingDecision{Confidence: 0.7}))
}

func TestConfig_ValidateRejectsBadTables(t *testing.T) {
	bad := Config{
		SafetyKeywords: []string{"fire"},
		Entities:       []EntityRule{{Name: "x", Pattern: "([", UnitID: "u"}},
		Keywords:       []KeywordRule{{UnitID: "", Keywords: []string{"a"}}},
	}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crisis_unit")
	assert.Contains(t, err.Error(), "bad pattern")
	assert.Contains(t, err.Error(), "missing unit")

	_, err = New(bad)
	assert.Error(t, err)
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	data := `
safety_keywords: [fire]
crisis_unit: crisis
entities:
  - name: ticket
    pattern: 'TCK-\d+'
    unit: support
keywords:
  - unit: billing
    priority: 1
    keywords: [invoice]
sources:
  web: support
default_unit: intake
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultAutoResponseThreshold, cfg.AutoResponseThreshold)
	assert.ElementsMatch(t, []string{"crisis", "support", "billing", "intake"}, cfg.Units())

	r, err := New(cfg)
	require.NoError(t, err)
	got, err := r.Route(api.WorkItem{Content: "see TCK-42"})
	require.NoError(t, err)
	assert.Equal(t, "support", got.TargetUnitID)

	require.NoError(t, os.WriteFile(path, []byte("entities:\n  - name: a\n    pattern: '(['\n    unit: u\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestRoute_SourceKeysMatchAnyCase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	data := `
sources:
  KakaoTalk: chat
  " Naver ": marketplace
default_unit: intake
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	r, err := New(cfg)
	require.NoError(t, err)

	for src, want := range map[string]string{"kakaotalk": "chat", "KAKAOTALK": "chat", "naver": "marketplace"} {
		got, err := r.Route(api.WorkItem{Content: "hello", Source: src})
		require.NoError(t, err)
		assert.Equal(t, api.ReasonSource, got.Reason, src)
		assert.Equal(t, want, got.TargetUnitID, src)
	}
	assert.Equal(t, "chat", cfg.Sources["KakaoTalk"], "the caller's table is not rewritten")

	clash := Config{DefaultUnit: "intake", Sources: map[string]string{"Web": "support", "web": "sales"}}
	err = clash.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same channel")
}
