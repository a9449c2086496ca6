package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func sampleInput() Input {
	return Input{
		Categories: []Category{
			{ID: "tone", Name: "tone", DisplayName: "语气", Order: 2, DefaultCommandSet: "serious"},
			{ID: "music", Name: "music", DisplayName: "音乐", Order: 1},
			{ID: "hidden", Name: "hidden", Order: 0, Enabled: boolPtr(false)},
		},
		CommandSets: []CommandSet{
			{
				ID: "cute", Name: "Cute", Prefix: "萌", Category: "tone", Priority: 10,
				TargetWS: "botA",
				Commands: []Command{{Name: "/chat", Aliases: []string{"/c"}}},
			},
			{
				ID: "serious", Name: "Serious", Category: "tone", Priority: 5,
				TargetWS: "botB",
				Commands: []Command{{Name: "/chat"}},
			},
			{
				ID: "utility", Name: "Utility", IsPublic: true, TargetWS: "botC",
				Commands: []Command{{Name: "/info"}},
			},
			{
				ID: "off", Name: "Off", Prefix: "x", Enabled: boolPtr(false), TargetWS: "botC",
				Commands: []Command{{Name: "/gone"}},
			},
		},
		AccessLists: []AccessList{
			{ID: "vips", Name: "VIPs", Type: ListTypeUser, Mode: ModeWhitelist, Items: []int64{1, 2}},
		},
		Final:  FinalRule{Action: FinalReject},
		Admins: []int64{999},
	}
}

func TestBuildIndexes(t *testing.T) {
	c := Build(sampleInput())

	assert.Equal(t, 3, c.CountSets())
	assert.Equal(t, 2, c.CountCategories())

	require.NotNil(t, c.SetByID("cute"))
	require.NotNil(t, c.SetByID("off"), "disabled sets stay reachable by id")
	assert.Nil(t, c.SetByName("off"), "disabled sets are not routable by name")
	assert.Nil(t, c.SetByPrefix("x"), "disabled sets do not claim prefixes")

	assert.Equal(t, "cute", c.SetByPrefix("萌").ID)
	assert.Equal(t, "cute", c.SetByName("CUTE").ID)

	require.Len(t, c.PublicSets(), 1)
	assert.Equal(t, "utility", c.PublicSets()[0].ID)

	tone := c.SetsByCategory("tone")
	require.Len(t, tone, 2)
	assert.Equal(t, "cute", tone[0].ID, "priority desc")
	assert.Equal(t, "serious", tone[1].ID)

	cats := c.Categories()
	require.Len(t, cats, 2)
	assert.Equal(t, "music", cats[0].ID, "sorted by order")
	assert.Equal(t, "tone", cats[1].ID)

	require.NotNil(t, c.AccessList("vips"))
	assert.True(t, c.IsAdmin(999))
	assert.False(t, c.IsAdmin(1))
}

func TestBuildIsDeterministic(t *testing.T) {
	a := Build(sampleInput())
	b := Build(sampleInput())

	assert.Equal(t, a.CountSets(), b.CountSets())
	assert.Equal(t, a.Parser().Prefixes(), b.Parser().Prefixes())

	setsA := a.EnabledSets()
	setsB := b.EnabledSets()
	require.Equal(t, len(setsA), len(setsB))
	for i := range setsA {
		assert.Equal(t, setsA[i].ID, setsB[i].ID)
	}
}

func TestParserDerivedFromPrefixes(t *testing.T) {
	c := Build(sampleInput())

	parsed := c.Parser().Parse("萌:/chat 你好")
	assert.True(t, parsed.IsCommand)
	assert.Equal(t, "萌", parsed.Prefix)

	// Prefix of a disabled set is unknown to the parser.
	parsed = c.Parser().Parse("x:/gone")
	assert.Empty(t, parsed.Prefix)
}

func TestFindCategory(t *testing.T) {
	c := Build(sampleInput())

	assert.Equal(t, "tone", c.FindCategory("语气").ID)
	assert.Equal(t, "tone", c.FindCategory("tone").ID)
	assert.Nil(t, c.FindCategory("nope"))
	assert.Nil(t, c.FindCategory("hidden"), "disabled categories are not resolvable")
}

func TestHandleSwap(t *testing.T) {
	first := Build(sampleInput())
	h := NewHandle(first)
	assert.Same(t, first, h.Load())

	in := sampleInput()
	in.CommandSets = in.CommandSets[:1]
	second := Build(in)
	h.Swap(second)
	assert.Same(t, second, h.Load())
	assert.Equal(t, 1, second.CountSets())
}

func TestCommandMatches(t *testing.T) {
	cmd := Command{Name: "/chat", Aliases: []string{"/c", "/talk"}}
	assert.True(t, cmd.Matches("/chat"))
	assert.True(t, cmd.Matches("/talk"))
	assert.False(t, cmd.Matches("/chatx"))
}

func TestFindCommand(t *testing.T) {
	set := CommandSet{Commands: []Command{
		{Name: "/a"},
		{Name: "/b", Aliases: []string{"/bee"}},
	}}
	require.NotNil(t, set.FindCommand("/bee"))
	assert.Equal(t, "/b", set.FindCommand("/bee").Name)
	assert.Nil(t, set.FindCommand("/zzz"))
}

func TestTimeRestriction(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2025, 6, 1, h, m, 0, 0, time.Local)
	}

	plain := &TimeRestriction{Start: "09:00", End: "18:00"}
	assert.True(t, plain.Contains(at(9, 0)))
	assert.True(t, plain.Contains(at(18, 0)))
	assert.False(t, plain.Contains(at(8, 59)))
	assert.False(t, plain.Contains(at(18, 1)))

	wrap := &TimeRestriction{Start: "22:00", End: "06:00"}
	assert.True(t, wrap.Contains(at(23, 30)))
	assert.True(t, wrap.Contains(at(2, 0)))
	assert.True(t, wrap.Contains(at(22, 0)))
	assert.True(t, wrap.Contains(at(6, 0)))
	assert.False(t, wrap.Contains(at(14, 0)))
}

func TestParseClockTime(t *testing.T) {
	got, err := ParseClockTime("22:05")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 22, Minute: 5}, got)
	assert.Equal(t, "22:05", got.String())

	for _, bad := range []string{"24:00", "12:60", "nope", "12", ""} {
		_, err := ParseClockTime(bad)
		assert.Error(t, err, bad)
	}
}

func TestFinalRuleSendMessageDefault(t *testing.T) {
	rule := FinalRule{Action: FinalReject}
	assert.True(t, rule.ShouldSendMessage())

	rule.SendMessage = boolPtr(false)
	assert.False(t, rule.ShouldSendMessage())
}
