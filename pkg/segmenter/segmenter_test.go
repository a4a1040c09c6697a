package segmenter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain feeds fragments one by one and collects every completed unit plus the
// finalized leftover.
func drain(s *Segmenter, fragments ...string) []string {
	var units []string
	buf := ""
	for _, f := range fragments {
		var unit string
		var ok bool
		buf, unit, ok = s.Feed(buf, f)
		for ok {
			units = append(units, unit)
			buf, unit, ok = s.Feed(buf, "")
		}
	}
	if unit, ok := s.Finalize(buf); ok {
		units = append(units, unit)
	}
	return units
}

func TestFeedChineseClauseContinues(t *testing.T) {
	buf, unit, ok := Feed("你好，今天天气", "")
	assert.False(t, ok)
	assert.Empty(t, unit)

	buf, unit, ok = Feed(buf, "怎么样？")
	require.True(t, ok)
	assert.Equal(t, "你好，今天天气怎么样？", unit)
	assert.Empty(t, buf)
}

func TestFeedDecimalIsNotABoundary(t *testing.T) {
	buf, _, ok := Feed("价格是3", ".14元")
	assert.False(t, ok)
	assert.Equal(t, "价格是3.14元", buf)

	buf, _, ok = Feed("价格是3", ".")
	assert.False(t, ok, "trailing '.' after a digit waits for the next fragment")
	assert.Equal(t, "价格是3.", buf)

	buf, unit, ok := Feed(buf, "14元。")
	require.True(t, ok)
	assert.Equal(t, "价格是3.14元。", unit)
	assert.Empty(t, buf)
}

func TestFeedAbbreviationGuard(t *testing.T) {
	buf, _, ok := Feed("", "Please ask Dr.")
	assert.False(t, ok)

	_, unit, ok := Feed(buf, " Smith about this.")
	require.True(t, ok)
	assert.Equal(t, "Please ask Dr. Smith about this.", unit)
}

func TestFeedEnglishSentence(t *testing.T) {
	buf, unit, ok := Feed("Hello there", ". How are")
	require.True(t, ok)
	assert.Equal(t, "Hello there.", unit)
	assert.Equal(t, "How are", buf)
}

func TestFeedMultipleUnitsInOneFragment(t *testing.T) {
	units := drain(Default(), "好。你呢？我很好！")
	assert.Equal(t, []string{"好。", "你呢？", "我很好！"}, units)
}

func TestFeedAbsorbsTerminatorRunsAndClosers(t *testing.T) {
	units := drain(Default(), "真的吗？！", `他说："走吧。"然后`, "离开了")
	assert.Equal(t, []string{"真的吗？！", `他说："走吧。"`, "然后离开了"}, units)
}

func TestFeedNewlineTerminates(t *testing.T) {
	units := drain(Default(), "first line\nsecond", " line")
	assert.Equal(t, []string{"first line", "second line"}, units)
}

func TestFeedSkipsBlankUnits(t *testing.T) {
	buf, unit, ok := Feed("", "\n\n。")
	assert.False(t, ok)
	assert.Empty(t, unit)
	assert.Empty(t, buf)
}

func TestFinalize(t *testing.T) {
	unit, ok := Finalize("  还没说完  ")
	require.True(t, ok)
	assert.Equal(t, "还没说完", unit)

	_, ok = Finalize("   ")
	assert.False(t, ok)
	_, ok = Finalize("")
	assert.False(t, ok)
}

func TestCustomTerminators(t *testing.T) {
	s := New("|")
	units := drain(s, "a. b|c", "!d")
	assert.Equal(t, []string{"a. b|", "c!d"}, units)
}

func TestFeedPreservesText(t *testing.T) {
	input := "第一句。第二句，带逗号！Third one? 价格3.5元；最后"
	fragments := strings.Split(input, "")
	units := drain(Default(), fragments...)

	joined := strings.Join(units, "")
	assert.Equal(t, strings.ReplaceAll(input, " ", ""), strings.ReplaceAll(joined, " ", ""))
	assert.Len(t, units, 5)
}
