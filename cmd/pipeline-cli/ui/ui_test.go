package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestTable(t *testing.T) {
	var out bytes.Buffer
	u := New(&out, &out, false, true)

	u.Table([]string{"Stage", "State"}, [][]string{
		{"parse", "succeeded"},
		{"ocr", "failed"},
	})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	assert.Len(t, lines, 6)
	assert.Equal(t, "┌───────┬───────────┐", lines[0])
	assert.Equal(t, "│ Stage │ State     │", lines[1])
	assert.Equal(t, "│ parse │ succeeded │", lines[3])
	assert.Equal(t, "│ ocr   │ failed    │", lines[4])
	assert.Equal(t, "└───────┴───────────┘", lines[5])
}

func TestJSONModeSuppressesText(t *testing.T) {
	var out bytes.Buffer
	u := New(&out, &out, true, true)

	u.Success("done")
	u.Section("report")
	u.KeyValue("k", "v")
	u.Table([]string{"a"}, [][]string{{"b"}})
	assert.Empty(t, out.String())

	assert.NoError(t, u.JSON(map[string]int{"n": 1}))
	assert.JSONEq(t, `{"n":1}`, out.String())
}

func TestVisibleLen(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = prev }()

	colored := color.GreenString("succeeded")
	assert.NotEqual(t, len("succeeded"), len(colored))
	assert.Equal(t, 9, visibleLen(colored))
	assert.Equal(t, 5, visibleLen("étape"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2.0m", FormatDuration(2*time.Minute))
	assert.Equal(t, "1.5h", FormatDuration(90*time.Minute))
}
