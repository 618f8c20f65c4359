package jsonl

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/foodmap/internal/model"
)

func TestReader_SkipsBlankLines(t *testing.T) {
	input := `{"name":"a"}


{"name":"b"}
`
	r := NewReader(strings.NewReader(input))

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", rec.String("name"))

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", rec.String("name"))

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_MalformedLine(t *testing.T) {
	r := NewReader(strings.NewReader("{\"name\":\"a\"}\nnot json\n{\"name\":\"c\"}\n"))

	_, err := r.Next()
	require.NoError(t, err)

	_, err = r.Next()
	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 2, lineErr.Line)
	assert.Contains(t, lineErr.Error(), "line 2")

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "c", rec.String("name"))
}

func TestReadAll(t *testing.T) {
	input := "{\"n\":1}\n[1,2]\n{\"n\":2}\n{broken\n{\"n\":3}"

	var skipped []int
	records, err := ReadAll(strings.NewReader(input), func(e *LineError) {
		skipped = append(skipped, e.Line)
	})
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, "3", records[2].Get("n").Raw)
	assert.Equal(t, []int{2, 4}, skipped)
}

func TestReadAll_LongLineSkipped(t *testing.T) {
	long := `{"name":"` + strings.Repeat("x", maxLineBytes) + `"}`
	input := "{\"n\":1}\r\n" + long + "\n{\"n\":2}\n"

	var skipped []*LineError
	records, err := ReadAll(strings.NewReader(input), func(e *LineError) {
		skipped = append(skipped, e)
	})
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].Get("n").Raw)
	assert.Equal(t, "2", records[1].Get("n").Raw)
	require.Len(t, skipped, 1)
	assert.Equal(t, 2, skipped[0].Line)
	assert.ErrorIs(t, skipped[0], ErrLineTooLong)
}

func TestReadAll_NilCallback(t *testing.T) {
	records, err := ReadAll(strings.NewReader("oops\n{\"n\":1}\n"), nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	rec, err := model.ParseRecord([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)

	require.NoError(t, w.WriteRecord(rec))
	require.NoError(t, w.Write(model.Facility{Name: "Joe's Diner", Address: "100 N Main St"}))
	require.NoError(t, w.Flush())

	assert.Equal(t, 2, w.Count())
	assert.Equal(t,
		`{"b":1,"a":2}`+"\n"+`{"name":"Joe's Diner","address":"100 N Main St","kind":"","phone_number":"","ward":""}`+"\n",
		buf.String())
}
