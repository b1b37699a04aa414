package outputparser_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/antfarm/internal/outputparser"
)

func TestMissingStatusDefaultsToDone(t *testing.T) {
	res, err := outputparser.Parse("did the thing\nPROGRESS: 100%")
	require.NoError(t, err)
	assert.Equal(t, outputparser.StatusDone, res.Status)
	assert.Equal(t, "100%", res.Context["progress"])
}

func TestStatusRetryWithIssues(t *testing.T) {
	res, err := outputparser.Parse("STATUS: retry\nISSUES: no tests\nmore detail here")
	require.NoError(t, err)
	assert.Equal(t, outputparser.StatusRetry, res.Status)
	assert.Equal(t, "no tests\nmore detail here", res.Issues)
}

func TestStatusDoneDiscardsIssues(t *testing.T) {
	res, err := outputparser.Parse("STATUS: done\nISSUES: should not matter")
	require.NoError(t, err)
	assert.Equal(t, outputparser.StatusDone, res.Status)
	assert.Empty(t, res.Issues)
}

func TestUnrecognizedStatusIsParseError(t *testing.T) {
	_, err := outputparser.Parse("STATUS: wat")
	require.Error(t, err)
}

func TestStoriesJSONAccepts20Entries(t *testing.T) {
	res, err := outputparser.Parse("STATUS: done\nSTORIES_JSON: " + storiesJSON(20))
	require.NoError(t, err)
	assert.Len(t, res.Stories, 20)
}

func TestStoriesJSONRejects21Entries(t *testing.T) {
	_, err := outputparser.Parse("STATUS: done\nSTORIES_JSON: " + storiesJSON(21))
	require.Error(t, err)
}

func TestStoriesJSONRejectsDuplicateID(t *testing.T) {
	payload := `[{"id":"US-1","title":"a","description":"d","acceptanceCriteria":["x"]},` +
		`{"id":"US-1","title":"b","description":"d","acceptanceCriteria":["x"]}]`
	_, err := outputparser.Parse("STORIES_JSON: " + payload)
	require.Error(t, err)
}

func TestStoriesJSONSpanStopsAtNextKeyLine(t *testing.T) {
	payload := `[{"id":"US-1","title":"a","description":"d","acceptanceCriteria":["x"]}]`
	res, err := outputparser.Parse("STORIES_JSON: " + payload + "\nPROGRESS: done parsing\n")
	require.NoError(t, err)
	require.Len(t, res.Stories, 1)
	assert.Equal(t, "done parsing", res.Context["progress"])
}

func TestStoriesJSONMultilineSpan(t *testing.T) {
	output := "STORIES_JSON: [\n" +
		`{"id":"US-1","title":"a","description":"d","acceptanceCriteria":["x"]}` + "\n]\n"
	res, err := outputparser.Parse(output)
	require.NoError(t, err)
	require.Len(t, res.Stories, 1)
	assert.Equal(t, "US-1", res.Stories[0].ID)
}

func storiesJSON(n int) string {
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id":"US-%d","title":"t","description":"d","acceptanceCriteria":["x"]}`, i)
	}
	b.WriteString("]")
	return b.String()
}
