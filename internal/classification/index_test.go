package classification

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Klywood/Patentscope-scrapper/internal/components/telemetry"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testIndex = `{
	"A": ["HUMAN NECESSITIES"],
	"A01": ["AGRICULTURE", "FORESTRY"],
	"A01B": ["SOIL WORKING", "AGRICULTURE"],
	"B": ["-"],
	"B01": ["PHYSICAL OR CHEMICAL PROCESSES"]
}`

func TestExpand(t *testing.T) {
	tel := &telemetry.TestAPI{}
	index, err := Parse(strings.NewReader(testIndex), tel)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 5, index.Len())

	table := []struct {
		code     string
		expected []string
	}{
		{
			code:     "A01B 1/00",
			expected: []string{"AGRICULTURE", "FORESTRY", "HUMAN NECESSITIES", "SOIL WORKING"},
		},
		{
			code:     " a01b  1/00 ",
			expected: []string{"AGRICULTURE", "FORESTRY", "HUMAN NECESSITIES", "SOIL WORKING"},
		},
		{
			code:     "A01B-1/00",
			expected: []string{"AGRICULTURE", "FORESTRY", "HUMAN NECESSITIES", "SOIL WORKING"},
		},
		{
			code:     "A01",
			expected: []string{"AGRICULTURE", "FORESTRY", "HUMAN NECESSITIES"},
		},
		{
			code:     "A",
			expected: []string{"HUMAN NECESSITIES"},
		},
		{
			code:     "B01J 19/00",
			expected: []string{"PHYSICAL OR CHEMICAL PROCESSES"},
		},
		{code: "B", expected: []string{}},
		{code: "Z99Z 9/99", expected: []string{}},
		{code: "", expected: nil},
		{code: "   ", expected: nil},
	}

	for _, row := range table {
		t.Run(row.code, func(t *testing.T) {
			result := index.Expand(row.code)
			if diff := cmp.Diff(row.expected, result); diff != "" {
				t.Fatalf("unexpected keywords (-want +got):\n%s", diff)
			}
			if row.expected != nil {
				require.NotNil(t, result)
			}
		})
	}
	require.Empty(t, tel.Reports("warning", report_index_expand))
}

func TestExpandSpecExample(t *testing.T) {
	index := New(map[string][]string{
		"A":    {"HUMAN NECESSITIES"},
		"A01":  {"AGRICULTURE"},
		"A01B": {"SOIL WORKING"},
	}, &telemetry.TestAPI{})

	require.ElementsMatch(t,
		[]string{"HUMAN NECESSITIES", "AGRICULTURE", "SOIL WORKING"},
		index.Expand("A01B 1/00"),
	)
}

func TestExpandInvalidCode(t *testing.T) {
	tel := &telemetry.TestAPI{}
	index, err := Parse(strings.NewReader(testIndex), tel)
	if err != nil {
		t.Fatal(err)
	}

	table := []struct {
		code     string
		expected []string
	}{
		{
			code:     "A01B 1/00 (2006.01)",
			expected: []string{"AGRICULTURE", "FORESTRY", "HUMAN NECESSITIES", "SOIL WORKING"},
		},
		{
			code:     "A01B 1/00;A01B 3/00",
			expected: []string{"AGRICULTURE", "FORESTRY", "HUMAN NECESSITIES", "SOIL WORKING"},
		},
		{code: "AB01", expected: []string{"HUMAN NECESSITIES"}},
		{code: "01AB", expected: []string{}},
	}

	for _, row := range table {
		result := index.Expand(row.code)
		if diff := cmp.Diff(row.expected, result); diff != "" {
			t.Fatalf("unexpected keywords for %q (-want +got):\n%s", row.code, diff)
		}
	}

	reports := tel.Reports("warning", report_index_expand)
	require.Len(t, reports, len(table))
	require.ErrorIs(t, reports[0].Params[0].(error), ErrInvalidCode)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse(strings.NewReader(`["A"]`), &telemetry.TestAPI{})
	require.Error(t, err)
}

func TestBuildRoundTrip(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "EN_ipc_title_list_A.txt"), []byte(
		"A\tHUMAN NECESSITIES\n"+
			"A01\tAGRICULTURE; FORESTRY; ANIMAL HUSBANDRY; hunting\n"+
			"A01B\tSOIL WORKING IN AGRICULTURE OR FORESTRY; parts of machines\n"+
			"A01B1\tHand tools\n"+
			"A01B1/00\tHand tools (edge trimmers A01G 3/06)\n"+
			"A01C\tplanting; sowing\n"+
			"\n",
	), 0600)
	if err != nil {
		t.Fatal(err)
	}

	entries, err := BuildDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	expected := map[string][]string{
		"A":    {"HUMAN NECESSITIES"},
		"A01":  {"AGRICULTURE", "FORESTRY", "ANIMAL HUSBANDRY"},
		"A01B": {"SOIL WORKING IN AGRICULTURE OR FORESTRY"},
		"A01C": {NoKeywords},
	}
	if diff := cmp.Diff(expected, entries); diff != "" {
		t.Fatalf("unexpected index (-want +got):\n%s", diff)
	}

	var buff bytes.Buffer
	require.NoError(t, Write(&buff, entries))

	index, err := Parse(&buff, &telemetry.TestAPI{})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t,
		[]string{"AGRICULTURE", "ANIMAL HUSBANDRY", "FORESTRY", "HUMAN NECESSITIES"},
		index.Expand("A01C 1/00"),
	)
}

func TestBuildMalformedLine(t *testing.T) {
	err := Build("titles.txt", strings.NewReader("A\tHUMAN NECESSITIES\nA01 AGRICULTURE\n"), map[string][]string{})
	require.ErrorContains(t, err, "titles.txt:2")
}
