package htmlutil

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanText(t *testing.T) {
	table := []struct {
		input    string
		expected string
	}{
		{input: "  plain  ", expected: "plain"},
		{input: "IVANOV\n\t  IVAN", expected: "IVANOV IVAN"},
		{input: "a\u0000b", expected: "ab"},
		{input: "", expected: ""},
	}

	for _, row := range table {
		require.Equal(t, row.expected, CleanText(row.input))
	}
}

func TestResolveHref(t *testing.T) {
	base, err := url.Parse("https://patentscope.wipo.int/search/en/result.jsf?query=x")
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := ResolveHref(base, "detail.jsf?docId=WO2024001")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "https://patentscope.wipo.int/search/en/detail.jsf?docId=WO2024001", resolved)

	resolved, err = ResolveHref(base, "HTTPS://PATENTSCOPE.WIPO.INT:443/search/../search/en/detail.jsf")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "https://patentscope.wipo.int/search/en/detail.jsf", resolved)
}
