package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestJSONSink_Publish_EncodesEmission(t *testing.T) {
	buf := new(bytes.Buffer)
	s := NewJSONSink(buf)

	em := Emission{
		Key:         "checkout",
		Result:      42,
		WindowStart: 1_700_000_000_000,
		WindowEnd:   1_700_000_010_002,
	}

	require.NoError(t, s.Publish(context.Background(), em))

	// Ensure we got exactly one JSON line (Encoder.Encode adds a newline)
	out := buf.String()
	require.True(t, strings.HasSuffix(out, "\n"), "expected trailing newline, got: %q", out)

	// Decode back and compare fields to avoid JSON key order issues.
	var got Emission
	require.NoErrorf(t, json.Unmarshal(buf.Bytes(), &got), "data=%q", out)
	require.Equal(t, em, got)
}

func TestJSONSink_Publish_GoldenOutput(t *testing.T) {
	buf := new(bytes.Buffer)
	s := NewJSONSink(buf)

	emissions := []Emission{
		{Key: "checkout", Result: 42, WindowStart: 1_700_000_000_000, WindowEnd: 1_700_000_010_002},
		{Key: "search", Result: -3, WindowStart: 1_700_000_005_000, WindowEnd: 1_700_000_015_000},
	}

	for _, em := range emissions {
		require.NoError(t, s.Publish(context.Background(), em))
	}

	g := goldie.New(t)
	g.Assert(t, "emissions", buf.Bytes())
}
