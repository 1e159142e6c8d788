package scanner_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/ingest/scanner"
)

func TestScanEmitsOneRecordPerArrayElement(t *testing.T) {
	s := scanner.New(scanner.Options{})
	input := `{"version":1,"nodes":[{"id":"a"},{"id":"b"}],"trailer":"ignored"}`

	var records []scanner.Record
	err := s.Scan(strings.NewReader(input), func(r scanner.Record) error {
		records = append(records, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, `{"id":"a"}`, string(records[0].Data))
	assert.Equal(t, `{"id":"b"}`, string(records[1].Data))
}

func TestScanIgnoresNestedKeysNamedNodes(t *testing.T) {
	s := scanner.New(scanner.Options{})
	input := `{"meta":{"nodes":"not the array"},"nodes":[{"id":"a"}]}`

	var records []scanner.Record
	err := s.Scan(strings.NewReader(input), func(r scanner.Record) error {
		records = append(records, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `{"id":"a"}`, string(records[0].Data))
}

func TestScanStopsWhenOnRecordReturnsError(t *testing.T) {
	s := scanner.New(scanner.Options{})
	input := `{"nodes":[{"id":"a"},{"id":"b"}]}`
	sentinel := errors.New("stop")

	count := 0
	err := s.Scan(strings.NewReader(input), func(r scanner.Record) error {
		count++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, count)
}

func TestScanWithoutContinueOnErrorAbortsOnMalformedElement(t *testing.T) {
	s := scanner.New(scanner.Options{})
	input := `{"nodes":[{"id":"a"}, not-an-object]}`

	err := s.Scan(strings.NewReader(input), func(r scanner.Record) error { return nil })
	require.Error(t, err)
	var gerr *graph.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, graph.KindMalformed, gerr.Kind)
}

func TestScanWithContinueOnErrorResyncsPastMalformedElement(t *testing.T) {
	s := scanner.New(scanner.Options{ContinueOnError: true})
	input := `{"nodes":[bogus,{"id":"b"}]}`

	var records []scanner.Record
	err := s.Scan(strings.NewReader(input), func(r scanner.Record) error {
		records = append(records, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `{"id":"b"}`, string(records[0].Data))
}

func TestScanRejectsMissingNodesKey(t *testing.T) {
	s := scanner.New(scanner.Options{})
	input := `{"version":1}`

	err := s.Scan(strings.NewReader(input), func(r scanner.Record) error { return nil })
	require.Error(t, err)
	var gerr *graph.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, graph.KindMalformed, gerr.Kind)
}
