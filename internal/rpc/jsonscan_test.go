package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanTopLevelFieldsSimple(t *testing.T) {
	fields, err := ScanTopLevelFields([]byte(`{"id":1,"result":"pong"}`))
	require.NoError(t, err)
	require.Equal(t, "1", string(fields["id"]))
	require.Equal(t, `"pong"`, string(fields["result"]))
}

func TestScanTopLevelFieldsPreservesNestedStructureRaw(t *testing.T) {
	line := []byte(`{"id":42,"result":{"shm_name":"owl-1","shm_available":true,"nested":[1,2,{"a":"b,}"}]}}`)
	fields, err := ScanTopLevelFields(line)
	require.NoError(t, err)
	require.Equal(t, "42", string(fields["id"]))
	require.Equal(t, `{"shm_name":"owl-1","shm_available":true,"nested":[1,2,{"a":"b,}"}]}`, string(fields["result"]))
}

func TestScanTopLevelFieldsErrorString(t *testing.T) {
	fields, err := ScanTopLevelFields([]byte(`{"id":7,"error":"invalid params"}`))
	require.NoError(t, err)
	require.Equal(t, `"invalid params"`, string(fields["error"]))
}

func TestScanTopLevelFieldsDoesNotCountBracesInsideStrings(t *testing.T) {
	line := []byte(`{"id":1,"result":"contains { and } and [ ] chars"}`)
	fields, err := ScanTopLevelFields(line)
	require.NoError(t, err)
	require.Equal(t, `"contains { and } and [ ] chars"`, string(fields["result"]))
}

func TestScanTopLevelFieldsHandlesEscapedQuotes(t *testing.T) {
	line := []byte(`{"id":1,"result":"she said \"hi\" to \\ escape"}`)
	fields, err := ScanTopLevelFields(line)
	require.NoError(t, err)
	require.Equal(t, `"she said \"hi\" to \\ escape"`, string(fields["result"]))
}

func TestScanTopLevelFieldsWhitespaceAndEmptyObject(t *testing.T) {
	fields, err := ScanTopLevelFields([]byte(`  {  "id" : 0 }  `))
	require.NoError(t, err)
	require.Equal(t, "0", string(fields["id"]))

	fields, err = ScanTopLevelFields([]byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, fields)
}

func TestExtractFieldMissing(t *testing.T) {
	v, ok, err := ExtractField([]byte(`{"id":1}`), "result")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, v)
}

func TestScanTopLevelFieldsRejectsMalformed(t *testing.T) {
	_, err := ScanTopLevelFields([]byte(`not json`))
	require.Error(t, err)

	_, err = ScanTopLevelFields([]byte(`{"id":}`))
	require.Error(t, err)
}
