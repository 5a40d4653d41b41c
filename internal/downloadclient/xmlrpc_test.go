// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type xmlrpcCall struct {
	XMLName    xml.Name      `xml:"methodCall"`
	MethodName string        `xml:"methodName"`
	Params     []xmlrpcValue `xml:"params>param>value"`
}

func decodeCall(t *testing.T, body []byte) (string, []any) {
	t.Helper()
	var call xmlrpcCall
	require.NoError(t, xml.Unmarshal(body, &call))
	params := make([]any, 0, len(call.Params))
	for _, p := range call.Params {
		v, err := p.decode()
		require.NoError(t, err)
		params = append(params, v)
	}
	return call.MethodName, params
}

func TestEncodeXMLRPC(t *testing.T) {
	body, err := encodeXMLRPC("load.start", "", "magnet:?xt=urn:btih:x&dn=a<b", []byte("raw"), 3, true,
		[]string{"a", "b"}, map[string]any{"z": 1, "a": "x"})
	require.NoError(t, err)

	method, params := decodeCall(t, body)
	assert.Equal(t, "load.start", method)
	require.Len(t, params, 7)
	assert.Equal(t, "", params[0])
	assert.Equal(t, "magnet:?xt=urn:btih:x&dn=a<b", params[1])
	assert.Equal(t, []byte("raw"), params[2])
	assert.Equal(t, int64(3), params[3])
	assert.Equal(t, true, params[4])
	assert.Equal(t, []any{"a", "b"}, params[5])
	assert.Equal(t, map[string]any{"a": "x", "z": int64(1)}, params[6])
}

func TestEncodeXMLRPC_UnsupportedType(t *testing.T) {
	_, err := encodeXMLRPC("x", struct{}{})
	assert.Error(t, err)
}

func TestDecodeXMLRPC(t *testing.T) {
	tests := []struct {
		name string
		body string
		want any
	}{
		{
			name: "untyped string",
			body: `<methodResponse><params><param><value>0.9.8</value></param></params></methodResponse>`,
			want: "0.9.8",
		},
		{
			name: "i8",
			body: `<methodResponse><params><param><value><i8>123456789012</i8></value></param></params></methodResponse>`,
			want: int64(123456789012),
		},
		{
			name: "nested array",
			body: `<methodResponse><params><param><value><array><data>
				<value><array><data><value><string>ABC</string></value><value><i4>1</i4></value></data></array></value>
			</data></array></value></param></params></methodResponse>`,
			want: []any{[]any{"ABC", int64(1)}},
		},
		{
			name: "empty params",
			body: `<methodResponse><params></params></methodResponse>`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeXMLRPC([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeXMLRPC_Fault(t *testing.T) {
	body := `<methodResponse><fault><value><struct>
		<member><name>faultCode</name><value><i4>-501</i4></value></member>
		<member><name>faultString</name><value><string>Could not find info-hash.</string></value></member>
	</struct></value></fault></methodResponse>`

	_, err := decodeXMLRPC([]byte(body))
	var fault *xmlrpcFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, int64(-501), fault.Code)
	assert.Equal(t, "Could not find info-hash.", fault.String)
}

func TestDecodeXMLRPC_Malformed(t *testing.T) {
	_, err := decodeXMLRPC([]byte("<html>nginx</html"))
	assert.Error(t, err)
}
