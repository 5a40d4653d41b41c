// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// encodeXMLRPC renders a methodCall document.
func encodeXMLRPC(method string, params ...any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(&buf, []byte(method)); err != nil {
		return nil, err
	}
	buf.WriteString("</methodName><params>")
	for _, p := range params {
		buf.WriteString("<param>")
		if err := writeXMLRPCValue(&buf, p); err != nil {
			return nil, err
		}
		buf.WriteString("</param>")
	}
	buf.WriteString("</params></methodCall>")
	return buf.Bytes(), nil
}

func writeXMLRPCValue(buf *bytes.Buffer, v any) error {
	buf.WriteString("<value>")
	switch val := v.(type) {
	case string:
		buf.WriteString("<string>")
		if err := xml.EscapeText(buf, []byte(val)); err != nil {
			return err
		}
		buf.WriteString("</string>")
	case int:
		fmt.Fprintf(buf, "<i4>%d</i4>", val)
	case int64:
		fmt.Fprintf(buf, "<i8>%d</i8>", val)
	case bool:
		b := 0
		if val {
			b = 1
		}
		fmt.Fprintf(buf, "<boolean>%d</boolean>", b)
	case float64:
		fmt.Fprintf(buf, "<double>%s</double>", strconv.FormatFloat(val, 'f', -1, 64))
	case []byte:
		buf.WriteString("<base64>")
		buf.WriteString(base64.StdEncoding.EncodeToString(val))
		buf.WriteString("</base64>")
	case []string:
		buf.WriteString("<array><data>")
		for _, s := range val {
			if err := writeXMLRPCValue(buf, s); err != nil {
				return err
			}
		}
		buf.WriteString("</data></array>")
	case []any:
		buf.WriteString("<array><data>")
		for _, item := range val {
			if err := writeXMLRPCValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteString("</data></array>")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("<struct>")
		for _, k := range keys {
			buf.WriteString("<member><name>")
			if err := xml.EscapeText(buf, []byte(k)); err != nil {
				return err
			}
			buf.WriteString("</name>")
			if err := writeXMLRPCValue(buf, val[k]); err != nil {
				return err
			}
			buf.WriteString("</member>")
		}
		buf.WriteString("</struct>")
	default:
		return errors.Errorf("xmlrpc: unsupported parameter type %T", v)
	}
	buf.WriteString("</value>")
	return nil
}

type xmlrpcValue struct {
	Text    string        `xml:",chardata"`
	String  *string       `xml:"string"`
	Int     *string       `xml:"int"`
	I4      *string       `xml:"i4"`
	I8      *string       `xml:"i8"`
	Boolean *string       `xml:"boolean"`
	Double  *string       `xml:"double"`
	Base64  *string       `xml:"base64"`
	Array   *xmlrpcArray  `xml:"array"`
	Struct  *xmlrpcStruct `xml:"struct"`
	Nil     *struct{}     `xml:"nil"`
}

type xmlrpcArray struct {
	Values []xmlrpcValue `xml:"data>value"`
}

type xmlrpcStruct struct {
	Members []struct {
		Name  string      `xml:"name"`
		Value xmlrpcValue `xml:"value"`
	} `xml:"member"`
}

type xmlrpcResponse struct {
	XMLName xml.Name      `xml:"methodResponse"`
	Params  []xmlrpcValue `xml:"params>param>value"`
	Fault   *xmlrpcValue  `xml:"fault>value"`
}

// xmlrpcFault is a fault returned by the remote method.
type xmlrpcFault struct {
	Code   int64
	String string
}

func (f *xmlrpcFault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.String)
}

// decodeXMLRPC parses a methodResponse and returns its first param as
// string, int64, bool, float64, []byte, []any or map[string]any.
func decodeXMLRPC(data []byte) (any, error) {
	var resp xmlrpcResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "xmlrpc: malformed response")
	}

	if resp.Fault != nil {
		v, err := resp.Fault.decode()
		if err != nil {
			return nil, err
		}
		fault := &xmlrpcFault{}
		if m, ok := v.(map[string]any); ok {
			fault.Code, _ = m["faultCode"].(int64)
			fault.String, _ = m["faultString"].(string)
		}
		return nil, fault
	}

	if len(resp.Params) == 0 {
		return nil, nil
	}
	return resp.Params[0].decode()
}

func (v xmlrpcValue) decode() (any, error) {
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Int != nil:
		return parseXMLRPCInt(*v.Int)
	case v.I4 != nil:
		return parseXMLRPCInt(*v.I4)
	case v.I8 != nil:
		return parseXMLRPCInt(*v.I8)
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1", nil
	case v.Double != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		if err != nil {
			return nil, errors.Wrap(err, "xmlrpc: invalid double")
		}
		return f, nil
	case v.Base64 != nil:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*v.Base64))
		if err != nil {
			return nil, errors.Wrap(err, "xmlrpc: invalid base64")
		}
		return b, nil
	case v.Array != nil:
		out := make([]any, 0, len(v.Array.Values))
		for _, item := range v.Array.Values {
			d, err := item.decode()
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			d, err := m.Value.decode()
			if err != nil {
				return nil, err
			}
			out[m.Name] = d
		}
		return out, nil
	case v.Nil != nil:
		return nil, nil
	default:
		// Untyped values are strings.
		return v.Text, nil
	}
}

func parseXMLRPCInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "xmlrpc: invalid integer")
	}
	return n, nil
}
