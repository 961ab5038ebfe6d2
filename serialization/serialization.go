// Package serialization adapts the CLIXML PsValue tree in psrpvalue to the
// plain-Go shape application code consumes: strings, bools, numbers,
// []interface{}, and PSObject for complex objects that carry adapted/extended
// properties or a ToString rendering (a typed object with neither becomes ""),
// and for enum and ref content. This is the compatibility surface that client.Result
// and the stream channels deserialize pipeline output into.
package serialization

import (
	"fmt"

	"github.com/smnsjas/go-psremoting/psrpvalue"
)

// PSObject is the plain-Go projection of a psrpvalue.ComplexObject: a
// .NET/PowerShell typed object that carried a ToString rendering and/or a
// property bag across the wire.
type PSObject struct {
	TypeNames  []string
	ToString   string
	Properties map[string]interface{}
	// Value holds the unwrapped content for list/stack/queue/dict/enum
	// complex objects (a []interface{}, map[string]interface{}, or int32).
	// Nil for plain property-bag objects.
	Value interface{}
}

// Serializer encodes plain Go values into PSRP wire bytes (CLIXML).
type Serializer struct{}

// NewSerializer returns a Serializer.
func NewSerializer() *Serializer { return &Serializer{} }

// Serialize renders v as CLIXML bytes suitable for a message body's Data field.
func (s *Serializer) Serialize(v interface{}) ([]byte, error) {
	pv, err := toValue(v)
	if err != nil {
		return nil, err
	}
	return psrpvalue.Encode(pv)
}

// Deserializer decodes PSRP wire bytes (CLIXML) into plain Go values.
type Deserializer struct{}

// NewDeserializer returns a Deserializer.
func NewDeserializer() *Deserializer { return &Deserializer{} }

// Close releases any resources held by the Deserializer. CLIXML decoding
// holds none; Close exists so callers can use the Serializer/Deserializer
// pair uniformly with other stateful codecs.
func (d *Deserializer) Close() error { return nil }

// Deserialize parses data as a CLIXML fragment and returns each top-level
// value converted to its plain-Go projection.
func (d *Deserializer) Deserialize(data []byte) ([]interface{}, error) {
	values, err := psrpvalue.DecodeAll(data)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, fromValue(v))
	}
	return out, nil
}

// toValue converts a plain Go value into its psrpvalue.Value encoding.
func toValue(v interface{}) (psrpvalue.Value, error) {
	switch val := v.(type) {
	case nil:
		return psrpvalue.Nil(), nil
	case string:
		return psrpvalue.String(val), nil
	case bool:
		return psrpvalue.Bool(val), nil
	case int32:
		return psrpvalue.Int32(val), nil
	case int:
		return psrpvalue.Int32(int32(val)), nil
	case uint32:
		return psrpvalue.UInt32(val), nil
	case int64:
		return psrpvalue.Int64(val), nil
	case float64:
		return psrpvalue.Double(val), nil
	case []byte:
		return psrpvalue.Bytes(val), nil
	case []interface{}:
		c := psrpvalue.NewComplexObject()
		c.Content = psrpvalue.ContentList
		items := make([]psrpvalue.Value, 0, len(val))
		for _, item := range val {
			pv, err := toValue(item)
			if err != nil {
				return psrpvalue.Value{}, err
			}
			items = append(items, pv)
		}
		c.Items = items
		return psrpvalue.Complex(c), nil
	case map[string]interface{}:
		c := psrpvalue.NewComplexObject()
		for k, item := range val {
			pv, err := toValue(item)
			if err != nil {
				return psrpvalue.Value{}, err
			}
			c.Extended.Set(k, pv)
		}
		return psrpvalue.Complex(c), nil
	case *PSObject:
		return psObjectToValue(val)
	default:
		return psrpvalue.String(fmt.Sprint(val)), nil
	}
}

func psObjectToValue(obj *PSObject) (psrpvalue.Value, error) {
	c := psrpvalue.NewComplexObject()
	c.TypeNames = obj.TypeNames
	if obj.ToString != "" {
		c.ToString = obj.ToString
		c.HasToString = true
	}
	for k, item := range obj.Properties {
		pv, err := toValue(item)
		if err != nil {
			return psrpvalue.Value{}, err
		}
		c.Extended.Set(k, pv)
	}
	return psrpvalue.Complex(c), nil
}

// fromValue converts a decoded psrpvalue.Value into its plain-Go projection.
func fromValue(v psrpvalue.Value) interface{} {
	switch v.Kind {
	case psrpvalue.KindNil:
		return nil
	case psrpvalue.KindString:
		return v.Str
	case psrpvalue.KindBool:
		return v.Bool
	case psrpvalue.KindInt32:
		return v.I32
	case psrpvalue.KindUint32:
		return v.U32
	case psrpvalue.KindInt64:
		return v.I64
	case psrpvalue.KindDouble:
		return v.Double
	case psrpvalue.KindBytes:
		return v.Bytes
	case psrpvalue.KindVersion:
		return v.Version
	case psrpvalue.KindGUID:
		return v.GUID.String()
	case psrpvalue.KindDuration:
		return v.Duration
	case psrpvalue.KindDateTime:
		return v.DateTime
	case psrpvalue.KindScriptBlock:
		return v.Script
	case psrpvalue.KindChar:
		return v.Char
	case psrpvalue.KindDecimal:
		return v.Decimal
	case psrpvalue.KindComplexObject:
		return fromComplex(v.Complex)
	default:
		return nil
	}
}

func fromComplex(c *psrpvalue.ComplexObject) interface{} {
	if c == nil {
		return (*PSObject)(nil)
	}

	switch c.Content {
	case psrpvalue.ContentList, psrpvalue.ContentStack, psrpvalue.ContentQueue:
		items := make([]interface{}, 0, len(c.Items))
		for _, item := range c.Items {
			items = append(items, fromValue(item))
		}
		if !hasProperties(c) {
			return items
		}
		return &PSObject{TypeNames: c.TypeNames, ToString: c.ToString, Properties: properties(c), Value: items}
	case psrpvalue.ContentDict:
		m := make(map[string]interface{}, len(c.Dict))
		for _, e := range c.Dict {
			key := fmt.Sprint(fromValue(e.Key))
			m[key] = fromValue(e.Value)
		}
		if !hasProperties(c) {
			return m
		}
		return &PSObject{TypeNames: c.TypeNames, ToString: c.ToString, Properties: properties(c), Value: m}
	case psrpvalue.ContentEnum:
		return &PSObject{TypeNames: c.TypeNames, ToString: c.ToString, Properties: properties(c), Value: c.EnumValue}
	case psrpvalue.ContentRef:
		return &PSObject{TypeNames: c.TypeNames, ToString: c.ToString, Properties: properties(c), Value: c.RefID}
	default:
		if !c.HasToString && !hasProperties(c) {
			return ""
		}
		return &PSObject{TypeNames: c.TypeNames, ToString: c.ToString, Properties: properties(c)}
	}
}

func hasProperties(c *psrpvalue.ComplexObject) bool {
	return c.Adapted.Len() > 0 || c.Extended.Len() > 0
}

func properties(c *psrpvalue.ComplexObject) map[string]interface{} {
	m := make(map[string]interface{}, c.Adapted.Len()+c.Extended.Len())
	for _, p := range c.Adapted.Ordered() {
		m[p.Name] = fromValue(p.Value)
	}
	for _, p := range c.Extended.Ordered() {
		m[p.Name] = fromValue(p.Value)
	}
	return m
}
