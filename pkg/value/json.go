package value

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
)

var errNotFinite = errors.New("number is not finite")

func (v Value) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := v.writeJSON(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o *Object) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := o.writeJSON(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if v.num != "" {
			buf.WriteString(v.num)
			return nil
		}
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return errNotFinite
		}
		buf.Write(appendNumber(nil, v.n))
	case KindString:
		encoded, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return v.obj.writeJSON(buf)
	}
	return nil
}

func (o *Object) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	var err error
	i := 0
	o.Range(func(key string, v Value) bool {
		if i > 0 {
			buf.WriteByte(',')
		}
		i++
		var encodedKey []byte
		encodedKey, err = json.Marshal(key)
		if err != nil {
			return false
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		err = v.writeJSON(buf)
		return err == nil
	})
	if err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func appendNumber(dst []byte, n float64) []byte {
	if n == math.Trunc(n) && math.Abs(n) < 1e21 {
		return strconv.AppendFloat(dst, n, 'f', -1, 64)
	}
	return strconv.AppendFloat(dst, n, 'g', -1, 64)
}

// UnmarshalJSON decodes data keeping the field order of objects. Anything but whitespace
// after the value is rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	raw, dataType, end, err := jsonparser.Get(data)
	if err != nil {
		return fmt.Errorf("invalid json value: %w", err)
	}
	if rest := bytes.TrimLeft(data[end:], " \t\r\n"); len(rest) > 0 {
		return fmt.Errorf("invalid json value: unexpected data after value at offset %d", len(data)-len(rest))
	}
	decoded, err := decode(raw, dataType)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func (o *Object) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	obj, ok := v.AsObject()
	if !ok {
		return fmt.Errorf("expected json object, got %s", v.Kind())
	}
	*o = *obj
	return nil
}

// Parse decodes a JSON document into a Value.
func Parse(data []byte) (Value, error) {
	var v Value
	err := v.UnmarshalJSON(data)
	return v, err
}

func decode(raw []byte, dataType jsonparser.ValueType) (Value, error) {
	switch dataType {
	case jsonparser.Null:
		return Null(), nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(raw)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case jsonparser.Number:
		n, err := jsonparser.ParseFloat(raw)
		if err != nil {
			return Value{}, err
		}
		if !json.Valid(raw) {
			return Value{}, fmt.Errorf("invalid json number %q", raw)
		}
		return Value{kind: KindNumber, n: n, num: string(raw)}, nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case jsonparser.Array:
		arr := make([]Value, 0)
		var itemErr error
		_, err := jsonparser.ArrayEach(raw, func(item []byte, itemType jsonparser.ValueType, _ int, err error) {
			if itemErr != nil {
				return
			}
			if err != nil {
				itemErr = err
				return
			}
			decoded, err := decode(item, itemType)
			if err != nil {
				itemErr = err
				return
			}
			arr = append(arr, decoded)
		})
		if err != nil {
			return Value{}, err
		}
		if itemErr != nil {
			return Value{}, itemErr
		}
		return Value{kind: KindArray, arr: arr}, nil
	case jsonparser.Object:
		obj := NewObject()
		err := jsonparser.ObjectEach(raw, func(key []byte, item []byte, itemType jsonparser.ValueType, _ int) error {
			decoded, err := decode(item, itemType)
			if err != nil {
				return err
			}
			obj.Set(string(key), decoded)
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return ObjectValue(obj), nil
	}
	return Value{}, fmt.Errorf("unsupported json value type %s", dataType)
}
