package value

import "sort"

// Object is an insertion-ordered string-keyed map. Replacing an existing key keeps its position.
// The zero Object is not usable, create one with NewObject. Read methods accept a nil receiver.
type Object struct {
	keys   []string
	values map[string]Value
}

func NewObject() *Object {
	return &Object{values: make(map[string]Value)}
}

// ObjectFromMap converts m into an Object with keys in lexical order.
func ObjectFromMap(m map[string]any) (*Object, error) {
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	obj, _ := v.AsObject()
	return obj, nil
}

func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	v, ok := o.values[key]
	return v, ok
}

func (o *Object) Set(key string, v Value) {
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

func (o *Object) Delete(key string) {
	if _, exists := o.values[key]; !exists {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns a copy of the keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	dup := make([]string, len(o.keys))
	copy(dup, o.keys)
	return dup
}

// Range calls fn for each entry in insertion order until fn returns false.
func (o *Object) Range(fn func(key string, v Value) bool) {
	if o == nil {
		return
	}
	for _, k := range o.keys {
		if !fn(k, o.values[k]) {
			return
		}
	}
}

// Clone returns a deep copy. Cloning nil yields an empty object.
func (o *Object) Clone() *Object {
	out := NewObject()
	if o == nil {
		return out
	}
	out.keys = make([]string, len(o.keys))
	copy(out.keys, o.keys)
	for k, v := range o.values {
		out.values[k] = v.Clone()
	}
	return out
}

func (o *Object) Equal(other *Object) bool {
	if o.Len() != other.Len() {
		return false
	}
	equal := true
	o.Range(func(key string, v Value) bool {
		ov, ok := other.Get(key)
		if !ok || !v.Equal(ov) {
			equal = false
		}
		return equal
	})
	return equal
}

func (o *Object) ToMap() map[string]any {
	out := make(map[string]any, o.Len())
	o.Range(func(key string, v Value) bool {
		out[key] = v.ToAny()
		return true
	})
	return out
}

// Merge deep-merges src into o. Nested objects are merged key by key, every other value in src
// replaces the one in o.
func (o *Object) Merge(src *Object) {
	src.Range(func(key string, v Value) bool {
		if srcObj, ok := v.AsObject(); ok {
			if existing, found := o.Get(key); found {
				if dstObj, ok := existing.AsObject(); ok && existing.obj != nil {
					dstObj.Merge(srcObj)
					return true
				}
			}
		}
		o.Set(key, v.Clone())
		return true
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
